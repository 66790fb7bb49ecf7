package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"cronix/internal/eventbus"
	"cronix/internal/model"
	"cronix/internal/storage"
	logx "cronix/pkg/logx"
)

type recordingChannel struct {
	mu    sync.Mutex
	sent  []string
	fails int // fail this many sends first
}

func (c *recordingChannel) Send(_ context.Context, target model.NotifyTarget, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return errors.New("transient")
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newService(t *testing.T, cfg Config) (*Service, *storage.Memory, *recordingChannel) {
	t.Helper()
	st := storage.NewMemory()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 5 * time.Millisecond
	}
	svc := New(cfg, st, logx.Nop(), nil, st)
	ch := &recordingChannel{}
	svc.SetChannel(model.TargetWebhook, ch)
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc, st, ch
}

func addWebhook(t *testing.T, st *storage.Memory, u string) int64 {
	t.Helper()
	tg := &model.NotifyTarget{Type: model.TargetWebhook, Config: json.RawMessage(`{"url":"` + u + `"}`)}
	if err := st.CreateTarget(context.Background(), tg); err != nil {
		t.Fatal(err)
	}
	return tg.ID
}

func TestDispatchHonoursStrategy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		strategy model.NotifyStrategy
		status   model.Status
		want     int
	}{
		{model.NotifyNever, model.StatusFailed, 0},
		{model.NotifyAlways, model.StatusSuccess, 1},
		{model.NotifyOnFailure, model.StatusSuccess, 0},
		{model.NotifyOnFailure, model.StatusTimeout, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.strategy)+"/"+string(tt.status), func(t *testing.T) {
			t.Parallel()
			svc, st, ch := newService(t, Config{})
			id := addWebhook(t, st, "http://unused")
			if err := svc.Dispatch(context.Background(), []int64{id}, tt.strategy, tt.status, "report"); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if tt.want > 0 {
				waitFor(t, 2*time.Second, func() bool { return ch.count() == tt.want })
				return
			}
			time.Sleep(50 * time.Millisecond)
			if ch.count() != 0 {
				t.Fatalf("sent %d, want 0", ch.count())
			}
		})
	}
}

func TestDispatchUnknownTargetReturnsError(t *testing.T) {
	t.Parallel()
	svc, st, ch := newService(t, Config{})
	id := addWebhook(t, st, "http://unused")
	err := svc.Dispatch(context.Background(), []int64{id, 404}, model.NotifyAlways, model.StatusFailed, "report")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Dispatch error = %v, want ErrNotFound", err)
	}
	waitFor(t, 2*time.Second, func() bool { return ch.count() == 1 })
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	st := storage.NewMemory()
	svc := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: 5 * time.Millisecond}, st, logx.Nop(), bus, nil)
	ch := &recordingChannel{fails: 2}
	svc.SetChannel(model.TargetWebhook, ch)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	id := addWebhook(t, st, "http://unused")
	if err := svc.Dispatch(context.Background(), []int64{id}, model.NotifyAlways, model.StatusSuccess, "hello"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return ch.count() == 1 })

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventSent {
				if len(svc.Snapshot()) != 1 {
					t.Fatalf("history len = %d", len(svc.Snapshot()))
				}
				return
			}
		case <-deadline:
			t.Fatal("no sent event")
		}
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	svc, st, ch := newService(t, Config{DedupWindow: time.Minute, PersistDedup: true})
	id := addWebhook(t, st, "http://unused")
	for i := 0; i < 3; i++ {
		_ = svc.Dispatch(context.Background(), []int64{id}, model.NotifyAlways, model.StatusSuccess, "same")
	}
	_ = svc.Dispatch(context.Background(), []int64{id}, model.NotifyAlways, model.StatusSuccess, "different")
	waitFor(t, 2*time.Second, func() bool { return ch.count() == 2 })
	time.Sleep(50 * time.Millisecond)
	if ch.count() != 2 {
		t.Fatalf("sent %d, want 2", ch.count())
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	id := addWebhook(t, st, "http://unused")

	off := New(Config{Enabled: false}, st, logx.Nop(), nil, nil)
	off.Start(context.Background())
	if err := off.Dispatch(context.Background(), []int64{id}, model.NotifyAlways, model.StatusSuccess, "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Dispatch = %v", err)
	}

	on := New(Config{Enabled: true}, st, logx.Nop(), nil, nil)
	if err := on.Dispatch(context.Background(), []int64{id}, model.NotifyAlways, model.StatusSuccess, "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("not-started Dispatch = %v", err)
	}
}

func TestSendAlertUsesAlertTargets(t *testing.T) {
	t.Parallel()
	svc, st, ch := newService(t, Config{})
	if err := svc.SendAlert(context.Background(), "x"); !errors.Is(err, ErrNoAlertTarget) {
		t.Fatalf("SendAlert without targets = %v", err)
	}
	id := addWebhook(t, st, "http://unused")
	svc.Apply(Config{Enabled: true, RatePerSec: 100, AlertTargetIDs: []int64{id}})
	if err := svc.SendAlert(context.Background(), "[ERROR] boom"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return ch.count() == 1 })
}

func TestWebhookChannel(t *testing.T) {
	t.Parallel()
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := &webhookChannel{client: srv.Client()}
	target := model.NotifyTarget{Type: model.TargetWebhook, Config: json.RawMessage(`{"url":"` + srv.URL + `"}`)}
	if err := ch.Send(context.Background(), target, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["message"] != "hello" {
		t.Fatalf("payload = %v", got)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer bad.Close()
	target.Config = json.RawMessage(`{"url":"` + bad.URL + `"}`)
	var de *DeliveryError
	if err := ch.Send(context.Background(), target, "hello"); !errors.As(err, &de) || de.Status != http.StatusBadGateway {
		t.Fatalf("Send to failing endpoint = %v", err)
	}
}

func TestDingTalkSignedRequest(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1700000000000)
	var (
		query url.Values
		body  dingTalkMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"errcode":0,"errmsg":"ok"}`)
	}))
	defer srv.Close()

	ch := &dingTalkChannel{client: srv.Client(), now: func() time.Time { return now }}
	target := model.NotifyTarget{Type: model.TargetDingTalk, Config: json.RawMessage(`{"webhook_url":"` + srv.URL + `/robot/send?access_token=abc","secret":"SEC"}`)}
	if err := ch.Send(context.Background(), target, "report"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if query.Get("access_token") != "abc" || query.Get("timestamp") != "1700000000000" {
		t.Fatalf("query = %v", query)
	}
	if query.Get("sign") != dingTalkSign("1700000000000", "SEC") {
		t.Fatalf("sign = %q", query.Get("sign"))
	}
	if body.MsgType != "text" || body.Text.Content != "report" {
		t.Fatalf("body = %+v", body)
	}

	rejected := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"errcode":310000,"errmsg":"sign not match"}`)
	}))
	defer rejected.Close()
	target.Config = json.RawMessage(`{"webhook_url":"` + rejected.URL + `?access_token=x","secret":"SEC"}`)
	if err := ch.Send(context.Background(), target, "report"); err == nil || !strings.Contains(err.Error(), "310000") {
		t.Fatalf("rejected Send = %v", err)
	}
}

func TestDingTalkSignIsStable(t *testing.T) {
	t.Parallel()
	// base64(HMAC-SHA256("secret", "1\nsecret"))
	a := dingTalkSign("1", "secret")
	if a != dingTalkSign("1", "secret") || a == dingTalkSign("2", "secret") {
		t.Fatal("sign must depend only on timestamp and secret")
	}
	if u := signedDingTalkURL("https://x/send", "1", "a+b="); u != "https://x/send?timestamp=1&sign=a%2Bb%3D" {
		t.Fatalf("url = %s", u)
	}
}

func TestTelegramChannel(t *testing.T) {
	t.Parallel()
	var form url.Values
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		if json.Unmarshal(b, &m) == nil {
			form = url.Values{}
			for k, v := range m {
				if s, ok := v.(string); ok {
					form.Set(k, s)
				}
			}
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	ch := newTelegramChannel(srv.Client())
	ch.apiURL = srv.URL
	target := model.NotifyTarget{Type: model.TargetTelegram, Config: json.RawMessage(`{"bot_token":"TOKEN","chat_id":"42"}`)}
	if err := ch.Send(context.Background(), target, "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Fatalf("path = %s", path)
	}
	if form.Get("chat_id") != "42" || form.Get("text") != "hi" {
		t.Fatalf("params = %v", form)
	}
}

func TestSendTestIsSynchronous(t *testing.T) {
	t.Parallel()
	svc, st, ch := newService(t, Config{})
	id := addWebhook(t, st, "http://unused")
	if err := svc.SendTest(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if ch.count() != 1 {
		t.Fatalf("sent %d, want 1", ch.count())
	}
	if err := svc.SendTest(context.Background(), 999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("SendTest unknown = %v", err)
	}
}

func TestHistoryRingKeepsNewest(t *testing.T) {
	t.Parallel()
	r := newHistoryRing(3)
	for i := int64(1); i <= 5; i++ {
		r.add(model.NotifyTarget{ID: i}, "m")
	}
	got := r.items()
	if len(got) != 3 || got[0].TargetID != 3 || got[2].TargetID != 5 {
		t.Fatalf("items = %+v", got)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of range", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v, want 100ms +/- 30%%", d)
	}
}

func TestDedupCacheEvictsSoonestExpiry(t *testing.T) {
	t.Parallel()
	c := newDedupCache()
	now := time.Now()
	c.set("a", now.Add(time.Minute), now, 2)
	c.set("b", now.Add(3*time.Minute), now, 2)
	c.set("c", now.Add(2*time.Minute), now, 2)
	if c.active("a", now) {
		t.Fatal("a should be evicted first")
	}
	if !c.active("b", now) || !c.active("c", now) {
		t.Fatal("b and c should remain")
	}
	c.set("d", now.Add(time.Second), now.Add(-time.Second), 0)
	if c.active("d", now.Add(2*time.Second)) {
		t.Fatal("expired entry reported active")
	}
}
