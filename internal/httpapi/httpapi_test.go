package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cronix/internal/eventbus"
	"cronix/internal/model"
	"cronix/internal/notifier"
	"cronix/internal/scripts"
	"cronix/internal/storage"
	"cronix/internal/task/cronclock"
	"cronix/internal/task/engine"
	logx "cronix/pkg/logx"
)

type fakeEngine struct {
	mu      sync.Mutex
	store   storage.Store
	running map[int64]bool
	stopped bool
}

func (f *fakeEngine) RunNow(ctx context.Context, id int64) (bool, error) {
	if _, err := f.store.GetTask(ctx, id); err != nil {
		return false, engine.ErrTaskNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false, engine.ErrStopped
	}
	if f.running[id] {
		return false, nil
	}
	f.running[id] = true
	return true, nil
}

func (f *fakeEngine) Cancel(_ context.Context, id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[id] {
		return false
	}
	delete(f.running, id)
	return true
}

func (f *fakeEngine) ListRunning() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id := range f.running {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeEngine) Running() []engine.RunningInfo {
	var out []engine.RunningInfo
	for _, id := range f.ListRunning() {
		out = append(out, engine.RunningInfo{TaskID: id, Trigger: model.TriggerManual})
	}
	return out
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []int64
	err  error
}

func (f *fakeNotifier) SendTest(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeNotifier) Snapshot() []notifier.HistoryItem { return nil }

type fixture struct {
	srv   *Server
	store *storage.Memory
	eng   *fakeEngine
	notif *fakeNotifier
	bus   eventbus.Bus
	lib   *scripts.Manager
	now   time.Time
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	store := storage.NewMemory()
	lib, err := scripts.New(t.TempDir(), scripts.Options{KillGrace: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		lib:   lib,
		store: store,
		eng:   &fakeEngine{store: store, running: map[int64]bool{}},
		notif: &fakeNotifier{},
		bus:   eventbus.New(),
		now:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.srv = New(Config{Addr: "127.0.0.1:0", Token: token}, Deps{
		Store:    store,
		Engine:   f.eng,
		Notifier: f.notif,
		Cron:     cronclock.New(cronclock.Options{Location: time.UTC}),
		Bus:      f.bus,
		Scripts:  lib,
		Log:      logx.Nop(),
		Now:      func() time.Time { return f.now },
	})
	return f
}

type reply struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) (int, reply) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	var r reply
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, r
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

type taskJSON struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	CronExpr        string     `json:"cron_expression"`
	Kind            string     `json:"execution_type"`
	Active          bool       `json:"is_active"`
	Timeout         int        `json:"timeout"`
	RetryInterval   int        `json:"retry_interval"`
	NotificationIDs []int64    `json:"notification_ids"`
	NotifyStrategy  string     `json:"notify_strategy"`
	NextRunAt       *time.Time `json:"next_run_time"`
	Running         bool       `json:"is_running"`
}

func (f *fixture) createTask(t *testing.T, body map[string]any) taskJSON {
	t.Helper()
	code, r := f.do(t, http.MethodPost, "/api/tasks", body)
	if code != http.StatusCreated {
		t.Fatalf("create task: %d %s", code, r.Message)
	}
	return decode[taskJSON](t, r.Data)
}

func TestTaskCRUD(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	created := f.createTask(t, map[string]any{"name": "backup", "cron_expression": "*/15 * * * *", "command": "echo hi"})
	if created.ID == 0 || !created.Active || created.Kind != "shell" || created.Timeout != 300 || created.RetryInterval != 60 {
		t.Fatalf("created = %+v", created)
	}
	if created.NextRunAt == nil || !created.NextRunAt.Equal(f.now.Add(15*time.Minute)) {
		t.Fatalf("next_run_time = %v", created.NextRunAt)
	}

	code, r := f.do(t, http.MethodPut, "/api/tasks/1", map[string]any{"timeout": 30, "is_active": false})
	if code != http.StatusOK {
		t.Fatalf("update: %d %s", code, r.Message)
	}
	updated := decode[taskJSON](t, r.Data)
	if updated.Timeout != 30 || updated.Active || updated.Name != "backup" || updated.NextRunAt != nil {
		t.Fatalf("updated = %+v", updated)
	}

	code, r = f.do(t, http.MethodGet, "/api/tasks", nil)
	if code != http.StatusOK || r.Code != 200 || r.Message != "Success" {
		t.Fatalf("list: %d %+v", code, r)
	}
	if list := decode[[]taskJSON](t, r.Data); len(list) != 1 || list[0].Timeout != 30 {
		t.Fatalf("list = %+v", list)
	}

	if code, _ := f.do(t, http.MethodDelete, "/api/tasks/1", nil); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	code, r = f.do(t, http.MethodGet, "/api/tasks/1", nil)
	if code != http.StatusNotFound || r.Message != "Task not found" || r.Code != 404 {
		t.Fatalf("get deleted: %d %+v", code, r)
	}
}

func TestCreateTaskRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"bad cron", map[string]any{"name": "x", "cron_expression": "* * *", "command": "true"}, "Invalid cron expression"},
		{"seconds field", map[string]any{"name": "x", "cron_expression": "0 * * * * *", "command": "true"}, "Invalid cron expression"},
		{"unknown target", map[string]any{"name": "x", "cron_expression": "* * * * *", "command": "true", "notification_ids": []int{9}}, msgUnknownTargets},
		{"timeout", map[string]any{"name": "x", "cron_expression": "* * * * *", "command": "true", "timeout": 4000}, "timeout"},
		{"huge timeout", map[string]any{"name": "x", "cron_expression": "* * * * *", "command": "true", "timeout": int64(1) << 62}, "timeout"},
		{"huge retry interval", map[string]any{"name": "x", "cron_expression": "* * * * *", "command": "true", "retry_interval": int64(9223372037)}, "retry_interval"},
		{"retry count", map[string]any{"name": "x", "cron_expression": "* * * * *", "command": "true", "retry_count": 6}, "retry_count"},
		{"kind", map[string]any{"name": "x", "cron_expression": "* * * * *", "command": "true", "execution_type": "ruby"}, "execution_type"},
		{"missing name", map[string]any{"cron_expression": "* * * * *", "command": "true"}, "name"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "")
			code, r := f.do(t, http.MethodPost, "/api/tasks", tt.body)
			if code != http.StatusBadRequest || !strings.Contains(r.Message, tt.want) {
				t.Fatalf("got %d %q, want 400 mentioning %q", code, r.Message, tt.want)
			}
		})
	}
}

func TestRunAndCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.createTask(t, map[string]any{"name": "job", "cron_expression": "0 0 * * *", "command": "sleep 10"})

	code, r := f.do(t, http.MethodPost, "/api/tasks/1/cancel", nil)
	if code != http.StatusBadRequest || r.Message != "Task is not currently running" {
		t.Fatalf("cancel idle: %d %q", code, r.Message)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/tasks/1/run", nil); code != http.StatusAccepted {
		t.Fatalf("run = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/tasks/1/run", nil); code != http.StatusConflict {
		t.Fatalf("run busy = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/tasks/2/run", nil); code != http.StatusNotFound {
		t.Fatalf("run missing = %d", code)
	}

	code, r = f.do(t, http.MethodGet, "/api/tasks/running", nil)
	if ids := decode[[]int64](t, r.Data); code != http.StatusOK || len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("running = %d %s", code, r.Data)
	}
	code, r = f.do(t, http.MethodGet, "/api/tasks/1", nil)
	if got := decode[taskJSON](t, r.Data); code != http.StatusOK || !got.Running {
		t.Fatalf("is_running not reported: %s", r.Data)
	}

	code, r = f.do(t, http.MethodPost, "/api/tasks/1/cancel", nil)
	if code != http.StatusOK || r.Message != "Task 1 cancelled successfully" {
		t.Fatalf("cancel: %d %q", code, r.Message)
	}

	f.eng.mu.Lock()
	f.eng.stopped = true
	f.eng.mu.Unlock()
	if code, _ := f.do(t, http.MethodPost, "/api/tasks/1/run", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("run stopped = %d", code)
	}
}

func TestExecutionsEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.createTask(t, map[string]any{"name": "a", "cron_expression": "* * * * *", "command": "true"})
	f.createTask(t, map[string]any{"name": "b", "cron_expression": "* * * * *", "command": "true"})

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		taskID := int64(1 + i%2)
		id, err := f.store.CreateExecution(ctx, model.NewExecution{TaskID: taskID, RunID: "r", Trigger: model.TriggerSchedule, Status: model.StatusRunning, StartedAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatal(err)
		}
		status := model.StatusSuccess
		if i == 4 {
			status = model.StatusFailed
		}
		if _, err := f.store.CompleteExecution(ctx, id, model.Completion{Status: status, FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second)}); err != nil {
			t.Fatal(err)
		}
	}

	code, r := f.do(t, http.MethodGet, "/api/executions?task_id=1&page=1&page_size=2", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d %s", code, r.Message)
	}
	page := decode[model.ExecutionPage](t, r.Data)
	if page.Total != 3 || page.TotalPages != 2 || len(page.Items) != 2 || page.Items[0].ID != 5 {
		t.Fatalf("page = %+v", page)
	}

	code, r = f.do(t, http.MethodGet, "/api/executions?status=failed", nil)
	if page := decode[model.ExecutionPage](t, r.Data); code != http.StatusOK || page.Total != 1 {
		t.Fatalf("status filter: %d %s", code, r.Data)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/executions?status=weird", nil); code != http.StatusBadRequest {
		t.Fatalf("bad status = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/executions?page_size=500", nil); code != http.StatusBadRequest {
		t.Fatalf("bad page_size = %d", code)
	}

	code, r = f.do(t, http.MethodGet, "/api/tasks/2/executions", nil)
	if items := decode[[]model.Execution](t, r.Data); code != http.StatusOK || len(items) != 2 || items[0].ID != 4 {
		t.Fatalf("task executions: %d %s", code, r.Data)
	}

	code, r = f.do(t, http.MethodGet, "/api/executions/2", nil)
	if code != http.StatusOK {
		t.Fatalf("detail = %d", code)
	}
	detail := decode[struct {
		ID   int64     `json:"id"`
		Task *taskJSON `json:"task"`
	}](t, r.Data)
	if detail.ID != 2 || detail.Task == nil || detail.Task.Name != "b" {
		t.Fatalf("detail = %s", r.Data)
	}
	if code, r := f.do(t, http.MethodGet, "/api/executions/99", nil); code != http.StatusNotFound || r.Message != "Execution not found" {
		t.Fatalf("missing execution: %d %q", code, r.Message)
	}
}

func TestNotificationTargets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, r := f.do(t, http.MethodPost, "/api/notifications", map[string]any{"notify_type": "webhook", "config": map[string]any{"url": "https://example.com/hook"}})
	if code != http.StatusCreated {
		t.Fatalf("create: %d %s", code, r.Message)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/notifications", map[string]any{"notify_type": "telegram", "config": map[string]any{"chat_id": "1"}}); code != http.StatusBadRequest {
		t.Fatalf("invalid telegram = %d", code)
	}

	f.createTask(t, map[string]any{"name": "n", "cron_expression": "* * * * *", "command": "true", "notification_ids": []int{1, 1}, "notify_strategy": "on_failure"})
	_, r = f.do(t, http.MethodGet, "/api/tasks/1", nil)
	if got := decode[taskJSON](t, r.Data); len(got.NotificationIDs) != 1 {
		t.Fatalf("notification_ids not deduplicated: %v", got.NotificationIDs)
	}

	if code, _ := f.do(t, http.MethodPost, "/api/notifications/1/test", nil); code != http.StatusOK {
		t.Fatalf("test = %d", code)
	}
	if len(f.notif.sent) != 1 || f.notif.sent[0] != 1 {
		t.Fatalf("sent = %v", f.notif.sent)
	}
	f.notif.err = &notifier.DeliveryError{Type: model.TargetWebhook, Status: 500, Body: "down"}
	if code, _ := f.do(t, http.MethodPost, "/api/notifications/1/test", nil); code != http.StatusBadGateway {
		t.Fatalf("failed test = %d", code)
	}

	code, r = f.do(t, http.MethodDelete, "/api/notifications/1", nil)
	if code != http.StatusConflict || !strings.Contains(string(r.Data), `"task_ids":[1]`) {
		t.Fatalf("delete in use: %d %s", code, r.Data)
	}
	if code, _ := f.do(t, http.MethodPut, "/api/tasks/1", map[string]any{"notification_ids": []int{}}); code != http.StatusOK {
		t.Fatalf("detach = %d", code)
	}
	if code, _ := f.do(t, http.MethodDelete, "/api/notifications/1", nil); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "s3cret")
	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"health is public", "/api/health", nil, http.StatusOK},
		{"missing", "/api/tasks", nil, http.StatusUnauthorized},
		{"wrong", "/api/tasks", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"scheme", "/api/tasks", []string{"Authorization", "Basic s3cret"}, http.StatusUnauthorized},
		{"header", "/api/tasks", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"query", "/api/tasks?token=s3cret", nil, http.StatusOK},
	}
	for _, tt := range tests {
		if code, _ := f.do(t, http.MethodGet, tt.path, nil, tt.header...); code != tt.want {
			t.Errorf("%s: status %d, want %d", tt.name, code, tt.want)
		}
	}
}

func TestStatsAndCronPreview(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.createTask(t, map[string]any{"name": "a", "cron_expression": "* * * * *", "command": "true"})
	f.createTask(t, map[string]any{"name": "b", "cron_expression": "* * * * *", "command": "true", "is_active": false})

	code, r := f.do(t, http.MethodGet, "/api/stats/summary", nil)
	st := decode[model.Stats](t, r.Data)
	if code != http.StatusOK || st.TotalTasks != 2 || st.ActiveTasks != 1 || st.InactiveTasks != 1 || st.SuccessRate != nil {
		t.Fatalf("stats: %d %s", code, r.Data)
	}

	code, r = f.do(t, http.MethodGet, "/api/cron/preview?expr=0+12+*+*+*&n=3", nil)
	if code != http.StatusOK {
		t.Fatalf("preview: %d %s", code, r.Message)
	}
	got := decode[struct {
		Next []time.Time `json:"next"`
	}](t, r.Data)
	if len(got.Next) != 3 || !got.Next[0].Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) || !got.Next[2].Equal(time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("next = %v", got.Next)
	}

	// Feb 30 never occurs.
	code, r = f.do(t, http.MethodGet, "/api/cron/preview?expr=0+0+30+2+*", nil)
	if got := decode[struct {
		Next []time.Time `json:"next"`
	}](t, r.Data); code != http.StatusOK || len(got.Next) != 0 {
		t.Fatalf("never-firing preview: %d %s", code, r.Data)
	}
	for _, q := range []string{"expr=bogus", "expr=*+*+*+*+*&n=0", ""} {
		if code, _ := f.do(t, http.MethodGet, "/api/cron/preview?"+q, nil); code != http.StatusBadRequest {
			t.Errorf("preview %q = %d, want 400", q, code)
		}
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "tok")
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.srv.Stop(context.Background())

	url := "ws://" + f.srv.Addr() + "/api/events?types=execution.&token=tok"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.srv.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.bus.Publish(eventbus.Event{Type: notifier.EventSent, Data: "filtered out"})
	f.bus.Publish(eventbus.Event{Type: engine.EventStarted, Data: engine.ExecutionEvent{TaskID: 7, RunID: "r1"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Type string                `json:"type"`
		Data engine.ExecutionEvent `json:"data"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != engine.EventStarted || ev.Data.TaskID != 7 || ev.Data.RunID != "r1" {
		t.Fatalf("event = %s", msg)
	}

	// Unauthenticated upgrade is refused before the handshake.
	if _, resp, err := websocket.DefaultDialer.Dial("ws://"+f.srv.Addr()+"/api/events", nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated dial: err=%v resp=%v", err, resp)
	}
}

func TestPprofBehindAuth(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	srv := New(Config{Token: "tok", Pprof: true}, Deps{
		Store:  store,
		Engine: &fakeEngine{store: store, running: map[int64]bool{}},
		Cron:   cronclock.New(cronclock.Options{Location: time.UTC}),
		Log:    logx.Nop(),
	})

	get := func(path, auth string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	if code := get("/debug/pprof/cmdline", ""); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d", code)
	}
	if code := get("/debug/pprof/cmdline", "Bearer tok"); code != http.StatusOK {
		t.Fatalf("cmdline = %d", code)
	}
	if code := get("/debug/pprof/goroutine?debug=1", "Bearer tok"); code != http.StatusOK {
		t.Fatalf("goroutine = %d", code)
	}

	off := newFixture(t, "")
	if code, _ := off.do(t, http.MethodGet, "/debug/pprof/cmdline", nil); code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", code)
	}
}

func TestScriptEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	code, r := f.do(t, http.MethodPost, "/api/scripts", map[string]any{"path": "jobs/hello.sh", "content": "echo \"hi $1\"\n"})
	if code != http.StatusCreated {
		t.Fatalf("create: %d %+v", code, r)
	}
	if code, r = f.do(t, http.MethodPost, "/api/scripts", map[string]any{"path": "jobs/hello.sh", "content": "x"}); code != http.StatusConflict || !strings.Contains(r.Message, "already exists") {
		t.Fatalf("duplicate create: %d %+v", code, r)
	}
	if code, r = f.do(t, http.MethodPost, "/api/scripts", map[string]any{"path": "notes.txt", "content": "x"}); code != http.StatusBadRequest || !strings.Contains(r.Message, "Unsupported file type") {
		t.Fatalf("unsupported create: %d %+v", code, r)
	}
	if code, r = f.do(t, http.MethodPost, "/api/scripts", map[string]any{"path": "../evil.sh", "content": "x"}); code != http.StatusForbidden {
		t.Fatalf("escaping create: %d %+v", code, r)
	}

	code, r = f.do(t, http.MethodGet, "/api/scripts/file/jobs/hello.sh", nil)
	if code != http.StatusOK {
		t.Fatalf("get: %d %+v", code, r)
	}
	if sc := decode[scripts.Script](t, r.Data); sc.Kind != model.KindShell || !strings.Contains(sc.Content, "hi") {
		t.Fatalf("get: %+v", sc)
	}
	if code, _ = f.do(t, http.MethodGet, "/api/scripts/file/jobs/nope.sh", nil); code != http.StatusNotFound {
		t.Fatalf("get missing: %d", code)
	}

	code, r = f.do(t, http.MethodGet, "/api/scripts", nil)
	if tree := decode[[]scripts.Node](t, r.Data); code != http.StatusOK || len(tree) != 1 || tree[0].Path != "jobs" || len(tree[0].Children) != 1 {
		t.Fatalf("list: %d %+v", code, tree)
	}

	if runtime.GOOS != "windows" {
		code, r = f.do(t, http.MethodPost, "/api/scripts/run/jobs/hello.sh", map[string]any{"args": []string{"there"}, "timeout": 5})
		res := decode[scripts.RunResult](t, r.Data)
		if code != http.StatusOK || res.Status != model.StatusSuccess || strings.TrimSpace(res.Stdout) != "hi there" {
			t.Fatalf("run: %d %+v", code, res)
		}
		if code, _ = f.do(t, http.MethodPost, "/api/scripts/run/jobs/hello.sh", map[string]any{"timeout": 100000}); code != http.StatusBadRequest {
			t.Fatalf("run with huge timeout: %d", code)
		}
	}

	code, r = f.do(t, http.MethodPut, "/api/scripts/file/jobs/hello.sh", map[string]any{"path": "hello.py", "content": "print('hi')\n"})
	if sc := decode[scripts.Script](t, r.Data); code != http.StatusOK || sc.Path != "hello.py" || sc.Kind != model.KindPython {
		t.Fatalf("rename: %d %+v", code, sc)
	}

	code, r = f.do(t, http.MethodGet, "/api/scripts/stats", nil)
	if st := decode[scripts.Stats](t, r.Data); code != http.StatusOK || st.TotalScripts != 1 || st.ByKind[model.KindPython] != 1 {
		t.Fatalf("stats: %d %+v", code, st)
	}

	if code, _ = f.do(t, http.MethodDelete, "/api/scripts/file/hello.py", nil); code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	if code, _ = f.do(t, http.MethodDelete, "/api/scripts/file/hello.py", nil); code != http.StatusNotFound {
		t.Fatalf("second delete: %d", code)
	}
}
