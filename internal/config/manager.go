package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "cronix/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	validateTimeout  = 5 * time.Second
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// ConfigManager owns the live config: it parses the file, commits the
// accepted version and publishes reloads to subscribers.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // hash of the committed config; skips no-op writes

	// subsMu is held while publishing so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lookupEnv reads CRONIX_* overrides; replaced in tests.
	lookupEnv func(string) (string, bool)
}

// NewConfigManager returns a manager for path. An empty path means "no
// file": Parse returns the defaults plus environment overrides and Watch
// returns immediately.
func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: strings.TrimSpace(path), lookupEnv: os.LookupEnv, log: logx.Nop()}
}

// Path returns the watched config file ("" when running on defaults).
func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the check a reloaded config must pass before it is
// committed and published.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file over the defaults, then applies CRONIX_* environment
// overrides. Unknown keys are rejected.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg := Default()
	if m.path != "" {
		b, err := os.ReadFile(m.path)
		if err != nil {
			return nil, err
		}
		if err := decodeInto(cfg, m.path, b); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(m.path), err)
		}
	}
	if err := applyEnv(cfg, m.lookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, path string, b []byte) error {
	if isYAML(path) {
		jb, err := yamlToJSON(b)
		if err != nil {
			return err
		}
		b = jb
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	// Concatenated documents are a mistake, not an override.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("trailing data after config object")
		}
		return err
	}
	return nil
}

// Commit makes cfg the current config without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg, m.lastHash = cfg, h
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Load parses and commits the current file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving each published config. A slow
// subscriber loses older versions, never the newest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if trySend(ch, cfg) {
			continue
		}
		// Full: evict the oldest queued version and retry once.
		select {
		case <-ch:
		default:
		}
		if !trySend(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func trySend(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload re-reads the file and publishes it if it changed and passes the
// validator. Failures keep the previous config.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// Watch reloads the file on change until ctx ends. The parent directory is
// watched so editors that replace the file by rename are handled. A broken
// watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	bo := newWatchBackoff()
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, file, schedule, bo.reset)
		if ctx.Err() != nil {
			break
		}
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.Duration("backoff", wait),
			logx.Err(err),
		)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string, onChange, onReady func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("init watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	onReady()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&relevant != 0 {
				m.log.Debug("config change detected", logx.String("op", ev.Op.String()))
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; reload once to catch up.
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				onChange()
				continue
			}
			if err != nil {
				m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
			}
		}
	}
}

type watchBackoff struct {
	cur time.Duration
	rng *rand.Rand
}

func newWatchBackoff() *watchBackoff {
	return &watchBackoff{cur: watchBackoffBase, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *watchBackoff) reset() { b.cur = watchBackoffBase }

// next returns the current delay plus up to 50% jitter, then doubles it.
func (b *watchBackoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	if b.cur *= 2; b.cur > watchBackoffMax {
		b.cur = watchBackoffMax
	}
	return wait
}
