package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// Format of the console sink: "text" (default) or "json".
	Format string
	File   FileConfig
	Alert  AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards high-severity lines to an AlertSender (the
// notifier's alert targets).
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultLogPath  = "./cronix.log"
	alertQueueDepth = 256
)

var globalsOnce sync.Once

func configureGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})
}

// Service owns the active sinks. Apply rebuilds them; loggers obtained from
// the service never need to be recreated.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu    sync.Mutex
	cfg   Config
	file  *os.File
	alert *alertSink
}

// New applies cfg and returns the service with its root logger. sender may
// be nil and attached later with SetAlertSender.
func New(cfg Config, sender AlertSender) (*Service, Logger) {
	configureGlobals()
	s := &Service{alert: newAlertSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) SetAlertSender(sender AlertSender) { s.alert.setSender(sender) }

// Apply swaps level and sinks. A file that cannot be opened is reported on
// stderr and skipped; logging itself never fails.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(stdout(), strings.EqualFold(cfg.Format, "json")))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	s.alert.configure(cfg.Alert)
	if cfg.Alert.Enabled {
		sinks = append(sinks, s.alert)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, consoleSink(stdout(), false))
	}
	zl := newRoot(zerolog.MultiLevelWriter(sinks...), ParseLevel(cfg.Level, LevelInfo))
	s.root.Store(&zl)

	if prev != nil {
		_ = prev.Close()
	}
}

// Close stops the alert worker and closes the log file.
func (s *Service) Close() error {
	s.alert.stop()
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func newRoot(w io.Writer, lvl Level) zerolog.Logger {
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// consoleSink renders readable lines, with color only on a terminal.
func consoleSink(out *os.File, asJSON bool) io.Writer {
	if asJSON {
		return out
	}
	tty := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	return zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat, NoColor: !tty}
}

func stdout() *os.File { return os.Stdout }

// ParseLevel maps trace|debug|info|warn|warning|error to a level, falling
// back to def.
func ParseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return def
}
