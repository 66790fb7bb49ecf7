package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cronix/internal/eventbus"
	"cronix/internal/model"
	rtsup "cronix/internal/runtime/supervisor"
	logx "cronix/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled      = errors.New("notifier disabled")
	ErrQueueFull     = errors.New("notifier queue full")
	ErrStopped       = errors.New("notifier stopped")
	ErrNoChannel     = errors.New("no channel for notification type")
	ErrNoAlertTarget = errors.New("no alert targets configured")
)

// Service is the async delivery pipeline: a bounded queue drained by a
// worker pool that rate-limits, retries with backoff and suppresses
// duplicates inside the dedup window. It is safe for concurrent use.
type Service struct {
	log      logx.Logger
	targets  TargetStore
	bus      eventbus.Bus
	store    DedupStore
	dedup    *dedupCache
	history  *historyRing
	inflight sync.WaitGroup // Notify calls holding a reference to the queue

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	channels map[model.TargetType]Channel
	pipe     *pipeline     // nil when not running
	stopping chan struct{} // closed when an in-progress Stop finishes
}

// pipeline is the state of one Start..Stop cycle.
type pipeline struct {
	queue   chan job
	persist chan dedupWrite // nil unless dedup windows are persisted
	sup     *rtsup.Supervisor
	open    bool // false once Stop begins
}

type job struct {
	target model.NotifyTarget
	text   string
	key    string
}

// New builds a notifier. store may be nil when dedup windows are not persisted.
func New(cfg Config, targets TargetStore, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		targets:  targets,
		bus:      bus,
		store:    store,
		dedup:    newDedupCache(),
		history:  newHistoryRing(historySize),
		channels: defaultChannels(&http.Client{Timeout: 15 * time.Second}),
	}
	s.Apply(cfg)
	return s
}

// SetChannel replaces the transport for one target type.
func (s *Service) SetChannel(typ model.TargetType, ch Channel) {
	s.mu.Lock()
	s.channels[typ] = ch
	s.mu.Unlock()
}

func (s *Service) channel(typ model.TargetType) (Channel, error) {
	s.mu.Lock()
	ch := s.channels[typ]
	s.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoChannel, typ)
	}
	return ch, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker count and queue size take effect on the
// next Start; everything else applies to the next send.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe == nil {
		return nil
	}
	return s.pipe.sup
}

// Start launches the workers. It is a no-op when disabled or already
// running, and waits out an in-progress Stop first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if wait := s.stopping; wait != nil {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.pipe != nil || !s.cfg.Enabled {
		return
	}

	p := &pipeline{
		queue: make(chan job, s.cfg.QueueSize),
		open:  true,
		sup: rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			// Delivery is best-effort; a broken worker must not stop the scheduler.
			rtsup.WithCancelOnError(false),
		),
	}
	if s.cfg.PersistDedup && s.store != nil {
		p.persist = make(chan dedupWrite, 1024)
		p.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, p.persist)
			return s.exitReason(c, "dedup persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < s.cfg.Workers; i++ {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, p.queue)
			return s.exitReason(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
	s.pipe = p
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// exitReason classifies a worker return: shutdown is clean, anything else
// is restarted by the supervisor.
func (s *Service) exitReason(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopping != nil
	s.mu.Unlock()
	switch {
	case stopping:
		return context.Canceled
	case c.Err() != nil:
		return c.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop refuses new messages and drains the queue until ctx expires, after
// which workers are cancelled and undelivered jobs are dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pipe
	if p == nil {
		s.mu.Unlock()
		return
	}
	if wait := s.stopping; wait != nil {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopping = done
	p.open = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// No Notify can still send once inflight drains, so closing is safe.
		s.inflight.Wait()
		if p.persist != nil {
			close(p.persist)
		}
		close(p.queue)
		_ = p.sup.Wait(context.Background())

		s.mu.Lock()
		s.pipe, s.stopping = nil, nil
		s.mu.Unlock()
		s.log.Info("notifier stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.sup.Cancel()
	}
}
