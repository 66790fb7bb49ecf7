package notifier

import (
	"context"
	"sync"
	"time"
)

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupCache maps a dedup key to the time its suppression ends.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache { return &dedupCache{until: map[string]time.Time{}} }

func (c *dedupCache) active(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[key]
	return ok && now.Before(until)
}

// set records key and trims the cache to at most limit live entries,
// evicting the soonest to expire.
func (c *dedupCache) set(key string, until, now time.Time, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = until
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	for limit > 0 && len(c.until) > limit {
		var victim string
		var earliest time.Time
		for k, u := range c.until {
			if victim == "" || u.Before(earliest) {
				victim, earliest = k, u
			}
		}
		delete(c.until, victim)
	}
}

// suppressed reports whether key is inside a live window. If not, it opens
// a new window and queues it for persistence.
func (s *Service) suppressed(ctx context.Context, key string, cfg Config, persist chan<- dedupWrite) bool {
	now := time.Now()
	if s.dedup.active(key, now) {
		return true
	}
	// A persisted window survives restarts.
	if cfg.PersistDedup && s.store != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		lctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dedup.set(key, until, now, cfg.DedupMaxEntries)
			return true
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dedup.set(key, until, now, cfg.DedupMaxEntries)
	if persist != nil {
		select {
		case persist <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return false
}
