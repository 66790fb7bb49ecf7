package notifier

import (
	"sync"
	"time"

	"cronix/internal/model"
)

const historySize = 300

// historyRing keeps the most recent deliveries for the API.
type historyRing struct {
	mu   sync.Mutex
	buf  []HistoryItem
	next int
	full bool
}

func newHistoryRing(n int) *historyRing { return &historyRing{buf: make([]HistoryItem, n)} }

func (r *historyRing) add(target model.NotifyTarget, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = HistoryItem{At: time.Now(), TargetID: target.ID, Type: target.Type, Text: text}
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns a copy, oldest first.
func (r *historyRing) items() []HistoryItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]HistoryItem(nil), r.buf[:r.next]...)
	}
	out := make([]HistoryItem, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
