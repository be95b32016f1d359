package vision

import (
	"context"
	"sync"
	"time"
)

// pacer spaces recognizer calls at least interval apart. A zero interval
// never waits.
type pacer struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
}

func newPacer(interval time.Duration) *pacer {
	return &pacer{interval: max(interval, 0)}
}

// wait reserves the next slot and blocks until it arrives or ctx ends. A
// cancelled wait keeps its slot; the next caller simply queues behind it.
func (p *pacer) wait(ctx context.Context) error {
	if p.interval == 0 {
		return ctx.Err()
	}
	p.mu.Lock()
	now := time.Now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.interval)
	p.mu.Unlock()

	return sleepCtx(ctx, time.Until(slot))
}
