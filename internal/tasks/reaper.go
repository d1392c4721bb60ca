package tasks

import (
	"context"
	"sync"
	"time"
)

// Reaper periodically runs Registry.Reap in a background goroutine.
type Reaper struct {
	registry *Registry
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper ticking every interval (10s when zero).
func NewReaper(registry *Registry, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reaper{registry: registry, interval: interval}
}

// Start begins reaping. Calling Start twice is a no-op.
func (rp *Reaper) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.cancel != nil {
		return
	}

	rp.done = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	rp.cancel = cancel

	go func() {
		defer close(rp.done)
		ticker := time.NewTicker(rp.interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				rp.registry.Reap(now)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (rp *Reaper) Stop() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.cancel == nil {
		return
	}
	rp.cancel()
	<-rp.done
	rp.cancel = nil
}
