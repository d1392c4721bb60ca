// Package drivers runs task drivers on a bounded worker pool and provides
// the built-in drivers.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

var (
	ErrPoolClosed     = errors.New("driver pool closed")
	ErrAlreadyRunning = errors.New("driver already running")
)

// runner tracks one launched driver, queued or executing.
type runner struct {
	taskID  string
	cancel  context.CancelFunc
	started time.Time
}

// Pool bounds the number of drivers executing at once. Launches beyond the
// bound wait for a free worker without blocking the caller.
type Pool struct {
	workers *ants.Pool

	mu      sync.Mutex
	runners map[string]*runner // taskID → runner
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool running at most size drivers concurrently.
func NewPool(size int) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	workers, err := ants.NewPool(size, ants.WithPanicHandler(func(v any) {
		slog.Error("driver worker panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("create driver pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	slog.Info("driver pool started", "size", size)
	return &Pool{
		workers: workers,
		runners: make(map[string]*runner),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Launch schedules run for taskID. The context given to run is canceled by
// Cancel or Stop.
func (p *Pool) Launch(taskID string, run func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.runners[taskID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, taskID)
	}

	ctx, cancel := context.WithCancel(p.ctx)
	rt := &runner{taskID: taskID, cancel: cancel}
	p.runners[taskID] = rt
	p.wg.Add(1)
	p.mu.Unlock()

	done := func() {
		cancel()
		p.mu.Lock()
		if p.runners[taskID] == rt {
			delete(p.runners, taskID)
		}
		p.mu.Unlock()
		p.wg.Done()
	}

	// Submit blocks while every worker is busy, so it runs off the
	// caller's goroutine.
	go func() {
		err := p.workers.Submit(func() {
			defer done()
			p.mu.Lock()
			rt.started = time.Now()
			p.mu.Unlock()
			run(ctx)
		})
		if err != nil {
			slog.Error("driver submit failed", "task_id", taskID, "error", err)
			cancel()
			// The driver still observes its canceled context.
			run(ctx)
			done()
		}
	}()
	return nil
}

// Cancel cancels the driver of taskID, queued or running.
func (p *Pool) Cancel(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rt, ok := p.runners[taskID]; ok {
		rt.cancel()
	}
}

// Running returns the number of executing drivers.
func (p *Pool) Running() int {
	return p.workers.Running()
}

// Queued returns the number of launched drivers waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, rt := range p.runners {
		if rt.started.IsZero() {
			n++
		}
	}
	return n
}

// Resize changes the concurrency bound.
func (p *Pool) Resize(size int) {
	if size > 0 {
		p.workers.Tune(size)
	}
}

// Stop cancels every driver, waits for them to return and releases the
// workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	if err := p.workers.ReleaseTimeout(3 * time.Second); err != nil {
		slog.Warn("driver pool release timed out", "error", err)
	}
	slog.Info("driver pool stopped")
}
