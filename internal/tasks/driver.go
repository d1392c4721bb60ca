package tasks

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dohr-michael/oxide/internal/buffer"
	"github.com/dohr-michael/oxide/internal/memory"
)

// ErrTaskDone is returned to drivers that keep producing after their task
// reached a terminal state.
var ErrTaskDone = errors.New("task is done")

// Driver executes the plan fragment of a task. Run returns when every split
// has been processed or ctx is canceled. Output pages go through the
// DriverContext; the task marks its buffers complete once Run returns.
type Driver interface {
	Run(ctx context.Context, dc *DriverContext) error
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, dc *DriverContext) error

func (f DriverFunc) Run(ctx context.Context, dc *DriverContext) error { return f(ctx, dc) }

// Launcher runs driver invocations on a bounded pool.
type Launcher interface {
	// Launch schedules run for taskID. run receives a context canceled by
	// Cancel or pool shutdown.
	Launch(taskID string, run func(ctx context.Context)) error
	// Cancel cancels the running invocation of taskID, if any.
	Cancel(taskID string)
}

// ScheduledSplit is a split handed to a driver.
type ScheduledSplit struct {
	PlanNodeID string
	Split      Split
}

// DriverContext is the driver's view of its task.
type DriverContext struct {
	task *Task
}

// TaskID returns the identity of the task being executed.
func (dc *DriverContext) TaskID() TaskID { return dc.task.id }

// Fragment returns the plan fragment of the task.
func (dc *DriverContext) Fragment() json.RawMessage {
	dc.task.mu.Lock()
	defer dc.task.mu.Unlock()
	if dc.task.plan == nil {
		return nil
	}
	return dc.task.plan.Fragment
}

// OutputBuffers returns the buffers declared by the plan, in plan order.
func (dc *DriverContext) OutputBuffers() []string {
	dc.task.mu.Lock()
	defer dc.task.mu.Unlock()
	if dc.task.plan == nil {
		return nil
	}
	return append([]string(nil), dc.task.plan.OutputBuffers...)
}

// NextSplit blocks until a split is queued, every source is exhausted
// (ok=false) or ctx is done.
func (dc *DriverContext) NextSplit(ctx context.Context) (ScheduledSplit, bool, error) {
	t := dc.task
	for {
		t.mu.Lock()
		if t.state.IsDone() {
			t.mu.Unlock()
			return ScheduledSplit{}, false, ErrTaskDone
		}
		s, ok, exhausted := t.popSplitLocked()
		signal := t.splitSignal
		t.mu.Unlock()

		if ok {
			return s, true, nil
		}
		if exhausted {
			return ScheduledSplit{}, false, nil
		}

		select {
		case <-signal:
		case <-ctx.Done():
			return ScheduledSplit{}, false, ctx.Err()
		}
	}
}

// SplitDone records the completion of a split returned by NextSplit.
func (dc *DriverContext) SplitDone(s ScheduledSplit) {
	t := dc.task
	t.mu.Lock()
	defer t.mu.Unlock()
	if src, ok := t.sources[s.PlanNodeID]; ok && src.running > 0 {
		src.running--
		src.completed++
	}
}

// Enqueue appends page to output buffer bufferID. Pages produced after the
// task is done are dropped with ErrTaskDone. A page that cannot be
// accounted for fails the task.
func (dc *DriverContext) Enqueue(bufferID string, page buffer.Page) error {
	t := dc.task
	t.mu.Lock()
	if t.state.IsDone() {
		t.mu.Unlock()
		return ErrTaskDone
	}
	err := t.buffers.Enqueue(bufferID, page)
	t.mu.Unlock()

	if errors.Is(err, memory.ErrPoolExhausted) {
		t.Fail(FailureOutOfMemory, err.Error())
	}
	return err
}

// ReserveRevocable reserves spillable memory for the task. It always
// succeeds for known pools; check SpillAdvised afterwards.
func (dc *DriverContext) ReserveRevocable(bytes int64) error {
	t := dc.task
	h, err := t.accountant.Reserve(string(t.id), t.currentPool(), bytes, true)
	if err != nil {
		return err
	}
	t.keepHandle(h)
	return nil
}

// SpillAdvised reports whether the task's pool is over its revocable
// soft limit.
func (dc *DriverContext) SpillAdvised() bool {
	return dc.task.accountant.SpillAdvised(dc.task.currentPool())
}
