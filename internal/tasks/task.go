package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/oxide/internal/buffer"
	"github.com/dohr-michael/oxide/internal/events"
	"github.com/dohr-michael/oxide/internal/memory"
)

// TaskConfig holds the dependencies of a Task.
type TaskConfig struct {
	NodeID      string
	Accountant  *memory.Accountant
	Launcher    Launcher
	Driver      Driver
	Bus         *events.Bus
	DefaultPool memory.PoolID
	MaxPages    int // max pages per results batch
}

type source struct {
	planNodeID string
	seen       map[int64]struct{}
	queue      []Split
	running    int
	completed  int
	noMore     bool
}

// Task is the lifecycle state machine of one task. Every mutation of the
// task and of its buffers serializes on the task.
type Task struct {
	id          TaskID
	instanceID  string
	nodeID      string
	accountant  *memory.Accountant
	launcher    Launcher
	driver      Driver
	bus         *events.Bus
	defaultPool memory.PoolID
	buffers     *buffer.Manager
	pool        atomic.Pointer[memory.PoolID]

	mu            sync.Mutex
	state         TaskState
	version       int64
	failure       *ExecutionFailure
	plan          *PlanAssignment
	sources       map[string]*source
	sourceOrder   []string
	splitSignal   chan struct{}
	handles       []memory.Handle
	created       time.Time
	started       time.Time
	ended         time.Time
	lastHeartbeat time.Time
}

// NewTask creates a task in the PLANNED state.
func NewTask(id TaskID, cfg TaskConfig) *Task {
	now := time.Now()
	t := &Task{
		id:            id,
		instanceID:    uuid.NewString(),
		nodeID:        cfg.NodeID,
		accountant:    cfg.Accountant,
		launcher:      cfg.Launcher,
		driver:        cfg.Driver,
		bus:           cfg.Bus,
		defaultPool:   cfg.DefaultPool,
		state:         StatePlanned,
		sources:       make(map[string]*source),
		splitSignal:   make(chan struct{}),
		created:       now,
		lastHeartbeat: now,
	}
	pool := cfg.DefaultPool
	t.pool.Store(&pool)

	t.buffers = buffer.NewManager(buffer.ManagerConfig{
		TaskID:    string(id),
		Reserve:   t.reservePage,
		MaxPages:  cfg.MaxPages,
		Bus:       cfg.Bus,
		OnDrained: t.onBuffersDrained,
	})

	t.bus.Publish(events.NewTypedEventWithTask(events.SourceTask, events.TaskCreatedPayload{
		TaskID:     string(id),
		InstanceID: t.instanceID,
	}, string(id)))
	return t
}

// ID returns the task identity.
func (t *Task) ID() TaskID { return t.id }

// InstanceID returns the identifier of this incarnation of the task.
func (t *Task) InstanceID() string { return t.instanceID }

// Buffers returns the task's output buffer manager.
func (t *Task) Buffers() *buffer.Manager { return t.buffers }

func (t *Task) currentPool() memory.PoolID { return *t.pool.Load() }

func (t *Task) reservePage(bytes int64) (func(), error) {
	if t.accountant == nil {
		return nil, nil
	}
	h, err := t.accountant.Reserve(string(t.id), t.currentPool(), bytes, false)
	if err != nil {
		return nil, err
	}
	return func() { t.accountant.Release(h) }, nil
}

// Update applies req if its version is newer than the task's. It reports
// whether the update was accepted. Stale updates and updates to a done
// task change nothing.
func (t *Task) Update(req TaskUpdateRequest) bool {
	t.mu.Lock()
	if t.state.IsDone() || req.Version <= t.version {
		slog.Debug("ignoring task update", "task_id", t.id, "version", req.Version, "current", t.version, "state", t.state)
		t.mu.Unlock()
		return false
	}

	t.version = req.Version
	t.lastHeartbeat = time.Now()

	for _, u := range req.Updates {
		switch u := u.(type) {
		case PlanAssignment:
			if t.plan != nil {
				slog.Warn("task already has a plan, ignoring new one", "task_id", t.id)
				continue
			}
			plan := u
			t.plan = &plan
			for _, id := range plan.Sources {
				t.sourceLocked(id)
			}
		case SplitBatch:
			src := t.sourceLocked(u.PlanNodeID)
			if src.noMore {
				continue
			}
			for _, s := range u.Splits {
				if _, dup := src.seen[s.SequenceID]; dup {
					continue
				}
				src.seen[s.SequenceID] = struct{}{}
				src.queue = append(src.queue, s)
			}
		case NoMoreSplits:
			t.sourceLocked(u.PlanNodeID).noMore = true
		}
	}
	t.notifySplitsLocked()

	launch := false
	if t.plan != nil && t.state == StatePlanned {
		launch = t.startLocked()
	}
	t.mu.Unlock()

	if launch {
		t.launch()
	}
	return true
}

func (t *Task) sourceLocked(planNodeID string) *source {
	src, ok := t.sources[planNodeID]
	if !ok {
		src = &source{planNodeID: planNodeID, seen: make(map[int64]struct{})}
		t.sources[planNodeID] = src
		t.sourceOrder = append(t.sourceOrder, planNodeID)
	}
	return src
}

func (t *Task) notifySplitsLocked() {
	close(t.splitSignal)
	t.splitSignal = make(chan struct{})
}

// popSplitLocked takes the next queued split in source order. exhausted is
// true once every source is drained and closed.
func (t *Task) popSplitLocked() (s ScheduledSplit, ok bool, exhausted bool) {
	exhausted = true
	for _, id := range t.sourceOrder {
		src := t.sources[id]
		if len(src.queue) > 0 {
			split := src.queue[0]
			src.queue = src.queue[1:]
			src.running++
			return ScheduledSplit{PlanNodeID: id, Split: split}, true, false
		}
		if !src.noMore {
			exhausted = false
		}
	}
	return ScheduledSplit{}, false, exhausted
}

// startLocked reserves the plan's memory and creates its output buffers.
// It reports whether the driver should be launched.
func (t *Task) startLocked() bool {
	pool := t.defaultPool
	if t.accountant != nil {
		pool = t.accountant.PoolFor(t.id.QueryID(), t.defaultPool)
	}
	if m := t.plan.Memory; m != nil && m.Pool != "" {
		pool = m.Pool
	}
	t.pool.Store(&pool)

	if m := t.plan.Memory; m != nil && t.accountant != nil {
		if err := t.reserveLocked(pool, m.Bytes, false); err != nil {
			t.failLocked(FailureOutOfMemory, err.Error())
			return false
		}
		if err := t.reserveLocked(pool, m.RevocableBytes, true); err != nil {
			t.failLocked(FailureOutOfMemory, err.Error())
			return false
		}
	}

	for _, id := range t.plan.OutputBuffers {
		if _, err := t.buffers.GetOrCreate(id); err != nil {
			slog.Warn("cannot create output buffer", "task_id", t.id, "buffer_id", id, "error", err)
		}
	}

	t.started = time.Now()
	t.transitionLocked(StateRunning)
	return true
}

func (t *Task) reserveLocked(pool memory.PoolID, bytes int64, revocable bool) error {
	if bytes == 0 {
		return nil
	}
	h, err := t.accountant.Reserve(string(t.id), pool, bytes, revocable)
	if err != nil {
		return err
	}
	t.handles = append(t.handles, h)
	return nil
}

func (t *Task) keepHandle(h memory.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.IsDone() {
		t.accountant.Release(h)
		return
	}
	t.handles = append(t.handles, h)
}

func (t *Task) releaseLocked() {
	if t.accountant == nil {
		return
	}
	for _, h := range t.handles {
		t.accountant.Release(h)
	}
	t.handles = nil
}

func (t *Task) launch() {
	if t.launcher == nil || t.driver == nil {
		t.finishExecution(nil)
		return
	}
	err := t.launcher.Launch(string(t.id), func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				t.Fail(FailureDriver, fmt.Sprintf("driver panic: %v", r))
			}
		}()
		err := t.driver.Run(ctx, &DriverContext{task: t})
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			err = nil
		}
		t.finishExecution(err)
	})
	if err != nil {
		t.Fail(FailureDriver, fmt.Sprintf("launch driver: %v", err))
	}
}

// finishExecution moves a running task to FINISHING once its driver
// returns, or FAILED when the driver failed.
func (t *Task) finishExecution(err error) {
	if err != nil && !errors.Is(err, ErrTaskDone) {
		t.Fail(FailureDriver, err.Error())
		return
	}

	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	t.transitionLocked(StateFinishing)
	t.mu.Unlock()

	// May re-enter through onBuffersDrained.
	t.buffers.MarkAllComplete()
}

func (t *Task) onBuffersDrained() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateFinishing {
		return
	}
	t.transitionLocked(StateFinished)
	t.releaseLocked()
}

// Cancel stops the task gracefully. Pages already produced stay
// retrievable. It reports whether the state changed.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.state.IsDone() {
		t.mu.Unlock()
		return false
	}
	t.transitionLocked(StateCanceled)
	t.releaseLocked()
	t.notifySplitsLocked()
	t.mu.Unlock()

	t.cancelDriver()
	t.buffers.MarkAllComplete()
	return true
}

// Abort stops the task immediately: memory is released and every buffer
// stops accepting pages while pending reads are woken. A canceled task can
// still be aborted. It reports whether the state changed.
func (t *Task) Abort() bool {
	t.mu.Lock()
	if t.state.IsDone() && t.state != StateCanceled {
		t.mu.Unlock()
		return false
	}
	t.transitionLocked(StateAborted)
	t.releaseLocked()
	t.notifySplitsLocked()
	t.buffers.Abort()
	t.mu.Unlock()

	t.cancelDriver()
	return true
}

// Fail moves a non-terminal task to FAILED with the given cause.
func (t *Task) Fail(kind, message string) bool {
	t.mu.Lock()
	if t.state.IsDone() {
		t.mu.Unlock()
		return false
	}
	t.failLocked(kind, message)
	t.mu.Unlock()

	t.cancelDriver()
	return true
}

func (t *Task) failLocked(kind, message string) {
	slog.Warn("task failed", "task_id", t.id, "type", kind, "error", message)
	t.failure = &ExecutionFailure{Type: kind, Message: message}
	t.transitionLocked(StateFailed)
	t.releaseLocked()
	t.notifySplitsLocked()
	t.buffers.Abort()
}

func (t *Task) cancelDriver() {
	if t.launcher != nil {
		t.launcher.Cancel(string(t.id))
	}
}

func (t *Task) transitionLocked(to TaskState) {
	from := t.state
	if from == to {
		return
	}
	t.state = to
	if to.IsDone() {
		t.ended = time.Now()
	}

	slog.Info("task state changed", "task_id", t.id, "from", from, "to", to, "version", t.version)
	payload := events.TaskStateChangedPayload{
		TaskID:  string(t.id),
		From:    string(from),
		To:      string(to),
		Version: t.version,
	}
	if t.failure != nil && to == StateFailed {
		payload.Failure = t.failure.Type
	}
	t.bus.Publish(events.NewTypedEventWithTask(events.SourceTask, payload, string(t.id)))
}

// Touch records a heartbeat from the coordinator.
func (t *Task) Touch() {
	t.mu.Lock()
	t.lastHeartbeat = time.Now()
	t.mu.Unlock()
}

// State returns the current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Version returns the version of the last accepted update.
func (t *Task) Version() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Status returns the status projection of the task.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Task) statusLocked() TaskStatus {
	st := TaskStatus{
		TaskID:         t.id,
		TaskInstanceID: t.instanceID,
		Version:        t.version,
		State:          t.state,
		NodeID:         t.nodeID,
		Failures:       []ExecutionFailure{},
		MemoryPool:     t.currentPool(),
	}
	if t.failure != nil {
		st.Failures = append(st.Failures, *t.failure)
	}
	for _, src := range t.sources {
		st.QueuedSplits += len(src.queue)
		st.RunningSplits += src.running
	}
	if t.accountant != nil {
		st.MemoryReservationBytes, st.RevocableMemoryReservation = t.accountant.TaskUsage(string(t.id))
		st.OutputBufferOverutilized = t.accountant.SpillAdvised(st.MemoryPool)
	}
	return st
}

// Info returns the full snapshot. summarize omits per-source and
// per-buffer detail.
func (t *Task) Info(summarize bool) TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.statusLocked()
	bufs := t.buffers.Info(summarize)

	info := TaskInfo{
		TaskID:        t.id,
		TaskStatus:    status,
		LastHeartbeat: t.lastHeartbeat,
		OutputBuffers: bufs,
		NoMoreSplits:  []string{},
		NeedsPlan:     t.plan == nil,
		Summarized:    summarize,
		Stats: TaskStats{
			CreateTime:       t.created,
			OutputPages:      bufs.TotalPages,
			OutputBytes:      bufs.TotalBytes,
			BufferedBytes:    bufs.BufferedBytes,
			UserMemoryBytes:  status.MemoryReservationBytes,
			RevocableMemory:  status.RevocableMemoryReservation,
			SpillAdvisedPool: status.OutputBufferOverutilized,
		},
	}
	if !t.started.IsZero() {
		started := t.started
		info.Stats.FirstStartTime = &started
	}
	end := time.Now()
	if !t.ended.IsZero() {
		ended := t.ended
		info.Stats.EndTime = &ended
		end = ended
	}
	info.Stats.Elapsed = end.Sub(t.created)

	ids := append([]string(nil), t.sourceOrder...)
	sort.Strings(ids)
	for _, id := range ids {
		src := t.sources[id]
		info.Stats.QueuedSplits += len(src.queue)
		info.Stats.RunningSplits += src.running
		info.Stats.CompletedSplits += src.completed
		if src.noMore {
			info.NoMoreSplits = append(info.NoMoreSplits, id)
		}
		if !summarize {
			info.Sources = append(info.Sources, SourceInfo{
				PlanNodeID:      id,
				QueuedSplits:    len(src.queue),
				RunningSplits:   src.running,
				CompletedSplits: src.completed,
				NoMoreSplits:    src.noMore,
			})
		}
	}
	info.Stats.TotalSplits = info.Stats.QueuedSplits + info.Stats.RunningSplits + info.Stats.CompletedSplits
	return info
}

// reapView is the subset of task state the reaper decides on.
type reapView struct {
	state         TaskState
	ended         time.Time
	lastHeartbeat time.Time
	tornDown      bool
}

func (t *Task) reapView() reapView {
	t.mu.Lock()
	v := reapView{state: t.state, ended: t.ended, lastHeartbeat: t.lastHeartbeat}
	t.mu.Unlock()
	v.tornDown = t.buffers.TornDown()
	return v
}
