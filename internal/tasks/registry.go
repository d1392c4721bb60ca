package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/oxide/internal/buffer"
	"github.com/dohr-michael/oxide/internal/events"
	"github.com/dohr-michael/oxide/internal/memory"
)

// Retention controls how long finished tasks are kept and when silent
// tasks are considered abandoned. Zero values disable the matching check.
type Retention struct {
	InfoMaxAge     time.Duration
	TornDownMaxAge time.Duration
	ClientTimeout  time.Duration
}

// RegistryConfig holds the dependencies shared by every task.
type RegistryConfig struct {
	NodeID         string
	Memory         *memory.Accountant
	Launcher       Launcher
	Driver         Driver
	Bus            *events.Bus
	DefaultPool    memory.PoolID
	MaxPagesPerGet int
	Retention      Retention
}

// Registry maps task identities to their state machines.
type Registry struct {
	cfg RegistryConfig

	mu    sync.RWMutex
	tasks map[TaskID]*Task

	accepting atomic.Bool
	retention atomic.Pointer[Retention]
}

// NewRegistry creates an empty registry accepting new tasks.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.DefaultPool == "" {
		cfg.DefaultPool = memory.GeneralPool
	}
	r := &Registry{
		cfg:   cfg,
		tasks: make(map[TaskID]*Task),
	}
	r.accepting.Store(true)
	r.SetRetention(cfg.Retention)
	return r
}

// SetRetention replaces the retention windows.
func (r *Registry) SetRetention(ret Retention) {
	r.retention.Store(&ret)
}

// StopAccepting makes updates for unknown tasks fail with
// ErrNotAcceptingWork. Known tasks keep running.
func (r *Registry) StopAccepting() {
	r.accepting.Store(false)
}

func (r *Registry) lookup(id TaskID) (*Task, error) {
	r.mu.RLock()
	t, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// Task returns the state machine for id.
func (r *Registry) Task(id TaskID) (*Task, error) {
	return r.lookup(id)
}

func (r *Registry) getOrCreate(id TaskID) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tasks[id]; ok {
		return t, nil
	}
	if !r.accepting.Load() {
		return nil, fmt.Errorf("%w: %s", ErrNotAcceptingWork, id)
	}

	t := NewTask(id, TaskConfig{
		NodeID:      r.cfg.NodeID,
		Accountant:  r.cfg.Memory,
		Launcher:    r.cfg.Launcher,
		Driver:      r.cfg.Driver,
		Bus:         r.cfg.Bus,
		DefaultPool: r.cfg.DefaultPool,
		MaxPages:    r.cfg.MaxPagesPerGet,
	})
	r.tasks[id] = t
	slog.Info("task created", "task_id", id, "instance_id", t.InstanceID())
	return t, nil
}

// UpdateTask creates the task on first sight and applies req to it.
// A stale request is not an error: the current snapshot is returned.
func (r *Registry) UpdateTask(id TaskID, req TaskUpdateRequest, summarize bool) (TaskInfo, error) {
	t, err := r.getOrCreate(id)
	if err != nil {
		return TaskInfo{}, err
	}
	t.Update(req)
	return t.Info(summarize), nil
}

// TaskStatus returns the status of id and records a heartbeat.
func (r *Registry) TaskStatus(id TaskID) (TaskStatus, error) {
	t, err := r.lookup(id)
	if err != nil {
		return TaskStatus{}, err
	}
	t.Touch()
	return t.Status(), nil
}

// TaskInfo returns the info of id and records a heartbeat.
func (r *Registry) TaskInfo(id TaskID, summarize bool) (TaskInfo, error) {
	t, err := r.lookup(id)
	if err != nil {
		return TaskInfo{}, err
	}
	t.Touch()
	return t.Info(summarize), nil
}

// CancelTask cancels id. Canceling a done task returns its snapshot.
func (r *Registry) CancelTask(id TaskID, summarize bool) (TaskInfo, error) {
	t, err := r.lookup(id)
	if err != nil {
		return TaskInfo{}, err
	}
	t.Cancel()
	info := t.Info(summarize)
	r.evictIfTornDown(t)
	return info, nil
}

// AbortTask aborts id. Aborting an aborted task returns its snapshot.
func (r *Registry) AbortTask(id TaskID, summarize bool) (TaskInfo, error) {
	t, err := r.lookup(id)
	if err != nil {
		return TaskInfo{}, err
	}
	t.Abort()
	info := t.Info(summarize)
	r.evictIfTornDown(t)
	return info, nil
}

// evictIfTornDown drops a done task whose buffers were all deleted, without
// waiting for the reaper.
func (r *Registry) evictIfTornDown(t *Task) {
	v := t.reapView()
	if v.state.IsDone() && v.tornDown {
		r.evict(t, v.state, time.Since(v.ended))
	}
}

func (r *Registry) snapshot() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// AllTaskInfo returns the info of every known task ordered by id.
func (r *Registry) AllTaskInfo(summarize bool) []TaskInfo {
	tasks := r.snapshot()
	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Info(summarize))
	}
	return out
}

// StateCounts returns the number of known tasks per state.
func (r *Registry) StateCounts() map[TaskState]int {
	counts := make(map[TaskState]int, len(AllStates))
	for _, s := range AllStates {
		counts[s] = 0
	}
	for _, t := range r.snapshot() {
		counts[t.State()]++
	}
	return counts
}

// Results pulls pages from buffer bufferID of task id.
func (r *Registry) Results(ctx context.Context, id TaskID, bufferID string, token, maxBytes int64, maxWait time.Duration) (string, buffer.Result, error) {
	t, err := r.lookup(id)
	if err != nil {
		return "", buffer.Result{}, err
	}
	res, err := t.buffers.Get(ctx, bufferID, token, maxBytes, maxWait)
	return t.InstanceID(), res, err
}

// Acknowledge advances the low watermark of a buffer.
func (r *Registry) Acknowledge(id TaskID, bufferID string, token int64) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}
	return t.buffers.Acknowledge(bufferID, token)
}

// DestroyBuffer tears down a buffer regardless of acknowledgment.
func (r *Registry) DestroyBuffer(id TaskID, bufferID string) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}
	return t.buffers.Destroy(bufferID)
}

// Reap fails abandoned tasks and evicts done tasks whose retention expired.
// It returns the number of evicted tasks.
func (r *Registry) Reap(now time.Time) int {
	ret := *r.retention.Load()
	evicted := 0

	for _, t := range r.snapshot() {
		v := t.reapView()

		if !v.state.IsDone() {
			if ret.ClientTimeout > 0 && now.Sub(v.lastHeartbeat) > ret.ClientTimeout {
				t.Fail(FailureAbandoned, fmt.Sprintf("no heartbeat for %s", now.Sub(v.lastHeartbeat).Truncate(time.Second)))
			}
			continue
		}

		age := now.Sub(v.ended)
		expired := ret.InfoMaxAge > 0 && age >= ret.InfoMaxAge
		tornDown := v.tornDown && age >= ret.TornDownMaxAge
		if !expired && !tornDown {
			continue
		}
		r.evict(t, v.state, age)
		evicted++
	}
	return evicted
}

func (r *Registry) evict(t *Task, state TaskState, age time.Duration) {
	r.mu.Lock()
	if r.tasks[t.id] != t {
		r.mu.Unlock()
		return
	}
	delete(r.tasks, t.id)
	r.mu.Unlock()

	t.buffers.DestroyAll()
	if r.cfg.Memory != nil {
		if leaked := r.cfg.Memory.ReleaseTask(string(t.id)); leaked > 0 {
			slog.Warn("released leftover reservations on eviction", "task_id", t.id, "bytes", leaked)
		}
	}

	slog.Debug("task evicted", "task_id", t.id, "state", state, "age", age)
	r.cfg.Bus.Publish(events.NewTypedEventWithTask(events.SourceReaper, events.TaskEvictedPayload{
		TaskID: string(t.id),
		State:  string(state),
		Age:    age,
	}, string(t.id)))
}

// Shutdown aborts every task that is not done yet.
func (r *Registry) Shutdown() {
	r.StopAccepting()
	for _, t := range r.snapshot() {
		if !t.State().IsDone() {
			t.Abort()
		}
	}
}
