package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dohr-michael/oxide/internal/events"
)

// ManagerConfig holds dependencies for a Manager.
type ManagerConfig struct {
	TaskID   string
	Reserve  ReserveFunc
	MaxPages int        // max pages per Get batch
	Bus      *events.Bus
	// OnDrained is called, without any buffer lock held, after an operation
	// leaves every buffer complete and fully acknowledged.
	OnDrained func()
}

// Manager owns the output buffers of one task.
type Manager struct {
	taskID    string
	reserve   ReserveFunc
	maxPages  int
	bus       *events.Bus
	onDrained func()

	mu         sync.Mutex // guards the manager and every buffer it owns
	buffers    map[string]*OutputBuffer
	tombstones map[string]struct{}
	aborted    bool
	closed     bool // no new buffers may be created
}

// NewManager creates an empty buffer manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		taskID:     cfg.TaskID,
		reserve:    cfg.Reserve,
		maxPages:   cfg.MaxPages,
		bus:        cfg.Bus,
		onDrained:  cfg.OnDrained,
		buffers:    make(map[string]*OutputBuffer),
		tombstones: make(map[string]struct{}),
	}
}

// GetOrCreate returns the buffer named id, creating it if needed. Buffers
// cannot be created once destroyed or after the manager was aborted.
func (m *Manager) GetOrCreate(id string) (*OutputBuffer, error) {
	m.mu.Lock()
	if b, ok := m.buffers[id]; ok {
		m.mu.Unlock()
		return b, nil
	}
	if _, gone := m.tombstones[id]; gone || m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s buffer %s", ErrBufferNotFound, m.taskID, id)
	}

	b := newOutputBuffer(id, &m.mu, m.reserve, m.maxPages)
	m.buffers[id] = b
	m.mu.Unlock()

	slog.Debug("output buffer created", "task_id", m.taskID, "buffer_id", id)
	m.bus.Publish(events.NewTypedEventWithTask(events.SourceBuffer, events.BufferCreatedPayload{
		TaskID:   m.taskID,
		BufferID: id,
	}, m.taskID))
	return b, nil
}

func (m *Manager) lookup(id string) (*OutputBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s buffer %s", ErrBufferNotFound, m.taskID, id)
	}
	return b, nil
}

// Enqueue appends page to buffer id. Writes to a completed buffer are
// silently dropped.
func (m *Manager) Enqueue(id string, page Page) error {
	b, err := m.lookup(id)
	if err != nil {
		return err
	}
	_, err = b.Enqueue(page)
	return err
}

// MarkComplete sets the no-more-pages flag on buffer id.
func (m *Manager) MarkComplete(id string) error {
	b, err := m.lookup(id)
	if err != nil {
		return err
	}
	b.MarkComplete()
	m.checkDrained()
	return nil
}

// MarkAllComplete marks every buffer complete and stops new buffers from
// being created.
func (m *Manager) MarkAllComplete() {
	m.mu.Lock()
	m.closed = true
	for _, b := range m.buffers {
		b.markCompleteLocked()
	}
	m.mu.Unlock()
	m.checkDrained()
}

// Abort marks every buffer complete-with-no-further-data and wakes every
// pending Get. Already buffered pages stay retrievable.
func (m *Manager) Abort() {
	m.mu.Lock()
	m.aborted = true
	m.closed = true
	for _, b := range m.buffers {
		b.abortLocked()
	}
	m.mu.Unlock()
}

// Get pulls pages from buffer id. A buffer that was destroyed answers with
// the terminal no-more-pages result.
func (m *Manager) Get(ctx context.Context, id string, token int64, maxBytes int64, maxWait time.Duration) (Result, error) {
	m.mu.Lock()
	b, ok := m.buffers[id]
	_, gone := m.tombstones[id]
	m.mu.Unlock()

	if !ok {
		if gone {
			return Result{Token: token, NextToken: token, BufferComplete: true}, nil
		}
		return Result{}, fmt.Errorf("%w: task %s buffer %s", ErrBufferNotFound, m.taskID, id)
	}
	return b.Get(ctx, token, maxBytes, maxWait)
}

// Acknowledge advances the low watermark of buffer id.
func (m *Manager) Acknowledge(id string, upto int64) error {
	m.mu.Lock()
	b, ok := m.buffers[id]
	if !ok {
		_, gone := m.tombstones[id]
		m.mu.Unlock()
		if gone {
			return nil
		}
		return fmt.Errorf("%w: task %s buffer %s", ErrBufferNotFound, m.taskID, id)
	}
	b.acknowledgeLocked(upto)
	m.mu.Unlock()

	m.checkDrained()
	return nil
}

// Destroy removes buffer id unconditionally and releases its pages.
// Destroying an already destroyed buffer is a no-op.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	b, ok := m.buffers[id]
	if !ok {
		_, gone := m.tombstones[id]
		m.mu.Unlock()
		if gone {
			return nil
		}
		return fmt.Errorf("%w: task %s buffer %s", ErrBufferNotFound, m.taskID, id)
	}
	pages, bytes := m.destroyLocked(b)
	m.mu.Unlock()

	m.publishDestroyed(id, pages, bytes)
	m.checkDrained()
	return nil
}

// DestroyAll tears down every buffer. No buffer can be created afterwards.
func (m *Manager) DestroyAll() {
	type destroyed struct {
		id    string
		pages int
		bytes int64
	}

	m.mu.Lock()
	m.closed = true
	gone := make([]destroyed, 0, len(m.buffers))
	for id, b := range m.buffers {
		pages, bytes := m.destroyLocked(b)
		gone = append(gone, destroyed{id: id, pages: pages, bytes: bytes})
	}
	m.mu.Unlock()

	for _, d := range gone {
		m.publishDestroyed(d.id, d.pages, d.bytes)
	}
}

func (m *Manager) destroyLocked(b *OutputBuffer) (int, int64) {
	pages, bytes := b.destroyLocked()
	delete(m.buffers, b.id)
	m.tombstones[b.id] = struct{}{}
	return pages, bytes
}

func (m *Manager) publishDestroyed(id string, pages int, bytes int64) {
	slog.Debug("output buffer destroyed", "task_id", m.taskID, "buffer_id", id, "pages", pages, "bytes", bytes)
	m.bus.Publish(events.NewTypedEventWithTask(events.SourceBuffer, events.BufferDestroyedPayload{
		TaskID:        m.taskID,
		BufferID:      id,
		PagesDropped:  pages,
		BytesReleased: bytes,
	}, m.taskID))
}

// Drained reports whether every buffer is complete and fully acknowledged
// (or destroyed).
func (m *Manager) Drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drainedLocked()
}

func (m *Manager) drainedLocked() bool {
	for _, b := range m.buffers {
		if !b.drainedLocked() {
			return false
		}
	}
	return true
}

func (m *Manager) checkDrained() {
	if m.onDrained == nil {
		return
	}
	if m.Drained() {
		m.onDrained()
	}
}

// TornDown reports whether at least one buffer existed and all of them
// have been destroyed.
func (m *Manager) TornDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers) == 0 && len(m.tombstones) > 0
}

// BufferIDs returns the live buffer identifiers in sorted order.
func (m *Manager) BufferIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ManagerState summarizes the buffers of a task.
type ManagerState string

const (
	ManagerOpen     ManagerState = "OPEN"
	ManagerFlushing ManagerState = "FLUSHING"
	ManagerFinished ManagerState = "FINISHED"
	ManagerAborted  ManagerState = "ABORTED"
)

// ManagerInfo is a snapshot of all buffers of a task.
type ManagerInfo struct {
	State         ManagerState `json:"state"`
	CanAddBuffers bool         `json:"canAddBuffers"`
	TotalPages    int64        `json:"totalPagesAdded"`
	TotalBytes    int64        `json:"totalBytesAdded"`
	BufferedBytes int64        `json:"totalBufferedBytes"`
	BufferedPages int          `json:"totalBufferedPages"`
	Destroyed     []string     `json:"destroyedBuffers,omitempty"`
	Buffers       []Info       `json:"buffers,omitempty"`
}

// Info returns a snapshot of every buffer. summarize omits per-buffer detail.
func (m *Manager) Info(summarize bool) ManagerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := ManagerInfo{CanAddBuffers: !m.closed}
	switch {
	case m.aborted:
		info.State = ManagerAborted
	case m.closed && m.drainedLocked():
		info.State = ManagerFinished
	case m.closed:
		info.State = ManagerFlushing
	default:
		info.State = ManagerOpen
	}

	ids := make([]string, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		bi := m.buffers[id].infoLocked()
		info.TotalPages += bi.PagesAdded
		info.TotalBytes += bi.BytesAdded
		info.BufferedBytes += bi.BufferedBytes
		info.BufferedPages += bi.BufferedPages
		if !summarize {
			info.Buffers = append(info.Buffers, bi)
		}
	}
	if !summarize {
		for id := range m.tombstones {
			info.Destroyed = append(info.Destroyed, id)
		}
		sort.Strings(info.Destroyed)
	}
	return info
}
