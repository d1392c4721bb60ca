package memory

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/dohr-michael/oxide/internal/events"
)

// Accountant tracks reservations against the node's memory pools.
// Reservation and release are serialized on a single mutex so pool totals
// are never observed half-updated.
type Accountant struct {
	mu      sync.Mutex
	pools   map[PoolID]*pool
	handles map[Handle]*Reservation
	next    Handle
	bus     *events.Bus

	assignmentVersion int64
	assignments       map[string]PoolID // queryID -> pool
}

// NewAccountant creates an accountant with the given pool budgets.
// bus may be nil.
func NewAccountant(pools map[PoolID]PoolConfig, bus *events.Bus) *Accountant {
	a := &Accountant{
		pools:       make(map[PoolID]*pool, len(pools)),
		handles:     make(map[Handle]*Reservation),
		bus:         bus,
		assignments: make(map[string]PoolID),
	}
	for id, cfg := range pools {
		a.pools[id] = newPool(id, cfg)
	}
	return a
}

// Reserve commits bytes for taskID against poolID.
//
// Non-revocable reservations fail with ErrPoolExhausted, reserving nothing,
// when the pool's non-revocable total would exceed its limit. Revocable
// reservations always succeed; crossing the pool's soft limit raises the
// spill advisory.
func (a *Accountant) Reserve(taskID string, poolID PoolID, bytes int64, revocable bool) (Handle, error) {
	if bytes < 0 {
		return 0, fmt.Errorf("%w: negative size %d", ErrInvalidReservation, bytes)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[poolID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}

	if revocable && bytes > math.MaxInt64-p.revocable {
		return 0, fmt.Errorf("%w: pool %s: revocable total overflows", ErrInvalidReservation, poolID)
	}
	if !revocable && bytes > p.cfg.MaxBytes-p.reserved {
		free := p.free()
		a.bus.Publish(events.NewTypedEventWithTask(events.SourceMemory, events.MemoryExhaustedPayload{
			TaskID:    taskID,
			Pool:      string(poolID),
			Requested: bytes,
			Free:      free,
		}, taskID))
		return 0, fmt.Errorf("%w: pool %s: requested %d bytes, %d free", ErrPoolExhausted, poolID, bytes, free)
	}

	a.next++
	r := &Reservation{
		Handle:    a.next,
		TaskID:    taskID,
		Pool:      poolID,
		Bytes:     bytes,
		Revocable: revocable,
	}
	a.handles[r.Handle] = r
	p.add(r)

	if revocable {
		a.updateSpillAdvisory(p)
	}
	return r.Handle, nil
}

// Release returns a reservation's bytes to its pool. Releasing an unknown
// or already released handle is a no-op.
func (a *Accountant) Release(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(h)
}

func (a *Accountant) releaseLocked(h Handle) {
	r, ok := a.handles[h]
	if !ok {
		return
	}
	delete(a.handles, h)

	p, ok := a.pools[r.Pool]
	if !ok {
		return
	}
	p.remove(r)
	if r.Revocable {
		a.updateSpillAdvisory(p)
	}
}

// ReleaseTask releases every reservation still held by taskID and returns
// the number of bytes returned to the pools.
func (a *Accountant) ReleaseTask(taskID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var released int64
	for h, r := range a.handles {
		if r.TaskID != taskID {
			continue
		}
		released += r.Bytes
		a.releaseLocked(h)
	}
	return released
}

// updateSpillAdvisory flips the advisory flag when the revocable total
// crosses the soft limit. Caller must hold a.mu.
func (a *Accountant) updateSpillAdvisory(p *pool) {
	over := p.overSoftLimit()
	if over == p.spillAdvised {
		return
	}
	p.spillAdvised = over
	if over {
		slog.Info("spill advised", "pool", p.id, "revocable_bytes", p.revocable, "soft_limit", p.cfg.RevocableSoftLimit)
	}
	a.bus.Publish(events.NewTypedEvent(events.SourceMemory, events.MemorySpillAdvisedPayload{
		Pool:           string(p.id),
		RevocableBytes: p.revocable,
		SoftLimit:      p.cfg.RevocableSoftLimit,
		Advised:        over,
	}))
}

// SpillAdvised reports whether revocable usage in poolID is above its soft limit.
func (a *Accountant) SpillAdvised(poolID PoolID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[poolID]
	return ok && p.spillAdvised
}

// TaskUsage returns the bytes taskID holds across all pools.
func (a *Accountant) TaskUsage(taskID string) (reserved, revocable int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pools {
		if u, ok := p.tasks[taskID]; ok {
			reserved += u.reserved
			revocable += u.revocable
		}
	}
	return reserved, revocable
}

// Snapshot returns a consistent view of one pool.
func (a *Accountant) Snapshot(poolID PoolID) (PoolInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[poolID]
	if !ok {
		return PoolInfo{}, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	return p.info(), nil
}

// Info returns a consistent view of all pools.
func (a *Accountant) Info() MemoryInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := MemoryInfo{Pools: make(map[PoolID]PoolInfo, len(a.pools))}
	for id, p := range a.pools {
		info.TotalNodeMemory += p.cfg.MaxBytes
		info.Pools[id] = p.info()
	}
	return info
}

// PoolIDs returns the configured pool identifiers in sorted order.
func (a *Accountant) PoolIDs() []PoolID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]PoolID, 0, len(a.pools))
	for id := range a.pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetPools applies new budgets. Unknown pools are added; pools missing from
// cfg keep their current budget so outstanding handles stay valid. Lowering
// a limit below the current total only affects future reservations.
func (a *Accountant) SetPools(cfg map[PoolID]PoolConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, c := range cfg {
		p, ok := a.pools[id]
		if !ok {
			a.pools[id] = newPool(id, c)
			continue
		}
		p.cfg = c
		a.updateSpillAdvisory(p)
	}
	slog.Info("memory pools updated", "pools", len(a.pools))
}
