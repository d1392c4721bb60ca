// Package memory accounts for the bytes tasks reserve against named memory pools.
package memory

import "errors"

var (
	ErrPoolNotFound       = errors.New("memory pool not found")
	ErrPoolExhausted      = errors.New("memory pool exhausted")
	ErrInvalidReservation = errors.New("invalid memory reservation")
)

// PoolID names a memory pool.
type PoolID string

const (
	GeneralPool  PoolID = "general"
	ReservedPool PoolID = "reserved"
)

// PoolConfig is the budget of a single pool.
type PoolConfig struct {
	// MaxBytes bounds the sum of non-revocable reservations.
	MaxBytes int64
	// RevocableSoftLimit is the revocable total above which spilling is
	// advised. Zero disables the advisory.
	RevocableSoftLimit int64
}

// Handle identifies one reservation. The zero Handle is never issued.
type Handle uint64

// Reservation is a committed reservation against a pool.
type Reservation struct {
	Handle    Handle `json:"handle"`
	TaskID    string `json:"taskId"`
	Pool      PoolID `json:"pool"`
	Bytes     int64  `json:"bytes"`
	Revocable bool   `json:"revocable"`
}

type taskUsage struct {
	reserved  int64
	revocable int64
}

type pool struct {
	id           PoolID
	cfg          PoolConfig
	reserved     int64
	revocable    int64
	spillAdvised bool
	tasks        map[string]*taskUsage
}

func newPool(id PoolID, cfg PoolConfig) *pool {
	return &pool{id: id, cfg: cfg, tasks: make(map[string]*taskUsage)}
}

func (p *pool) free() int64 {
	f := p.cfg.MaxBytes - p.reserved
	if f < 0 {
		return 0
	}
	return f
}

func (p *pool) usage(taskID string) *taskUsage {
	u, ok := p.tasks[taskID]
	if !ok {
		u = &taskUsage{}
		p.tasks[taskID] = u
	}
	return u
}

func (p *pool) add(r *Reservation) {
	u := p.usage(r.TaskID)
	if r.Revocable {
		p.revocable += r.Bytes
		u.revocable += r.Bytes
	} else {
		p.reserved += r.Bytes
		u.reserved += r.Bytes
	}
}

func (p *pool) remove(r *Reservation) {
	u := p.usage(r.TaskID)
	if r.Revocable {
		p.revocable -= r.Bytes
		u.revocable -= r.Bytes
	} else {
		p.reserved -= r.Bytes
		u.reserved -= r.Bytes
	}
	if u.reserved == 0 && u.revocable == 0 {
		delete(p.tasks, r.TaskID)
	}
}

// overSoftLimit reports whether revocable usage crossed the advisory threshold.
func (p *pool) overSoftLimit() bool {
	return p.cfg.RevocableSoftLimit > 0 && p.revocable > p.cfg.RevocableSoftLimit
}

func (p *pool) info() PoolInfo {
	info := PoolInfo{
		ID:                              p.id,
		MaxBytes:                        p.cfg.MaxBytes,
		RevocableSoftLimit:              p.cfg.RevocableSoftLimit,
		ReservedBytes:                   p.reserved,
		ReservedRevocableBytes:          p.revocable,
		FreeBytes:                       p.free(),
		SpillAdvised:                    p.spillAdvised,
		TaskMemoryReservations:          make(map[string]int64),
		TaskMemoryRevocableReservations: make(map[string]int64),
	}
	for id, u := range p.tasks {
		if u.reserved > 0 {
			info.TaskMemoryReservations[id] = u.reserved
		}
		if u.revocable > 0 {
			info.TaskMemoryRevocableReservations[id] = u.revocable
		}
	}
	return info
}

// PoolInfo is a point-in-time view of one pool.
type PoolInfo struct {
	ID                              PoolID           `json:"id"`
	MaxBytes                        int64            `json:"maxBytes"`
	RevocableSoftLimit              int64            `json:"revocableSoftLimit"`
	ReservedBytes                   int64            `json:"reservedBytes"`
	ReservedRevocableBytes          int64            `json:"reservedRevocableBytes"`
	FreeBytes                       int64            `json:"freeBytes"`
	SpillAdvised                    bool             `json:"spillAdvised"`
	TaskMemoryReservations          map[string]int64 `json:"taskMemoryReservations"`
	TaskMemoryRevocableReservations map[string]int64 `json:"taskMemoryRevocableReservations"`
}

// MemoryInfo is a point-in-time view of every pool on the node.
type MemoryInfo struct {
	TotalNodeMemory int64               `json:"totalNodeMemory"`
	Pools           map[PoolID]PoolInfo `json:"pools"`
}
