// Package node holds the identity and lifecycle state of the worker node.
package node

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/oxide/internal/events"
	"github.com/dohr-michael/oxide/internal/memory"
	"github.com/dohr-michael/oxide/internal/tasks"
)

// State is the lifecycle state of the node.
type State string

const (
	StateActive       State = "ACTIVE"
	StateShuttingDown State = "SHUTTING_DOWN"
)

// Version is reported in node info.
type Version struct {
	Version string `json:"version"`
}

// Info is the static node description served by GET /info.
type Info struct {
	NodeVersion Version `json:"nodeVersion"`
	Environment string  `json:"environment"`
	Coordinator bool    `json:"coordinator"`
	Starting    bool    `json:"starting"`
	Uptime      string  `json:"uptime"`
}

// Config describes the node.
type Config struct {
	ID          string
	Environment string
	Version     string
	Bus         *events.Bus
}

// Node is the running worker.
type Node struct {
	id          string
	environment string
	version     string
	started     time.Time
	bus         *events.Bus
	state       atomic.Value // State
}

// New creates an ACTIVE node. An empty id is replaced by a random one.
func New(cfg Config) *Node {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
	n := &Node{
		id:          cfg.ID,
		environment: cfg.Environment,
		version:     cfg.Version,
		started:     time.Now(),
		bus:         cfg.Bus,
	}
	n.state.Store(StateActive)
	return n
}

// ID returns the node identifier.
func (n *Node) ID() string { return n.id }

// StartedAt returns the node start time.
func (n *Node) StartedAt() time.Time { return n.started }

// Uptime returns the time since start.
func (n *Node) Uptime() time.Duration { return time.Since(n.started) }

// State returns the current lifecycle state.
func (n *Node) State() State { return n.state.Load().(State) }

// SetState changes the lifecycle state and reports whether it changed.
func (n *Node) SetState(to State) bool {
	from := n.state.Swap(to).(State)
	if from == to {
		return false
	}
	slog.Info("node state changed", "from", from, "to", to)
	n.bus.Publish(events.NewTypedEvent(events.SourceNode, events.NodeStateChangedPayload{
		From: string(from),
		To:   string(to),
	}))
	return true
}

// Info returns the static node info.
func (n *Node) Info() Info {
	return Info{
		NodeVersion: Version{Version: n.version},
		Environment: n.environment,
		Uptime:      n.Uptime().Truncate(time.Second).String(),
	}
}

// Status is the node load report served by GET /status.
type Status struct {
	NodeID         string                  `json:"nodeId"`
	NodeVersion    Version                 `json:"nodeVersion"`
	Environment    string                  `json:"environment"`
	State          State                   `json:"state"`
	Coordinator    bool                    `json:"coordinator"`
	Uptime         string                  `json:"uptime"`
	Processors     int                     `json:"processors"`
	Goroutines     int                     `json:"goroutines"`
	HeapUsed       uint64                  `json:"heapUsed"`
	HeapAvailable  uint64                  `json:"heapAvailable"`
	NonHeapUsed    uint64                  `json:"nonHeapUsed"`
	MemoryInfo     memory.MemoryInfo       `json:"memoryInfo"`
	Tasks          map[tasks.TaskState]int `json:"tasks"`
	RunningDrivers int                     `json:"runningDrivers"`
	QueuedDrivers  int                     `json:"queuedDrivers"`
}

// DriverStats reports driver pool usage.
type DriverStats interface {
	Running() int
	Queued() int
}

// Status builds the load report from the node's collaborators. drivers may
// be nil.
func (n *Node) Status(acct *memory.Accountant, registry *tasks.Registry, drivers DriverStats) Status {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	st := Status{
		NodeID:        n.id,
		NodeVersion:   Version{Version: n.version},
		Environment:   n.environment,
		State:         n.State(),
		Uptime:        n.Uptime().Truncate(time.Second).String(),
		Processors:    runtime.NumCPU(),
		Goroutines:    runtime.NumGoroutine(),
		HeapUsed:      ms.HeapAlloc,
		HeapAvailable: ms.HeapSys - ms.HeapAlloc,
		NonHeapUsed:   ms.Sys - ms.HeapSys,
	}
	if acct != nil {
		st.MemoryInfo = acct.Info()
	}
	if registry != nil {
		st.Tasks = registry.StateCounts()
	}
	if drivers != nil {
		st.RunningDrivers = drivers.Running()
		st.QueuedDrivers = drivers.Queued()
	}
	return st
}
