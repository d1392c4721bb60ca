package events

import "time"

// EventType names what happened.
type EventType string

const (
	EventTaskCreated      EventType = "task.created"
	EventTaskStateChanged EventType = "task.state_changed"
	EventTaskEvicted      EventType = "task.evicted"

	EventBufferCreated   EventType = "buffer.created"
	EventBufferDestroyed EventType = "buffer.destroyed"

	EventMemoryExhausted    EventType = "memory.exhausted"
	EventMemorySpillAdvised EventType = "memory.spill_advised"

	EventNodeStateChanged EventType = "node.state_changed"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceTask    EventSource = "task"
	SourceBuffer  EventSource = "buffer"
	SourceMemory  EventSource = "memory"
	SourceNode    EventSource = "node"
	SourceReaper  EventSource = "reaper"
	SourceGateway EventSource = "gateway"
)

// Event is one lifecycle notification. Seq is assigned by the bus when the
// event is dispatched and is strictly increasing per bus.
type Event struct {
	Seq       uint64         `json:"seq"`
	TaskID    string         `json:"task_id,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent creates an untyped event stamped with the current time.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	TaskID string
	Types  []EventType
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
