package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskCreatedPayload struct {
	TaskID     string `json:"task_id"`
	InstanceID string `json:"instance_id"`
}

func (TaskCreatedPayload) EventType() EventType { return EventTaskCreated }

type TaskStateChangedPayload struct {
	TaskID  string `json:"task_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Version int64  `json:"version"`
	Failure string `json:"failure,omitempty"`
}

func (TaskStateChangedPayload) EventType() EventType { return EventTaskStateChanged }

type TaskEvictedPayload struct {
	TaskID string        `json:"task_id"`
	State  string        `json:"state"`
	Age    time.Duration `json:"age"`
}

func (TaskEvictedPayload) EventType() EventType { return EventTaskEvicted }

// =============================================================================
// BUFFER EVENTS
// =============================================================================

type BufferCreatedPayload struct {
	TaskID   string `json:"task_id"`
	BufferID string `json:"buffer_id"`
}

func (BufferCreatedPayload) EventType() EventType { return EventBufferCreated }

type BufferDestroyedPayload struct {
	TaskID        string `json:"task_id"`
	BufferID      string `json:"buffer_id"`
	PagesDropped  int    `json:"pages_dropped"`
	BytesReleased int64  `json:"bytes_released"`
}

func (BufferDestroyedPayload) EventType() EventType { return EventBufferDestroyed }

// =============================================================================
// MEMORY EVENTS
// =============================================================================

type MemoryExhaustedPayload struct {
	TaskID    string `json:"task_id"`
	Pool      string `json:"pool"`
	Requested int64  `json:"requested"`
	Free      int64  `json:"free"`
}

func (MemoryExhaustedPayload) EventType() EventType { return EventMemoryExhausted }

type MemorySpillAdvisedPayload struct {
	Pool           string `json:"pool"`
	RevocableBytes int64  `json:"revocable_bytes"`
	SoftLimit      int64  `json:"soft_limit"`
	Advised        bool   `json:"advised"`
}

func (MemorySpillAdvisedPayload) EventType() EventType { return EventMemorySpillAdvised }

// =============================================================================
// NODE EVENTS
// =============================================================================

type NodeStateChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (NodeStateChangedPayload) EventType() EventType { return EventNodeStateChanged }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTypedEventWithTask(source EventSource, payload EventPayload, taskID string) Event {
	return Event{
		TaskID:    taskID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
