package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/dohr-michael/oxide/internal/memory"
)

// TaskUpdateRequest is the payload of POST /task/{taskId}.
//
// Version is the coordinator's version hint: the update is applied only if
// it is greater than the task's current version.
type TaskUpdateRequest struct {
	Version int64    `json:"version"`
	Updates []Update `json:"updates"`
}

// Update is one of PlanAssignment, SplitBatch or NoMoreSplits.
type Update interface {
	updateType() string
}

const (
	updatePlan         = "plan"
	updateSplits       = "splits"
	updateNoMoreSplits = "noMoreSplits"
)

// PlanAssignment hands the task its fragment, the plan nodes that will
// receive splits, the output buffers to create and its memory needs.
type PlanAssignment struct {
	Fragment      json.RawMessage `json:"fragment,omitempty"`
	Sources       []string        `json:"sources,omitempty"`
	OutputBuffers []string        `json:"outputBuffers,omitempty"`
	Memory        *MemoryRequest  `json:"memory,omitempty"`
}

// MemoryRequest is reserved when the plan is accepted.
type MemoryRequest struct {
	Pool           memory.PoolID `json:"pool,omitempty"`
	Bytes          int64         `json:"bytes"`
	RevocableBytes int64         `json:"revocableBytes,omitempty"`
}

// SplitBatch delivers splits for one plan node.
type SplitBatch struct {
	PlanNodeID string  `json:"planNodeId"`
	Splits     []Split `json:"splits"`
}

// Split is one unit of input. SequenceID is unique per plan node and makes
// redelivery idempotent.
type Split struct {
	SequenceID int64           `json:"sequenceId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NoMoreSplits signals that a plan node will receive no further splits.
type NoMoreSplits struct {
	PlanNodeID string `json:"planNodeId"`
}

func (PlanAssignment) updateType() string { return updatePlan }
func (SplitBatch) updateType() string     { return updateSplits }
func (NoMoreSplits) updateType() string   { return updateNoMoreSplits }

func (p PlanAssignment) MarshalJSON() ([]byte, error) {
	type alias PlanAssignment
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{updatePlan, alias(p)})
}

func (s SplitBatch) MarshalJSON() ([]byte, error) {
	type alias SplitBatch
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{updateSplits, alias(s)})
}

func (n NoMoreSplits) MarshalJSON() ([]byte, error) {
	type alias NoMoreSplits
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{updateNoMoreSplits, alias(n)})
}

// UnmarshalJSON decodes the tagged update variants.
func (r *TaskUpdateRequest) UnmarshalJSON(data []byte) error {
	var aux struct {
		Version *int64            `json:"version"`
		Updates []json.RawMessage `json:"updates"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Version == nil {
		return fmt.Errorf("%w: missing version", ErrInvalidUpdate)
	}

	updates := make([]Update, 0, len(aux.Updates))
	for i, raw := range aux.Updates {
		u, err := decodeUpdate(raw)
		if err != nil {
			return fmt.Errorf("update %d: %w", i, err)
		}
		updates = append(updates, u)
	}

	r.Version = *aux.Version
	r.Updates = updates
	return r.Validate()
}

func decodeUpdate(raw json.RawMessage) (Update, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}

	switch tag.Type {
	case updatePlan:
		var p PlanAssignment
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case updateSplits:
		var s SplitBatch
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	case updateNoMoreSplits:
		var n NoMoreSplits
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: unknown update type %q", ErrInvalidUpdate, tag.Type)
	}
}

// Validate checks the structural constraints of the request.
func (r TaskUpdateRequest) Validate() error {
	if r.Version < 0 {
		return fmt.Errorf("%w: negative version %d", ErrInvalidUpdate, r.Version)
	}
	for i, u := range r.Updates {
		switch u := u.(type) {
		case PlanAssignment:
			if u.Memory != nil && (u.Memory.Bytes < 0 || u.Memory.RevocableBytes < 0) {
				return fmt.Errorf("%w: update %d: negative memory request", ErrInvalidUpdate, i)
			}
			for _, id := range u.OutputBuffers {
				if id == "" {
					return fmt.Errorf("%w: update %d: empty output buffer id", ErrInvalidUpdate, i)
				}
			}
		case SplitBatch:
			if u.PlanNodeID == "" {
				return fmt.Errorf("%w: update %d: splits without plan node", ErrInvalidUpdate, i)
			}
		case NoMoreSplits:
			if u.PlanNodeID == "" {
				return fmt.Errorf("%w: update %d: noMoreSplits without plan node", ErrInvalidUpdate, i)
			}
		case nil:
			return fmt.Errorf("%w: update %d is empty", ErrInvalidUpdate, i)
		}
	}
	return nil
}
