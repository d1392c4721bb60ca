// Package tasks implements the per-task lifecycle state machine and the
// process-wide registry that maps task identities to running tasks.
package tasks

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrInvalidTaskID    = errors.New("invalid task id")
	ErrInvalidUpdate    = errors.New("invalid task update")
	ErrNotAcceptingWork = errors.New("node is not accepting new tasks")
)

// TaskID is the coordinator-assigned identity of a task, conventionally
// queryId.stageId.stageExecutionId.taskId.attempt. It is treated as opaque
// apart from extracting the query id.
type TaskID string

// ParseTaskID validates s as a task identity.
func ParseTaskID(s string) (TaskID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTaskID)
	}
	if strings.ContainsAny(s, "/?# \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskID, s)
	}
	return TaskID(s), nil
}

// QueryID returns the query component of the identity.
func (id TaskID) QueryID() string {
	q, _, _ := strings.Cut(string(id), ".")
	return q
}

func (id TaskID) String() string { return string(id) }

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	StatePlanned   TaskState = "PLANNED"
	StateRunning   TaskState = "RUNNING"
	StateFinishing TaskState = "FINISHING"
	StateFinished  TaskState = "FINISHED"
	StateCanceled  TaskState = "CANCELED"
	StateAborted   TaskState = "ABORTED"
	StateFailed    TaskState = "FAILED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []TaskState{
	StatePlanned, StateRunning, StateFinishing,
	StateFinished, StateCanceled, StateAborted, StateFailed,
}

// IsDone reports whether s is terminal.
func (s TaskState) IsDone() bool {
	switch s {
	case StateFinished, StateCanceled, StateAborted, StateFailed:
		return true
	}
	return false
}

// Failure kinds reported in ExecutionFailure.Type.
const (
	FailureOutOfMemory = "OUT_OF_MEMORY"
	FailureAbandoned   = "ABANDONED"
	FailureDriver      = "DRIVER_ERROR"
)

// ExecutionFailure describes why a task failed.
type ExecutionFailure struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
