package tasks

import (
	"time"

	"github.com/dohr-michael/oxide/internal/buffer"
	"github.com/dohr-michael/oxide/internal/memory"
)

// TaskStatus is the small, frequently polled projection of a task.
type TaskStatus struct {
	TaskID                     TaskID             `json:"taskId"`
	TaskInstanceID             string             `json:"taskInstanceId"`
	Version                    int64              `json:"version"`
	State                      TaskState          `json:"state"`
	NodeID                     string             `json:"nodeId,omitempty"`
	Failures                   []ExecutionFailure `json:"failures"`
	QueuedSplits               int                `json:"queuedPartitionedDrivers"`
	RunningSplits              int                `json:"runningPartitionedDrivers"`
	OutputBufferOverutilized   bool               `json:"outputBufferOverutilized"`
	MemoryPool                 memory.PoolID      `json:"memoryPool,omitempty"`
	MemoryReservationBytes     int64              `json:"memoryReservationInBytes"`
	RevocableMemoryReservation int64              `json:"revocableMemoryReservationInBytes"`
}

// TaskStats carries lifecycle timestamps and counters.
type TaskStats struct {
	CreateTime       time.Time     `json:"createTime"`
	FirstStartTime   *time.Time    `json:"firstStartTime,omitempty"`
	EndTime          *time.Time    `json:"endTime,omitempty"`
	Elapsed          time.Duration `json:"elapsedTimeInNanos"`
	TotalSplits      int           `json:"totalDrivers"`
	QueuedSplits     int           `json:"queuedDrivers"`
	RunningSplits    int           `json:"runningDrivers"`
	CompletedSplits  int           `json:"completedDrivers"`
	OutputPages      int64         `json:"outputPositions"`
	OutputBytes      int64         `json:"outputDataSizeInBytes"`
	BufferedBytes    int64         `json:"bufferedDataSizeInBytes"`
	UserMemoryBytes  int64         `json:"userMemoryReservationInBytes"`
	RevocableMemory  int64         `json:"revocableMemoryReservationInBytes"`
	SpillAdvisedPool bool          `json:"spillAdvised"`
}

// SourceInfo describes the split intake of one plan node.
type SourceInfo struct {
	PlanNodeID      string `json:"planNodeId"`
	QueuedSplits    int    `json:"queuedSplits"`
	RunningSplits   int    `json:"runningSplits"`
	CompletedSplits int    `json:"completedSplits"`
	NoMoreSplits    bool   `json:"noMoreSplits"`
}

// TaskInfo is the full task snapshot. Summarized infos leave Sources and
// per-buffer detail empty.
type TaskInfo struct {
	TaskID        TaskID             `json:"taskId"`
	TaskStatus    TaskStatus         `json:"taskStatus"`
	LastHeartbeat time.Time          `json:"lastHeartbeat"`
	OutputBuffers buffer.ManagerInfo `json:"outputBuffers"`
	NoMoreSplits  []string           `json:"noMoreSplits"`
	Sources       []SourceInfo       `json:"sources,omitempty"`
	Stats         TaskStats          `json:"stats"`
	NeedsPlan     bool               `json:"needsPlan"`
	Summarized    bool               `json:"summarized"`
}
