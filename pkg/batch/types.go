// Package batch implements the Batch Orchestrator: the central state
// machine that drives a document's segments through concurrent
// summarization, pause/resume/cancel, merging, and finalization,
// emitting progress snapshots as it goes. Cancellation state lives in
// pkg/cancel's batchID-keyed registry; per-batch workers are joined
// through a sync.WaitGroup the orchestrator owns.
package batch

import (
	"time"

	"github.com/batchsum/engine/pkg/segment"
)

// Status is a Batch's lifecycle state.
type Status string

const (
	StatusQueued     Status = "Queued"
	StatusProcessing Status = "Processing"
	StatusPaused     Status = "Paused"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
)

// TaskStatus is a SegmentTask's lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "Pending"
	TaskProcessing TaskStatus = "Processing"
	TaskRetrying   TaskStatus = "Retrying"
	TaskCompleted  TaskStatus = "Completed"
	TaskFailed     TaskStatus = "Failed"
)

// SegmentTask is the per-segment unit of work inside a Batch.
type SegmentTask struct {
	Index       int
	Title       string
	Content     string
	Length      int
	StartByte   int
	EndByte     int
	Status      TaskStatus
	Summary     string
	RetryCount  int
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  int64
	LastError   string
}

// Batch is one end-to-end summarization job.
type Batch struct {
	ID               string
	Owner            string
	OriginalText     string
	Tasks            []*SegmentTask
	Status           Status
	ConcurrencyLimit int
	StartedAt        time.Time
	CompletedAt      *time.Time
	FinalSummary     string
	LastError        string
}

func tasksFromSegments(segs []segment.Segment) []*SegmentTask {
	tasks := make([]*SegmentTask, len(segs))
	for i, s := range segs {
		tasks[i] = &SegmentTask{
			Index:     s.Index,
			Title:     s.Title,
			Content:   s.Content,
			Length:    s.Length,
			StartByte: s.StartByte,
			EndByte:   s.EndByte,
			Status:    TaskPending,
		}
	}
	return tasks
}

// Snapshot returns a value copy of b safe to hand to callers outside
// the orchestrator's own goroutine; SegmentTask pointers are copied by
// value so no caller can mutate live orchestrator state.
func (b *Batch) Snapshot() Batch {
	out := *b
	out.Tasks = make([]*SegmentTask, len(b.Tasks))
	for i, t := range b.Tasks {
		cp := *t
		out.Tasks[i] = &cp
	}
	return out
}
