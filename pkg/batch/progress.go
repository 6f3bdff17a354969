package batch

import (
	"time"

	"github.com/batchsum/engine/pkg/progress"
)

// ProgressView is the public progress shape: pkg/progress.Snapshot
// enriched with the stage name, segment counts, and current-segment
// pointer a caller needs without reaching into orchestrator internals.
type ProgressView struct {
	progress.Snapshot
	Stage               string
	Status              string
	CompletedCount      int
	FailedCount         int
	TotalCount          int
	CurrentSegmentIndex int
	CurrentSegmentTitle string
	LastUpdated         time.Time
}

// snapshotInput reduces bs's live state into the pure Input
// pkg/progress.Calculate expects.
func (o *Orchestrator) snapshotInput(bs *batchState) (progress.Input, string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	completed, failed := 0, 0
	var latencies []int64
	var totalChars int64
	for _, t := range bs.batch.Tasks {
		switch t.Status {
		case TaskCompleted:
			completed++
			totalChars += int64(t.Length)
			if t.DurationMs > 0 {
				latencies = append(latencies, t.DurationMs)
			}
		case TaskFailed:
			failed++
		}
	}

	statusStr := ""
	switch bs.batch.Status {
	case StatusCompleted:
		statusStr = "completed"
	case StatusFailed:
		statusStr = "failed"
	case StatusCancelled:
		statusStr = "cancelled"
	default:
		statusStr = string(bs.batch.Status)
	}

	// Each in-flight segment is approximated as half-done; the
	// orchestrator only tracks start, not fine-grained LLM streaming
	// progress, so a single active call never reports past 50% until
	// it completes and flips Completed++ instead.
	fraction := 0.5 * float64(bs.activeSegments)

	in := progress.Input{
		CurrentStage:           bs.stage,
		Status:                 statusStr,
		Completed:              completed,
		Failed:                 failed,
		Total:                  len(bs.batch.Tasks),
		CurrentSegmentFraction: fraction,
		ElapsedMs:              o.clock.Since(bs.batch.StartedAt).Milliseconds(),
		CompletedLatenciesMs:   latencies,
		TotalCharsProcessed:    totalChars,
		StageWeights:           o.cfg.StageWeights,
		StageMultipliers:       o.cfg.StageMultipliers,
	}
	return in, statusStr
}

// Progress computes batchID's current ProgressView via the
// monotonicity-enforcing Tracker, the same Tracker publishProgress
// feeds for ProgressUpdate notifications.
func (o *Orchestrator) Progress(batchID string) (ProgressView, bool) {
	bs, ok := o.get(batchID)
	if !ok {
		return ProgressView{}, false
	}
	in, statusStr := o.snapshotInput(bs)
	snap := o.tracker.Observe(batchID, in)

	bs.mu.Lock()
	view := ProgressView{
		Snapshot:            snap,
		Stage:               string(bs.stage),
		Status:              statusStr,
		CompletedCount:      in.Completed,
		FailedCount:         in.Failed,
		TotalCount:          in.Total,
		CurrentSegmentIndex: bs.currentSegmentIndex,
		CurrentSegmentTitle: bs.currentSegmentTitle,
		LastUpdated:         bs.lastUpdated,
	}
	bs.mu.Unlock()
	return view, true
}

// publishProgress computes and broadcasts batchID's current progress
// to every registered notify.Sink.
func (o *Orchestrator) publishProgress(batchID string) {
	bs, ok := o.get(batchID)
	if !ok {
		return
	}
	bs.mu.Lock()
	bs.lastUpdated = o.clock.Now()
	bs.mu.Unlock()

	in, _ := o.snapshotInput(bs)
	snap := o.tracker.Observe(batchID, in)
	o.notify.ProgressUpdate(batchID, snap)
}
