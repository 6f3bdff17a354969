package batch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/batchsum/engine/pkg/apperrors"
	"github.com/batchsum/engine/pkg/merge"
	"github.com/batchsum/engine/pkg/progress"
)

// run drives one batch end to end: dispatch every segment task,
// merge the completed summaries, and finalize the batch's terminal
// status. Runs on its own goroutine, started by StartBatch.
func (o *Orchestrator) run(batchID string) {
	bs := o.mustGet(batchID)

	bs.setStatus(StatusProcessing)
	o.notify.StatusChange(batchID, string(StatusProcessing), "")

	bs.setStage(progress.StageInitializing)
	o.publishProgress(batchID)
	bs.setStage(progress.StageSegmenting)
	o.publishProgress(batchID)
	bs.setStage(progress.StageBatchProcessing)
	o.publishProgress(batchID)

	o.runSegmentTasks(bs)

	if bs.token.IsRequested() {
		o.finalizeCancelled(bs)
		return
	}

	completed, failed := o.countOutcomes(bs)
	if completed == 0 {
		o.finalizeFailed(bs, o.failureSummary(bs, "no segments completed"))
		return
	}
	if o.cfg.FailOnAnySegmentFailure && failed > 0 {
		o.finalizeFailed(bs, o.failureSummary(bs, "one or more segments failed"))
		return
	}

	bs.setStage(progress.StageMerging)
	o.publishProgress(batchID)

	tasks := o.completedMergeTasks(bs)
	summary, _, _, err := o.merger.Merge(context.Background(), tasks, merge.StrategyBalanced, nil)
	if err != nil {
		o.notify.Error(batchID, "merge failed: "+err.Error())
		o.finalizeFailed(bs, "merge failed: "+err.Error())
		return
	}

	bs.setStage(progress.StageFinalizing)
	o.publishProgress(batchID)

	bs.mu.Lock()
	bs.batch.Status = StatusCompleted
	bs.batch.FinalSummary = summary
	now := o.clock.Now()
	bs.batch.CompletedAt = &now
	view := bs.batch.Snapshot()
	bs.mu.Unlock()

	o.cancelSvc.Unregister(batchID)
	o.notify.StatusChange(batchID, string(StatusCompleted), "")
	o.notify.BatchCompleted(batchID, view)
}

func (o *Orchestrator) countOutcomes(bs *batchState) (completed, failed int) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for _, t := range bs.batch.Tasks {
		switch t.Status {
		case TaskCompleted:
			completed++
		case TaskFailed:
			failed++
		}
	}
	return
}

// failureSummary folds every failed segment's last error into one
// batch-level failure reason, so the Failed status carries which
// segments broke and why instead of only the first symptom.
func (o *Orchestrator) failureSummary(bs *batchState, operation string) string {
	agg := apperrors.NewAggregator(operation)
	bs.mu.Lock()
	for _, t := range bs.batch.Tasks {
		if t.Status == TaskFailed && t.LastError != "" {
			agg.Add(fmt.Errorf("segment %d: %s", t.Index, t.LastError))
		}
	}
	bs.mu.Unlock()
	if err := agg.Combined(); err != nil {
		return err.Error()
	}
	return operation
}

func (o *Orchestrator) completedMergeTasks(bs *batchState) []merge.CompletedTask {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	var out []merge.CompletedTask
	for _, t := range bs.batch.Tasks {
		if t.Status == TaskCompleted {
			out = append(out, merge.CompletedTask{Index: t.Index, Summary: t.Summary})
		}
	}
	return out
}

func (o *Orchestrator) finalizeCancelled(bs *batchState) {
	bs.mu.Lock()
	bs.batch.Status = StatusCancelled
	now := o.clock.Now()
	bs.batch.CompletedAt = &now
	id := bs.batch.ID
	bs.mu.Unlock()

	o.cancelSvc.Unregister(id)
	o.notify.StatusChange(id, string(StatusCancelled), "")
	// No BatchCompleted notification for a cancelled batch.
}

func (o *Orchestrator) finalizeFailed(bs *batchState, reason string) {
	bs.mu.Lock()
	bs.batch.Status = StatusFailed
	bs.batch.LastError = reason
	now := o.clock.Now()
	bs.batch.CompletedAt = &now
	id := bs.batch.ID
	bs.mu.Unlock()

	o.cancelSvc.Unregister(id)
	o.notify.StatusChange(id, string(StatusFailed), reason)
}

// runSegmentTasks dispatches every task in ascending index order,
// bounded by the batch's own ConcurrencyLimit, and waits for all of
// them to either complete, fail, or abandon on cancellation.
func (o *Orchestrator) runSegmentTasks(bs *batchState) {
	bs.mu.Lock()
	tasks := append([]*SegmentTask(nil), bs.batch.Tasks...)
	limit := bs.batch.ConcurrencyLimit
	bs.mu.Unlock()
	if limit <= 0 {
		limit = 1
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
dispatch:
	for _, t := range tasks {
		if bs.token.IsRequested() {
			break dispatch
		}
		select {
		case sem <- struct{}{}:
		case <-bs.token.Ctx().Done():
			break dispatch
		}
		wg.Add(1)
		go func(task *SegmentTask) {
			defer wg.Done()
			defer func() { <-sem }()
			o.runTask(bs, task)
		}(t)
	}
	wg.Wait()
}

// waitIfPaused blocks a worker that observes a Paused batch until
// Resume or a cancellation request wakes it.
func (o *Orchestrator) waitIfPaused(bs *batchState) {
	bs.mu.Lock()
	for bs.batch.Status == StatusPaused && !bs.token.IsRequested() {
		bs.pauseCond.Wait()
	}
	bs.mu.Unlock()
}

// runTask runs one segment's retry loop: acquire a concurrency
// permit, call the Summarizer, and on a retryable failure back off
// and try again up to MaxRetries. The checkpoint is marked unsafe
// only for the duration of the outbound call, so a graceful cancel
// never interrupts an in-flight Summarize.
func (o *Orchestrator) runTask(bs *batchState, task *SegmentTask) {
	for attempt := 0; ; attempt++ {
		o.waitIfPaused(bs)
		if bs.token.IsRequested() {
			return
		}

		bs.mu.Lock()
		if task.StartedAt == nil {
			now := o.clock.Now()
			task.StartedAt = &now
		}
		task.Status = TaskProcessing
		bs.currentSegmentIndex = task.Index
		bs.currentSegmentTitle = task.Title
		bs.activeSegments++
		bs.mu.Unlock()
		o.publishProgress(bs.batch.ID)

		permit, err := o.controller.Acquire(bs.token.Ctx())
		if err != nil {
			bs.mu.Lock()
			bs.activeSegments--
			bs.mu.Unlock()
			return
		}

		bs.token.SetCheckpoint(false)
		start := o.clock.Now()
		summary, sumErr := o.summarizer.Summarize(bs.token.Ctx(), task.Content)
		latency := o.clock.Since(start)
		bs.token.SetCheckpoint(true)
		permit.Release()
		o.controller.RecordOutcome(latency.Milliseconds(), sumErr == nil)

		bs.mu.Lock()
		bs.activeSegments--
		bs.mu.Unlock()

		if sumErr == nil {
			now := o.clock.Now()
			bs.mu.Lock()
			task.Status = TaskCompleted
			task.Summary = summary
			task.CompletedAt = &now
			task.DurationMs = latency.Milliseconds()
			bs.mu.Unlock()
			o.notify.SegmentCompleted(bs.batch.ID, task.Index, summary)
			o.publishProgress(bs.batch.ID)
			return
		}

		bs.mu.Lock()
		task.LastError = sumErr.Error()
		bs.mu.Unlock()

		retryable := apperrors.Is(sumErr, apperrors.KindTimeout) || apperrors.Is(sumErr, apperrors.KindNetwork) ||
			apperrors.ClassifyTransport(sumErr).Retryable()
		if retryable && attempt < o.cfg.MaxRetries {
			bs.mu.Lock()
			task.RetryCount++
			task.Status = TaskRetrying
			bs.mu.Unlock()
			o.publishProgress(bs.batch.ID)

			delay := backoffDelay(o.cfg.BaseDelay, o.cfg.BackoffMultiplier, attempt)
			select {
			case <-bs.token.Ctx().Done():
				return
			case <-o.clock.After(delay):
			}
			continue
		}

		now := o.clock.Now()
		bs.mu.Lock()
		task.Status = TaskFailed
		task.CompletedAt = &now
		bs.mu.Unlock()
		o.publishProgress(bs.batch.ID)
		return
	}
}

func backoffDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	scaled := float64(base) * math.Pow(multiplier, float64(attempt))
	return time.Duration(scaled)
}
