package progress

import "testing"

func TestStageProgressBatchProcessingIncludesFraction(t *testing.T) {
	in := Input{
		CurrentStage:           StageBatchProcessing,
		Completed:              4,
		Total:                  10,
		CurrentSegmentFraction: 0.5,
	}
	got := stageProgressFor(in)
	want := 100*4.0/10 + 100*0.5/10
	if got != want {
		t.Errorf("got %.4f, want %.4f", got, want)
	}
}

func TestOverallProgressWeightsPriorStagesFully(t *testing.T) {
	in := Input{
		CurrentStage: StageMerging,
		Status:       "processing",
		Completed:    1,
		Total:        1,
	}
	snap := Calculate(in)
	// initializing(5) + segmenting(10) + batch_processing(70) fully
	// counted, plus merging at 100% of its own 10 weight.
	want := 5.0 + 10.0 + 70.0 + 10.0
	if snap.OverallProgress != want {
		t.Errorf("got %.2f, want %.2f", snap.OverallProgress, want)
	}
}

func TestOverallProgressCompletedStatusIsAlways100(t *testing.T) {
	in := Input{CurrentStage: StageFinalizing, Status: "completed", Completed: 1, Total: 1}
	snap := Calculate(in)
	if snap.OverallProgress != 100 {
		t.Errorf("expected 100, got %.2f", snap.OverallProgress)
	}
}

func TestOverallProgressFailedStatusUsesCompletedRatio(t *testing.T) {
	in := Input{CurrentStage: StageBatchProcessing, Status: "failed", Completed: 3, Total: 10}
	snap := Calculate(in)
	if snap.OverallProgress != 30 {
		t.Errorf("expected 30, got %.2f", snap.OverallProgress)
	}
}

func TestEstimateRemainingNilWhenNoProgressYet(t *testing.T) {
	in := Input{CurrentStage: StageBatchProcessing, Completed: 0, Total: 10, ElapsedMs: 0}
	snap := Calculate(in)
	if snap.EstimatedRemaining != nil {
		t.Errorf("expected nil ETA with zero completed and zero elapsed")
	}
}

func TestEstimateRemainingScalesByMultiplier(t *testing.T) {
	in := Input{
		CurrentStage: StageBatchProcessing,
		Completed:    2,
		Total:        10,
		ElapsedMs:    2000,
	}
	snap := Calculate(in)
	if snap.EstimatedRemaining == nil {
		t.Fatalf("expected a non-nil ETA")
	}
	// avgPerSegment=1000ms, remaining=8, multiplier=1.0, *1.1
	want := int64(1000 * 8 * 1.1)
	if *snap.EstimatedRemaining != want {
		t.Errorf("got %d, want %d", *snap.EstimatedRemaining, want)
	}
}

func TestSpeedComputesLatencyStatsAndEfficiencyCap(t *testing.T) {
	in := Input{
		CurrentStage:         StageBatchProcessing,
		Completed:            60,
		Total:                60,
		ElapsedMs:            60000,
		CompletedLatenciesMs: []int64{100, 200, 300},
	}
	snap := Calculate(in)
	if snap.Speed.AvgLatencyMs != 200 {
		t.Errorf("expected avg latency 200, got %d", snap.Speed.AvgLatencyMs)
	}
	if snap.Speed.MinLatencyMs != 100 || snap.Speed.MaxLatencyMs != 300 {
		t.Errorf("unexpected min/max latency: %d/%d", snap.Speed.MinLatencyMs, snap.Speed.MaxLatencyMs)
	}
	if snap.Speed.EfficiencyPercent > 100 {
		t.Errorf("efficiency must be capped at 100, got %.2f", snap.Speed.EfficiencyPercent)
	}
}

func TestTrackerNeverDecreasesOverallProgress(t *testing.T) {
	tr := NewTracker()
	first := tr.Observe("batch-1", Input{CurrentStage: StageBatchProcessing, Status: "processing", Completed: 8, Total: 10})
	second := tr.Observe("batch-1", Input{CurrentStage: StageBatchProcessing, Status: "processing", Completed: 2, Total: 10})

	if second.OverallProgress < first.OverallProgress {
		t.Errorf("overall progress decreased from %.2f to %.2f without a reset", first.OverallProgress, second.OverallProgress)
	}
}

func TestTrackerResetAllowsProgressToDropAgain(t *testing.T) {
	tr := NewTracker()
	tr.Observe("batch-1", Input{CurrentStage: StageBatchProcessing, Status: "processing", Completed: 8, Total: 10})
	tr.Reset("batch-1")
	dropped := tr.Observe("batch-1", Input{CurrentStage: StageInitializing, Status: "processing", Completed: 0, Total: 10})

	if dropped.OverallProgress != 0 {
		t.Errorf("expected progress to restart at 0 after reset, got %.2f", dropped.OverallProgress)
	}
}
