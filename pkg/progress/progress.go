// Package progress turns a point-in-time snapshot of segment
// statuses into the staged progress, ETA, and throughput figures
// shown to callers. The calculator itself is a pure function; a
// small stateful Tracker wraps it to enforce the
// non-decreasing-overall-progress invariant across a batch's
// lifetime.
package progress

import (
	"math"
	"sync"
)

// Stage names the five phases progress is weighted across.
type Stage string

const (
	StageInitializing    Stage = "initializing"
	StageSegmenting      Stage = "segmenting"
	StageBatchProcessing Stage = "batch_processing"
	StageMerging         Stage = "merging"
	StageFinalizing      Stage = "finalizing"
)

var stageOrder = []Stage{
	StageInitializing,
	StageSegmenting,
	StageBatchProcessing,
	StageMerging,
	StageFinalizing,
}

// DefaultWeights sum to 100, matching the default stage contribution
// to overall progress.
func DefaultWeights() map[Stage]float64 {
	return map[Stage]float64{
		StageInitializing:    5,
		StageSegmenting:      10,
		StageBatchProcessing: 70,
		StageMerging:         10,
		StageFinalizing:      5,
	}
}

// DefaultMultipliers scale the ETA estimate by how much slower or
// faster a stage tends to run relative to per-segment summarization
// time.
func DefaultMultipliers() map[Stage]float64 {
	return map[Stage]float64{
		StageInitializing:    0.1,
		StageSegmenting:      0.2,
		StageBatchProcessing: 1.0,
		StageMerging:         0.3,
		StageFinalizing:      0.1,
	}
}

// Input is the point-in-time state the calculator reduces into a
// Snapshot. CurrentSegmentFraction is the estimated completion
// fraction (0..1) of whichever segment is actively being summarized,
// used to give BatchProcessing a smoother in-flight contribution
// instead of jumping only on full segment completion.
type Input struct {
	CurrentStage           Stage
	Status                 string // batch status: "completed", "failed", or any in-flight value
	Completed              int
	Failed                 int
	Total                  int
	CurrentSegmentFraction float64
	ElapsedMs              int64
	CompletedLatenciesMs   []int64
	TotalCharsProcessed    int64

	StageWeights     map[Stage]float64
	StageMultipliers map[Stage]float64
}

// ProcessingSpeed reports throughput and efficiency figures derived
// from completed segment latencies.
type ProcessingSpeed struct {
	SegmentsPerMinute float64
	CharsPerSecond    float64
	AvgLatencyMs      int64
	MinLatencyMs      int64
	MaxLatencyMs      int64
	EfficiencyPercent float64
}

// Snapshot is the calculator's output for one drain of batch state.
type Snapshot struct {
	StageProgress      float64
	OverallProgress    float64
	EstimatedRemaining *int64
	Speed              ProcessingSpeed
}

// Calculate derives a Snapshot from in. It is a pure function: equal
// inputs always yield equal outputs, and it applies no clamping
// across calls — that is Tracker's job.
func Calculate(in Input) Snapshot {
	weights := in.StageWeights
	if weights == nil {
		weights = DefaultWeights()
	}
	multipliers := in.StageMultipliers
	if multipliers == nil {
		multipliers = DefaultMultipliers()
	}

	stageProgress := stageProgressFor(in)
	overall := overallProgress(in, weights, stageProgress)

	return Snapshot{
		StageProgress:      stageProgress,
		OverallProgress:    overall,
		EstimatedRemaining: estimateRemaining(in, multipliers),
		Speed:              speed(in),
	}
}

func stageProgressFor(in Input) float64 {
	switch in.CurrentStage {
	case StageBatchProcessing:
		if in.Total == 0 {
			return 0
		}
		base := 100 * float64(in.Completed+in.Failed) / float64(in.Total)
		fractional := 100 * in.CurrentSegmentFraction / float64(in.Total)
		progress := base + fractional
		if progress > 100 {
			progress = 100
		}
		return progress
	case StageMerging:
		if in.Total == 0 {
			return 0
		}
		return 100 * float64(in.Completed) / float64(in.Total)
	default:
		// Initializing, Segmenting, and Finalizing are treated as
		// binary: the calculator has no finer-grained signal for
		// them, so callers report 0 while the stage is current and
		// move CurrentStage forward once it finishes.
		return 0
	}
}

func overallProgress(in Input, weights map[Stage]float64, currentStageProgress float64) float64 {
	switch in.Status {
	case "completed":
		return 100
	case "failed":
		if in.Total == 0 {
			return 0
		}
		return 100 * float64(in.Completed) / float64(in.Total)
	}

	var overall float64
	reachedCurrent := false
	for _, stage := range stageOrder {
		w := weights[stage]
		switch {
		case stage == in.CurrentStage:
			overall += w * currentStageProgress / 100
			reachedCurrent = true
		case !reachedCurrent:
			overall += w
		default:
			// stages after the current one contribute nothing yet
		}
	}
	return overall
}

func estimateRemaining(in Input, multipliers map[Stage]float64) *int64 {
	if in.Completed == 0 || in.ElapsedMs == 0 {
		return nil
	}
	remaining := in.Total - in.Completed - in.Failed
	if remaining <= 0 {
		zero := int64(0)
		return &zero
	}
	avgPerSegment := float64(in.ElapsedMs) / float64(in.Completed)
	multiplier := multipliers[in.CurrentStage]
	if multiplier == 0 {
		multiplier = 1
	}
	eta := int64(avgPerSegment * float64(remaining) * multiplier * 1.1)
	return &eta
}

func speed(in Input) ProcessingSpeed {
	var s ProcessingSpeed
	if in.ElapsedMs > 0 {
		elapsedMinutes := float64(in.ElapsedMs) / 60000
		if elapsedMinutes > 0 {
			s.SegmentsPerMinute = float64(in.Completed) / elapsedMinutes
		}
		elapsedSeconds := float64(in.ElapsedMs) / 1000
		if elapsedSeconds > 0 {
			s.CharsPerSecond = float64(in.TotalCharsProcessed) / elapsedSeconds
		}
	}

	if len(in.CompletedLatenciesMs) > 0 {
		var total, min, max int64
		min = in.CompletedLatenciesMs[0]
		for _, l := range in.CompletedLatenciesMs {
			total += l
			if l < min {
				min = l
			}
			if l > max {
				max = l
			}
		}
		s.AvgLatencyMs = total / int64(len(in.CompletedLatenciesMs))
		s.MinLatencyMs = min
		s.MaxLatencyMs = max

		if s.AvgLatencyMs > 0 {
			idealPerSecond := 1000 / float64(s.AvgLatencyMs)
			actualPerSecond := s.SegmentsPerMinute / 60
			if idealPerSecond > 0 {
				efficiency := 100 * actualPerSecond / idealPerSecond
				s.EfficiencyPercent = math.Min(efficiency, 100)
			}
		}
	}

	return s
}

// Tracker guarantees that overall progress for a given batch
// never decreases except across an explicit Reset. Safe for
// concurrent use: a batch's own worker goroutines and HTTP
// status-poll goroutines may call Observe for the same batchID at
// the same time.
type Tracker struct {
	mu   sync.Mutex
	last map[string]float64
}

// NewTracker builds an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]float64)}
}

// Observe computes a Snapshot for batchID and clamps its overall
// progress to never fall below the highest value previously observed
// for that batch.
func (t *Tracker) Observe(batchID string, in Input) Snapshot {
	snap := Calculate(in)
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[batchID]; ok && snap.OverallProgress < prev {
		snap.OverallProgress = prev
	}
	t.last[batchID] = snap.OverallProgress
	return snap
}

// Reset clears the tracked high-water mark for batchID, allowing
// overall progress to legitimately drop on the next Observe (used
// when a batch is resubmitted or recovered).
func (t *Tracker) Reset(batchID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, batchID)
}
