// Package merge combines completed segment summaries into a final
// document summary. The merge algorithm itself is a pluggable
// collaborator behind the Merger interface; BalancedMerger is the
// default implementation.
package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/batchsum/engine/pkg/clock"
)

// CompletedTask is the minimal view of a finished segment the
// merger needs: its position in the original document and the
// summary text produced for it.
type CompletedTask struct {
	Index   int
	Summary string
}

// Strategy names a merge algorithm variant. "balanced" is the only
// strategy implemented directly; custom Merger implementations may
// recognize others.
type Strategy string

const StrategyBalanced Strategy = "balanced"

// Merger produces a final summary from completed segment summaries,
// and can estimate the outcome of a merge without committing to one.
type Merger interface {
	Merge(ctx context.Context, completed []CompletedTask, strategy Strategy, preferences map[string]interface{}) (summary string, quality float64, processingTime time.Duration, err error)
	Preview(ctx context.Context, completed []CompletedTask, strategy Strategy, preferences map[string]interface{}) (summary string, estimatedQuality float64, estimatedDuration time.Duration, err error)
}

// BalancedMerger joins completed summaries in original segment
// order with lightweight paragraph separation, estimating quality
// from how consecutive the contributing segment indices are (a
// document merged from many scattered fragments scores lower than
// one built from a contiguous run).
type BalancedMerger struct {
	clock clock.Clock
}

// NewBalancedMerger builds a BalancedMerger. c may be nil, in which
// case a real clock is used.
func NewBalancedMerger(c clock.Clock) *BalancedMerger {
	if c == nil {
		c = clock.NewReal()
	}
	return &BalancedMerger{clock: c}
}

func (m *BalancedMerger) Merge(ctx context.Context, completed []CompletedTask, strategy Strategy, preferences map[string]interface{}) (string, float64, time.Duration, error) {
	start := m.clock.Now()
	if len(completed) == 0 {
		return "", 0, 0, fmt.Errorf("merge: no completed segments to merge")
	}

	ordered := sortedCopy(completed)
	summary := joinOrdered(ordered)
	quality := coherence(ordered)

	return summary, quality, m.clock.Since(start), nil
}

func (m *BalancedMerger) Preview(ctx context.Context, completed []CompletedTask, strategy Strategy, preferences map[string]interface{}) (string, float64, time.Duration, error) {
	if len(completed) == 0 {
		return "", 0, 0, fmt.Errorf("merge: no completed segments to preview")
	}
	ordered := sortedCopy(completed)
	summary := joinOrdered(ordered)
	quality := coherence(ordered)
	estimatedDuration := time.Duration(len(ordered)) * time.Millisecond
	return summary, quality, estimatedDuration, nil
}

func sortedCopy(completed []CompletedTask) []CompletedTask {
	ordered := append([]CompletedTask(nil), completed...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	return ordered
}

func joinOrdered(ordered []CompletedTask) string {
	parts := make([]string, 0, len(ordered))
	for _, t := range ordered {
		trimmed := strings.TrimSpace(t.Summary)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "\n\n")
}

// coherence is the fraction of adjacent pairs in ordered whose
// segment indices are themselves consecutive, used both as
// BalancedMerger's own quality estimate and as the partial-result
// handler's documented fallback when a pluggable Merger can't supply
// one.
func coherence(ordered []CompletedTask) float64 {
	if len(ordered) <= 1 {
		return 1
	}
	consecutivePairs := 0
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Index == ordered[i-1].Index+1 {
			consecutivePairs++
		}
	}
	return float64(consecutivePairs) / float64(len(ordered)-1)
}

// Coherence exposes the adjacent-pairs coherence estimate for reuse
// by pkg/partial's Evaluate fallback path.
func Coherence(completed []CompletedTask) float64 {
	return coherence(sortedCopy(completed))
}

// ConcatenateWithGapMarkers is the basic fallback assembly used when
// a Merger implementation fails: segments are joined in index order,
// and any break in consecutive indices is marked inline so the
// reader can see where content is missing.
func ConcatenateWithGapMarkers(completed []CompletedTask, total int) string {
	ordered := sortedCopy(completed)
	var b strings.Builder
	prev := -1
	for _, t := range ordered {
		if prev >= 0 && t.Index > prev+1 {
			fmt.Fprintf(&b, "\n\n[... missing segments %d-%d ...]\n\n", prev+1, t.Index-1)
		}
		if prev >= 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(t.Summary))
		prev = t.Index
	}
	if prev >= 0 && prev < total-1 {
		fmt.Fprintf(&b, "\n\n[... missing segments %d-%d ...]\n\n", prev+1, total-1)
	}
	return b.String()
}
