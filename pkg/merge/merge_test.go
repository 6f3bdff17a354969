package merge

import (
	"context"
	"strings"
	"testing"
)

func TestMergeOrdersRegardlessOfInputOrder(t *testing.T) {
	m := NewBalancedMerger(nil)
	completed := []CompletedTask{
		{Index: 2, Summary: "third"},
		{Index: 0, Summary: "first"},
		{Index: 1, Summary: "second"},
	}
	summary, quality, _, err := m.Merge(context.Background(), completed, StrategyBalanced, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "first\n\nsecond\n\nthird"
	if summary != want {
		t.Errorf("got %q, want %q", summary, want)
	}
	if quality != 1 {
		t.Errorf("expected full coherence for a contiguous run, got %.2f", quality)
	}
}

func TestMergeOnSingleSegmentEqualsThatSegment(t *testing.T) {
	m := NewBalancedMerger(nil)
	completed := []CompletedTask{{Index: 0, Summary: "S0"}}
	summary, _, _, err := m.Merge(context.Background(), completed, StrategyBalanced, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != "S0" {
		t.Errorf("got %q, want %q", summary, "S0")
	}
}

func TestMergeEmptyInputErrors(t *testing.T) {
	m := NewBalancedMerger(nil)
	if _, _, _, err := m.Merge(context.Background(), nil, StrategyBalanced, nil); err == nil {
		t.Errorf("expected an error merging zero completed segments")
	}
}

func TestCoherenceLowerWithGaps(t *testing.T) {
	completed := []CompletedTask{{Index: 0, Summary: "a"}, {Index: 4, Summary: "b"}}
	if got := Coherence(completed); got != 0 {
		t.Errorf("expected zero coherence for a non-consecutive pair, got %.2f", got)
	}
}

func TestConcatenateWithGapMarkersFlagsMissingRanges(t *testing.T) {
	completed := []CompletedTask{{Index: 0, Summary: "first"}, {Index: 3, Summary: "fourth"}}
	result := ConcatenateWithGapMarkers(completed, 5)

	if !strings.Contains(result, "missing segments 1-2") {
		t.Errorf("expected a gap marker for segments 1-2, got %q", result)
	}
	if !strings.Contains(result, "missing segments 4-4") {
		t.Errorf("expected a gap marker for the trailing missing segment, got %q", result)
	}
}
