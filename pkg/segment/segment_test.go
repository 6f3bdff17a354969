package segment

import (
	"context"
	"strings"
	"testing"
)

func defaultConfig() Config {
	return Config{
		MaxSegmentLength:       500,
		TriggerLength:          500,
		SentenceEndMarkers:     []string{".", "!", "?"},
		PreserveParagraphs:     true,
		LLMSegmentationEnabled: false,
	}
}

func TestNeedsSegmentation(t *testing.T) {
	s := New(defaultConfig(), nil)
	if s.NeedsSegmentation(strings.Repeat("a", 100)) {
		t.Errorf("short text should not need segmentation")
	}
	if !s.NeedsSegmentation(strings.Repeat("a", 1000)) {
		t.Errorf("long text should need segmentation")
	}
}

func TestSegmentOrderPreserving(t *testing.T) {
	text := "First sentence here. Second sentence follows. Third one too. " +
		"Fourth sentence arrives. Fifth and final sentence ends it."
	cfg := defaultConfig()
	cfg.MaxSegmentLength = 40
	s := New(cfg, nil)

	result, err := s.Segment(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Segments) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(result.Segments))
	}

	for i, seg := range result.Segments {
		if seg.Index != i {
			t.Errorf("segment %d has index %d, want %d", i, seg.Index, i)
		}
	}

	var rebuilt strings.Builder
	for _, seg := range result.Segments {
		rebuilt.WriteString(seg.Content)
		rebuilt.WriteString(" ")
	}
	normalizedOriginal := strings.Join(strings.Fields(text), " ")
	normalizedRebuilt := strings.Join(strings.Fields(rebuilt.String()), " ")
	if normalizedOriginal != normalizedRebuilt {
		t.Errorf("segmentation lost or reordered content:\n got: %q\nwant: %q", normalizedRebuilt, normalizedOriginal)
	}
}

func TestMaxSegmentLengthEqualToTextYieldsOneSegment(t *testing.T) {
	text := "A short document with no internal splitting required at all here."
	cfg := defaultConfig()
	cfg.MaxSegmentLength = len(text)
	s := New(cfg, nil)

	result, err := s.Segment(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Segments) != 1 {
		t.Fatalf("expected exactly one segment, got %d", len(result.Segments))
	}
}

func TestForceSplitOnOversizedSentence(t *testing.T) {
	text := strings.Repeat("a", 3000) // no terminators at all
	cfg := defaultConfig()
	cfg.MaxSegmentLength = 500
	s := New(cfg, nil)

	result, err := s.Segment(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Segments) < 6 {
		t.Fatalf("expected force-split to produce multiple segments, got %d", len(result.Segments))
	}
	for _, seg := range result.Segments {
		if seg.Length > cfg.MaxSegmentLength {
			t.Errorf("segment of length %d exceeds max segment length %d", seg.Length, cfg.MaxSegmentLength)
		}
	}
}

type fakeLLM struct {
	output string
	err    error
}

func (f *fakeLLM) Summarize(ctx context.Context, text string) (string, error) {
	return f.output, f.err
}

func TestLLMFallbackAdoptsHigherQualityResult(t *testing.T) {
	text := strings.Repeat("x", 3000) // no terminators, scores poorly
	cfg := defaultConfig()
	cfg.MaxSegmentLength = 500
	cfg.LLMSegmentationEnabled = true

	llmOutput := strings.Join([]string{
		"A clean first chunk that ends with a period.",
		"A clean second chunk that also ends properly.",
		"A clean third and final chunk. Done.",
	}, llmDelimiter)

	s := New(cfg, &fakeLLM{output: llmOutput})

	result, err := s.Segment(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.UsedLLM {
		t.Errorf("expected the higher-scoring LLM segmentation to be adopted")
	}
	if len(result.Segments) != 3 {
		t.Errorf("expected 3 LLM segments, got %d", len(result.Segments))
	}
}

func TestLLMFallbackKeepsPunctuationResultWhenNotBetter(t *testing.T) {
	text := "Sentence one ends here. Sentence two ends here too. Sentence three also ends."
	cfg := defaultConfig()
	cfg.LLMSegmentationEnabled = true

	s := New(cfg, &fakeLLM{output: "garbage with no delimiter"})

	result, err := s.Segment(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.UsedLLM {
		t.Errorf("expected punctuation result to be kept when LLM segmentation fails or doesn't improve quality")
	}
}

func TestQualityAcceptableThreshold(t *testing.T) {
	text := "Clean sentence one. Clean sentence two. Clean sentence three. Clean sentence four."
	s := New(defaultConfig(), nil)

	result, err := s.Segment(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Quality.Acceptable {
		t.Errorf("expected well-formed sentences to score as acceptable, got overall=%.2f", result.Quality.Overall)
	}
}
