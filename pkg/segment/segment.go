// Package segment splits long documents into ordered chunks small
// enough for a single LLM summarization call, scores the resulting
// segmentation, and can fall back to an LLM-driven re-segmentation
// when the punctuation-based split scores poorly.
package segment

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Type tags the strategy that produced a Segment.
type Type string

const (
	TypeParagraph  Type = "paragraph"
	TypeSentence   Type = "sentence"
	TypeForceSplit Type = "force_split"
	TypeLLM        Type = "llm"
)

// Segment is one ordered chunk of the original text.
type Segment struct {
	Index     int
	Title     string
	Content   string
	Length    int
	StartByte int
	EndByte   int
	Type      Type
}

// QualityScore captures the three sub-scores and the derived overall
// score described for segmentation quality.
type QualityScore struct {
	SemanticIntegrity  float64
	ParagraphIntegrity float64
	LengthBalance      float64
	Overall            float64
	Acceptable         bool
}

// Result is the output of Segment: the ordered chunks plus the
// quality evaluation of however they were produced.
type Result struct {
	Segments []Segment
	Quality  QualityScore
	UsedLLM  bool
}

// Config controls segmentation behavior. Field names mirror the
// tunables enumerated in the external interfaces contract.
type Config struct {
	MaxSegmentLength       int
	TriggerLength          int
	SentenceEndMarkers     []string
	PreserveParagraphs     bool
	LLMSegmentationEnabled bool
}

// llmSegmenter is the narrow surface the Segmenter needs from the
// summarizer client to run the LLM fallback; satisfied by
// summarizer.Client.
type llmSegmenter interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Segmenter implements the punctuation-mode segmentation algorithm
// with an optional LLM fallback re-segmentation.
type Segmenter struct {
	cfg Config
	llm llmSegmenter
}

// New builds a Segmenter. llm may be nil when LLMSegmentationEnabled
// is false.
func New(cfg Config, llm llmSegmenter) *Segmenter {
	return &Segmenter{cfg: cfg, llm: llm}
}

// NeedsSegmentation reports whether text is long enough to require
// splitting before summarization.
func (s *Segmenter) NeedsSegmentation(text string) bool {
	return len(text) > s.cfg.TriggerLength
}

const llmDelimiter = "\n---SEGMENT---\n"

// Segment splits text into ordered chunks and scores the result,
// optionally retrying with an LLM-driven split when the punctuation
// split scores below the acceptability threshold.
func (s *Segmenter) Segment(ctx context.Context, text string) (Result, error) {
	normalized := normalize(text)

	segments := s.punctuationSegment(normalized)
	quality := scoreSegments(segments)

	result := Result{Segments: segments, Quality: quality}

	if quality.Acceptable || !s.cfg.LLMSegmentationEnabled || s.llm == nil {
		return result, nil
	}

	llmSegments, err := s.llmSegment(ctx, normalized)
	if err != nil {
		return result, nil
	}
	llmQuality := scoreSegments(llmSegments)
	if llmQuality.Overall > quality.Overall {
		return Result{Segments: llmSegments, Quality: llmQuality, UsedLLM: true}, nil
	}
	return result, nil
}

// normalize collapses line-ending variance and runs of 3+ newlines
// into a single blank-line paragraph separator.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return text
}

func (s *Segmenter) punctuationSegment(text string) []Segment {
	var paragraphs []string
	if s.cfg.PreserveParagraphs {
		paragraphs = strings.Split(text, "\n\n")
	} else {
		paragraphs = []string{text}
	}

	var segments []Segment
	offset := 0
	for _, para := range paragraphs {
		start := offset
		offset += len(para) + 2 // account for the removed "\n\n"

		if para == "" {
			continue
		}

		if len(para) <= s.cfg.MaxSegmentLength {
			segments = append(segments, newSegment(len(segments), para, start, TypeParagraph))
			continue
		}

		sentences := splitSentences(para, s.cfg.SentenceEndMarkers)
		packed := packSentences(sentences, s.cfg.MaxSegmentLength)
		localOffset := start
		for _, chunk := range packed {
			segType := TypeSentence
			if len(chunk) > s.cfg.MaxSegmentLength {
				segType = TypeForceSplit
			}
			segments = append(segments, newSegment(len(segments), chunk, localOffset, segType))
			localOffset += len(chunk)
		}
	}

	if len(segments) == 0 && text != "" {
		segments = append(segments, newSegment(0, text, 0, TypeParagraph))
	}

	return segments
}

func newSegment(index int, content string, start int, typ Type) Segment {
	return Segment{
		Index:     index,
		Title:     fmt.Sprintf("Segment %d", index+1),
		Content:   content,
		Length:    len(content),
		StartByte: start,
		EndByte:   start + len(content),
		Type:      typ,
	}
}

// splitSentences breaks text at any configured terminator that is
// followed by whitespace or the end of the string.
func splitSentences(text string, markers []string) []string {
	if len(markers) == 0 {
		markers = []string{".", "!", "?"}
	}
	markerSet := make(map[byte]bool, len(markers))
	for _, m := range markers {
		if len(m) == 1 {
			markerSet[m[0]] = true
		}
	}

	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		if !markerSet[text[i]] {
			continue
		}
		isBoundary := i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t'
		if !isBoundary {
			continue
		}
		sentences = append(sentences, text[start:i+1])
		start = i + 1
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

// packSentences greedily packs sentences into chunks no longer than
// maxLen, force-splitting any single sentence that alone exceeds it.
func packSentences(sentences []string, maxLen int) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, sentence := range sentences {
		trimmed := strings.TrimSpace(sentence)
		if trimmed == "" {
			continue
		}
		if len(trimmed) > maxLen {
			flush()
			chunks = append(chunks, forceSplit(trimmed, maxLen)...)
			continue
		}
		if current.Len()+len(trimmed)+1 > maxLen {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(trimmed)
	}
	flush()
	return chunks
}

func forceSplit(text string, width int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= width {
			chunks = append(chunks, text)
			break
		}
		chunks = append(chunks, text[:width])
		text = text[width:]
	}
	return chunks
}

func (s *Segmenter) llmSegment(ctx context.Context, text string) ([]Segment, error) {
	prompt := fmt.Sprintf("Split the following text into coherent segments. Separate each segment with the exact delimiter %q and return nothing else.\n\n%s", strings.TrimSpace(llmDelimiter), text)
	output, err := s.llm.Summarize(ctx, prompt)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(output, llmDelimiter)
	segments := make([]Segment, 0, len(parts))
	offset := 0
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		segments = append(segments, newSegment(len(segments), trimmed, offset, TypeLLM))
		offset += len(trimmed)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("llm segmentation produced no segments")
	}
	return segments, nil
}

// scoreSegments computes the three sub-scores and overall quality for
// a segmentation result.
func scoreSegments(segments []Segment) QualityScore {
	if len(segments) == 0 {
		return QualityScore{}
	}

	semantic := semanticIntegrity(segments)
	paragraph := paragraphIntegrity(segments)
	length := lengthBalance(segments)
	overall := (semantic + paragraph + length) / 3

	return QualityScore{
		SemanticIntegrity:  semantic,
		ParagraphIntegrity: paragraph,
		LengthBalance:      length,
		Overall:            overall,
		Acceptable:         overall >= 70,
	}
}

func semanticIntegrity(segments []Segment) float64 {
	terminators := []byte{'.', '!', '?'}
	ending := 0
	for _, seg := range segments {
		content := strings.TrimSpace(seg.Content)
		if content == "" {
			continue
		}
		last := content[len(content)-1]
		for _, t := range terminators {
			if last == t {
				ending++
				break
			}
		}
	}
	return 100 * float64(ending) / float64(len(segments))
}

// paragraphIntegrity rewards a segment-to-paragraph ratio in [1,3];
// without paragraph boundaries tracked separately here, the
// segment count itself is used as a proxy, since the punctuation
// segmenter only splits a paragraph further when it overflows.
func paragraphIntegrity(segments []Segment) float64 {
	paragraphCount := 0
	for _, seg := range segments {
		if seg.Type == TypeParagraph {
			paragraphCount++
		}
	}
	if paragraphCount == 0 {
		paragraphCount = 1
	}
	ratio := float64(len(segments)) / float64(paragraphCount)
	switch {
	case ratio >= 1 && ratio <= 3:
		return 100
	case ratio < 1:
		return 100 * ratio
	default:
		over := ratio - 3
		score := 100 - over*20
		if score < 0 {
			return 0
		}
		return score
	}
}

func lengthBalance(segments []Segment) float64 {
	if len(segments) == 1 {
		return 100
	}
	mean := 0.0
	for _, seg := range segments {
		mean += float64(seg.Length)
	}
	mean /= float64(len(segments))
	if mean == 0 {
		return 100
	}

	variance := 0.0
	for _, seg := range segments {
		d := float64(seg.Length) - mean
		variance += d * d
	}
	variance /= float64(len(segments))
	stdDev := math.Sqrt(variance)
	cv := stdDev / mean

	switch {
	case cv <= 0.2:
		return 100
	case cv >= 0.5:
		return 50
	default:
		// linear interpolation between (0.2, 100) and (0.5, 50)
		return 100 - (cv-0.2)/(0.5-0.2)*50
	}
}
