// Package partial implements the Partial-Result Handler: it turns
// whatever segment summaries finished before a cancellation into a
// quality-scored, user-reviewable partial result, and owns the
// repository of those results.
package partial

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/batchsum/engine/pkg/apperrors"
	"github.com/batchsum/engine/pkg/clock"
	"github.com/batchsum/engine/pkg/merge"
)

// CompletedSegment is the minimal view of a finished segment task
// the handler needs.
type CompletedSegment struct {
	Index   int
	Title   string
	Content string
	Summary string
}

// Quality is the enum OverallQuality is reduced to.
type Quality string

const (
	QualityUnusable   Quality = "Unusable"
	QualityPoor       Quality = "Poor"
	QualityAcceptable Quality = "Acceptable"
	QualityGood       Quality = "Good"
	QualityExcellent  Quality = "Excellent"
)

var qualityRank = map[Quality]int{
	QualityUnusable:   0,
	QualityPoor:       1,
	QualityAcceptable: 2,
	QualityGood:       3,
	QualityExcellent:  4,
}

// RecommendedAction is derived from OverallQuality; Good and Excellent
// both map to Recommend.
type RecommendedAction string

const (
	ActionDiscard          RecommendedAction = "Discard"
	ActionConsiderContinue RecommendedAction = "ConsiderContinue"
	ActionReviewRequired   RecommendedAction = "ReviewRequired"
	ActionRecommend        RecommendedAction = "Recommend"
)

// Coverage reports how the completed segments are distributed across
// the document.
type Coverage struct {
	BeginningFraction   float64
	MiddleFraction      float64
	EndFraction         float64
	MaxContinuousLength int
	CoverageGaps        int
}

// QualityEvaluation is the full scoring result for a partial set of
// completed segments.
type QualityEvaluation struct {
	Completeness      float64
	Coverage          Coverage
	Coherence         float64
	MissingTopics     []string
	OverallQuality    Quality
	RecommendedAction RecommendedAction
	Warnings          []string
}

// Status is the PartialResult lifecycle state.
type Status string

const (
	StatusProcessing          Status = "Processing"
	StatusPendingUserDecision Status = "PendingUserDecision"
	StatusAccepted            Status = "Accepted"
	StatusRejected            Status = "Rejected"
	StatusExpired             Status = "Expired"
	StatusFailed              Status = "Failed"
)

// Result is a persisted partial result.
type Result struct {
	ID            string
	BatchID       string
	Owner         string
	Completed     []CompletedSegment
	Total         int
	CompletionPct float64
	Summary       string
	Quality       QualityEvaluation
	CancelledAt   time.Time
	Status        Status
	UserComment   string
	AcceptedAt    *time.Time
	TextSample    string
	CreatedAt     time.Time
}

// Repository persists Results with owner-scoped access.
type Repository interface {
	Save(ctx context.Context, r *Result) error
	Get(ctx context.Context, id string) (*Result, error)
	UpdateStatus(ctx context.Context, id, owner string, status Status, comment string) error
	ListByOwner(ctx context.Context, owner string, page, size int) ([]*Result, error)
	ListByStatusOlderThan(ctx context.Context, status Status, cutoff time.Time) ([]*Result, error)
}

// IDGenerator issues new result identifiers; satisfied by
// google/uuid's uuid.NewString in production code.
type IDGenerator func() string

// Handler assembles, evaluates, and persists partial results.
type Handler struct {
	repo        Repository
	merger      merge.Merger
	clock       clock.Clock
	newID       IDGenerator
	expiryAfter time.Duration
}

// Config configures a Handler.
type Config struct {
	ExpiryAfter time.Duration
}

// New builds a Handler.
func New(repo Repository, merger merge.Merger, c clock.Clock, newID IDGenerator, cfg Config) *Handler {
	return &Handler{repo: repo, merger: merger, clock: c, newID: newID, expiryAfter: cfg.ExpiryAfter}
}

// CollectCompleted filters to completed segments with a non-empty
// summary, sorted by index.
func CollectCompleted(all []CompletedSegment) []CompletedSegment {
	var out []CompletedSegment
	for _, s := range all {
		if s.Summary != "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Evaluate scores a partial set of completed segments against the
// full document length.
func (h *Handler) Evaluate(ctx context.Context, completed []CompletedSegment, total int) QualityEvaluation {
	ordered := CollectCompleted(completed)

	completeness := 0.0
	if total > 0 {
		completeness = float64(len(ordered)) / float64(total)
	}

	coverage := computeCoverage(ordered, total)
	coherence := h.coherence(ctx, ordered)
	missing := missingTopics(ordered, total)

	overall := 0.7*completeness + 0.3*coherence
	quality := qualityFromScore(overall)
	action := actionFromQuality(quality)
	warnings := warningsFor(completeness, coherence, coverage, ordered, total)

	return QualityEvaluation{
		Completeness:      completeness,
		Coverage:          coverage,
		Coherence:         coherence,
		MissingTopics:     missing,
		OverallQuality:    quality,
		RecommendedAction: action,
		Warnings:          warnings,
	}
}

func (h *Handler) coherence(ctx context.Context, ordered []CompletedSegment) float64 {
	if len(ordered) == 0 {
		return 0
	}
	tasks := toMergeTasks(ordered)
	if h.merger != nil {
		if _, estimatedQuality, _, err := h.merger.Preview(ctx, tasks, merge.StrategyBalanced, nil); err == nil {
			return estimatedQuality
		}
	}
	return merge.Coherence(tasks)
}

func toMergeTasks(ordered []CompletedSegment) []merge.CompletedTask {
	tasks := make([]merge.CompletedTask, len(ordered))
	for i, s := range ordered {
		tasks[i] = merge.CompletedTask{Index: s.Index, Summary: s.Summary}
	}
	return tasks
}

func computeCoverage(ordered []CompletedSegment, total int) Coverage {
	if total == 0 || len(ordered) == 0 {
		return Coverage{}
	}

	thirdSize := float64(total) / 3
	var begin, middle, end int
	for _, s := range ordered {
		switch {
		case float64(s.Index) < thirdSize:
			begin++
		case float64(s.Index) < 2*thirdSize:
			middle++
		default:
			end++
		}
	}

	maxRun, gaps := 0, 0
	run := 1
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Index == ordered[i-1].Index+1 {
			run++
		} else {
			gaps++
			if run > maxRun {
				maxRun = run
			}
			run = 1
		}
	}
	if run > maxRun {
		maxRun = run
	}
	if len(ordered) == 1 {
		maxRun = 1
	}

	beginThird := thirdSize
	return Coverage{
		BeginningFraction:   fractionOf(begin, beginThird),
		MiddleFraction:      fractionOf(middle, beginThird),
		EndFraction:         fractionOf(end, float64(total)-2*beginThird),
		MaxContinuousLength: maxRun,
		CoverageGaps:        gaps,
	}
}

func fractionOf(count int, size float64) float64 {
	if size <= 0 {
		return 0
	}
	return float64(count) / size
}

func missingTopics(ordered []CompletedSegment, total int) []string {
	if total == 0 {
		return nil
	}
	var topics []string
	if len(ordered) == 0 {
		return []string{"no segments completed"}
	}
	if ordered[0].Index > 0 {
		topics = append(topics, fmt.Sprintf("beginning of document (segments 0-%d) not covered", ordered[0].Index-1))
	}
	if last := ordered[len(ordered)-1].Index; last < total-1 {
		topics = append(topics, fmt.Sprintf("end of document (segments %d-%d) not covered", last+1, total-1))
	}
	for i := 1; i < len(ordered); i++ {
		if gap := ordered[i].Index - ordered[i-1].Index; gap > 1 {
			topics = append(topics, fmt.Sprintf("middle section (segments %d-%d) not covered", ordered[i-1].Index+1, ordered[i].Index-1))
		}
	}
	return topics
}

func qualityFromScore(score float64) Quality {
	switch {
	case score < 0.2:
		return QualityUnusable
	case score < 0.4:
		return QualityPoor
	case score < 0.6:
		return QualityAcceptable
	case score < 0.8:
		return QualityGood
	default:
		return QualityExcellent
	}
}

func actionFromQuality(q Quality) RecommendedAction {
	switch q {
	case QualityUnusable:
		return ActionDiscard
	case QualityPoor:
		return ActionConsiderContinue
	case QualityAcceptable:
		return ActionReviewRequired
	default:
		return ActionRecommend
	}
}

func warningsFor(completeness, coherence float64, coverage Coverage, ordered []CompletedSegment, total int) []string {
	var warnings []string
	if completeness < 0.3 {
		warnings = append(warnings, "low completeness: fewer than a third of segments finished")
	}
	if coherence < 0.5 {
		warnings = append(warnings, "low coherence: completed segments are scattered across the document")
	}
	if coverage.CoverageGaps > 0 {
		warnings = append(warnings, fmt.Sprintf("%d coverage gap(s) between completed segments", coverage.CoverageGaps))
	}
	if len(ordered) > 0 && ordered[0].Index > 0 {
		warnings = append(warnings, "beginning of document is missing")
	}
	if len(ordered) > 0 && ordered[len(ordered)-1].Index < total-1 {
		warnings = append(warnings, "end of document is missing")
	}
	return warnings
}

// ProcessPartialResult runs Evaluate, merges the completed segments
// (falling back to ordered concatenation with gap markers if the
// merger fails), and returns a new PendingUserDecision Result ready
// to be Saved.
func (h *Handler) ProcessPartialResult(ctx context.Context, batchID, owner string, completed []CompletedSegment, total int) (*Result, error) {
	ordered := CollectCompleted(completed)
	evaluation := h.Evaluate(ctx, ordered, total)

	summary, err := h.assembleSummary(ctx, ordered, total)
	if err != nil {
		return nil, apperrors.New(apperrors.KindProcessing, apperrors.SeverityError, "failed to assemble partial summary", err).WithBatch(batchID)
	}

	completionPct := 0.0
	if total > 0 {
		completionPct = float64(len(ordered)) / float64(total) * 100
	}

	result := &Result{
		ID:            h.newID(),
		BatchID:       batchID,
		Owner:         owner,
		Completed:     ordered,
		Total:         total,
		CompletionPct: completionPct,
		Summary:       summary,
		Quality:       evaluation,
		CancelledAt:   h.clock.Now(),
		Status:        StatusPendingUserDecision,
		TextSample:    sampleOriginalText(ordered),
		CreatedAt:     h.clock.Now(),
	}
	return result, nil
}

func (h *Handler) assembleSummary(ctx context.Context, ordered []CompletedSegment, total int) (string, error) {
	tasks := toMergeTasks(ordered)
	if h.merger != nil {
		if summary, _, _, err := h.merger.Merge(ctx, tasks, merge.StrategyBalanced, nil); err == nil {
			return summary, nil
		}
	}
	return merge.ConcatenateWithGapMarkers(tasks, total), nil
}

// sampleOriginalText attaches the first 200 characters from up to
// three completed segments, giving a reviewer a feel for the source
// material without shipping the whole document.
func sampleOriginalText(ordered []CompletedSegment) string {
	limit := 3
	if len(ordered) < limit {
		limit = len(ordered)
	}
	var sample string
	for i := 0; i < limit; i++ {
		content := ordered[i].Content
		if len(content) > 200 {
			content = content[:200]
		}
		if i > 0 {
			sample += "\n---\n"
		}
		sample += content
	}
	return sample
}

// Save persists a new Result.
func (h *Handler) Save(ctx context.Context, r *Result) error {
	return h.repo.Save(ctx, r)
}

// Get fetches a Result by id.
func (h *Handler) Get(ctx context.Context, id string) (*Result, error) {
	return h.repo.Get(ctx, id)
}

// UpdateStatus transitions a Result's status; owner must match the
// record's owner.
func (h *Handler) UpdateStatus(ctx context.Context, id, owner string, status Status, comment string) error {
	return h.repo.UpdateStatus(ctx, id, owner, status, comment)
}

// ListByOwner paginates a owner's Results.
func (h *Handler) ListByOwner(ctx context.Context, owner string, page, size int) ([]*Result, error) {
	return h.repo.ListByOwner(ctx, owner, page, size)
}

// CleanupExpired transitions PendingUserDecision records older than
// the configured horizon to Expired.
func (h *Handler) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := h.clock.Now().Add(-h.expiryAfter)
	stale, err := h.repo.ListByStatusOlderThan(ctx, StatusPendingUserDecision, cutoff)
	if err != nil {
		return 0, err
	}
	for _, r := range stale {
		if err := h.repo.UpdateStatus(ctx, r.ID, r.Owner, StatusExpired, "expired"); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// CanContinueFrom reports whether a partial result is a reasonable
// basis for resuming or accepting work from.
func (h *Handler) CanContinueFrom(ctx context.Context, partialID, owner string) (bool, error) {
	r, err := h.repo.Get(ctx, partialID)
	if err != nil {
		return false, err
	}
	if r.Owner != owner {
		return false, apperrors.New(apperrors.KindAuthorization, apperrors.SeverityWarning, "owner mismatch", nil)
	}
	return qualityRank[r.Quality.OverallQuality] >= qualityRank[QualityAcceptable] && r.Quality.Completeness >= 0.3, nil
}
