package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/batchsum/engine/pkg/apperrors"
	"github.com/batchsum/engine/pkg/cancel"
	"github.com/batchsum/engine/pkg/clock"
	"github.com/batchsum/engine/pkg/concurrency"
	"github.com/batchsum/engine/pkg/merge"
	"github.com/batchsum/engine/pkg/notify"
	"github.com/batchsum/engine/pkg/partial"
	"github.com/batchsum/engine/pkg/progress"
	"github.com/batchsum/engine/pkg/segment"
	"github.com/batchsum/engine/pkg/summarizer"
)

// Config tunes the orchestrator's retry and concurrency-default
// behavior; StageWeights/StageMultipliers feed straight through to
// pkg/progress.Calculate.
type Config struct {
	MaxRetries              int
	BaseDelay               time.Duration
	BackoffMultiplier       float64
	DefaultConcurrency      int
	FailOnAnySegmentFailure bool
	StageWeights            map[progress.Stage]float64
	StageMultipliers        map[progress.Stage]float64
}

// DefaultConfig leaves FailOnAnySegmentFailure false, so a batch with
// at least one completed segment still merges.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		BaseDelay:               time.Second,
		BackoffMultiplier:       2.0,
		DefaultConcurrency:      3,
		FailOnAnySegmentFailure: false,
		StageWeights:            progress.DefaultWeights(),
		StageMultipliers:        progress.DefaultMultipliers(),
	}
}

// batchState is the orchestrator's live, mutex-guarded view of one
// Batch plus the bookkeeping the worker loop and progress snapshots
// need.
type batchState struct {
	mu                  sync.Mutex
	batch               Batch
	stage               progress.Stage
	currentSegmentIndex int
	currentSegmentTitle string
	activeSegments      int
	lastUpdated         time.Time
	pauseCond           *sync.Cond
	token               *cancel.Token
	cancelNotified      atomic.Bool
}

func newBatchState(b Batch) *batchState {
	bs := &batchState{batch: b, stage: progress.StageInitializing}
	bs.pauseCond = sync.NewCond(&bs.mu)
	return bs
}

func (bs *batchState) setStage(s progress.Stage) {
	bs.mu.Lock()
	bs.stage = s
	bs.mu.Unlock()
}

func (bs *batchState) setStatus(s Status) {
	bs.mu.Lock()
	bs.batch.Status = s
	bs.mu.Unlock()
}

func (bs *batchState) status() Status {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.batch.Status
}

// Orchestrator is the Batch Orchestrator: it owns every live Batch's
// state machine, drives per-segment summarization with adaptive
// concurrency, and hands completed segments to the Merger.
type Orchestrator struct {
	mu      sync.Mutex
	batches map[string]*batchState
	owners  map[string][]string // owner -> batchIDs, most recent last

	cfg        Config
	summarizer summarizer.Client
	merger     merge.Merger
	controller *concurrency.Controller
	cancelSvc  *cancel.Service
	notify     notify.Sink
	tracker    *progress.Tracker
	partials   *partial.Handler
	clock      clock.Clock
	newID      func() string
}

// Deps bundles the Orchestrator's collaborators, each already built
// and ready to share across batches.
type Deps struct {
	Config     Config
	Summarizer summarizer.Client
	Merger     merge.Merger
	Controller *concurrency.Controller
	CancelSvc  *cancel.Service
	Notify     notify.Sink
	Tracker    *progress.Tracker
	Partials   *partial.Handler
	Clock      clock.Clock
	NewID      func() string
}

// New builds an Orchestrator from deps, defaulting Clock and Tracker
// when left nil.
func New(deps Deps) *Orchestrator {
	c := deps.Clock
	if c == nil {
		c = clock.NewReal()
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	return &Orchestrator{
		batches:    make(map[string]*batchState),
		owners:     make(map[string][]string),
		cfg:        deps.Config,
		summarizer: deps.Summarizer,
		merger:     deps.Merger,
		controller: deps.Controller,
		cancelSvc:  deps.CancelSvc,
		notify:     deps.Notify,
		tracker:    tracker,
		partials:   deps.Partials,
		clock:      c,
		newID:      deps.NewID,
	}
}

func (o *Orchestrator) get(batchID string) (*batchState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	bs, ok := o.batches[batchID]
	return bs, ok
}

// StartBatch validates segments and originalText, registers a new
// Batch in the Queued state, and returns its id immediately; the
// actual summarization work runs on a background goroutine.
func (o *Orchestrator) StartBatch(ctx context.Context, segs []segment.Segment, originalText, owner string, concurrencyHint int) (string, error) {
	if len(segs) == 0 {
		return "", apperrors.Invalid("batch requires at least one segment")
	}
	if originalText == "" {
		return "", apperrors.Invalid("batch requires non-empty original text")
	}

	limit := concurrencyHint
	if limit <= 0 {
		limit = o.cfg.DefaultConcurrency
	}

	id := o.newID()
	b := Batch{
		ID:               id,
		Owner:            owner,
		OriginalText:     originalText,
		Tasks:            tasksFromSegments(segs),
		Status:           StatusQueued,
		ConcurrencyLimit: limit,
		StartedAt:        o.clock.Now(),
	}
	bs := newBatchState(b)
	bs.token = o.cancelSvc.Register(id, owner, context.Background())

	o.mu.Lock()
	o.batches[id] = bs
	o.owners[owner] = append(o.owners[owner], id)
	o.mu.Unlock()

	go o.run(id)
	return id, nil
}

func (o *Orchestrator) mustGet(batchID string) *batchState {
	bs, ok := o.get(batchID)
	if !ok {
		panic(fmt.Sprintf("batch: unknown batch %q in internal worker goroutine", batchID))
	}
	return bs
}

// Result returns a value-safe snapshot of batchID's current state.
func (o *Orchestrator) Result(batchID string) (Batch, bool) {
	bs, ok := o.get(batchID)
	if !ok {
		return Batch{}, false
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.batch.Snapshot(), true
}

// Pause moves a Processing batch to Paused. Returns false if the
// batch is unknown or not currently Processing.
func (o *Orchestrator) Pause(batchID string) bool {
	bs, ok := o.get(batchID)
	if !ok {
		return false
	}
	bs.mu.Lock()
	if bs.batch.Status != StatusProcessing {
		bs.mu.Unlock()
		return false
	}
	bs.batch.Status = StatusPaused
	bs.mu.Unlock()
	o.notify.StatusChange(batchID, string(StatusPaused), "")
	return true
}

// Resume moves a Paused batch back to Processing and wakes any
// workers blocked waiting out the pause.
func (o *Orchestrator) Resume(batchID string) bool {
	bs, ok := o.get(batchID)
	if !ok {
		return false
	}
	bs.mu.Lock()
	if bs.batch.Status != StatusPaused {
		bs.mu.Unlock()
		return false
	}
	bs.batch.Status = StatusProcessing
	bs.mu.Unlock()
	bs.pauseCond.Broadcast()
	o.notify.StatusChange(batchID, string(StatusProcessing), "")
	return true
}

// RequestCancellation is the full-fidelity cancellation entry point,
// accepting reason/force/savePartial/comment detail; the HTTP layer
// calls this directly.
func (o *Orchestrator) RequestCancellation(ctx context.Context, req cancel.Request) (cancel.Result, error) {
	bs, ok := o.get(req.BatchID)
	if !ok {
		return cancel.Result{Status: cancel.StatusNotFound}, nil
	}
	req.SubmittedAt = o.clock.Now()
	if bs.cancelNotified.CompareAndSwap(false, true) {
		o.notify.CancellationRequested(req.BatchID, !req.Force)
	}
	res, err := o.cancelSvc.Request(ctx, req)
	bs.pauseCond.Broadcast()
	return res, err
}

// Cancel issues a graceful, partial-saving cancellation request and
// reports whether it was accepted. Idempotent for a
// batch that has already finished cancelling; refused for a batch
// that has already reached a terminal non-Cancelled state.
func (o *Orchestrator) Cancel(batchID string) bool {
	bs, ok := o.get(batchID)
	if !ok {
		return false
	}
	switch bs.status() {
	case StatusCancelled:
		return true
	case StatusCompleted, StatusFailed:
		return false
	}
	res, err := o.RequestCancellation(context.Background(), cancel.Request{
		BatchID:     batchID,
		Owner:       bs.batch.Owner,
		Reason:      cancel.ReasonUserInitiated,
		SavePartial: true,
	})
	if err != nil {
		return false
	}
	return res.Status == cancel.StatusSuccess || res.Status == cancel.StatusNotFound
}

// ListByOwner returns owner's batches, most recently started first.
func (o *Orchestrator) ListByOwner(owner string, page, size int) []ProgressView {
	o.mu.Lock()
	ids := append([]string(nil), o.owners[owner]...)
	o.mu.Unlock()

	// owners[owner] is append-ordered by StartBatch, so reversing it
	// yields most-recently-started first.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = len(ids)
	}
	start := (page - 1) * size
	if start >= len(ids) {
		return nil
	}
	end := start + size
	if end > len(ids) {
		end = len(ids)
	}

	out := make([]ProgressView, 0, end-start)
	for _, id := range ids[start:end] {
		if v, ok := o.Progress(id); ok {
			out = append(out, v)
		}
	}
	return out
}

// SaveOnCancel implements cancel.PartialSaver by locating the live
// batch and handing its completed segments to the Partial-Result
// Handler. Wired into cancel.Service by the composition root so a
// graceful cancel with SavePartial=true can reach the orchestrator's
// in-memory state without pkg/cancel importing pkg/batch.
func (o *Orchestrator) SaveOnCancel(ctx context.Context, batchID, owner string) (string, error) {
	bs, ok := o.get(batchID)
	if !ok {
		return "", fmt.Errorf("batch: unknown batch %q", batchID)
	}
	bs.mu.Lock()
	completed := make([]partial.CompletedSegment, 0, len(bs.batch.Tasks))
	total := len(bs.batch.Tasks)
	for _, t := range bs.batch.Tasks {
		if t.Status == TaskCompleted {
			completed = append(completed, partial.CompletedSegment{
				Index: t.Index, Title: t.Title, Content: t.Content, Summary: t.Summary,
			})
		}
	}
	bs.mu.Unlock()

	result, err := o.partials.ProcessPartialResult(ctx, batchID, owner, completed, total)
	if err != nil {
		return "", err
	}
	if err := o.partials.Save(ctx, result); err != nil {
		return "", err
	}
	o.notify.PartialResultSaved(batchID, result.ID)
	return result.ID, nil
}

// StaleSince implements recovery.StaleChecker: it reports whether
// batchID has a segment stuck in Processing since before cutoff, or
// was cancelled while tasks remain non-terminal.
func (o *Orchestrator) StaleSince(batchID string, cutoff time.Time) (hasStaleProcessing bool, cancelledWithOpenTasks bool) {
	bs, ok := o.get(batchID)
	if !ok {
		return false, false
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()

	cancelled := bs.batch.Status == StatusCancelled || bs.token.IsRequested()
	for _, t := range bs.batch.Tasks {
		if t.Status == TaskProcessing && t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			hasStaleProcessing = true
		}
		if cancelled && t.Status != TaskCompleted && t.Status != TaskFailed {
			cancelledWithOpenTasks = true
		}
	}
	return hasStaleProcessing, cancelledWithOpenTasks
}

// ForceFailStale implements recovery.StaleChecker: it transitions
// every non-terminal task in batchID to Failed and returns how many
// were affected.
func (o *Orchestrator) ForceFailStale(batchID string) int {
	bs, ok := o.get(batchID)
	if !ok {
		return 0
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()

	n := 0
	now := o.clock.Now()
	for _, t := range bs.batch.Tasks {
		if t.Status != TaskCompleted && t.Status != TaskFailed {
			t.Status = TaskFailed
			t.LastError = "recovered: force-failed stale task"
			t.CompletedAt = &now
			n++
		}
	}
	if n > 0 && bs.batch.Status != StatusCompleted && bs.batch.Status != StatusFailed && bs.batch.Status != StatusCancelled {
		bs.batch.Status = StatusFailed
		bs.batch.LastError = "recovered: stale segment tasks force-failed"
		bs.batch.CompletedAt = &now
	}
	return n
}

// AllBatchIDs returns every batch id known to the orchestrator,
// regardless of owner, for the recovery sweep.
func (o *Orchestrator) AllBatchIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.batches))
	for id := range o.batches {
		ids = append(ids, id)
	}
	return ids
}
