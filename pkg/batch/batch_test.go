package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
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
)

type scriptedSummarizer struct {
	mu    sync.Mutex
	calls map[string]int
	block chan struct{} // if non-nil, Summarize waits on this before returning
	err   error         // permanent failure override, keyed to the "fails-always" segment text
}

func newScriptedSummarizer() *scriptedSummarizer {
	return &scriptedSummarizer{calls: make(map[string]int)}
}

func (s *scriptedSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	s.calls[text]++
	n := s.calls[text]
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if s.err != nil && text == "fails-always" {
		return "", s.err
	}
	if text == "fails-twice" && n <= 2 {
		return "", apperrors.New(apperrors.KindTimeout, apperrors.SeverityWarning, "simulated timeout", errors.New("timeout"))
	}
	return "summary of: " + text, nil
}

func (s *scriptedSummarizer) Healthy(ctx context.Context) bool { return true }

type capturingSink struct {
	mu             sync.Mutex
	statusChanges  []string
	segmentResults []string
	completed      bool
	errors         []string
	cancelRequests int
}

func (c *capturingSink) ProgressUpdate(batchID string, snapshot progress.Snapshot) {}
func (c *capturingSink) StatusChange(batchID string, status string, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusChanges = append(c.statusChanges, status)
}
func (c *capturingSink) SegmentCompleted(batchID string, index int, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segmentResults = append(c.segmentResults, result)
}
func (c *capturingSink) BatchCompleted(batchID string, view interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = true
}
func (c *capturingSink) Error(batchID, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, message)
}
func (c *capturingSink) CancellationRequested(batchID string, graceful bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRequests++
}
func (c *capturingSink) PartialResultSaved(batchID string, partialID string)      {}
func (c *capturingSink) RecoveryCompleted(batchID string, success bool, ms int64) {}
func (c *capturingSink) UIReset(batchID string)                                   {}
func (c *capturingSink) ProgressReset(batchID string)                             {}
func (c *capturingSink) UIRecoveryCompleted(batchID string)                       {}

type memPartialRepo struct {
	mu      sync.Mutex
	results map[string]*partial.Result
}

func newMemPartialRepo() *memPartialRepo {
	return &memPartialRepo{results: make(map[string]*partial.Result)}
}
func (m *memPartialRepo) Save(ctx context.Context, r *partial.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.ID] = r
	return nil
}
func (m *memPartialRepo) Get(ctx context.Context, id string) (*partial.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}
func (m *memPartialRepo) UpdateStatus(ctx context.Context, id, owner string, status partial.Status, comment string) error {
	return nil
}
func (m *memPartialRepo) ListByOwner(ctx context.Context, owner string, page, size int) ([]*partial.Result, error) {
	return nil, nil
}
func (m *memPartialRepo) ListByStatusOlderThan(ctx context.Context, status partial.Status, cutoff time.Time) ([]*partial.Result, error) {
	return nil, nil
}

func newTestOrchestrator(t *testing.T, summ *scriptedSummarizer) (*Orchestrator, *capturingSink) {
	t.Helper()
	realClock := clock.NewReal()
	sink := &capturingSink{}
	dispatcher := notify.NewDispatcher(realClock, 0)
	dispatcher.Register(sink)

	cancelSvc := cancel.New(cancel.Config{GracefulTimeout: 2 * time.Second, CheckpointPoll: 5 * time.Millisecond}, realClock, nil, nil, nil)
	controller := concurrency.New(concurrency.Config{Initial: 4, Max: 4, WindowSize: 100})
	merger := merge.NewBalancedMerger(realClock)
	idN := 0
	newID := func() string { idN++; return fmt.Sprintf("batch-%d", idN) }

	repo := newMemPartialRepo()
	partials := partial.New(repo, merger, realClock, func() string { idN++; return fmt.Sprintf("partial-%d", idN) }, partial.Config{ExpiryAfter: time.Hour})

	cfg := DefaultConfig()
	cfg.BaseDelay = 2 * time.Millisecond
	cfg.MaxRetries = 3

	o := New(Deps{
		Config:     cfg,
		Summarizer: summ,
		Merger:     merger,
		Controller: controller,
		CancelSvc:  cancelSvc,
		Notify:     dispatcher,
		Clock:      realClock,
		NewID:      newID,
		Partials:   partials,
	})
	return o, sink
}

func awaitTerminal(t *testing.T, o *Orchestrator, id string, timeout time.Duration) Batch {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b, ok := o.Result(id)
		if ok {
			switch b.Status {
			case StatusCompleted, StatusFailed, StatusCancelled:
				return b
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("batch %s did not reach a terminal state within %s", id, timeout)
	return Batch{}
}

func segs(texts ...string) []segment.Segment {
	out := make([]segment.Segment, len(texts))
	for i, txt := range texts {
		out[i] = segment.Segment{Index: i, Title: fmt.Sprintf("seg-%d", i), Content: txt, Length: len(txt)}
	}
	return out
}

func TestStartBatchRejectsEmptyInput(t *testing.T) {
	o, _ := newTestOrchestrator(t, newScriptedSummarizer())
	if _, err := o.StartBatch(context.Background(), nil, "text", "owner-1", 0); err == nil {
		t.Errorf("expected error for empty segments")
	}
	if _, err := o.StartBatch(context.Background(), segs("a"), "", "owner-1", 0); err == nil {
		t.Errorf("expected error for empty original text")
	}
}

func TestHappyPathCompletesAndMerges(t *testing.T) {
	o, sink := newTestOrchestrator(t, newScriptedSummarizer())
	id, err := o.StartBatch(context.Background(), segs("alpha", "beta", "gamma"), "full text", "owner-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := awaitTerminal(t, o, id, 2*time.Second)
	if b.Status != StatusCompleted {
		t.Fatalf("expected Completed, got %v (last error %q)", b.Status, b.LastError)
	}
	if b.FinalSummary == "" {
		t.Errorf("expected a non-empty final summary")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.segmentResults) != 3 {
		t.Errorf("expected 3 segment-completed notifications, got %d", len(sink.segmentResults))
	}
	if !sink.completed {
		t.Errorf("expected a BatchCompleted notification")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	o, _ := newTestOrchestrator(t, newScriptedSummarizer())
	id, err := o.StartBatch(context.Background(), segs("fails-twice", "alpha"), "full text", "owner-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := awaitTerminal(t, o, id, 2*time.Second)
	if b.Status != StatusCompleted {
		t.Fatalf("expected Completed, got %v", b.Status)
	}
	for _, task := range b.Tasks {
		if task.Content == "fails-twice" {
			if task.RetryCount < 2 {
				t.Errorf("expected at least 2 retries, got %d", task.RetryCount)
			}
			if task.Status != TaskCompleted {
				t.Errorf("expected the retried segment to eventually complete, got %v", task.Status)
			}
		}
	}
}

func TestPartialFailureStillMergesByDefault(t *testing.T) {
	summ := newScriptedSummarizer()
	summ.err = apperrors.New(apperrors.KindProcessing, apperrors.SeverityError, "permanent failure", errors.New("boom"))

	o, _ := newTestOrchestrator(t, summ)
	id, err := o.StartBatch(context.Background(), segs("alpha", "fails-always", "gamma"), "full text", "owner-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := awaitTerminal(t, o, id, 2*time.Second)
	if b.Status != StatusCompleted {
		t.Fatalf("expected Completed despite one permanent failure (FailOnAnySegmentFailure defaults false), got %v", b.Status)
	}
	failedCount := 0
	for _, task := range b.Tasks {
		if task.Status == TaskFailed {
			failedCount++
		}
	}
	if failedCount != 1 {
		t.Errorf("expected exactly 1 failed segment, got %d", failedCount)
	}
}

func TestAllSegmentsFailedAggregatesPerSegmentErrors(t *testing.T) {
	summ := newScriptedSummarizer()
	summ.err = apperrors.New(apperrors.KindProcessing, apperrors.SeverityError, "permanent failure", errors.New("boom"))

	o, _ := newTestOrchestrator(t, summ)
	id, err := o.StartBatch(context.Background(), segs("fails-always", "fails-always"), "full text", "owner-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := awaitTerminal(t, o, id, 2*time.Second)
	if b.Status != StatusFailed {
		t.Fatalf("expected Failed when no segment completes, got %v", b.Status)
	}
	if !strings.Contains(b.LastError, "segment 0") || !strings.Contains(b.LastError, "segment 1") {
		t.Errorf("expected the failure reason to name each failed segment, got %q", b.LastError)
	}
}

func TestCancelStopsProcessingWithoutBatchCompleted(t *testing.T) {
	summ := newScriptedSummarizer()
	summ.block = make(chan struct{})

	o, sink := newTestOrchestrator(t, summ)
	id, err := o.StartBatch(context.Background(), segs("one", "two", "three"), "full text", "owner-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Let the workers reach the blocked in-flight call before cancelling.
	time.Sleep(20 * time.Millisecond)
	if !o.Cancel(id) {
		t.Fatalf("expected Cancel to succeed")
	}
	close(summ.block)

	b := awaitTerminal(t, o, id, 2*time.Second)
	if b.Status != StatusCancelled {
		t.Fatalf("expected Cancelled, got %v", b.Status)
	}

	sink.mu.Lock()
	completedNotified := sink.completed
	sink.mu.Unlock()
	if completedNotified {
		t.Errorf("a cancelled batch must not emit BatchCompleted")
	}

	// Idempotent: cancelling again must not error or flip state.
	if !o.Cancel(id) {
		t.Errorf("expected repeat Cancel on an already-cancelled batch to report success")
	}
}

func TestRapidDoubleCancellationRequestIsIdempotent(t *testing.T) {
	summ := newScriptedSummarizer()
	summ.block = make(chan struct{})

	o, sink := newTestOrchestrator(t, summ)
	id, err := o.StartBatch(context.Background(), segs("one", "two", "three"), "full text", "owner-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Two requests race against the same in-flight batch, the way a
	// double-click or a client retry hits the HTTP cancel endpoint.
	time.Sleep(20 * time.Millisecond)
	req := cancel.Request{BatchID: id, Owner: "owner-1", Reason: cancel.ReasonUserInitiated, SavePartial: true}
	var wg sync.WaitGroup
	results := make([]cancel.Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, reqErr := o.RequestCancellation(context.Background(), req)
			if reqErr != nil {
				t.Errorf("unexpected error: %v", reqErr)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()
	close(summ.block)

	if results[0] != results[1] {
		t.Errorf("expected both racing requests to observe the same result, got %+v and %+v", results[0], results[1])
	}

	b := awaitTerminal(t, o, id, 2*time.Second)
	if b.Status != StatusCancelled {
		t.Fatalf("expected Cancelled, got %v", b.Status)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.cancelRequests != 1 {
		t.Errorf("expected a single CancellationRequested notification, got %d", sink.cancelRequests)
	}
}

func TestPauseThenResumeStillCompletes(t *testing.T) {
	o, _ := newTestOrchestrator(t, newScriptedSummarizer())
	id, err := o.StartBatch(context.Background(), segs("alpha", "beta"), "full text", "owner-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Pause and resume is a best-effort race against a fast fake
	// summarizer; the results of Pause/Resume are not checked, only
	// that the batch still reaches Completed.
	o.Pause(id)
	o.Resume(id)

	b := awaitTerminal(t, o, id, 2*time.Second)
	if b.Status != StatusCompleted {
		t.Fatalf("expected Completed after resume, got %v", b.Status)
	}
}

func TestListByOwnerReturnsOwnersBatches(t *testing.T) {
	o, _ := newTestOrchestrator(t, newScriptedSummarizer())
	id1, _ := o.StartBatch(context.Background(), segs("alpha"), "text", "owner-1", 1)
	id2, _ := o.StartBatch(context.Background(), segs("beta"), "text", "owner-1", 1)
	awaitTerminal(t, o, id1, 2*time.Second)
	awaitTerminal(t, o, id2, 2*time.Second)

	views := o.ListByOwner("owner-1", 1, 10)
	if len(views) != 2 {
		t.Fatalf("expected 2 batches for owner-1, got %d", len(views))
	}
}
