// Package cancel implements the Cancellation Service: the registry of
// per-batch cancellation tokens, the graceful-vs-force cancel protocol,
// and the audit trail of cancellation requests. The batchID -> token
// registry keeps the orchestrator, cancellation contexts, and task
// lists from holding references to each other.
package cancel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/batchsum/engine/pkg/apperrors"
	"github.com/batchsum/engine/pkg/clock"
	"github.com/batchsum/engine/pkg/infrastructure/logging"
)

// Reason classifies why a batch was cancelled.
type Reason string

const (
	ReasonUserInitiated      Reason = "user-initiated"
	ReasonSystemTimeout      Reason = "system-timeout"
	ReasonResourceExhaustion Reason = "resource-exhaustion"
	ReasonAdmin              Reason = "admin"
	ReasonOther              Reason = "other"
)

// Request is a request to cancel a registered batch.
type Request struct {
	BatchID     string
	Owner       string
	Reason      Reason
	SavePartial bool
	Force       bool
	Comment     string
	SubmittedAt time.Time
}

// ResultStatus is the outcome of a Request call.
type ResultStatus string

const (
	StatusNotFound ResultStatus = "NotFound"
	StatusSuccess  ResultStatus = "Success"
)

// Result is what Request returns to the caller.
type Result struct {
	Status             ResultStatus
	GracefulDurationMs int64
	PartialSaved       bool
}

// Token is handed to the orchestrator's worker loop on Register. The
// worker derives its per-call context from Ctx() so a Force cancel
// aborts an in-flight Summarize call, while a Graceful cancel closes
// Ctx() only after the task reports a checkpoint or the graceful wait
// times out, and after any partial save.
type Token struct {
	batchID    string
	ctx        context.Context
	cancelFunc context.CancelFunc

	requested  atomic.Bool
	checkpoint atomic.Bool
	forced     atomic.Bool
}

// Ctx is the context segment work should thread into the Summarizer
// call; a Force cancel cancels it at once, a Graceful cancel once its
// wait for a checkpoint ends.
func (t *Token) Ctx() context.Context { return t.ctx }

// IsRequested reports whether any cancellation (graceful or force) has
// been requested for this batch.
func (t *Token) IsRequested() bool { return t.requested.Load() }

// Forced reports whether the requested cancellation was a force cancel.
func (t *Token) Forced() bool { return t.forced.Load() }

// SetCheckpoint records whether the owning task is currently at a
// point where cancellation may safely take effect. Call with true
// immediately before and immediately after an outbound Summarize
// call, and false for the duration of the call itself.
func (t *Token) SetCheckpoint(safe bool) { t.checkpoint.Store(safe) }

// AtCheckpoint reports the last value SetCheckpoint recorded.
func (t *Token) AtCheckpoint() bool { return t.checkpoint.Load() }

type registration struct {
	token *Token
	req   *Request
	owner string

	// once guards the cancellation sequence so a repeated Request for
	// the same batch replays the first outcome instead of re-running
	// the graceful wait, partial save, and audit.
	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

// PartialSaver is the narrow surface the Cancellation Service needs
// from the Partial-Result Handler to save a partial result on a
// graceful cancel with SavePartial=true. Satisfied by
// *batch.Orchestrator.SaveOnCancel through a small proxy in the
// composition root, keeping pkg/cancel decoupled from pkg/batch and
// pkg/partial.
type PartialSaver interface {
	SaveOnCancel(ctx context.Context, batchID, owner string) (partialID string, err error)
}

// AuditSink receives a record of every cancellation decision.
type AuditSink interface {
	CancellationAudited(batchID, owner string, reason Reason, force bool, comment string, gracefulDurationMs int64, partialSaved bool)
}

// Config configures the Service's graceful-cancel polling.
type Config struct {
	GracefulTimeout time.Duration
	CheckpointPoll  time.Duration
}

// DefaultConfig waits up to 30s for a graceful cancel, polling the
// checkpoint flag every 100ms.
func DefaultConfig() Config {
	return Config{GracefulTimeout: 30 * time.Second, CheckpointPoll: 100 * time.Millisecond}
}

// Service owns the batch id -> token registry. Registration and
// removal are atomic under a single mutex.
type Service struct {
	mu    sync.Mutex
	regs  map[string]*registration
	cfg   Config
	clock clock.Clock
	saver PartialSaver
	audit AuditSink
	log   *logging.Logger
}

// New builds a Service. saver and audit may be nil; a nil saver means
// SavePartial requests are honored as a no-op (logged as a warning).
func New(cfg Config, c clock.Clock, saver PartialSaver, audit AuditSink, log *logging.Logger) *Service {
	if c == nil {
		c = clock.NewReal()
	}
	if cfg.GracefulTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Service{
		regs:  make(map[string]*registration),
		cfg:   cfg,
		clock: c,
		saver: saver,
		audit: audit,
		log:   log,
	}
}

// Register installs cancellation state for batchID, deriving Token's
// context from parent. The orchestrator must hold onto the returned
// Token for the lifetime of the batch and call Unregister on
// completion to avoid leaking registry entries.
func (s *Service) Register(batchID, owner string, parent context.Context) *Token {
	ctx, cancelFunc := context.WithCancel(parent)
	token := &Token{batchID: batchID, ctx: ctx, cancelFunc: cancelFunc}
	token.checkpoint.Store(true)

	s.mu.Lock()
	s.regs[batchID] = &registration{token: token, owner: owner, done: make(chan struct{})}
	s.mu.Unlock()
	return token
}

// Unregister removes batchID's cancellation state. Safe to call more
// than once.
func (s *Service) Unregister(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, batchID)
}

func (s *Service) lookup(batchID string) (*registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[batchID]
	return r, ok
}

// IsRequested reports whether batchID has a pending or completed
// cancellation request. Unknown batches report false.
func (s *Service) IsRequested(batchID string) bool {
	r, ok := s.lookup(batchID)
	if !ok {
		return false
	}
	return r.token.IsRequested()
}

// Token returns the registered Token for batchID, if any.
func (s *Service) Token(batchID string) (*Token, bool) {
	r, ok := s.lookup(batchID)
	if !ok {
		return nil, false
	}
	return r.token, true
}

// SetCheckpoint forwards to the registered Token for batchID, if any.
func (s *Service) SetCheckpoint(batchID string, safe bool) {
	if r, ok := s.lookup(batchID); ok {
		r.token.SetCheckpoint(safe)
	}
}

// Request processes a cancellation request. Idempotent: only the
// first call for a batch runs the graceful wait, partial save, and
// audit; every later call — including one racing the first while the
// batch is still winding down — blocks until that sequence finishes
// and returns the same Result with no further side effects. The
// registry entry itself is removed by the orchestrator when the batch
// finalizes, so a Request arriving after that finds NotFound, which
// callers should treat as "already cancelled" rather than an error.
func (s *Service) Request(ctx context.Context, req Request) (Result, error) {
	r, ok := s.lookup(req.BatchID)
	if !ok {
		return Result{Status: StatusNotFound}, nil
	}

	r.once.Do(func() {
		defer close(r.done)
		r.result, r.err = s.execute(ctx, r, req)
	})
	<-r.done
	return r.result, r.err
}

func (s *Service) execute(ctx context.Context, r *registration, req Request) (Result, error) {
	r.req = &req
	r.token.requested.Store(true)
	if req.Force {
		r.token.forced.Store(true)
		r.token.cancelFunc()
		s.recordAudit(req, 0, false)
		return Result{Status: StatusSuccess}, nil
	}

	start := s.clock.Now()
	deadline := start.Add(s.cfg.GracefulTimeout)
	for {
		if r.token.AtCheckpoint() {
			break
		}
		if !s.clock.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			r.token.cancelFunc()
			return Result{}, ctx.Err()
		case <-s.clock.After(s.cfg.CheckpointPoll):
		}
	}
	gracefulDuration := s.clock.Since(start)

	partialSaved := false
	if req.SavePartial {
		partialSaved = s.savePartial(ctx, req)
	}
	r.token.cancelFunc()
	s.recordAudit(req, gracefulDuration.Milliseconds(), partialSaved)

	return Result{
		Status:             StatusSuccess,
		GracefulDurationMs: gracefulDuration.Milliseconds(),
		PartialSaved:       partialSaved,
	}, nil
}

func (s *Service) savePartial(ctx context.Context, req Request) bool {
	if s.saver == nil {
		if s.log != nil {
			s.log.Warn("cancel: save-partial requested but no partial-result saver configured", map[string]interface{}{"batch_id": req.BatchID})
		}
		return false
	}
	if _, err := s.saver.SaveOnCancel(ctx, req.BatchID, req.Owner); err != nil {
		if s.log != nil {
			s.log.Error("cancel: failed to save partial result", map[string]interface{}{
				"batch_id": req.BatchID,
				"error":    apperrors.New(apperrors.KindStorage, apperrors.SeverityError, "save partial on cancel", err).Error(),
			})
		}
		return false
	}
	return true
}

func (s *Service) recordAudit(req Request, gracefulDurationMs int64, partialSaved bool) {
	if s.audit != nil {
		s.audit.CancellationAudited(req.BatchID, req.Owner, req.Reason, req.Force, req.Comment, gracefulDurationMs, partialSaved)
	}
	if s.log != nil {
		s.log.Info("batch cancellation audited", map[string]interface{}{
			"batch_id":             req.BatchID,
			"owner":                req.Owner,
			"reason":               string(req.Reason),
			"force":                req.Force,
			"graceful_duration_ms": gracefulDurationMs,
			"partial_saved":        partialSaved,
		})
	}
}
