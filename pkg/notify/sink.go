// Package notify delivers batch lifecycle events — progress updates,
// status changes, segment completions, cancellations, recoveries —
// to interested observers, preserving the ordering guarantee that a
// ProgressUpdate for a segment never arrives at a sink before the
// SegmentCompleted event it reflects.
package notify

import (
	"sync"
	"time"

	"github.com/batchsum/engine/pkg/clock"
	"github.com/batchsum/engine/pkg/progress"
)

// Sink receives batch lifecycle events. Implementations must not
// block the caller for long; WebSocketSink hands events off to a
// per-client buffered channel so a slow client cannot stall the
// orchestrator.
type Sink interface {
	ProgressUpdate(batchID string, snapshot progress.Snapshot)
	StatusChange(batchID string, status string, message string)
	SegmentCompleted(batchID string, index int, result string)
	BatchCompleted(batchID string, view interface{})
	Error(batchID string, message string)
	CancellationRequested(batchID string, graceful bool)
	PartialResultSaved(batchID string, partialID string)
	RecoveryCompleted(batchID string, success bool, durationMs int64)
	UIReset(batchID string)
	ProgressReset(batchID string)
	UIRecoveryCompleted(batchID string)
}

// Event is the wire/log representation of one notification.
type Event struct {
	Type      string      `json:"type"`
	BatchID   string      `json:"batchId"`
	Data      interface{} `json:"data,omitempty"`
	Terminal  bool        `json:"-"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	EventProgressUpdate        = "ProgressUpdate"
	EventStatusChange          = "StatusChange"
	EventSegmentCompleted      = "SegmentCompleted"
	EventBatchCompleted        = "BatchCompleted"
	EventError                 = "Error"
	EventCancellationRequested = "CancellationRequested"
	EventPartialResultSaved    = "PartialResultSaved"
	EventRecoveryCompleted     = "RecoveryCompleted"
	EventUIReset               = "UIReset"
	EventProgressReset         = "ProgressReset"
	EventUIRecoveryCompleted   = "UIRecoveryCompleted"
)

// Dispatcher fans one ordered stream of events per batch out to a
// set of registered Sinks, applying a short dedupe window to
// ProgressUpdate events so a burst of updates for the same batch
// doesn't flood slow observers, while always letting terminal events
// through.
type Dispatcher struct {
	mu          sync.Mutex
	sinks       []Sink
	clock       clock.Clock
	dedupWindow time.Duration
	lastSent    map[string]time.Time // batchID -> last non-terminal ProgressUpdate time
}

// NewDispatcher builds a Dispatcher. dedupWindow of 0 disables
// deduplication entirely.
func NewDispatcher(c clock.Clock, dedupWindow time.Duration) *Dispatcher {
	return &Dispatcher{
		clock:       c,
		dedupWindow: dedupWindow,
		lastSent:    make(map[string]time.Time),
	}
}

// Register adds a Sink to receive all subsequent events.
func (d *Dispatcher) Register(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

func (d *Dispatcher) each(fn func(Sink)) {
	d.mu.Lock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.Unlock()
	for _, s := range sinks {
		fn(s)
	}
}

// ProgressUpdate forwards a progress snapshot, suppressing it if one
// was already sent for this batch within the dedupe window — unless
// the batch has reached a terminal overall progress of 100, which is
// always delivered.
func (d *Dispatcher) ProgressUpdate(batchID string, snapshot progress.Snapshot) {
	terminal := snapshot.OverallProgress >= 100
	if !terminal && d.dedupWindow > 0 {
		d.mu.Lock()
		last, ok := d.lastSent[batchID]
		now := d.clock.Now()
		if ok && now.Sub(last) < d.dedupWindow {
			d.mu.Unlock()
			return
		}
		d.lastSent[batchID] = now
		d.mu.Unlock()
	}
	d.each(func(s Sink) { s.ProgressUpdate(batchID, snapshot) })
}

func (d *Dispatcher) StatusChange(batchID, status, message string) {
	d.each(func(s Sink) { s.StatusChange(batchID, status, message) })
}

// SegmentCompleted always bypasses the dedupe window: the ordering
// guarantee requires it to reach every sink before any subsequent
// ProgressUpdate for the same segment.
func (d *Dispatcher) SegmentCompleted(batchID string, index int, result string) {
	d.each(func(s Sink) { s.SegmentCompleted(batchID, index, result) })
}

func (d *Dispatcher) BatchCompleted(batchID string, view interface{}) {
	d.each(func(s Sink) { s.BatchCompleted(batchID, view) })
}

func (d *Dispatcher) Error(batchID, message string) {
	d.each(func(s Sink) { s.Error(batchID, message) })
}

func (d *Dispatcher) CancellationRequested(batchID string, graceful bool) {
	d.each(func(s Sink) { s.CancellationRequested(batchID, graceful) })
}

func (d *Dispatcher) PartialResultSaved(batchID, partialID string) {
	d.each(func(s Sink) { s.PartialResultSaved(batchID, partialID) })
}

func (d *Dispatcher) RecoveryCompleted(batchID string, success bool, durationMs int64) {
	d.each(func(s Sink) { s.RecoveryCompleted(batchID, success, durationMs) })
}

func (d *Dispatcher) UIReset(batchID string) {
	d.mu.Lock()
	delete(d.lastSent, batchID)
	d.mu.Unlock()
	d.each(func(s Sink) { s.UIReset(batchID) })
}

func (d *Dispatcher) ProgressReset(batchID string) {
	d.each(func(s Sink) { s.ProgressReset(batchID) })
}

func (d *Dispatcher) UIRecoveryCompleted(batchID string) {
	d.each(func(s Sink) { s.UIRecoveryCompleted(batchID) })
}
