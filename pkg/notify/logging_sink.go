package notify

import (
	"github.com/batchsum/engine/pkg/infrastructure/logging"
	"github.com/batchsum/engine/pkg/progress"
)

// LoggingSink records every event through the structured logger, at
// Info for routine lifecycle events and Warn/Error for failures and
// cancellations.
type LoggingSink struct {
	log *logging.Logger
}

// NewLoggingSink builds a LoggingSink writing through log.
func NewLoggingSink(log *logging.Logger) *LoggingSink {
	return &LoggingSink{log: log}
}

func (s *LoggingSink) ProgressUpdate(batchID string, snapshot progress.Snapshot) {
	s.log.WithBatch(batchID).WithFields(map[string]interface{}{
		"stage_progress":   snapshot.StageProgress,
		"overall_progress": snapshot.OverallProgress,
	}).Info("progress update")
}

func (s *LoggingSink) StatusChange(batchID, status, message string) {
	s.log.WithBatch(batchID).WithFields(map[string]interface{}{
		"status":  status,
		"message": message,
	}).Info("status change")
}

func (s *LoggingSink) SegmentCompleted(batchID string, index int, result string) {
	s.log.WithBatch(batchID).WithFields(map[string]interface{}{
		"index":        index,
		"result_chars": len(result),
	}).Info("segment completed")
}

func (s *LoggingSink) BatchCompleted(batchID string, view interface{}) {
	s.log.WithBatch(batchID).WithField("view", view).Info("batch completed")
}

func (s *LoggingSink) Error(batchID, message string) {
	s.log.WithBatch(batchID).WithField("message", message).Error("batch error")
}

func (s *LoggingSink) CancellationRequested(batchID string, graceful bool) {
	s.log.WithBatch(batchID).WithField("graceful", graceful).Warn("cancellation requested")
}

func (s *LoggingSink) PartialResultSaved(batchID, partialID string) {
	s.log.WithBatch(batchID).WithField("partial_id", partialID).Info("partial result saved")
}

func (s *LoggingSink) RecoveryCompleted(batchID string, success bool, durationMs int64) {
	s.log.WithBatch(batchID).WithFields(map[string]interface{}{
		"success":     success,
		"duration_ms": durationMs,
	}).Info("recovery completed")
}

func (s *LoggingSink) UIReset(batchID string) {
	s.log.WithBatch(batchID).Info("ui reset")
}

func (s *LoggingSink) ProgressReset(batchID string) {
	s.log.WithBatch(batchID).Info("progress reset")
}

func (s *LoggingSink) UIRecoveryCompleted(batchID string) {
	s.log.WithBatch(batchID).Info("ui recovery completed")
}
