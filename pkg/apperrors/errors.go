// Package apperrors implements the error taxonomy shared across the
// orchestrator: an *Error carries a Kind so callers can branch on it
// without string-matching messages. Not every error returned by the
// other packages is an *Error; some pass a collaborator's error
// through unwrapped.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind is the top-level error category.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNetwork       Kind = "network"
	KindTimeout       Kind = "timeout"
	KindService       Kind = "service"
	KindProcessing    Kind = "processing"
	KindStorage       Kind = "storage"
	KindSystem        Kind = "system"
	KindConfiguration Kind = "configuration"
)

// Severity ranks how serious an error is for alerting/logging purposes.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)

// Error is the structured error type returned across package boundaries.
type Error struct {
	Kind      Kind
	Severity  Severity
	Code      string
	Message   string // user-facing
	DevDetail string // developer-facing, never shown to end users
	BatchID   string
	Owner     string
	Occurred  time.Time
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, sanitize(e.Cause.Error()))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// sanitize cuts diagnostic text at the first "/home/" or "/root/" and
// replaces the rest with "[path]". Absolute paths under any other
// directory are left in place.
func sanitize(s string) string {
	if idx := strings.Index(s, "/home/"); idx >= 0 {
		s = s[:idx] + "[path]"
	}
	if idx := strings.Index(s, "/root/"); idx >= 0 {
		s = s[:idx] + "[path]"
	}
	return s
}

// New constructs an Error with the occurrence time set to now.
func New(kind Kind, severity Severity, message string, cause error) *Error {
	return &Error{
		Kind:     kind,
		Severity: severity,
		Message:  message,
		Cause:    cause,
		Occurred: time.Now(),
	}
}

func (e *Error) WithBatch(batchID string) *Error {
	e.BatchID = batchID
	return e
}

func (e *Error) WithOwner(owner string) *Error {
	e.Owner = owner
	return e
}

func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// Invalid builds a Validation-kind error, never retried.
func Invalid(message string) *Error {
	return New(KindValidation, SeverityWarning, message, nil)
}

// Is reports whether err (or one it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// TransportClass is the category ClassifyTransport assigns to a raw
// error from an external collaborator (the summarizer HTTP client, the
// partial-result repository), used to decide retry-ability.
type TransportClass string

const (
	ClassTimeout            TransportClass = "timeout"
	ClassServiceUnavailable TransportClass = "service_unavailable"
	ClassConnection         TransportClass = "connection"
	ClassTransport          TransportClass = "transport"
	ClassResponseParsing    TransportClass = "response_parsing"
)

// Retryable reports whether the worker retry loop should retry a call
// that failed with this class.
func (c TransportClass) Retryable() bool {
	switch c {
	case ClassTimeout, ClassConnection:
		return true
	default:
		return false
	}
}

// ClassifyTransport inspects a raw error returned by an outbound HTTP
// call and assigns it a TransportClass.
func ClassifyTransport(err error) TransportClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassConnection
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline"):
		return ClassTimeout
	case strings.Contains(s, "connection") || strings.Contains(s, "dial") ||
		strings.Contains(s, "refused") || strings.Contains(s, "reset by peer"):
		return ClassConnection
	case strings.Contains(s, "503") || strings.Contains(s, "unavailable") ||
		strings.Contains(s, "overloaded"):
		return ClassServiceUnavailable
	case strings.Contains(s, "json") || strings.Contains(s, "decode") ||
		strings.Contains(s, "unmarshal") || strings.Contains(s, "malformed"):
		return ClassResponseParsing
	default:
		return ClassTransport
	}
}

// Aggregator collects multiple errors from independent operations
// (e.g. per-segment task failures) and reports a single representative
// error without losing the rest.
type Aggregator struct {
	operation string
	errs      []error
}

func NewAggregator(operation string) *Aggregator {
	return &Aggregator{operation: operation}
}

func (a *Aggregator) Add(err error) {
	if err != nil {
		a.errs = append(a.errs, err)
	}
}

func (a *Aggregator) HasErrors() bool { return len(a.errs) > 0 }

func (a *Aggregator) All() []error { return a.errs }

func (a *Aggregator) Combined() error {
	switch len(a.errs) {
	case 0:
		return nil
	case 1:
		return a.errs[0]
	default:
		msgs := make([]string, len(a.errs))
		for i, e := range a.errs {
			msgs[i] = e.Error()
		}
		return New(KindProcessing, SeverityError,
			fmt.Sprintf("%s: %d errors: %s", a.operation, len(a.errs), strings.Join(msgs, "; ")), a.errs[0])
	}
}
