package apperrors

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestErrorWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New(KindNetwork, SeverityError, "could not reach summarizer", cause).
		WithBatch("batch-1").WithOwner("alice")

	if !Is(err, KindNetwork) {
		t.Fatalf("expected Is(err, KindNetwork) to be true")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if err.BatchID != "batch-1" || err.Owner != "alice" {
		t.Fatalf("expected batch/owner to be attached, got %+v", err)
	}
}

func TestSanitizeStripsAbsolutePaths(t *testing.T) {
	err := New(KindSystem, SeverityError, "write failed", errors.New("open /root/module/data/x: permission denied"))
	msg := err.Error()
	if strings.Contains(msg, "/root/module") {
		t.Fatalf("expected absolute path to be stripped, got %q", msg)
	}
}

func TestClassifyTransport(t *testing.T) {
	cases := []struct {
		err  error
		want TransportClass
	}{
		{context.DeadlineExceeded, ClassTimeout},
		{errors.New("dial tcp 127.0.0.1:9: connection refused"), ClassConnection},
		{errors.New("503 service unavailable"), ClassServiceUnavailable},
		{errors.New("invalid character decoding json response"), ClassResponseParsing},
		{errors.New("something else entirely"), ClassTransport},
	}
	for _, c := range cases {
		got := ClassifyTransport(c.err)
		if got != c.want {
			t.Errorf("ClassifyTransport(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestTransportClassRetryable(t *testing.T) {
	if !ClassTimeout.Retryable() {
		t.Errorf("timeout should be retryable")
	}
	if !ClassConnection.Retryable() {
		t.Errorf("connection should be retryable")
	}
	if ClassResponseParsing.Retryable() {
		t.Errorf("response parsing should not be retryable")
	}
	if ClassServiceUnavailable.Retryable() {
		t.Errorf("service unavailable should not be retryable by this classifier")
	}
}

func TestAggregatorCombined(t *testing.T) {
	agg := NewAggregator("segment summarization")
	if agg.HasErrors() {
		t.Fatalf("expected no errors yet")
	}
	agg.Add(nil)
	agg.Add(errors.New("segment 1 failed"))
	agg.Add(errors.New("segment 3 failed"))

	if !agg.HasErrors() {
		t.Fatalf("expected errors after Add")
	}
	if len(agg.All()) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(agg.All()))
	}
	combined := agg.Combined()
	if combined == nil {
		t.Fatalf("expected non-nil combined error")
	}
}
