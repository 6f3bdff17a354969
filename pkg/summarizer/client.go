// Package summarizer adapts an external LLM summarization endpoint
// into the narrow interface the batch orchestrator depends on:
// summarize one segment of text, and report whether the endpoint is
// currently healthy enough to keep sending it work.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/batchsum/engine/pkg/apperrors"
	"github.com/batchsum/engine/pkg/clock"
)

// Client is the contract the batch orchestrator's worker loop depends
// on for turning segment text into a summary.
type Client interface {
	// Summarize produces a summary of text, honoring ctx cancellation.
	Summarize(ctx context.Context, text string) (string, error)
	// Healthy reports whether the client believes the endpoint is
	// currently able to serve requests.
	Healthy(ctx context.Context) bool
}

// Config configures an HTTPClient.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures after
	// which Healthy starts reporting false until RecoveryTimeout
	// elapses.
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HTTPClient       *http.Client
	Clock            clock.Clock
}

// DefaultConfig returns sane defaults for a production endpoint.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:          baseURL,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HTTPClient:       &http.Client{},
		Clock:            clock.NewReal(),
	}
}

type summarizeRequest struct {
	Text string `json:"text"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

// HTTPClient implements Client against a JSON HTTP endpoint, gating
// requests through a small inline circuit breaker so a degraded
// summarizer doesn't receive a retry storm.
type HTTPClient struct {
	cfg   Config
	state *breakerState
}

// NewHTTPClient constructs an HTTPClient from cfg, filling in any
// zero-valued fields from DefaultConfig.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:   cfg,
		state: newBreakerState(cfg.Clock),
	}
}

// Summarize sends text to the configured endpoint and returns the
// resulting summary, classifying any transport failure so the
// orchestrator's retry loop can decide whether to retry.
func (c *HTTPClient) Summarize(ctx context.Context, text string) (string, error) {
	if !c.state.allow(c.cfg.FailureThreshold, c.cfg.RecoveryTimeout) {
		return "", apperrors.New(apperrors.KindService, apperrors.SeverityError,
			"summarizer endpoint is currently unavailable", nil).WithCode("circuit_open")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(summarizeRequest{Text: text})
	if err != nil {
		return "", apperrors.New(apperrors.KindProcessing, apperrors.SeverityError, "encode summarize request", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+"/summarize", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.New(apperrors.KindSystem, apperrors.SeverityError, "build summarize request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.state.recordFailure(c.cfg.FailureThreshold)
		class := apperrors.ClassifyTransport(err)
		return "", c.transportError(class, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.state.recordFailure(c.cfg.FailureThreshold)
		return "", c.transportError(apperrors.ClassResponseParsing, err)
	}

	if resp.StatusCode >= 500 {
		c.state.recordFailure(c.cfg.FailureThreshold)
		return "", c.transportError(apperrors.ClassServiceUnavailable, fmt.Errorf("summarizer returned %d: %s", resp.StatusCode, payload))
	}
	if resp.StatusCode >= 400 {
		return "", apperrors.New(apperrors.KindValidation, apperrors.SeverityWarning,
			fmt.Sprintf("summarizer rejected request: %d", resp.StatusCode), fmt.Errorf("%s", payload))
	}

	var out summarizeResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		c.state.recordFailure(c.cfg.FailureThreshold)
		return "", c.transportError(apperrors.ClassResponseParsing, err)
	}

	c.state.recordSuccess()
	return out.Summary, nil
}

func (c *HTTPClient) transportError(class apperrors.TransportClass, cause error) error {
	kind := apperrors.KindNetwork
	if class == apperrors.ClassTimeout {
		kind = apperrors.KindTimeout
	}
	return apperrors.New(kind, apperrors.SeverityError, "summarizer call failed", cause).WithCode(string(class))
}

// Healthy reports whether the circuit is currently closed or
// half-open (i.e. requests are being allowed through).
func (c *HTTPClient) Healthy(ctx context.Context) bool {
	return c.state.allow(c.cfg.FailureThreshold, c.cfg.RecoveryTimeout)
}
