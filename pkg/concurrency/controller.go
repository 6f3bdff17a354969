// Package concurrency implements the adaptive outbound-summarizer
// permit pool: a semaphore bounded by a configurable maximum whose
// target width grows or shrinks based on observed latency and
// success rate.
package concurrency

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/batchsum/engine/pkg/clock"
)

// Config bounds the controller and configures its adjustment policy.
type Config struct {
	Initial int
	Max     int

	// WindowSize is the number of recent outcomes kept for the
	// adjustment decision.
	WindowSize int

	// IncreaseMinSamples is the minimum sample count before the
	// adjustment loop will consider growing current.
	IncreaseMinSamples      int
	IncreaseMaxAvgLatencyMs int64
	IncreaseMinSuccessRate  float64

	DecreaseMaxAvgLatencyMs int64
	DecreaseMinSuccessRate  float64
}

// DefaultConfig starts narrow and allows growth to 8 permits.
func DefaultConfig() Config {
	return Config{
		Initial:                 2,
		Max:                     8,
		WindowSize:              100,
		IncreaseMinSamples:      10,
		IncreaseMaxAvgLatencyMs: 3000,
		IncreaseMinSuccessRate:  0.95,
		DecreaseMaxAvgLatencyMs: 10000,
		DecreaseMinSuccessRate:  0.85,
	}
}

// Permit represents one acquired unit of outbound concurrency. It
// must be released exactly once, on every exit path including
// cancellation.
type Permit struct {
	c        *Controller
	released bool
}

// Release returns the permit to the pool.
func (p *Permit) Release() {
	p.c.mu.Lock()
	if p.released {
		p.c.mu.Unlock()
		return
	}
	p.released = true
	p.c.active--
	p.c.sem.Release(1)
	p.c.cond.Broadcast()
	p.c.mu.Unlock()
}

// Controller gates outbound summarizer calls through a semaphore
// whose width is re-tuned periodically by an adjustment loop driven
// by an injectable clock.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond
	cfg  Config
	sem  *semaphore.Weighted

	current int
	active  int

	outcomes []outcome
}

type outcome struct {
	latencyMs int64
	success   bool
}

// New constructs a Controller. The semaphore is sized to cfg.Max;
// current tracks the *target* width, which may be below Max — a
// decrease simply stops admitting new work up to the target rather
// than revoking outstanding permits.
func New(cfg Config) *Controller {
	if cfg.Initial < 1 {
		cfg.Initial = 1
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	c := &Controller{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Max)),
		current: cfg.Initial,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire blocks until a permit is available under the current
// target width, honoring ctx cancellation. A goroutine watches ctx
// and wakes the waiter if it is cancelled while parked on the
// condition variable.
func (c *Controller) Acquire(ctx context.Context) (*Permit, error) {
	c.mu.Lock()
	for c.active >= c.current {
		if ctx.Err() != nil {
			c.mu.Unlock()
			return nil, ctx.Err()
		}
		waitDone := make(chan struct{})
		stop := c.watchCancel(ctx, waitDone)
		c.cond.Wait()
		close(waitDone)
		stop()
		if ctx.Err() != nil && c.active >= c.current {
			c.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	c.active++
	c.mu.Unlock()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.mu.Lock()
		c.active--
		c.cond.Broadcast()
		c.mu.Unlock()
		return nil, err
	}
	return &Permit{c: c}, nil
}

// watchCancel spawns a goroutine that broadcasts on the controller's
// condition variable if ctx is cancelled before waitDone is closed,
// so a blocked Acquire wakes up promptly rather than waiting for an
// unrelated Release or Adjust.
func (c *Controller) watchCancel(ctx context.Context, waitDone chan struct{}) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-waitDone:
		}
		close(done)
	}()
	return func() { <-done }
}

// RecordOutcome appends a latency/success sample to the bounded
// rolling window used by the adjustment loop.
func (c *Controller) RecordOutcome(latencyMs int64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome{latencyMs: latencyMs, success: success})
	if len(c.outcomes) > c.cfg.WindowSize {
		c.outcomes = c.outcomes[len(c.outcomes)-c.cfg.WindowSize:]
	}
}

// Adjust evaluates the current window and grows or shrinks current
// within [1, Max]. It is intended to be invoked from a periodic loop
// driven by a clock.Ticker.
func (c *Controller) Adjust() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.outcomes) == 0 {
		return
	}

	avgLatency, successRate := summarize(c.outcomes)
	samples := len(c.outcomes)

	switch {
	case samples >= c.cfg.IncreaseMinSamples &&
		avgLatency < c.cfg.IncreaseMaxAvgLatencyMs &&
		successRate >= c.cfg.IncreaseMinSuccessRate &&
		c.current < c.cfg.Max:
		c.current++
		c.cond.Broadcast()
	case c.current > 1 &&
		(avgLatency > c.cfg.DecreaseMaxAvgLatencyMs || successRate < c.cfg.DecreaseMinSuccessRate):
		c.current--
	}
}

func summarize(outcomes []outcome) (avgLatencyMs int64, successRate float64) {
	var totalLatency int64
	var successes int
	for _, o := range outcomes {
		totalLatency += o.latencyMs
		if o.success {
			successes++
		}
	}
	avgLatencyMs = totalLatency / int64(len(outcomes))
	successRate = float64(successes) / float64(len(outcomes))
	return avgLatencyMs, successRate
}

// Stats is a snapshot of the controller's current tuning and load.
type Stats struct {
	Current      int
	Max          int
	Active       int
	AvgLatencyMs int64
	SuccessRate  float64
	SampleCount  int
}

// Stats returns a point-in-time view of the controller.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	avg, rate := int64(0), 0.0
	if len(c.outcomes) > 0 {
		avg, rate = summarize(c.outcomes)
	}
	return Stats{
		Current:      c.current,
		Max:          c.cfg.Max,
		Active:       c.active,
		AvgLatencyMs: avg,
		SuccessRate:  rate,
		SampleCount:  len(c.outcomes),
	}
}

// RunAdjustmentLoop drives Adjust() off tk until ctx is cancelled or
// tk is stopped from outside. Callers typically build tk from an
// injected clock.Clock so tests can fire ticks deterministically.
func (c *Controller) RunAdjustmentLoop(ctx context.Context, tk clock.Ticker) {
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C():
			c.Adjust()
		}
	}
}
