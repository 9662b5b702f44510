// Package scheduler dispatches adapter runs under a bounded
// concurrency limit, retrying transient failures with exponential
// backoff and honoring cooperative cancellation.
package scheduler

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
	"github.com/sentryscan/sentryscan/pkg/telemetry"
)

// Config bounds the scheduler's concurrency and retry behavior.
type Config struct {
	MaxParallel    int
	PerTaskTimeout time.Duration
	MaxRetries     int
	BaseBackoff    time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration
	RetryableExit  []int
}

// SetDefaults fills in zero-valued fields with the scheduler's defaults.
func (c *Config) SetDefaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.PerTaskTimeout <= 0 {
		c.PerTaskTimeout = 5 * time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Task is one unit of scheduled work: run one adapter against one
// scan request.
type Task struct {
	ID      string
	Adapter adapter.Adapter
	Request *scanrequest.Request
	ExecCtx *adapter.ExecutionContext
	// Observer, if set, is notified of every Run stage transition
	// across every attempt.
	Observer adapter.StageObserver
}

// Result is one Task's outcome, including how many attempts it took.
type Result struct {
	TaskID   string
	Result   *adapter.RunResult
	Err      error
	Attempts int
}

// Scheduler runs a batch of tasks with a shared concurrency cap.
type Scheduler struct {
	cfg     Config
	sem     *semaphore.Weighted
	metrics *telemetry.Metrics

	inFlightMu sync.Mutex
	inFlight   int
}

// New builds a Scheduler from cfg, applying defaults to unset fields.
// metrics may be nil, in which case every recording call is a no-op.
func New(cfg Config, metrics *telemetry.Metrics) *Scheduler {
	cfg.SetDefaults()
	return &Scheduler{cfg: cfg, sem: semaphore.NewWeighted(int64(cfg.MaxParallel)), metrics: metrics}
}

func (s *Scheduler) adjustInFlight(delta int) {
	s.inFlightMu.Lock()
	s.inFlight += delta
	n := s.inFlight
	s.inFlightMu.Unlock()
	s.metrics.SetSchedulerInFlight("tools", n)
}

// Run dispatches every task, blocking until all have completed or ctx
// is canceled, and returns one Result per task in the order the tasks
// finished (not the order submitted).
func (s *Scheduler) Run(ctx context.Context, tasks []Task) []Result {
	results := make(chan Result, len(tasks))

	for _, t := range tasks {
		t := t
		go func() {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				results <- Result{TaskID: t.ID, Err: &adapter.CanceledError{}}
				return
			}
			defer s.sem.Release(1)
			s.adjustInFlight(1)
			defer s.adjustInFlight(-1)
			results <- s.runWithRetry(ctx, t)
		}()
	}

	out := make([]Result, 0, len(tasks))
	for range tasks {
		out = append(out, <-results)
	}
	return out
}

func (s *Scheduler) runWithRetry(ctx context.Context, t Task) Result {
	var lastErr error
	var lastRunResult *adapter.RunResult
	attempts := 0

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return Result{TaskID: t.ID, Err: &adapter.CanceledError{}, Attempts: attempt}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.PerTaskTimeout)
		started := time.Now()
		runResult, err := adapter.Run(attemptCtx, t.Adapter, t.Request, t.ExecCtx, t.Observer)
		cancel()
		attempts = attempt + 1

		toolID := t.Adapter.Describe().ToolID
		if err == nil {
			s.metrics.RecordToolCall(toolID, "success", time.Since(started))
			return Result{TaskID: t.ID, Result: runResult, Attempts: attempt + 1}
		}
		s.metrics.RecordToolCall(toolID, "error", time.Since(started))

		lastErr = err
		lastRunResult = runResult

		if attempt == s.cfg.MaxRetries || !adapter.Retryable(err, s.cfg.RetryableExit) {
			break
		}
		s.metrics.RecordToolRetry(toolID)

		if !s.sleepBackoff(ctx, attempt) {
			return Result{TaskID: t.ID, Err: &adapter.CanceledError{}, Attempts: attempt + 1}
		}
	}

	return Result{TaskID: t.ID, Result: lastRunResult, Err: lastErr, Attempts: attempts}
}

// sleepBackoff waits out one exponential-backoff interval with full
// jitter, returning false if ctx is canceled first.
func (s *Scheduler) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := time.Duration(float64(s.cfg.BaseBackoff) * math.Pow(s.cfg.BackoffFactor, float64(attempt)))
	if delay > s.cfg.MaxBackoff {
		delay = s.cfg.MaxBackoff
	}
	jittered := time.Duration(rand.Int63n(int64(delay) + 1))

	timer := time.NewTimer(jittered)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
