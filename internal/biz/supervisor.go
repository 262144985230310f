package biz

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"Atelier/internal/conf"
	pkgerrors "Atelier/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// maxRetryJitter is the upper bound of the random jitter added to each
// backoff delay to avoid synchronized retry storms across callers.
const maxRetryJitter = 500 * time.Millisecond

// Operation is one asynchronous unit of work executed under supervision.
// Implementations should honor ctx cancellation: the supervisor propagates
// its per-attempt timeout through ctx, and an operation that ignores it keeps
// running with its eventual result discarded.
type Operation func(ctx context.Context) (interface{}, error)

// ExecStatus is the lifecycle status of a supervised execution.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecRetrying  ExecStatus = "retrying"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
)

// JobExecution tracks one supervised execution. It is mutated only by the
// executing call and becomes immutable once completed or failed.
type JobExecution struct {
	ID          string
	Status      ExecStatus
	RetryCount  int
	StartedAt   time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
	Result      interface{}
	Err         error
}

// SupervisorMetrics aggregates counters across all supervised executions.
type SupervisorMetrics struct {
	TotalJobs      int64
	CompletedJobs  int64
	FailedJobs     int64
	RetriedJobs    int64
	ActiveJobs     int64
	AverageRetries float64
}

// SupervisorConfig holds retry, backoff and timeout parameters. In a per-call
// override, zero-value numeric fields fall back to the supervisor defaults;
// UseCircuitBreaker is taken from the override as-is.
type SupervisorConfig struct {
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	Timeout           time.Duration
	UseCircuitBreaker bool
	// Dependency names the circuit breaker guarding the operation.
	Dependency string
}

// DefaultDependency is the breaker used when an override names none.
const DefaultDependency = "comfyui"

// JobSupervisor wraps operation invocations with bounded retry, exponential
// backoff with jitter, timeout enforcement and an optional per-dependency
// circuit breaker. Execute never panics: operation panics are recovered into
// errors and all outcomes are returned as values.
type JobSupervisor struct {
	cfg        SupervisorConfig
	breakerCfg BreakerConfig
	baseLogger log.Logger
	logger     *log.Helper

	mu       sync.Mutex
	jobs     map[string]*JobExecution
	inflight map[string]struct{}
	breakers map[string]*CircuitBreaker

	totalJobs     int64
	completedJobs int64
	failedJobs    int64
	retriedJobs   int64
	activeJobs    int64
	totalRetries  int64

	// jitter is swapped in tests to keep backoff deterministic.
	jitter func() time.Duration
}

// NewJobSupervisor creates a supervisor with the given defaults.
func NewJobSupervisor(cfg SupervisorConfig, breakerCfg BreakerConfig, logger log.Logger) (*JobSupervisor, error) {
	if cfg.BackoffMultiplier < 1 {
		return nil, fmt.Errorf("backoff multiplier must be >= 1, got %f", cfg.BackoffMultiplier)
	}
	if cfg.UseCircuitBreaker {
		if err := breakerCfg.validate(); err != nil {
			return nil, err
		}
	}

	return &JobSupervisor{
		cfg:        cfg,
		breakerCfg: breakerCfg,
		baseLogger: logger,
		logger:     log.NewHelper(logger),
		jobs:       make(map[string]*JobExecution),
		inflight:   make(map[string]struct{}),
		breakers:   make(map[string]*CircuitBreaker),
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxRetryJitter)))
		},
	}, nil
}

// NewJobSupervisorFromConf adapts bootstrap configuration into a supervisor.
func NewJobSupervisorFromConf(c *conf.Supervisor, b *conf.Breaker, logger log.Logger) (*JobSupervisor, error) {
	cfg := SupervisorConfig{
		MaxRetries:        int(c.MaxRetries),
		InitialRetryDelay: c.InitialRetryDelay.AsDuration(),
		MaxRetryDelay:     c.MaxRetryDelay.AsDuration(),
		BackoffMultiplier: c.BackoffMultiplier,
		Timeout:           c.Timeout.AsDuration(),
		UseCircuitBreaker: c.UseCircuitBreaker,
		Dependency:        DefaultDependency,
	}
	breakerCfg := BreakerConfig{
		FailureThreshold: int(b.FailureThreshold),
		ResetTimeout:     b.ResetTimeout.AsDuration(),
		SuccessThreshold: int(b.SuccessThreshold),
		FailureWindow:    b.FailureWindow.AsDuration(),
	}
	return NewJobSupervisor(cfg, breakerCfg, logger)
}

// ErrJobAlreadyRunning is returned when Execute is called for a job id that
// is still in flight. Without this guard two concurrent calls would silently
// overwrite each other's tracked state.
var ErrJobAlreadyRunning = pkgerrors.NewJobError(pkgerrors.KindInvalidInput,
	"invalid input: job is already running")

// Execute runs op under supervision. The returned error is nil on success;
// on failure it is the last attempt's error, classified so callers can switch
// on its kind. override may be nil to use the supervisor defaults.
func (s *JobSupervisor) Execute(ctx context.Context, jobID string, op Operation, override *SupervisorConfig) (interface{}, error) {
	cfg := s.effectiveConfig(override)

	if err := s.markInflight(jobID); err != nil {
		return nil, err
	}
	defer s.clearInflight(jobID)

	exec := &JobExecution{
		ID:        jobID,
		Status:    ExecRunning,
		StartedAt: time.Now(),
	}
	s.mu.Lock()
	s.jobs[jobID] = exec
	s.totalJobs++
	s.activeJobs++
	s.mu.Unlock()

	result, err := s.executeWithRetry(ctx, jobID, op, cfg)

	s.finish(exec, result, err)
	return result, err
}

func (s *JobSupervisor) executeWithRetry(ctx context.Context, jobID string, op Operation, cfg SupervisorConfig) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.backoffDelay(cfg, attempt)
			s.noteRetry(jobID, attempt, delay)
			s.logger.Infow("msg", "retrying job",
				"job_id", jobID,
				"attempt", attempt,
				"delay", delay.String())

			select {
			case <-ctx.Done():
				return nil, pkgerrors.WithKind(pkgerrors.KindTransient, ctx.Err())
			case <-time.After(delay):
			}
		}

		var (
			result interface{}
			err    error
		)
		if cfg.UseCircuitBreaker {
			breaker := s.Breaker(cfg.Dependency)
			result, err = breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
				return s.attempt(ctx, op, cfg.Timeout)
			})
		} else {
			result, err = s.attempt(ctx, op, cfg.Timeout)
		}

		if err == nil {
			return result, nil
		}
		lastErr = err

		kind := pkgerrors.ClassifyJobError(err)
		if !kind.Retryable() {
			s.logger.Warnw("msg", "job failed with non-retryable error",
				"job_id", jobID,
				"kind", kind.String(),
				"error", err.Error())
			break
		}

		s.logger.Warnw("msg", "job attempt failed",
			"job_id", jobID,
			"attempt", attempt,
			"kind", kind.String(),
			"error", err.Error())
	}

	return nil, lastErr
}

// attempt invokes op once under a deadline. The deadline is propagated into
// op through ctx; a cooperative operation stops real work when it fires. An
// operation that ignores ctx keeps running, and its late result is discarded
// here once the timeout has already resolved the attempt.
func (s *JobSupervisor) attempt(ctx context.Context, op Operation, timeout time.Duration) (interface{}, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		result, err := op(attemptCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not an attempt timeout.
			return nil, pkgerrors.WithKind(pkgerrors.KindTransient, ctx.Err())
		}
		return nil, pkgerrors.NewJobError(pkgerrors.KindTimeout,
			"job timed out after %s", timeout)
	}
}

// IsJobTimeout reports whether err is a supervisor timeout.
func IsJobTimeout(err error) bool {
	return pkgerrors.ClassifyJobError(err) == pkgerrors.KindTimeout
}

// backoffDelay computes the exponential backoff for the given attempt (>= 1),
// capped at MaxRetryDelay, plus jitter.
func (s *JobSupervisor) backoffDelay(cfg SupervisorConfig, attempt int) time.Duration {
	base := float64(cfg.InitialRetryDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	capped := time.Duration(base)
	if cfg.MaxRetryDelay > 0 && capped > cfg.MaxRetryDelay {
		capped = cfg.MaxRetryDelay
	}
	return capped + s.jitter()
}

func (s *JobSupervisor) effectiveConfig(override *SupervisorConfig) SupervisorConfig {
	cfg := s.cfg
	if cfg.Dependency == "" {
		cfg.Dependency = DefaultDependency
	}
	if override == nil {
		return cfg
	}
	if override.MaxRetries > 0 {
		cfg.MaxRetries = override.MaxRetries
	}
	if override.InitialRetryDelay > 0 {
		cfg.InitialRetryDelay = override.InitialRetryDelay
	}
	if override.MaxRetryDelay > 0 {
		cfg.MaxRetryDelay = override.MaxRetryDelay
	}
	if override.BackoffMultiplier >= 1 {
		cfg.BackoffMultiplier = override.BackoffMultiplier
	}
	if override.Timeout > 0 {
		cfg.Timeout = override.Timeout
	}
	if override.Dependency != "" {
		cfg.Dependency = override.Dependency
	}
	cfg.UseCircuitBreaker = override.UseCircuitBreaker
	return cfg
}

func (s *JobSupervisor) markInflight(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.inflight[jobID]; running {
		return fmt.Errorf("job %s: %w", jobID, ErrJobAlreadyRunning)
	}
	s.inflight[jobID] = struct{}{}
	return nil
}

func (s *JobSupervisor) clearInflight(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, jobID)
}

func (s *JobSupervisor) noteRetry(jobID string, attempt int, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec, ok := s.jobs[jobID]; ok {
		exec.Status = ExecRetrying
		exec.RetryCount = attempt
		next := time.Now().Add(delay)
		exec.NextRetryAt = &next
	}
	if attempt == 1 {
		s.retriedJobs++
	}
	s.totalRetries++
}

func (s *JobSupervisor) finish(exec *JobExecution, result interface{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	exec.CompletedAt = &now
	exec.NextRetryAt = nil
	if err != nil {
		exec.Status = ExecFailed
		exec.Err = err
		s.failedJobs++
	} else {
		exec.Status = ExecCompleted
		exec.Result = result
		s.completedJobs++
	}
	s.activeJobs--
}

// Breaker returns the circuit breaker for the named dependency, creating it
// on first use. Breakers live for the process lifetime.
func (s *JobSupervisor) Breaker(dependency string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[dependency]; ok {
		return b
	}
	b, err := NewCircuitBreaker(dependency, s.breakerCfg, s.baseLogger)
	if err != nil {
		// Config was validated at construction; this only happens when the
		// breaker is disabled and unconfigured. Fall back to a permissive one.
		b, _ = NewCircuitBreaker(dependency, BreakerConfig{
			FailureThreshold: 1 << 30,
			ResetTimeout:     time.Second,
			SuccessThreshold: 1,
			FailureWindow:    time.Second,
		}, s.baseLogger)
	}
	s.breakers[dependency] = b
	return b
}

// BreakerStats returns snapshots of every breaker created so far.
func (s *JobSupervisor) BreakerStats() []BreakerStats {
	s.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	out := make([]BreakerStats, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Stats())
	}
	return out
}

// JobState returns the tracked execution for a job id.
func (s *JobSupervisor) JobState(jobID string) (*JobExecution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	snapshot := *exec
	return &snapshot, true
}

// AllJobs returns snapshots of all tracked executions.
func (s *JobSupervisor) AllJobs() []*JobExecution {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*JobExecution, 0, len(s.jobs))
	for _, exec := range s.jobs {
		snapshot := *exec
		out = append(out, &snapshot)
	}
	return out
}

// Metrics returns aggregate counters.
func (s *JobSupervisor) Metrics() SupervisorMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	finished := s.completedJobs + s.failedJobs
	avg := 0.0
	if finished > 0 {
		avg = float64(s.totalRetries) / float64(finished)
	}

	return SupervisorMetrics{
		TotalJobs:      s.totalJobs,
		CompletedJobs:  s.completedJobs,
		FailedJobs:     s.failedJobs,
		RetriedJobs:    s.retriedJobs,
		ActiveJobs:     s.activeJobs,
		AverageRetries: avg,
	}
}

// Cleanup drops terminal executions older than maxAge and returns how many
// were removed.
func (s *JobSupervisor) Cleanup(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, exec := range s.jobs {
		if exec.Status != ExecCompleted && exec.Status != ExecFailed {
			continue
		}
		if exec.CompletedAt != nil && exec.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debugw("msg", "cleaned up finished job executions", "removed", removed)
	}
	return removed
}
