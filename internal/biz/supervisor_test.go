package biz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T, mutate func(*SupervisorConfig)) *JobSupervisor {
	t.Helper()

	cfg := SupervisorConfig{
		MaxRetries:        3,
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Timeout:           time.Second,
		UseCircuitBreaker: false,
		Dependency:        DefaultDependency,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewJobSupervisor(cfg, defaultBreakerConfig(), log.DefaultLogger)
	require.NoError(t, err)
	s.jitter = func() time.Duration { return 0 }
	return s
}

func TestSupervisor_Success(t *testing.T) {
	s := newTestSupervisor(t, nil)

	result, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		return "image.png", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "image.png", result)

	exec, ok := s.JobState("job-1")
	require.True(t, ok)
	assert.Equal(t, ExecCompleted, exec.Status)
	assert.Equal(t, "image.png", exec.Result)
	assert.Zero(t, exec.RetryCount)
	assert.NotNil(t, exec.CompletedAt)
}

func TestSupervisor_ExhaustsRetries(t *testing.T) {
	s := newTestSupervisor(t, nil)

	var attempts atomic.Int32
	_, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		attempts.Add(1)
		return nil, errors.New("worker unreachable")
	}, nil)

	require.Error(t, err)
	// maxRetries=3 means 4 total attempts.
	assert.EqualValues(t, 4, attempts.Load())

	exec, ok := s.JobState("job-1")
	require.True(t, ok)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, 3, exec.RetryCount)
}

func TestSupervisor_NonRetryableStopsImmediately(t *testing.T) {
	s := newTestSupervisor(t, nil)

	var attempts atomic.Int32
	_, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		attempts.Add(1)
		return nil, errors.New("workflow validation failed: missing prompt")
	}, nil)

	require.Error(t, err)
	assert.EqualValues(t, 1, attempts.Load())
}

func TestSupervisor_RecoversAfterTransientFailures(t *testing.T) {
	s := newTestSupervisor(t, nil)

	var attempts atomic.Int32
	result, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.EqualValues(t, 3, attempts.Load())

	metrics := s.Metrics()
	assert.EqualValues(t, 1, metrics.CompletedJobs)
	assert.EqualValues(t, 1, metrics.RetriedJobs)
}

func TestSupervisor_Timeout(t *testing.T) {
	s := newTestSupervisor(t, func(cfg *SupervisorConfig) {
		cfg.MaxRetries = 0
		cfg.Timeout = 20 * time.Millisecond
	})

	var sawCancel atomic.Bool
	_, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			// The attempt deadline is propagated into the operation.
			sawCancel.Store(true)
			return nil, ctx.Err()
		}
	}, nil)

	require.Error(t, err)
	assert.True(t, IsJobTimeout(err))

	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)
}

func TestSupervisor_TimeoutIsRetryable(t *testing.T) {
	s := newTestSupervisor(t, func(cfg *SupervisorConfig) {
		cfg.MaxRetries = 1
		cfg.Timeout = 20 * time.Millisecond
	})

	var attempts atomic.Int32
	_, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		attempts.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	require.Error(t, err)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestSupervisor_PanicRecovered(t *testing.T) {
	s := newTestSupervisor(t, func(cfg *SupervisorConfig) { cfg.MaxRetries = 0 })

	_, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation panicked")
}

func TestSupervisor_CircuitOpenStopsRetries(t *testing.T) {
	s := newTestSupervisor(t, func(cfg *SupervisorConfig) {
		cfg.UseCircuitBreaker = true
	})

	// Trip the breaker directly.
	breaker := s.Breaker(DefaultDependency)
	for i := 0; i < defaultBreakerConfig().FailureThreshold; i++ {
		_, _ = breaker.Execute(context.Background(), failingOp)
	}
	require.Equal(t, BreakerOpen, breaker.State())

	var attempts atomic.Int32
	_, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		attempts.Add(1)
		return "ok", nil
	}, nil)

	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
	// The breaker rejected before the operation ran, and the circuit-open
	// error consumed no retries.
	assert.Zero(t, attempts.Load())
}

func TestSupervisor_BreakerResetOnSuccess(t *testing.T) {
	s := newTestSupervisor(t, func(cfg *SupervisorConfig) {
		cfg.UseCircuitBreaker = true
	})

	result, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, BreakerClosed, s.Breaker(DefaultDependency).State())
}

func TestSupervisor_RejectsDuplicateInflightID(t *testing.T) {
	s := newTestSupervisor(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return "first", nil
		}, nil)
	}()

	<-started
	_, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		return "second", nil
	}, nil)
	require.ErrorIs(t, err, ErrJobAlreadyRunning)

	close(release)
	wg.Wait()

	// Once the first call finished the id may be reused.
	result, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		return "third", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "third", result)
}

func TestSupervisor_Override(t *testing.T) {
	s := newTestSupervisor(t, nil)

	var attempts atomic.Int32
	_, err := s.Execute(context.Background(), "job-1", func(ctx context.Context) (interface{}, error) {
		attempts.Add(1)
		return nil, errors.New("worker unreachable")
	}, &SupervisorConfig{MaxRetries: 1})

	require.Error(t, err)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestSupervisor_Metrics(t *testing.T) {
	s := newTestSupervisor(t, nil)
	ctx := context.Background()

	_, _ = s.Execute(ctx, "ok-1", func(ctx context.Context) (interface{}, error) { return 1, nil }, nil)
	_, _ = s.Execute(ctx, "fail-1", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("worker unreachable")
	}, &SupervisorConfig{MaxRetries: 2})

	m := s.Metrics()
	assert.EqualValues(t, 2, m.TotalJobs)
	assert.EqualValues(t, 1, m.CompletedJobs)
	assert.EqualValues(t, 1, m.FailedJobs)
	assert.EqualValues(t, 1, m.RetriedJobs)
	assert.EqualValues(t, 0, m.ActiveJobs)
	assert.InDelta(t, 1.0, m.AverageRetries, 0.001) // 2 retries over 2 finished jobs
}

func TestSupervisor_Cleanup(t *testing.T) {
	s := newTestSupervisor(t, nil)
	ctx := context.Background()

	_, _ = s.Execute(ctx, "old", func(ctx context.Context) (interface{}, error) { return 1, nil }, nil)
	_, _ = s.Execute(ctx, "new", func(ctx context.Context) (interface{}, error) { return 2, nil }, nil)

	// Backdate the first job's completion.
	s.mu.Lock()
	old := time.Now().Add(-2 * time.Hour)
	s.jobs["old"].CompletedAt = &old
	s.mu.Unlock()

	removed := s.Cleanup(time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := s.JobState("old")
	assert.False(t, ok)
	_, ok = s.JobState("new")
	assert.True(t, ok)

	assert.Len(t, s.AllJobs(), 1)
}
