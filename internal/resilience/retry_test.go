package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		cfg       RetryConfig
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", cfg: fastRetry(3), wantCalls: 1},
		{name: "transient then ok", cfg: fastRetry(3), failures: 2, err: NewTransientError(errors.New("503"), 503), wantCalls: 3},
		{name: "transient exhausted", cfg: fastRetry(3), failures: 5, err: NewTransientError(errors.New("502"), 502), wantCalls: 3, wantErr: true},
		{name: "non-transient not retried", cfg: fastRetry(3), failures: 5, err: errors.New("unexpected status 404"), wantCalls: 1, wantErr: true},
		{name: "zero config uses defaults", cfg: RetryConfig{}, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), tt.cfg, func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond}

	calls := 0
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("reset"), 0)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ShouldRetryOverride(t *testing.T) {
	cfg := fastRetry(3)
	cfg.ShouldRetry = RetryUnlessCanceled

	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return errors.New("archive: not a zip container")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "plain errors are retried under RetryUnlessCanceled")
}

func TestDo_PermanentNeverRetried(t *testing.T) {
	cfg := fastRetry(5)
	cfg.ShouldRetry = RetryUnlessCanceled

	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return Permanent(errors.New("disk full"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(err))
}

func TestDo_OnRetry(t *testing.T) {
	var attempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_ = Do(context.Background(), cfg, func(context.Context) error {
		return NewTransientError(errors.New("fail"), 500)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal(t *testing.T) {
	calls := 0
	size, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (int64, error) {
		calls++
		if calls < 2 {
			return 0, NewTransientError(errors.New("fail"), 500)
		}
		return 2048, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2048), size)

	size, err = DoVal(context.Background(), fastRetry(2), func(context.Context) (int64, error) {
		return 99, NewTransientError(errors.New("fail"), 500)
	})
	require.Error(t, err)
	assert.Zero(t, size, "zero value on failure")
}

func TestComputeBackoff(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
	})
	cfg.JitterFraction = 0

	assert.Equal(t, 100*time.Millisecond, computeBackoff(0, cfg))
	assert.Equal(t, 200*time.Millisecond, computeBackoff(1, cfg))
	assert.Equal(t, 800*time.Millisecond, computeBackoff(3, cfg))
	assert.Equal(t, time.Second, computeBackoff(6, cfg), "capped at MaxBackoff")
}

func TestComputeBackoff_Jitter(t *testing.T) {
	cfg := applyDefaults(RetryConfig{InitialBackoff: time.Second, JitterFraction: 0.5})

	seen := make(map[time.Duration]bool)
	for range 100 {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Nil(t, cfg.ShouldRetry)
}

func TestRetryLogger(t *testing.T) {
	log := RetryLogger("archive", zap.String("period", "2024Q4"))
	assert.NotPanics(t, func() { log(1, errors.New("empty body")) })
}
