package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func failing(kind dberr.Kind, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return dberr.Wrap(kind, "", "", errors.New("boom"))
	}
}

func TestAttemptBudgetPerKind(t *testing.T) {
	tests := []struct {
		kind dberr.Kind
		want int
	}{
		{dberr.KindConnection, 4},
		{dberr.KindTimeout, 4},
		{dberr.KindDatabase, 2},
		{dberr.KindValidation, 1},
		{dberr.KindAuthentication, 1},
	}

	for _, tc := range tests {
		t.Run(tc.kind.String(), func(t *testing.T) {
			sleeper := testutil.NewRecordingSleeper()
			r := New(Policy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
				WithSleep(sleeper.Sleep), WithLogger(quietLogger()))

			calls := 0
			attempts, err := r.Do(context.Background(), "redis", "get", failing(tc.kind, &calls))
			require.Error(t, err)
			assert.Equal(t, tc.want, attempts)
			assert.Equal(t, tc.want, calls)
			assert.Len(t, sleeper.Delays(), tc.want-1)
			assert.True(t, dberr.IsKind(err, tc.kind))
			assert.Equal(t, "redis", dberr.AdapterOf(err))
		})
	}
}

func TestDatabaseBudgetIgnoresMaxAttempts(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("max=%d", maxAttempts), func(t *testing.T) {
			r := New(Policy{MaxAttempts: maxAttempts}, WithSleep(testutil.NewRecordingSleeper().Sleep), WithLogger(quietLogger()))
			calls := 0
			attempts, err := r.Do(context.Background(), "sqlite", "create", failing(dberr.KindDatabase, &calls))
			require.Error(t, err)
			assert.Equal(t, 2, attempts)
			assert.Equal(t, 2, calls)
		})
	}

	p := Policy{MaxAttempts: 1}.Normalize()
	assert.Equal(t, 1, p.AttemptsFor(dberr.KindTimeout))
	assert.Equal(t, 2, p.AttemptsFor(dberr.KindDatabase))
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	sleeper := testutil.NewRecordingSleeper()
	r := New(DefaultPolicy(), WithSleep(sleeper.Sleep), WithLogger(quietLogger()))

	calls := 0
	attempts, err := r.Do(context.Background(), "redis", "create", func(context.Context) error {
		calls++
		if calls < 3 {
			return io.EOF
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, sleeper.Delays(), 2)
}

func TestNotFoundIsNotRetried(t *testing.T) {
	r := New(DefaultPolicy(), WithSleep(testutil.NewRecordingSleeper().Sleep), WithLogger(quietLogger()))
	notFound := fmt.Errorf("students/1: %w", dberr.ErrNotFound)

	attempts, err := r.Do(context.Background(), "redis", "get", func(context.Context) error { return notFound })
	assert.Equal(t, 1, attempts)
	assert.Same(t, notFound, err)
}

func TestDelaysNonDecreasingAndCapped(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 1}

	for _, sample := range []float64{0, 0.5, 0.999999} {
		var prev time.Duration
		for n := 1; n <= 12; n++ {
			d := p.Delay(n, sample)
			assert.GreaterOrEqual(t, d, prev, "delay %d with sample %v", n, sample)
			assert.LessOrEqual(t, d, p.MaxDelay)
			prev = d
		}
	}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1, 0))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3, 0))
	assert.Equal(t, 2*time.Second, p.Delay(30, 0))
}

func TestRecordedDelaysWithJitter(t *testing.T) {
	sleeper := testutil.NewRecordingSleeper()
	samples := []float64{0.9, 0.1, 0.5, 0.0, 0.7}
	next := 0
	r := New(Policy{MaxAttempts: 6, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Jitter: 0.5},
		WithSleep(sleeper.Sleep),
		WithRand(func() float64 { v := samples[next]; next++; return v }),
		WithLogger(quietLogger()))

	calls := 0
	_, err := r.Do(context.Background(), "redis", "query", failing(dberr.KindConnection, &calls))
	require.Error(t, err)

	delays := sleeper.Delays()
	require.Len(t, delays, 5)
	assert.Equal(t, []time.Duration{
		145 * time.Millisecond,
		210 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}, delays)
}

func TestCancellationStopsRetries(t *testing.T) {
	t.Run("during sleep", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		r := New(DefaultPolicy(), WithLogger(quietLogger()), WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return Sleep(ctx, time.Hour)
		}))

		calls := 0
		start := time.Now()
		attempts, err := r.Do(ctx, "redis", "get", failing(dberr.KindConnection, &calls))
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
		assert.True(t, dberr.IsKind(err, dberr.KindTimeout))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		attempts, err := New(DefaultPolicy()).Do(ctx, "redis", "get", failing(dberr.KindConnection, &calls))
		assert.Equal(t, 0, attempts)
		assert.Equal(t, 0, calls)
		assert.True(t, dberr.IsKind(err, dberr.KindTimeout))
	})
}

func TestRetriesAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := New(Policy{MaxAttempts: 2}, WithSleep(testutil.NewRecordingSleeper().Sleep), WithLogger(logger))

	calls := 0
	_, _ = r.Do(context.Background(), "redis", "update", failing(dberr.KindTimeout, &calls))

	out := buf.String()
	assert.Contains(t, out, "retrying operation")
	assert.Contains(t, out, "adapter=redis")
	assert.Contains(t, out, "attempt=1")
	assert.Contains(t, out, "kind=timeout")
	assert.Contains(t, out, "delay=")
}

func TestPolicyNormalize(t *testing.T) {
	p := Policy{Jitter: 3}.Normalize()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, p.BaseDelay)
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
	assert.Equal(t, 1.0, p.Jitter)

	p = Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond, Jitter: -1}.Normalize()
	assert.Equal(t, time.Second, p.MaxDelay)
	assert.Equal(t, 0.0, p.Jitter)
}

func TestSleepHonorsTimer(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.DeadlineExceeded)
}
