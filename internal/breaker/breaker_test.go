package breaker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
)

func newTestBreaker(t *testing.T, s Settings, opts ...Option) *Breaker {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New("primary", s, opts...)
}

func fail(b *Breaker, c Class, n int) {
	for range n {
		b.Acquire(c).Report(Failure)
	}
}

func TestTripsAfterThreshold(t *testing.T) {
	b := newTestBreaker(t, Settings{FailureThreshold: 5, RecoveryTimeout: time.Hour})

	for i := range 4 {
		tk := b.Acquire(ClassRead)
		require.Equal(t, Primary, tk.Target, "call %d", i+1)
		tk.Report(Failure)
	}
	assert.Equal(t, StateClosed, b.State(ClassRead))

	tk := b.Acquire(ClassRead)
	require.Equal(t, Primary, tk.Target)
	tk.Report(Failure)
	assert.Equal(t, StateOpen, b.State(ClassRead))

	sixth := b.Acquire(ClassRead)
	assert.Equal(t, Secondary, sixth.Target)
	sixth.Report(Failure) // no-op for secondary tickets
	assert.Equal(t, StateOpen, b.State(ClassWrite), "one scope for the whole adapter by default")
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(t, Settings{FailureThreshold: 3, RecoveryTimeout: time.Hour})

	fail(b, ClassWrite, 2)
	b.Acquire(ClassWrite).Report(Success)
	fail(b, ClassWrite, 2)
	assert.Equal(t, StateClosed, b.State(ClassWrite))

	fail(b, ClassWrite, 1)
	assert.Equal(t, StateOpen, b.State(ClassWrite))
}

func TestAbortedIsNeutralWhileClosed(t *testing.T) {
	b := newTestBreaker(t, Settings{FailureThreshold: 2, RecoveryTimeout: time.Hour})

	fail(b, ClassRead, 1)
	b.Acquire(ClassRead).Report(Aborted)
	assert.Equal(t, StateClosed, b.State(ClassRead))

	fail(b, ClassRead, 1)
	assert.Equal(t, StateOpen, b.State(ClassRead), "aborted call neither reset nor added to the streak")
}

func TestRejectedIsNeutralWhileClosed(t *testing.T) {
	b := newTestBreaker(t, Settings{FailureThreshold: 2, RecoveryTimeout: time.Hour})

	fail(b, ClassRead, 1)
	b.Acquire(ClassRead).Report(Rejected)
	assert.Equal(t, StateClosed, b.State(ClassRead))
	assert.Equal(t, uint32(1), b.Snapshot().Scopes[0].ConsecutiveFailures, "a rejection does not reset the streak")

	fail(b, ClassRead, 1)
	assert.Equal(t, StateOpen, b.State(ClassRead))
}

func TestRejectedTrialReopens(t *testing.T) {
	b := newTestBreaker(t, Settings{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})

	fail(b, ClassRead, 1)
	time.Sleep(70 * time.Millisecond)

	trial := b.Acquire(ClassRead)
	require.True(t, trial.Trial())
	trial.Report(Rejected)
	assert.Equal(t, StateOpen, b.State(ClassRead))
}

func TestConcurrentFailuresTripOnce(t *testing.T) {
	const threshold = 5
	var (
		mu          sync.Mutex
		transitions []string
	)
	b := newTestBreaker(t,
		Settings{FailureThreshold: threshold, RecoveryTimeout: time.Hour},
		WithStateChange(func(scope string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, fmt.Sprintf("%s %s->%s", scope, from, to))
		}))

	tickets := make([]*Ticket, threshold+15)
	for i := range tickets {
		tickets[i] = b.Acquire(ClassRead)
		require.Equal(t, Primary, tickets[i].Target, "closed breaker admits call %d", i+1)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, tk := range tickets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tk.Report(Failure)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, StateOpen, b.State(ClassRead))
	for range 10 {
		assert.Equal(t, Secondary, b.Acquire(ClassRead).Target)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"primary closed->open"}, transitions)
}

func TestHalfOpenSingleTrial(t *testing.T) {
	b := newTestBreaker(t, Settings{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})

	fail(b, ClassRead, 1)
	require.Equal(t, StateOpen, b.State(ClassRead))
	assert.Equal(t, Secondary, b.Acquire(ClassRead).Target)

	time.Sleep(70 * time.Millisecond)

	var (
		mu      sync.Mutex
		primary []*Ticket
		wg      sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk := b.Acquire(ClassRead)
			if tk.Target == Primary {
				mu.Lock()
				primary = append(primary, tk)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, primary, 1, "exactly one trial reaches the primary")
	assert.True(t, primary[0].Trial())
	assert.Equal(t, StateHalfOpen, b.State(ClassRead))

	primary[0].Report(Success)
	assert.Equal(t, StateClosed, b.State(ClassRead))

	snap := b.Snapshot()
	require.Len(t, snap.Scopes, 1)
	assert.Equal(t, uint32(0), snap.Scopes[0].ConsecutiveFailures, "counters reset on close")
}

func TestTrialFailureReopens(t *testing.T) {
	b := newTestBreaker(t, Settings{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})

	fail(b, ClassWrite, 1)
	time.Sleep(70 * time.Millisecond)

	trial := b.Acquire(ClassWrite)
	require.Equal(t, Primary, trial.Target)
	require.True(t, trial.Trial())
	trial.Report(Failure)

	assert.Equal(t, StateOpen, b.State(ClassWrite))
	assert.Equal(t, Secondary, b.Acquire(ClassWrite).Target, "recovery timer restarted")

	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, Primary, b.Acquire(ClassWrite).Target)
}

func TestAbortedTrialCountsAsFailure(t *testing.T) {
	b := newTestBreaker(t, Settings{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})

	fail(b, ClassRead, 1)
	time.Sleep(70 * time.Millisecond)

	trial := b.Acquire(ClassRead)
	require.True(t, trial.Trial())
	trial.Report(Aborted)
	assert.Equal(t, StateOpen, b.State(ClassRead))
}

func TestReportIsIdempotent(t *testing.T) {
	b := newTestBreaker(t, Settings{FailureThreshold: 2, RecoveryTimeout: time.Hour})

	tk := b.Acquire(ClassRead)
	tk.Report(Failure)
	tk.Report(Failure)
	assert.Equal(t, StateClosed, b.State(ClassRead))
}

func TestPerOperationClassScopes(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	b := newTestBreaker(t,
		Settings{FailureThreshold: 2, RecoveryTimeout: time.Hour, PerOperationClass: true},
		WithStateChange(func(scope string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, fmt.Sprintf("%s %s->%s", scope, from, to))
		}))

	fail(b, ClassWrite, 2)
	assert.Equal(t, StateOpen, b.State(ClassWrite))
	assert.Equal(t, StateClosed, b.State(ClassRead))
	assert.Equal(t, Primary, b.Acquire(ClassRead).Target)
	assert.Equal(t, Secondary, b.Acquire(ClassWrite).Target)

	snap := b.Snapshot()
	require.Len(t, snap.Scopes, 2)
	assert.Equal(t, "primary:read", snap.Scopes[0].Scope)
	assert.Equal(t, StateClosed, snap.Scopes[0].State)
	assert.Equal(t, "primary:write", snap.Scopes[1].Scope)
	assert.Equal(t, StateOpen, snap.Scopes[1].State)
	assert.True(t, snap.PerOperationClass)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"primary:write closed->open"}, transitions)
}

func TestStateChangeLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	b := New("primary", Settings{FailureThreshold: 2, RecoveryTimeout: time.Hour},
		WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
		WithStateChange(func(string, State, State) {}))

	fail(b, ClassRead, 2)
	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "circuit breaker state changed"))
	assert.Contains(t, out, "from=closed")
	assert.Contains(t, out, "to=open")
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		callerDone bool
		want       Outcome
	}{
		{"nil", nil, false, Success},
		{"not found", fmt.Errorf("x: %w", dberr.ErrNotFound), false, Success},
		{"validation", dberr.Validation("create", errors.New("bad")), false, Rejected},
		{"auth", dberr.Wrap(dberr.KindAuthentication, "redis", "get", errors.New("NOAUTH")), false, Rejected},
		{"connection", dberr.Wrap(dberr.KindConnection, "redis", "get", io.EOF), false, Failure},
		{"timeout", context.DeadlineExceeded, false, Failure},
		{"database", errors.New("weird"), false, Failure},
		{"caller canceled", dberr.Wrap(dberr.KindTimeout, "redis", "get", context.Canceled), true, Aborted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, OutcomeOf(tc.err, tc.callerDone))
		})
	}
}

func TestDefaults(t *testing.T) {
	b := New("primary", Settings{})
	s := b.Settings()
	assert.Equal(t, uint32(DefaultFailureThreshold), s.FailureThreshold)
	assert.Equal(t, DefaultRecoveryTimeout, s.RecoveryTimeout)
	assert.Equal(t, "30s", b.Snapshot().RecoveryTimeout)
	assert.Equal(t, "secondary", Secondary.String())
}
