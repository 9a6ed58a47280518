// Package breaker routes calls between a primary and a secondary adapter.
//
// Each scope (the whole primary, or one operation class of it) is a
// sony/gobreaker two-step breaker:
//
//	Closed   --failureThreshold consecutive failures-->  Open
//	Open     --recoveryTimeout elapsed, next caller-->   HalfOpen (single trial)
//	HalfOpen --trial succeeds-->                          Closed
//	HalfOpen --trial fails-->                             Open
//
// While a scope is Open, or HalfOpen with its trial in flight, Acquire routes
// to the secondary without touching the primary. Callers report how the
// primary call ended through Ticket.Report once retries are exhausted.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
)

// Default settings.
const (
	DefaultFailureThreshold  = 5
	DefaultRecoveryTimeout   = 30 * time.Second
	DefaultObservationWindow = 60 * time.Second
)

// Class groups operations that share a breaker when PerOperationClass is set.
type Class string

const (
	ClassRead  Class = "read"  // get, query
	ClassWrite Class = "write" // create, update, delete, batch
)

// Target is where a call should go.
type Target int

const (
	Primary Target = iota
	Secondary
)

func (t Target) String() string {
	if t == Primary {
		return "primary"
	}
	return "secondary"
}

// State mirrors gobreaker's states with stable names.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Outcome is how a primary call ended, as seen by the breaker.
type Outcome int

const (
	// Success is a result, including not found.
	Success Outcome = iota
	// Failure is a connection, timeout or database error after retries.
	Failure
	// Aborted is a call abandoned by its caller. It is neutral while Closed
	// and a failure for a trial.
	Aborted
	// Rejected is a Validation or Authentication error. Like Aborted it is
	// neutral while Closed and a failure for a trial.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Rejected:
		return "rejected"
	default:
		return "aborted"
	}
}

// OutcomeOf maps the terminal error of a primary call to an Outcome.
// callerDone reports whether the caller's own context had ended.
func OutcomeOf(err error, callerDone bool) Outcome {
	if err == nil || errors.Is(err, dberr.ErrNotFound) {
		return Success
	}
	if callerDone {
		return Aborted
	}
	switch dberr.Classify(err) {
	case dberr.KindValidation, dberr.KindAuthentication:
		return Rejected
	default:
		return Failure
	}
}

// Settings configures every scope of a Breaker.
type Settings struct {
	FailureThreshold  uint32
	RecoveryTimeout   time.Duration
	ObservationWindow time.Duration
	PerOperationClass bool
}

// DefaultSettings returns the defaults used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  DefaultFailureThreshold,
		RecoveryTimeout:   DefaultRecoveryTimeout,
		ObservationWindow: DefaultObservationWindow,
	}
}

func (s Settings) normalize() Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if s.ObservationWindow < 0 {
		s.ObservationWindow = 0
	}
	return s
}

// StateChangeFunc observes transitions. It runs while the scope's lock is
// held and must not call back into the Breaker.
type StateChangeFunc func(scope string, from, to State)

// Breaker owns the scopes guarding one primary adapter. It is safe for
// concurrent use; all mutable state lives inside gobreaker.
type Breaker struct {
	name     string
	settings Settings
	logger   *slog.Logger
	onChange StateChangeFunc
	scopes   map[Class]*gobreaker.TwoStepCircuitBreaker[any]
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithStateChange registers an observer for transitions.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates the breaker for the adapter called name.
func New(name string, s Settings, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		settings: s.normalize(),
		logger:   slog.Default(),
		scopes:   make(map[Class]*gobreaker.TwoStepCircuitBreaker[any]),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.settings.PerOperationClass {
		b.scopes[ClassRead] = b.newScope(fmt.Sprintf("%s:%s", name, ClassRead))
		b.scopes[ClassWrite] = b.newScope(fmt.Sprintf("%s:%s", name, ClassWrite))
	} else {
		shared := b.newScope(name)
		b.scopes[ClassRead] = shared
		b.scopes[ClassWrite] = shared
	}
	return b
}

func (b *Breaker) newScope(scope string) *gobreaker.TwoStepCircuitBreaker[any] {
	threshold := b.settings.FailureThreshold
	return gobreaker.NewTwoStepCircuitBreaker[any](gobreaker.Settings{
		Name:        scope,
		MaxRequests: 1,
		Interval:    b.settings.ObservationWindow,
		Timeout:     b.settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", fromGobreaker(from),
				"to", fromGobreaker(to),
			)
			if b.onChange != nil {
				b.onChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
}

// Settings returns the effective settings.
func (b *Breaker) Settings() Settings {
	return b.settings
}

// Ticket is the routing decision for one call. A ticket targeting the
// primary must be reported exactly once; reporting a secondary ticket is a
// no-op.
type Ticket struct {
	Target Target
	Class  Class
	trial  bool
	done   func(success bool)
}

// Trial reports whether this call is the single HalfOpen trial.
func (t *Ticket) Trial() bool {
	return t.trial
}

// Report records the outcome of the primary call. Later calls are ignored.
func (t *Ticket) Report(o Outcome) {
	if t.done == nil {
		return
	}
	done := t.done
	t.done = nil

	switch o {
	case Success:
		done(true)
	case Failure:
		done(false)
	case Aborted, Rejected:
		if t.trial {
			done(false)
		}
		// Otherwise neutral: the request is left uncounted.
	}
}

// Acquire decides where a call of class c goes.
func (b *Breaker) Acquire(c Class) *Ticket {
	cb := b.scope(c)
	done, err := cb.Allow()
	if err != nil {
		return &Ticket{Target: Secondary, Class: c}
	}
	return &Ticket{
		Target: Primary,
		Class:  c,
		trial:  cb.State() == gobreaker.StateHalfOpen,
		done:   done,
	}
}

// State returns the current state of the scope serving class c.
func (b *Breaker) State(c Class) State {
	return fromGobreaker(b.scope(c).State())
}

func (b *Breaker) scope(c Class) *gobreaker.TwoStepCircuitBreaker[any] {
	if cb, ok := b.scopes[c]; ok {
		return cb
	}
	return b.scopes[ClassWrite]
}

// ScopeSnapshot describes one scope.
type ScopeSnapshot struct {
	Scope               string `json:"scope"`
	State               State  `json:"state"`
	Requests            uint32 `json:"requests"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	TotalFailures       uint32 `json:"total_failures"`
}

// Snapshot is a point-in-time view of every scope.
type Snapshot struct {
	Adapter           string          `json:"adapter"`
	PerOperationClass bool            `json:"per_operation_class"`
	FailureThreshold  uint32          `json:"failure_threshold"`
	RecoveryTimeout   string          `json:"recovery_timeout"`
	Scopes            []ScopeSnapshot `json:"scopes"`
}

// Snapshot returns the state of every scope, read first then write.
func (b *Breaker) Snapshot() Snapshot {
	snap := Snapshot{
		Adapter:           b.name,
		PerOperationClass: b.settings.PerOperationClass,
		FailureThreshold:  b.settings.FailureThreshold,
		RecoveryTimeout:   b.settings.RecoveryTimeout.String(),
	}
	classes := []Class{ClassRead, ClassWrite}
	if !b.settings.PerOperationClass {
		classes = classes[:1]
	}
	for _, c := range classes {
		cb := b.scopes[c]
		state := cb.State()
		counts := cb.Counts()
		snap.Scopes = append(snap.Scopes, ScopeSnapshot{
			Scope:               cb.Name(),
			State:               fromGobreaker(state),
			Requests:            counts.Requests,
			ConsecutiveFailures: counts.ConsecutiveFailures,
			TotalFailures:       counts.TotalFailures,
		})
	}
	return snap
}
