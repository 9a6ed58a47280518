// Package dbclient is the single entry point portal services use for
// tenant-scoped document access.
//
// A Client owns a primary and a secondary adapter. Every call asks the
// circuit breaker where to go, runs the adapter call under the retry policy
// with a per-attempt deadline, reports the outcome back to the breaker and
// returns the result or a *dberr.Error tagged with the adapter that failed.
//
// There is no global client: construct one per process with New or Open and
// pass it down.
package dbclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/adapter"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/breaker"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/retry"
)

const instrumentationName = "github.com/MarioHBS/knn-portal-backend-sub001/internal/dbclient"

// DefaultOperationTimeout bounds a single adapter attempt.
const DefaultOperationTimeout = 5 * time.Second

// Client is the unified database access layer. Safe for concurrent use.
type Client struct {
	primary   adapter.Adapter
	secondary adapter.Adapter
	breaker   *breaker.Breaker
	retrier   *retry.Retrier
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
}

type options struct {
	breaker        breaker.Settings
	retry          retry.Policy
	timeout        time.Duration
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	sleep          retry.SleepFunc
	rand           func() float64
	onStateChange  breaker.StateChangeFunc
}

// Option configures a Client.
type Option func(*options)

// WithBreakerSettings configures the circuit breaker guarding the primary.
func WithBreakerSettings(s breaker.Settings) Option {
	return func(o *options) { o.breaker = s }
}

// WithRetryPolicy configures retries of a single adapter call.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.retry = p }
}

// WithOperationTimeout bounds each adapter attempt. Zero disables the bound.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger shared by the client, breaker and retrier.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracerProvider enables OpenTelemetry spans. The default is a noop
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithRetrySleep replaces the backoff sleep, mainly for tests.
func WithRetrySleep(fn retry.SleepFunc) Option {
	return func(o *options) { o.sleep = fn }
}

// WithRetryRand replaces the jitter source, mainly for tests.
func WithRetryRand(fn func() float64) Option {
	return func(o *options) { o.rand = fn }
}

// WithStateChange observes breaker transitions.
func WithStateChange(fn breaker.StateChangeFunc) Option {
	return func(o *options) { o.onStateChange = fn }
}

// New builds a client over already-open adapters. The client takes
// ownership: Close closes both.
func New(primary, secondary adapter.Adapter, opts ...Option) (*Client, error) {
	if primary == nil || secondary == nil {
		return nil, errors.New("dbclient: primary and secondary adapters are required")
	}

	o := options{
		breaker:        breaker.DefaultSettings(),
		retry:          retry.DefaultPolicy(),
		timeout:        DefaultOperationTimeout,
		logger:         slog.Default(),
		tracerProvider: noop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger.With("component", "dbclient")

	breakerOpts := []breaker.Option{breaker.WithLogger(logger)}
	if o.onStateChange != nil {
		breakerOpts = append(breakerOpts, breaker.WithStateChange(o.onStateChange))
	}
	retryOpts := []retry.Option{retry.WithLogger(logger)}
	if o.sleep != nil {
		retryOpts = append(retryOpts, retry.WithSleep(o.sleep))
	}
	if o.rand != nil {
		retryOpts = append(retryOpts, retry.WithRand(o.rand))
	}

	return &Client{
		primary:   primary,
		secondary: secondary,
		breaker:   breaker.New(primary.Name(), o.breaker, breakerOpts...),
		retrier:   retry.New(o.retry, retryOpts...),
		timeout:   o.timeout,
		logger:    logger,
		tracer:    o.tracerProvider.Tracer(instrumentationName),
	}, nil
}

// Breaker exposes the breaker for status reporting.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// Close closes both adapters.
func (c *Client) Close() error {
	return errors.Join(c.primary.Close(), c.secondary.Close())
}

// call is one routed, retried adapter invocation.
type call struct {
	op         string
	class      breaker.Class
	collection string
	tenant     string
}

// run routes fn to the adapter chosen by the breaker and drives the retry
// loop. The breaker hears about the terminal outcome only, after retries.
func (c *Client) run(ctx context.Context, cl call, fn func(ctx context.Context, a adapter.Adapter) error) error {
	ctx, span := c.tracer.Start(ctx, "portaldb."+cl.op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	ticket := c.breaker.Acquire(cl.class)
	target := c.primary
	if ticket.Target == breaker.Secondary {
		target = c.secondary
		c.logger.Debug("routing to secondary",
			"op", cl.op,
			"collection", cl.collection,
			"breaker", c.breaker.State(cl.class),
		)
	}

	span.SetAttributes(
		attribute.String("db.operation", cl.op),
		attribute.String("db.collection", cl.collection),
		attribute.String("portaldb.tenant", cl.tenant),
		attribute.String("portaldb.adapter", target.Name()),
		attribute.String("portaldb.target", ticket.Target.String()),
		attribute.Bool("portaldb.breaker.trial", ticket.Trial()),
	)

	attempts, err := c.retrier.Do(ctx, target.Name(), cl.op, func(ctx context.Context) error {
		return c.attempt(ctx, target, cl.op, fn)
	})
	ticket.Report(breaker.OutcomeOf(err, ctx.Err() != nil))

	span.SetAttributes(attribute.Int("portaldb.attempts", attempts))
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, dberr.ErrNotFound):
		span.SetAttributes(attribute.Bool("portaldb.not_found", true))
	default:
		kind, _ := dberr.KindOf(err)
		span.SetAttributes(attribute.String("portaldb.error_kind", kind.String()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// attempt runs fn once under the per-attempt deadline. Hitting that
// deadline while the caller is still waiting is a Timeout.
func (c *Client) attempt(ctx context.Context, a adapter.Adapter, op string, fn func(ctx context.Context, a adapter.Adapter) error) error {
	if c.timeout <= 0 {
		return fn(ctx, a)
	}
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(actx, a)
	if err != nil && !errors.Is(err, dberr.ErrNotFound) &&
		errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return dberr.Wrap(dberr.KindTimeout, a.Name(), op,
			fmt.Errorf("attempt exceeded %s: %w", c.timeout, err))
	}
	return err
}
