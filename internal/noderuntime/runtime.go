// Package noderuntime implements the Node Runtime (C3): uniform
// timeout/retry/error-classification semantics around a single pipeline
// stage. Grounded on workflow/validation/retry.go's RetryManager idiom,
// generalized from (slug,step) keys to (workflow_id,node) and from a
// single ValidationResult to the full error taxonomy.
package noderuntime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/c360studio/veriflow/internal/collaborators"
	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/metrics"
)

// Stage is a pure function (input_state) -> (output_fragment | error). A
// Stage must tolerate being invoked again with the same input after a
// crash (idempotence requirement); the Runtime enforces this by tagging
// every call with an attempt counter.
type Stage func(ctx context.Context, attempt int, input map[string]any) (map[string]any, error)

// FromCollaborator adapts a Collaborator into a Stage. Errors are returned
// unchanged; the Runtime later classifies an unclassified error as
// Retryable (per domain.Classify), while a *domain.StageError keeps its kind.
func FromCollaborator(c collaborators.Collaborator) Stage {
	return func(ctx context.Context, _ int, input map[string]any) (map[string]any, error) {
		return c.Apply(ctx, input)
	}
}

// Config configures one Runtime invocation.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	// BackoffBase/Factor/Cap/Jitter implement exponential backoff (base 1s,
	// factor 2, cap 10s, jitter ±20%).
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffCap    time.Duration
	JitterFrac    float64
}

// DefaultConfig returns the default backoff policy with the given timeout
// and max attempts.
func DefaultConfig(timeout time.Duration, maxAttempts int) Config {
	return Config{
		Timeout:       timeout,
		MaxAttempts:   maxAttempts,
		BackoffBase:   1 * time.Second,
		BackoffFactor: 2,
		BackoffCap:    10 * time.Second,
		JitterFrac:    0.2,
	}
}

func (c Config) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BackoffBase
	b.Multiplier = c.BackoffFactor
	b.MaxInterval = c.BackoffCap
	b.RandomizationFactor = c.JitterFrac
	b.MaxElapsedTime = 0 // the Runtime caps by attempt count, not elapsed time
	return b
}

// Outcome is the result of a Runtime.Run call.
type Outcome struct {
	Node      domain.Node
	Fragment  map[string]any
	Attempts  int
	Errors    []domain.ErrorEntry
	FinalErr  error
	FinalKind domain.ErrorKind
	Succeeded bool
}

// Runtime executes a single Stage with uniform timeout/retry/classification
// semantics. One Runtime instance may be shared across nodes; per-node
// circuit breakers are created lazily and cached by node name.
type Runtime struct {
	mu       sync.Mutex // guards breakers; Run is called from concurrent fan-out goroutines
	breakers map[domain.Node]*gobreaker.CircuitBreaker
	now      func() time.Time
	metrics  *metrics.Registry
	tracer   trace.Tracer
}

// New constructs a Runtime. now defaults to time.Now; tests may override it
// for deterministic timestamps.
func New(now func() time.Time) *Runtime {
	if now == nil {
		now = time.Now
	}
	return &Runtime{
		breakers: make(map[domain.Node]*gobreaker.CircuitBreaker),
		now:      now,
		tracer:   noop.NewTracerProvider().Tracer("noop"),
	}
}

// WithObservability attaches a metrics registry and tracer, injected into
// the constructor the way *slog.Logger is. Either argument may be
// nil/unset; Run falls back to no-ops.
func (r *Runtime) WithObservability(reg *metrics.Registry, tracer trace.Tracer) *Runtime {
	r.metrics = reg
	if tracer != nil {
		r.tracer = tracer
	}
	return r
}

func (r *Runtime) breakerFor(node domain.Node) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[node]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(node),
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	r.breakers[node] = b
	return b
}

// Run executes stage for node with cfg's timeout/retry policy. It observes
// isCancelled at the start of every attempt so a cancel tombstone is
// honored at the node boundary.
func (r *Runtime) Run(ctx context.Context, node domain.Node, cfg Config, input map[string]any, stage Stage, isCancelled func() bool) Outcome {
	start := r.now()
	ctx, span := r.tracer.Start(ctx, "node."+string(node), trace.WithAttributes(
		attribute.String("node", string(node)),
	))
	defer span.End()

	out := r.run(ctx, node, cfg, input, stage, isCancelled)

	status := "failed"
	if out.Succeeded {
		status = "succeeded"
	}
	span.SetAttributes(attribute.Int("attempts", out.Attempts), attribute.String("status", status))
	if out.FinalErr != nil {
		span.RecordError(out.FinalErr)
		span.SetStatus(codes.Error, out.FinalErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	r.metrics.ObserveNode(string(node), status, out.Attempts, string(out.FinalKind), r.now().Sub(start))

	return out
}

func (r *Runtime) run(ctx context.Context, node domain.Node, cfg Config, input map[string]any, stage Stage, isCancelled func() bool) Outcome {
	out := Outcome{Node: node}
	breaker := r.breakerFor(node)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		out.Attempts = attempt

		if isCancelled != nil && isCancelled() {
			out.FinalErr = domain.NewStageError(domain.KindCancelled, "cancel observed before attempt", nil)
			out.FinalKind = domain.KindCancelled
			out.Errors = append(out.Errors, entry(node, domain.KindCancelled, "cancelled", attempt, r.now()))
			return out
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		fragment, err := r.callOnce(attemptCtx, breaker, node, attempt, input, stage)
		cancel()

		if err == nil {
			out.Fragment = fragment
			out.Succeeded = true
			return out
		}

		kind := classify(err, attemptCtx)
		out.Errors = append(out.Errors, entry(node, kind, err.Error(), attempt, r.now()))
		out.FinalErr = err
		out.FinalKind = kind

		if !kind.Retryable() || attempt >= cfg.MaxAttempts {
			return out
		}

		wait := r.waitDuration(cfg, attempt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.FinalErr = domain.NewStageError(domain.KindCancelled, "context done during backoff", ctx.Err())
			out.FinalKind = domain.KindCancelled
			return out
		case <-timer.C:
		}
	}
	return out
}

func (r *Runtime) waitDuration(cfg Config, attempt int) time.Duration {
	b := cfg.backOff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = cfg.BackoffBase
	}
	return d
}

func (r *Runtime) callOnce(ctx context.Context, breaker *gobreaker.CircuitBreaker, node domain.Node, attempt int, input map[string]any, stage Stage) (map[string]any, error) {
	result, err := breaker.Execute(func() (any, error) {
		return stage(ctx, attempt, input)
	})
	r.metrics.SetBreakerState(string(node), int(breaker.State()))
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewStageError(domain.KindPermanentUpstreamFailure, "circuit breaker open for "+string(node), err)
		}
		return nil, err
	}
	fragment, _ := result.(map[string]any)
	return fragment, nil
}

func classify(err error, ctx context.Context) domain.ErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.KindTimeout
	}
	return domain.Classify(err)
}

func entry(node domain.Node, kind domain.ErrorKind, detail string, attempt int, at time.Time) domain.ErrorEntry {
	return domain.ErrorEntry{Node: node, Kind: kind, Detail: detail, Attempt: attempt, Timestamp: at}
}
