package noderuntime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/metrics"
)

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	rt := New(nil)
	cfg := DefaultConfig(time.Second, 3)
	cfg.BackoffBase = time.Millisecond

	out := rt.Run(context.Background(), domain.NodeNormalize, cfg, map[string]any{"text": "Hi"},
		func(_ context.Context, attempt int, input map[string]any) (map[string]any, error) {
			return map[string]any{"text": "hi"}, nil
		}, nil)

	require.True(t, out.Succeeded)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, out.Errors)
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	rt := New(nil)
	cfg := DefaultConfig(time.Second, 3)
	cfg.BackoffBase = time.Millisecond

	calls := 0
	out := rt.Run(context.Background(), domain.NodeEvidenceRetrieve, cfg, nil,
		func(_ context.Context, attempt int, input map[string]any) (map[string]any, error) {
			calls++
			if calls < 3 {
				return nil, domain.NewStageError(domain.KindRetryable, "transient", errors.New("boom"))
			}
			return map[string]any{"ok": true}, nil
		}, nil)

	require.True(t, out.Succeeded)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, out.Errors, 2)
	for _, e := range out.Errors {
		assert.Equal(t, domain.KindRetryable, e.Kind)
	}
}

func TestRun_ValidationFailsImmediately(t *testing.T) {
	rt := New(nil)
	cfg := DefaultConfig(time.Second, 3)
	cfg.BackoffBase = time.Millisecond

	calls := 0
	out := rt.Run(context.Background(), domain.NodeEntityExtract, cfg, nil,
		func(_ context.Context, attempt int, input map[string]any) (map[string]any, error) {
			calls++
			return nil, domain.NewStageError(domain.KindValidation, "bad input", nil)
		}, nil)

	assert.False(t, out.Succeeded)
	assert.Equal(t, 1, calls)
	assert.Equal(t, domain.KindValidation, out.FinalKind)
}

func TestRun_ExhaustsRetries(t *testing.T) {
	rt := New(nil)
	cfg := DefaultConfig(time.Second, 3)
	cfg.BackoffBase = time.Millisecond

	out := rt.Run(context.Background(), domain.NodeVeracityAssess, cfg, nil,
		func(_ context.Context, attempt int, input map[string]any) (map[string]any, error) {
			return nil, domain.NewStageError(domain.KindRetryable, "always fails", nil)
		}, nil)

	assert.False(t, out.Succeeded)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, out.Errors, 3)
	assert.Equal(t, domain.KindRetryable, out.FinalKind)
}

func TestRun_TimeoutClassifiedAsTimeout(t *testing.T) {
	rt := New(nil)
	cfg := DefaultConfig(10*time.Millisecond, 2)
	cfg.BackoffBase = time.Millisecond

	out := rt.Run(context.Background(), domain.NodeTranslate, cfg, nil,
		func(ctx context.Context, attempt int, input map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)

	assert.False(t, out.Succeeded)
	require.NotEmpty(t, out.Errors)
	assert.Equal(t, domain.KindTimeout, out.Errors[0].Kind)
}

func TestRun_CancelledObservedAtBoundary(t *testing.T) {
	rt := New(nil)
	cfg := DefaultConfig(time.Second, 3)

	out := rt.Run(context.Background(), domain.NodePublish, cfg, nil,
		func(_ context.Context, attempt int, input map[string]any) (map[string]any, error) {
			t.Fatal("stage should not run once cancelled")
			return nil, nil
		}, func() bool { return true })

	assert.False(t, out.Succeeded)
	assert.Equal(t, domain.KindCancelled, out.FinalKind)
}

func TestRun_RecordsMetricsWhenAttached(t *testing.T) {
	reg := metrics.New("test_runtime")
	rt := New(nil).WithObservability(reg, nil)
	cfg := DefaultConfig(time.Second, 1)

	out := rt.Run(context.Background(), domain.NodeRiskScore, cfg, nil,
		func(_ context.Context, attempt int, input map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}, nil)

	require.True(t, out.Succeeded)
	assert.Equal(t, 1, testutil.CollectAndCount(reg.NodeDuration))
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.BreakerState.WithLabelValues(string(domain.NodeRiskScore))))
}

func TestRun_RecordsBreakerStateOnTrip(t *testing.T) {
	reg := metrics.New("test_runtime_breaker")
	rt := New(nil).WithObservability(reg, nil)
	cfg := DefaultConfig(time.Millisecond, 6)
	cfg.BackoffBase = time.Millisecond

	rt.Run(context.Background(), domain.NodeEvidenceRetrieve, cfg, nil,
		func(_ context.Context, attempt int, input map[string]any) (map[string]any, error) {
			return nil, errors.New("upstream unavailable")
		}, nil)

	assert.Equal(t, float64(2), testutil.ToFloat64(reg.BreakerState.WithLabelValues(string(domain.NodeEvidenceRetrieve))))
}
