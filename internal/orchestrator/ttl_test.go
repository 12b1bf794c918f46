package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/veriflow/internal/domain"
)

func TestOrchestrator_SweepTTLExtensions_RenewsInFlightOnly(t *testing.T) {
	cfg := testConfig()
	orch, workflows, _, _ := newTestOrchestrator(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	running := domain.NewWorkflow(domain.RawItem{SourceID: "in-flight-1"}, time.Now(), time.Hour)
	running.Status = domain.StatusRunning
	require.NoError(t, workflows.Create(ctx, running))
	runningVersionBefore := running.Version

	done := domain.NewWorkflow(domain.RawItem{SourceID: "terminal-1"}, time.Now(), time.Hour)
	done.Status = domain.StatusCompleted
	require.NoError(t, workflows.Create(ctx, done))
	doneVersionBefore := done.Version

	orch.sweepTTLExtensions(ctx)

	refreshedRunning, err := workflows.Get(ctx, running.WorkflowID)
	require.NoError(t, err)
	assert.Greater(t, refreshedRunning.Version, runningVersionBefore, "in-flight workflow's TTL should have been renewed")

	refreshedDone, err := workflows.Get(ctx, done.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, doneVersionBefore, refreshedDone.Version, "terminal workflow must not be touched")
}

func TestOrchestrator_RunTTLExtension_StopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	orch, _, _, _ := newTestOrchestrator(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.RunTTLExtension(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunTTLExtension did not return after context cancellation")
	}
}
