package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/veriflow/internal/collaborators"
	"github.com/c360studio/veriflow/internal/config"
	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/eventbus"
	"github.com/c360studio/veriflow/internal/metrics"
	"github.com/c360studio/veriflow/internal/natstest"
	"github.com/c360studio/veriflow/internal/statestore"
)

type fakeBus struct {
	mu        sync.Mutex
	published []struct {
		topic eventbus.Topic
		key   string
	}
}

func (f *fakeBus) Publish(_ context.Context, topic eventbus.Topic, key string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, struct {
		topic eventbus.Topic
		key   string
	}{topic, key})
	return nil
}

func (f *fakeBus) count(topic eventbus.Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.published {
		if p.topic == topic {
			n++
		}
	}
	return n
}

type fakeReviewSink struct {
	mu    sync.Mutex
	added []domain.ReviewTask
	gone  []string
}

func (f *fakeReviewSink) Add(_ context.Context, task domain.ReviewTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, task)
	return nil
}

func (f *fakeReviewSink) Remove(_ context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone = append(f.gone, workflowID)
	return nil
}

func mockStages() StageSet {
	return BuildStageSet(map[domain.Node]collaborators.Collaborator{
		domain.NodeNormalize:        collaborators.NormalizeMock(),
		domain.NodeEntityExtract:    collaborators.EntityExtractMock(),
		domain.NodeClaimExtract:     collaborators.ClaimExtractMock(),
		domain.NodeTopicAssign:      collaborators.TopicAssignMock(),
		domain.NodeEvidenceRetrieve: collaborators.EvidenceRetrieveMock(),
		domain.NodeVeracityAssess:   collaborators.VeracityAssessMock(),
		domain.NodeMerge:            collaborators.MergeMock(),
		domain.NodeRiskScore:        collaborators.RiskScoreMock(),
		domain.NodeDraftAdvisory:    collaborators.DraftAdvisoryMock(),
		domain.NodeTranslate:        collaborators.TranslateMock(),
		domain.NodePublish:          collaborators.PublishMock(),
	})
}

func testConfig() config.OrchestratorConfig {
	cfg := config.DefaultConfig().Orchestrator
	for k := range cfg.NodeTimeouts {
		cfg.NodeTimeouts[k] = 2 * time.Second
	}
	cfg.RetryMaxAttempts = 2
	cfg.ReviewThreshold = 2.0 // unreachable by default; individual tests override
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg config.OrchestratorConfig) (*Orchestrator, *statestore.WorkflowStore, *fakeBus, *fakeReviewSink) {
	t.Helper()
	js := natstest.Start(t)
	store, err := statestore.EnsureBucket(context.Background(), js, time.Hour)
	require.NoError(t, err)
	workflows := statestore.NewWorkflowStore(store)

	bus := &fakeBus{}
	reviews := &fakeReviewSink{}

	orch, err := New("test-owner", cfg, workflows, bus, reviews, mockStages(), nil)
	require.NoError(t, err)
	return orch, workflows, bus, reviews
}

func TestOrchestrator_CompletesLowRiskWorkflow(t *testing.T) {
	cfg := testConfig()
	orch, workflows, bus, _ := newTestOrchestrator(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	item := domain.RawItem{
		SourceID:   "item-1",
		Source:     "test-feed",
		Payload:    map[string]any{"text": "A calm Report. Nothing urgent here."},
		IngestedAt: time.Now(),
	}

	require.NoError(t, orch.ProcessRawItem(ctx, item))

	w, err := workflows.Get(ctx, domain.WorkflowID(item.SourceID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, w.Status)
	assert.Equal(t, 1, bus.count(eventbus.TopicNotifications))
	assert.NotEmpty(t, w.ClaimResults)
}

func TestOrchestrator_WithObservability_RecordsWorkflowMetric(t *testing.T) {
	cfg := testConfig()
	orch, _, _, _ := newTestOrchestrator(t, cfg)
	reg := metrics.New("test_orch")
	orch.WithObservability(reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	item := domain.RawItem{
		SourceID:   "item-obs-1",
		Source:     "test-feed",
		Payload:    map[string]any{"text": "A calm Report. Nothing urgent here."},
		IngestedAt: time.Now(),
	}
	require.NoError(t, orch.ProcessRawItem(ctx, item))

	assert.Equal(t, 1, testutil.CollectAndCount(reg.WorkflowsTotal))
	assert.True(t, testutil.ToFloat64(reg.WorkflowsTotal.WithLabelValues(string(domain.StatusCompleted))) >= 1)
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.WorkflowsInFlight))
}

func TestOrchestrator_DuplicateSourceIDIsNoOp(t *testing.T) {
	cfg := testConfig()
	orch, workflows, _, _ := newTestOrchestrator(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	item := domain.RawItem{SourceID: "dup-1", Payload: map[string]any{"text": "Short text."}, IngestedAt: time.Now()}

	require.NoError(t, orch.ProcessRawItem(ctx, item))
	require.NoError(t, orch.ProcessRawItem(ctx, item))

	w, err := workflows.Get(ctx, domain.WorkflowID(item.SourceID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, w.Status)
}

func TestOrchestrator_HighRiskPausesForReview(t *testing.T) {
	cfg := testConfig()
	cfg.ReviewThreshold = 0.0 // anything routes to review
	orch, workflows, bus, reviews := newTestOrchestrator(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	item := domain.RawItem{SourceID: "risky-1", Payload: map[string]any{"text": "Alarming claim here."}, IngestedAt: time.Now()}
	require.NoError(t, orch.ProcessRawItem(ctx, item))

	w, err := workflows.Get(ctx, domain.WorkflowID(item.SourceID))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingReview, w.Status)
	assert.NotNil(t, w.Review)
	assert.Equal(t, 1, bus.count(eventbus.TopicAlerts))
	assert.Len(t, reviews.added, 1)
}

func TestOrchestrator_ResumeAfterApproval(t *testing.T) {
	cfg := testConfig()
	cfg.ReviewThreshold = 0.0
	orch, workflows, _, _ := newTestOrchestrator(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	item := domain.RawItem{SourceID: "resume-1", Payload: map[string]any{"text": "Needs a second look."}, IngestedAt: time.Now()}
	require.NoError(t, orch.ProcessRawItem(ctx, item))

	workflowID := domain.WorkflowID(item.SourceID)
	w, err := workflows.Get(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAwaitingReview, w.Status)

	require.NoError(t, workflows.AcquireOwnerLease(ctx, workflowID, "test-owner", time.Minute))
	_, err = workflows.RetryCAS(ctx, workflowID, 3, func(cur *domain.Workflow) error {
		cur.Status = domain.StatusResuming
		cur.Review.Decision = domain.DecisionApprove
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, orch.Resume(ctx, workflowID))

	final, err := workflows.Get(ctx, workflowID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
}
