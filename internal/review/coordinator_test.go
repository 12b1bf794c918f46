package review

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/veriflow/internal/config"
	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/eventbus"
	"github.com/c360studio/veriflow/internal/metrics"
	"github.com/c360studio/veriflow/internal/natstest"
	"github.com/c360studio/veriflow/internal/reviewindex"
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

type fakeResumer struct {
	mu      sync.Mutex
	resumed []string
	err     error
}

func (f *fakeResumer) Resume(_ context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, workflowID)
	return f.err
}

func newTestCoordinator(t *testing.T) (*Coordinator, *statestore.WorkflowStore, *reviewindex.Index, *fakeBus, *fakeResumer) {
	t.Helper()
	js := natstest.Start(t)
	store, err := statestore.EnsureBucket(context.Background(), js, time.Hour)
	require.NoError(t, err)
	workflows := statestore.NewWorkflowStore(store)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idx := reviewindex.New(client)

	bus := &fakeBus{}
	resumer := &fakeResumer{}

	cfg := config.DefaultConfig().Review
	cfg.LeaseDuration = time.Minute
	cfg.Deadline = time.Hour
	cfg.ReminderInterval = time.Millisecond // exercised directly via sweepOverdue, not the ticker

	coord := New(workflows, idx, bus, resumer, cfg, nil)
	return coord, workflows, idx, bus, resumer
}

func awaitingReviewWorkflow(t *testing.T, workflows *statestore.WorkflowStore, idx *reviewindex.Index, sourceID string) string {
	t.Helper()
	ctx := context.Background()
	item := domain.RawItem{SourceID: sourceID, Payload: map[string]any{"text": "x"}, IngestedAt: time.Now()}
	w := domain.NewWorkflow(item, time.Now(), time.Hour)
	require.NoError(t, workflows.Create(ctx, w))

	score := 0.9
	_, err := workflows.RetryCAS(ctx, w.WorkflowID, 3, func(cur *domain.Workflow) error {
		cur.Status = domain.StatusRunning
		cur.Status = domain.StatusAwaitingReview
		cur.RiskScore = &score
		cur.Review = &domain.ReviewState{RequestedAt: time.Now()}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, idx.Add(ctx, domain.ReviewTask{
		WorkflowID:  w.WorkflowID,
		SourceID:    sourceID,
		RiskScore:   score,
		RequestedAt: time.Now(),
	}))
	return w.WorkflowID
}

func TestCoordinator_ListReturnsPending(t *testing.T) {
	coord, workflows, idx, _, _ := newTestCoordinator(t)
	id := awaitingReviewWorkflow(t, workflows, idx, "src-1")

	tasks, err := coord.List(context.Background(), 0, 50)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].WorkflowID)
}

func TestCoordinator_Claim_RejectsSecondOperator(t *testing.T) {
	coord, workflows, idx, _, _ := newTestCoordinator(t)
	id := awaitingReviewWorkflow(t, workflows, idx, "src-3")

	_, err := coord.Claim(context.Background(), id, "alice")
	require.NoError(t, err)

	_, err = coord.Claim(context.Background(), id, "bob")
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}

func TestCoordinator_Decide_Approve(t *testing.T) {
	coord, workflows, idx, bus, resumer := newTestCoordinator(t)
	id := awaitingReviewWorkflow(t, workflows, idx, "src-4")

	token, err := coord.Claim(context.Background(), id, "alice")
	require.NoError(t, err)

	require.NoError(t, coord.Decide(context.Background(), id, token, domain.DecisionApprove, "looks fine"))

	w, err := workflows.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResuming, w.Status)
	assert.Equal(t, domain.DecisionApprove, w.Review.Decision)

	contained, err := idx.Contains(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, contained)

	assert.Equal(t, 1, bus.count(eventbus.TopicNotifications))
	resumer.mu.Lock()
	assert.Equal(t, []string{id}, resumer.resumed)
	resumer.mu.Unlock()
}

func TestCoordinator_Decide_Reject(t *testing.T) {
	coord, workflows, idx, _, resumer := newTestCoordinator(t)
	id := awaitingReviewWorkflow(t, workflows, idx, "src-5")

	token, err := coord.Claim(context.Background(), id, "alice")
	require.NoError(t, err)

	require.NoError(t, coord.Decide(context.Background(), id, token, domain.DecisionReject, "not credible"))

	w, err := workflows.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, w.Status)

	resumer.mu.Lock()
	assert.Empty(t, resumer.resumed)
	resumer.mu.Unlock()
}

func TestCoordinator_Decide_NeedsInvestigation(t *testing.T) {
	coord, workflows, idx, _, _ := newTestCoordinator(t)
	id := awaitingReviewWorkflow(t, workflows, idx, "src-6")

	token, err := coord.Claim(context.Background(), id, "alice")
	require.NoError(t, err)

	require.NoError(t, coord.Decide(context.Background(), id, token, domain.DecisionNeedsInvestigation, "escalate"))

	w, err := workflows.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, w.Status)
}

func TestCoordinator_Decide_InvalidLease(t *testing.T) {
	coord, workflows, idx, _, _ := newTestCoordinator(t)
	id := awaitingReviewWorkflow(t, workflows, idx, "src-7")

	_, err := coord.Claim(context.Background(), id, "alice")
	require.NoError(t, err)

	err = coord.Decide(context.Background(), id, "wrong-token", domain.DecisionApprove, "")
	assert.ErrorIs(t, err, domain.ErrLeaseInvalid)
}

func TestCoordinator_Cancel(t *testing.T) {
	coord, workflows, idx, _, _ := newTestCoordinator(t)
	id := awaitingReviewWorkflow(t, workflows, idx, "src-8")

	require.NoError(t, coord.Cancel(context.Background(), id))

	w, err := workflows.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, w.Status)
}

func TestCoordinator_Decide_RejectDecrementsInFlight(t *testing.T) {
	coord, workflows, idx, _, _ := newTestCoordinator(t)
	reg := metrics.New("test_review_reject")
	coord.WithMetrics(reg)
	reg.WorkflowsInFlight.Inc()

	id := awaitingReviewWorkflow(t, workflows, idx, "src-10")
	token, err := coord.Claim(context.Background(), id, "alice")
	require.NoError(t, err)

	require.NoError(t, coord.Decide(context.Background(), id, token, domain.DecisionReject, "not credible"))
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.WorkflowsInFlight))
}

func TestCoordinator_Decide_NeedsInvestigationDecrementsInFlight(t *testing.T) {
	coord, workflows, idx, _, _ := newTestCoordinator(t)
	reg := metrics.New("test_review_investigate")
	coord.WithMetrics(reg)
	reg.WorkflowsInFlight.Inc()

	id := awaitingReviewWorkflow(t, workflows, idx, "src-11")
	token, err := coord.Claim(context.Background(), id, "alice")
	require.NoError(t, err)

	require.NoError(t, coord.Decide(context.Background(), id, token, domain.DecisionNeedsInvestigation, "escalate"))
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.WorkflowsInFlight))
}

func TestCoordinator_Decide_ApproveDoesNotDecrementInFlight(t *testing.T) {
	coord, workflows, idx, _, _ := newTestCoordinator(t)
	reg := metrics.New("test_review_approve")
	coord.WithMetrics(reg)
	reg.WorkflowsInFlight.Inc()

	id := awaitingReviewWorkflow(t, workflows, idx, "src-12")
	token, err := coord.Claim(context.Background(), id, "alice")
	require.NoError(t, err)

	require.NoError(t, coord.Decide(context.Background(), id, token, domain.DecisionApprove, "looks fine"))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.WorkflowsInFlight), "approve hands the workflow back to Resuming, still in flight")
}

func TestCoordinator_Cancel_DecrementsInFlight(t *testing.T) {
	coord, workflows, idx, _, _ := newTestCoordinator(t)
	reg := metrics.New("test_review_cancel")
	coord.WithMetrics(reg)
	reg.WorkflowsInFlight.Inc()

	id := awaitingReviewWorkflow(t, workflows, idx, "src-13")
	require.NoError(t, coord.Cancel(context.Background(), id))
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.WorkflowsInFlight))
}

func TestCoordinator_SweepOverdue_PublishesAlert(t *testing.T) {
	coord, workflows, idx, bus, _ := newTestCoordinator(t)
	id := awaitingReviewWorkflow(t, workflows, idx, "src-9")

	coord.cfg.Deadline = 0 // everything is "overdue" immediately
	coord.sweepOverdue(context.Background())

	assert.Equal(t, 1, bus.count(eventbus.TopicAlerts))
	_ = id
}
