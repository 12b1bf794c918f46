package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/veriflow/internal/config"
	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/eventbus"
	"github.com/c360studio/veriflow/internal/metrics"
	"github.com/c360studio/veriflow/internal/noderuntime"
	"github.com/c360studio/veriflow/internal/statestore"
)

// Publisher is the narrow slice of eventbus.Gateway the Orchestrator needs,
// kept as an interface so tests can substitute a fake bus.
type Publisher interface {
	Publish(ctx context.Context, topic eventbus.Topic, key string, payload any) error
}

// ReviewSink is the narrow slice of reviewindex.Index the Orchestrator
// needs to add/remove a Workflow from the pending-review projection.
type ReviewSink interface {
	Add(ctx context.Context, task domain.ReviewTask) error
	Remove(ctx context.Context, workflowID string) error
}

// Orchestrator drives Workflows through the fixed DAG. It exclusively owns
// authoritative Workflow mutation for any Workflow it holds the
// owner-lease on.
type Orchestrator struct {
	ownerID   string
	cfg       config.OrchestratorConfig
	workflows *statestore.WorkflowStore
	bus       Publisher
	reviews   ReviewSink
	runtime   *noderuntime.Runtime
	stages    StageSet
	logger    *slog.Logger
	now       func() time.Time
	metrics   *metrics.Registry
}

// WithObservability attaches a metrics registry and tracer, propagating
// the tracer down into the Node Runtime, injected into the constructor the
// way *slog.Logger is.
func (o *Orchestrator) WithObservability(reg *metrics.Registry, tracer trace.Tracer) *Orchestrator {
	o.metrics = reg
	o.runtime.WithObservability(reg, tracer)
	return o
}

// New constructs an Orchestrator. ownerID identifies this process for
// owner-lease acquisition and recovery.
func New(ownerID string, cfg config.OrchestratorConfig, workflows *statestore.WorkflowStore, bus Publisher, reviews ReviewSink, stages StageSet, logger *slog.Logger) (*Orchestrator, error) {
	for _, node := range requiredNodes() {
		if _, ok := stages[node]; !ok {
			return nil, fmt.Errorf("orchestrator: no stage registered for node %q", node)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		ownerID:   ownerID,
		cfg:       cfg,
		workflows: workflows,
		bus:       bus,
		reviews:   reviews,
		runtime:   noderuntime.New(time.Now),
		stages:    stages,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (o *Orchestrator) nodeTimeout(node domain.Node) time.Duration {
	return o.cfg.NodeTimeout(string(node), 30*time.Second)
}

// ProcessRawItem is the entry point invoked by the Supervisor for every
// message delivered on raw-items. It enforces exactly-one-workflow-per-item
// (invariant 1), acquires ownership, and drives the Workflow to its next
// pause point (a terminal status, or AwaitingReview).
func (o *Orchestrator) ProcessRawItem(ctx context.Context, item domain.RawItem) error {
	workflowID, acquired, err := o.workflows.AcquireDedupLock(ctx, item.SourceID, o.ownerID)
	if err != nil {
		return fmt.Errorf("acquire dedup lock: %w", err)
	}

	if !acquired {
		// A Workflow already exists for this source_id: duplicate delivery
		// is acknowledged without reprocessing; nothing further to do unless it is still
		// ownerless and in-flight, in which case Recovery (not this
		// method) will pick it up.
		o.logger.Debug("duplicate raw item, skipping", "source_id", item.SourceID, "workflow_id", workflowID)
		return nil
	}

	w := domain.NewWorkflow(item, o.now(), o.cfg.WorkflowDeadline)
	if err := o.workflows.Create(ctx, w); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("create workflow: %w", err)
	}
	if o.metrics != nil {
		o.metrics.WorkflowsInFlight.Inc()
	}

	if err := o.workflows.AcquireOwnerLease(ctx, w.WorkflowID, o.ownerID, o.cfg.OwnerLeaseTTL); err != nil {
		return fmt.Errorf("acquire owner lease: %w", err)
	}
	defer func() {
		if err := o.workflows.ReleaseOwnerLease(context.WithoutCancel(ctx), w.WorkflowID); err != nil {
			o.logger.Warn("failed to release owner lease", "workflow_id", w.WorkflowID, "error", err)
		}
	}()

	return o.drive(ctx, w)
}

// Resume continues a Workflow from Resuming (set by the Review Coordinator
// after an approve decision). Resume neither acquires nor checks the
// owner-lease.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) error {
	w, err := o.workflows.Get(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	return o.drive(ctx, w)
}

// drive runs w forward through the DAG from its CurrentNode until it
// reaches a terminal status, AwaitingReview, or an unrecoverable error.
func (o *Orchestrator) drive(ctx context.Context, w *domain.Workflow) error {
	if w.Status == domain.StatusPending {
		if err := o.transitionStatus(ctx, w, domain.StatusRunning); err != nil {
			return err
		}
		w.CurrentNode = domain.NodeNormalize
	}
	if w.Status == domain.StatusResuming {
		if err := o.transitionStatus(ctx, w, domain.StatusRunning); err != nil {
			return err
		}
		w.CurrentNode = domain.NodeDraftAdvisory
	}

	node := w.CurrentNode
	for {
		if o.checkCancelled(ctx, w) {
			return nil
		}

		switch node {
		case domain.NodeClaimExtract:
			if err := o.runNode(ctx, w, node); err != nil {
				return err
			}
			if w.Status != domain.StatusRunning {
				return nil
			}
			if err := o.runClaimsAndMerge(ctx, w); err != nil {
				return err
			}
			if w.Status != domain.StatusRunning {
				return nil
			}
			node = domain.NodeMerge
			continue

		case domain.NodeRiskScore:
			if err := o.runNode(ctx, w, node); err != nil {
				return err
			}
			if w.Status != domain.StatusRunning {
				return nil
			}
			awaiting, err := o.maybeAwaitReview(ctx, w)
			if err != nil {
				return err
			}
			if awaiting {
				return nil
			}
			next, _ := node.Next()
			node = next
			continue

		default:
			if err := o.runNode(ctx, w, node); err != nil {
				return err
			}
			if w.Status != domain.StatusRunning {
				return nil
			}
			next, ok := node.Next()
			if !ok {
				return o.completeWorkflow(ctx, w)
			}
			node = next
			continue
		}
	}
}

// runNode executes one linear-spine node, checkpointing before CAS-writing
// the Workflow record, the checkpoint-before-announce ordering.
func (o *Orchestrator) runNode(ctx context.Context, w *domain.Workflow, node domain.Node) error {
	input := o.stageInput(w, node)
	cfg := noderuntime.DefaultConfig(o.nodeTimeout(node), o.cfg.RetryMaxAttempts)
	stage, ok := o.stages[node]
	if !ok {
		return fmt.Errorf("no stage registered for node %q", node)
	}

	outcome := o.runtime.Run(ctx, node, cfg, input, stage, func() bool { return o.checkCancelled(ctx, w) })

	if !outcome.Succeeded {
		return o.failWorkflow(ctx, w, outcome)
	}

	if err := o.checkpointAndAdvance(ctx, w, node, outcome); err != nil {
		return err
	}
	return nil
}

// stageInput assembles the input map a node's Stage receives: the
// Workflow's accumulated results plus the raw item fields every stage may
// need for context.
func (o *Orchestrator) stageInput(w *domain.Workflow, node domain.Node) map[string]any {
	input := map[string]any{
		"workflow_id": w.WorkflowID,
		"source_id":   w.SourceID,
	}
	for k, v := range w.RawPayload {
		input[k] = v
	}
	for n, fragment := range w.Results {
		input[string(n)] = fragment
	}
	if w.RiskScore != nil {
		input["risk_score"] = *w.RiskScore
	}
	if node == domain.NodeMerge {
		input["claim_order"] = w.ClaimOrder
		input["claim_results"] = w.ClaimResults
	}
	return input
}

// checkpointAndAdvance writes the durable Checkpoint first, then
// CAS-updates the Workflow record with the node's result fragment and the
// next CurrentNode, the ordering required before any downstream topic is
// published or the inbound message is acknowledged.
func (o *Orchestrator) checkpointAndAdvance(ctx context.Context, w *domain.Workflow, node domain.Node, outcome noderuntime.Outcome) error {
	ckpt := domain.Checkpoint{
		WorkflowID: w.WorkflowID,
		Node:       node,
		Attempt:    outcome.Attempts,
		Snapshot:   outcome.Fragment,
	}
	if err := o.workflows.PutCheckpoint(ctx, ckpt); err != nil {
		return fmt.Errorf("write checkpoint for %s/%s: %w", w.WorkflowID, node, err)
	}

	_, err := o.workflows.RetryCAS(ctx, w.WorkflowID, o.cfg.RetryMaxAttempts, func(cur *domain.Workflow) error {
		cur.SetResult(node, outcome.Fragment)
		cur.RetryCounts[node] = outcome.Attempts - 1
		for _, e := range outcome.Errors {
			cur.Errors = append(cur.Errors, e)
		}
		if next, ok := node.Next(); ok {
			cur.CurrentNode = next
		}
		if node == domain.NodeRiskScore {
			if score, ok := outcome.Fragment["risk_score"].(float64); ok {
				cur.RiskScore = &score
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.NewStageError(domain.KindConsistencyLost, fmt.Sprintf("CAS exhausted for %s/%s", w.WorkflowID, node), err)
		}
		return err
	}

	fresh, err := o.workflows.Get(ctx, w.WorkflowID)
	if err != nil {
		return err
	}
	*w = *fresh
	// The JSON round trip decodes typed values (ClaimExtract's []domain.Claim)
	// into generic maps; keep this node's in-memory fragment so the per-claim
	// fan-out that follows ClaimExtract reads its claims typed.
	w.SetResult(node, outcome.Fragment)
	return nil
}

// runClaimsAndMerge fans out the per-claim sub-pipeline, merges the results
// deterministically in claim_order, and either fails the Workflow
// (AllClaimsFailed) or records the merged ClaimResults.
func (o *Orchestrator) runClaimsAndMerge(ctx context.Context, w *domain.Workflow) error {
	claims, _ := w.Results[domain.NodeClaimExtract]["claims"].([]domain.Claim)
	order := make([]string, 0, len(claims))
	for _, c := range claims {
		order = append(order, c.ClaimID)
	}

	results, err := o.runClaimFanout(ctx, w)
	if err != nil {
		return err
	}

	if allClaimsFailed(results) {
		entry := domain.ErrorEntry{Node: domain.NodeClaimExtract, Kind: domain.KindAllClaimsFailed, Detail: "every claim's sub-pipeline failed", Timestamp: o.now()}
		return o.failWorkflowWithEntry(ctx, w, entry)
	}

	_, err = o.workflows.RetryCAS(ctx, w.WorkflowID, o.cfg.RetryMaxAttempts, func(cur *domain.Workflow) error {
		cur.ClaimOrder = order
		if cur.ClaimResults == nil {
			cur.ClaimResults = make(map[string]domain.ClaimResult, len(results))
		}
		for id, r := range results {
			cur.ClaimResults[id] = r
			if r.Err != nil {
				cur.Errors = append(cur.Errors, *r.Err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	fresh, err := o.workflows.Get(ctx, w.WorkflowID)
	if err != nil {
		return err
	}
	*w = *fresh
	return nil
}

// maybeAwaitReview routes w into AwaitingReview when its risk score meets
// or exceeds review_threshold, indexing it in the Review Index and
// publishing an alert.
func (o *Orchestrator) maybeAwaitReview(ctx context.Context, w *domain.Workflow) (bool, error) {
	if w.RiskScore == nil || *w.RiskScore < o.cfg.ReviewThreshold {
		return false, nil
	}

	requestedAt := o.now()
	_, err := o.workflows.RetryCAS(ctx, w.WorkflowID, o.cfg.RetryMaxAttempts, func(cur *domain.Workflow) error {
		cur.Status = domain.StatusAwaitingReview
		cur.CurrentNode = domain.NodeAwaitReview
		cur.Review = &domain.ReviewState{RequestedAt: requestedAt}
		return nil
	})
	if err != nil {
		return false, err
	}

	if err := o.reviews.Add(ctx, domain.ReviewTask{
		WorkflowID: w.WorkflowID, SourceID: w.SourceID, RiskScore: *w.RiskScore, RequestedAt: requestedAt,
	}); err != nil {
		o.logger.Warn("failed to index pending review", "workflow_id", w.WorkflowID, "error", err)
	} else if o.metrics != nil {
		o.metrics.ReviewPending.Inc()
	}

	if err := o.bus.Publish(ctx, eventbus.TopicAlerts, w.WorkflowID, domain.Alert{
		WorkflowID: w.WorkflowID,
		Kind:       "review_requested",
		Severity:   domain.SeverityWarn,
		Summary:    fmt.Sprintf("workflow %s requires review (risk=%.2f)", w.WorkflowID, *w.RiskScore),
		At:         requestedAt,
	}); err != nil {
		o.logger.Warn("failed to publish review alert", "workflow_id", w.WorkflowID, "error", err)
	}

	return true, nil
}

// completeWorkflow CAS-transitions w to Completed and publishes the
// terminal notification, once Publish has run successfully.
func (o *Orchestrator) completeWorkflow(ctx context.Context, w *domain.Workflow) error {
	_, err := o.workflows.RetryCAS(ctx, w.WorkflowID, o.cfg.RetryMaxAttempts, func(cur *domain.Workflow) error {
		cur.Status = domain.StatusCompleted
		return nil
	})
	if err != nil {
		return err
	}
	o.metrics.ObserveWorkflow(string(domain.StatusCompleted), o.now().Sub(w.CreatedAt))
	if o.metrics != nil {
		o.metrics.WorkflowsInFlight.Dec()
	}
	return o.bus.Publish(ctx, eventbus.TopicNotifications, w.WorkflowID, domain.Notification{
		RecipientScope: "global",
		WorkflowID:     w.WorkflowID,
		Kind:           domain.EventCompleted,
		Summary:        fmt.Sprintf("workflow %s completed", w.WorkflowID),
		At:             o.now(),
	})
}

// failWorkflow records outcome's terminal error and CAS-transitions w to
// Failed, publishing a critical alert.
func (o *Orchestrator) failWorkflow(ctx context.Context, w *domain.Workflow, outcome noderuntime.Outcome) error {
	entry := lastErrorEntry(outcome)
	return o.failWorkflowWithEntry(ctx, w, entry)
}

func (o *Orchestrator) failWorkflowWithEntry(ctx context.Context, w *domain.Workflow, entry domain.ErrorEntry) error {
	_, err := o.workflows.RetryCAS(ctx, w.WorkflowID, o.cfg.RetryMaxAttempts, func(cur *domain.Workflow) error {
		cur.Status = domain.StatusFailed
		cur.Errors = append(cur.Errors, entry)
		return nil
	})
	if err != nil {
		return err
	}
	o.metrics.ObserveWorkflow(string(domain.StatusFailed), o.now().Sub(w.CreatedAt))
	if o.metrics != nil {
		o.metrics.WorkflowsInFlight.Dec()
	}
	return o.bus.Publish(ctx, eventbus.TopicAlerts, w.WorkflowID, domain.Alert{
		WorkflowID: w.WorkflowID,
		Kind:       string(entry.Kind),
		Severity:   domain.SeverityCritical,
		Summary:    fmt.Sprintf("workflow %s failed at %s: %s", w.WorkflowID, entry.Node, entry.Detail),
		At:         o.now(),
	})
}

// checkCancelled reloads w's cancellation flag from the State Store and,
// if set, CAS-transitions it to Cancelled. Cancellation is only observed
// at node boundaries.
func (o *Orchestrator) checkCancelled(ctx context.Context, w *domain.Workflow) bool {
	if !o.isCancelled(ctx, w.WorkflowID) {
		return false
	}
	if err := o.cancelWorkflow(ctx, w); err != nil {
		o.logger.Warn("failed to CAS-transition to Cancelled", "workflow_id", w.WorkflowID, "error", err)
	}
	return true
}

func (o *Orchestrator) isCancelled(ctx context.Context, workflowID string) bool {
	fresh, err := o.workflows.Get(ctx, workflowID)
	if err != nil {
		return false
	}
	return fresh.Cancelled
}

func (o *Orchestrator) cancelWorkflow(ctx context.Context, w *domain.Workflow) error {
	cancelled := false
	_, err := o.workflows.RetryCAS(ctx, w.WorkflowID, o.cfg.RetryMaxAttempts, func(cur *domain.Workflow) error {
		if cur.Status.IsTerminal() {
			return nil
		}
		cur.Status = domain.StatusCancelled
		cancelled = true
		return nil
	})
	if err == nil && cancelled && o.metrics != nil {
		o.metrics.WorkflowsInFlight.Dec()
	}
	return err
}

// transitionStatus CAS-transitions w.Status to target, validating against
// domain.Status's transition table.
func (o *Orchestrator) transitionStatus(ctx context.Context, w *domain.Workflow, target domain.Status) error {
	if !w.Status.CanTransitionTo(target) {
		return fmt.Errorf("invalid transition %s -> %s for workflow %s", w.Status, target, w.WorkflowID)
	}
	_, err := o.workflows.RetryCAS(ctx, w.WorkflowID, o.cfg.RetryMaxAttempts, func(cur *domain.Workflow) error {
		cur.Status = target
		return nil
	})
	if err != nil {
		return err
	}
	fresh, err := o.workflows.Get(ctx, w.WorkflowID)
	if err != nil {
		return err
	}
	*w = *fresh
	return nil
}

// NewOwnerID generates a process-unique owner id, used as the Orchestrator
// instance's identity for dedup-lock and owner-lease acquisition.
func NewOwnerID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
