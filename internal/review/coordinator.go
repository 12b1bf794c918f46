// Package review implements the Review Coordinator (C5): the operator
// surface over Workflows parked in AwaitingReview — list, claim (short
// lease), and decide (approve/reject/needs_investigation) — plus the
// periodic past-deadline reminder sweep.
//
// Grounded on processor/task-generator/component.go's transitionToFailure
// CAS idiom for every Workflow mutation here, and on
// workflow/validation/retry.go's lease-style guard pattern generalized
// from a single-writer retry budget to an operator claim lease.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/veriflow/internal/config"
	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/eventbus"
	"github.com/c360studio/veriflow/internal/metrics"
	"github.com/c360studio/veriflow/internal/statestore"
)

// Index is the narrow slice of reviewindex.Index the Coordinator needs.
type Index interface {
	List(ctx context.Context, offset, limit int64) ([]domain.ReviewTask, error)
	Remove(ctx context.Context, workflowID string) error
	PastDeadline(ctx context.Context, deadline time.Duration) ([]string, error)
}

// Publisher is the narrow slice of eventbus.Gateway the Coordinator needs.
type Publisher interface {
	Publish(ctx context.Context, topic eventbus.Topic, key string, payload any) error
}

// Resumer drives a Workflow forward after an approve decision. Satisfied
// by *orchestrator.Orchestrator.
type Resumer interface {
	Resume(ctx context.Context, workflowID string) error
}

// Coordinator implements the operator surface for listing, deciding, and
// cancelling reviews.
type Coordinator struct {
	workflows *statestore.WorkflowStore
	index     Index
	bus       Publisher
	resumer   Resumer
	cfg       config.ReviewConfig
	logger    *slog.Logger
	now       func() time.Time
	metrics   *metrics.Registry
}

// New constructs a Coordinator.
func New(workflows *statestore.WorkflowStore, index Index, bus Publisher, resumer Resumer, cfg config.ReviewConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{workflows: workflows, index: index, bus: bus, resumer: resumer, cfg: cfg, logger: logger, now: time.Now}
}

// WithMetrics attaches a metrics registry, injected into the constructor
// the way *slog.Logger is.
func (c *Coordinator) WithMetrics(reg *metrics.Registry) *Coordinator {
	c.metrics = reg
	return c
}

// List returns up to limit pending review tasks starting at offset — the
// "list reviews" operator surface operation.
func (c *Coordinator) List(ctx context.Context, offset, limit int64) ([]domain.ReviewTask, error) {
	return c.index.List(ctx, offset, limit)
}

// Claim grants operator a short lease on workflowID's review decision,
// returning the lease token. Fails with domain.ErrNotFound if the Workflow
// is unknown, domain.ErrAlreadyClaimed if a live lease is held by a
// different operator, or domain.ErrNotAwaitingReview if the Workflow has
// left AwaitingReview.
func (c *Coordinator) Claim(ctx context.Context, workflowID, operator string) (leaseToken string, err error) {
	token := uuid.NewString()
	expiresAt := c.now().Add(c.cfg.LeaseDuration)

	_, err = c.workflows.RetryCAS(ctx, workflowID, 3, func(w *domain.Workflow) error {
		if w.Status != domain.StatusAwaitingReview {
			return domain.ErrNotAwaitingReview
		}
		if w.Review == nil {
			w.Review = &domain.ReviewState{RequestedAt: c.now()}
		}
		if w.Review.LeaseOperator != "" && w.Review.LeaseOperator != operator && c.now().Before(w.Review.LeaseExpiresAt) {
			return domain.ErrAlreadyClaimed
		}
		w.Review.LeaseOperator = operator
		w.Review.LeaseToken = token
		w.Review.LeaseExpiresAt = expiresAt
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotAwaitingReview) || errors.Is(err, domain.ErrAlreadyClaimed) || errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("claim review %s: %w", workflowID, err)
	}
	return token, nil
}

// Decide records an operator's decision, validating leaseToken still owns
// the claim. approve CAS-transitions AwaitingReview -> Resuming and then
// drives the Workflow forward via the Resumer; reject transitions directly
// to Completed with a terminal annotation (no downstream publish);
// needs_investigation transitions to Cancelled pending human action
// elsewhere.
func (c *Coordinator) Decide(ctx context.Context, workflowID, leaseToken string, decision domain.ReviewDecision, feedback string) error {
	_, err := c.workflows.RetryCAS(ctx, workflowID, 3, func(cur *domain.Workflow) error {
		if cur.Status != domain.StatusAwaitingReview {
			return domain.ErrNotAwaitingReview
		}
		if cur.Review == nil || cur.Review.LeaseToken != leaseToken || c.now().After(cur.Review.LeaseExpiresAt) {
			return domain.ErrLeaseInvalid
		}
		cur.Review.Decision = decision
		cur.Review.DecidedAt = c.now()
		cur.Review.Feedback = feedback

		switch decision {
		case domain.DecisionApprove:
			cur.Status = domain.StatusResuming
		case domain.DecisionReject:
			cur.Status = domain.StatusCompleted
		case domain.DecisionNeedsInvestigation:
			cur.Status = domain.StatusCancelled
		default:
			return fmt.Errorf("unknown review decision %q", decision)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotAwaitingReview) || errors.Is(err, domain.ErrLeaseInvalid) {
			return err
		}
		return fmt.Errorf("decide review %s: %w", workflowID, err)
	}

	if err := c.index.Remove(ctx, workflowID); err != nil {
		c.logger.Warn("failed to remove workflow from review index", "workflow_id", workflowID, "error", err)
	} else if c.metrics != nil {
		c.metrics.ReviewPending.Dec()
	}

	if err := c.bus.Publish(ctx, eventbus.TopicNotifications, workflowID, domain.Notification{
		RecipientScope: "global",
		WorkflowID:     workflowID,
		Kind:           domain.EventReviewDecided,
		Summary:        fmt.Sprintf("workflow %s review decided: %s", workflowID, decision),
		At:             c.now(),
	}); err != nil {
		c.logger.Warn("failed to publish review-decided notification", "workflow_id", workflowID, "error", err)
	}

	c.metrics.RecordDecision(string(decision))

	switch decision {
	case domain.DecisionApprove:
		if err := c.resumer.Resume(ctx, workflowID); err != nil {
			return fmt.Errorf("resume workflow %s after approval: %w", workflowID, err)
		}
	case domain.DecisionReject, domain.DecisionNeedsInvestigation:
		if c.metrics != nil {
			c.metrics.WorkflowsInFlight.Dec()
		}
	}

	return nil
}

// Cancel cancels workflowID in any non-terminal status, returning
// domain.ErrTerminal if it is already terminal; used by the operator
// surface's cancel operation outside of the review flow.
func (c *Coordinator) Cancel(ctx context.Context, workflowID string) error {
	_, err := c.workflows.RetryCAS(ctx, workflowID, 3, func(w *domain.Workflow) error {
		if w.Status.IsTerminal() {
			return domain.ErrTerminal
		}
		w.Status = domain.StatusCancelled
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrTerminal) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("cancel workflow %s: %w", workflowID, err)
	}
	if c.metrics != nil {
		c.metrics.WorkflowsInFlight.Dec()
	}
	return c.index.Remove(ctx, workflowID)
}

// Status returns the current snapshot of workflowID, the operator
// surface's "status" operation.
func (c *Coordinator) Status(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	return c.workflows.Get(ctx, workflowID)
}

// RunReminders periodically scans the review index for tasks past
// cfg.Deadline and publishes a reminder alert for each, until ctx is
// cancelled. Grounded on queue/redis/queue.go's WaitForJobCompletion
// polling loop, generalized from blocking-wait to periodic-sweep.
func (c *Coordinator) RunReminders(ctx context.Context) {
	interval := c.cfg.ReminderInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOverdue(ctx)
		}
	}
}

func (c *Coordinator) sweepOverdue(ctx context.Context) {
	overdue, err := c.index.PastDeadline(ctx, c.cfg.Deadline)
	if err != nil {
		c.logger.Warn("failed to scan overdue reviews", "error", err)
		return
	}
	for _, workflowID := range overdue {
		c.metrics.RecordOverdue("reminder_sweep")
		if err := c.bus.Publish(ctx, eventbus.TopicAlerts, workflowID, domain.Alert{
			WorkflowID: workflowID,
			Kind:       "review_overdue",
			Severity:   domain.SeverityWarn,
			Summary:    fmt.Sprintf("workflow %s has awaited review past deadline", workflowID),
			At:         c.now(),
		}); err != nil {
			c.logger.Warn("failed to publish overdue reminder", "workflow_id", workflowID, "error", err)
		}
	}
}
