package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/c360studio/veriflow/internal/domain"
)

// RunTTLExtension periodically renews the State Store bucket TTL for every
// non-terminal Workflow, so a long-running Workflow's record does not expire
// mid-flight once it outlives the bucket's base workflow_ttl. Runs until ctx
// is cancelled. Grounded on review.Coordinator.RunReminders's ticker loop
// and Recover's bucket-key scan, combined into a periodic sweep instead of a
// once-at-startup pass.
func (o *Orchestrator) RunTTLExtension(ctx context.Context) {
	interval := time.Duration(float64(o.cfg.WorkflowTTL) * o.cfg.TTLExtensionFraction)
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
			o.sweepTTLExtensions(ctx)
		}
	}
}

func (o *Orchestrator) sweepTTLExtensions(ctx context.Context) {
	keys, err := o.workflows.KeysWithPrefix(ctx, "wf:state:")
	if err != nil {
		o.logger.Warn("ttl extension: failed to list workflows", "error", err)
		return
	}

	for _, key := range keys {
		workflowID := strings.TrimPrefix(key, "wf:state:")
		if workflowID == key {
			continue
		}

		w, err := o.workflows.Get(ctx, workflowID)
		if err != nil {
			o.logger.Warn("ttl extension: failed to load workflow", "workflow_id", workflowID, "error", err)
			continue
		}
		if w.Status.IsTerminal() {
			continue
		}

		if err := o.workflows.ExtendTTL(ctx, w); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				// Another writer advanced this workflow since Get; its TTL
				// was implicitly refreshed by that write, so skip it.
				continue
			}
			o.logger.Warn("ttl extension: failed to extend workflow ttl", "workflow_id", workflowID, "error", err)
		}
	}
}
