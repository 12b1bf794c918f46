package orchestrator

import (
	"context"
	"strings"

	"github.com/c360studio/veriflow/internal/domain"
)

// Recover performs the startup recovery pass: scan for every Workflow in
// Running or Resuming without a live owner-lease, claim it,
// rehydrate from its latest Checkpoint, and resume driving it from the
// node after that checkpoint. Grounded on
// processor/task-generator/component.go's reconciliation-on-startup scan
// over bucket keys (js.Keys + per-key Get + status filter), generalized
// from that teacher's single status field to the Workflow record's
// Status/CurrentNode pair.
func (o *Orchestrator) Recover(ctx context.Context) (recovered int, err error) {
	keys, err := o.workflows.KeysWithPrefix(ctx, "wf:state:")
	if err != nil {
		return 0, err
	}

	for _, key := range keys {
		workflowID := strings.TrimPrefix(key, "wf:state:")
		if workflowID == key {
			continue
		}

		w, getErr := o.workflows.Get(ctx, workflowID)
		if getErr != nil {
			o.logger.Warn("recovery: failed to load workflow", "workflow_id", workflowID, "error", getErr)
			continue
		}

		if w.Status != domain.StatusRunning && w.Status != domain.StatusResuming {
			continue
		}

		live, liveErr := o.workflows.IsOwnerLeaseLive(ctx, workflowID)
		if liveErr != nil {
			o.logger.Warn("recovery: failed to check owner lease", "workflow_id", workflowID, "error", liveErr)
			continue
		}
		if live {
			continue // owned by another live Orchestrator process
		}

		if err := o.workflows.AcquireOwnerLease(ctx, workflowID, o.ownerID, o.cfg.OwnerLeaseTTL); err != nil {
			o.logger.Warn("recovery: failed to acquire owner lease", "workflow_id", workflowID, "error", err)
			continue
		}

		o.rehydrateFromCheckpoint(ctx, w)

		o.logger.Info("recovery: resuming orphaned workflow", "workflow_id", workflowID, "resume_node", w.CurrentNode)
		if err := o.drive(ctx, w); err != nil {
			o.logger.Error("recovery: drive failed", "workflow_id", workflowID, "error", err)
		}
		recovered++

		if relErr := o.workflows.ReleaseOwnerLease(ctx, workflowID); relErr != nil {
			o.logger.Warn("recovery: failed to release owner lease", "workflow_id", workflowID, "error", relErr)
		}
	}

	return recovered, nil
}

// rehydrateFromCheckpoint replays into Results the Snapshot of every
// linear-spine node that has a Checkpoint but no recorded result (a crash
// between checkpoint write and CAS). Results already recorded are not
// compared with their checkpoints, and CurrentNode is left as stored, so a
// node whose CAS was lost runs again.
func (o *Orchestrator) rehydrateFromCheckpoint(ctx context.Context, w *domain.Workflow) {
	for _, node := range domain.LinearSequence() {
		ckpt, err := o.workflows.LatestCheckpoint(ctx, w.WorkflowID, node)
		if err != nil {
			continue
		}
		if _, have := w.Results[node]; !have {
			w.SetResult(node, ckpt.Snapshot)
		}
	}
}
