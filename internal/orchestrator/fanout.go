package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/noderuntime"
)

// runClaimFanout runs the per-claim sub-pipeline (TopicAssign ->
// EvidenceRetrieve -> VeracityAssess) for every claim in w.ClaimOrder,
// bounded to parallelism concurrent sub-pipelines via errgroup.SetLimit —
// the idiomatic generalization of a fixed-worker-count pool pattern
// (DefaultMaxWorkers), here made dynamic since claim_parallelism is
// authoritative and configurable per deployment.
//
// Results are merged back in claim-extraction order regardless of
// completion order, so the Merge node never depends on goroutine
// scheduling, matching the single-writer merge discipline of the
// coordination-loop design it is grounded on.
func (o *Orchestrator) runClaimFanout(ctx context.Context, w *domain.Workflow) (map[string]domain.ClaimResult, error) {
	claims, ok := w.Results[domain.NodeClaimExtract]["claims"].([]domain.Claim)
	if !ok || len(claims) == 0 {
		return map[string]domain.ClaimResult{}, nil
	}

	results := make(map[string]domain.ClaimResult, len(claims))
	var mu sync.Mutex

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.ClaimParallelism)

	for _, claim := range claims {
		claim := claim
		group.Go(func() error {
			result := o.runOneClaim(gctx, w, claim)
			mu.Lock()
			results[claim.ClaimID] = result
			mu.Unlock()
			return nil // per-claim failure is recorded in result, never aborts the group
		})
	}
	_ = group.Wait() // errors are carried in results, not returned

	return results, nil
}

// runOneClaim drives a single claim through TopicAssign, EvidenceRetrieve,
// and VeracityAssess, stopping at the first stage failure and recording it
// on the ClaimResult rather than propagating: a claim whose sub-pipeline
// fails marks that claim failed independently, it does not abort the
// Workflow unless every claim fails.
func (o *Orchestrator) runOneClaim(ctx context.Context, w *domain.Workflow, claim domain.Claim) domain.ClaimResult {
	result := domain.ClaimResult{Claim: claim}
	input := map[string]any{"claim": claim, "workflow_id": w.WorkflowID}

	for _, node := range domain.ClaimSubPipeline() {
		stage, ok := o.stages[node]
		if !ok {
			entry := domain.ErrorEntry{Node: node, Kind: domain.KindValidation, Detail: "no stage registered", Attempt: 0, Timestamp: o.now()}
			result.Err = &entry
			return result
		}

		cfg := noderuntime.DefaultConfig(o.nodeTimeout(node), o.cfg.RetryMaxAttempts)
		outcome := o.runtime.Run(ctx, node, cfg, input, stage, func() bool { return o.isCancelled(ctx, w.WorkflowID) })
		if !outcome.Succeeded {
			entry := lastErrorEntry(outcome)
			result.Err = &entry
			return result
		}

		switch node {
		case domain.NodeTopicAssign:
			if topic, ok := outcome.Fragment["topic"].(string); ok {
				result.Topic = topic
			}
			input["topic"] = result.Topic
		case domain.NodeEvidenceRetrieve:
			result.Evidence = outcome.Fragment
			input["evidence"] = outcome.Fragment
		case domain.NodeVeracityAssess:
			result.Veracity = outcome.Fragment
		}
	}

	result.Succeeded = true
	return result
}

func lastErrorEntry(outcome noderuntime.Outcome) domain.ErrorEntry {
	if len(outcome.Errors) > 0 {
		return outcome.Errors[len(outcome.Errors)-1]
	}
	return domain.ErrorEntry{Node: outcome.Node, Kind: outcome.FinalKind, Timestamp: time.Now()}
}

// allClaimsFailed reports whether every claim result in results failed,
// the trigger for the AllClaimsFailed terminal kind.
func allClaimsFailed(results map[string]domain.ClaimResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Succeeded {
			return false
		}
	}
	return true
}
