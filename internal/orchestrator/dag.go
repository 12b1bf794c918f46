// Package orchestrator implements the DAG Orchestrator (C4): the component
// that drives a Workflow through the fixed pipeline, CAS-guards every state
// transition, checkpoints before announcing, fans out per-claim work under
// bounded concurrency, and recovers orphaned Workflows at startup.
//
// Grounded on workflow/reactive/coordination_loop.go's fan-out/fan-in
// design (dispatch, single-writer merge, completion rule) and
// processor/task-generator/component.go's transitionToFailure CAS idiom,
// generalized from a proprietary reactive-engine DSL into direct calls
// against statestore.WorkflowStore and eventbus.Gateway.
package orchestrator

import (
	"github.com/c360studio/veriflow/internal/collaborators"
	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/noderuntime"
)

// StageSet maps every DAG node to the Stage that implements it.
type StageSet map[domain.Node]noderuntime.Stage

// BuildStageSet adapts a set of named Collaborators into a StageSet,
// keeping the Orchestrator itself ignorant of how each node's opaque work
// is actually performed.
func BuildStageSet(collabs map[domain.Node]collaborators.Collaborator) StageSet {
	stages := make(StageSet, len(collabs))
	for node, c := range collabs {
		stages[node] = noderuntime.FromCollaborator(c)
	}
	return stages
}

// requiredNodes is every node a complete StageSet must provide, used by
// Orchestrator construction to fail fast on a missing wiring rather than
// panicking mid-pipeline.
func requiredNodes() []domain.Node {
	nodes := append([]domain.Node{}, domain.LinearSequence()...)
	nodes = append(nodes, domain.ClaimSubPipeline()...)
	return nodes
}
