package statestore

import "fmt"

// Key namespaces. NATS KV keys may not contain ':' followed by further
// structural meaning the way a Redis key would, but ':' itself is a
// legal KV key character, so the namespaces below use it verbatim.

// WorkflowStateKey is the authoritative Workflow record key.
func WorkflowStateKey(workflowID string) string {
	return fmt.Sprintf("wf:state:%s", workflowID)
}

// CheckpointKey is the durable checkpoint key for one node of one workflow.
func CheckpointKey(workflowID string, node string) string {
	return fmt.Sprintf("wf:ckpt:%s:%s", workflowID, node)
}

// DedupLockKey is the short-TTL dedup token keyed by source_id.
func DedupLockKey(sourceID string) string {
	return fmt.Sprintf("wf:lock:%s", sourceID)
}

// OwnerLeaseKey is the short-lived owner-lease token for a workflow.
func OwnerLeaseKey(workflowID string) string {
	return fmt.Sprintf("wf:owner:%s", workflowID)
}
