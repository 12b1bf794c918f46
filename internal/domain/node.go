package domain

// Node names the fixed DAG stages. The DAG is closed — every switch over
// Node should be exhaustive rather than dispatching dynamically by name.
type Node string

const (
	NodeNormalize        Node = "normalize"
	NodeEntityExtract    Node = "entity"
	NodeClaimExtract     Node = "claims"
	NodeTopicAssign      Node = "topic_assign"
	NodeEvidenceRetrieve Node = "evidence"
	NodeVeracityAssess   Node = "veracity"
	NodeMerge            Node = "merge"
	NodeRiskScore        Node = "risk"
	NodeAwaitReview      Node = "await_review"
	NodeDraftAdvisory    Node = "draft"
	NodeTranslate        Node = "translate"
	NodePublish          Node = "publish"
)

// linearSequence is the DAG's main spine, excluding the per-claim fan-out
// nodes (TopicAssign/EvidenceRetrieve/VeracityAssess, which run once per
// Claim rather than once per Workflow) and AwaitReview (reached only
// conditionally).
var linearSequence = []Node{
	NodeNormalize,
	NodeEntityExtract,
	NodeClaimExtract,
	NodeMerge,
	NodeRiskScore,
	NodeDraftAdvisory,
	NodeTranslate,
	NodePublish,
}

// claimSubPipeline is the per-claim sub-pipeline run under bounded fan-out.
var claimSubPipeline = []Node{
	NodeTopicAssign,
	NodeEvidenceRetrieve,
	NodeVeracityAssess,
}

// Next returns the node that follows n in the main spine, or ("", false) if
// n is the last node (Publish) or unknown. RiskScore's successor depends on
// the risk decision and is resolved by the Orchestrator, not here.
func (n Node) Next() (Node, bool) {
	for i, cur := range linearSequence {
		if cur == n && i+1 < len(linearSequence) {
			return linearSequence[i+1], true
		}
	}
	return "", false
}

// ClaimSubPipeline returns the ordered per-claim stages.
func ClaimSubPipeline() []Node {
	out := make([]Node, len(claimSubPipeline))
	copy(out, claimSubPipeline)
	return out
}

// LinearSequence returns the main DAG spine in order.
func LinearSequence() []Node {
	out := make([]Node, len(linearSequence))
	copy(out, linearSequence)
	return out
}
