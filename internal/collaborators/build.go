package collaborators

import (
	"time"

	"github.com/c360studio/veriflow/internal/domain"
)

// Defaults returns the built-in Mock collaborator for every node a
// StageSet requires, keyed by node. Deployments without an external
// service wired for a given node fall back to its entry here.
func Defaults() map[domain.Node]Collaborator {
	return map[domain.Node]Collaborator{
		domain.NodeNormalize:        NormalizeMock(),
		domain.NodeEntityExtract:    EntityExtractMock(),
		domain.NodeClaimExtract:     ClaimExtractMock(),
		domain.NodeTopicAssign:      TopicAssignMock(),
		domain.NodeEvidenceRetrieve: EvidenceRetrieveMock(),
		domain.NodeVeracityAssess:   VeracityAssessMock(),
		domain.NodeMerge:            MergeMock(),
		domain.NodeRiskScore:        RiskScoreMock(),
		domain.NodeDraftAdvisory:    DraftAdvisoryMock(),
		domain.NodeTranslate:        TranslateMock(),
		domain.NodePublish:          PublishMock(),
	}
}

// Build returns the full collaborator set for a StageSet, starting from
// Defaults and overriding any node named in endpoints with an
// HTTPCollaborator pointed at its configured URL. endpoints keys are Node
// string values (e.g. "evidence"); an unrecognized key is ignored.
func Build(endpoints map[string]string, timeout time.Duration) map[domain.Node]Collaborator {
	set := Defaults()
	for node, url := range endpoints {
		if url == "" {
			continue
		}
		n := domain.Node(node)
		if _, ok := set[n]; !ok {
			continue
		}
		set[n] = NewHTTPCollaborator(url, timeout)
	}
	return set
}
