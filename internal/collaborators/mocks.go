package collaborators

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/c360studio/veriflow/internal/domain"
)

// NormalizeMock lower-cases and trims the payload's "text" field. A stand-in
// for whatever real text-normalization service a deployment wires in.
func NormalizeMock() Collaborator {
	return Func(func(_ context.Context, input map[string]any) (map[string]any, error) {
		text, _ := input["text"].(string)
		return map[string]any{"text": strings.TrimSpace(strings.ToLower(text))}, nil
	})
}

// ClaimExtractMock splits normalized text on sentence-ending punctuation
// and treats each non-trivial sentence as a candidate factual claim,
// standing in for a real claim-extraction model.
func ClaimExtractMock() Collaborator {
	return Func(func(_ context.Context, input map[string]any) (map[string]any, error) {
		normalize, _ := input["normalize"].(map[string]any)
		text, _ := normalize["text"].(string)

		var claims []domain.Claim
		start := 0
		for _, sentence := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
			trimmed := strings.TrimSpace(sentence)
			if trimmed == "" {
				continue
			}
			end := start + len(trimmed)
			sum := sha1.Sum([]byte(trimmed))
			claims = append(claims, domain.Claim{
				ClaimID: "claim_" + hex.EncodeToString(sum[:8]),
				Text:    trimmed,
				Span:    [2]int{start, end},
			})
			start = end
		}
		return map[string]any{"claims": claims}, nil
	})
}

// EntityExtractMock returns a fixed entity set derived from naive token
// splitting, standing in for an NER model.
func EntityExtractMock() Collaborator {
	return Func(func(_ context.Context, input map[string]any) (map[string]any, error) {
		text, _ := input["text"].(string)
		fields := strings.Fields(text)
		entities := make([]string, 0, len(fields))
		for _, f := range fields {
			if len(f) > 0 && f[0] >= 'A' && f[0] <= 'Z' {
				entities = append(entities, f)
			}
		}
		return map[string]any{"entities": entities}, nil
	})
}

// claimText extracts the Claim's text regardless of whether it arrived as
// a concrete domain.Claim (in-process fan-out) or a decoded map (after a
// round trip through JSON, e.g. a checkpoint replay).
func claimText(input map[string]any) string {
	switch c := input["claim"].(type) {
	case domain.Claim:
		return c.Text
	case map[string]any:
		if t, ok := c["text"].(string); ok {
			return t
		}
	}
	return ""
}

// TopicAssignMock buckets a claim into a coarse topic by hashing its text,
// standing in for a real topic classifier.
func TopicAssignMock() Collaborator {
	topics := []string{"health", "politics", "finance", "science", "other"}
	return Func(func(_ context.Context, input map[string]any) (map[string]any, error) {
		sum := sha1.Sum([]byte(claimText(input)))
		return map[string]any{"topic": topics[int(sum[0])%len(topics)]}, nil
	})
}

// EvidenceRetrieveMock stands in for a fact-check/search service.
func EvidenceRetrieveMock() Collaborator {
	return Func(func(_ context.Context, input map[string]any) (map[string]any, error) {
		claim := claimText(input)
		return map[string]any{"sources": []string{"mock-source-for:" + claim}}, nil
	})
}

// VeracityAssessMock stands in for an ML veracity classifier, scoring
// shorter claims as more suspicious purely as a deterministic stand-in.
func VeracityAssessMock() Collaborator {
	return Func(func(_ context.Context, input map[string]any) (map[string]any, error) {
		claim := claimText(input)
		score := 0.2
		if len(claim) < 20 {
			score = 0.6
		}
		return map[string]any{"veracity_score": score}, nil
	})
}

// TranslateMock is a no-op passthrough translation collaborator.
func TranslateMock() Collaborator {
	return Func(func(_ context.Context, input map[string]any) (map[string]any, error) {
		draft, _ := input["draft"].(map[string]any)
		advisory, _ := draft["advisory"].(string)
		return map[string]any{"advisory_translated": advisory}, nil
	})
}

// DraftAdvisoryMock composes a fixed-format advisory string from the
// Workflow's merged results.
func DraftAdvisoryMock() Collaborator {
	return Func(func(_ context.Context, input map[string]any) (map[string]any, error) {
		merge, _ := input["merge"].(map[string]any)
		n, _ := merge["claim_count"].(int)
		return map[string]any{"advisory": "advisory covering " + strconv.Itoa(n) + " claim(s)"}, nil
	})
}

// MergeMock folds the per-claim fan-out results back into a single
// summary fragment: a claim count and the count of claims that
// succeeded their sub-pipeline, in claim_order.
func MergeMock() Collaborator {
	return Func(func(_ context.Context, input map[string]any) (map[string]any, error) {
		order, _ := input["claim_order"].([]string)
		results, _ := input["claim_results"].(map[string]domain.ClaimResult)

		succeeded := 0
		var veracityTotal float64
		for _, id := range order {
			r, ok := results[id]
			if !ok || !r.Succeeded {
				continue
			}
			succeeded++
			if v, ok := r.Veracity["veracity_score"].(float64); ok {
				veracityTotal += v
			}
		}
		avgVeracity := 0.0
		if succeeded > 0 {
			avgVeracity = veracityTotal / float64(succeeded)
		}
		return map[string]any{
			"claim_count":      len(order),
			"claims_succeeded": succeeded,
			"avg_veracity":     avgVeracity,
		}, nil
	})
}

// RiskScoreMock derives a risk score from the Merge fragment's average
// veracity signal: higher average veracity (more likely false) maps to a
// higher risk score, clamped to [0,1].
func RiskScoreMock() Collaborator {
	return Func(func(_ context.Context, input map[string]any) (map[string]any, error) {
		merge, _ := input["merge"].(map[string]any)
		avgVeracity, _ := merge["avg_veracity"].(float64)
		score := avgVeracity
		if score > 1 {
			score = 1
		}
		if score < 0 {
			score = 0
		}
		return map[string]any{"risk_score": score}, nil
	})
}

// PublishMock stands in for the terminal publish-to-downstream-systems
// call, acknowledging the translated advisory as delivered.
func PublishMock() Collaborator {
	return Func(func(_ context.Context, input map[string]any) (map[string]any, error) {
		translate, _ := input["translate"].(map[string]any)
		advisory, _ := translate["advisory_translated"].(string)
		return map[string]any{"published": true, "advisory": advisory}, nil
	})
}
