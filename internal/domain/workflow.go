package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RawItem is the externally produced, immutable unit of ingest work
// delivered on the raw-items topic.
type RawItem struct {
	SourceID   string         `json:"source_id"`
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload"`
	IngestedAt time.Time      `json:"ingested_at"`
}

// WorkflowID derives the deterministic, dedup-enforcing workflow id for a
// source_id (invariant 1: two RawItems with identical source_id collapse to
// the same Workflow).
func WorkflowID(sourceID string) string {
	sum := sha256.Sum256([]byte(sourceID))
	return "wf_" + hex.EncodeToString(sum[:])[:32]
}

// ErrorEntry is one append-only record in Workflow.Errors.
type ErrorEntry struct {
	Node      Node      `json:"node"`
	Kind      ErrorKind `json:"kind"`
	Detail    string    `json:"detail"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// ReviewDecision is an operator's verdict on an AwaitingReview Workflow.
type ReviewDecision string

const (
	DecisionApprove            ReviewDecision = "approve"
	DecisionReject             ReviewDecision = "reject"
	DecisionNeedsInvestigation ReviewDecision = "needs_investigation"
)

// ReviewState holds the human-review record on a Workflow, present once
// risk_score crosses the review threshold.
type ReviewState struct {
	RequestedAt time.Time      `json:"requested_at"`
	Decision    ReviewDecision `json:"decision,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	DecidedAt   time.Time      `json:"decided_at,omitzero"`
	Feedback    string         `json:"feedback,omitempty"`

	// LeaseOperator/LeaseExpiresAt implement the claim() short lease that
	// prevents two operators from deciding the same review concurrently.
	LeaseOperator  string    `json:"lease_operator,omitempty"`
	LeaseToken     string    `json:"lease_token,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero"`
}

// Claim is one extracted factual assertion, processed by its own
// sub-pipeline before merging back into the parent Workflow.
type Claim struct {
	ClaimID string `json:"claim_id"`
	Text    string `json:"text"`
	Span    [2]int `json:"span"`
}

// ClaimResult is the merged outcome of one claim's sub-pipeline. Results
// are keyed by claim id (written under a mutex during fan-out, not into
// index-addressed slots); ClaimOrder keeps the extraction order.
type ClaimResult struct {
	Claim     Claim          `json:"claim"`
	Topic     string         `json:"topic,omitempty"`
	Evidence  map[string]any `json:"evidence,omitempty"`
	Veracity  map[string]any `json:"veracity,omitempty"`
	Err       *ErrorEntry    `json:"err,omitempty"`
	Succeeded bool           `json:"succeeded"`
}

// Checkpoint is the durable record of one node's completion, sufficient to
// resume a Workflow from the next node after a crash.
type Checkpoint struct {
	WorkflowID string         `json:"workflow_id"`
	Node       Node           `json:"node"`
	Attempt    int            `json:"attempt"`
	Snapshot   map[string]any `json:"snapshot"`
	WrittenAt  time.Time      `json:"written_at"`
}

// Workflow is the central, authoritative record tracking one RawItem
// through the pipeline. Only the Orchestrator that owns it (per
// owner-lease) may mutate it.
type Workflow struct {
	WorkflowID  string         `json:"workflow_id"`
	SourceID    string         `json:"source_id"`
	RawPayload  map[string]any `json:"raw_payload"`
	Version     int64          `json:"version"` // CAS revision, mirrors the State Store's native revision
	Status      Status         `json:"status"`
	CurrentNode Node           `json:"current_node"`

	Results      map[Node]map[string]any `json:"results"`
	ClaimOrder   []string                `json:"claim_order"` // claim ids, extraction order
	ClaimResults map[string]ClaimResult  `json:"claim_results"`

	Errors      []ErrorEntry `json:"errors"`
	RetryCounts map[Node]int `json:"retry_counts"`

	RiskScore *float64     `json:"risk_score,omitempty"`
	Review    *ReviewState `json:"review,omitempty"`

	OwnerID         string    `json:"owner_id,omitempty"`
	OwnerLeaseUntil time.Time `json:"owner_lease_until,omitzero"`
	Cancelled       bool      `json:"cancelled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deadline  time.Time `json:"deadline"`
}

// NewWorkflow constructs a freshly-deduped Workflow for item, in Pending
// status, per invariant 1.
func NewWorkflow(item RawItem, now time.Time, workflowDeadline time.Duration) *Workflow {
	return &Workflow{
		WorkflowID:   WorkflowID(item.SourceID),
		SourceID:     item.SourceID,
		RawPayload:   item.Payload,
		Status:       StatusPending,
		Results:      make(map[Node]map[string]any),
		ClaimResults: make(map[string]ClaimResult),
		RetryCounts:  make(map[Node]int),
		CreatedAt:    now,
		UpdatedAt:    now,
		Deadline:     now.Add(workflowDeadline),
	}
}

// AppendError appends an ErrorEntry. Errors is append-only (invariant 5).
func (w *Workflow) AppendError(node Node, kind ErrorKind, detail string, attempt int, at time.Time) {
	w.Errors = append(w.Errors, ErrorEntry{
		Node: node, Kind: kind, Detail: detail, Attempt: attempt, Timestamp: at,
	})
}

// SetResult writes results[n] exactly once per invariant 3: a second write
// for the same node is only accepted by the caller if the prior write's
// attempt was not acknowledged; SetResult itself is a plain map write, the
// CAS-on-attempt enforcement lives in the State Store layer.
func (w *Workflow) SetResult(n Node, fragment map[string]any) {
	if w.Results == nil {
		w.Results = make(map[Node]map[string]any)
	}
	w.Results[n] = fragment
}

// DeepCopy returns a deep copy of the Workflow, used by the Orchestrator so
// in-memory mutation during a node's execution never races a concurrent
// reader of the last-known-good state.
func (w *Workflow) DeepCopy() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.RawPayload = make(map[string]any, len(w.RawPayload))
	for k, v := range w.RawPayload {
		cp.RawPayload[k] = v
	}
	cp.Results = make(map[Node]map[string]any, len(w.Results))
	for k, v := range w.Results {
		fragment := make(map[string]any, len(v))
		for fk, fv := range v {
			fragment[fk] = fv
		}
		cp.Results[k] = fragment
	}
	cp.ClaimResults = make(map[string]ClaimResult, len(w.ClaimResults))
	for k, v := range w.ClaimResults {
		cp.ClaimResults[k] = v
	}
	cp.ClaimOrder = append([]string(nil), w.ClaimOrder...)
	cp.Errors = append([]ErrorEntry(nil), w.Errors...)
	cp.RetryCounts = make(map[Node]int, len(w.RetryCounts))
	for k, v := range w.RetryCounts {
		cp.RetryCounts[k] = v
	}
	if w.RiskScore != nil {
		rs := *w.RiskScore
		cp.RiskScore = &rs
	}
	if w.Review != nil {
		rv := *w.Review
		cp.Review = &rv
	}
	return &cp
}

// ReviewTask is a read-only projection of a Workflow in AwaitingReview,
// indexed for operator listing. It does not duplicate authoritative state.
type ReviewTask struct {
	WorkflowID  string    `json:"workflow_id"`
	SourceID    string    `json:"source_id"`
	RiskScore   float64   `json:"risk_score"`
	RequestedAt time.Time `json:"requested_at"`
}

// NotificationEvent is a transient, broadcast-only record of an
// authoritative state transition. It is never itself authoritative;
// subscribers must reconcile against the State Store on reconnect.
type NotificationEvent struct {
	Type       string    `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// Event types for NotificationEvent.Type, the Observer Plane's message
// kinds.
const (
	EventStatusChanged   = "status_changed"
	EventRiskScored      = "risk_scored"
	EventReviewRequested = "review_requested"
	EventReviewDecided   = "review_decided"
	EventCompleted       = "completed"
	EventFailed          = "failed"
	EventLag             = "lag"
)

// AlertSeverity is the severity field of an alerts-topic message.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarn     AlertSeverity = "warn"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is the outbound bus message on the alerts topic.
type Alert struct {
	WorkflowID string        `json:"workflow_id"`
	Kind       string        `json:"kind"`
	Severity   AlertSeverity `json:"severity"`
	Summary    string        `json:"summary"`
	At         time.Time     `json:"at"`
}

// Notification is the outbound bus message on the notifications topic:
// same envelope as Alert, keyed by recipient_scope.
type Notification struct {
	RecipientScope string    `json:"recipient_scope"`
	WorkflowID     string    `json:"workflow_id"`
	Kind           string    `json:"kind"`
	Summary        string    `json:"summary"`
	At             time.Time `json:"at"`
}
