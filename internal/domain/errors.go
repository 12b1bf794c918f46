package domain

import "errors"

// ErrorKind is the closed error taxonomy. Every failure surfaced by a
// Node Runtime or the Orchestrator is classified into exactly one of
// these before it is appended to a Workflow's Errors slice.
type ErrorKind string

const (
	KindRetryable                ErrorKind = "Retryable"
	KindValidation               ErrorKind = "Validation"
	KindTimeout                  ErrorKind = "Timeout"
	KindPermanentUpstreamFailure ErrorKind = "PermanentUpstreamFailure"
	KindCancelled                ErrorKind = "Cancelled"
	KindAllClaimsFailed          ErrorKind = "AllClaimsFailed"
	KindConsistencyLost          ErrorKind = "ConsistencyLost"
	KindBusUnavailable           ErrorKind = "BusUnavailable"
	KindAuthError                ErrorKind = "AuthError"
)

// Retryable reports whether the Node Runtime should retry an error of this
// kind (subject to the attempt cap). Timeout counts as Retryable.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRetryable, KindTimeout:
		return true
	default:
		return false
	}
}

// TerminalStatus reports the Workflow status an unretried error of this kind
// drives the Workflow to, and whether it drives one at all (node-local
// errors that still have retries left do not).
func (k ErrorKind) TerminalStatus() (Status, bool) {
	switch k {
	case KindValidation, KindPermanentUpstreamFailure, KindAllClaimsFailed, KindConsistencyLost:
		return StatusFailed, true
	case KindCancelled:
		return StatusCancelled, true
	default:
		return "", false
	}
}

// StageError is a typed error returned by a Stage, carrying the taxonomy
// kind the Node Runtime should classify it as. A Stage may also return a
// plain error, in which case the Runtime classifies it as Retryable.
type StageError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Detail + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError builds a StageError of the given kind.
func NewStageError(kind ErrorKind, detail string, err error) *StageError {
	return &StageError{Kind: kind, Detail: detail, Err: err}
}

// Classify extracts the ErrorKind from err, defaulting to Retryable when err
// is not a *StageError — an unclassified failure from a collaborator is
// assumed transient so the Runtime's retry policy still applies.
func Classify(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindRetryable
}

// Sentinel errors returned by the State Store, Review Coordinator, and
// Event Bus Gateway, named the way storage.ErrNotFound is in the
// reference implementation it is grounded on.
var (
	ErrNotFound          = errors.New("workflow not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrStoreUnavailable  = errors.New("state store unavailable")
	ErrLeaseInvalid      = errors.New("lease invalid or expired")
	ErrAlreadyClaimed    = errors.New("review already claimed")
	ErrNotAwaitingReview = errors.New("workflow is not awaiting review")
	ErrTerminal          = errors.New("workflow is already in a terminal state")
	ErrDuplicate         = errors.New("duplicate source_id, existing workflow returned")
)
