package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/veriflow/internal/domain"
)

// WorkflowStore persists domain.Workflow records through the State Store's
// CAS primitive. Grounded on
// processor/task-generator/component.go's transitionToFailure: get, mutate
// the decoded struct, marshal, Update(ctx, key, data, entry.Revision()).
type WorkflowStore struct {
	store *Store
}

// NewWorkflowStore wraps store.
func NewWorkflowStore(store *Store) *WorkflowStore {
	return &WorkflowStore{store: store}
}

// Get loads the Workflow for workflowID, returning domain.ErrNotFound if
// absent. w.Version is set to the store's native CAS revision.
func (s *WorkflowStore) Get(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	entry, err := s.store.Get(ctx, WorkflowStateKey(workflowID))
	if err != nil {
		return nil, err
	}
	var w domain.Workflow
	if err := json.Unmarshal(entry.Value, &w); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", workflowID, err)
	}
	w.Version = int64(entry.Revision)
	return &w, nil
}

// Create persists a brand-new Workflow, failing with domain.ErrDuplicate if
// one already exists for this workflow_id (should not happen once the
// dedup lock has been acquired, but guards against a crash between lock
// acquisition and first write).
func (s *WorkflowStore) Create(ctx context.Context, w *domain.Workflow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	rev, err := s.store.Create(ctx, WorkflowStateKey(w.WorkflowID), data)
	if err != nil {
		return err
	}
	w.Version = int64(rev)
	return nil
}

// CAS writes w only if w.Version still matches the stored revision,
// returning domain.ErrVersionConflict otherwise (invariant 3: rerunning a
// node after a crash may overwrite only if the prior write was never
// acknowledged). On success w.Version is updated to the new revision.
func (s *WorkflowStore) CAS(ctx context.Context, w *domain.Workflow) error {
	w.UpdatedAt = time.Now()
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	rev, err := s.store.CAS(ctx, WorkflowStateKey(w.WorkflowID), uint64(w.Version), data)
	if err != nil {
		return err
	}
	w.Version = int64(rev)
	return nil
}

// RetryCAS re-reads, applies mutate, and attempts CAS up to maxAttempts
// times on domain.ErrVersionConflict: on conflict, the caller re-reads and
// re-decides. After maxAttempts consecutive
// conflicts it returns an error wrapping domain.ErrVersionConflict; mapping
// that to KindConsistencyLost is left to the caller.
func (s *WorkflowStore) RetryCAS(ctx context.Context, workflowID string, maxAttempts int, mutate func(*domain.Workflow) error) (*domain.Workflow, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		w, err := s.Get(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if err := mutate(w); err != nil {
			return nil, err
		}
		if err := s.CAS(ctx, w); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", domain.ErrVersionConflict, maxAttempts, lastErr)
}

// AcquireDedupLock implements the dedup step: CAS(wf:lock:S, absent,
// self). On conflict it reads the existing
// workflow_id (stored as the lock's value) and returns it with
// acquired=false and a nil error so the caller can drop the duplicate
// idempotently.
func (s *WorkflowStore) AcquireDedupLock(ctx context.Context, sourceID, ownerID string) (existingWorkflowID string, acquired bool, err error) {
	workflowID := domain.WorkflowID(sourceID)
	_, err = s.store.Create(ctx, DedupLockKey(sourceID), []byte(workflowID))
	if err == nil {
		return workflowID, true, nil
	}
	if errors.Is(err, domain.ErrDuplicate) {
		entry, getErr := s.store.Get(ctx, DedupLockKey(sourceID))
		if getErr != nil {
			return "", false, getErr
		}
		return string(entry.Value), false, nil
	}
	return "", false, err
}

// PutCheckpoint writes a Checkpoint record synchronously, before
// announcing a state transition. Checkpoints are written once per
// (workflow,node,attempt) and are never
// contended, so a plain Put (not CAS) is correct.
func (s *WorkflowStore) PutCheckpoint(ctx context.Context, ckpt domain.Checkpoint) error {
	ckpt.WrittenAt = time.Now()
	data, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.store.Put(ctx, CheckpointKey(ckpt.WorkflowID, string(ckpt.Node)), data)
	return err
}

// LatestCheckpoint returns the most recently written checkpoint for node,
// used by Recovery to resume from the next node after a crash.
func (s *WorkflowStore) LatestCheckpoint(ctx context.Context, workflowID string, node domain.Node) (*domain.Checkpoint, error) {
	entry, err := s.store.Get(ctx, CheckpointKey(workflowID, string(node)))
	if err != nil {
		return nil, err
	}
	var ckpt domain.Checkpoint
	if err := json.Unmarshal(entry.Value, &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &ckpt, nil
}

// AcquireOwnerLease CAS-creates (or refreshes, if already owned by
// ownerID) the owner-lease for workflowID, failing if another owner's
// lease has not yet expired.
func (s *WorkflowStore) AcquireOwnerLease(ctx context.Context, workflowID, ownerID string, ttl time.Duration) error {
	key := OwnerLeaseKey(workflowID)
	expiry := time.Now().Add(ttl)
	payload, _ := json.Marshal(struct {
		Owner   string    `json:"owner"`
		Expires time.Time `json:"expires"`
	}{Owner: ownerID, Expires: expiry})

	entry, err := s.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		_, err = s.store.Create(ctx, key, payload)
		return err
	}
	if err != nil {
		return err
	}

	var existing struct {
		Owner   string    `json:"owner"`
		Expires time.Time `json:"expires"`
	}
	if err := json.Unmarshal(entry.Value, &existing); err != nil {
		return fmt.Errorf("unmarshal owner lease: %w", err)
	}
	if existing.Owner != ownerID && time.Now().Before(existing.Expires) {
		return fmt.Errorf("owner lease for %s held by %s until %s", workflowID, existing.Owner, existing.Expires)
	}
	_, err = s.store.CAS(ctx, key, entry.Revision, payload)
	return err
}

// ReleaseOwnerLease deletes the owner-lease, allowing another Orchestrator
// to pick up the Workflow immediately (used at graceful shutdown).
func (s *WorkflowStore) ReleaseOwnerLease(ctx context.Context, workflowID string) error {
	return s.store.Delete(ctx, OwnerLeaseKey(workflowID))
}

// IsOwnerLeaseLive reports whether workflowID currently has a live (not
// expired) owner-lease, used by the Recovery pass to decide whether a
// Running/Resuming workflow is orphaned.
func (s *WorkflowStore) IsOwnerLeaseLive(ctx context.Context, workflowID string) (bool, error) {
	entry, err := s.store.Get(ctx, OwnerLeaseKey(workflowID))
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var existing struct {
		Owner   string    `json:"owner"`
		Expires time.Time `json:"expires"`
	}
	if err := json.Unmarshal(entry.Value, &existing); err != nil {
		return false, fmt.Errorf("unmarshal owner lease: %w", err)
	}
	return time.Now().Before(existing.Expires), nil
}

// ExtendTTL re-puts the workflow record to refresh the bucket-level TTL
// clock for in-flight workflows (renew every workflow_ttl/3).
func (s *WorkflowStore) ExtendTTL(ctx context.Context, w *domain.Workflow) error {
	return s.CAS(ctx, w)
}

// KeysWithPrefix lists every bucket key starting with prefix, used by the
// Recovery pass to enumerate Workflow state records without also scanning
// checkpoint, lock, and owner-lease keys sharing the same bucket.
func (s *WorkflowStore) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
