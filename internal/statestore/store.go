// Package statestore implements the State Store (C2): a key-value store
// with TTL, CAS, and pub/sub, backed by a NATS JetStream KV bucket. Grounded
// on llm/store.go's CallStore (bucket lifecycle, Get/Put/Keys idiom) and
// processor/task-generator/component.go's stateBucket.Update(ctx, key, data,
// entry.Revision()) CAS pattern.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/veriflow/internal/domain"
)

// Bucket is the KV bucket name for Workflow state, checkpoints, and locks.
const Bucket = "VERIFLOW_STATE"

// Store is the State Store's primitive interface.
type Store struct {
	kv jetstream.KeyValue
}

// New wraps an already-created KV bucket handle.
func New(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// EnsureBucket creates (or reuses) the VERIFLOW_STATE bucket with the given
// default TTL for terminal entries. Put takes no per-key TTL; every key
// uses the bucket TTL.
func EnsureBucket(ctx context.Context, js jetstream.JetStream, defaultTTL time.Duration) (*Store, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      Bucket,
		Description: "Verification Orchestrator workflow state, checkpoints, and locks",
		TTL:         defaultTTL,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update state bucket: %w", err)
	}
	return New(kv), nil
}

// Entry is a versioned value read from the store.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Get fetches key, returning domain.ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &Entry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes key unconditionally (last-writer-wins), returning the new
// revision. Used for non-CAS writes such as checkpoints, which are written
// once per (workflow,node,attempt) and never contended.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return rev, nil
}

// Create writes key only if it does not already exist, returning
// domain.ErrDuplicate on conflict. This implements the dedup lock
// CAS(wf:lock:S, absent, self).
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, domain.ErrDuplicate
		}
		return 0, fmt.Errorf("create %s: %w", key, err)
	}
	return rev, nil
}

// CAS writes key only if its current revision equals expectedRevision,
// returning domain.ErrVersionConflict otherwise. This is the primitive
// behind every Workflow.Status transition.
func (s *Store) CAS(ctx context.Context, key string, expectedRevision uint64, value []byte) (uint64, error) {
	rev, err := s.kv.Update(ctx, key, value, expectedRevision)
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) || errors.Is(err, jetstream.ErrKeyExists) {
			return 0, domain.ErrVersionConflict
		}
		return 0, fmt.Errorf("cas %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes key, used to release owner-leases and dedup locks.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys lists every key in the bucket, used by Recovery to scan for
// owner-less in-flight Workflows.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Update is a watch-channel entry delivered to a Subscribe caller.
type Update struct {
	Key      string
	Value    []byte
	Revision uint64
	Deleted  bool
}

// Subscribe watches keyPattern (NATS KV wildcard, e.g. "wf:state:*") and
// streams updates until ctx is cancelled. This is the State Store's
// pub/sub primitive, used by the Observer Plane to learn of authoritative
// transitions.
func (s *Store) Subscribe(ctx context.Context, keyPattern string) (<-chan Update, error) {
	watcher, err := s.kv.Watch(ctx, keyPattern, jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", keyPattern, err)
	}

	out := make(chan Update, 16)
	go func() {
		defer close(out)
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				out <- Update{
					Key:      entry.Key(),
					Value:    entry.Value(),
					Revision: entry.Revision(),
					Deleted:  entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge,
				}
			}
		}
	}()
	return out, nil
}

// Publish is an alias for Put for writes whose intent is notification
// rather than durable state, keeping the State Store's dual role visible
// at call sites. No package in this module calls it.
func (s *Store) Publish(ctx context.Context, channel string, value []byte) error {
	_, err := s.Put(ctx, channel, value)
	return err
}

// MarshalJSON is a convenience used throughout the Orchestrator/Review
// packages to avoid repeating json.Marshal error wrapping at every call
// site.
func MarshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return data, nil
}
