// Package reviewindex implements the Review Index (C8): a Redis sorted-set
// secondary index over Workflows parked in AwaitingReview, used by the
// Review Coordinator to serve "list reviews" without scanning the State
// Store. The State Store record remains authoritative; this index is a
// derived, rebuildable secondary view over Workflows in AwaitingReview.
//
// Grounded on evalgo-org-eve's queue/redis/queue.go: a thin wrapper around
// *redis.Client using ZAdd/ZRem/ZScore for a deadline-ordered set, and
// context-per-call discipline.
package reviewindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/veriflow/internal/domain"
)

const pendingKey = "review:pending"

// Index wraps a Redis client scoped to the review:pending sorted set plus
// one hash per workflow (review:task:{id}) holding source_id, risk_score
// and requested_at, so listings can be served without round-tripping the
// State Store.
type Index struct {
	client *redis.Client
}

// New wraps an already-configured *redis.Client.
func New(client *redis.Client) *Index {
	return &Index{client: client}
}

// Dial parses addr (a redis:// URL or host:port) and connects, mirroring
// evalgo-org-eve's NewQueue connect-and-ping idiom.
func Dial(ctx context.Context, addr string) (*Index, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		// Fall back to treating addr as a bare host:port, the common case
		// for local/dev Redis instances with no scheme.
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Index{client: client}, nil
}

// Close closes the underlying Redis connection.
func (idx *Index) Close() error { return idx.client.Close() }

// Add records workflowID as awaiting review, scored by requestedAt so
// listings come back oldest-first by requested_at.
func (idx *Index) Add(ctx context.Context, task domain.ReviewTask) error {
	pipe := idx.client.TxPipeline()
	pipe.ZAdd(ctx, pendingKey, redis.Z{
		Score:  float64(task.RequestedAt.UnixNano()),
		Member: task.WorkflowID,
	})
	pipe.HSet(ctx, riskKey(task.WorkflowID),
		"source_id", task.SourceID,
		"risk_score", task.RiskScore,
		"requested_at", task.RequestedAt.Format(time.RFC3339Nano),
	)
	_, err := pipe.Exec(ctx)
	return err
}

// Remove drops workflowID from the index, called once it leaves
// AwaitingReview (Resuming on approve, Completed on reject, Cancelled on
// needs_investigation).
func (idx *Index) Remove(ctx context.Context, workflowID string) error {
	pipe := idx.client.TxPipeline()
	pipe.ZRem(ctx, pendingKey, workflowID)
	pipe.Del(ctx, riskKey(workflowID))
	_, err := pipe.Exec(ctx)
	return err
}

// List returns up to limit pending review tasks, oldest-requested first,
// starting at offset — the backing store for the "list reviews" operator
// surface operation.
func (idx *Index) List(ctx context.Context, offset, limit int64) ([]domain.ReviewTask, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := idx.client.ZRange(ctx, pendingKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}

	tasks := make([]domain.ReviewTask, 0, len(ids))
	for _, id := range ids {
		fields, err := idx.client.HGetAll(ctx, riskKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		task := domain.ReviewTask{WorkflowID: id, SourceID: fields["source_id"]}
		if ra, err := time.Parse(time.RFC3339Nano, fields["requested_at"]); err == nil {
			task.RequestedAt = ra
		}
		fmt.Sscanf(fields["risk_score"], "%g", &task.RiskScore)
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Contains reports whether workflowID is currently indexed as pending.
func (idx *Index) Contains(ctx context.Context, workflowID string) (bool, error) {
	_, err := idx.client.ZScore(ctx, pendingKey, workflowID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PastDeadline returns workflow IDs whose requested_at is older than
// deadline, for the Review Coordinator's periodic reminder sweep.
func (idx *Index) PastDeadline(ctx context.Context, deadline time.Duration) ([]string, error) {
	cutoff := float64(time.Now().Add(-deadline).UnixNano())
	return idx.client.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", cutoff),
	}).Result()
}

func riskKey(workflowID string) string {
	return fmt.Sprintf("review:task:%s", workflowID)
}
