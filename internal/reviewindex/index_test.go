package reviewindex

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/veriflow/internal/domain"
)

func newIndex(t *testing.T) *Index {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestIndex_AddListRemove(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, idx.Add(ctx, domain.ReviewTask{
		WorkflowID: "wf-1", SourceID: "src-1", RiskScore: 0.9, RequestedAt: now,
	}))
	require.NoError(t, idx.Add(ctx, domain.ReviewTask{
		WorkflowID: "wf-2", SourceID: "src-2", RiskScore: 0.8, RequestedAt: now.Add(time.Second),
	}))

	tasks, err := idx.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "wf-1", tasks[0].WorkflowID)
	assert.Equal(t, "wf-2", tasks[1].WorkflowID)
	assert.InDelta(t, 0.9, tasks[0].RiskScore, 0.001)

	present, err := idx.Contains(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, present)

	require.NoError(t, idx.Remove(ctx, "wf-1"))
	present, err = idx.Contains(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestIndex_PastDeadline(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, idx.Add(ctx, domain.ReviewTask{WorkflowID: "wf-old", SourceID: "s", RequestedAt: old}))
	require.NoError(t, idx.Add(ctx, domain.ReviewTask{WorkflowID: "wf-new", SourceID: "s", RequestedAt: time.Now()}))

	overdue, err := idx.PastDeadline(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-old"}, overdue)
}
