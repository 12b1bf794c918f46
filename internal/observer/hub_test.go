package observer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/veriflow/internal/config"
	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/natstest"
	"github.com/c360studio/veriflow/internal/statestore"
)

func newTestHub(t *testing.T) (*Hub, *statestore.WorkflowStore) {
	t.Helper()
	js := natstest.Start(t)
	store, err := statestore.EnsureBucket(context.Background(), js, time.Hour)
	require.NoError(t, err)
	workflows := statestore.NewWorkflowStore(store)

	cfg := config.ObserverConfig{QueueSize: 100, HeartbeatInterval: 30 * time.Second, MissedHeartbeats: 2}
	hub := New(store, cfg, nil)
	return hub, workflows
}

func TestHub_BroadcastsStatusChangeToWorkflowRoom(t *testing.T) {
	hub, workflows := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)
	time.Sleep(100 * time.Millisecond) // allow the watch to establish, a settle-then-assert idiom

	mux := http.NewServeMux()
	NewHandler(hub, config.ObserverConfig{QueueSize: 100, HeartbeatInterval: 30 * time.Second, MissedHeartbeats: 2}).
		RegisterHTTPHandlers("/observe/", mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/observe/stream?rooms=" + WorkflowRoom("wf-1")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)

	item := domain.RawItem{SourceID: "src-1", Payload: map[string]any{"text": "x"}, IngestedAt: time.Now()}
	w := domain.NewWorkflow(item, time.Now(), time.Hour)
	w.WorkflowID = "wf-1"
	require.NoError(t, workflows.Create(context.Background(), w))

	_, err = workflows.RetryCAS(context.Background(), "wf-1", 3, func(cur *domain.Workflow) error {
		cur.Status = domain.StatusRunning
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), domain.EventStatusChanged)
	assert.Contains(t, string(msg), "wf-1")
}

func TestHub_JoinLeave(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := newConnection(&websocket.Conn{}, hub, 10, time.Second, 2, nil)

	hub.Join(conn, []string{"workflow:wf-2"})
	hub.mu.RLock()
	_, globalOK := hub.rooms[GlobalRoom][conn]
	_, roomOK := hub.rooms["workflow:wf-2"][conn]
	hub.mu.RUnlock()
	assert.True(t, globalOK)
	assert.True(t, roomOK)

	hub.Leave(conn)
	hub.mu.RLock()
	_, stillThere := hub.rooms[GlobalRoom][conn]
	hub.mu.RUnlock()
	assert.False(t, stillThere)
}

func TestDiffEvents_RiskScoreAndReviewDecision(t *testing.T) {
	risk1 := 0.5
	risk2 := 0.9
	prev := &domain.Workflow{WorkflowID: "wf-3", Status: domain.StatusRunning, RiskScore: &risk1}
	cur := &domain.Workflow{
		WorkflowID: "wf-3", Status: domain.StatusAwaitingReview, RiskScore: &risk2,
		Review: &domain.ReviewState{Decision: domain.DecisionApprove},
	}

	events := diffEvents(prev, cur)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, domain.EventStatusChanged)
	assert.Contains(t, types, domain.EventReviewRequested)
	assert.Contains(t, types, domain.EventRiskScored)
	assert.Contains(t, types, domain.EventReviewDecided)
}
