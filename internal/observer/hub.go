// Package observer implements the Observer Plane (C6): real-time fan-out
// of Workflow state transitions to external subscribers over persistent
// bidirectional channels, grouped into rooms (workflow:{id}, user:{id},
// global).
//
// Grounded on workflow/question_http.go's handleStream: a State Store
// watch loop translated into NotificationEvents, a heartbeat ticker, and a
// "previous vs current" diff to decide the event type — translated here
// from a one-way SSE response writer to gorilla/websocket's bidirectional
// connection, and from one watcher per HTTP request to one shared Hub
// broadcasting to many connections.
package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/veriflow/internal/config"
	"github.com/c360studio/veriflow/internal/domain"
	"github.com/c360studio/veriflow/internal/metrics"
	"github.com/c360studio/veriflow/internal/statestore"
)

const (
	// GlobalRoom is the room every connection implicitly belongs to.
	GlobalRoom = "global"
)

// WorkflowRoom is the per-workflow broadcast room.
func WorkflowRoom(workflowID string) string { return "workflow:" + workflowID }

// UserRoom is the per-user broadcast room. No SPEC_FULL.md component
// currently tags Workflows with a recipient user, so nothing is ever
// published into it yet; connections may still join it, ready for a
// future collaborator/annotation that attributes a Workflow to a user.
func UserRoom(userID string) string { return "user:" + userID }

// Hub fans NotificationEvents out to subscribed *Connections, grouped by
// room. It owns the single State Store watch over Workflow state records;
// every Connection is a pure downstream consumer.
type Hub struct {
	store  *statestore.Store
	cfg    config.ObserverConfig
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Connection]struct{}

	seenMu sync.Mutex
	seen   map[string]*domain.Workflow // workflow_id -> last-seen snapshot, for diffing

	metrics *metrics.Registry
}

// WithMetrics attaches a metrics registry, injected into the constructor
// the way *slog.Logger is.
func (h *Hub) WithMetrics(reg *metrics.Registry) *Hub {
	h.metrics = reg
	return h
}

// New constructs a Hub. Call Run in its own goroutine to start forwarding
// State Store updates.
func New(store *statestore.Store, cfg config.ObserverConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:  store,
		cfg:    cfg,
		logger: logger,
		rooms:  make(map[string]map[*Connection]struct{}),
		seen:   make(map[string]*domain.Workflow),
	}
}

// Join registers conn into rooms (deduplicated, GlobalRoom always added).
func (h *Hub) Join(conn *Connection, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := append([]string{GlobalRoom}, rooms...)
	for _, room := range all {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*Connection]struct{})
		}
		h.rooms[room][conn] = struct{}{}
	}
	if h.metrics != nil {
		h.metrics.ObserverConnections.Inc()
	}
}

// Leave removes conn from every room it was joined to. Safe to call more
// than once.
func (h *Hub) Leave(conn *Connection) {
	h.mu.Lock()
	_, wasPresent := h.rooms[GlobalRoom][conn]
	for room, members := range h.rooms {
		delete(members, conn)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	if wasPresent && h.metrics != nil {
		h.metrics.ObserverConnections.Dec()
	}
}

// broadcast delivers evt to every connection in room.
func (h *Hub) broadcast(room string, evt domain.NotificationEvent) {
	h.mu.RLock()
	members := make([]*Connection, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.send(evt)
	}
}

// Run watches the State Store's Workflow state records and translates
// each authoritative change into a NotificationEvent, broadcast to the
// workflow's room and the global room, until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	updates, err := h.store.Subscribe(ctx, "wf:state:*")
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if upd.Deleted {
				continue
			}
			h.handleUpdate(upd)
		}
	}
}

func (h *Hub) handleUpdate(upd statestore.Update) {
	var w domain.Workflow
	if err := json.Unmarshal(upd.Value, &w); err != nil {
		h.logger.Warn("observer: failed to decode workflow update", "key", upd.Key, "error", err)
		return
	}

	h.seenMu.Lock()
	prev := h.seen[w.WorkflowID]
	h.seen[w.WorkflowID] = &w
	h.seenMu.Unlock()

	for _, evt := range diffEvents(prev, &w) {
		h.broadcast(WorkflowRoom(w.WorkflowID), evt)
		h.broadcast(GlobalRoom, evt)
	}
}

// diffEvents compares prev to cur and returns the NotificationEvents the
// transition implies, mirroring question_http.go's determineEventType but
// generalized to emit every applicable event rather than just one.
func diffEvents(prev, cur *domain.Workflow) []domain.NotificationEvent {
	now := time.Now()
	var events []domain.NotificationEvent

	if prev == nil || prev.Status != cur.Status {
		events = append(events, domain.NotificationEvent{
			Type: domain.EventStatusChanged, WorkflowID: cur.WorkflowID,
			Payload: map[string]any{"status": cur.Status}, At: now,
		})
		switch cur.Status {
		case domain.StatusAwaitingReview:
			events = append(events, domain.NotificationEvent{
				Type: domain.EventReviewRequested, WorkflowID: cur.WorkflowID, At: now,
			})
		case domain.StatusCompleted:
			events = append(events, domain.NotificationEvent{
				Type: domain.EventCompleted, WorkflowID: cur.WorkflowID, At: now,
			})
		case domain.StatusFailed:
			events = append(events, domain.NotificationEvent{
				Type: domain.EventFailed, WorkflowID: cur.WorkflowID, At: now,
			})
		}
	}

	if cur.RiskScore != nil && (prev == nil || prev.RiskScore == nil || *prev.RiskScore != *cur.RiskScore) {
		events = append(events, domain.NotificationEvent{
			Type: domain.EventRiskScored, WorkflowID: cur.WorkflowID,
			Payload: map[string]any{"risk_score": *cur.RiskScore}, At: now,
		})
	}

	if cur.Review != nil && cur.Review.Decision != "" && (prev == nil || prev.Review == nil || prev.Review.Decision != cur.Review.Decision) {
		events = append(events, domain.NotificationEvent{
			Type: domain.EventReviewDecided, WorkflowID: cur.WorkflowID,
			Payload: map[string]any{"decision": cur.Review.Decision}, At: now,
		})
	}

	return events
}
