package observer

import (
	"net/http"
	"strings"

	"github.com/c360studio/veriflow/internal/config"
)

// Handler upgrades HTTP requests to websocket connections and joins them
// to the Hub, mirroring question_http.go's RegisterHTTPHandlers
// registration idiom.
type Handler struct {
	hub *Hub
	cfg config.ObserverConfig
}

// NewHandler wraps hub for HTTP registration.
func NewHandler(hub *Hub, cfg config.ObserverConfig) *Handler {
	return &Handler{hub: hub, cfg: cfg}
}

// RegisterHTTPHandlers registers the observer websocket endpoint at
// prefix+"stream", e.g. prefix="/observe/".
func (h *Handler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	mux.HandleFunc(prefix+"stream", h.handleStream)
}

// handleStream upgrades the connection and joins it to the rooms named by
// the "rooms" query parameter (comma-separated, e.g.
// "workflow:wf_abc,user:alice"). Every connection implicitly joins
// GlobalRoom.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var rooms []string
	if raw := r.URL.Query().Get("rooms"); raw != "" {
		for _, room := range strings.Split(raw, ",") {
			room = strings.TrimSpace(room)
			if room != "" {
				rooms = append(rooms, room)
			}
		}
	}

	conn := newConnection(ws, h.hub, h.cfg.QueueSize, h.cfg.HeartbeatInterval, h.cfg.MissedHeartbeats, nil)
	h.hub.Join(conn, rooms)
	conn.run()
}
