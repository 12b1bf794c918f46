package observer

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/veriflow/internal/domain"
)

// Upgrader is shared across connections, mirroring the single
// http.ServeMux-registered handler pattern in question_http.go.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Connection is one subscriber's bidirectional channel: a bounded outbound
// queue with oldest-drop overflow (default 100; overflow drops the oldest
// event and sends a lag marker), plus a heartbeat/pong liveness check.
type Connection struct {
	ws     *websocket.Conn
	hub    *Hub
	logger *slog.Logger

	heartbeatInterval time.Duration
	missedLimit       int

	outbox  chan domain.NotificationEvent
	closed  atomic.Bool
	closeMu sync.Mutex
}

func newConnection(ws *websocket.Conn, hub *Hub, queueSize int, heartbeatInterval time.Duration, missedLimit int, logger *slog.Logger) *Connection {
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ws:                ws,
		hub:               hub,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		missedLimit:       missedLimit,
		outbox:            make(chan domain.NotificationEvent, queueSize),
	}
}

// send enqueues evt for delivery, dropping the oldest queued event and
// substituting a lag marker if the outbox is full. Never blocks.
func (c *Connection) send(evt domain.NotificationEvent) {
	select {
	case c.outbox <- evt:
		return
	default:
	}

	// Outbox full: drop the oldest pending event, signal lag, then enqueue.
	select {
	case <-c.outbox:
		c.hub.metrics.RecordDrop("")
	default:
	}
	select {
	case c.outbox <- domain.NotificationEvent{Type: domain.EventLag, At: time.Now()}:
	default:
	}
	select {
	case c.outbox <- evt:
		return
	default:
	}
	// The lag marker took the slot freed above; drop the next-oldest event
	// as well so evt is still delivered. A one-slot outbox keeps the lag
	// marker and drops evt.
	if cap(c.outbox) > 1 {
		select {
		case <-c.outbox:
			c.hub.metrics.RecordDrop("")
		default:
		}
		select {
		case c.outbox <- evt:
		default:
		}
	}
}

// run drives the connection's write pump (outbox -> websocket) and read
// pump (pong handling, close detection) until either fails or ctx-equivalent
// closure happens. It blocks until the connection closes.
func (c *Connection) run() {
	defer c.close()

	done := make(chan struct{})
	go c.readPump(done)
	c.writePump(done)
}

func (c *Connection) readPump(done chan struct{}) {
	defer close(done)
	c.ws.SetReadLimit(4096)
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.heartbeatInterval * time.Duration(c.missedLimit+1)))
	})
	_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeatInterval * time.Duration(c.missedLimit+1)))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Connection) writePump(done <-chan struct{}) {
	interval := c.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case evt := <-c.outbox:
			data, err := json.Marshal(evt)
			if err != nil {
				c.logger.Warn("observer: failed to marshal event", "error", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.closeMu.Lock()
		defer c.closeMu.Unlock()
		c.hub.Leave(c)
		_ = c.ws.Close()
	}
}
