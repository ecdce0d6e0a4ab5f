// Package streaming provides the control plane's HTTP fallback for
// observing Scheduler Events over a WebSocket, for callers that cannot
// open the primary IPC socket (see ServerConfig's
// live-event-stream fallback). The primary transport for scheduler
// commands remains the length-prefixed socket in internal/ipc; this hub
// only ever pushes, never accepts commands.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ponybunny-ai/taskforge/internal/common/logger"
	"github.com/ponybunny-ai/taskforge/internal/events"
	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	clientSendBuf  = 32
)

// Upgrader is shared across connections; origin checking is left to the
// reverse proxy fronting the control plane in production deployments.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans scheduler events out to connected clients, each filtered to the
// goal ids it subscribed to. A client with an empty subscription set
// receives every event.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	logger  *logger.Logger
}

// NewHub creates a Hub and subscribes it to every scheduler event subject
// on bus so it can broadcast them to connected clients.
func NewHub(bus events.Bus, log *logger.Logger) (*Hub, error) {
	if log == nil {
		log = logger.Default()
	}
	h := &Hub{clients: make(map[*Client]bool), logger: log}

	_, err := bus.Subscribe("scheduler.>", func(ctx context.Context, env *events.Envelope) error {
		h.Broadcast(env.Payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast pushes evt to every client subscribed to its goal id (or with
// no filter at all).
func (h *Hub) Broadcast(evt v1.SchedulerEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal scheduler event for stream", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(evt.GoalID) {
			continue
		}
		if !c.Send(data) {
			h.logger.Warn("dropping event for slow stream client", zap.String("goal_id", evt.GoalID))
		}
	}
}
