package streaming

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ponybunny-ai/taskforge/internal/common/logger"
)

// subscriptionMessage is sent by a client to narrow the goal ids it wants
// pushed to it. An empty GoalIDs list means "everything".
type subscriptionMessage struct {
	Action  string   `json:"action"` // subscribe, unsubscribe
	GoalIDs []string `json:"goal_ids"`
}

// Client is one WebSocket connection subscribed to the event stream.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	mu      sync.RWMutex
	goalIDs map[string]bool
}

// NewClient upgrades r into a WebSocket connection and registers it with hub.
func NewClient(w http.ResponseWriter, r *http.Request, hub *Hub, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Default()
	}
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, clientSendBuf),
		logger:  log,
		goalIDs: make(map[string]bool),
	}
	hub.Register(c)
	return c, nil
}

// wants reports whether the client should receive an event for goalID: no
// filter set subscribes to everything.
func (c *Client) wants(goalID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.goalIDs) == 0 {
		return true
	}
	return c.goalIDs[goalID]
}

// ReadPump consumes subscription control messages until the connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("event stream read error", zap.Error(err))
			}
			return
		}

		var sub subscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.Warn("invalid stream subscription message", zap.Error(err))
			continue
		}

		c.mu.Lock()
		switch sub.Action {
		case "subscribe":
			for _, id := range sub.GoalIDs {
				c.goalIDs[id] = true
			}
		case "unsubscribe":
			for _, id := range sub.GoalIDs {
				delete(c.goalIDs, id)
			}
		default:
			c.logger.Warn("unknown stream subscription action", zap.String("action", sub.Action))
		}
		c.mu.Unlock()
	}
}

// WritePump drains the send channel to the socket and keeps it alive with
// periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send enqueues a message for delivery, dropping it if the client is slow.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}
