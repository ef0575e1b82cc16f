package push

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Client is one WebSocket connection to the push feed.
type Client struct {
	ID      string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	filters map[string]bool // deployment IDs; empty means everything
	log     *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, 256),
		filters: make(map[string]bool),
		log:     log.WithFields(zap.String("client_id", id)),
	}
}

// controlMessage is the only inbound frame the feed accepts.
type controlMessage struct {
	Action       string `json:"action"` // subscribe | unsubscribe
	DeploymentID string `json:"deployment_id"`
}

// ReadPump consumes control frames until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("push read error", zap.Error(err))
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.DeploymentID == "" {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.hub.subscribeDeployment(c, msg.DeploymentID)
		case "unsubscribe":
			c.hub.unsubscribeDeployment(c, msg.DeploymentID)
		}
	}
}

// WritePump flushes queued notifications and keeps the connection alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// Buffer full; the write pump will clean up on disconnect.
	}
}
