package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server binds to loopback by default.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamClient forwards exec events to one WebSocket connection. A client
// that cannot keep up is disconnected rather than slowing the event hub.
type streamClient struct {
	id      string
	conn    *websocket.Conn
	engine  Engine
	session string
	logger  *logger.Logger

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// handleEvents handles GET /api/v1/events (WebSocket upgrade)
// Query params:
//   - session_id: only forward events for this session (follows rekeys)
func (h *Handler) handleEvents(c *gin.Context) {
	id := uuid.NewString()
	client := &streamClient{
		id:      id,
		engine:  h.engine,
		session: c.Query("session_id"),
		logger:  h.logger.WithFields(zap.String("client_id", id)),
		send:    make(chan []byte, sendBuffer),
		closed:  make(chan struct{}),
	}
	// Subscribe before the handshake completes so no event emitted after the
	// client connects is missed; early events wait in the send buffer.
	unsubscribe := h.engine.OnEvent(client.forward)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		unsubscribe()
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	client.conn = conn
	client.logger.Info("event stream connected", zap.String("session_filter", client.session))

	go client.writePump()
	go func() {
		client.readPump()
		unsubscribe()
	}()
}

func (c *streamClient) forward(ev droidexec.Event) {
	if c.session != "" && c.engine.ResolveSessionID(c.session) != c.engine.ResolveSessionID(ev.SessionID) {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}
	select {
	case <-c.closed:
	case c.send <- data:
	default:
		c.logger.Warn("event stream client too slow, disconnecting")
		c.close()
	}
}

// close signals both pumps; writePump owns closing the connection.
func (c *streamClient) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// readPump discards client messages and returns when the connection drops.
func (c *streamClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("event stream read error", zap.Error(err))
			}
			c.logger.Info("event stream disconnected")
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
