package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleapp/internal/groutine"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub tracks websocket clients and fans messages out to them. A client
// that cannot keep up is dropped.
type Hub struct {
	logger  *logrus.Logger
	clients *hashmap.Map[string, *client]
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	hub       *Hub
}

// NewHub creates an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{logger: logger, clients: hashmap.New[string, *client]()}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int { return h.clients.Len() }

// Serve upgrades the request and runs the client until it disconnects.
// greeting, if not nil, is the first message the client receives.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, greeting []byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		hub:  h,
	}
	if greeting != nil {
		c.send <- greeting
	}
	h.clients.Set(c.id, c)
	h.logger.WithFields(logrus.Fields{"client": c.id, "remote": r.RemoteAddr}).Info("Monitor client connected")

	groutine.Go(context.Background(), "monitor-ws-write", c.writePump)
	groutine.Go(context.Background(), "monitor-ws-read", c.readPump)
}

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(msg []byte) {
	h.clients.Range(func(id string, c *client) bool {
		select {
		case c.send <- msg:
		default:
			h.logger.WithField("client", id).Warn("Monitor client too slow, dropping")
			c.close()
		}
		return true
	})
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.clients.Range(func(_ string, c *client) bool {
		c.close()
		return true
	})
}

// close unregisters the client; writePump then sends the close frame and
// releases the connection.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.clients.Del(c.id)
		c.hub.logger.WithField("client", c.id).Info("Monitor client disconnected")
	})
}

// readPump discards client messages; it only tracks liveness.
func (c *client) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WithError(err).WithField("client", c.id).Debug("Monitor client read failed")
			}
			return
		}
	}
}

func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
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
