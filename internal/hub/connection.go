package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
	"go.uber.org/zap"
)

const (
	maxFrameBytes     = 64 * 1024
	writeWait         = 5 * time.Second
	closeGraceperiod  = time.Second
	defaultQueueDepth = 64
)

// conn is one live server-side websocket connection. The read pump is the
// only goroutine dispatching its inbound frames; the write pump is the only
// goroutine touching the socket for writes, draining the send queue in FIFO
// order.
type conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	remote string

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	openedAt  time.Time
}

func newConn(id, userID string, ws *websocket.Conn, queueDepth int, now time.Time) *conn {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &conn{
		id:       id,
		userID:   userID,
		ws:       ws,
		remote:   ws.RemoteAddr().String(),
		send:     make(chan []byte, queueDepth),
		done:     make(chan struct{}),
		openedAt: now,
	}
}

// enqueue appends one frame to the connection's send queue without blocking.
// A full queue means the consumer is too slow to keep its FIFO guarantee;
// the caller disconnects it rather than stalling other subscribers.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) enqueueEnvelope(envelope realtime.Envelope) bool {
	frame, err := json.Marshal(envelope)
	if err != nil {
		return true
	}
	return c.enqueue(frame)
}

// shutdown signals both pumps to exit. Safe to call from any goroutine.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains the send queue and keeps the liveness ping schedule. It
// owns all writes to the socket.
func (c *conn) writePump(pingInterval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(closeGraceperiod))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("write failed", zap.String("connection_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames until the peer goes away or misses its
// heartbeat budget (the read deadline advances on every pong and frame).
func (c *conn) readPump(h *Hub, pongWait time.Duration) {
	defer h.unregister(c, "read pump exit")

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("connection dropped",
					zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		message, err := realtime.DecodeClientMessage(data)
		if err != nil {
			h.logger.Warn("discarding malformed frame",
				zap.String("connection_id", c.id), zap.Error(err))
			continue
		}
		if done := h.dispatch(c, message); done {
			return
		}
	}
}
