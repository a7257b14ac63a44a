package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer. A subscriber that cannot
	// be written to within this window is dropped, never waited on.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	// sendBufferSize bounds queued-but-undelivered events per subscriber.
	// A connection whose buffer overflows is dropped.
	sendBufferSize = 32
)

// connection is one live subscriber connection. Outbound frames go through
// the buffered send channel so publishers never block on the socket.
type connection struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

func newConnection(h *Hub, ws *websocket.Conn) *connection {
	return &connection{
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// enqueue offers a frame to the connection without blocking. It returns false
// when the send buffer is full, signalling the subscriber cannot keep up.
func (c *connection) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// stop unblocks the write pump and closes the socket. Safe to call more than once.
func (c *connection) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// readPump consumes inbound frames (subscribe, unsubscribe, ping) until the
// connection drops, then removes every subscription it held.
func (c *connection) readPump() {
	defer func() {
		c.hub.removeConnection(c)
		c.stop()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read failed", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("malformed websocket frame", "error", err)
			continue
		}

		switch env.Type {
		case TypeSubscribe:
			var p SubscriptionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			c.hub.subscribe(c, p.TaskID)
		case TypeUnsubscribe:
			var p SubscriptionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			c.hub.unsubscribe(c, p.TaskID)
		case TypePing:
			if frame, err := marshalEnvelope(TypePong, struct{}{}); err == nil {
				c.enqueue(frame)
			}
		case TypePong:
			// Application-level pong; nothing to do.
		}
	}
}

// writePump drains the send channel to the socket and keeps the connection
// alive with periodic protocol pings.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
