package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rentease/converse/internal/events"
	"github.com/rentease/converse/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client is one live websocket connection. It implements registry.Sender.
type Client struct {
	ID          string
	UserID      string
	DisplayName string

	socket  *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Send queues payload without blocking. A client that cannot keep up is
// closed, matching how a dead peer is treated.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return registry.ErrConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		log.Warn("Send buffer full for client %s (user %s), closing", c.ID, c.UserID)
		c.closeLocked()
		return registry.ErrSendBufferFull
	}
}

func (c *Client) sendEvent(evt events.Outbound) {
	payload, err := evt.Encode()
	if err != nil {
		log.Error("Failed to encode %s for client %s: %v", evt.Type, c.ID, err)
		return
	}
	if err := c.Send(payload); err != nil {
		log.Debug("Dropped %s for client %s: %v", evt.Type, c.ID, err)
	}
}

func (c *Client) sendError(code, message string, event events.Type) {
	c.sendEvent(events.Error(code, message, event))
}

// close stops the write pump; the read pump notices the closed socket.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump decodes inbound frames and dispatches them in order. It owns
// teardown: when it returns, the connection is unregistered.
func (c *Client) readPump(g *Gateway) {
	defer g.disconnect(c)

	c.socket.SetReadLimit(maxMessageSize)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("Unexpected close from client %s: %v", c.ID, err)
			} else {
				log.Debug("Client %s closed connection: %v", c.ID, err)
			}
			return
		}

		if !c.limiter.Allow() {
			g.metrics.RateLimited()
			c.sendError(events.CodeRateLimited, "too many events, slow down", "")
			continue
		}

		evt, err := events.Decode(raw)
		if err != nil {
			g.metrics.InboundEvent("invalid")
			var event events.Type
			var de *events.DecodeError
			if errors.As(err, &de) {
				event = de.Event
			}
			log.Debug("Rejected frame from client %s: %v", c.ID, err)
			c.sendError(events.CodeInvalidArgument, err.Error(), event)
			continue
		}

		g.metrics.InboundEvent(string(evt.EventType()))
		g.dispatch(c, evt)
	}
}

// writePump drains the send channel, one frame per event, and keeps the
// connection alive with pings.
func (c *Client) writePump(g *Gateway) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug("Write to client %s failed: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			g.refreshPresence(c.UserID)
		}
	}
}
