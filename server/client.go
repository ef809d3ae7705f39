package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobgate/evalpulse/logger"
)

// Gorilla chat example timings
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// Client is one websocket connection
type Client struct {
	server    *RelayServer
	conn      *websocket.Conn
	send      chan Event
	id        string
	closeOnce sync.Once
}

// readPump handles client messages until the connection fails
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error", logger.FieldError, err.Error(), logger.FieldClientID, c.id)
			continue
		}
		c.routeMessage(msg)
	}
}

// handleReadError logs unexpected close codes only
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
		websocket.CloseNormalClosure,
	) {
		c.server.logger.Warnw("WebSocket read error", logger.FieldClientID, c.id, logger.FieldError, err)
	}
}

func (c *Client) routeMessage(msg ClientMessage) {
	switch msg.Type {
	case "cancel":
		if !c.server.tracker.Cancel(msg.ID) {
			c.reply(Event{Type: EventError, Error: "no active session " + msg.ID})
		}
	case "list":
		c.reply(Event{Type: EventSessions, Sessions: c.server.activeSummaries()})
	case "ping":
	default:
		c.server.logger.Debugw("Unknown client message", logger.FieldClientID, c.id, "type", msg.Type)
	}
}

// reply sends an event to this client only, through the hub
func (c *Client) reply(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	select {
	case c.server.direct <- directMessage{client: c, event: e}:
	case <-c.server.ctx.Done():
	}
}

// writePump serializes every write to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.server.logger.Debugw("Event write error", logger.FieldError, err.Error(), logger.FieldClientID, c.id)
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

// close closes the send queue once
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
