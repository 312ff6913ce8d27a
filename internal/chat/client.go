package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chat-relay/internal/gateway"
	"chat-relay/internal/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Largest frame accepted from the peer.
	sendBuffer     = 256
)

// FrameHandler is what a client needs from the gateway.
type FrameHandler interface {
	HandleFrame(ctx context.Context, conn *gateway.Conn, raw []byte) error
	Disconnect(ctx context.Context, conn *gateway.Conn)
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	session   *gateway.Conn
	sessionID string
	frames    FrameHandler
	log       logger.Logger

	// Buffered channel of outbound messages. Never closed; done signals shutdown.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(hub *Hub, ws *websocket.Conn, session *gateway.Conn, frames FrameHandler, l logger.Logger) *Client {
	return &Client{
		hub:       hub,
		conn:      ws,
		session:   session,
		sessionID: session.SessionID,
		frames:    frames,
		log:       l.WithFields(logger.SessionField(session.SessionID), logger.UserField(session.UserID)),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// errorReply is written back to a client whose frame was rejected.
type errorReply struct {
	Error string `json:"error"`
}

// ReadPump pumps frames from the websocket connection into the gateway.
// Frames from one connection are handled strictly in order.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.frames.Disconnect(ctx, c.session)
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", logger.ErrorField(err))
			}
			return
		}
		if err := c.frames.HandleFrame(ctx, c.session, message); err != nil {
			c.reply(err)
		}
	}
}

func (c *Client) reply(err error) {
	data, _ := json.Marshal(errorReply{Error: err.Error()})
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Debug("dropping error reply, send buffer full")
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
			// Flush whatever queued up while writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.write(<-c.send); err != nil {
					return
				}
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.log.Debug("websocket write failed", logger.ErrorField(err))
		return err
	}
	return nil
}
