package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/websocket"

	"github.com/drblury/muflow/transport"
)

type client struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
	done   chan struct{}

	frameType    int
	writeTimeout time.Duration
	pongTimeout  time.Duration
	maxMessage   int64

	closeOnce sync.Once
	closeMsg  []byte
}

func newClient(conn *websocket.Conn, remote string, opts transport.Options) *client {
	frameType := websocket.TextMessage
	if opts.Binary {
		frameType = websocket.BinaryMessage
	}
	return &client{
		conn:         conn,
		remote:       remote,
		send:         make(chan []byte, opts.SendBufferSize),
		done:         make(chan struct{}),
		frameType:    frameType,
		writeTimeout: opts.WriteTimeout,
		pongTimeout:  opts.PongTimeout,
		maxMessage:   opts.MaxMessageSize,
	}
}

func (c *client) Send(data []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return transport.ErrClosed
	default:
		return transport.ErrSendBufferFull
	}
}

func (c *client) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(c.done)
	})
	return nil
}

func (c *client) RemoteAddr() string {
	return c.remote
}

// readPump feeds inbound frames to the handler until the peer goes away or
// the connection is closed locally.
func (c *client) readPump(ctx context.Context, id string, handler transport.Handler, logger watermill.LoggerAdapter) {
	defer func() {
		_ = c.Close(transport.CloseNormal, "")
		handler.CloseConnection(ctx, id)
	}()

	c.conn.SetReadLimit(c.maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Error("WebSocket read error", err, watermill.LogFields{"conn_id": id})
			}
			return
		}
		handler.ReceiveMessage(ctx, id, data)
	}
}

// writePump owns every write to the socket: queued frames, pings and the
// final close frame.
func (c *client) writePump(logger watermill.LoggerAdapter) {
	ticker := time.NewTicker(c.pongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(c.frameType, msg); err != nil {
				logger.Error("Failed to write message", err, nil)
				_ = c.Close(transport.CloseInternalError, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close(transport.CloseGoingAway, "ping failed")
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage, c.closeMsg, time.Now().Add(c.writeTimeout))
			return
		}
	}
}

// flush writes frames that were queued before the close was requested.
func (c *client) flush() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(c.frameType, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
