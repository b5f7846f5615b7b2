// Package channel provides an in-memory Go channel transport. Clients are
// opened with Server.Dial inside the same process, which is useful for tests
// and for embedding muflow without a network listener.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/drblury/muflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

const defaultSendBufferSize = 256

// ErrMessageTooBig is returned by Client.Send for frames above MaxMessageSize.
var ErrMessageTooBig = errors.New("channel: message too big")

func init() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Server hands frames between in-process clients and the handler.
type Server struct {
	handler transport.Handler
	opts    transport.Options
	seq     atomic.Uint64

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// Build creates a channel transport server.
func Build(handler transport.Handler, opts transport.Options) (transport.Server, error) {
	return New(handler, opts), nil
}

func New(handler transport.Handler, opts transport.Options) *Server {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = defaultSendBufferSize
	}
	return &Server{
		handler: handler,
		opts:    opts,
		conns:   make(map[*conn]struct{}),
	}
}

// ServeHTTP rejects network clients.
func (s *Server) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "channel transport only accepts in-process clients", http.StatusNotImplemented)
}

// Dial opens a connection as if a client had connected with hs. An empty
// address is replaced by a unique in-process one.
func (s *Server) Dial(ctx context.Context, hs transport.Handshake) (*Client, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	if hs.Address == "" {
		hs.Address = fmt.Sprintf("channel-%d", s.seq.Add(1))
	}
	if hs.Headers == nil {
		hs.Headers = map[string]string{}
	}
	c := &conn{
		server: s,
		remote: hs.Address,
		frames: make(chan []byte, s.opts.SendBufferSize),
		done:   make(chan struct{}),
	}

	ctx = context.WithoutCancel(ctx)
	id, err := s.handler.OpenConnection(ctx, c, hs)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.id = id
	closedEarly := c.isClosed()
	c.mu.Unlock()
	if closedEarly {
		s.handler.CloseConnection(ctx, id)
		return nil, transport.ErrClosed
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.Close(transport.CloseGoingAway, "server shutting down")
		return nil, transport.ErrClosed
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	return &Client{conn: c, ctx: ctx}, nil
}

// Shutdown closes every open connection with a going-away code.
func (s *Server) Shutdown(context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(transport.CloseGoingAway, "server shutting down")
	}
	return nil
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// conn is the server side of an in-process connection.
type conn struct {
	server *Server
	remote string
	frames chan []byte
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	id        string
	code      int
	reason    string
}

func (c *conn) Send(data []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	frame := append([]byte(nil), data...)
	select {
	case c.frames <- frame:
		return nil
	case <-c.done:
		return transport.ErrClosed
	default:
		return transport.ErrSendBufferFull
	}
}

func (c *conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		id := c.id
		close(c.done)
		c.mu.Unlock()

		c.server.untrack(c)
		if id != "" {
			c.server.handler.CloseConnection(context.Background(), id)
		}
	})
	return nil
}

func (c *conn) RemoteAddr() string {
	return c.remote
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Client is the caller side of an in-process connection.
type Client struct {
	conn *conn
	ctx  context.Context
}

// ID returns the connection id assigned by the handler.
func (c *Client) ID() string {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	return c.conn.id
}

// Send delivers one inbound frame to the handler.
func (c *Client) Send(data []byte) error {
	if c.conn.isClosed() {
		return transport.ErrClosed
	}
	if limit := c.conn.server.opts.MaxMessageSize; limit > 0 && int64(len(data)) > limit {
		_ = c.conn.Close(transport.ClosePolicyViolated, "message too big")
		return ErrMessageTooBig
	}
	c.conn.server.handler.ReceiveMessage(c.ctx, c.ID(), data)
	return nil
}

// Receive returns the next outbound frame. Frames queued before the close
// are still returned; after that it reports transport.ErrClosed.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.conn.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.conn.done:
		select {
		case frame := <-c.conn.frames:
			return frame, nil
		default:
			return nil, transport.ErrClosed
		}
	}
}

// Close closes the connection from the client side.
func (c *Client) Close() error {
	return c.conn.Close(transport.CloseNormal, "")
}

// CloseStatus reports the close code and reason once the connection closed.
func (c *Client) CloseStatus() (code int, reason string, closed bool) {
	if !c.conn.isClosed() {
		return 0, "", false
	}
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	return c.conn.code, c.conn.reason, true
}
