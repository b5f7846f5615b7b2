// Package websocket serves muflow connections over gorilla/websocket.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/websocket"

	"github.com/drblury/muflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "websocket"

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultPongTimeout    = 60 * time.Second
	defaultSendBufferSize = 256
)

func init() {
	transport.Register(TransportName, Build, transport.WebSocketCapabilities)
}

// Server upgrades HTTP requests and runs one read and one write pump per
// connection.
type Server struct {
	handler  transport.Handler
	opts     transport.Options
	upgrader websocket.Upgrader
	logger   watermill.LoggerAdapter

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// Build creates a websocket transport server.
func Build(handler transport.Handler, opts transport.Options) (transport.Server, error) {
	return New(handler, opts), nil
}

// New creates a Server with defaults filled in for zero options.
func New(handler transport.Handler, opts transport.Options) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = defaultSendBufferSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = transport.WebSocketCapabilities.MaxMessageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Server{
		handler: handler,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		logger:  logger.With(watermill.LogFields{"transport": TransportName}),
		clients: make(map[*client]struct{}),
	}
}

// originChecker returns nil for an empty list so gorilla applies its
// same-origin check.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	hs := transport.HandshakeFromRequest(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", err, watermill.LogFields{"remote_addr": hs.Address})
		return
	}

	c := newClient(conn, hs.Address, s.opts)
	// The request context ends when ServeHTTP returns; connections outlive it.
	ctx := context.WithoutCancel(r.Context())

	id, err := s.handler.OpenConnection(ctx, c, hs)
	if err != nil {
		s.logger.Error("Connection rejected", err, watermill.LogFields{"remote_addr": hs.Address})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(transport.ClosePolicyViolated, "connection rejected"),
			time.Now().Add(s.opts.WriteTimeout))
		_ = conn.Close()
		return
	}

	if !s.track(c) {
		s.handler.CloseConnection(ctx, id)
		_ = conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump(s.logger)
	}()
	go func() {
		defer s.wg.Done()
		defer s.untrack(c)
		c.readPump(ctx, id, s.handler, s.logger)
	}()
}

func (s *Server) track(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// Shutdown sends a going-away close frame to every client and waits for the
// pumps to stop or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.Close(transport.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
