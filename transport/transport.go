// Package transport defines the contract between connection-oriented
// transports and the muflow runtime. Each transport implementation lives in
// its own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	// ErrClosed is returned by Conn.Send once the connection is closing.
	ErrClosed = errors.New("transport: connection closed")
	// ErrSendBufferFull is returned when a slow peer cannot keep up.
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// Close codes shared by transports.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	ClosePolicyViolated = 1008
	CloseInternalError  = 1011
)

// Conn is the raw handle of one accepted connection.
type Conn interface {
	// Send queues one frame. It never blocks on the network.
	Send(data []byte) error
	// Close starts a graceful close with the given code and reason.
	Close(code int, reason string) error
	RemoteAddr() string
}

// Handshake is the information captured when the connection was accepted.
type Handshake struct {
	URL *url.URL
	// Headers are lower-cased names mapped to their first value.
	Headers map[string]string
	Query   url.Values
	// Address is the client address, honouring X-Forwarded-For and X-Real-IP.
	Address string
}

// Handler receives connection events from a transport.
type Handler interface {
	// OpenConnection registers conn and returns its id. An error rejects it.
	OpenConnection(ctx context.Context, conn Conn, hs Handshake) (string, error)
	CloseConnection(ctx context.Context, id string)
	ReceiveMessage(ctx context.Context, id string, data []byte)
}

// Options tune a transport server.
type Options struct {
	// Binary selects binary frames for outbound messages.
	Binary         bool
	MaxMessageSize int64
	SendBufferSize int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	// AllowedOrigins lists accepted Origin headers. "*" accepts any origin;
	// an empty list accepts same-origin requests only.
	AllowedOrigins []string
	Logger         watermill.LoggerAdapter
}

// Server is a transport mounted on an HTTP route.
type Server interface {
	http.Handler
	// Shutdown closes every open connection and waits for their pumps.
	Shutdown(ctx context.Context) error
}

// Builder creates a transport server for handler.
type Builder func(handler Handler, opts Options) (Server, error)

// HandshakeFromRequest captures the handshake of an HTTP upgrade request.
func HandshakeFromRequest(r *http.Request) Handshake {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return Handshake{
		URL:     r.URL,
		Headers: headers,
		Query:   r.URL.Query(),
		Address: ClientAddress(r),
	}
}
