package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/muflow/internal/runtime/codec"
	"github.com/drblury/muflow/internal/runtime/di"
	errspkg "github.com/drblury/muflow/internal/runtime/errors"
	idspkg "github.com/drblury/muflow/internal/runtime/ids"
	"github.com/drblury/muflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/muflow/internal/runtime/metadata"
	"github.com/drblury/muflow/transport"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateOpening ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is the runtime record of one transport connection.
type Connection struct {
	ID        string
	Handle    transport.Conn
	Handshake transport.Handshake
	Metadata  *metadatapkg.Store
	OpenedAt  time.Time

	state    atomic.Int32
	inflight chan struct{}
	done     chan struct{}
	lc       *Lifecycle
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) IsOpen() bool {
	return c.State() == StateOpen
}

// Send encodes msg with the application codec and writes it. A closed
// connection refuses silently; a failed write closes the connection.
func (c *Connection) Send(ctx context.Context, msg map[string]any) error {
	if !c.IsOpen() {
		return errspkg.ErrConnectionClosed
	}
	frame, err := c.lc.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.Handle.Send(frame); err != nil {
		c.lc.logger.Error("Send failed, closing connection", err, logging.LogFields{"conn_id": c.ID})
		c.lc.Close(ctx, c.ID)
		_ = c.Handle.Close(transport.CloseInternalError, "send failed")
		return err
	}
	return nil
}

// SendFrame writes an already encoded frame.
func (c *Connection) SendFrame(ctx context.Context, frame []byte) error {
	if !c.IsOpen() {
		return errspkg.ErrConnectionClosed
	}
	if err := c.Handle.Send(frame); err != nil {
		c.lc.Close(ctx, c.ID)
		_ = c.Handle.Close(transport.CloseInternalError, "send failed")
		return err
	}
	return nil
}

// Disconnect closes the transport connection; the transport reports the
// close back through the lifecycle.
func (c *Connection) Disconnect(code int, reason string) error {
	return c.Handle.Close(code, reason)
}

func (c *Connection) acquire(ctx context.Context) bool {
	if c.inflight == nil {
		return true
	}
	select {
	case c.inflight <- struct{}{}:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) release() {
	if c.inflight == nil {
		return
	}
	<-c.inflight
}

// LifecycleOptions configures a Lifecycle.
type LifecycleOptions struct {
	// Controllers are resolved on every transition so those implementing the
	// hook interfaces can observe it.
	Controllers []di.Token
	Hooks       LifecycleHooks
	MaxInFlight int
}

// Lifecycle owns the set of live connections and their DI scopes.
type Lifecycle struct {
	container *di.Container
	codec     codec.Codec
	logger    logging.ServiceLogger
	opts      LifecycleOptions

	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool
}

func NewLifecycle(container *di.Container, c codec.Codec, logger logging.ServiceLogger, opts LifecycleOptions) *Lifecycle {
	return &Lifecycle{
		container: container,
		codec:     c,
		logger:    logger,
		opts:      opts,
		conns:     make(map[string]*Connection),
	}
}

// Open registers a connection, opens its DI scope, marks it open and runs
// the connect hooks.
func (l *Lifecycle) Open(ctx context.Context, handle transport.Conn, hs transport.Handshake) (*Connection, error) {
	conn := &Connection{
		ID:        idspkg.CreateULID(),
		Handle:    handle,
		Handshake: hs,
		Metadata:  metadatapkg.NewStore(),
		OpenedAt:  time.Now(),
		done:      make(chan struct{}),
		lc:        l,
	}
	if l.opts.MaxInFlight > 0 {
		conn.inflight = make(chan struct{}, l.opts.MaxInFlight)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errspkg.ErrConnectionClosed
	}
	l.container.OpenScope(conn.ID)
	l.conns[conn.ID] = conn
	count := len(l.conns)
	l.mu.Unlock()

	l.logger.Debug("Connection established", logging.LogFields{"conn_id": conn.ID, "connections": count})

	// Connect hooks see a live connection and may send to it.
	conn.state.CompareAndSwap(int32(StateOpening), int32(StateOpen))

	l.eachHook(ctx, conn, "connect", func(ctrl any) error {
		if h, ok := ctrl.(ConnectHook); ok {
			return h.OnConnect(ctx, conn)
		}
		return nil
	})
	if l.opts.Hooks.OnConnect != nil {
		l.safely(conn, "connect", func() error {
			l.opts.Hooks.OnConnect(ctx, conn)
			return nil
		})
	}
	return conn, nil
}

// Close runs the disconnect hooks once and releases everything the
// connection held. Unknown ids and repeated calls are no-ops.
func (l *Lifecycle) Close(ctx context.Context, id string) {
	conn, ok := l.Get(id)
	if !ok {
		return
	}
	if !conn.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) &&
		!conn.state.CompareAndSwap(int32(StateOpening), int32(StateClosing)) {
		return
	}
	close(conn.done)

	l.eachHook(ctx, conn, "disconnect", func(ctrl any) error {
		if h, ok := ctrl.(DisconnectHook); ok {
			return h.OnDisconnect(ctx, conn)
		}
		return nil
	})
	if l.opts.Hooks.OnDisconnect != nil {
		l.safely(conn, "disconnect", func() error {
			l.opts.Hooks.OnDisconnect(ctx, conn)
			return nil
		})
	}

	l.container.ReleaseScope(id)

	l.mu.Lock()
	delete(l.conns, id)
	count := len(l.conns)
	l.mu.Unlock()

	conn.state.Store(int32(StateClosed))
	l.logger.Debug("Connection closed", logging.LogFields{"conn_id": id, "connections": count})
}

// ReportError hands err to every error hook.
func (l *Lifecycle) ReportError(ctx context.Context, conn *Connection, err error) {
	if conn == nil || err == nil {
		return
	}
	l.eachHook(ctx, conn, "error", func(ctrl any) error {
		if h, ok := ctrl.(ErrorHook); ok {
			return h.OnError(ctx, conn, err)
		}
		return nil
	})
	if l.opts.Hooks.OnError != nil {
		l.safely(conn, "error", func() error {
			l.opts.Hooks.OnError(ctx, conn, err)
			return nil
		})
	}
}

func (l *Lifecycle) Get(id string) (*Connection, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	conn, ok := l.conns[id]
	return conn, ok
}

func (l *Lifecycle) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}

// Each calls fn for every open connection until fn returns false.
func (l *Lifecycle) Each(fn func(*Connection) bool) {
	for _, conn := range l.snapshot() {
		if !conn.IsOpen() {
			continue
		}
		if !fn(conn) {
			return
		}
	}
}

// Shutdown refuses new connections and closes the remaining ones.
func (l *Lifecycle) Shutdown(ctx context.Context) {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	for _, conn := range l.snapshot() {
		l.Close(ctx, conn.ID)
		_ = conn.Handle.Close(transport.CloseGoingAway, "server shutting down")
	}
}

func (l *Lifecycle) snapshot() []*Connection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Connection, 0, len(l.conns))
	for _, conn := range l.conns {
		out = append(out, conn)
	}
	return out
}

func (l *Lifecycle) eachHook(ctx context.Context, conn *Connection, kind string, call func(ctrl any) error) {
	for _, token := range l.opts.Controllers {
		l.safely(conn, kind, func() error {
			ctrl, err := l.container.ResolveAsync(ctx, token, conn.ID)
			if err != nil {
				return err
			}
			return call(ctrl)
		})
	}
}

func (l *Lifecycle) safely(conn *Connection, kind string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Lifecycle hook panicked", fmt.Errorf("panic: %v", r), logging.LogFields{
				"conn_id": conn.ID,
				"hook":    kind,
			})
		}
	}()
	if err := fn(); err != nil {
		l.logger.Error("Lifecycle hook failed", err, logging.LogFields{
			"conn_id": conn.ID,
			"hook":    kind,
		})
	}
}
