package runtime

import (
	"context"
	"time"

	"github.com/drblury/muflow/internal/runtime/codec"
	"github.com/drblury/muflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/muflow/internal/runtime/metadata"
)

// ContextKeyCorrelationID is where the correlation interceptor stores the id.
const ContextKeyCorrelationID = "correlation_id"

// Context is the per-message view handed to guards, interceptors and
// handlers that ask for ParamContext. It is not shared between messages.
type Context struct {
	Connection *Connection
	Message    *codec.Envelope
	Route      *RouteEntry
	Logger     logging.ServiceLogger
	StartedAt  time.Time

	values *metadatapkg.Store
}

func newContext(conn *Connection, msg *codec.Envelope, route *RouteEntry, logger logging.ServiceLogger) *Context {
	return &Context{
		Connection: conn,
		Message:    msg,
		Route:      route,
		Logger:     logger,
		StartedAt:  time.Now(),
		values:     metadatapkg.NewStore(),
	}
}

func (c *Context) ConnID() string {
	if c == nil || c.Connection == nil {
		return ""
	}
	return c.Connection.ID
}

func (c *Context) Event() string {
	if c == nil || c.Message == nil {
		return ""
	}
	return c.Message.Type
}

// MessageID returns the client supplied id, nil when absent.
func (c *Context) MessageID() any {
	if c == nil || c.Message == nil {
		return nil
	}
	return c.Message.ID
}

func (c *Context) Set(key string, value any) {
	c.values.Set(key, value)
}

func (c *Context) Get(key string) (any, bool) {
	return c.values.Get(key)
}

func (c *Context) CorrelationID() string {
	id, _ := metadatapkg.Lookup[string](c.values, ContextKeyCorrelationID)
	return id
}

// Push sends an unsolicited success envelope of the given event to the
// connection that produced this message.
func (c *Context) Push(ctx context.Context, event string, data any) error {
	return c.Connection.Send(ctx, codec.Response{Type: event, Success: true, Data: data}.Map())
}

type messageContextKey struct{}

func withMessageContext(ctx context.Context, mc *Context) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mc)
}

// FromContext returns the per-message Context travelling with ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(*Context)
	return mc, ok
}
