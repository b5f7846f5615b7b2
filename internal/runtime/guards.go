package runtime

import (
	"context"
	"strings"

	"golang.org/x/time/rate"

	"github.com/drblury/muflow/internal/runtime/di"
)

// Guard decides whether a message may reach its handler.
type Guard interface {
	CanActivate(ctx context.Context, c *Context) (bool, error)
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(ctx context.Context, c *Context) (bool, error)

func (f GuardFunc) CanActivate(ctx context.Context, c *Context) (bool, error) {
	return f(ctx, c)
}

// HeaderGuard admits messages whose connection handshake carried the header
// with the given value. Header names are matched case-insensitively.
func HeaderGuard(name, value string) Guard {
	key := strings.ToLower(name)
	return GuardFunc(func(_ context.Context, c *Context) (bool, error) {
		if c == nil || c.Connection == nil {
			return false, nil
		}
		return c.Connection.Handshake.Headers[key] == value, nil
	})
}

// RateLimitGuardToken resolves the per-connection rate limiter.
var RateLimitGuardToken = di.NewSymbol("muflow.RateLimitGuard")

// RateLimitGuard is a token bucket owned by a single connection.
type RateLimitGuard struct {
	limiter *rate.Limiter
}

func NewRateLimitGuard(perSecond float64, burst int) *RateLimitGuard {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitGuard{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (g *RateLimitGuard) CanActivate(context.Context, *Context) (bool, error) {
	return g.limiter.Allow(), nil
}

// RateLimitGuardProvider registers a connection-scoped RateLimitGuard so every
// connection gets its own bucket.
func RateLimitGuardProvider(perSecond float64, burst int) di.Provider {
	return di.Factory(RateLimitGuardToken, func(context.Context, ...any) (any, error) {
		return NewRateLimitGuard(perSecond, burst), nil
	}).Scoped(di.Connection)
}
