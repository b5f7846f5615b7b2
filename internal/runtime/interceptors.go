package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/muflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/muflow/internal/runtime/logging"
)

// Next runs the remaining interceptors and the handler.
type Next func(ctx context.Context) (any, error)

// Interceptor wraps handler execution. Interceptors nest like an onion: the
// first registered one is outermost.
type Interceptor interface {
	Intercept(ctx context.Context, c *Context, next Next) (any, error)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx context.Context, c *Context, next Next) (any, error)

func (f InterceptorFunc) Intercept(ctx context.Context, c *Context, next Next) (any, error) {
	return f(ctx, c, next)
}

// InterceptorBuilder constructs an interceptor for the given application.
// Returning nil skips the registration.
type InterceptorBuilder func(*Application) (Interceptor, error)

// InterceptorRegistration captures a global interceptor added by the
// application before the user supplied ones.
type InterceptorRegistration struct {
	Name        string
	Interceptor Interceptor
	Builder     InterceptorBuilder
}

// DefaultInterceptors returns the built-in chain, outermost first.
func DefaultInterceptors() []InterceptorRegistration {
	return []InterceptorRegistration{
		CorrelationIDInterceptor(),
		LogMessagesInterceptor(nil),
		TracerInterceptor(),
		MetricsInterceptor(),
		RecovererInterceptor(),
	}
}

// CorrelationIDInterceptor stores a ULID correlation id on the message
// context unless an outer interceptor already set one.
func CorrelationIDInterceptor() InterceptorRegistration {
	return InterceptorRegistration{
		Name: "correlation_id",
		Interceptor: InterceptorFunc(func(ctx context.Context, c *Context, next Next) (any, error) {
			if c.CorrelationID() == "" {
				c.Set(ContextKeyCorrelationID, idspkg.CreateULID())
			}
			return next(ctx)
		}),
	}
}

// LogMessagesInterceptor logs every message at debug level before and after
// the handler. A nil logger uses the application logger.
func LogMessagesInterceptor(logger loggingpkg.ServiceLogger) InterceptorRegistration {
	return InterceptorRegistration{
		Name: "log_messages",
		Builder: func(a *Application) (Interceptor, error) {
			l := logger
			if l == nil {
				l = a.Logger
			}
			if l == nil {
				return nil, errors.New("log messages interceptor requires a logger")
			}
			return logMessagesInterceptor(l), nil
		},
	}
}

func logMessagesInterceptor(logger loggingpkg.ServiceLogger) Interceptor {
	return InterceptorFunc(func(ctx context.Context, c *Context, next Next) (any, error) {
		fields := loggingpkg.LogFields{
			"conn_id":        c.ConnID(),
			"event":          c.Event(),
			"message_id":     c.MessageID(),
			"correlation_id": c.CorrelationID(),
		}
		logger.Debug("Received message", fields)
		result, err := next(ctx)
		done := loggingpkg.LogFields{"duration_ms": time.Since(c.StartedAt).Milliseconds()}
		for k, v := range fields {
			done[k] = v
		}
		if err != nil {
			done["error"] = err.Error()
		}
		logger.Debug("Handled message", done)
		return result, err
	})
}

// TracerInterceptor wraps handler execution in an OpenTelemetry span.
func TracerInterceptor() InterceptorRegistration {
	return InterceptorRegistration{
		Name: "tracer",
		Interceptor: InterceptorFunc(func(ctx context.Context, c *Context, next Next) (any, error) {
			ctx, span := otel.Tracer("muflow").Start(ctx, "muflow.dispatch "+c.Event(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("muflow.event", c.Event()),
					attribute.String("muflow.conn_id", c.ConnID()),
					attribute.String("muflow.correlation_id", c.CorrelationID()),
				),
			)
			defer span.End()

			result, err := next(ctx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return result, err
		}),
	}
}

// MetricsInterceptor records outcome and duration per event. It is skipped
// when metrics are disabled.
func MetricsInterceptor() InterceptorRegistration {
	return InterceptorRegistration{
		Name: "metrics",
		Builder: func(a *Application) (Interceptor, error) {
			if a.metrics == nil {
				return nil, nil
			}
			m := a.metrics
			return InterceptorFunc(func(ctx context.Context, c *Context, next Next) (any, error) {
				m.messageStarted()
				defer m.messageFinished()
				start := time.Now()
				result, err := next(ctx)
				outcome := outcomeSuccess
				if err != nil {
					outcome = outcomeError
				}
				m.observe(c.Event(), outcome, time.Since(start))
				return result, err
			}), nil
		},
	}
}

// RecovererInterceptor converts handler panics into errors.
func RecovererInterceptor() InterceptorRegistration {
	return InterceptorRegistration{
		Name: "recoverer",
		Builder: func(a *Application) (Interceptor, error) {
			logger := a.Logger
			return InterceptorFunc(func(ctx context.Context, c *Context, next Next) (result any, err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("panic: %v", r)
						if logger != nil {
							logger.Error("Handler panicked", err, loggingpkg.LogFields{
								"event": c.Event(),
								"stack": string(debug.Stack()),
							})
						}
					}
				}()
				return next(ctx)
			}), nil
		},
	}
}

func chainInterceptors(mc *Context, interceptors []Interceptor, handler Next) Next {
	call := handler
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, next := interceptors[i], call
		call = func(ctx context.Context) (any, error) {
			return ic.Intercept(ctx, mc, next)
		}
	}
	return call
}
