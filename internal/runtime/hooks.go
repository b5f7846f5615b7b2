package runtime

import (
	"context"
	"time"

	"github.com/drblury/muflow/internal/runtime/logging"
)

// ConnectHook is implemented by controllers that want to observe new
// connections. Errors are logged and otherwise ignored.
type ConnectHook interface {
	OnConnect(ctx context.Context, conn *Connection) error
}

// DisconnectHook runs while a connection is closing, before its scope is
// released.
type DisconnectHook interface {
	OnDisconnect(ctx context.Context, conn *Connection) error
}

// ErrorHook receives dispatch failures of a connection.
type ErrorHook interface {
	OnError(ctx context.Context, conn *Connection, err error) error
}

// MessageInfo describes one finished dispatch.
type MessageInfo struct {
	ConnID        string
	Event         string
	MessageID     any
	CorrelationID string
	StartedAt     time.Time
	Duration      time.Duration
	Denied        bool
	Err           error
}

// LifecycleHooks are application level callbacks. Nil hooks are skipped.
type LifecycleHooks struct {
	OnConnect     func(ctx context.Context, conn *Connection)
	OnDisconnect  func(ctx context.Context, conn *Connection)
	OnError       func(ctx context.Context, conn *Connection, err error)
	OnMessageDone func(info MessageInfo)
}

// Merge returns hooks that call h first and other second.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnConnect:     chainConnHooks(h.OnConnect, other.OnConnect),
		OnDisconnect:  chainConnHooks(h.OnDisconnect, other.OnDisconnect),
		OnError:       chainErrorHooks(h.OnError, other.OnError),
		OnMessageDone: chainDoneHooks(h.OnMessageDone, other.OnMessageDone),
	}
}

func chainConnHooks(a, b func(context.Context, *Connection)) func(context.Context, *Connection) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, conn *Connection) {
		a(ctx, conn)
		b(ctx, conn)
	}
}

func chainErrorHooks(a, b func(context.Context, *Connection, error)) func(context.Context, *Connection, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, conn *Connection, err error) {
		a(ctx, conn, err)
		b(ctx, conn, err)
	}
}

func chainDoneHooks(a, b func(MessageInfo)) func(MessageInfo) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(info MessageInfo) {
		a(info)
		b(info)
	}
}

// LoggingHooks logs connection churn and failed messages.
func LoggingHooks(logger logging.ServiceLogger) LifecycleHooks {
	return LifecycleHooks{
		OnConnect: func(_ context.Context, conn *Connection) {
			logger.Info("Connection opened", logging.LogFields{
				"conn_id": conn.ID,
				"address": conn.Handshake.Address,
			})
		},
		OnDisconnect: func(_ context.Context, conn *Connection) {
			logger.Info("Connection closed", logging.LogFields{
				"conn_id":     conn.ID,
				"duration_ms": time.Since(conn.OpenedAt).Milliseconds(),
			})
		},
		OnMessageDone: func(info MessageInfo) {
			if info.Err == nil {
				return
			}
			logger.Error("Message failed", info.Err, logging.LogFields{
				"conn_id":     info.ConnID,
				"event":       info.Event,
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks forwards message outcomes to plain callbacks.
func MetricsHooks(onDone, onError func(event string, d time.Duration)) LifecycleHooks {
	return LifecycleHooks{
		OnMessageDone: func(info MessageInfo) {
			if info.Err != nil {
				if onError != nil {
					onError(info.Event, info.Duration)
				}
				return
			}
			if onDone != nil {
				onDone(info.Event, info.Duration)
			}
		},
	}
}

// AlertingHooks calls alertFunc for every connection error.
func AlertingHooks(alertFunc func(ctx context.Context, conn *Connection, err error)) LifecycleHooks {
	return LifecycleHooks{OnError: alertFunc}
}
