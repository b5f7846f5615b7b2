package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/muflow/internal/runtime/di"
	errspkg "github.com/drblury/muflow/internal/runtime/errors"
	"github.com/drblury/muflow/transport"
)

func hookModule(h *hookController) *Module {
	return &Module{
		Name: "hooks",
		Controllers: []*Controller{{
			Name:     "Hooks",
			Provider: di.Value(di.TypeOf[*hookController](), h),
			Handlers: []*Handler{Handle("ping", "Ping")},
		}},
	}
}

func TestLifecycleOpenAndClose(t *testing.T) {
	t.Parallel()
	hooks := newHookController()
	var opened, closed atomic.Int32
	app := newTestApp(t, nil, Dependencies{Hooks: LifecycleHooks{
		OnConnect:    func(context.Context, *Connection) { opened.Add(1) },
		OnDisconnect: func(context.Context, *Connection) { closed.Add(1) },
	}}, hookModule(hooks))

	conn, fc := app.open(t)
	assert.Len(t, conn.ID, 26, "ulid")
	assert.Equal(t, StateOpen, conn.State())
	assert.Equal(t, "10.0.0.7", conn.Handshake.Address)
	assert.Equal(t, int32(1), hooks.connects.Load())
	assert.Equal(t, int32(1), opened.Load())
	assert.Equal(t, 1, app.lifecycle.Count())

	app.lifecycle.Close(context.Background(), conn.ID)
	app.lifecycle.Close(context.Background(), conn.ID)

	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, int32(1), hooks.disconnects.Load(), "disconnect hooks run once")
	assert.Equal(t, int32(1), closed.Load())
	assert.Zero(t, app.lifecycle.Count())
	assert.ErrorIs(t, conn.Send(context.Background(), map[string]any{"type": "late"}), errspkg.ErrConnectionClosed)
	assert.Zero(t, fc.Len())
}

func TestLifecycleHooksAreBestEffort(t *testing.T) {
	t.Parallel()
	hooks := newHookController()
	hooks.failConnect = true
	hooks.panicOnDrop = true
	app := newTestApp(t, nil, Dependencies{}, hookModule(hooks))

	conn, _ := app.open(t)
	assert.True(t, conn.IsOpen(), "a failing connect hook does not reject the connection")

	assert.NotPanics(t, func() { app.lifecycle.Close(context.Background(), conn.ID) })
	assert.Equal(t, StateClosed, conn.State())
	_, ok := app.lifecycle.Get(conn.ID)
	assert.False(t, ok)
}

func TestLifecycleEachSkipsClosed(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, nil, Dependencies{})
	a, _ := app.open(t)
	b, _ := app.open(t)
	c, _ := app.open(t)
	app.lifecycle.Close(context.Background(), b.ID)

	var seen []string
	app.lifecycle.Each(func(conn *Connection) bool {
		seen = append(seen, conn.ID)
		return true
	})
	assert.ElementsMatch(t, []string{a.ID, c.ID}, seen)

	count := 0
	app.lifecycle.Each(func(*Connection) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestLifecycleShutdown(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, nil, Dependencies{})
	conn, fc := app.open(t)

	app.lifecycle.Shutdown(context.Background())

	assert.Equal(t, StateClosed, conn.State())
	code, closed := fc.CloseCode()
	assert.True(t, closed)
	assert.Equal(t, transport.CloseGoingAway, code)

	_, err := app.lifecycle.Open(context.Background(), &fakeConn{}, testHandshake())
	assert.ErrorIs(t, err, errspkg.ErrConnectionClosed)
}

func TestConnectionInFlightLimit(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, nil, Dependencies{})
	app.lifecycle.opts.MaxInFlight = 1
	conn, _ := app.open(t)

	ctx := context.Background()
	require.True(t, conn.acquire(ctx))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.False(t, conn.acquire(short), "second message waits for the first")

	conn.release()
	assert.True(t, conn.acquire(ctx))

	app.lifecycle.Close(ctx, conn.ID)
	assert.False(t, conn.acquire(ctx), "closed connections stop admitting messages")
}

func TestLifecycleRoomsClearedOnDisconnect(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, nil, Dependencies{})
	conn, _ := app.open(t)
	app.Rooms().Join("lobby", conn.ID)
	app.Rooms().Join("ops", conn.ID)

	app.lifecycle.Close(context.Background(), conn.ID)

	assert.Empty(t, app.Rooms().RoomsOf(conn.ID))
	assert.Zero(t, app.Rooms().Size("lobby"))
}

type welcomeController struct{}

func (*welcomeController) Ping() string { return "pong" }

func (*welcomeController) OnConnect(ctx context.Context, conn *Connection) error {
	return conn.Send(ctx, map[string]any{"type": "welcome", "connId": conn.ID})
}

func TestConnectHooksCanSend(t *testing.T) {
	t.Parallel()
	failing := newHookController()
	failing.failConnect = true
	app := newTestApp(t, nil, Dependencies{Hooks: LifecycleHooks{
		OnConnect: func(ctx context.Context, c *Connection) {
			_ = c.Send(ctx, map[string]any{"type": "motd"})
		},
	}}, hookModule(failing), &Module{
		Name: "welcome",
		Controllers: []*Controller{{
			Name:     "Welcome",
			Provider: di.Value(di.TypeOf[*welcomeController](), &welcomeController{}),
			Prefix:   "welcome",
			Handlers: []*Handler{Handle("ping", "Ping")},
		}},
	})

	conn, fc := app.open(t)

	assert.Equal(t, StateOpen, conn.State(), "a failing hook does not block the connection")
	msgs := fc.Messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "welcome", msgs[0]["type"])
	assert.Equal(t, conn.ID, msgs[0]["connId"])
	assert.Equal(t, "motd", msgs[1]["type"])
}
