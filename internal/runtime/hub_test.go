package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/muflow/internal/runtime/codec"
	errspkg "github.com/drblury/muflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/muflow/internal/runtime/metadata"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	for _, target := range []Target{AllConnections(), RoomTarget("lobby"), ConnTarget("01HX")} {
		parsed, err := ParseTarget(target.String())
		require.NoError(t, err)
		assert.Equal(t, target, parsed)
	}

	assert.Equal(t, "room:a:b", RoomTarget("a:b").String())
	parsed, err := ParseTarget("room:a:b")
	require.NoError(t, err)
	assert.Equal(t, "a:b", parsed.Name)

	for _, bad := range []string{"", "room", "room:", "user:x"} {
		_, err := ParseTarget(bad)
		assert.Error(t, err, bad)
	}
}

func TestPublishBeforeInit(t *testing.T) {
	t.Parallel()
	app := NewApplication(nil, newTestLogger(), &Module{Name: "root"}, Dependencies{})

	assert.ErrorIs(t, app.Broadcast(context.Background(), "news", 1), errspkg.ErrNotInitialized)
	_, err := app.SendTo(context.Background(), nil, codec.Response{Type: "news"})
	assert.ErrorIs(t, err, errspkg.ErrNotInitialized)
}

func TestHubDeliversInlineBeforeStart(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, nil, Dependencies{})
	a, fa := app.open(t)
	b, fb := app.open(t)
	_, fc := app.open(t)
	app.Rooms().Join("lobby", a.ID)
	app.Rooms().Join("lobby", b.ID)

	ctx := context.Background()
	require.NoError(t, app.ToRoom(ctx, "lobby", "room.msg", "hi"))
	require.NoError(t, app.SendToConnection(ctx, b.ID, "direct", map[string]any{"n": 1}))
	require.NoError(t, app.Broadcast(ctx, "news", nil))

	assert.Equal(t, []map[string]any{
		{"type": "room.msg", "success": true, "data": "hi"},
		{"type": "news", "success": true},
	}, fa.Messages(t))
	assert.Equal(t, []map[string]any{
		{"type": "room.msg", "success": true, "data": "hi"},
		{"type": "direct", "success": true, "data": map[string]any{"n": float64(1)}},
		{"type": "news", "success": true},
	}, fb.Messages(t))
	assert.Equal(t, []map[string]any{{"type": "news", "success": true}}, fc.Messages(t))
}

func TestHubDeliversThroughRouter(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, nil, Dependencies{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.Start(ctx))

	a, fa := app.open(t)
	b, fb := app.open(t)
	app.Rooms().Join("ops", a.ID)
	app.lifecycle.Close(ctx, b.ID)

	require.NoError(t, app.ToRoom(ctx, "ops", "alert", "disk"))
	require.NoError(t, app.Broadcast(ctx, "tick", 1))

	assert.Eventually(t, func() bool { return fa.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	var types []any
	for _, m := range fa.Messages(t) {
		types = append(types, m["type"])
	}
	assert.ElementsMatch(t, []any{"alert", "tick"}, types)
	assert.Zero(t, fb.Len(), "closed connections receive nothing")
}

func TestSendToFilter(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, nil, Dependencies{})
	a, fa := app.open(t)
	_, fb := app.open(t)
	a.Metadata.Set("role", "admin")

	sent, err := app.SendTo(context.Background(), func(c *Connection) bool {
		role, _ := metadatapkg.Lookup[string](c.Metadata, "role")
		return role == "admin"
	}, codec.Response{Type: "admin.notice", Success: true, Data: "hello"})

	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, "admin.notice", fa.only(t)["type"])
	assert.Zero(t, fb.Len())
}

func TestHubCloseWithMetricsDecoratedPublisher(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, nil, Dependencies{})
	hub, err := NewHub(app.lifecycle, app.rooms, newTestLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, hub.Start(context.Background()))

	assert.NoError(t, hub.Close(), "publisher and subscriber are closed separately")
}
