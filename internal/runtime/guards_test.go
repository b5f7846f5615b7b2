package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/muflow/internal/runtime/config"
	"github.com/drblury/muflow/internal/runtime/di"
	errspkg "github.com/drblury/muflow/internal/runtime/errors"
)

func TestHeaderGuard(t *testing.T) {
	t.Parallel()
	conn := &Connection{Handshake: testHandshake()}
	ctx := context.Background()

	allowed, err := HeaderGuard("X-Mu-Demo", "ok").CanActivate(ctx, &Context{Connection: conn})
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _ = HeaderGuard("x-mu-demo", "nope").CanActivate(ctx, &Context{Connection: conn})
	assert.False(t, allowed)

	allowed, _ = HeaderGuard("x-mu-demo", "ok").CanActivate(ctx, nil)
	assert.False(t, allowed)
}

func TestRateLimitGuard(t *testing.T) {
	t.Parallel()
	g := NewRateLimitGuard(0.001, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := g.CanActivate(ctx, nil)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := g.CanActivate(ctx, nil)
	assert.False(t, ok)
}

func TestRateLimitGuardIsPerConnection(t *testing.T) {
	t.Parallel()
	c := di.New(newTestLogger())
	require.NoError(t, c.Register(RateLimitGuardProvider(1, 1)))
	c.OpenScope("a")
	c.OpenScope("b")

	ga, err := c.Resolve(RateLimitGuardToken, "a")
	require.NoError(t, err)
	again, err := c.Resolve(RateLimitGuardToken, "a")
	require.NoError(t, err)
	gb, err := c.Resolve(RateLimitGuardToken, "b")
	require.NoError(t, err)

	assert.Same(t, ga, again)
	assert.NotSame(t, ga, gb)

	_, err = c.Resolve(RateLimitGuardToken, "")
	assert.ErrorIs(t, err, errspkg.ErrConnectionScopeRequired)
}

func TestDispatchRateLimited(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	app := newTestApp(t, &configpkg.Config{RateLimitPerSecond: 0.001, RateLimitBurst: 1},
		Dependencies{DisableDefaultInterceptors: true}, mathModule(rec, nil, nil))
	conn, fc := app.open(t)
	other, fo := app.open(t)

	app.send(conn, `{"type":"math.add","id":1,"payload":{"a":1}}`)
	app.send(conn, `{"type":"math.add","id":2,"payload":{"a":1}}`)
	app.send(other, `{"type":"math.add","id":3,"payload":{"a":1}}`)

	msgs := fc.Messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, true, msgs[0]["success"])
	assert.Equal(t, "Forbidden", msgs[1]["error"])
	assert.Equal(t, true, fo.only(t)["success"], "buckets are per connection")
}

func TestDispatchRejectsNonGuardProviders(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	providers := &Module{Name: "bad", Providers: []any{di.Value("NotAGuard", "just a string")}}
	app := newTestApp(t, nil, Dependencies{DisableDefaultInterceptors: true, Guards: []di.Token{"NotAGuard"}},
		providers, mathModule(rec, nil, nil))
	conn, fc := app.open(t)

	app.send(conn, `{"type":"math.add","payload":{"a":1}}`)

	reply := fc.only(t)
	assert.Equal(t, false, reply["success"])
	assert.Contains(t, reply["error"], "does not implement Guard")
	assert.Empty(t, rec.Events())
}
