package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/muflow/transport"
)

type upperHandler struct {
	mu     sync.Mutex
	conns  map[string]transport.Conn
	hs     transport.Handshake
	closed chan string
	reject bool
}

func newUpperHandler() *upperHandler {
	return &upperHandler{conns: make(map[string]transport.Conn), closed: make(chan string, 4)}
}

func (h *upperHandler) OpenConnection(_ context.Context, conn transport.Conn, hs transport.Handshake) (string, error) {
	if h.reject {
		return "", assert.AnError
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := "c" + string(rune('0'+len(h.conns)+1))
	h.conns[id] = conn
	h.hs = hs
	_ = conn.Send([]byte("welcome"))
	return id, nil
}

func (h *upperHandler) CloseConnection(_ context.Context, id string) {
	h.closed <- id
}

func (h *upperHandler) ReceiveMessage(_ context.Context, id string, data []byte) {
	h.mu.Lock()
	conn := h.conns[id]
	h.mu.Unlock()
	if string(data) == "bye" {
		_ = conn.Close(4000, "requested")
		return
	}
	_ = conn.Send([]byte(strings.ToUpper(string(data))))
}

func receive(t *testing.T, c *Client) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := c.Receive(ctx)
	require.NoError(t, err)
	return string(frame)
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.True(t, caps.Supports(true))
	assert.True(t, caps.Supports(false))
	assert.False(t, caps.SupportsHeartbeat)
}

func TestDialSendReceive(t *testing.T) {
	h := newUpperHandler()
	srv := New(h, transport.Options{})

	client, err := srv.Dial(context.Background(), transport.Handshake{Headers: map[string]string{"x-user": "ada"}})
	require.NoError(t, err)
	assert.Equal(t, "c1", client.ID())
	assert.Equal(t, "ada", h.hs.Headers["x-user"])
	assert.Equal(t, "channel-1", h.hs.Address)
	assert.Equal(t, 1, srv.Count())

	assert.Equal(t, "welcome", receive(t, client), "frames sent while opening are kept")
	require.NoError(t, client.Send([]byte("hello")))
	require.NoError(t, client.Send([]byte("again")))
	assert.Equal(t, "HELLO", receive(t, client))
	assert.Equal(t, "AGAIN", receive(t, client))
}

func TestServerCloseReachesClient(t *testing.T) {
	h := newUpperHandler()
	srv := New(h, transport.Options{})
	client, err := srv.Dial(context.Background(), transport.Handshake{})
	require.NoError(t, err)
	receive(t, client)

	require.NoError(t, client.Send([]byte("bye")))

	assert.Equal(t, "c1", <-h.closed)
	code, reason, closed := client.CloseStatus()
	assert.True(t, closed)
	assert.Equal(t, 4000, code)
	assert.Equal(t, "requested", reason)
	assert.ErrorIs(t, client.Send([]byte("late")), transport.ErrClosed)
	_, err = client.Receive(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.Zero(t, srv.Count())
}

func TestClientCloseIsReportedOnce(t *testing.T) {
	h := newUpperHandler()
	srv := New(h, transport.Options{})
	client, err := srv.Dial(context.Background(), transport.Handshake{})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.Equal(t, "c1", <-h.closed)
	assert.Empty(t, h.closed)
}

func TestSendBufferFull(t *testing.T) {
	h := newUpperHandler()
	srv := New(h, transport.Options{SendBufferSize: 1})
	client, err := srv.Dial(context.Background(), transport.Handshake{})
	require.NoError(t, err)

	h.mu.Lock()
	conn := h.conns["c1"]
	h.mu.Unlock()
	assert.ErrorIs(t, conn.Send([]byte("overflow")), transport.ErrSendBufferFull)
	assert.Equal(t, "welcome", receive(t, client))
}

func TestMessageTooBig(t *testing.T) {
	h := newUpperHandler()
	srv := New(h, transport.Options{MaxMessageSize: 4})
	client, err := srv.Dial(context.Background(), transport.Handshake{})
	require.NoError(t, err)

	assert.ErrorIs(t, client.Send([]byte("too long")), ErrMessageTooBig)
	code, _, closed := client.CloseStatus()
	assert.True(t, closed)
	assert.Equal(t, transport.ClosePolicyViolated, code)
}

func TestRejectedAndShutdown(t *testing.T) {
	h := newUpperHandler()
	h.reject = true
	srv := New(h, transport.Options{})
	_, err := srv.Dial(context.Background(), transport.Handshake{})
	assert.Error(t, err)

	h.reject = false
	client, err := srv.Dial(context.Background(), transport.Handshake{})
	require.NoError(t, err)

	require.NoError(t, srv.Shutdown(context.Background()))
	code, _, closed := client.CloseStatus()
	assert.True(t, closed)
	assert.Equal(t, transport.CloseGoingAway, code)

	_, err = srv.Dial(context.Background(), transport.Handshake{})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestServeHTTPRejects(t *testing.T) {
	srv := New(newUpperHandler(), transport.Options{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
