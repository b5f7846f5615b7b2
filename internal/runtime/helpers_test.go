package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drblury/muflow/internal/runtime/codec"
	configpkg "github.com/drblury/muflow/internal/runtime/config"
	"github.com/drblury/muflow/internal/runtime/di"
	loggingpkg "github.com/drblury/muflow/internal/runtime/logging"
	"github.com/drblury/muflow/transport"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// fakeConn records every frame written to it.
type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	code    int
	reason  string
	sendErr error
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.closed {
		return transport.ErrClosed
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed, f.code, f.reason = true, code, reason
	}
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "127.0.0.1:50000" }

func (f *fakeConn) Messages(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, frame := range f.frames {
		var m map[string]any
		require.NoError(t, codec.Unmarshal(frame, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) Raw() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, frame := range f.frames {
		out[i] = string(frame)
	}
	return out
}

func (f *fakeConn) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeConn) CloseCode() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.closed
}

// only returns the single reply, failing when there is not exactly one.
func (f *fakeConn) only(t *testing.T) map[string]any {
	t.Helper()
	msgs := f.Messages(t)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func testHandshake() transport.Handshake {
	u, _ := url.Parse("ws://localhost/ws?room=lobby&tag=a&tag=b")
	return transport.Handshake{
		URL:     u,
		Headers: map[string]string{"x-mu-demo": "ok", "user-agent": "test"},
		Query:   u.Query(),
		Address: "10.0.0.7",
	}
}

// recorder collects ordered events from guards, interceptors and handlers.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Count(e string) int {
	n := 0
	for _, got := range r.Events() {
		if got == e {
			n++
		}
	}
	return n
}

type AddPayload struct {
	A int `json:"a" validate:"required"`
	B int `json:"b"`
}

type MathController struct {
	rec *recorder
}

func NewMathController(rec *recorder) *MathController { return &MathController{rec: rec} }

func (m *MathController) Add(p AddPayload) (int, error) {
	m.rec.add("handler")
	return p.A + p.B, nil
}

func (m *MathController) Mul(ctx context.Context, p *AddPayload) int {
	m.rec.add("handler")
	return p.A * p.B
}

func (m *MathController) Div(p AddPayload) (int, error) {
	if p.B == 0 {
		return 0, errors.New("division by zero")
	}
	return p.A / p.B, nil
}

func (m *MathController) Boom() (any, error) {
	panic("boom")
}

type EchoController struct {
	rec *recorder
}

func NewEchoController(rec *recorder) *EchoController { return &EchoController{rec: rec} }

type echoInfo struct {
	Address string `json:"address"`
	Echo    string `json:"echo"`
}

func (e *EchoController) Info(conn *Connection, headers map[string]string, query url.Values, addr string) map[string]any {
	return map[string]any{
		"connId":  conn.ID,
		"header":  headers["x-mu-demo"],
		"tags":    query["tag"],
		"address": addr,
	}
}

func (e *EchoController) Struct(msg *codec.Envelope, hs transport.Handshake) echoInfo {
	var text string
	_ = codec.Unmarshal(msg.Payload, &text)
	return echoInfo{Address: hs.Address, Echo: text}
}

func (e *EchoController) Text(text string) string { return text }

func (e *EchoController) Silent(mc *Context) any {
	e.rec.add("silent:" + mc.Event())
	return NoResponse
}

func (e *EchoController) Fire(s string) {
	e.rec.add("fire:" + s)
}

func (e *EchoController) Skip(_ string, raw transport.Conn) bool {
	return raw != nil
}

func (e *EchoController) Nothing() (any, error) { return nil, nil }

func (e *EchoController) Push(ctx context.Context, mc *Context, text string) (any, error) {
	if err := mc.Push(ctx, "echo.pushed", text); err != nil {
		return nil, err
	}
	return NoResponse, nil
}

// hookController observes lifecycle transitions.
type hookController struct {
	connects    atomic.Int32
	disconnects atomic.Int32
	errs        chan error
	failConnect bool
	panicOnDrop bool
}

func newHookController() *hookController {
	return &hookController{errs: make(chan error, 16)}
}

func (h *hookController) Ping() string { return "pong" }

func (h *hookController) OnConnect(context.Context, *Connection) error {
	h.connects.Add(1)
	if h.failConnect {
		return errors.New("connect hook failed")
	}
	return nil
}

func (h *hookController) OnDisconnect(context.Context, *Connection) error {
	h.disconnects.Add(1)
	if h.panicOnDrop {
		panic("disconnect hook panicked")
	}
	return nil
}

func (h *hookController) OnError(_ context.Context, _ *Connection, err error) error {
	h.errs <- err
	return nil
}

func recordingGuard(rec *recorder, name string, allow bool) Guard {
	return GuardFunc(func(context.Context, *Context) (bool, error) {
		rec.add("guard:" + name)
		return allow, nil
	})
}

func recordingInterceptor(rec *recorder, name string) Interceptor {
	return InterceptorFunc(func(ctx context.Context, _ *Context, next Next) (any, error) {
		rec.add(name + ":before")
		res, err := next(ctx)
		rec.add(name + ":after")
		return res, err
	})
}

type testApp struct {
	*Application
}

// newTestApp initialises an application without default interceptors unless
// deps say otherwise.
func newTestApp(t *testing.T, conf *configpkg.Config, deps Dependencies, modules ...*Module) *testApp {
	t.Helper()
	if conf == nil {
		conf = &configpkg.Config{}
	}
	root := &Module{Name: "root", Imports: modules}
	app := NewApplication(conf, newTestLogger(), root, deps)
	require.NoError(t, app.Init(context.Background()))
	t.Cleanup(func() { _ = app.Stop(context.Background()) })
	return &testApp{Application: app}
}

func (a *testApp) open(t *testing.T) (*Connection, *fakeConn) {
	t.Helper()
	fc := &fakeConn{}
	conn, err := a.lifecycle.Open(context.Background(), fc, testHandshake())
	require.NoError(t, err)
	return conn, fc
}

func (a *testApp) send(conn *Connection, frame string) {
	a.dispatcher.Dispatch(context.Background(), conn, []byte(frame))
}

// mathModule registers the math and echo controllers sharing rec.
func mathModule(rec *recorder, guards, interceptors []di.Token) *Module {
	return &Module{
		Name:      "math",
		Providers: []any{di.Value(di.TypeOf[*recorder](), rec)},
		Controllers: []*Controller{
			{
				Name:         "MathController",
				Provider:     NewMathController,
				Prefix:       "math",
				Guards:       guards,
				Interceptors: interceptors,
				Handlers: []*Handler{
					Handle("add", "Add"),
					Handle("mul", "Mul", ParamPayload),
					Handle("div", "Div"),
					Handle("boom", "Boom"),
				},
			},
			{
				Name:     "EchoController",
				Provider: NewEchoController,
				Prefix:   "echo",
				Handlers: []*Handler{
					Handle("info", "Info", ParamConn, ParamHeaders, ParamQuery, ParamAddress),
					Handle("struct", "Struct", ParamMessage, ParamHandshake),
					Handle("text", "Text"),
					Handle("silent", "Silent", ParamContext),
					Handle("fire", "Fire"),
					Handle("skip", "Skip", ParamNone, ParamConn),
					Handle("nothing", "Nothing"),
					Handle("push", "Push", ParamContext, ParamPayload),
				},
			},
		},
	}
}
