package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/muflow/internal/runtime/codec"
	configpkg "github.com/drblury/muflow/internal/runtime/config"
	"github.com/drblury/muflow/internal/runtime/di"
	errspkg "github.com/drblury/muflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/muflow/internal/runtime/logging"
	"github.com/drblury/muflow/transport"

	_ "github.com/drblury/muflow/transport/transports"
)

// Dependencies holds the optional collaborators of an Application.
type Dependencies struct {
	// Guards and Interceptors run before the route level ones, in order.
	Guards       []di.Token
	Interceptors []di.Token
	// InterceptorRegistrations are appended after the default chain.
	InterceptorRegistrations   []InterceptorRegistration
	DisableDefaultInterceptors bool

	Hooks           LifecycleHooks
	ResponseAdapter ResponseAdapter
	ErrorClassifier ErrorClassifier
	// Codec overrides the codec named in the configuration.
	Codec codec.Codec
	// Transports defaults to transport.DefaultRegistry.
	Transports *transport.Registry
}

// Application wires the container, route table, connection lifecycle,
// dispatcher, hub and HTTP surface of one muflow server.
type Application struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	root *Module
	deps Dependencies

	container    *di.Container
	codec        codec.Codec
	routes       *RouteTable
	lifecycle    *Lifecycle
	dispatcher   *Dispatcher
	hub          *Hub
	rooms        *Rooms
	metrics      *Metrics
	resources    *resourceTracker
	server       transport.Server
	capabilities transport.Capabilities
	handler      http.Handler

	initMu   sync.Mutex
	initDone bool
	initErr  error

	// dispatchMu orders dispatching.Add against the Wait in Stop.
	dispatchMu  sync.Mutex
	stopping    bool
	dispatching sync.WaitGroup
	stopOnce    sync.Once
	stopErr     error
	httpServer  *http.Server
}

// NewApplication creates an application for the root module. Call Init (or
// Run, which calls it) before serving.
func NewApplication(conf *configpkg.Config, log loggingpkg.ServiceLogger, root *Module, deps Dependencies) *Application {
	return &Application{
		Conf:      conf,
		Logger:    log,
		root:      root,
		deps:      deps,
		rooms:     NewRooms(),
		resources: newResourceTracker(),
	}
}

// Init builds every component. It is safe to call more than once; later
// calls return the first result.
func (a *Application) Init(ctx context.Context) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if a.initDone {
		return a.initErr
	}
	a.initDone = true
	a.initErr = a.init(ctx)
	return a.initErr
}

func (a *Application) init(ctx context.Context) error {
	if a.Conf == nil {
		return errspkg.ErrConfigRequired
	}
	if a.Logger == nil {
		return errspkg.ErrLoggerRequired
	}
	conf := a.Conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return errspkg.NewConfigValidationError(err)
	}
	a.Conf = &conf

	a.codec = a.deps.Codec
	if a.codec == nil {
		c, err := codec.ByName(conf.Codec)
		if err != nil {
			return err
		}
		a.codec = c
	}
	if conf.MetricsEnabled {
		a.metrics = NewMetrics()
	}

	a.container = di.New(a.Logger)
	if err := a.container.Register(
		di.Value(di.TypeOf[*Application](), a),
		di.Value(di.TypeOf[*Rooms](), a.rooms),
	); err != nil {
		return err
	}

	modules, err := flattenModules(a.root)
	if err != nil {
		return err
	}
	controllers, err := registerModules(a.container, modules)
	if err != nil {
		return err
	}

	guards := make([]di.Token, 0, len(a.deps.Guards)+1)
	if conf.RateLimitPerSecond > 0 {
		if err := a.container.Register(RateLimitGuardProvider(conf.RateLimitPerSecond, conf.RateLimitBurst)); err != nil {
			return err
		}
		guards = append(guards, RateLimitGuardToken)
	}
	guards = append(guards, a.deps.Guards...)

	interceptors, err := a.registerInterceptors()
	if err != nil {
		return err
	}
	interceptors = append(interceptors, a.deps.Interceptors...)

	bound, err := bindControllers(ctx, a.container, controllers)
	if err != nil {
		return err
	}
	a.routes, err = BuildRouteTable(bound)
	if err != nil {
		return err
	}

	hooks := a.internalHooks().Merge(a.deps.Hooks)
	controllerTokens := make([]di.Token, len(bound))
	for i, b := range bound {
		controllerTokens[i] = b.Token
	}
	a.lifecycle = NewLifecycle(a.container, a.codec, a.Logger, LifecycleOptions{
		Controllers: controllerTokens,
		Hooks:       hooks,
		MaxInFlight: conf.MaxInFlightPerConnection,
	})
	a.dispatcher = NewDispatcher(DispatcherOptions{
		Container:    a.container,
		Routes:       a.routes,
		Codec:        a.codec,
		Lifecycle:    a.lifecycle,
		Logger:       a.Logger,
		Adapter:      a.deps.ResponseAdapter,
		Guards:       guards,
		Interceptors: interceptors,
		Classifier:   a.deps.ErrorClassifier,
		Hooks:        hooks,
	})

	var registerer prometheus.Registerer
	if a.metrics != nil {
		registerer = a.metrics.Registry
	}
	if a.hub, err = NewHub(a.lifecycle, a.rooms, a.Logger, registerer); err != nil {
		return err
	}

	registry := a.deps.Transports
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	a.server, err = registry.Build(conf.Transport, a, transport.Options{
		Binary:         a.codec.Binary(),
		MaxMessageSize: conf.MaxPayloadBytes,
		SendBufferSize: conf.SendBufferSize,
		WriteTimeout:   conf.WriteTimeout,
		PongTimeout:    conf.PongTimeout,
		AllowedOrigins: conf.CORSAllowedOrigins,
		Logger:         loggingpkg.NewWatermillAdapter(a.Logger),
	})
	if err != nil {
		return err
	}
	a.capabilities = registry.GetCapabilities(conf.Transport)
	a.handler = a.buildHTTPHandler()

	a.logRoutes()
	return nil
}

// registerInterceptors builds the configured interceptor registrations and
// registers each as a provider. It returns their tokens in order.
func (a *Application) registerInterceptors() ([]di.Token, error) {
	var regs []InterceptorRegistration
	if !a.deps.DisableDefaultInterceptors {
		regs = append(regs, DefaultInterceptors()...)
	}
	regs = append(regs, a.deps.InterceptorRegistrations...)

	tokens := make([]di.Token, 0, len(regs))
	for i, reg := range regs {
		name := reg.Name
		if name == "" {
			name = fmt.Sprintf("anonymous_interceptor_%d", i)
		}
		ic := reg.Interceptor
		if ic == nil && reg.Builder != nil {
			var err error
			if ic, err = reg.Builder(a); err != nil {
				return nil, fmt.Errorf("failed to register interceptor %s: %w", name, err)
			}
		}
		if ic == nil {
			continue
		}
		token := di.NewSymbol("muflow.interceptor." + name)
		if err := a.container.Register(di.Value(token, ic)); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func (a *Application) internalHooks() LifecycleHooks {
	hooks := LifecycleHooks{
		OnConnect: func(context.Context, *Connection) {
			a.metrics.connectionOpened()
		},
		OnDisconnect: func(_ context.Context, conn *Connection) {
			a.rooms.LeaveAll(conn.ID)
			a.metrics.connectionClosed()
		},
		OnMessageDone: func(info MessageInfo) {
			if info.Denied {
				a.metrics.observe(info.Event, outcomeDenied, info.Duration)
			}
		},
	}
	if a.Conf.Debug {
		hooks = hooks.Merge(LoggingHooks(a.Logger))
	}
	return hooks
}

func (a *Application) logRoutes() {
	for _, e := range a.routes.Entries() {
		a.Logger.Debug("Registered route", loggingpkg.LogFields{
			"event":      e.Event,
			"controller": e.Controller,
			"method":     e.Method,
		})
	}
	a.Logger.Info("Routes registered", loggingpkg.LogFields{"count": a.routes.Len(), "codec": a.codec.Name()})
}

func (a *Application) buildHTTPHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(a.Conf.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.Conf.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Handle(a.Conf.Path, a.server)
	r.Get(a.Conf.HealthPath, a.handleHealth)
	if a.metrics != nil {
		r.Handle(a.Conf.MetricsPath, promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{}))
	}
	if a.Conf.IntrospectionEnabled {
		r.Get(a.Conf.IntrospectionPath, a.handleRoutes)
	}
	return r
}

// Handler returns the HTTP surface. It is nil before Init.
func (a *Application) Handler() http.Handler {
	return a.handler
}

func (a *Application) Container() *di.Container { return a.container }
func (a *Application) Rooms() *Rooms            { return a.rooms }
func (a *Application) Lifecycle() *Lifecycle    { return a.lifecycle }
func (a *Application) RouteTable() *RouteTable  { return a.routes }
func (a *Application) Metrics() *Metrics        { return a.metrics }

// Transport returns the transport server built by Init.
func (a *Application) Transport() transport.Server { return a.server }

// Start initialises the application and starts the hub without listening.
// Use it when mounting Handler on an existing server.
func (a *Application) Start(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}
	return a.hub.Start(ctx)
}

// Run serves until ctx is cancelled, then stops gracefully.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	a.httpServer = &http.Server{
		Addr:              a.Conf.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info("Starting muflow server", loggingpkg.LogFields{"address": a.Conf.Addr, "path": a.Conf.Path})
		serveErr <- a.httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Conf.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Stop(stopCtx))
}

// Stop closes the listener, every connection and the hub, then waits for
// in-flight messages until ctx expires.
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.dispatchMu.Lock()
		a.stopping = true
		a.dispatchMu.Unlock()

		var errs []error
		if a.httpServer != nil {
			errs = append(errs, a.httpServer.Shutdown(ctx))
		}
		if a.server != nil {
			errs = append(errs, a.server.Shutdown(ctx))
		}
		if a.lifecycle != nil {
			a.lifecycle.Shutdown(ctx)
		}

		done := make(chan struct{})
		go func() {
			a.dispatching.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}

		if a.hub != nil {
			errs = append(errs, a.hub.Close())
		}
		a.stopErr = errors.Join(errs...)
		if a.Logger != nil {
			a.Logger.Info("muflow server stopped", nil)
		}
	})
	return a.stopErr
}

// OpenConnection implements transport.Handler.
func (a *Application) OpenConnection(ctx context.Context, conn transport.Conn, hs transport.Handshake) (string, error) {
	c, err := a.lifecycle.Open(ctx, conn, hs)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// CloseConnection implements transport.Handler.
func (a *Application) CloseConnection(ctx context.Context, id string) {
	a.lifecycle.Close(ctx, id)
}

// ReceiveMessage implements transport.Handler. Each message is dispatched on
// its own goroutine, bounded per connection.
func (a *Application) ReceiveMessage(ctx context.Context, id string, data []byte) {
	conn, ok := a.lifecycle.Get(id)
	if !ok || !conn.IsOpen() {
		return
	}
	if !conn.acquire(ctx) {
		return
	}
	if !a.trackDispatch() {
		conn.release()
		return
	}
	go func() {
		defer a.dispatching.Done()
		defer conn.release()
		a.dispatcher.Dispatch(ctx, conn, data)
	}()
}

// trackDispatch counts one more in-flight message unless Stop has begun.
func (a *Application) trackDispatch() bool {
	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()
	if a.stopping {
		return false
	}
	a.dispatching.Add(1)
	return true
}

// Publish encodes resp once and fans it out to target through the hub.
func (a *Application) Publish(ctx context.Context, target Target, resp codec.Response) error {
	if a.hub == nil {
		return errspkg.ErrNotInitialized
	}
	frame, err := a.codec.Encode(resp.Map())
	if err != nil {
		return err
	}
	return a.hub.Publish(ctx, target, frame)
}

// Broadcast sends a success envelope of event to every open connection.
func (a *Application) Broadcast(ctx context.Context, event string, data any) error {
	return a.Publish(ctx, AllConnections(), codec.Response{Type: event, Success: true, Data: data})
}

// ToRoom sends a success envelope of event to the members of room.
func (a *Application) ToRoom(ctx context.Context, room, event string, data any) error {
	return a.Publish(ctx, RoomTarget(room), codec.Response{Type: event, Success: true, Data: data})
}

// SendToConnection sends a success envelope of event to one connection.
func (a *Application) SendToConnection(ctx context.Context, connID, event string, data any) error {
	return a.Publish(ctx, ConnTarget(connID), codec.Response{Type: event, Success: true, Data: data})
}

// SendTo writes resp to every open connection accepted by filter and
// returns how many received it.
func (a *Application) SendTo(ctx context.Context, filter func(*Connection) bool, resp codec.Response) (int, error) {
	if a.lifecycle == nil {
		return 0, errspkg.ErrNotInitialized
	}
	frame, err := a.codec.Encode(resp.Map())
	if err != nil {
		return 0, err
	}
	sent := 0
	a.lifecycle.Each(func(conn *Connection) bool {
		if filter != nil && !filter(conn) {
			return true
		}
		if err := conn.SendFrame(ctx, frame); err == nil {
			sent++
		}
		return true
	})
	return sent, nil
}
