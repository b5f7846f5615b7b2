package muflow

import (
	"context"
	"reflect"

	runtimepkg "github.com/drblury/muflow/internal/runtime"
	"github.com/drblury/muflow/internal/runtime/codec"
	configpkg "github.com/drblury/muflow/internal/runtime/config"
	"github.com/drblury/muflow/internal/runtime/di"
	errspkg "github.com/drblury/muflow/internal/runtime/errors"
	idspkg "github.com/drblury/muflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/muflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/muflow/internal/runtime/metadata"
	"github.com/drblury/muflow/transport"
)

type (
	Config       = configpkg.Config
	Application  = runtimepkg.Application
	Dependencies = runtimepkg.Dependencies
	Module       = runtimepkg.Module

	Controller      = runtimepkg.Controller
	Handler         = runtimepkg.Handler
	ParamKind       = runtimepkg.ParamKind
	RouteEntry      = runtimepkg.RouteEntry
	RouteTable      = runtimepkg.RouteTable
	RouteInfo       = runtimepkg.RouteInfo
	RouteStats      = runtimepkg.RouteStatsSnapshot
	Introspection   = runtimepkg.Introspection
	Health          = runtimepkg.Health
	ResourceUsage   = runtimepkg.ResourceUsage
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
	PayloadError    = runtimepkg.PayloadError

	Connection      = runtimepkg.Connection
	ConnState       = runtimepkg.ConnState
	Context         = runtimepkg.Context
	Guard           = runtimepkg.Guard
	GuardFunc       = runtimepkg.GuardFunc
	RateLimitGuard  = runtimepkg.RateLimitGuard
	Interceptor     = runtimepkg.Interceptor
	InterceptorFunc = runtimepkg.InterceptorFunc
	Next            = runtimepkg.Next

	InterceptorBuilder      = runtimepkg.InterceptorBuilder
	InterceptorRegistration = runtimepkg.InterceptorRegistration

	ConnectHook     = runtimepkg.ConnectHook
	DisconnectHook  = runtimepkg.DisconnectHook
	ErrorHook       = runtimepkg.ErrorHook
	LifecycleHooks  = runtimepkg.LifecycleHooks
	MessageInfo     = runtimepkg.MessageInfo
	ResponseAdapter = runtimepkg.ResponseAdapter
	Rooms           = runtimepkg.Rooms
	Target          = runtimepkg.Target

	Codec    = codec.Codec
	Envelope = codec.Envelope
	Response = codec.Response

	Container   = di.Container
	Token       = di.Token
	Symbol      = di.Symbol
	Provider    = di.Provider
	Scope       = di.Scope
	FactoryFunc = di.FactoryFunc
	Deferred    = di.Deferred

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError   = errspkg.ConfigValidationError
	NoProviderError         = errspkg.NoProviderError
	CircularDependencyError = errspkg.CircularDependencyError
	DependencyError         = errspkg.DependencyError
	DuplicateHandlerError   = errspkg.DuplicateHandlerError
	HandlerNotFoundError    = errspkg.HandlerNotFoundError
	HandlerInvocationError  = errspkg.HandlerInvocationError

	TransportConn         = transport.Conn
	TransportHandshake    = transport.Handshake
	TransportOptions      = transport.Options
	TransportBuilder      = transport.Builder
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewApplication = runtimepkg.NewApplication
	Handle         = runtimepkg.Handle
	QualifyEvent   = runtimepkg.QualifyEvent
	FromContext    = runtimepkg.FromContext

	HeaderGuard            = runtimepkg.HeaderGuard
	NewRateLimitGuard      = runtimepkg.NewRateLimitGuard
	RateLimitGuardToken    = runtimepkg.RateLimitGuardToken
	RateLimitGuardProvider = runtimepkg.RateLimitGuardProvider

	DefaultInterceptors      = runtimepkg.DefaultInterceptors
	CorrelationIDInterceptor = runtimepkg.CorrelationIDInterceptor
	LogMessagesInterceptor   = runtimepkg.LogMessagesInterceptor
	TracerInterceptor        = runtimepkg.TracerInterceptor
	MetricsInterceptor       = runtimepkg.MetricsInterceptor
	RecovererInterceptor     = runtimepkg.RecovererInterceptor

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	AllConnections         = runtimepkg.AllConnections
	RoomTarget             = runtimepkg.RoomTarget
	ConnTarget             = runtimepkg.ConnTarget
	DefaultErrorClassifier = runtimepkg.DefaultErrorClassifier

	// NoResponse suppresses the reply when returned from a handler.
	NoResponse = runtimepkg.NoResponse

	NewConfigFromFile = configpkg.FromFile
	NewConfigFromEnv  = configpkg.FromEnv
	CodecByName       = codec.ByName

	NewContainer = di.New
	Class        = di.Class
	Value        = di.Value
	Factory      = di.Factory
	AsyncFactory = di.AsyncFactory
	WithToken    = di.WithToken
	WithScope    = di.WithScope
	WithInject   = di.WithInject
	NewSymbol    = di.NewSymbol
	TokenName    = di.TokenName
	Go           = di.Go
	Resolved     = di.Resolved

	Marshal   = codec.Marshal
	Unmarshal = codec.Unmarshal

	NewSlogServiceLogger   = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger    = loggingpkg.NewZapServiceLogger
	NewLogrusServiceLogger = loggingpkg.NewLogrusServiceLogger
	NewDefaultLogger       = loggingpkg.NewDefaultLogger

	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID

	RegisterTransport        = transport.Register
	DefaultTransportRegistry = transport.DefaultRegistry

	ErrConfigRequired             = errspkg.ErrConfigRequired
	ErrLoggerRequired             = errspkg.ErrLoggerRequired
	ErrNoProviderFound            = errspkg.ErrNoProviderFound
	ErrCircularDependency         = errspkg.ErrCircularDependency
	ErrCircularDependencyAsync    = errspkg.ErrCircularDependencyAsync
	ErrAsyncProviderInSyncContext = errspkg.ErrAsyncProviderInSyncContext
	ErrConnectionScopeRequired    = errspkg.ErrConnectionScopeRequired
	ErrUnknownConnection          = errspkg.ErrUnknownConnection
	ErrInvalidProvider            = errspkg.ErrInvalidProvider
	ErrInvalidModule              = errspkg.ErrInvalidModule
	ErrInvalidHandler             = errspkg.ErrInvalidHandler
	ErrDuplicateHandler           = errspkg.ErrDuplicateHandler
	ErrHandlerNotFound            = errspkg.ErrHandlerNotFound
	ErrHandlerInvocationFailed    = errspkg.ErrHandlerInvocationFailed
	ErrConnectionClosed           = errspkg.ErrConnectionClosed
	ErrMalformedMessage           = errspkg.ErrMalformedMessage
	ErrNotInitialized             = errspkg.ErrNotInitialized
	ErrForbidden                  = errspkg.ErrForbidden
)

const (
	ParamNone      = runtimepkg.ParamNone
	ParamPayload   = runtimepkg.ParamPayload
	ParamMessage   = runtimepkg.ParamMessage
	ParamConn      = runtimepkg.ParamConn
	ParamContext   = runtimepkg.ParamContext
	ParamHeaders   = runtimepkg.ParamHeaders
	ParamQuery     = runtimepkg.ParamQuery
	ParamAddress   = runtimepkg.ParamAddress
	ParamHandshake = runtimepkg.ParamHandshake

	SingletonScope  = di.Singleton
	ConnectionScope = di.Connection

	StateOpening = runtimepkg.StateOpening
	StateOpen    = runtimepkg.StateOpen
	StateClosing = runtimepkg.StateClosing
	StateClosed  = runtimepkg.StateClosed

	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther

	ContextKeyCorrelationID = runtimepkg.ContextKeyCorrelationID
)

func TypeOf[T any]() reflect.Type {
	return di.TypeOf[T]()
}

func ResolveAs[T any](ctx context.Context, c *Container, token Token, connID string) (T, error) {
	return di.ResolveAs[T](ctx, c, token, connID)
}

func MustResolve[T any](c *Container) T {
	return di.MustResolve[T](c)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
