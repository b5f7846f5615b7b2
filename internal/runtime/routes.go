package runtime

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"

	"github.com/drblury/muflow/internal/runtime/codec"
	"github.com/drblury/muflow/internal/runtime/di"
	errspkg "github.com/drblury/muflow/internal/runtime/errors"
	"github.com/drblury/muflow/transport"
)

// ParamKind selects what a handler parameter receives.
type ParamKind int

const (
	// ParamNone receives the zero value of the parameter type.
	ParamNone ParamKind = iota
	// ParamPayload receives the envelope payload decoded into the parameter type.
	ParamPayload
	// ParamMessage receives the whole *codec.Envelope.
	ParamMessage
	// ParamConn receives the *Connection or its raw transport.Conn.
	ParamConn
	// ParamContext receives the per-message *Context.
	ParamContext
	// ParamHeaders receives the handshake headers as map[string]string.
	ParamHeaders
	// ParamQuery receives the handshake query as url.Values.
	ParamQuery
	// ParamAddress receives the client address string.
	ParamAddress
	// ParamHandshake receives the transport.Handshake.
	ParamHandshake
)

var paramKindNames = map[ParamKind]string{
	ParamNone:      "none",
	ParamPayload:   "payload",
	ParamMessage:   "message",
	ParamConn:      "conn",
	ParamContext:   "context",
	ParamHeaders:   "headers",
	ParamQuery:     "query",
	ParamAddress:   "address",
	ParamHandshake: "handshake",
}

func (k ParamKind) String() string {
	if name, ok := paramKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("param(%d)", int(k))
}

// Controller groups handlers under an optional event prefix. Provider is the
// controller's DI definition (a di.Provider or a constructor func); the
// module registers it.
type Controller struct {
	Name         string
	Provider     any
	Prefix       string
	Guards       []di.Token
	Interceptors []di.Token
	Handlers     []*Handler
}

// Handler binds an event to a controller method.
type Handler struct {
	Event        string
	Method       string
	Params       []ParamKind
	Guards       []di.Token
	Interceptors []di.Token
}

// Handle declares a handler. Without params a one-argument method receives
// the payload.
func Handle(event, method string, params ...ParamKind) *Handler {
	return &Handler{Event: event, Method: method, Params: params}
}

// Guarded appends method-level guards.
func (h *Handler) Guarded(tokens ...di.Token) *Handler {
	h.Guards = append(h.Guards, tokens...)
	return h
}

// Intercepted appends method-level interceptors.
func (h *Handler) Intercepted(tokens ...di.Token) *Handler {
	h.Interceptors = append(h.Interceptors, tokens...)
	return h
}

// BoundController is a controller whose DI token and instance type are known.
type BoundController struct {
	Controller *Controller
	Token      di.Token
	Type       reflect.Type
}

func (b BoundController) name() string {
	if b.Controller != nil && b.Controller.Name != "" {
		return b.Controller.Name
	}
	if b.Type != nil {
		return b.Type.String()
	}
	return di.TokenName(b.Token)
}

type resultShape int

const (
	resultNone resultShape = iota
	resultValue
	resultError
	resultValueError
)

// RouteEntry is the immutable binding of one fully-qualified event.
type RouteEntry struct {
	Event        string
	Controller   string
	Method       string
	Token        di.Token
	Params       []ParamKind
	Guards       []di.Token
	Interceptors []di.Token

	method     reflect.Method
	paramTypes []reflect.Type
	takesCtx   bool
	result     resultShape
	stats      *RouteStats
}

// Stats returns the live statistics of the route.
func (r *RouteEntry) Stats() *RouteStats {
	return r.stats
}

// RouteTable maps event names to route entries.
type RouteTable struct {
	entries map[string]*RouteEntry
}

// Lookup returns the route for a fully-qualified event.
func (t *RouteTable) Lookup(event string) (*RouteEntry, bool) {
	if t == nil {
		return nil, false
	}
	e, ok := t.entries[event]
	return e, ok
}

// Events returns every registered event in sorted order.
func (t *RouteTable) Events() []string {
	if t == nil {
		return nil
	}
	events := make([]string, 0, len(t.entries))
	for ev := range t.entries {
		events = append(events, ev)
	}
	sort.Strings(events)
	return events
}

// Entries returns every route sorted by event.
func (t *RouteTable) Entries() []*RouteEntry {
	events := t.Events()
	out := make([]*RouteEntry, len(events))
	for i, ev := range events {
		out[i] = t.entries[ev]
	}
	return out
}

func (t *RouteTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// QualifyEvent joins prefix and event unless the event already carries the
// prefix.
func QualifyEvent(prefix, event string) string {
	if prefix == "" || strings.HasPrefix(event, prefix+".") {
		return event
	}
	return prefix + "." + event
}

// BuildRouteTable validates every declaration and produces the route table.
func BuildRouteTable(bound []BoundController) (*RouteTable, error) {
	table := &RouteTable{entries: make(map[string]*RouteEntry)}
	for _, bc := range bound {
		if bc.Controller == nil {
			return nil, fmt.Errorf("%w: nil controller", errspkg.ErrInvalidHandler)
		}
		for _, h := range bc.Controller.Handlers {
			if h == nil {
				continue
			}
			entry, err := buildEntry(bc, h)
			if err != nil {
				return nil, err
			}
			if existing, dup := table.entries[entry.Event]; dup {
				return nil, &errspkg.DuplicateHandlerError{
					Event:              entry.Event,
					Controller:         entry.Controller,
					Method:             entry.Method,
					ExistingController: existing.Controller,
					ExistingMethod:     existing.Method,
				}
			}
			table.entries[entry.Event] = entry
		}
	}
	return table, nil
}

func buildEntry(bc BoundController, h *Handler) (*RouteEntry, error) {
	name := bc.name()
	if strings.TrimSpace(h.Event) == "" {
		return nil, fmt.Errorf("%w: %s.%s has no event name", errspkg.ErrInvalidHandler, name, h.Method)
	}
	if bc.Type == nil {
		return nil, fmt.Errorf("%w: controller %s has no known type", errspkg.ErrInvalidHandler, name)
	}
	method, ok := bc.Type.MethodByName(h.Method)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no exported method %q", errspkg.ErrInvalidHandler, name, h.Method)
	}

	entry := &RouteEntry{
		Event:        QualifyEvent(bc.Controller.Prefix, h.Event),
		Controller:   name,
		Method:       h.Method,
		Token:        bc.Token,
		Guards:       concatTokens(bc.Controller.Guards, h.Guards),
		Interceptors: concatTokens(bc.Controller.Interceptors, h.Interceptors),
		method:       method,
		stats:        newRouteStats(),
	}

	mt := method.Type
	first := 1 // receiver
	if mt.NumIn() > first && mt.In(first) == contextType {
		entry.takesCtx = true
		first++
	}
	for i := first; i < mt.NumIn(); i++ {
		entry.paramTypes = append(entry.paramTypes, mt.In(i))
	}
	if mt.IsVariadic() {
		return nil, fmt.Errorf("%w: %s.%s cannot be variadic", errspkg.ErrInvalidHandler, name, h.Method)
	}

	entry.Params = append([]ParamKind(nil), h.Params...)
	if len(entry.Params) == 0 {
		switch len(entry.paramTypes) {
		case 0:
		case 1:
			entry.Params = []ParamKind{ParamPayload}
		default:
			return nil, fmt.Errorf("%w: %s.%s takes %d arguments but declares no parameters",
				errspkg.ErrInvalidHandler, name, h.Method, len(entry.paramTypes))
		}
	}
	if len(entry.Params) != len(entry.paramTypes) {
		return nil, fmt.Errorf("%w: %s.%s declares %d parameters but takes %d",
			errspkg.ErrInvalidHandler, name, h.Method, len(entry.Params), len(entry.paramTypes))
	}
	for i, kind := range entry.Params {
		if err := checkParam(kind, entry.paramTypes[i]); err != nil {
			return nil, fmt.Errorf("%w: %s.%s parameter #%d: %v", errspkg.ErrInvalidHandler, name, h.Method, i, err)
		}
	}

	shape, err := resultShapeOf(mt)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s %v", errspkg.ErrInvalidHandler, name, h.Method, err)
	}
	entry.result = shape
	return entry, nil
}

var (
	contextType     = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType       = reflect.TypeOf((*error)(nil)).Elem()
	envelopeType    = reflect.TypeOf((*codec.Envelope)(nil))
	connectionType  = reflect.TypeOf((*Connection)(nil))
	connHandleType  = reflect.TypeOf((*transport.Conn)(nil)).Elem()
	msgContextType  = reflect.TypeOf((*Context)(nil))
	headersType     = reflect.TypeOf(map[string]string(nil))
	queryType       = reflect.TypeOf(url.Values(nil))
	handshakeType   = reflect.TypeOf(transport.Handshake{})
	handshakePtType = reflect.TypeOf((*transport.Handshake)(nil))
)

func checkParam(kind ParamKind, t reflect.Type) error {
	accepts := func(candidates ...reflect.Type) error {
		for _, c := range candidates {
			if c.AssignableTo(t) {
				return nil
			}
		}
		return fmt.Errorf("%s cannot receive %s", t, kind)
	}
	switch kind {
	case ParamNone, ParamPayload:
		return nil
	case ParamMessage:
		return accepts(envelopeType)
	case ParamConn:
		return accepts(connectionType, connHandleType)
	case ParamContext:
		return accepts(msgContextType)
	case ParamHeaders:
		return accepts(headersType)
	case ParamQuery:
		return accepts(queryType)
	case ParamAddress:
		if t.Kind() == reflect.String {
			return nil
		}
		return fmt.Errorf("%s cannot receive %s", t, kind)
	case ParamHandshake:
		return accepts(handshakeType, handshakePtType)
	default:
		return fmt.Errorf("unknown parameter kind %d", int(kind))
	}
}

func resultShapeOf(mt reflect.Type) (resultShape, error) {
	switch mt.NumOut() {
	case 0:
		return resultNone, nil
	case 1:
		if mt.Out(0) == errorType {
			return resultError, nil
		}
		return resultValue, nil
	case 2:
		if mt.Out(1) != errorType {
			return 0, fmt.Errorf("second result must be error, got %s", mt.Out(1))
		}
		return resultValueError, nil
	default:
		return 0, fmt.Errorf("returns %d values, want at most (T, error)", mt.NumOut())
	}
}

func concatTokens(a, b []di.Token) []di.Token {
	out := make([]di.Token, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
