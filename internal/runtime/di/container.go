// Package di is the provider registry and resolver behind muflow
// controllers, guards and interceptors.
package di

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/muflow/internal/runtime/errors"
	"github.com/drblury/muflow/internal/runtime/logging"
)

type instanceKey struct {
	conn  string
	token Token
}

// call is an in-flight construction shared by every concurrent caller of
// the same key.
type call struct {
	done chan struct{}
	val  any
	err  error
}

// Container holds provider definitions and the instances built from them.
// All methods are safe for concurrent use.
type Container struct {
	logger logging.ServiceLogger

	mu        sync.Mutex
	defs      map[Token]*Provider
	instances map[instanceKey]any
	pending   map[instanceKey]*call
	scopes    map[string]struct{}
	// acyclic memoizes tokens whose dependency graph was already checked.
	acyclic map[Token]struct{}
}

// New returns an empty container. A nil logger discards output.
func New(logger logging.ServiceLogger) *Container {
	if logger == nil {
		logger = logging.NewWatermillServiceLogger(watermill.NopLogger{})
	}
	return &Container{
		logger:    logger,
		defs:      make(map[Token]*Provider),
		instances: make(map[instanceKey]any),
		pending:   make(map[instanceKey]*call),
		scopes:    make(map[string]struct{}),
		acyclic:   make(map[Token]struct{}),
	}
}

// Register adds definitions. Each entry is a Provider, a *Provider or a bare
// constructor func (registered as Class(ctor)). Registering a token again
// replaces the earlier definition and drops instances built from it.
func (c *Container) Register(defs ...any) error {
	normalized := make([]*Provider, 0, len(defs))
	for i, def := range defs {
		p, err := Normalize(def)
		if err != nil {
			return fmt.Errorf("provider #%d: %w", i, err)
		}
		if err := p.validate(); err != nil {
			return err
		}
		normalized = append(normalized, p)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range normalized {
		if _, exists := c.defs[p.Token]; exists {
			c.logger.Debug("Provider overridden", logging.LogFields{"token": TokenName(p.Token)})
			for key := range c.instances {
				if key.token == p.Token {
					delete(c.instances, key)
				}
			}
		}
		c.defs[p.Token] = p
	}
	c.acyclic = make(map[Token]struct{})
	return nil
}

// Normalize turns any accepted definition into a Provider copy without
// registering it.
func Normalize(def any) (*Provider, error) {
	switch v := def.(type) {
	case Provider:
		return &v, nil
	case *Provider:
		if v == nil {
			return nil, fmt.Errorf("%w: nil provider", errspkg.ErrInvalidProvider)
		}
		cp := *v
		return &cp, nil
	default:
		if rt := reflect.TypeOf(def); rt != nil && rt.Kind() == reflect.Func {
			p := Class(def)
			return &p, nil
		}
		return nil, fmt.Errorf("%w: unsupported definition %T", errspkg.ErrInvalidProvider, def)
	}
}

// Has reports whether token has a definition.
func (c *Container) Has(token Token) bool {
	if !validToken(token) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.defs[token]
	return ok
}

// SetInstance stores v as the singleton instance for token, registering a
// value definition when the token is unknown.
func (c *Container) SetInstance(token Token, v any) error {
	if !validToken(token) {
		return fmt.Errorf("%w: token %v is missing or not comparable", errspkg.ErrInvalidProvider, token)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[token]; !ok {
		c.defs[token] = &Provider{Token: token, Kind: ValueKind, Value: v}
	}
	c.instances[instanceKey{token: token}] = v
	return nil
}

// OpenScope starts the connection scope for connID.
func (c *Container) OpenScope(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes[connID] = struct{}{}
}

// ReleaseScope drops every instance cached for connID.
func (c *Container) ReleaseScope(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scopes, connID)
	for key := range c.instances {
		if key.conn == connID {
			delete(c.instances, key)
		}
	}
}

// Clear forgets every definition, instance and scope.
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs = make(map[Token]*Provider)
	c.instances = make(map[instanceKey]any)
	c.scopes = make(map[string]struct{})
	c.acyclic = make(map[Token]struct{})
}

// Resolve builds or returns the instance for token without blocking on
// asynchronous providers. connID selects the connection scope; singletons
// ignore it.
func (c *Container) Resolve(token Token, connID string) (any, error) {
	return c.resolve(context.Background(), token, connID, false)
}

// ResolveAsync is Resolve that also awaits asynchronous factories and
// deferred results. It stops waiting when ctx is done.
func (c *Container) ResolveAsync(ctx context.Context, token Token, connID string) (any, error) {
	return c.resolve(ctx, token, connID, true)
}

func (c *Container) resolve(ctx context.Context, token Token, connID string, async bool) (any, error) {
	if !validToken(token) {
		return nil, &errspkg.NoProviderError{Token: TokenName(token)}
	}
	def, err := c.definition(token)
	if err != nil {
		return nil, err
	}

	key := instanceKey{token: token}
	if def.Scope == Connection {
		if connID == "" {
			return nil, fmt.Errorf("%w: %s", errspkg.ErrConnectionScopeRequired, TokenName(token))
		}
		key.conn = connID
	}

	if err := c.checkCycles(token, async); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if key.conn != "" {
		if _, open := c.scopes[key.conn]; !open {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownConnection, key.conn)
		}
	}
	if v, ok := c.instances[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	if def.Async && !async {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errspkg.ErrAsyncProviderInSyncContext, TokenName(token))
	}
	if inflight, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return inflight.wait(ctx, async)
	}
	cl := &call{done: make(chan struct{})}
	c.pending[key] = cl
	c.mu.Unlock()

	val, err := c.build(ctx, def, key.conn, async)

	c.mu.Lock()
	delete(c.pending, key)
	if err == nil && c.cacheable(key) {
		c.instances[key] = val
	}
	cl.val, cl.err = val, err
	close(cl.done)
	c.mu.Unlock()

	return val, err
}

func (cl *call) wait(ctx context.Context, async bool) (any, error) {
	if !async {
		<-cl.done
		return cl.val, cl.err
	}
	select {
	case <-cl.done:
		return cl.val, cl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cacheable must be called with c.mu held. A scope released while its
// instance was being built does not get the instance back.
func (c *Container) cacheable(key instanceKey) bool {
	if key.conn == "" {
		return true
	}
	_, open := c.scopes[key.conn]
	return open
}

func (c *Container) definition(token Token) (*Provider, error) {
	c.mu.Lock()
	def, ok := c.defs[token]
	c.mu.Unlock()
	if ok {
		return def, nil
	}
	if _, ok := constructible(token); ok {
		return &Provider{Token: token, Kind: ClassKind}, nil
	}
	return nil, &errspkg.NoProviderError{Token: TokenName(token)}
}

func (c *Container) build(ctx context.Context, def *Provider, connID string, async bool) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: constructing %s panicked: %v", errspkg.ErrInvalidProvider, TokenName(def.Token), r)
		}
	}()

	switch def.Kind {
	case ValueKind:
		return def.Value, nil
	case FactoryKind:
		return c.buildFactory(ctx, def, connID, async)
	default:
		if def.Constructor == nil {
			elem, _ := constructible(def.Token)
			return reflect.New(elem).Interface(), nil
		}
		return c.buildClass(ctx, def, connID, async)
	}
}

func (c *Container) buildFactory(ctx context.Context, def *Provider, connID string, async bool) (any, error) {
	deps := make([]any, len(def.Deps))
	for i, tok := range def.Deps {
		dep, err := c.resolve(ctx, tok, connID, async)
		if err != nil {
			return nil, &errspkg.DependencyError{Owner: TokenName(def.Token), Slot: i, Token: TokenName(tok), Err: err}
		}
		deps[i] = dep
	}

	val, err := def.Factory(ctx, deps...)
	if err != nil {
		return nil, err
	}
	deferred, ok := val.(Deferred)
	if !ok {
		return val, nil
	}
	if !async {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrAsyncProviderInSyncContext, TokenName(def.Token))
	}
	return deferred.Await(ctx)
}

func (c *Container) buildClass(ctx context.Context, def *Provider, connID string, async bool) (any, error) {
	ctor := reflect.ValueOf(def.Constructor)
	ct := ctor.Type()
	args := make([]reflect.Value, ct.NumIn())
	for i := range args {
		param := ct.In(i)
		tok, explicit := def.Inject[i]
		if !explicit && param == contextType {
			args[i] = reflect.ValueOf(ctx)
			continue
		}
		if !explicit {
			tok = param
		}
		dep, err := c.resolve(ctx, tok, connID, async)
		if err != nil {
			return nil, &errspkg.DependencyError{Owner: TokenName(def.Token), Slot: i, Token: TokenName(tok), Err: err}
		}
		arg, err := assignable(dep, param)
		if err != nil {
			return nil, &errspkg.DependencyError{Owner: TokenName(def.Token), Slot: i, Token: TokenName(tok), Err: err}
		}
		args[i] = arg
	}

	out := ctor.Call(args)
	if len(out) == 2 && !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	return out[0].Interface(), nil
}

func assignable(dep any, param reflect.Type) (reflect.Value, error) {
	if dep == nil {
		return reflect.Zero(param), nil
	}
	v := reflect.ValueOf(dep)
	if v.Type().AssignableTo(param) {
		return v, nil
	}
	if v.Type().ConvertibleTo(param) && v.Kind() == param.Kind() {
		return v.Convert(param), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: %s is not assignable to %s", errspkg.ErrInvalidProvider, v.Type(), param)
}
