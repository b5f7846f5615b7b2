package di

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/muflow/internal/runtime/errors"
)

// Scope is the lifetime of a resolved instance.
type Scope int

const (
	// Singleton instances live as long as the container.
	Singleton Scope = iota
	// Connection instances are cached per connection id and dropped when
	// the connection scope is released.
	Connection
)

func (s Scope) String() string {
	switch s {
	case Singleton:
		return "singleton"
	case Connection:
		return "connection"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Kind is the construction recipe of a provider.
type Kind int

const (
	ClassKind Kind = iota
	ValueKind
	FactoryKind
)

// FactoryFunc builds an instance from its resolved dependencies. It may
// return a Deferred, which makes the provider asynchronous.
type FactoryFunc func(ctx context.Context, deps ...any) (any, error)

// Provider is one registered definition.
type Provider struct {
	Token Token
	Kind  Kind
	Scope Scope

	// Value is returned as is by ValueKind providers.
	Value any

	// Constructor is the func a ClassKind provider calls. Parameters are
	// resolved positionally: Inject[slot] when set, the parameter type
	// otherwise. A context.Context parameter receives the resolution context.
	Constructor any
	Inject      map[int]Token

	Factory FactoryFunc
	Deps    []Token
	// Async marks a factory that must be resolved through ResolveAsync.
	Async bool
}

// Option customises a provider built by Class or Value.
type Option func(*Provider)

// WithToken registers the provider under t instead of its derived token.
func WithToken(t Token) Option {
	return func(p *Provider) { p.Token = t }
}

func WithScope(s Scope) Option {
	return func(p *Provider) { p.Scope = s }
}

// WithInject overrides the token resolved for constructor parameter slot.
func WithInject(slot int, t Token) Option {
	return func(p *Provider) {
		if p.Inject == nil {
			p.Inject = make(map[int]Token)
		}
		p.Inject[slot] = t
	}
}

// Class registers a constructor. Without WithToken the token is the
// constructor's first return type.
func Class(ctor any, opts ...Option) Provider {
	p := Provider{Kind: ClassKind, Constructor: ctor}
	if rt := reflect.TypeOf(ctor); rt != nil && rt.Kind() == reflect.Func && rt.NumOut() > 0 {
		p.Token = rt.Out(0)
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Value registers a ready-made instance.
func Value(token Token, v any, opts ...Option) Provider {
	p := Provider{Token: token, Kind: ValueKind, Value: v}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Factory registers fn, called with deps resolved in order.
func Factory(token Token, fn FactoryFunc, deps ...Token) Provider {
	return Provider{Token: token, Kind: FactoryKind, Factory: fn, Deps: deps}
}

// AsyncFactory is Factory for recipes that only ResolveAsync may run.
func AsyncFactory(token Token, fn FactoryFunc, deps ...Token) Provider {
	p := Factory(token, fn, deps...)
	p.Async = true
	return p
}

// Scoped returns a copy of p with scope s.
func (p Provider) Scoped(s Scope) Provider {
	p.Scope = s
	return p
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

func (p *Provider) validate() error {
	if !validToken(p.Token) {
		return fmt.Errorf("%w: token %v is missing or not comparable", errspkg.ErrInvalidProvider, p.Token)
	}
	if p.Scope != Singleton && p.Scope != Connection {
		return fmt.Errorf("%w: %s has unknown scope %d", errspkg.ErrInvalidProvider, TokenName(p.Token), p.Scope)
	}
	switch p.Kind {
	case ValueKind:
		return nil
	case FactoryKind:
		if p.Factory == nil {
			return fmt.Errorf("%w: factory %s has no function", errspkg.ErrInvalidProvider, TokenName(p.Token))
		}
		for i, dep := range p.Deps {
			if !validToken(dep) {
				return fmt.Errorf("%w: factory %s dependency #%d is not a valid token", errspkg.ErrInvalidProvider, TokenName(p.Token), i)
			}
		}
		return nil
	case ClassKind:
		return p.validateConstructor()
	default:
		return fmt.Errorf("%w: %s has unknown kind %d", errspkg.ErrInvalidProvider, TokenName(p.Token), p.Kind)
	}
}

func (p *Provider) validateConstructor() error {
	rt := reflect.TypeOf(p.Constructor)
	name := TokenName(p.Token)
	if rt == nil || rt.Kind() != reflect.Func {
		return fmt.Errorf("%w: %s constructor must be a func, got %T", errspkg.ErrInvalidProvider, name, p.Constructor)
	}
	if rt.IsVariadic() {
		return fmt.Errorf("%w: %s constructor cannot be variadic", errspkg.ErrInvalidProvider, name)
	}
	switch {
	case rt.NumOut() == 1:
	case rt.NumOut() == 2 && rt.Out(1) == errorType:
	default:
		return fmt.Errorf("%w: %s constructor must return (T) or (T, error)", errspkg.ErrInvalidProvider, name)
	}
	for slot, tok := range p.Inject {
		if slot < 0 || slot >= rt.NumIn() {
			return fmt.Errorf("%w: %s inject slot %d out of range", errspkg.ErrInvalidProvider, name, slot)
		}
		if !validToken(tok) {
			return fmt.Errorf("%w: %s inject slot %d has an invalid token", errspkg.ErrInvalidProvider, name, slot)
		}
	}
	return nil
}

// dependencies lists the tokens p resolves before it can be built.
func (p *Provider) dependencies() []Token {
	switch p.Kind {
	case FactoryKind:
		return p.Deps
	case ClassKind:
		rt := reflect.TypeOf(p.Constructor)
		if rt == nil || rt.Kind() != reflect.Func {
			return nil
		}
		deps := make([]Token, 0, rt.NumIn())
		for i := 0; i < rt.NumIn(); i++ {
			if tok, ok := p.Inject[i]; ok {
				deps = append(deps, tok)
				continue
			}
			if rt.In(i) == contextType {
				continue
			}
			deps = append(deps, rt.In(i))
		}
		return deps
	default:
		return nil
	}
}

// InstanceType returns the type a provider builds when it is known without
// running it. Factories report nil.
func (p *Provider) InstanceType() reflect.Type {
	switch p.Kind {
	case ValueKind:
		return reflect.TypeOf(p.Value)
	case ClassKind:
		rt := reflect.TypeOf(p.Constructor)
		if rt == nil || rt.Kind() != reflect.Func || rt.NumOut() == 0 {
			return nil
		}
		return rt.Out(0)
	default:
		return nil
	}
}
