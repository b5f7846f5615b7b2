package di

import (
	"fmt"
	"reflect"
)

// Token identifies a provider. Strings, *Symbol values and reflect.Type
// identities are the usual choices; any comparable value works.
type Token any

// Symbol is a unique token that cannot collide with a string name.
type Symbol struct {
	name string
}

// NewSymbol returns a fresh symbol. Two symbols with the same name are
// distinct tokens.
func NewSymbol(name string) *Symbol {
	return &Symbol{name: name}
}

func (s *Symbol) String() string {
	return "Symbol(" + s.name + ")"
}

// TypeOf returns the type identity token for T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// TokenName renders a token for logs and error messages.
func TokenName(t Token) string {
	switch v := t.(type) {
	case nil:
		return "<nil>"
	case string:
		return v
	case reflect.Type:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func validToken(t Token) bool {
	if t == nil {
		return false
	}
	return reflect.TypeOf(t).Comparable()
}

// constructible reports whether an unregistered token can be built as the
// zero value of the struct it points to.
func constructible(t Token) (reflect.Type, bool) {
	rt, ok := t.(reflect.Type)
	if !ok || rt.Kind() != reflect.Pointer || rt.Elem().Kind() != reflect.Struct {
		return nil, false
	}
	return rt.Elem(), true
}
