package di

import (
	"context"
	"fmt"
)

// ResolveAs resolves token asynchronously and asserts the result to T. A nil
// token resolves TypeOf[T]().
func ResolveAs[T any](ctx context.Context, c *Container, token Token, connID string) (T, error) {
	var zero T
	if token == nil {
		token = TypeOf[T]()
	}
	v, err := c.ResolveAsync(ctx, token, connID)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("muflow: %s resolved to %T, not %s", TokenName(token), v, TypeOf[T]())
	}
	return typed, nil
}

// MustResolve resolves the singleton for TypeOf[T]() and panics on failure.
func MustResolve[T any](c *Container) T {
	v, err := c.Resolve(TypeOf[T](), "")
	if err != nil {
		panic(err)
	}
	typed, ok := v.(T)
	if !ok {
		panic(fmt.Sprintf("muflow: %s resolved to %T", TypeOf[T](), v))
	}
	return typed
}
