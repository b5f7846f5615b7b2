package di

import "context"

// Deferred is a value that becomes available later. Factories return one to
// mark themselves asynchronous; only ResolveAsync waits for it.
type Deferred interface {
	Await(ctx context.Context) (any, error)
}

type future struct {
	done chan struct{}
	val  any
	err  error
}

// Go runs fn on its own goroutine and returns its eventual result.
func Go(ctx context.Context, fn func(ctx context.Context) (any, error)) Deferred {
	f := &future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Resolved wraps an already computed value.
func Resolved(v any) Deferred {
	f := &future{done: make(chan struct{}), val: v}
	close(f.done)
	return f
}

func (f *future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
