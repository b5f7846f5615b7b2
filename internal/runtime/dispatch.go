package runtime

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/drblury/muflow/internal/runtime/codec"
	"github.com/drblury/muflow/internal/runtime/di"
	errspkg "github.com/drblury/muflow/internal/runtime/errors"
	"github.com/drblury/muflow/internal/runtime/logging"
)

// DispatcherOptions wires a Dispatcher.
type DispatcherOptions struct {
	Container    *di.Container
	Routes       *RouteTable
	Codec        codec.Codec
	Lifecycle    *Lifecycle
	Logger       logging.ServiceLogger
	Adapter      ResponseAdapter
	Guards       []di.Token
	Interceptors []di.Token
	Classifier   ErrorClassifier
	Hooks        LifecycleHooks
}

// Dispatcher turns inbound frames into handler invocations and replies.
type Dispatcher struct {
	container    *di.Container
	routes       *RouteTable
	codec        codec.Codec
	lifecycle    *Lifecycle
	logger       logging.ServiceLogger
	adapter      ResponseAdapter
	guards       []di.Token
	interceptors []di.Token
	classifier   ErrorClassifier
	hooks        LifecycleHooks
	validate     *validator.Validate
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		container:    opts.Container,
		routes:       opts.Routes,
		codec:        opts.Codec,
		lifecycle:    opts.Lifecycle,
		logger:       opts.Logger,
		adapter:      opts.Adapter,
		guards:       opts.Guards,
		interceptors: opts.Interceptors,
		classifier:   opts.Classifier,
		hooks:        opts.Hooks,
		validate:     newValidator(),
	}
	if d.codec == nil {
		d.codec = codec.JSON{}
	}
	if d.adapter == nil {
		d.adapter = DefaultResponseAdapter{}
	}
	if d.classifier == nil {
		d.classifier = DefaultErrorClassifier
	}
	return d
}

// Dispatch handles one inbound frame. Exactly one reply is sent unless the
// handler opts out of responding or the connection is no longer open.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Connection, data []byte) {
	if conn == nil || !conn.IsOpen() {
		return
	}

	env, err := d.codec.Decode(data)
	if err != nil {
		event, id := d.codec.Recover(data)
		d.logger.Error("Failed to decode message", err, logging.LogFields{"conn_id": conn.ID, "event": event})
		d.reply(ctx, conn, d.adapter.AdaptError(event, id, err))
		d.lifecycle.ReportError(ctx, conn, err)
		return
	}

	route, ok := d.routes.Lookup(env.Type)
	if !ok {
		nf := &errspkg.HandlerNotFoundError{Type: env.Type}
		d.logger.Debug("No handler for message type", logging.LogFields{"conn_id": conn.ID, "event": env.Type})
		d.reply(ctx, conn, d.adapter.AdaptError(env.Type, env.ID, nf))
		return
	}

	mc := newContext(conn, env, route, d.logger.With(logging.LogFields{"conn_id": conn.ID, "event": route.Event}))
	ctx = withMessageContext(ctx, mc)

	route.stats.onStart()
	result, denied, err := d.invoke(ctx, mc)
	duration := time.Since(mc.StartedAt)

	if err != nil {
		err = &errspkg.HandlerInvocationError{Event: route.Event, Err: err}
	}
	route.stats.onFinish(duration, denied, err, d.classifier)
	if d.hooks.OnMessageDone != nil {
		d.hooks.OnMessageDone(MessageInfo{
			ConnID:        conn.ID,
			Event:         route.Event,
			MessageID:     env.ID,
			CorrelationID: mc.CorrelationID(),
			StartedAt:     mc.StartedAt,
			Duration:      duration,
			Denied:        denied,
			Err:           err,
		})
	}

	switch {
	case denied:
		d.reply(ctx, conn, d.adapter.AdaptError(env.Type, env.ID, errspkg.ErrForbidden))
	case err != nil:
		d.logger.Error("Error handling message", err, logging.LogFields{
			"conn_id":        conn.ID,
			"event":          route.Event,
			"correlation_id": mc.CorrelationID(),
		})
		d.reply(ctx, conn, d.adapter.AdaptError(env.Type, env.ID, err))
		d.lifecycle.ReportError(ctx, conn, err)
	case result == NoResponse:
	default:
		d.reply(ctx, conn, d.adapter.AdaptSuccess(env.Type, env.ID, result))
	}
}

// invoke runs params, guards, interceptors and the handler. Panics anywhere
// in the chain become errors.
func (d *Dispatcher) invoke(ctx context.Context, mc *Context) (result any, denied bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, denied, err = nil, false, fmt.Errorf("panic: %v", r)
		}
	}()

	route := mc.Route
	connID := mc.ConnID()

	args, err := d.buildArgs(mc)
	if err != nil {
		return nil, false, err
	}

	for _, token := range concatTokens(d.guards, route.Guards) {
		inst, err := d.container.ResolveAsync(ctx, token, connID)
		if err != nil {
			return nil, false, err
		}
		guard, ok := inst.(Guard)
		if !ok {
			return nil, false, fmt.Errorf("%w: %s does not implement Guard", errspkg.ErrInvalidProvider, di.TokenName(token))
		}
		allowed, err := guard.CanActivate(ctx, mc)
		if err != nil {
			return nil, false, err
		}
		if !allowed {
			return nil, true, nil
		}
	}

	ctrl, err := d.container.ResolveAsync(ctx, route.Token, connID)
	if err != nil {
		return nil, false, err
	}

	tokens := concatTokens(d.interceptors, route.Interceptors)
	interceptors := make([]Interceptor, 0, len(tokens))
	for _, token := range tokens {
		inst, err := d.container.ResolveAsync(ctx, token, connID)
		if err != nil {
			return nil, false, err
		}
		ic, ok := inst.(Interceptor)
		if !ok {
			return nil, false, fmt.Errorf("%w: %s does not implement Interceptor", errspkg.ErrInvalidProvider, di.TokenName(token))
		}
		interceptors = append(interceptors, ic)
	}

	handler := func(ctx context.Context) (any, error) {
		return callHandler(ctx, route, ctrl, args)
	}
	result, err = chainInterceptors(mc, interceptors, handler)(ctx)
	return result, false, err
}

func callHandler(ctx context.Context, route *RouteEntry, ctrl any, args []reflect.Value) (any, error) {
	recv := reflect.ValueOf(ctrl)
	if !recv.IsValid() || !recv.Type().AssignableTo(route.method.Type.In(0)) {
		return nil, fmt.Errorf("%w: %s resolved to %T", errspkg.ErrInvalidHandler, route.Controller, ctrl)
	}
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, recv)
	if route.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)

	out := route.method.Func.Call(in)
	switch route.result {
	case resultNone:
		return NoResponse, nil
	case resultError:
		if err, _ := out[0].Interface().(error); err != nil {
			return nil, err
		}
		return NoResponse, nil
	case resultValue:
		return out[0].Interface(), nil
	default:
		if err, _ := out[1].Interface().(error); err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	}
}

// reply sends resp. A success that cannot be encoded is answered with an
// error envelope instead.
func (d *Dispatcher) reply(ctx context.Context, conn *Connection, resp codec.Response) {
	err := conn.Send(ctx, resp.Map())
	if err == nil || !conn.IsOpen() {
		return
	}
	d.logger.Error("Failed to send reply", err, logging.LogFields{"conn_id": conn.ID, "event": resp.Type})
	if !resp.Success {
		return
	}
	if err := conn.Send(ctx, d.adapter.AdaptError(resp.Type, resp.ID, err).Map()); err != nil {
		d.logger.Debug("Failed to send error reply", logging.LogFields{"conn_id": conn.ID, "event": resp.Type, "error": err.Error()})
	}
}
