package runtime

import (
	"reflect"

	"github.com/go-playground/validator/v10"

	"github.com/drblury/muflow/internal/runtime/codec"
)

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// buildArgs materialises the handler arguments in declared order.
func (d *Dispatcher) buildArgs(mc *Context) ([]reflect.Value, error) {
	route := mc.Route
	args := make([]reflect.Value, len(route.Params))
	hs := mc.Connection.Handshake
	for i, kind := range route.Params {
		t := route.paramTypes[i]
		switch kind {
		case ParamPayload:
			v, err := d.decodePayload(route.Event, mc.Message.Payload, t)
			if err != nil {
				return nil, err
			}
			args[i] = v
		case ParamMessage:
			args[i] = reflect.ValueOf(mc.Message)
		case ParamConn:
			if connectionType.AssignableTo(t) {
				args[i] = reflect.ValueOf(mc.Connection)
			} else {
				args[i] = reflect.ValueOf(mc.Connection.Handle)
			}
		case ParamContext:
			args[i] = reflect.ValueOf(mc)
		case ParamHeaders:
			headers := hs.Headers
			if headers == nil {
				headers = map[string]string{}
			}
			args[i] = reflect.ValueOf(headers)
		case ParamQuery:
			args[i] = reflect.ValueOf(hs.Query)
		case ParamAddress:
			args[i] = reflect.ValueOf(hs.Address).Convert(t)
		case ParamHandshake:
			if handshakeType.AssignableTo(t) {
				args[i] = reflect.ValueOf(hs)
			} else {
				args[i] = reflect.ValueOf(&hs)
			}
		default:
			args[i] = reflect.Zero(t)
		}
		if !args[i].IsValid() {
			args[i] = reflect.Zero(t)
		}
	}
	return args, nil
}

// decodePayload decodes raw into a fresh value of type t and validates
// struct payloads.
func (d *Dispatcher) decodePayload(event string, raw codec.RawMessage, t reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(t)
	if len(raw) > 0 {
		if err := d.codec.Unmarshal(raw, ptr.Interface()); err != nil {
			return reflect.Value{}, &PayloadError{Event: event, Err: err}
		}
	}
	v := ptr.Elem()

	target := v
	for target.Kind() == reflect.Pointer {
		if target.IsNil() {
			return v, nil
		}
		target = target.Elem()
	}
	if target.Kind() == reflect.Struct {
		if err := d.validate.Struct(target.Interface()); err != nil {
			return reflect.Value{}, &PayloadError{Event: event, Err: err}
		}
	}
	return v, nil
}
