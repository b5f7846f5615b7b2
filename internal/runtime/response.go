package runtime

import (
	"errors"
	"reflect"

	"github.com/drblury/muflow/internal/runtime/codec"
	errspkg "github.com/drblury/muflow/internal/runtime/errors"
)

type noResponse struct{}

// NoResponse suppresses the reply when a handler returns it.
var NoResponse any = noResponse{}

// ResponseAdapter shapes replies before they are encoded.
type ResponseAdapter interface {
	AdaptSuccess(event string, id any, result any) codec.Response
	AdaptError(event string, id any, err error) codec.Response
}

// DefaultResponseAdapter spreads object results next to success:true and
// puts everything else under data. Errors carry the message of their cause.
type DefaultResponseAdapter struct{}

func (DefaultResponseAdapter) AdaptSuccess(event string, id any, result any) codec.Response {
	resp := codec.Response{Type: event, ID: id, Success: true}
	if result == nil {
		return resp
	}
	if fields, ok := spreadable(result); ok {
		resp.Fields = fields
		return resp
	}
	resp.Data = result
	return resp
}

func (DefaultResponseAdapter) AdaptError(event string, id any, err error) codec.Response {
	return codec.Response{Type: event, ID: id, Success: false, Error: errorMessage(err)}
}

func errorMessage(err error) string {
	if err == nil {
		return "error"
	}
	var inv *errspkg.HandlerInvocationError
	if errors.As(err, &inv) && inv.Err != nil {
		return inv.Err.Error()
	}
	return err.Error()
}

// spreadable turns maps with string keys and structs into a field map.
func spreadable(result any) (map[string]any, bool) {
	if m, ok := result.(map[string]any); ok {
		return m, true
	}
	v := reflect.ValueOf(result)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, true
	case reflect.Struct:
		raw, err := codec.Marshal(v.Interface())
		if err != nil {
			return nil, false
		}
		var out map[string]any
		if err := codec.Unmarshal(raw, &out); err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}
