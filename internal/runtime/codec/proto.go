package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/muflow/internal/runtime/errors"
)

// Proto carries envelopes as a google.protobuf.Struct in binary frames.
// Payloads are kept as JSON so handlers decode them the same way under
// both codecs.
type Proto struct{}

func (Proto) Name() string { return "proto" }

func (Proto) Binary() bool { return true }

func (Proto) Decode(data []byte) (*Envelope, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrMalformedMessage, err)
	}
	fields := st.GetFields()
	env := &Envelope{}
	if t, ok := fields["type"]; ok {
		s, isString := t.GetKind().(*structpb.Value_StringValue)
		if !isString {
			return nil, fmt.Errorf("%w: type must be a string", errspkg.ErrMalformedMessage)
		}
		env.Type = s.StringValue
	}
	if id, ok := fields["id"]; ok {
		env.ID = id.AsInterface()
	}
	if payload, ok := fields["payload"]; ok {
		if _, isNull := payload.GetKind().(*structpb.Value_NullValue); !isNull {
			raw, err := payload.MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", errspkg.ErrMalformedMessage, err)
			}
			env.Payload = raw
		}
	}
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return env, nil
}

func (Proto) Encode(msg map[string]any) ([]byte, error) {
	plain, err := normalize(msg)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(plain)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return proto.Marshal(st)
}

func (Proto) Unmarshal(raw RawMessage, v any) error {
	return unmarshalPayload(raw, v)
}

// Recover reads type and id from the complete map entries of a frame that
// may be truncated or otherwise invalid.
func (Proto) Recover(data []byte) (string, any) {
	fields := partialStruct(data)
	var id any
	if v, ok := fields["id"]; ok {
		id = v.AsInterface()
	}
	return fields["type"].GetStringValue(), id
}

// partialStruct walks the wire form of a google.protobuf.Struct and keeps
// every map entry that decodes. It stops at the first broken field.
func partialStruct(data []byte) map[string]*structpb.Value {
	fields := map[string]*structpb.Value{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			break
		}
		data = data[n:]
		if num != 1 || typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				break
			}
			data = data[m:]
			continue
		}
		entry, m := protowire.ConsumeBytes(data)
		if m < 0 {
			break
		}
		data = data[m:]
		if key, val, ok := mapEntry(entry); ok {
			fields[key] = val
		}
	}
	return fields
}

func mapEntry(entry []byte) (string, *structpb.Value, bool) {
	var key string
	val := &structpb.Value{}
	for len(entry) > 0 {
		num, typ, n := protowire.ConsumeTag(entry)
		if n < 0 {
			return "", nil, false
		}
		entry = entry[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			b, m := protowire.ConsumeBytes(entry)
			if m < 0 {
				return "", nil, false
			}
			key = string(b)
			entry = entry[m:]
		case num == 2 && typ == protowire.BytesType:
			b, m := protowire.ConsumeBytes(entry)
			if m < 0 {
				return "", nil, false
			}
			if err := proto.Unmarshal(b, val); err != nil {
				return "", nil, false
			}
			entry = entry[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, entry)
			if m < 0 {
				return "", nil, false
			}
			entry = entry[m:]
		}
	}
	return key, val, true
}

// normalize reduces arbitrary handler results (structs, typed maps, raw
// JSON) to the plain values structpb accepts.
func normalize(msg map[string]any) (map[string]any, error) {
	data, err := std.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("normalize message: %w", err)
	}
	out := map[string]any{}
	if err := std.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize message: %w", err)
	}
	return out, nil
}
