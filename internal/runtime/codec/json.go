package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"

	errspkg "github.com/drblury/muflow/internal/runtime/errors"
)

var std = sonic.ConfigStd

// envelopeAPI keeps numeric ids as json.Number so ids above 2^53 survive
// the round trip.
var envelopeAPI = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
	UseNumber:        true,
}.Froze()

// Marshal encodes v with the sonic standard-compatible configuration.
func Marshal(v any) ([]byte, error) {
	return std.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return std.Unmarshal(data, v)
}

// Encode streams v as JSON to w.
func Encode(w io.Writer, v any) error {
	return std.NewEncoder(w).Encode(v)
}

// JSON carries envelopes as JSON text frames.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Binary() bool { return false }

func (JSON) Decode(data []byte) (*Envelope, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", errspkg.ErrMalformedMessage)
	}
	if t := gjson.GetBytes(data, "type"); t.Exists() && t.Type != gjson.String {
		return nil, fmt.Errorf("%w: type must be a string", errspkg.ErrMalformedMessage)
	}
	env := &Envelope{}
	if err := envelopeAPI.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrMalformedMessage, err)
	}
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	if string(env.Payload) == "null" {
		env.Payload = nil
	}
	return env, nil
}

func (JSON) Encode(msg map[string]any) ([]byte, error) {
	return std.Marshal(msg)
}

func (JSON) Unmarshal(raw RawMessage, v any) error {
	return unmarshalPayload(raw, v)
}

func (JSON) Recover(data []byte) (string, any) {
	return recoverJSON(data)
}

func unmarshalPayload(raw RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return std.Unmarshal(raw, v)
}

// recoverJSON reads type and id from a frame that may be truncated.
func recoverJSON(data []byte) (string, any) {
	if len(data) == 0 {
		return "", nil
	}
	var typ string
	if t := gjson.GetBytes(data, "type"); t.Type == gjson.String {
		typ = t.String()
	}
	id := gjson.GetBytes(data, "id")
	if !id.Exists() || id.Type == gjson.Null {
		return typ, nil
	}
	if id.Type == gjson.Number {
		return typ, json.Number(id.Raw)
	}
	return typ, id.Value()
}
