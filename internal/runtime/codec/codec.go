// Package codec turns raw frames into envelopes and response maps back into
// frames.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	errspkg "github.com/drblury/muflow/internal/runtime/errors"
)

// RawMessage is an undecoded JSON payload.
type RawMessage = json.RawMessage

// Envelope is the inbound wire unit.
type Envelope struct {
	Type    string     `json:"type"`
	ID      any        `json:"id,omitempty"`
	Payload RawMessage `json:"payload,omitempty"`
}

// Map returns the envelope in the shape codecs encode.
func (e *Envelope) Map() map[string]any {
	m := map[string]any{"type": e.Type}
	if e.ID != nil {
		m["id"] = e.ID
	}
	if len(e.Payload) > 0 {
		m["payload"] = e.Payload
	}
	return m
}

// Response is an outbound reply before it is flattened onto the wire.
type Response struct {
	Type    string
	ID      any
	Success bool
	Data    any
	Error   string
	// Fields are spread next to success and win over the base keys.
	Fields map[string]any
}

// Map flattens the response.
func (r Response) Map() map[string]any {
	m := make(map[string]any, 4+len(r.Fields))
	if r.Type != "" {
		m["type"] = r.Type
	}
	if r.ID != nil {
		m["id"] = r.ID
	}
	m["success"] = r.Success
	if r.Success {
		if r.Data != nil {
			m["data"] = r.Data
		}
	} else {
		m["error"] = r.Error
	}
	for k, v := range r.Fields {
		m[k] = v
	}
	return m
}

// Codec converts between frames and envelopes.
type Codec interface {
	Name() string
	// Binary reports whether frames must be sent as binary websocket messages.
	Binary() bool
	Decode(data []byte) (*Envelope, error)
	Encode(msg map[string]any) ([]byte, error)
	// Unmarshal decodes an envelope payload into v.
	Unmarshal(raw RawMessage, v any) error
	// Recover extracts whatever type and id can be read from a frame that
	// failed to decode.
	Recover(data []byte) (string, any)
}

// ByName returns the codec registered under name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON{}, nil
	case "proto", "protobuf":
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", errspkg.ErrMalformedMessage, name)
	}
}

func validateEnvelope(env *Envelope) error {
	if strings.TrimSpace(env.Type) == "" {
		return fmt.Errorf("%w: missing message type", errspkg.ErrMalformedMessage)
	}
	return nil
}
