package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/muflow/internal/runtime/errors"
)

func TestRoundTrip(t *testing.T) {
	envelopes := []*Envelope{
		{Type: "math.add", ID: "1", Payload: RawMessage(`{"a":2,"b":3}`)},
		{Type: "ping"},
		{Type: "echo.upper", ID: "u-7", Payload: RawMessage(`"hello"`)},
		{Type: "room.members", Payload: RawMessage(`["lobby",1,true]`)},
	}

	for _, c := range []Codec{JSON{}, Proto{}} {
		for _, in := range envelopes {
			t.Run(c.Name()+"/"+in.Type, func(t *testing.T) {
				data, err := c.Encode(in.Map())
				require.NoError(t, err)

				out, err := c.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, in.Type, out.Type)
				assert.Equal(t, in.ID, out.ID)
				if in.Payload == nil {
					assert.Empty(t, out.Payload)
				} else {
					assert.JSONEq(t, string(in.Payload), string(out.Payload))
				}
			})
		}
	}
}

func TestJSONDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{type:`},
		{"missing type", `{"id":"1"}`},
		{"numeric type", `{"type":5}`},
		{"blank type", `{"type":"  "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSON{}.Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errspkg.ErrMalformedMessage))
		})
	}
}

func TestJSONRecover(t *testing.T) {
	typ, id := JSON{}.Recover([]byte(`{"type":"math.add","id":"9","payload":`))
	assert.Equal(t, "math.add", typ, "fields before the truncation are kept")
	assert.Equal(t, "9", id)

	typ, id = JSON{}.Recover([]byte(`{"type":"math.add","id":"9"}`))
	assert.Equal(t, "math.add", typ)
	assert.Equal(t, "9", id)

	typ, id = JSON{}.Recover([]byte(`{"id":3}`))
	assert.Empty(t, typ)
	assert.Equal(t, json.Number("3"), id)

	typ, id = JSON{}.Recover(nil)
	assert.Empty(t, typ)
	assert.Nil(t, id)
}

func TestJSONNumericIDs(t *testing.T) {
	env, err := JSON{}.Decode([]byte(`{"type":"echo.text","id":9007199254740993,"payload":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), env.ID)

	data, err := JSON{}.Encode(Response{Type: env.Type, ID: env.ID, Success: true, Data: "x"}.Map())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":9007199254740993`)

	env, err = JSON{}.Decode([]byte(`{"type":"echo.text","id":7}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("7"), env.ID)
}

func TestProtoNumericIDs(t *testing.T) {
	data, err := Proto{}.Encode(map[string]any{"type": "echo.text", "id": 7})
	require.NoError(t, err)
	env, err := Proto{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 7.0, env.ID)
}

func TestProtoRecover(t *testing.T) {
	data, err := Proto{}.Encode(map[string]any{"type": "", "id": "x"})
	require.NoError(t, err)

	_, err = Proto{}.Decode(data)
	require.Error(t, err)

	typ, id := Proto{}.Recover(data)
	assert.Empty(t, typ)
	assert.Equal(t, "x", id)

	typ, id = Proto{}.Recover([]byte{0xff, 0xff})
	assert.Empty(t, typ)
	assert.Nil(t, id)
}

func TestProtoRecoverTruncated(t *testing.T) {
	data, err := Proto{}.Encode(map[string]any{"type": "math.add", "id": "m"})
	require.NoError(t, err)
	// A map entry that announces 32 bytes but carries two.
	truncated := append(data, 0x0a, 0x20, 'p', 'a')

	_, err = Proto{}.Decode(truncated)
	require.Error(t, err)

	typ, id := Proto{}.Recover(truncated)
	assert.Equal(t, "math.add", typ)
	assert.Equal(t, "m", id)
}

func TestProtoEncodesStructResults(t *testing.T) {
	type sum struct {
		Result int `json:"result"`
	}
	resp := Response{Type: "math.add", ID: "1", Success: true, Data: sum{Result: 5}}

	data, err := Proto{}.Encode(resp.Map())
	require.NoError(t, err)
	env, err := Proto{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "math.add", env.Type)
}

func TestResponseMap(t *testing.T) {
	t.Run("success with data", func(t *testing.T) {
		m := Response{Type: "math.add", ID: "1", Success: true, Data: 5}.Map()
		assert.Equal(t, map[string]any{"type": "math.add", "id": "1", "success": true, "data": 5}, m)

		data, err := JSON{}.Encode(m)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"math.add","id":"1","success":true,"data":5}`, string(data))
	})

	t.Run("spread fields override base keys", func(t *testing.T) {
		m := Response{Type: "echo.info", Success: true, Fields: map[string]any{"clientId": "c1", "type": "custom"}}.Map()
		assert.Equal(t, "custom", m["type"])
		assert.Equal(t, "c1", m["clientId"])
		assert.NotContains(t, m, "data")
		assert.NotContains(t, m, "id")
	})

	t.Run("error", func(t *testing.T) {
		m := Response{Type: "ghost.ping", Error: "No handler found for message type: ghost.ping"}.Map()
		assert.Equal(t, false, m["success"])
		assert.Equal(t, "No handler found for message type: ghost.ping", m["error"])
	})
}

func TestByName(t *testing.T) {
	for name, want := range map[string]string{"": "json", "JSON": "json", "proto": "proto", "protobuf": "proto"} {
		c, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, c.Name())
	}
	_, err := ByName("xml")
	assert.Error(t, err)
	assert.True(t, Proto{}.Binary())
	assert.False(t, JSON{}.Binary())
}

func TestUnmarshalPayload(t *testing.T) {
	var dst struct {
		A int `json:"a"`
	}
	require.NoError(t, JSON{}.Unmarshal(RawMessage(`{"a":2}`), &dst))
	assert.Equal(t, 2, dst.A)
	require.NoError(t, Proto{}.Unmarshal(nil, &dst))
	assert.Equal(t, 2, dst.A)
}
