package transport

// Capabilities describes the features supported by a transport.
type Capabilities struct {
	Name string `json:"name"`

	// SupportsText and SupportsBinary report which frame kinds can be sent.
	SupportsText   bool `json:"supports_text"`
	SupportsBinary bool `json:"supports_binary"`

	// SupportsHeartbeat indicates the transport detects dead peers with
	// ping/pong control frames.
	SupportsHeartbeat bool `json:"supports_heartbeat"`

	// SupportsCloseCodes indicates Close codes and reasons reach the peer.
	SupportsCloseCodes bool `json:"supports_close_codes"`

	// MaxMessageSize is the default inbound frame limit (0 = unlimited).
	MaxMessageSize int64 `json:"max_message_size"`
}

// Supports reports whether the transport can carry the selected codec's frames.
func (c Capabilities) Supports(binary bool) bool {
	if binary {
		return c.SupportsBinary
	}
	return c.SupportsText
}

// WebSocketCapabilities describes the gorilla/websocket transport.
var WebSocketCapabilities = Capabilities{
	Name:               "websocket",
	SupportsText:       true,
	SupportsBinary:     true,
	SupportsHeartbeat:  true,
	SupportsCloseCodes: true,
	MaxMessageSize:     1 << 20,
}

// ChannelCapabilities describes the in-process channel transport.
var ChannelCapabilities = Capabilities{
	Name:               "channel",
	SupportsText:       true,
	SupportsBinary:     true,
	SupportsCloseCodes: true,
}
