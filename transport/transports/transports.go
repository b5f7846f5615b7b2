// Package transports imports all built-in transports for auto-registration.
// Import this package to have every transport registered with the default registry.
package transports

import (
	_ "github.com/drblury/muflow/transport/channel"
	_ "github.com/drblury/muflow/transport/websocket"
)
