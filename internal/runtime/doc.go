/*
Package runtime provides the connection-oriented message routing core of muflow.

# Architecture Overview

An Application accepts a tree of Modules. Every module contributes DI
providers and Controllers; controllers declare Handlers that bind an event
name to one of their methods. At Init the application registers everything
with a di.Container, builds an immutable RouteTable and mounts a transport
(gorilla/websocket by default) on a chi router.

# Message Flow

For every inbound frame the Dispatcher:
  - decodes the envelope with the configured codec
  - looks up the route by event type
  - extracts the declared parameters, validating struct payloads
  - runs global then route guards; the first denial answers "Forbidden"
  - resolves the controller and runs the interceptor onion around it
  - shapes the result through the ResponseAdapter and sends exactly one reply

Errors raised anywhere in that chain become a HandlerInvocationError, are
answered with an error envelope and reported to the error hooks.

# Connections

The Lifecycle gives each connection a ULID, opens its DI scope so
connection-scoped providers get one instance per connection, and runs the
connect, disconnect and error hooks best-effort.

# Fan-out

The Hub publishes encoded frames on an in-process Watermill GoChannel and
delivers them to all connections, to a room (see Rooms) or to one connection.

# HTTP Surface

Besides the websocket path the router serves health, Prometheus metrics and
route introspection with per-route statistics.
*/
package runtime
