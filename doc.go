// Package muflow is a connection-oriented message router. Clients hold a
// long-lived connection (a websocket by default) and exchange JSON or
// protobuf envelopes of the form {type, id, payload}; muflow looks the type
// up in a route table built from controller declarations and calls the bound
// method through a dependency-injection container.
//
// An Application is assembled from Modules. Each module contributes
// providers (Class, Value, Factory, AsyncFactory) and Controllers whose
// Handlers map an event name to a method. Controller prefixes qualify events
// as "prefix.event". Providers are singletons unless scoped to a Connection,
// in which case every connection gets its own instance, dropped when the
// connection closes.
//
// # Dispatch
//
// Every inbound frame is decoded, routed and run through the same pipeline:
// parameter extraction, guards (the first refusal answers "Forbidden"),
// interceptors nested outermost first, and finally the handler. The result
// is wrapped into a reply envelope carrying the original type and id.
// Scalars travel under "data"; maps and structs are spread next to
// "success". Handlers returning NoResponse, or nothing at all, send no reply.
//
// # Connections
//
// Connect, disconnect and error hooks are discovered on controllers that
// implement ConnectHook, DisconnectHook or ErrorHook. Hooks are best effort:
// their failures are logged and never reject a connection. Rooms group
// connections for Application.ToRoom, and Broadcast fans out through an
// in-process Watermill hub.
//
// # HTTP surface
//
// Application.Handler serves the websocket endpoint, /health, and when
// enabled /metrics (Prometheus) and /api/routes (route introspection with
// per-route latency, throughput and error statistics).
package muflow
