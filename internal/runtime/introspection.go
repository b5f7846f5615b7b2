package runtime

import (
	"net/http"

	"github.com/drblury/muflow/internal/runtime/codec"
	"github.com/drblury/muflow/internal/runtime/di"
	"github.com/drblury/muflow/transport"
)

// RouteInfo is the introspection view of a route.
type RouteInfo struct {
	Event        string             `json:"event"`
	Controller   string             `json:"controller"`
	Method       string             `json:"method"`
	Params       []string           `json:"params"`
	Guards       []string           `json:"guards,omitempty"`
	Interceptors []string           `json:"interceptors,omitempty"`
	Stats        RouteStatsSnapshot `json:"stats"`
}

// Introspection is served at the introspection path.
type Introspection struct {
	Codec     string                 `json:"codec"`
	Transport transport.Capabilities `json:"transport"`
	Routes    []RouteInfo            `json:"routes"`
}

// Health is served at the health path.
type Health struct {
	Status      string        `json:"status"`
	Connections int           `json:"connections"`
	Handlers    int           `json:"handlers"`
	Rooms       int           `json:"rooms"`
	Resource    ResourceUsage `json:"resource"`
}

// Routes describes every registered route with its live statistics.
func (a *Application) Routes() []RouteInfo {
	entries := a.routes.Entries()
	out := make([]RouteInfo, 0, len(entries))
	for _, e := range entries {
		info := RouteInfo{
			Event:        e.Event,
			Controller:   e.Controller,
			Method:       e.Method,
			Params:       make([]string, len(e.Params)),
			Guards:       tokenNames(e.Guards),
			Interceptors: tokenNames(e.Interceptors),
			Stats:        e.Stats().Snapshot(),
		}
		for i, p := range e.Params {
			info.Params[i] = p.String()
		}
		out = append(out, info)
	}
	return out
}

func (a *Application) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a, Introspection{
		Codec:     a.codec.Name(),
		Transport: a.capabilities,
		Routes:    a.Routes(),
	})
}

func (a *Application) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a, Health{
		Status:      "ok",
		Connections: a.lifecycle.Count(),
		Handlers:    a.routes.Len(),
		Rooms:       len(a.rooms.Names()),
		Resource:    a.resources.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, a *Application, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := codec.Encode(w, v); err != nil {
		a.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func tokenNames(tokens []di.Token) []string {
	if len(tokens) == 0 {
		return nil
	}
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = di.TokenName(t)
	}
	return out
}
