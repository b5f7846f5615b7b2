package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	idspkg "github.com/drblury/muflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/muflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/muflow/internal/runtime/metadata"
)

const (
	// HubTopic carries every outbound fan-out frame.
	HubTopic = "muflow.outbound"

	hubHandlerName    = "muflow_outbound"
	metadataKeyTarget = "muflow_target"
)

// Target selects the recipients of a hub message.
type Target struct {
	Kind string
	Name string
}

const (
	TargetAll  = "all"
	TargetRoom = "room"
	TargetConn = "conn"
)

func AllConnections() Target          { return Target{Kind: TargetAll} }
func RoomTarget(room string) Target   { return Target{Kind: TargetRoom, Name: room} }
func ConnTarget(connID string) Target { return Target{Kind: TargetConn, Name: connID} }

func (t Target) String() string {
	if t.Kind == TargetAll || t.Kind == "" {
		return TargetAll
	}
	return t.Kind + ":" + t.Name
}

// ParseTarget is the inverse of Target.String.
func ParseTarget(s string) (Target, error) {
	if s == TargetAll {
		return AllConnections(), nil
	}
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" || (kind != TargetRoom && kind != TargetConn) {
		return Target{}, fmt.Errorf("muflow: invalid hub target %q", s)
	}
	return Target{Kind: kind, Name: name}, nil
}

// HubPubSubFactory builds the in-process pub/sub behind the hub.
var HubPubSubFactory = func(logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
	return pubSub, pubSub
}

// Hub fans encoded frames out to connections through a Watermill router.
// Until the router runs, frames are delivered inline.
type Hub struct {
	lifecycle *Lifecycle
	rooms     *Rooms
	logger    loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan error
}

func NewHub(lc *Lifecycle, rooms *Rooms, logger loggingpkg.ServiceLogger, registerer prometheus.Registerer) (*Hub, error) {
	wmLogger := loggingpkg.NewWatermillAdapter(logger)
	pub, sub := HubPubSubFactory(wmLogger)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(middleware.Recoverer)

	if registerer != nil {
		builder := metrics.NewPrometheusMetricsBuilder(registerer, "muflow", "hub")
		builder.AddPrometheusRouterMetrics(router)
		if pub, err = builder.DecoratePublisher(pub); err != nil {
			return nil, err
		}
	}

	h := &Hub{
		lifecycle:  lc,
		rooms:      rooms,
		logger:     logger,
		publisher:  pub,
		subscriber: sub,
		router:     router,
	}
	router.AddNoPublisherHandler(hubHandlerName, HubTopic, sub, h.handle)
	return h, nil
}

// Start runs the router and returns once it is consuming.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan error, 1)
	h.mu.Unlock()

	go func() { h.done <- h.router.Run(runCtx) }()

	select {
	case <-h.router.Running():
		h.mu.Lock()
		h.running = true
		h.mu.Unlock()
		return nil
	case err := <-h.done:
		cancel()
		if err == nil {
			err = errors.New("muflow: hub router stopped before running")
		}
		return err
	}
}

// Close stops the router and the pub/sub.
func (h *Hub) Close() error {
	h.mu.Lock()
	wasRunning := h.running
	h.running = false
	cancel := h.cancel
	h.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if wasRunning {
		errs = append(errs, h.router.Close())
	}
	errs = append(errs, h.publisher.Close())
	if any(h.subscriber) != any(h.publisher) {
		errs = append(errs, h.subscriber.Close())
	}
	return errors.Join(errs...)
}

// Publish queues frame for target.
func (h *Hub) Publish(ctx context.Context, target Target, frame []byte) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		h.deliver(ctx, target, frame)
		return nil
	}

	msg := message.NewMessage(idspkg.CreateULID(), frame)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(metadataKeyTarget, target.String()))
	msg.SetContext(ctx)
	return h.publisher.Publish(HubTopic, msg)
}

func (h *Hub) handle(msg *message.Message) error {
	md := metadatapkg.FromWatermill(msg.Metadata)
	target, err := ParseTarget(md[metadataKeyTarget])
	if err != nil {
		h.logger.Error("Dropping hub message", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		return nil
	}
	h.deliver(msg.Context(), target, msg.Payload)
	return nil
}

// deliver returns the number of connections the frame was written to.
func (h *Hub) deliver(ctx context.Context, target Target, frame []byte) int {
	sent := 0
	send := func(conn *Connection) {
		if err := conn.SendFrame(ctx, frame); err != nil {
			h.logger.Debug("Hub send failed", loggingpkg.LogFields{"conn_id": conn.ID, "error": err.Error()})
			return
		}
		sent++
	}
	switch target.Kind {
	case TargetRoom:
		for _, id := range h.rooms.Members(target.Name) {
			if conn, ok := h.lifecycle.Get(id); ok && conn.IsOpen() {
				send(conn)
			}
		}
	case TargetConn:
		if conn, ok := h.lifecycle.Get(target.Name); ok && conn.IsOpen() {
			send(conn)
		}
	default:
		h.lifecycle.Each(func(conn *Connection) bool {
			send(conn)
			return true
		})
	}
	h.logger.Debug("Hub delivered", loggingpkg.LogFields{"target": target.String(), "recipients": sent})
	return sent
}
