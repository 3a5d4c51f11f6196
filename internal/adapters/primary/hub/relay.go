package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/lorrc/workshop-sync/internal/clock"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/lorrc/workshop-sync/internal/metrics"
)

// TopicEvents carries publications from the dev endpoint to the relay.
const TopicEvents = "hub.events"

// Publication is one event to push to hub clients.
type Publication struct {
	Domain          domain.Domain    `json:"domain"`
	EventType       domain.EventType `json:"eventType"`
	EntityID        string           `json:"entityId,omitempty"`
	Groups          []string         `json:"groups,omitempty"`
	Payload         json.RawMessage  `json:"payload,omitempty"`
	ServerTimestamp time.Time        `json:"serverTimestamp"`
	Sequence        int64            `json:"sequence"`
}

func (p Publication) event() domain.InboundEvent {
	return domain.InboundEvent{
		Domain:          p.Domain,
		Type:            p.EventType,
		EntityID:        p.EntityID,
		ServerTimestamp: p.ServerTimestamp,
		Sequence:        p.Sequence,
		Payload:         p.Payload,
	}
}

// Validate checks the event type belongs to the domain and carries an
// entity id where the domain tracks one.
func (p Publication) Validate() error {
	return p.event().Validate()
}

// SnapshotRecorder stores the status carried by published events.
type SnapshotRecorder interface {
	Apply(ctx context.Context, ref domain.EntityRef, next domain.StatusSnapshot, at time.Time, sequence int64) (domain.StoredSnapshot, bool, error)
}

// EventBus stamps publications and hands them to the relay over an
// in-process watermill channel.
type EventBus struct {
	pubsub   *gochannel.GoChannel
	clock    clock.Clock
	sequence atomic.Int64
}

// NewEventBus creates a bus with its own buffered channel.
func NewEventBus(clk clock.Clock, logger *slog.Logger) *EventBus {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &EventBus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, watermill.NewSlogLogger(logger.With("component", "event_bus"))),
		clock: clk,
	}
}

// Publish fills in a missing timestamp and sequence and queues p.
func (b *EventBus) Publish(p Publication) (Publication, error) {
	if p.ServerTimestamp.IsZero() {
		p.ServerTimestamp = b.clock.Now().UTC()
	}
	if p.Sequence == 0 {
		p.Sequence = b.sequence.Add(1)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return Publication{}, fmt.Errorf("marshal publication: %w", err)
	}
	if err := b.pubsub.Publish(TopicEvents, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		return Publication{}, fmt.Errorf("publish %s: %w", p.EventType, err)
	}
	return p, nil
}

// Close stops the bus.
func (b *EventBus) Close() error {
	return b.pubsub.Close()
}

// Relay consumes publications, records their status and broadcasts them.
type Relay struct {
	bus       *EventBus
	hub       *Hub
	store     SnapshotRecorder
	ready     chan struct{}
	readyOnce sync.Once
	logger    *slog.Logger
}

// NewRelay wires a bus to a hub. store may be nil.
func NewRelay(bus *EventBus, hub *Hub, store SnapshotRecorder, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Relay{
		bus:    bus,
		hub:    hub,
		store:  store,
		ready:  make(chan struct{}),
		logger: logger.With("component", "relay"),
	}
}

// Serve relays publications until ctx is cancelled.
func (r *Relay) Serve(ctx context.Context) error {
	messages, err := r.bus.pubsub.Subscribe(ctx, TopicEvents)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicEvents, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return ctx.Err()
			}
			r.handle(ctx, msg)
			msg.Ack()
		}
	}
}

func (r *Relay) String() string { return "relay" }

// Ready is closed once the relay is subscribed. Publications made
// earlier are dropped.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

func (r *Relay) handle(ctx context.Context, msg *message.Message) {
	var p Publication
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		r.logger.Error("dropping undecodable publication", "message_id", msg.UUID, "error", err)
		return
	}

	evt := p.event()
	if err := p.Validate(); err != nil {
		r.logger.Warn("dropping invalid publication",
			"domain", p.Domain,
			"event_type", p.EventType,
			"error", err,
		)
		return
	}

	if ref, ok := evt.EntityRef(); ok && r.store != nil {
		snap, err := evt.Snapshot()
		if err != nil {
			r.logger.Warn("publication payload is not a status snapshot", "entity", ref.String(), "error", err)
		} else if _, applied, err := r.store.Apply(ctx, ref, snap, p.ServerTimestamp, p.Sequence); err != nil {
			r.logger.Error("failed to record snapshot", "entity", ref.String(), "error", err)
		} else if !applied {
			r.logger.Debug("publication older than stored snapshot", "entity", ref.String())
		}
	}

	frame, err := domain.NewEventFrame(evt).Encode()
	if err != nil {
		r.logger.Error("failed to encode event frame", "error", err)
		return
	}
	reached := r.hub.Broadcast(p.Domain, p.Groups, frame)
	metrics.HubBroadcasts.WithLabelValues(string(p.Domain), string(p.EventType)).Inc()

	r.logger.Debug("publication relayed",
		"domain", p.Domain,
		"event_type", p.EventType,
		"entity_id", p.EntityID,
		"groups", p.Groups,
		"clients", reached,
	)
}
