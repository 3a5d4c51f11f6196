package services

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/lorrc/workshop-sync/internal/core/domain"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/lorrc/workshop-sync/internal/metrics"
)

// EventGate decides whether an event is fresh enough to deliver.
type EventGate interface {
	ApplyServerEvent(evt domain.InboundEvent) Outcome
}

// AnyEvent subscribes to every event type of a domain.
const AnyEvent domain.EventType = ""

type subscription struct {
	id        uint64
	eventType domain.EventType
	handler   ports.EventHandler
}

// Dispatcher decodes hub frames and fans events out to subscribers in
// registration order. Every event passes the gate first so subscribers
// never see a stale or duplicate event.
type Dispatcher struct {
	gate   EventGate
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[domain.Domain][]subscription
	nextID uint64
}

func NewDispatcher(gate EventGate, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		gate:   gate,
		logger: logger,
		subs:   make(map[domain.Domain][]subscription),
	}
}

// Subscribe registers handler for one event type of a domain, or for
// all of them with AnyEvent.
func (d *Dispatcher) Subscribe(dom domain.Domain, eventType domain.EventType, handler ports.EventHandler) (unsubscribe func()) {
	if eventType != AnyEvent && !dom.Knows(eventType) {
		d.logger.Warn("subscribing to an event type the domain never sends",
			"domain", dom.String(), "event_type", string(eventType))
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[dom] = append(d.subs[dom], subscription{id: id, eventType: eventType, handler: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			subs := d.subs[dom]
			for i, s := range subs {
				if s.id == id {
					d.subs[dom] = append(subs[:i:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Dispatch handles one raw frame read from a domain's hub. Malformed
// frames and unknown event types are logged and dropped.
func (d *Dispatcher) Dispatch(dom domain.Domain, raw []byte) {
	frame, err := domain.DecodeFrame(raw)
	if err != nil {
		metrics.RecordDrop(dom.String(), "malformed")
		d.logger.Warn("dropping malformed frame", "domain", dom.String(), "error", err, "size", len(raw))
		return
	}
	if frame.Type != domain.FrameEvent {
		d.logger.Debug("ignoring non-event frame", "domain", dom.String(), "type", string(frame.Type))
		return
	}

	evt, err := frame.ToEvent(dom)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, domain.ErrUnknownEventType) {
			reason = "unknown_type"
		}
		metrics.RecordDrop(dom.String(), reason)
		d.logger.Warn("dropping event", "domain", dom.String(), "event_type", string(frame.EventType), "reason", reason)
		return
	}

	d.Deliver(evt)
}

// Deliver passes an already decoded event, pushed or polled, through the
// gate and on to subscribers.
func (d *Dispatcher) Deliver(evt domain.InboundEvent) Outcome {
	outcome := OutcomeNoProjection
	if d.gate != nil {
		outcome = d.gate.ApplyServerEvent(evt)
	}
	if !outcome.Delivered() {
		metrics.RecordDrop(evt.Domain.String(), outcome.String())
		d.logger.Debug("event not delivered",
			"domain", evt.Domain.String(),
			"event_type", string(evt.Type),
			"entity_id", evt.EntityID,
			"outcome", outcome.String(),
		)
		return outcome
	}

	d.mu.RLock()
	subs := make([]subscription, 0, len(d.subs[evt.Domain]))
	for _, s := range d.subs[evt.Domain] {
		if s.eventType == AnyEvent || s.eventType == evt.Type {
			subs = append(subs, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range subs {
		d.invoke(s, evt)
	}
	metrics.EventsDispatched.WithLabelValues(evt.Domain.String(), string(evt.Type), string(evt.Source)).Inc()
	return outcome
}

func (d *Dispatcher) invoke(s subscription, evt domain.InboundEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerFailures.WithLabelValues(evt.Domain.String(), string(evt.Type)).Inc()
			logging.LogPanic(d.logger.With("domain", evt.Domain.String(), "event_type", string(evt.Type)), rec)
		}
	}()

	if err := s.handler(evt); err != nil {
		metrics.HandlerFailures.WithLabelValues(evt.Domain.String(), string(evt.Type)).Inc()
		d.logger.Warn("event handler failed",
			"domain", evt.Domain.String(),
			"event_type", string(evt.Type),
			"entity_id", evt.EntityID,
			"error", err,
		)
	}
}
