package domain

import (
	"errors"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMissingEntityID  = errors.New("event has no entity id")
)

// EventType names a server-pushed event.
type EventType string

const (
	EventJobAssigned      EventType = "JobAssigned"
	EventJobReassigned    EventType = "JobReassigned"
	EventJobStatusUpdated EventType = "JobStatusUpdated"

	EventQuotationCreated          EventType = "QuotationCreated"
	EventQuotationStatusUpdated    EventType = "QuotationStatusUpdated"
	EventQuotationCustomerResponse EventType = "QuotationCustomerResponse"
	EventQuotationUpdated          EventType = "QuotationUpdated"

	EventRepairOrderCreated EventType = "RepairOrderCreated"
	EventRepairOrderUpdated EventType = "RepairOrderUpdated"

	EventInspectionAssigned   EventType = "InspectionAssigned"
	EventInspectionReassigned EventType = "InspectionReassigned"

	EventPaymentCreated       EventType = "PaymentCreated"
	EventPaymentStatusUpdated EventType = "PaymentStatusUpdated"
	EventPaymentCompleted     EventType = "PaymentCompleted"

	EventUserCountUpdated   EventType = "UserCountUpdated"
	EventPermissionsUpdated EventType = "PermissionsUpdated"

	EventInspectionCreated       EventType = "InspectionCreated"
	EventInspectionStatusUpdated EventType = "InspectionStatusUpdated"
)

// EventSource records how an event reached the dispatcher.
type EventSource string

const (
	SourcePush    EventSource = "push"
	SourcePoll    EventSource = "poll"
	SourceHydrate EventSource = "hydrate"
)

// FullSnapshot reports whether events from this source carry the whole
// entity rather than a change to it.
func (s EventSource) FullSnapshot() bool {
	return s == SourcePoll || s == SourceHydrate
}

type eventSpec struct {
	kind    EntityKind // empty for events without a projection
	implied string     // status implied by the event when the payload omits it
}

var taxonomy = map[Domain]map[EventType]eventSpec{
	DomainJob: {
		EventJobAssigned:      {kind: KindJob, implied: JobAssigned},
		EventJobReassigned:    {kind: KindJob, implied: JobAssigned},
		EventJobStatusUpdated: {kind: KindJob},
	},
	DomainQuotation: {
		EventQuotationCreated:          {kind: KindQuotation, implied: QuotationPending},
		EventQuotationStatusUpdated:    {kind: KindQuotation},
		EventQuotationCustomerResponse: {kind: KindQuotation},
		EventQuotationUpdated:          {kind: KindQuotation},
	},
	DomainRepairOrder: {
		EventRepairOrderCreated: {kind: KindRepairOrder},
		EventRepairOrderUpdated: {kind: KindRepairOrder},
	},
	DomainTechnicianAssignment: {
		EventJobAssigned:          {kind: KindJob, implied: JobAssigned},
		EventJobReassigned:        {kind: KindJob, implied: JobAssigned},
		EventInspectionAssigned:   {kind: KindInspection},
		EventInspectionReassigned: {kind: KindInspection},
	},
	DomainPayment: {
		EventPaymentCreated:       {kind: KindPayment, implied: PaymentUnpaid},
		EventPaymentStatusUpdated: {kind: KindPayment},
		EventPaymentCompleted:     {kind: KindPayment, implied: PaymentPaid},
	},
	DomainPresence: {
		EventUserCountUpdated: {},
	},
	DomainPermissionChange: {
		EventPermissionsUpdated: {},
	},
	DomainInspection: {
		EventInspectionCreated:       {kind: KindInspection, implied: InspectionNew},
		EventInspectionStatusUpdated: {kind: KindInspection},
	},
}

// Each kind has a home domain and an event type used when a polled or
// hydrated snapshot is turned into an event.
var snapshotEvents = map[EntityKind]struct {
	domain    Domain
	eventType EventType
}{
	KindJob:         {DomainJob, EventJobStatusUpdated},
	KindQuotation:   {DomainQuotation, EventQuotationUpdated},
	KindRepairOrder: {DomainRepairOrder, EventRepairOrderUpdated},
	KindPayment:     {DomainPayment, EventPaymentStatusUpdated},
	KindInspection:  {DomainInspection, EventInspectionStatusUpdated},
}

// EventTypes returns the closed set of event types a domain may push.
func (d Domain) EventTypes() []EventType {
	types := make([]EventType, 0, len(taxonomy[d]))
	for t := range taxonomy[d] {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Knows reports whether t belongs to the domain's taxonomy.
func (d Domain) Knows(t EventType) bool {
	_, ok := taxonomy[d][t]
	return ok
}

// PolledKinds lists the entity kinds a domain's events update. The
// fallback poller re-fetches tracked projections of these kinds.
func (d Domain) PolledKinds() []EntityKind {
	seen := make(map[EntityKind]bool)
	var kinds []EntityKind
	for _, t := range d.EventTypes() {
		k := taxonomy[d][t].kind
		if k != "" && !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// InboundEvent is one decoded event, pushed or synthesized from a poll.
type InboundEvent struct {
	Domain          Domain
	Type            EventType
	EntityID        string
	ServerTimestamp time.Time
	Sequence        int64 // 0 when the server sent none
	Payload         json.RawMessage
	Source          EventSource
}

// EntityRef returns the projection the event targets. Events without a
// projection (presence, permissions) return false.
func (e InboundEvent) EntityRef() (EntityRef, bool) {
	spec, ok := taxonomy[e.Domain][e.Type]
	if !ok || spec.kind == "" || e.EntityID == "" {
		return EntityRef{}, false
	}
	return EntityRef{Kind: spec.kind, ID: e.EntityID}, true
}

// Snapshot decodes the payload and fills in the status the event type
// implies when the payload leaves it out.
func (e InboundEvent) Snapshot() (StatusSnapshot, error) {
	var s StatusSnapshot
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		if err := json.Unmarshal(e.Payload, &s); err != nil {
			return StatusSnapshot{}, err
		}
	}
	if s.Status == "" {
		s.Status = taxonomy[e.Domain][e.Type].implied
	}
	return s, nil
}

// Validate checks the event against the domain taxonomy.
func (e InboundEvent) Validate() error {
	spec, ok := taxonomy[e.Domain][e.Type]
	if !ok {
		return ErrUnknownEventType
	}
	if spec.kind != "" && e.EntityID == "" {
		return ErrMissingEntityID
	}
	return nil
}

// SynthesizeEvent turns a fetched snapshot into an event on the kind's
// home domain so it flows through the same path as pushed events.
func SynthesizeEvent(ref EntityRef, fetched FetchedSnapshot, source EventSource) (InboundEvent, error) {
	target, ok := snapshotEvents[ref.Kind]
	if !ok {
		return InboundEvent{}, ErrUnknownEventType
	}
	payload, err := json.Marshal(fetched.Snapshot)
	if err != nil {
		return InboundEvent{}, err
	}
	return InboundEvent{
		Domain:          target.domain,
		Type:            target.eventType,
		EntityID:        ref.ID,
		ServerTimestamp: fetched.AsOf,
		Payload:         payload,
		Source:          source,
	}, nil
}

// HomeDomain is the domain that owns a kind's status events.
func HomeDomain(kind EntityKind) (Domain, bool) {
	target, ok := snapshotEvents[kind]
	return target.domain, ok
}
