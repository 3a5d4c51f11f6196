package services_test

import (
	"errors"
	"testing"
	"time"

	"github.com/lorrc/workshop-sync/internal/core/domain"
	"github.com/lorrc/workshop-sync/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_FanOutInRegistrationOrder(t *testing.T) {
	d := services.NewDispatcher(nil, nil)

	var order []string
	d.Subscribe(domain.DomainJob, domain.EventJobAssigned, func(domain.InboundEvent) error {
		order = append(order, "first")
		return nil
	})
	d.Subscribe(domain.DomainJob, services.AnyEvent, func(domain.InboundEvent) error {
		order = append(order, "any")
		return nil
	})
	d.Subscribe(domain.DomainJob, domain.EventJobStatusUpdated, func(domain.InboundEvent) error {
		order = append(order, "other type")
		return nil
	})
	d.Subscribe(domain.DomainTechnicianAssignment, domain.EventJobAssigned, func(domain.InboundEvent) error {
		order = append(order, "other domain")
		return nil
	})
	d.Subscribe(domain.DomainJob, domain.EventJobAssigned, func(domain.InboundEvent) error {
		order = append(order, "last")
		return nil
	})

	d.Dispatch(domain.DomainJob, eventFrame(event(domain.DomainJob, domain.EventJobAssigned, "J1", t0, status{"technicianId": "T1"})))
	assert.Equal(t, []string{"first", "any", "last"}, order)
}

func TestDispatcher_HandlerFailuresAreIsolated(t *testing.T) {
	d := services.NewDispatcher(nil, nil)

	var reached []string
	d.Subscribe(domain.DomainPayment, services.AnyEvent, func(domain.InboundEvent) error {
		panic("boom")
	})
	d.Subscribe(domain.DomainPayment, services.AnyEvent, func(domain.InboundEvent) error {
		reached = append(reached, "after panic")
		return errors.New("handler error")
	})
	d.Subscribe(domain.DomainPayment, services.AnyEvent, func(domain.InboundEvent) error {
		reached = append(reached, "after error")
		return nil
	})

	assert.NotPanics(t, func() {
		d.Dispatch(domain.DomainPayment, eventFrame(event(domain.DomainPayment, domain.EventPaymentCompleted, "P1", t0, nil)))
	})
	assert.Equal(t, []string{"after panic", "after error"}, reached)
}

func TestDispatcher_DropsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "not json", raw: []byte("{oops")},
		{name: "missing type", raw: []byte(`{"eventType":"JobAssigned"}`)},
		{name: "unknown event type", raw: eventFrame(event(domain.DomainJob, "JobTeleported", "J1", t0, nil))},
		{name: "event from another domain", raw: eventFrame(event(domain.DomainJob, domain.EventPaymentCompleted, "P1", t0, nil))},
		{name: "missing entity id", raw: eventFrame(event(domain.DomainJob, domain.EventJobStatusUpdated, "", t0, nil))},
		{name: "ping", raw: []byte(`{"type":"ping"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := services.NewDispatcher(nil, nil)
			called := false
			d.Subscribe(domain.DomainJob, services.AnyEvent, func(domain.InboundEvent) error {
				called = true
				return nil
			})

			assert.NotPanics(t, func() { d.Dispatch(domain.DomainJob, tt.raw) })
			assert.False(t, called)
		})
	}
}

func TestDispatcher_GateFiltersStaleAndDuplicates(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	r.Track(domain.JobRef("J1"))
	d := services.NewDispatcher(r, nil)

	var seen []string
	d.Subscribe(domain.DomainJob, services.AnyEvent, func(evt domain.InboundEvent) error {
		snap, err := evt.Snapshot()
		require.NoError(t, err)
		seen = append(seen, snap.Status)
		return nil
	})

	assert.Equal(t, services.OutcomeApplied, d.Deliver(jobStatus("J1", t0.Add(time.Second), domain.JobInProgress)))
	assert.Equal(t, services.OutcomeStale, d.Deliver(jobStatus("J1", t0, domain.JobAssigned)))
	assert.Equal(t, services.OutcomeDuplicate, d.Deliver(jobStatus("J1", t0.Add(time.Second), domain.JobInProgress)))
	assert.Equal(t, services.OutcomeUntracked, d.Deliver(jobStatus("J2", t0, domain.JobAssigned)))

	assert.Equal(t, []string{domain.JobInProgress, domain.JobAssigned}, seen)
}

func TestDispatcher_SameEventReachesEachDomainOnce(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	r.Track(domain.JobRef("J1"))
	d := services.NewDispatcher(r, nil)

	seen := map[domain.Domain]int{}
	for _, dom := range []domain.Domain{domain.DomainTechnicianAssignment, domain.DomainJob} {
		d.Subscribe(dom, domain.EventJobAssigned, func(evt domain.InboundEvent) error {
			seen[evt.Domain]++
			return nil
		})
	}

	onAssignment := event(domain.DomainTechnicianAssignment, domain.EventJobAssigned, "J1", t0, status{"technicianId": "T1"})
	onJob := onAssignment
	onJob.Domain = domain.DomainJob

	assert.Equal(t, services.OutcomeApplied, d.Deliver(onAssignment))
	assert.Equal(t, services.OutcomeAbsorbed, d.Deliver(onJob))
	assert.Equal(t, services.OutcomeDuplicate, d.Deliver(onJob))
	assert.Equal(t, services.OutcomeDuplicate, d.Deliver(onAssignment))

	assert.Equal(t, map[domain.Domain]int{
		domain.DomainTechnicianAssignment: 1,
		domain.DomainJob:                  1,
	}, seen)

	p, ok := r.GetProjection(domain.JobRef("J1"))
	require.True(t, ok)
	assert.True(t, p.IsAssignedTo("T1"))
}

func TestDispatcher_OlderEventOnAnotherDomainStaysStale(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	r.Track(domain.JobRef("J1"))
	d := services.NewDispatcher(r, nil)

	calls := 0
	d.Subscribe(domain.DomainJob, services.AnyEvent, func(domain.InboundEvent) error {
		calls++
		return nil
	})

	d.Deliver(event(domain.DomainTechnicianAssignment, domain.EventJobReassigned, "J1", t0.Add(time.Minute), status{"technicianId": "T2"}))
	assert.Equal(t, services.OutcomeStale,
		d.Deliver(event(domain.DomainJob, domain.EventJobAssigned, "J1", t0, status{"technicianId": "T1"})))
	assert.Zero(t, calls)
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := services.NewDispatcher(nil, nil)

	calls := 0
	unsubscribe := d.Subscribe(domain.DomainPresence, domain.EventUserCountUpdated, func(domain.InboundEvent) error {
		calls++
		return nil
	})

	evt := event(domain.DomainPresence, domain.EventUserCountUpdated, "", t0, status{"count": 4})
	d.Deliver(evt)
	unsubscribe()
	unsubscribe()
	d.Deliver(evt)

	assert.Equal(t, 1, calls)
}

func TestPresenceTracker(t *testing.T) {
	p := services.NewPresenceTracker()
	_, known := p.OnlineUsers()
	assert.False(t, known)

	var pushed []int
	unsubscribe := p.Subscribe(func(n int) { pushed = append(pushed, n) })

	require.NoError(t, p.Handle(event(domain.DomainPresence, domain.EventUserCountUpdated, "", t0, status{"count": 12})))
	count, known := p.OnlineUsers()
	assert.True(t, known)
	assert.Equal(t, 12, count)

	assert.Error(t, p.Handle(event(domain.DomainPresence, domain.EventUserCountUpdated, "", t0, status{"count": -1})))
	assert.Error(t, p.Handle(domain.InboundEvent{Payload: []byte("nope")}))

	unsubscribe()
	require.NoError(t, p.Handle(event(domain.DomainPresence, domain.EventUserCountUpdated, "", t0, status{"count": 13})))
	assert.Equal(t, []int{12}, pushed)
}
