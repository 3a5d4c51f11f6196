package domain_test

import (
	"testing"
	"time"

	"github.com/lorrc/workshop-sync/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundEvent_EntityRef(t *testing.T) {
	tests := []struct {
		name   string
		evt    domain.InboundEvent
		want   domain.EntityRef
		wantOK bool
	}{
		{
			name:   "job event on job domain",
			evt:    domain.InboundEvent{Domain: domain.DomainJob, Type: domain.EventJobAssigned, EntityID: "J"},
			want:   domain.JobRef("J"),
			wantOK: true,
		},
		{
			name:   "job event on technician assignment domain",
			evt:    domain.InboundEvent{Domain: domain.DomainTechnicianAssignment, Type: domain.EventJobReassigned, EntityID: "J"},
			want:   domain.JobRef("J"),
			wantOK: true,
		},
		{
			name:   "quotation response targets the quotation",
			evt:    domain.InboundEvent{Domain: domain.DomainQuotation, Type: domain.EventQuotationCustomerResponse, EntityID: "Q"},
			want:   domain.QuotationRef("Q"),
			wantOK: true,
		},
		{
			name: "presence has no projection",
			evt:  domain.InboundEvent{Domain: domain.DomainPresence, Type: domain.EventUserCountUpdated},
		},
		{
			name: "event outside the domain taxonomy",
			evt:  domain.InboundEvent{Domain: domain.DomainPayment, Type: domain.EventJobAssigned, EntityID: "J"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok := tt.evt.EntityRef()
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, ref)
			}
		})
	}
}

func TestInboundEvent_Snapshot(t *testing.T) {
	t.Run("implied status", func(t *testing.T) {
		evt := domain.InboundEvent{
			Domain:  domain.DomainJob,
			Type:    domain.EventJobReassigned,
			Payload: []byte(`{"technicianId":"B","previousTechnicianId":"A"}`),
		}
		s, err := evt.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, domain.JobAssigned, s.Status)
		assert.Equal(t, "B", s.AssigneeID)
		assert.Equal(t, "A", s.PreviousAssigneeID)
	})

	t.Run("explicit status wins", func(t *testing.T) {
		evt := domain.InboundEvent{
			Domain:  domain.DomainPayment,
			Type:    domain.EventPaymentCompleted,
			Payload: []byte(`{"status":"Failed"}`),
		}
		s, err := evt.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentFailed, s.Status)
	})

	t.Run("malformed payload", func(t *testing.T) {
		evt := domain.InboundEvent{Domain: domain.DomainJob, Type: domain.EventJobStatusUpdated, Payload: []byte(`{"status":`)}
		_, err := evt.Snapshot()
		assert.Error(t, err)
	})
}

func TestDomain_PolledKinds(t *testing.T) {
	assert.Equal(t, []domain.EntityKind{domain.KindInspection, domain.KindJob}, domain.DomainTechnicianAssignment.PolledKinds())
	assert.Equal(t, []domain.EntityKind{domain.KindQuotation}, domain.DomainQuotation.PolledKinds())
	assert.Empty(t, domain.DomainPresence.PolledKinds())
	assert.Empty(t, domain.DomainPermissionChange.PolledKinds())
}

func TestSynthesizeEvent(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	evt, err := domain.SynthesizeEvent(domain.InspectionRef("I1"), domain.FetchedSnapshot{
		Snapshot: domain.StatusSnapshot{Status: domain.InspectionInProgress},
		AsOf:     asOf,
	}, domain.SourcePoll)
	require.NoError(t, err)

	assert.Equal(t, domain.DomainInspection, evt.Domain)
	assert.Equal(t, domain.EventInspectionStatusUpdated, evt.Type)
	assert.Equal(t, asOf, evt.ServerTimestamp)
	assert.Equal(t, domain.SourcePoll, evt.Source)

	ref, ok := evt.EntityRef()
	require.True(t, ok)
	assert.Equal(t, domain.InspectionRef("I1"), ref)

	s, err := evt.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, domain.InspectionInProgress, s.Status)
}

func TestFrame_ToEvent(t *testing.T) {
	raw := []byte(`{"type":"event","eventType":"JobAssigned","entityId":"J1","serverTimestamp":"2026-03-01T10:00:00Z","sequence":4,"payload":{"technicianId":"A"}}`)

	f, err := domain.DecodeFrame(raw)
	require.NoError(t, err)

	evt, err := f.ToEvent(domain.DomainJob)
	require.NoError(t, err)
	assert.Equal(t, domain.EventJobAssigned, evt.Type)
	assert.Equal(t, "J1", evt.EntityID)
	assert.Equal(t, int64(4), evt.Sequence)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), evt.ServerTimestamp)
	assert.Equal(t, domain.SourcePush, evt.Source)

	_, err = f.ToEvent(domain.DomainPayment)
	assert.ErrorIs(t, err, domain.ErrUnknownEventType)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"bogus"}`},
		{"completion without id", `{"type":"completion"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := domain.DecodeFrame([]byte(tt.raw))
			assert.ErrorIs(t, err, domain.ErrMalformedFrame)
		})
	}
}

func TestNewInvocation(t *testing.T) {
	f, err := domain.NewInvocation("inv-1", domain.DefaultJoinMethod, "Technician_42")
	require.NoError(t, err)

	raw, err := f.Encode()
	require.NoError(t, err)

	decoded, err := domain.DecodeFrame(raw)
	require.NoError(t, err)
	group, err := decoded.StringArgument(0)
	require.NoError(t, err)
	assert.Equal(t, "Technician_42", group)

	_, err = decoded.StringArgument(1)
	assert.ErrorIs(t, err, domain.ErrMalformedFrame)
}
