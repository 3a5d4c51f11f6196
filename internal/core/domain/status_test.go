package domain_test

import (
	"testing"

	"github.com/lorrc/workshop-sync/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func status(s string) domain.StatusSnapshot { return domain.StatusSnapshot{Status: s} }

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		kind domain.EntityKind
		from domain.StatusSnapshot
		to   domain.StatusSnapshot
		want bool
	}{
		{"job pending to assigned", domain.KindJob, status(domain.JobPending), status(domain.JobAssigned), true},
		{"job on hold back to in progress", domain.KindJob, status(domain.JobOnHold), status(domain.JobInProgress), true},
		{"job completed to in progress", domain.KindJob, status(domain.JobCompleted), status(domain.JobInProgress), false},
		{"job pending straight to completed", domain.KindJob, status(domain.JobPending), status(domain.JobCompleted), false},
		{"unknown starting status", domain.KindJob, status(""), status(domain.JobCompleted), true},
		{"same status", domain.KindJob, status(domain.JobAssigned), status(domain.JobAssigned), true},
		{"quotation sent to approved", domain.KindQuotation, status(domain.QuotationSent), status(domain.QuotationApproved), true},
		{"quotation rejected to sent", domain.KindQuotation, status(domain.QuotationRejected), status(domain.QuotationSent), false},
		{"payment unpaid to failed", domain.KindPayment, status(domain.PaymentUnpaid), status(domain.PaymentFailed), true},
		{"payment paid to unpaid", domain.KindPayment, status(domain.PaymentPaid), status(domain.PaymentUnpaid), false},
		{"inspection new to pending", domain.KindInspection, status(domain.InspectionNew), status(domain.InspectionPending), true},
		{"repair order any id", domain.KindRepairOrder, status("3"), status("1"), true},
		{"archived repair order", domain.KindRepairOrder, domain.StatusSnapshot{Status: "5", Archived: true}, status("6"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.CanTransition(tt.kind, tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, domain.IsTerminal(domain.KindJob, status(domain.JobCompleted)))
	assert.False(t, domain.IsTerminal(domain.KindJob, status(domain.JobOnHold)))
	assert.True(t, domain.IsTerminal(domain.KindPayment, status(domain.PaymentCancelled)))
	assert.True(t, domain.IsTerminal(domain.KindQuotation, status(domain.QuotationExpired)))
	assert.True(t, domain.IsTerminal(domain.KindRepairOrder, domain.StatusSnapshot{Cancelled: true}))
	assert.False(t, domain.IsTerminal(domain.KindRepairOrder, status("4")))
}

func TestEntityProjection_View(t *testing.T) {
	p := domain.EntityProjection{
		Ref:    domain.JobRef("J"),
		Server: domain.StatusSnapshot{Status: domain.JobAssigned, AssigneeID: "A"},
	}
	assert.True(t, p.IsAssignedTo("A"))
	assert.False(t, p.IsAssignedTo("B"))

	p.Pending = &domain.OptimisticPatch{Patch: domain.PatchAssignee("B", domain.JobAssigned)}
	assert.Equal(t, "B", p.View().AssigneeID)
	assert.Equal(t, "A", p.Server.AssigneeID)
	assert.True(t, p.IsAssignedTo("B"))

	p.Pending = &domain.OptimisticPatch{Patch: domain.PatchStatus(domain.JobCompleted)}
	assert.False(t, p.IsAssignedTo("A"))
}

func TestStatusSnapshot_Merge(t *testing.T) {
	base := domain.StatusSnapshot{Status: domain.QuotationSent, RepairOrderID: "RO1"}
	merged := base.Merge(domain.StatusSnapshot{Status: domain.QuotationApproved, JobsCreated: true})

	assert.Equal(t, domain.QuotationApproved, merged.Status)
	assert.Equal(t, "RO1", merged.RepairOrderID)
	assert.True(t, merged.JobsCreated)
}

func TestStatusPatch_Then(t *testing.T) {
	p := domain.PatchAssignee("A", domain.JobAssigned).Then(domain.PatchStatus(domain.JobInProgress))
	view := p.Apply(domain.StatusSnapshot{Status: domain.JobPending})

	assert.Equal(t, domain.JobInProgress, view.Status)
	assert.Equal(t, "A", view.AssigneeID)
}
