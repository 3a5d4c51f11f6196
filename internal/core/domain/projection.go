package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind is the type of a projected entity.
type EntityKind string

const (
	KindJob         EntityKind = "job"
	KindQuotation   EntityKind = "quotation"
	KindRepairOrder EntityKind = "repairOrder"
	KindPayment     EntityKind = "payment"
	KindInspection  EntityKind = "inspection"
)

var kindPaths = map[EntityKind]string{
	KindJob:         "jobs",
	KindQuotation:   "quotations",
	KindRepairOrder: "repair-orders",
	KindPayment:     "payments",
	KindInspection:  "inspections",
}

// ResourcePath is the REST collection name for the kind.
func (k EntityKind) ResourcePath() string { return kindPaths[k] }

// ParseResourcePath maps a REST collection name back to its kind.
func ParseResourcePath(path string) (EntityKind, bool) {
	for kind, p := range kindPaths {
		if p == path {
			return kind, true
		}
	}
	return "", false
}

// EntityRef identifies one projected entity.
type EntityRef struct {
	Kind EntityKind
	ID   string
}

func (r EntityRef) String() string { return string(r.Kind) + "/" + r.ID }

func JobRef(id string) EntityRef         { return EntityRef{Kind: KindJob, ID: id} }
func QuotationRef(id string) EntityRef   { return EntityRef{Kind: KindQuotation, ID: id} }
func RepairOrderRef(id string) EntityRef { return EntityRef{Kind: KindRepairOrder, ID: id} }
func PaymentRef(id string) EntityRef     { return EntityRef{Kind: KindPayment, ID: id} }
func InspectionRef(id string) EntityRef  { return EntityRef{Kind: KindInspection, ID: id} }

// StatusSnapshot is the status-relevant part of an entity as reported by
// the server. For repair orders Status holds the opaque OrderStatus id.
type StatusSnapshot struct {
	Status             string `json:"status,omitempty"`
	AssigneeID         string `json:"technicianId,omitempty"`
	PreviousAssigneeID string `json:"previousTechnicianId,omitempty"`
	RepairOrderID      string `json:"repairOrderId,omitempty"`
	PaidStatus         string `json:"paidStatus,omitempty"`
	JobsCreated        bool   `json:"jobsCreated,omitempty"`
	Archived           bool   `json:"isArchived,omitempty"`
	Cancelled          bool   `json:"isCancelled,omitempty"`
}

// Merge overlays the fields set in next onto s. Events may carry only
// the fields they changed.
func (s StatusSnapshot) Merge(next StatusSnapshot) StatusSnapshot {
	out := s
	if next.Status != "" {
		out.Status = next.Status
	}
	if next.AssigneeID != "" {
		out.AssigneeID = next.AssigneeID
	}
	if next.PreviousAssigneeID != "" {
		out.PreviousAssigneeID = next.PreviousAssigneeID
	}
	if next.RepairOrderID != "" {
		out.RepairOrderID = next.RepairOrderID
	}
	if next.PaidStatus != "" {
		out.PaidStatus = next.PaidStatus
	}
	out.JobsCreated = out.JobsCreated || next.JobsCreated
	out.Archived = out.Archived || next.Archived
	out.Cancelled = out.Cancelled || next.Cancelled
	return out
}

// StoredSnapshot is the last merged status of one entity as a hub
// store keeps it.
type StoredSnapshot struct {
	Snapshot  StatusSnapshot `json:"snapshot"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Sequence  int64          `json:"sequence,omitempty"`
}

// StatusPatch is a locally-applied change. Nil fields are untouched.
type StatusPatch struct {
	Status      *string
	AssigneeID  *string
	PaidStatus  *string
	JobsCreated *bool
	Archived    *bool
	Cancelled   *bool
}

// PatchStatus is the common case of an optimistic status move.
func PatchStatus(status string) StatusPatch {
	return StatusPatch{Status: &status}
}

// PatchAssignee moves an entity to a technician optimistically.
func PatchAssignee(technicianID, status string) StatusPatch {
	return StatusPatch{AssigneeID: &technicianID, Status: &status}
}

// Apply returns s with the patch fields applied.
func (p StatusPatch) Apply(s StatusSnapshot) StatusSnapshot {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.AssigneeID != nil {
		s.AssigneeID = *p.AssigneeID
	}
	if p.PaidStatus != nil {
		s.PaidStatus = *p.PaidStatus
	}
	if p.JobsCreated != nil {
		s.JobsCreated = *p.JobsCreated
	}
	if p.Archived != nil {
		s.Archived = *p.Archived
	}
	if p.Cancelled != nil {
		s.Cancelled = *p.Cancelled
	}
	return s
}

// Then composes two patches; fields set in next win.
func (p StatusPatch) Then(next StatusPatch) StatusPatch {
	out := p
	if next.Status != nil {
		out.Status = next.Status
	}
	if next.AssigneeID != nil {
		out.AssigneeID = next.AssigneeID
	}
	if next.PaidStatus != nil {
		out.PaidStatus = next.PaidStatus
	}
	if next.JobsCreated != nil {
		out.JobsCreated = next.JobsCreated
	}
	if next.Archived != nil {
		out.Archived = next.Archived
	}
	if next.Cancelled != nil {
		out.Cancelled = next.Cancelled
	}
	return out
}

// OptimisticPatch is a pending, not yet confirmed local change.
type OptimisticPatch struct {
	ActionIDs []uuid.UUID
	Patch     StatusPatch
	AppliedAt time.Time
	Deadline  time.Time
}

// EntityProjection is the locally held best-known state of one entity.
type EntityProjection struct {
	Ref                 EntityRef
	Server              StatusSnapshot
	LastServerTimestamp time.Time
	LastSequence        int64
	Pending             *OptimisticPatch
}

// View is what the UI renders: the server state with any pending
// optimistic patch on top.
func (p EntityProjection) View() StatusSnapshot {
	if p.Pending == nil {
		return p.Server
	}
	return p.Pending.Patch.Apply(p.Server)
}

// HasServerState reports whether any server-confirmed state was applied.
func (p EntityProjection) HasServerState() bool {
	return !p.LastServerTimestamp.IsZero()
}

// IsAssignedTo reports whether the rendered state has the entity with
// the given technician in an active assignment.
func (p EntityProjection) IsAssignedTo(technicianID string) bool {
	v := p.View()
	if technicianID == "" || v.AssigneeID != technicianID {
		return false
	}
	return !IsTerminal(p.Ref.Kind, v)
}

// FetchedSnapshot is a REST read of one entity.
type FetchedSnapshot struct {
	Snapshot StatusSnapshot
	AsOf     time.Time
}

// ActionFailure is surfaced when an optimistic change is rolled back.
type ActionFailure struct {
	ActionID uuid.UUID
	Ref      EntityRef
	Patch    StatusPatch
	Err      error
	At       time.Time
}
