package domain

// Status values carried by server snapshots. Repair orders use opaque
// OrderStatus ids instead and are not listed here.
const (
	JobPending    = "Pending"
	JobAssigned   = "Assigned"
	JobInProgress = "InProgress"
	JobCompleted  = "Completed"
	JobOnHold     = "OnHold"

	InspectionNew        = "New"
	InspectionPending    = "Pending"
	InspectionInProgress = "InProgress"
	InspectionCompleted  = "Completed"
	InspectionCancelled  = "Cancelled"

	QuotationPending  = "Pending"
	QuotationSent     = "Sent"
	QuotationApproved = "Approved"
	QuotationRejected = "Rejected"
	QuotationExpired  = "Expired"

	PaymentUnpaid    = "Unpaid"
	PaymentPaid      = "Paid"
	PaymentCancelled = "Cancelled"
	PaymentFailed    = "Failed"
)

var transitions = map[EntityKind]map[string][]string{
	KindJob: {
		JobPending:    {JobAssigned},
		JobAssigned:   {JobInProgress},
		JobInProgress: {JobCompleted, JobOnHold},
		JobOnHold:     {JobInProgress},
	},
	KindInspection: {
		InspectionNew:        {InspectionPending},
		InspectionPending:    {InspectionInProgress},
		InspectionInProgress: {InspectionCompleted, InspectionCancelled},
	},
	KindQuotation: {
		QuotationPending: {QuotationSent},
		QuotationSent:    {QuotationApproved, QuotationRejected, QuotationExpired},
	},
	KindPayment: {
		PaymentUnpaid: {PaymentPaid, PaymentCancelled, PaymentFailed},
	},
}

var terminal = map[EntityKind]map[string]bool{
	KindJob:        {JobCompleted: true},
	KindInspection: {InspectionCompleted: true, InspectionCancelled: true},
	KindQuotation:  {QuotationApproved: true, QuotationRejected: true, QuotationExpired: true},
	KindPayment:    {PaymentPaid: true, PaymentCancelled: true, PaymentFailed: true},
}

// CanTransition reports whether the server state machine lists a move
// from one status to another. Staying put and moving out of an unknown
// (empty) status are always allowed. Repair order ids are opaque, so any
// move is allowed until the order is archived or cancelled.
func CanTransition(kind EntityKind, from, to StatusSnapshot) bool {
	if kind == KindRepairOrder {
		return !(from.Archived || from.Cancelled) || from == to
	}
	if from.Status == "" || from.Status == to.Status {
		return true
	}
	machine, ok := transitions[kind]
	if !ok {
		return true
	}
	for _, next := range machine[from.Status] {
		if next == to.Status {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further status change is expected.
func IsTerminal(kind EntityKind, s StatusSnapshot) bool {
	if kind == KindRepairOrder {
		return s.Archived || s.Cancelled
	}
	return terminal[kind][s.Status]
}
