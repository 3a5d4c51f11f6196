package domain

import "strings"

// Domain is one independently-connected real-time topic area.
type Domain string

const (
	DomainJob                  Domain = "job"
	DomainQuotation            Domain = "quotation"
	DomainRepairOrder          Domain = "repairOrder"
	DomainTechnicianAssignment Domain = "technicianAssignment"
	DomainPayment              Domain = "payment"
	DomainPresence             Domain = "presence"
	DomainPermissionChange     Domain = "permissionChange"
	DomainInspection           Domain = "inspection"
)

// AllDomains lists every domain in a stable order.
func AllDomains() []Domain {
	return []Domain{
		DomainJob,
		DomainQuotation,
		DomainRepairOrder,
		DomainTechnicianAssignment,
		DomainPayment,
		DomainPresence,
		DomainPermissionChange,
		DomainInspection,
	}
}

// ParseDomain accepts the canonical name case-insensitively.
func ParseDomain(s string) (Domain, bool) {
	for _, d := range AllDomains() {
		if strings.EqualFold(string(d), s) {
			return d, true
		}
	}
	return "", false
}

func (d Domain) String() string { return string(d) }

// TokenSource yields the bearer credential for a connection attempt.
// It is consulted on every attempt and never cached by the engine.
type TokenSource interface {
	Token() (string, bool)
}

// Hub methods used for group membership unless a descriptor overrides them.
const (
	DefaultJoinMethod  = "JoinGroup"
	DefaultLeaveMethod = "LeaveGroup"
)

// ChannelDescriptor describes one domain's push endpoint. Immutable.
type ChannelDescriptor struct {
	Domain       Domain
	EndpointPath string
	JoinMethod   string
	LeaveMethod  string
	Tokens       TokenSource
}

// DefaultEndpointPath returns the hub path used when no override is
// configured.
func DefaultEndpointPath(d Domain) string {
	return "/hubs/" + string(d)
}

// NewChannelDescriptor builds a descriptor with default hub methods.
func NewChannelDescriptor(d Domain, endpointPath string, tokens TokenSource) ChannelDescriptor {
	if endpointPath == "" {
		endpointPath = DefaultEndpointPath(d)
	}
	return ChannelDescriptor{
		Domain:       d,
		EndpointPath: endpointPath,
		JoinMethod:   DefaultJoinMethod,
		LeaveMethod:  DefaultLeaveMethod,
		Tokens:       tokens,
	}
}

// DefaultDescriptors returns one descriptor per domain, all sharing the
// same token source.
func DefaultDescriptors(tokens TokenSource) []ChannelDescriptor {
	descriptors := make([]ChannelDescriptor, 0, len(AllDomains()))
	for _, d := range AllDomains() {
		descriptors = append(descriptors, NewChannelDescriptor(d, "", tokens))
	}
	return descriptors
}
