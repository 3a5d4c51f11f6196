package domain

import (
	"errors"
	"strings"
)

var ErrInvalidGroupKey = errors.New("invalid group key")

// GroupKind is the scope of a server-side broadcast group.
type GroupKind string

const (
	GroupUser        GroupKind = "user"
	GroupTechnician  GroupKind = "technician"
	GroupQuotation   GroupKind = "quotation"
	GroupRepairOrder GroupKind = "repairOrder"
	GroupJob         GroupKind = "job"
	GroupManagers    GroupKind = "managers"
)

var wirePrefixes = map[GroupKind]string{
	GroupUser:        "User_",
	GroupTechnician:  "Technician_",
	GroupQuotation:   "Quotation_",
	GroupRepairOrder: "RepairOrder_",
	GroupJob:         "Job_",
}

// GroupKey identifies one group. Managers is the only kind without an id.
type GroupKey struct {
	Kind GroupKind
	ID   string
}

func UserGroup(id string) GroupKey        { return GroupKey{Kind: GroupUser, ID: id} }
func TechnicianGroup(id string) GroupKey  { return GroupKey{Kind: GroupTechnician, ID: id} }
func QuotationGroup(id string) GroupKey   { return GroupKey{Kind: GroupQuotation, ID: id} }
func RepairOrderGroup(id string) GroupKey { return GroupKey{Kind: GroupRepairOrder, ID: id} }
func JobGroup(id string) GroupKey         { return GroupKey{Kind: GroupJob, ID: id} }
func ManagersGroup() GroupKey             { return GroupKey{Kind: GroupManagers} }

// String renders the key as "kind:id", or "managers".
func (k GroupKey) String() string {
	if k.Kind == GroupManagers {
		return string(GroupManagers)
	}
	return string(k.Kind) + ":" + k.ID
}

// WireName is the group name the hub understands, e.g. "Technician_42".
func (k GroupKey) WireName() string {
	if k.Kind == GroupManagers {
		return "Managers"
	}
	return wirePrefixes[k.Kind] + k.ID
}

// Validate checks the key has a known kind and, where required, an id.
func (k GroupKey) Validate() error {
	if k.Kind == GroupManagers {
		if k.ID != "" {
			return ErrInvalidGroupKey
		}
		return nil
	}
	if _, ok := wirePrefixes[k.Kind]; !ok || strings.TrimSpace(k.ID) == "" {
		return ErrInvalidGroupKey
	}
	return nil
}

// ParseGroupKey parses the "kind:id" form produced by String.
func ParseGroupKey(s string) (GroupKey, error) {
	if s == string(GroupManagers) {
		return ManagersGroup(), nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return GroupKey{}, ErrInvalidGroupKey
	}
	key := GroupKey{Kind: GroupKind(kind), ID: id}
	if err := key.Validate(); err != nil {
		return GroupKey{}, err
	}
	return key, nil
}

// ParseWireGroup parses a hub group name such as "Quotation_12".
func ParseWireGroup(name string) (GroupKey, error) {
	if name == "Managers" {
		return ManagersGroup(), nil
	}
	for kind, prefix := range wirePrefixes {
		if id, ok := strings.CutPrefix(name, prefix); ok && id != "" {
			return GroupKey{Kind: kind, ID: id}, nil
		}
	}
	return GroupKey{}, ErrInvalidGroupKey
}
