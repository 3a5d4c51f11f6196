package services

import (
	"slices"

	"github.com/lorrc/workshop-sync/internal/core/domain"
)

// Surface names accepted by SurfaceSpec.
const (
	SurfaceManager    = "manager"
	SurfaceTechnician = "technician"
	SurfaceCustomer   = "customer"
)

// SurfaceParams identifies who a surface is mounted for.
type SurfaceParams struct {
	UserID         string
	TechnicianID   string
	QuotationIDs   []string
	RepairOrderIDs []string
	Entities       []domain.EntityRef
}

// ManagerSurface listens to every branch-wide broadcast.
func ManagerSurface(p SurfaceParams) ContextSpec {
	spec := ContextSpec{Name: SurfaceManager, Entities: slices.Clone(p.Entities)}
	for _, d := range []domain.Domain{
		domain.DomainJob,
		domain.DomainQuotation,
		domain.DomainRepairOrder,
		domain.DomainTechnicianAssignment,
		domain.DomainPayment,
		domain.DomainInspection,
	} {
		spec.Groups = append(spec.Groups, GroupRef{Domain: d, Key: domain.ManagersGroup()})
	}
	spec.Channels = []domain.Domain{domain.DomainPresence}
	return withUserGroup(spec, p.UserID)
}

// TechnicianSurface follows the work assigned to one technician.
func TechnicianSurface(p SurfaceParams) ContextSpec {
	spec := ContextSpec{Name: SurfaceTechnician, Entities: slices.Clone(p.Entities)}
	for _, d := range []domain.Domain{
		domain.DomainJob,
		domain.DomainTechnicianAssignment,
		domain.DomainInspection,
	} {
		spec.Groups = append(spec.Groups, GroupRef{Domain: d, Key: domain.TechnicianGroup(p.TechnicianID)})
	}
	return withUserGroup(spec, p.UserID)
}

// CustomerSurface follows a customer's own quotations and repair orders.
func CustomerSurface(p SurfaceParams) ContextSpec {
	spec := ContextSpec{Name: SurfaceCustomer, Entities: slices.Clone(p.Entities)}
	if p.UserID != "" {
		for _, d := range []domain.Domain{domain.DomainQuotation, domain.DomainRepairOrder, domain.DomainPayment} {
			spec.Groups = append(spec.Groups, GroupRef{Domain: d, Key: domain.UserGroup(p.UserID)})
		}
	}
	for _, id := range p.QuotationIDs {
		spec.Groups = append(spec.Groups, GroupRef{Domain: domain.DomainQuotation, Key: domain.QuotationGroup(id)})
		spec.Entities = append(spec.Entities, domain.QuotationRef(id))
	}
	for _, id := range p.RepairOrderIDs {
		spec.Groups = append(spec.Groups, GroupRef{Domain: domain.DomainRepairOrder, Key: domain.RepairOrderGroup(id)})
		spec.Entities = append(spec.Entities, domain.RepairOrderRef(id))
	}
	return withUserGroup(spec, p.UserID)
}

// SurfaceSpec builds the preset for a surface name.
func SurfaceSpec(name string, p SurfaceParams) (ContextSpec, bool) {
	switch name {
	case SurfaceManager:
		return ManagerSurface(p), true
	case SurfaceTechnician:
		return TechnicianSurface(p), true
	case SurfaceCustomer:
		return CustomerSurface(p), true
	default:
		return ContextSpec{}, false
	}
}

// withUserGroup joins the user's own group on the permission channel.
func withUserGroup(spec ContextSpec, userID string) ContextSpec {
	if userID == "" {
		return spec
	}
	spec.Groups = append(spec.Groups, GroupRef{Domain: domain.DomainPermissionChange, Key: domain.UserGroup(userID)})
	return spec
}
