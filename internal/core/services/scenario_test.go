package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/lorrc/workshop-sync/internal/core/domain"
	"github.com/lorrc/workshop-sync/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A job moves from technician A to technician B while A holds an
// unconfirmed local change. Both clients converge on the server's
// final assignment.
func TestScenario_JobReassignment(t *testing.T) {
	netA, netB := newHubNet(), newHubNet()
	engineA, engineB := newTestEngine(t, netA), newTestEngine(t, netB)
	job := domain.JobRef("J1")

	uiA, err := engineA.Mount(context.Background(), services.TechnicianSurface(services.SurfaceParams{
		TechnicianID: "A", Entities: []domain.EntityRef{job},
	}))
	require.NoError(t, err)
	defer uiA.Close()
	uiB, err := engineB.Mount(context.Background(), services.TechnicianSurface(services.SurfaceParams{
		TechnicianID: "B", Entities: []domain.EntityRef{job},
	}))
	require.NoError(t, err)
	defer uiB.Close()
	waitConnected(t, engineA, domain.DomainTechnicianAssignment, domain.DomainJob)
	waitConnected(t, engineB, domain.DomainTechnicianAssignment)

	assigned := event(domain.DomainTechnicianAssignment, domain.EventJobAssigned, "J1", t0, status{"technicianId": "A"})
	netA.push(t, assigned)
	netB.push(t, assigned)
	require.Eventually(t, func() bool {
		p, _ := uiA.Projection(job)
		return p.IsAssignedTo("A")
	}, waitFor, tick)

	// A starts work locally before the reassignment reaches them.
	_, err = uiA.ApplyOptimistic(job, domain.PatchStatus(domain.JobInProgress))
	require.NoError(t, err)
	p, _ := uiA.Projection(job)
	require.True(t, p.IsAssignedTo("A"))

	reassigned := event(domain.DomainTechnicianAssignment, domain.EventJobReassigned, "J1", t0.Add(time.Minute),
		status{"technicianId": "B", "previousTechnicianId": "A"})
	netA.push(t, reassigned)
	netB.push(t, reassigned)

	require.Eventually(t, func() bool {
		p, _ := uiA.Projection(job)
		return !p.IsAssignedTo("A") && p.Pending == nil
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		p, _ := uiB.Projection(job)
		return p.IsAssignedTo("B")
	}, waitFor, tick)

	pa, _ := uiA.Projection(job)
	pb, _ := uiB.Projection(job)
	assert.Equal(t, pb.Server, pa.Server)
	assert.Equal(t, domain.JobAssigned, pa.View().Status)
	assert.Equal(t, "A", pa.View().PreviousAssigneeID)

	// The original assignment arriving late on A's job channel is stale.
	netA.push(t, event(domain.DomainJob, domain.EventJobAssigned, "J1", t0, status{"technicianId": "A"}))
	assert.Never(t, func() bool {
		p, _ := uiA.Projection(job)
		return p.IsAssignedTo("A")
	}, 50*time.Millisecond, tick)
}

// A customer approves a quotation; the manager sees the status change,
// starts tracking the job created from it, and receives its assignment.
// Quotation events never touch job projections.
func TestScenario_QuotationApprovalCreatesJob(t *testing.T) {
	net := newHubNet()
	e := newTestEngine(t, net)
	quotation := domain.QuotationRef("Q1")
	job := domain.JobRef("J7")

	var manager *services.UIContext
	spec := services.ManagerSurface(services.SurfaceParams{Entities: []domain.EntityRef{quotation}})
	spec.Handlers = []services.HandlerRef{{
		Domain:    domain.DomainQuotation,
		EventType: domain.EventQuotationStatusUpdated,
		Handler: func(evt domain.InboundEvent) error {
			snap, err := evt.Snapshot()
			if err != nil {
				return err
			}
			if snap.JobsCreated {
				manager.Track(job)
			}
			return nil
		},
	}}

	var err error
	manager, err = e.Mount(context.Background(), spec)
	require.NoError(t, err)
	defer manager.Close()
	waitConnected(t, e, domain.DomainQuotation, domain.DomainJob)

	net.push(t, event(domain.DomainQuotation, domain.EventQuotationStatusUpdated, "Q1", t0, status{"status": domain.QuotationSent}))
	net.push(t, event(domain.DomainQuotation, domain.EventQuotationCustomerResponse, "Q1", t0.Add(time.Minute), status{"status": domain.QuotationApproved}))
	require.Eventually(t, func() bool {
		p, _ := manager.Projection(quotation)
		return p.Server.Status == domain.QuotationApproved
	}, waitFor, tick)

	_, tracked := manager.Projection(job)
	assert.False(t, tracked, "no job exists before the server creates it")

	net.push(t, event(domain.DomainQuotation, domain.EventQuotationStatusUpdated, "Q1", t0.Add(2*time.Minute),
		status{"status": domain.QuotationApproved, "jobsCreated": true}))
	require.Eventually(t, func() bool {
		_, ok := manager.Projection(job)
		return ok
	}, waitFor, tick)

	p, _ := manager.Projection(job)
	assert.False(t, p.HasServerState(), "quotation events do not write job projections")

	net.push(t, event(domain.DomainJob, domain.EventJobAssigned, "J7", t0.Add(3*time.Minute), status{"technicianId": "T3"}))
	require.Eventually(t, func() bool {
		p, _ := manager.Projection(job)
		return p.IsAssignedTo("T3")
	}, waitFor, tick)

	q, _ := manager.Projection(quotation)
	assert.True(t, q.Server.JobsCreated)
	assert.Equal(t, domain.QuotationApproved, q.View().Status)
}
