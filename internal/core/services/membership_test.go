package services_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipManager_RefCounting(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel(domain.DomainTechnicianAssignment)
	m := services.NewMembershipManager(resolverFor(ch), nil)
	key := domain.TechnicianGroup("42")

	require.NoError(t, m.Join(ctx, domain.DomainTechnicianAssignment, key))
	require.NoError(t, m.Join(ctx, domain.DomainTechnicianAssignment, key))
	assert.Equal(t, 2, m.RefCount(domain.DomainTechnicianAssignment, key))
	assert.Equal(t, []invocation{{Method: "JoinGroup", Group: "Technician_42"}}, ch.invocations())

	require.NoError(t, m.Leave(ctx, domain.DomainTechnicianAssignment, key))
	assert.Len(t, ch.invocations(), 1, "leave with a remaining reference stays local")

	require.NoError(t, m.Leave(ctx, domain.DomainTechnicianAssignment, key))
	assert.Equal(t, invocation{Method: "LeaveGroup", Group: "Technician_42"}, ch.invocations()[1])
	assert.Equal(t, 0, m.RefCount(domain.DomainTechnicianAssignment, key))

	require.NoError(t, m.Leave(ctx, domain.DomainTechnicianAssignment, key))
	assert.Len(t, ch.invocations(), 2, "leaving an unreferenced group is a no-op")
}

func TestMembershipManager_JoinValidation(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel(domain.DomainJob)
	m := services.NewMembershipManager(resolverFor(ch), nil)

	tests := []struct {
		name    string
		domain  domain.Domain
		key     domain.GroupKey
		wantErr error
	}{
		{name: "missing id", domain: domain.DomainJob, key: domain.TechnicianGroup(""), wantErr: domain.ErrInvalidGroupKey},
		{name: "unknown kind", domain: domain.DomainJob, key: domain.GroupKey{Kind: "branch", ID: "1"}, wantErr: domain.ErrInvalidGroupKey},
		{name: "unregistered domain", domain: domain.DomainPayment, key: domain.ManagersGroup(), wantErr: apperrors.ErrDomainNotRegistered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Join(ctx, tt.domain, tt.key)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, ch.invocations())
}

func TestMembershipManager_RejectedJoinIsKeptForReplay(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel(domain.DomainQuotation)
	ch.reject["Quotation_9"] = errors.New("forbidden")
	m := services.NewMembershipManager(resolverFor(ch), nil)

	err := m.Join(ctx, domain.DomainQuotation, domain.QuotationGroup("9"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrGroupJoinRejected)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, []domain.GroupKey{domain.QuotationGroup("9")}, m.Groups(domain.DomainQuotation))
}

func TestMembershipManager_DeferredJoinWhileOffline(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel(domain.DomainJob)
	ch.setState(domain.StateReconnecting)
	m := services.NewMembershipManager(resolverFor(ch), nil)

	require.NoError(t, m.Join(ctx, domain.DomainJob, domain.ManagersGroup()))
	assert.Empty(t, ch.invocations())

	ch.setState(domain.StateConnected)
	report := m.OnReconnected(ctx, domain.DomainJob)

	assert.Equal(t, []domain.GroupKey{domain.ManagersGroup()}, report.Joined)
	assert.Equal(t, []invocation{{Method: "JoinGroup", Group: "Managers"}}, ch.invocations())
}

func TestMembershipManager_ReplayOrderAndFailures(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel(domain.DomainQuotation)
	m := services.NewMembershipManager(resolverFor(ch), nil)

	keys := []domain.GroupKey{
		domain.UserGroup("u1"),
		domain.QuotationGroup("10"),
		domain.QuotationGroup("11"),
	}
	for _, k := range keys {
		require.NoError(t, m.Join(ctx, domain.DomainQuotation, k))
	}

	// The server lost the groups; one of them is now forbidden.
	ch.reject["Quotation_10"] = errors.New("forbidden")
	before := len(ch.invocations())
	report := m.OnReconnected(ctx, domain.DomainQuotation)

	var replayed []string
	for _, c := range ch.invocations()[before:] {
		replayed = append(replayed, c.Group)
	}
	assert.Equal(t, []string{"User_u1", "Quotation_10", "Quotation_11"}, replayed)
	assert.Equal(t, []domain.GroupKey{domain.UserGroup("u1"), domain.QuotationGroup("11")}, report.Joined)
	require.Contains(t, report.Failed, domain.QuotationGroup("10"))
	assert.False(t, report.Incomplete)
	assert.Equal(t, keys, m.Groups(domain.DomainQuotation), "rejected groups stay referenced")
}

func TestMembershipManager_ReplaySkipsGroupsLeftMidReplay(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel(domain.DomainRepairOrder)
	m := services.NewMembershipManager(resolverFor(ch), nil)

	require.NoError(t, m.Join(ctx, domain.DomainRepairOrder, domain.RepairOrderGroup("1")))
	require.NoError(t, m.Join(ctx, domain.DomainRepairOrder, domain.RepairOrderGroup("2")))

	ch.mu.Lock()
	ch.hook = func(call invocation) {
		if call.Method == "JoinGroup" && call.Group == "RepairOrder_1" {
			_ = m.Leave(ctx, domain.DomainRepairOrder, domain.RepairOrderGroup("2"))
		}
	}
	ch.mu.Unlock()

	report := m.OnReconnected(ctx, domain.DomainRepairOrder)
	assert.Equal(t, []domain.GroupKey{domain.RepairOrderGroup("1")}, report.Joined)
	assert.Equal(t, []domain.GroupKey{domain.RepairOrderGroup("1")}, m.Groups(domain.DomainRepairOrder))
}

func TestMembershipManager_ReplayStopsWhenChannelDrops(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel(domain.DomainJob)
	m := services.NewMembershipManager(resolverFor(ch), nil)

	require.NoError(t, m.Join(ctx, domain.DomainJob, domain.ManagersGroup()))
	require.NoError(t, m.Join(ctx, domain.DomainJob, domain.JobGroup("5")))

	ch.mu.Lock()
	ch.hook = func(call invocation) {
		if call.Group == "Managers" {
			ch.setState(domain.StateReconnecting)
		}
	}
	ch.mu.Unlock()

	report := m.OnReconnected(ctx, domain.DomainJob)
	assert.True(t, report.Incomplete)
	assert.Equal(t, []domain.GroupKey{domain.ManagersGroup()}, report.Joined)
}

func TestMembershipManager_ConcurrentReplayIsSkipped(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel(domain.DomainJob)
	m := services.NewMembershipManager(resolverFor(ch), nil)
	require.NoError(t, m.Join(ctx, domain.DomainJob, domain.ManagersGroup()))

	entered := make(chan struct{})
	release := make(chan struct{})
	ch.mu.Lock()
	ch.hook = func(invocation) {
		close(entered)
		<-release
	}
	ch.mu.Unlock()

	first := make(chan services.ReplayReport, 1)
	go func() { first <- m.OnReconnected(ctx, domain.DomainJob) }()
	<-entered

	second := m.OnReconnected(ctx, domain.DomainJob)
	assert.True(t, second.Skipped)

	close(release)
	select {
	case report := <-first:
		assert.False(t, report.Skipped)
		assert.Len(t, report.Joined, 1)
	case <-time.After(waitFor):
		t.Fatal("replay did not finish")
	}
}

// Any sequence of joins and leaves followed by a reconnect re-joins
// exactly the groups still referenced, in first-join order.
func TestMembershipManager_ReplayCompleteness(t *testing.T) {
	ctx := context.Background()
	pool := []domain.GroupKey{
		domain.ManagersGroup(),
		domain.UserGroup("u1"),
		domain.TechnicianGroup("7"),
		domain.JobGroup("100"),
		domain.JobGroup("101"),
	}
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		ch := newFakeChannel(domain.DomainJob)
		m := services.NewMembershipManager(resolverFor(ch), nil)

		refs := make(map[domain.GroupKey]int)
		var order []domain.GroupKey
		for op := 0; op < 40; op++ {
			key := pool[rng.Intn(len(pool))]
			if rng.Intn(2) == 0 {
				require.NoError(t, m.Join(ctx, domain.DomainJob, key))
				refs[key]++
				if refs[key] == 1 {
					order = append(order, key)
				}
				continue
			}
			require.NoError(t, m.Leave(ctx, domain.DomainJob, key))
			if refs[key] > 0 {
				refs[key]--
				if refs[key] == 0 {
					for i, k := range order {
						if k == key {
							order = append(order[:i:i], order[i+1:]...)
							break
						}
					}
				}
			}
		}

		report := m.OnReconnected(ctx, domain.DomainJob)
		if len(order) == 0 {
			assert.Empty(t, report.Joined, "run %d", run)
			continue
		}
		assert.Equal(t, order, report.Joined, "run %d", run)
		for _, k := range order {
			assert.Equal(t, refs[k], m.RefCount(domain.DomainJob, k), "run %d key %s", run, k)
		}
	}
}
