package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/lorrc/workshop-sync/internal/metrics"
)

// GroupChannel is the part of a connection membership needs.
type GroupChannel interface {
	Descriptor() domain.ChannelDescriptor
	State() domain.ConnectionState
	Invoke(ctx context.Context, method string, args ...any) error
}

// ChannelResolver finds the connection serving a domain.
type ChannelResolver func(d domain.Domain) (GroupChannel, bool)

// ReplayReport summarizes one membership replay.
type ReplayReport struct {
	Domain     domain.Domain
	Joined     []domain.GroupKey
	Failed     map[domain.GroupKey]error
	Skipped    bool // another replay was already running
	Incomplete bool // the channel dropped mid-replay
}

type domainGroups struct {
	order     []domain.GroupKey
	refs      map[domain.GroupKey]int
	replaying bool
}

// MembershipManager reference-counts group subscriptions per domain.
// Upstream join and leave calls are made only on the 0->1 and 1->0
// edges; everything referenced is re-joined after a reconnect.
type MembershipManager struct {
	resolve ChannelResolver
	logger  *slog.Logger

	mu      sync.Mutex
	domains map[domain.Domain]*domainGroups
}

func NewMembershipManager(resolve ChannelResolver, logger *slog.Logger) *MembershipManager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MembershipManager{
		resolve: resolve,
		logger:  logger,
		domains: make(map[domain.Domain]*domainGroups),
	}
}

func (m *MembershipManager) groupsFor(d domain.Domain) *domainGroups {
	g, ok := m.domains[d]
	if !ok {
		g = &domainGroups{refs: make(map[domain.GroupKey]int)}
		m.domains[d] = g
	}
	return g
}

// Join adds a reference to key. Only the first reference is sent
// upstream, and only when the channel is connected; otherwise the join
// is sent by the next replay. A failed upstream join keeps the
// reference so the replay retries it.
func (m *MembershipManager) Join(ctx context.Context, d domain.Domain, key domain.GroupKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	g := m.groupsFor(d)
	g.refs[key]++
	first := g.refs[key] == 1
	if first {
		g.order = append(g.order, key)
	}
	metrics.GroupsActive.WithLabelValues(d.String()).Set(float64(len(g.order)))
	m.mu.Unlock()

	if !first {
		return nil
	}

	ch, ok := m.resolve(d)
	if !ok {
		return &apperrors.SyncError{Err: apperrors.ErrDomainNotRegistered, Domain: d.String()}
	}
	if ch.State() != domain.StateConnected {
		m.logger.DebugContext(ctx, "join deferred until connected", "domain", d.String(), "group", key.String())
		return nil
	}

	err := ch.Invoke(ctx, ch.Descriptor().JoinMethod, key.WireName())
	metrics.RecordJoin(d.String(), err)
	if err != nil {
		m.logger.WarnContext(ctx, "group join failed", "domain", d.String(), "group", key.String(), "error", err)
		return apperrors.NewGroupJoinError(d.String(), key.WireName(), err)
	}
	return nil
}

// Leave drops one reference. The upstream leave is sent when the last
// reference goes; leaving an unreferenced key does nothing.
func (m *MembershipManager) Leave(ctx context.Context, d domain.Domain, key domain.GroupKey) error {
	m.mu.Lock()
	g := m.groupsFor(d)
	count, ok := g.refs[key]
	if !ok || count == 0 {
		m.mu.Unlock()
		return nil
	}
	if count > 1 {
		g.refs[key] = count - 1
		m.mu.Unlock()
		return nil
	}
	delete(g.refs, key)
	for i, k := range g.order {
		if k == key {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			break
		}
	}
	metrics.GroupsActive.WithLabelValues(d.String()).Set(float64(len(g.order)))
	m.mu.Unlock()

	ch, ok := m.resolve(d)
	if !ok || ch.State() != domain.StateConnected {
		return nil
	}
	if err := ch.Invoke(ctx, ch.Descriptor().LeaveMethod, key.WireName()); err != nil {
		// Not retried: the server forgets memberships on reconnect.
		m.logger.WarnContext(ctx, "group leave failed", "domain", d.String(), "group", key.String(), "error", err)
		return err
	}
	return nil
}

// OnReconnected re-joins every referenced group of the domain in the
// order they were first joined. Rejected groups are logged and kept.
func (m *MembershipManager) OnReconnected(ctx context.Context, d domain.Domain) ReplayReport {
	report := ReplayReport{Domain: d, Failed: make(map[domain.GroupKey]error)}

	m.mu.Lock()
	g := m.groupsFor(d)
	if g.replaying {
		m.mu.Unlock()
		report.Skipped = true
		return report
	}
	g.replaying = true
	keys := make([]domain.GroupKey, len(g.order))
	copy(keys, g.order)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		g.replaying = false
		m.mu.Unlock()
	}()

	if len(keys) == 0 {
		return report
	}

	ch, ok := m.resolve(d)
	if !ok {
		report.Incomplete = true
		return report
	}

	for _, key := range keys {
		if !m.referenced(d, key) {
			continue
		}
		if ch.State() != domain.StateConnected {
			report.Incomplete = true
			break
		}
		err := ch.Invoke(ctx, ch.Descriptor().JoinMethod, key.WireName())
		metrics.RecordJoin(d.String(), err)
		if err != nil {
			m.logger.WarnContext(ctx, "group rejoin failed", "domain", d.String(), "group", key.String(), "error", err)
			report.Failed[key] = err
			continue
		}
		report.Joined = append(report.Joined, key)
	}

	m.logger.InfoContext(ctx, "group membership replayed",
		"domain", d.String(),
		"joined", len(report.Joined),
		"failed", len(report.Failed),
	)
	return report
}

func (m *MembershipManager) referenced(d domain.Domain, key domain.GroupKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupsFor(d).refs[key] > 0
}

// Groups returns the referenced groups of a domain in join order.
func (m *MembershipManager) Groups(d domain.Domain) []domain.GroupKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.groupsFor(d)
	out := make([]domain.GroupKey, len(g.order))
	copy(out, g.order)
	return out
}

// RefCount returns how many contexts reference key.
func (m *MembershipManager) RefCount(d domain.Domain, key domain.GroupKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupsFor(d).refs[key]
}
