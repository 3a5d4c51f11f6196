package services

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/workshop-sync/internal/clock"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/lorrc/workshop-sync/internal/metrics"
)

// Outcome is the result of offering a server event to the reconciler.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeStale
	OutcomeDuplicate
	OutcomeUntracked
	OutcomeMalformed
	OutcomeNoProjection
	OutcomeAbsorbed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeUntracked:
		return "untracked"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeNoProjection:
		return "no_projection"
	case OutcomeAbsorbed:
		return "absorbed"
	default:
		return "unknown"
	}
}

// Delivered reports whether subscribers should see the event.
// OutcomeAbsorbed changed nothing in the projection but is the first copy
// of the event on its domain.
func (o Outcome) Delivered() bool {
	switch o {
	case OutcomeApplied, OutcomeUntracked, OutcomeNoProjection, OutcomeAbsorbed:
		return true
	default:
		return false
	}
}

const DefaultOptimisticWindow = 10 * time.Second

type projectionEntry struct {
	proj  domain.EntityProjection
	refs  int
	timer *clock.Timer
	epoch uint64

	// delivered is the newest event handed to subscribers per domain.
	delivered map[domain.Domain]deliveryMark
}

type deliveryMark struct {
	at  time.Time
	seq int64
}

// freshFor reports whether evt is newer than anything delivered on its
// domain for this entity.
func (e *projectionEntry) freshFor(evt domain.InboundEvent) bool {
	mark, ok := e.delivered[evt.Domain]
	if !ok || evt.ServerTimestamp.After(mark.at) {
		return true
	}
	return evt.ServerTimestamp.Equal(mark.at) && evt.Sequence > 0 && mark.seq > 0 && evt.Sequence > mark.seq
}

func (e *projectionEntry) markDelivered(evt domain.InboundEvent) {
	if e.delivered == nil {
		e.delivered = make(map[domain.Domain]deliveryMark)
	}
	e.delivered[evt.Domain] = deliveryMark{at: evt.ServerTimestamp, seq: evt.Sequence}
}

// Reconciler holds the projections of every tracked entity and merges
// optimistic local changes with server-confirmed events. Server state
// never moves back to an earlier server timestamp.
type Reconciler struct {
	clock  clock.Clock
	window time.Duration
	sink   ports.FailureSink
	logger *slog.Logger

	mu      sync.Mutex
	entries map[domain.EntityRef]*projectionEntry
}

func NewReconciler(clk clock.Clock, window time.Duration, sink ports.FailureSink, logger *slog.Logger) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = DefaultOptimisticWindow
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reconciler{
		clock:   clk,
		window:  window,
		sink:    sink,
		logger:  logger,
		entries: make(map[domain.EntityRef]*projectionEntry),
	}
}

// Track adds a reference to ref, creating an empty projection on the
// first one.
func (r *Reconciler) Track(ref domain.EntityRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ref]
	if !ok {
		e = &projectionEntry{proj: domain.EntityProjection{Ref: ref}}
		r.entries[ref] = e
		metrics.ProjectionsTracked.Set(float64(len(r.entries)))
	}
	e.refs++
}

// Release drops a reference. The projection, and any pending
// optimistic change, is discarded with the last reference.
func (r *Reconciler) Release(ref domain.EntityRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ref]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	e.timer.Stop()
	e.epoch++
	delete(r.entries, ref)
	metrics.ProjectionsTracked.Set(float64(len(r.entries)))
}

// ApplyServerEvent merges a server event into its projection.
//
// Events older than the projection are stale. On an equal timestamp the
// higher sequence wins; with equal or missing sequences an event that
// changes nothing is a duplicate and one that does is applied. A
// duplicate seen for the first time on another domain is absorbed: the
// projection is untouched but that domain's subscribers still get it.
//
// Poll and hydrate events carry the whole entity and replace the server
// state. Push events overlay the fields they carry.
func (r *Reconciler) ApplyServerEvent(evt domain.InboundEvent) Outcome {
	ref, ok := evt.EntityRef()
	if !ok {
		return OutcomeNoProjection
	}
	snap, err := evt.Snapshot()
	if err != nil {
		r.logger.Warn("undecodable event payload", "entity", ref.String(), "event_type", string(evt.Type), "error", err)
		return OutcomeMalformed
	}
	if evt.ServerTimestamp.IsZero() {
		r.logger.Warn("event without server timestamp", "entity", ref.String(), "event_type", string(evt.Type))
		return OutcomeMalformed
	}

	r.mu.Lock()
	e, ok := r.entries[ref]
	if !ok {
		r.mu.Unlock()
		return OutcomeUntracked
	}

	p := &e.proj
	merged := p.Server.Merge(snap)
	if evt.Source.FullSnapshot() {
		merged = snap
	}
	if p.HasServerState() {
		switch {
		case evt.ServerTimestamp.Before(p.LastServerTimestamp):
			r.mu.Unlock()
			return OutcomeStale
		case evt.ServerTimestamp.Equal(p.LastServerTimestamp):
			if evt.Sequence > 0 && p.LastSequence > 0 && evt.Sequence < p.LastSequence {
				r.mu.Unlock()
				return OutcomeStale
			}
			newer := evt.Sequence > 0 && p.LastSequence > 0 && evt.Sequence > p.LastSequence
			if !newer && merged == p.Server {
				if e.freshFor(evt) {
					e.markDelivered(evt)
					r.mu.Unlock()
					return OutcomeAbsorbed
				}
				r.mu.Unlock()
				return OutcomeDuplicate
			}
		}
	}

	previous := p.Server
	hadState := p.HasServerState()
	p.Server = merged
	p.LastServerTimestamp = evt.ServerTimestamp
	p.LastSequence = evt.Sequence
	e.markDelivered(evt)
	if p.Pending != nil {
		p.Pending = nil
		e.timer.Stop()
		e.timer = nil
		e.epoch++
	}
	r.mu.Unlock()

	if hadState && !domain.CanTransition(ref.Kind, previous, merged) {
		r.logger.Warn("server reported an unlisted status transition",
			"entity", ref.String(),
			"from", previous.Status,
			"to", merged.Status,
			"event_type", string(evt.Type),
		)
	}
	return OutcomeApplied
}

// ApplyOptimistic records a local change to be shown until the server
// confirms or contradicts it. Unconfirmed changes are rolled back after
// the optimistic window and reported to the failure sink. A further
// change on the same entity restarts the window.
func (r *Reconciler) ApplyOptimistic(ref domain.EntityRef, patch domain.StatusPatch) (uuid.UUID, error) {
	id := uuid.New()
	now := r.clock.Now()

	r.mu.Lock()
	e, ok := r.entries[ref]
	if !ok {
		r.mu.Unlock()
		d, _ := domain.HomeDomain(ref.Kind)
		return uuid.Nil, &apperrors.SyncError{
			Err:     apperrors.ErrUntrackedEntity,
			Message: ref.String() + " is not tracked",
			Code:    "UNTRACKED_ENTITY",
			Domain:  d.String(),
		}
	}
	p := &e.proj
	if p.Pending == nil {
		p.Pending = &domain.OptimisticPatch{AppliedAt: now}
	}
	p.Pending.ActionIDs = append(p.Pending.ActionIDs, id)
	p.Pending.Patch = p.Pending.Patch.Then(patch)
	p.Pending.Deadline = now.Add(r.window)
	e.timer.Stop()
	e.epoch++
	epoch := e.epoch
	r.mu.Unlock()

	timer := r.clock.AfterFunc(r.window, func() { r.expire(ref, epoch) })

	r.mu.Lock()
	if current, ok := r.entries[ref]; ok && current == e && e.epoch == epoch {
		e.timer = timer
	} else {
		timer.Stop()
	}
	r.mu.Unlock()

	return id, nil
}

func (r *Reconciler) expire(ref domain.EntityRef, epoch uint64) {
	r.mu.Lock()
	e, ok := r.entries[ref]
	if !ok || e.epoch != epoch || e.proj.Pending == nil {
		r.mu.Unlock()
		return
	}
	pending := e.proj.Pending
	e.proj.Pending = nil
	e.timer = nil
	e.epoch++
	r.mu.Unlock()

	d, _ := domain.HomeDomain(ref.Kind)
	metrics.OptimisticRollbacks.WithLabelValues(string(ref.Kind)).Add(float64(len(pending.ActionIDs)))
	r.logger.Warn("optimistic change rolled back", "entity", ref.String(), "actions", len(pending.ActionIDs))

	if r.sink == nil {
		return
	}
	at := r.clock.Now()
	for _, id := range pending.ActionIDs {
		r.sink.ActionFailed(domain.ActionFailure{
			ActionID: id,
			Ref:      ref,
			Patch:    pending.Patch,
			Err:      apperrors.NewOptimisticTimeoutError(d.String(), ref.String()),
			At:       at,
		})
	}
}

// GetProjection returns a copy of the projection for ref.
func (r *Reconciler) GetProjection(ref domain.EntityRef) (domain.EntityProjection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ref]
	if !ok {
		return domain.EntityProjection{}, false
	}
	out := e.proj
	if e.proj.Pending != nil {
		pending := *e.proj.Pending
		pending.ActionIDs = append([]uuid.UUID(nil), e.proj.Pending.ActionIDs...)
		out.Pending = &pending
	}
	return out, true
}

// TrackedRefs lists tracked refs of the given kinds, or all of them,
// sorted by kind then id.
func (r *Reconciler) TrackedRefs(kinds ...domain.EntityKind) []domain.EntityRef {
	want := make(map[domain.EntityKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	r.mu.Lock()
	refs := make([]domain.EntityRef, 0, len(r.entries))
	for ref := range r.entries {
		if len(kinds) == 0 || want[ref.Kind] {
			refs = append(refs, ref)
		}
	}
	r.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})
	return refs
}
