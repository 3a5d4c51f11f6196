package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/workshop-sync/internal/clock"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"golang.org/x/sync/errgroup"
)

// hydrateConcurrency bounds parallel snapshot fetches during Mount.
const hydrateConcurrency = 4

// EngineConfig collects the timing configuration of every component.
type EngineConfig struct {
	Connection       ConnectionConfig
	Fallback         FallbackConfig
	OptimisticWindow time.Duration
	HydrateTimeout   time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Connection:       DefaultConnectionConfig(),
		Fallback:         DefaultFallbackConfig(),
		OptimisticWindow: DefaultOptimisticWindow,
		HydrateTimeout:   10 * time.Second,
	}
}

// EngineDeps are the external collaborators of the engine.
type EngineDeps struct {
	Dialer   ports.Dialer
	Fetcher  ports.SnapshotFetcher
	Session  ports.SessionProvider
	Sink     ports.FailureSink
	Observer ports.PollingObserver
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Engine wires connections, membership, dispatch, reconciliation and
// fallback together and binds them to UI contexts.
type Engine struct {
	registry   *Registry
	membership *MembershipManager
	dispatcher *Dispatcher
	reconciler *Reconciler
	fallback   *FallbackController
	presence   *PresenceTracker

	session   ports.SessionProvider
	fetcher   ports.SnapshotFetcher
	clock     clock.Clock
	cfg       EngineConfig
	logger    *slog.Logger
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	shutdown     bool
	presenceStop func()

	// connMu serializes starting and stopping connections so a mount
	// never races the disconnect of the context that last used a domain.
	connMu     sync.Mutex
	domainRefs map[domain.Domain]int
}

// NewEngine builds an engine over the given descriptors, or one per
// domain when none are given. Nothing connects until a context mounts.
func NewEngine(deps EngineDeps, cfg EngineConfig, descs ...domain.ChannelDescriptor) (*Engine, error) {
	if deps.Dialer == nil {
		return nil, fmt.Errorf("engine requires a dialer")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	cfg.Connection = cfg.Connection.withDefaults()
	if cfg.HydrateTimeout <= 0 {
		cfg.HydrateTimeout = DefaultEngineConfig().HydrateTimeout
	}
	if len(descs) == 0 {
		descs = domain.DefaultDescriptors(deps.Session)
	}

	sessionID := uuid.NewString()
	logger := deps.Logger.With("session_id", sessionID)
	ctx, cancel := context.WithCancel(logging.WithSessionID(context.Background(), sessionID))

	e := &Engine{
		session:   deps.Session,
		fetcher:   deps.Fetcher,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger,
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,

		domainRefs: make(map[domain.Domain]int),
	}

	e.reconciler = NewReconciler(deps.Clock, cfg.OptimisticWindow, deps.Sink, logger)
	e.dispatcher = NewDispatcher(e.reconciler, logger)
	e.registry = NewRegistry(func(desc domain.ChannelDescriptor) *ChannelConnection {
		conn := NewChannelConnection(desc, deps.Dialer, e.dispatcher.Dispatch, deps.Clock, cfg.Connection, logger)
		conn.Subscribe(e.fallback.OnConnectionState)
		return conn
	})
	e.membership = NewMembershipManager(e.registry.Resolve, logger)
	e.fallback = NewFallbackController(FallbackDeps{
		Membership: e.membership,
		Tracked:    e.reconciler,
		Fetcher:    deps.Fetcher,
		Deliver:    e.dispatcher,
		Retry:      e.retry,
		Sink:       deps.Sink,
		Observer:   deps.Observer,
		Clock:      deps.Clock,
		Logger:     logger,
	}, cfg.Fallback)

	if err := e.registry.Init(descs...); err != nil {
		cancel()
		return nil, err
	}

	e.presence = NewPresenceTracker()
	e.presenceStop = e.dispatcher.Subscribe(domain.DomainPresence, domain.EventUserCountUpdated, e.presence.Handle)

	return e, nil
}

func (e *Engine) retry(ctx context.Context, d domain.Domain) error {
	conn, ok := e.registry.Get(d)
	if !ok {
		return &apperrors.SyncError{Err: apperrors.ErrDomainNotRegistered, Domain: d.String()}
	}
	return conn.Retry(ctx)
}

// SessionID identifies this engine run in logs.
func (e *Engine) SessionID() string { return e.sessionID }

func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

func (e *Engine) Membership() *MembershipManager { return e.membership }

func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

func (e *Engine) Presence() *PresenceTracker { return e.presence }

// States reports the connection state of every domain.
func (e *Engine) States() map[domain.Domain]domain.ConnectionState {
	return e.registry.States()
}

// Polling reports whether a domain is currently served by polling.
func (e *Engine) Polling(d domain.Domain) bool { return e.fallback.Polling(d) }

// Retry restarts a failed domain connection, e.g. after a fresh login.
func (e *Engine) Retry(ctx context.Context, d domain.Domain) error { return e.retry(ctx, d) }

// WatchPermissions calls fn when the current user's grants change.
func (e *Engine) WatchPermissions(fn ports.PermissionWatcher) (unsubscribe func()) {
	return e.dispatcher.Subscribe(domain.DomainPermissionChange, domain.EventPermissionsUpdated, func(evt domain.InboundEvent) error {
		if e.session == nil {
			return nil
		}
		userID, ok := e.session.CurrentUserID()
		if !ok || evt.EntityID != userID {
			return nil
		}
		fn(evt)
		return nil
	})
}

// GroupRef is one group a context needs on one domain.
type GroupRef struct {
	Domain domain.Domain
	Key    domain.GroupKey
}

// HandlerRef binds a render sink to a domain's events.
type HandlerRef struct {
	Domain    domain.Domain
	EventType domain.EventType
	Handler   ports.EventHandler
}

// ContextSpec is everything a UI surface needs while it is mounted.
type ContextSpec struct {
	Name     string
	Channels []domain.Domain // connected without joining any group
	Groups   []GroupRef
	Entities []domain.EntityRef
	Handlers []HandlerRef
}

// Domains lists every domain the context touches.
func (s ContextSpec) Domains() []domain.Domain {
	seen := make(map[domain.Domain]bool)
	var out []domain.Domain
	add := func(d domain.Domain) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, d := range s.Channels {
		add(d)
	}
	for _, g := range s.Groups {
		add(g.Domain)
	}
	for _, h := range s.Handlers {
		add(h.Domain)
	}
	return out
}

// Mount binds a UI context: starts the connections it needs, tracks
// its entities, registers its handlers, joins its groups and hydrates
// its projections from the REST API. The returned context must be
// closed when the surface unmounts.
func (e *Engine) Mount(ctx context.Context, spec ContextSpec) (*UIContext, error) {
	e.mu.Lock()
	closed := e.shutdown
	e.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("engine is shut down")
	}

	for _, g := range spec.Groups {
		if err := g.Key.Validate(); err != nil {
			return nil, fmt.Errorf("mount %s: %w", spec.Name, err)
		}
	}
	domains := spec.Domains()
	for _, d := range domains {
		if _, ok := e.registry.Get(d); !ok {
			return nil, &apperrors.SyncError{Err: apperrors.ErrDomainNotRegistered, Message: "mount " + spec.Name, Domain: d.String()}
		}
	}

	ctx = logging.WithSessionID(ctx, e.sessionID)
	ui := &UIContext{engine: e, name: spec.Name, domains: domains, tracked: make(map[domain.EntityRef]int)}

	for _, ref := range spec.Entities {
		ui.Track(ref)
	}
	for _, h := range spec.Handlers {
		ui.unsubs = append(ui.unsubs, e.dispatcher.Subscribe(h.Domain, h.EventType, h.Handler))
	}
	e.acquireDomains(domains)
	for _, g := range spec.Groups {
		ui.groups = append(ui.groups, g)
		if err := e.membership.Join(ctx, g.Domain, g.Key); err != nil {
			// The reference is kept and the next replay retries it.
			e.logger.WarnContext(ctx, "group join during mount failed", "context", spec.Name, "group", g.Key.String(), "error", err)
		}
	}

	e.hydrate(ctx, spec.Entities)
	e.logger.InfoContext(ctx, "context mounted",
		"context", spec.Name,
		"groups", len(spec.Groups),
		"entities", len(spec.Entities),
		"handlers", len(spec.Handlers),
	)
	return ui, nil
}

// acquireDomains starts the connection of each domain and counts the
// contexts using it.
func (e *Engine) acquireDomains(domains []domain.Domain) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	for _, d := range domains {
		e.domainRefs[d]++
		conn, _ := e.registry.Get(d)
		conn.Start(e.ctx)
	}
}

// releaseDomains drops the counts taken by acquireDomains and
// disconnects every domain no mounted context uses any more.
func (e *Engine) releaseDomains(domains []domain.Domain) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	for _, d := range domains {
		e.domainRefs[d]--
		if e.domainRefs[d] > 0 {
			continue
		}
		delete(e.domainRefs, d)

		e.mu.Lock()
		closed := e.shutdown
		e.mu.Unlock()
		if closed {
			continue
		}
		if conn, ok := e.registry.Get(d); ok {
			conn.Disconnect()
			e.logger.Info("domain disconnected, no context uses it", "domain", d.String())
		}
	}
}

// hydrate seeds projections from the REST API so a surface renders
// before the first push event. Fetches run concurrently; deliveries
// happen afterwards in entity order.
func (e *Engine) hydrate(ctx context.Context, refs []domain.EntityRef) {
	if e.fetcher == nil || len(refs) == 0 {
		return
	}
	results := make([]*domain.FetchedSnapshot, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hydrateConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, e.cfg.HydrateTimeout)
			defer cancel()
			fetched, err := e.fetcher.FetchSnapshot(fetchCtx, ref)
			if err != nil {
				// Non-fatal: the projection fills in from the next push.
				e.logger.WarnContext(ctx, "hydration fetch failed", "entity", ref.String(), "error", err)
				return nil
			}
			results[i] = &fetched
			return nil
		})
	}
	_ = g.Wait()

	for i, fetched := range results {
		if fetched == nil {
			continue
		}
		if fetched.AsOf.IsZero() {
			fetched.AsOf = e.clock.Now()
		}
		evt, err := domain.SynthesizeEvent(refs[i], *fetched, domain.SourceHydrate)
		if err != nil {
			continue
		}
		e.dispatcher.Deliver(evt)
	}
}

// Shutdown closes every connection and stops all background work.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	e.mu.Unlock()

	e.presenceStop()
	e.registry.Teardown()
	e.fallback.Close()
	e.cancel()
	e.logger.Info("sync engine stopped")
}

// UIContext is one mounted surface. Close releases everything Mount
// acquired and is safe to call more than once, including while the
// surface's connections are still negotiating.
type UIContext struct {
	engine  *Engine
	name    string
	domains []domain.Domain

	mu      sync.Mutex
	groups  []GroupRef
	tracked map[domain.EntityRef]int
	unsubs  []func()
	closed  bool
	once    sync.Once
}

func (u *UIContext) Name() string { return u.name }

// Track adds an entity to the context after mount, for example a job
// created from an approved quotation.
func (u *UIContext) Track(ref domain.EntityRef) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.tracked[ref]++
	u.mu.Unlock()
	u.engine.reconciler.Track(ref)
}

// Projection returns the current view of a tracked entity.
func (u *UIContext) Projection(ref domain.EntityRef) (domain.EntityProjection, bool) {
	return u.engine.reconciler.GetProjection(ref)
}

// ApplyOptimistic shows a local change immediately. It is rolled back
// and reported to the failure sink if the server does not confirm it.
func (u *UIContext) ApplyOptimistic(ref domain.EntityRef, patch domain.StatusPatch) (uuid.UUID, error) {
	u.mu.Lock()
	_, ok := u.tracked[ref]
	u.mu.Unlock()
	if !ok {
		d, _ := domain.HomeDomain(ref.Kind)
		return uuid.Nil, &apperrors.SyncError{
			Err:     apperrors.ErrUntrackedEntity,
			Message: fmt.Sprintf("%s is not tracked by %s", ref, u.name),
			Code:    "UNTRACKED_ENTITY",
			Domain:  d.String(),
		}
	}
	return u.engine.reconciler.ApplyOptimistic(ref, patch)
}

// Close unsubscribes handlers, leaves groups and releases entities. A
// domain's connection is closed once no mounted context uses it.
func (u *UIContext) Close() {
	u.once.Do(func() {
		u.mu.Lock()
		u.closed = true
		groups, tracked, unsubs := u.groups, u.tracked, u.unsubs
		u.groups, u.tracked, u.unsubs = nil, map[domain.EntityRef]int{}, nil
		u.mu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}

		ctx, cancel := context.WithTimeout(u.engine.ctx, u.engine.cfg.Connection.InvokeTimeout+time.Second)
		defer cancel()
		for _, g := range groups {
			if err := u.engine.membership.Leave(ctx, g.Domain, g.Key); err != nil {
				u.engine.logger.DebugContext(ctx, "group leave failed", "context", u.name, "group", g.Key.String(), "error", err)
			}
		}
		for ref, n := range tracked {
			for i := 0; i < n; i++ {
				u.engine.reconciler.Release(ref)
			}
		}
		u.engine.releaseDomains(u.domains)
		u.engine.logger.InfoContext(ctx, "context closed", "context", u.name)
	})
}
