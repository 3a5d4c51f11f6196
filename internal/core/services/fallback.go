package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lorrc/workshop-sync/internal/clock"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/lorrc/workshop-sync/internal/metrics"
)

// FallbackConfig holds the degradation timings.
type FallbackConfig struct {
	GracePeriod            time.Duration
	PollMinInterval        time.Duration
	PollMaxInterval        time.Duration
	PermanentRetryInterval time.Duration
	FetchTimeout           time.Duration
}

func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		GracePeriod:            3 * time.Second,
		PollMinInterval:        5 * time.Second,
		PollMaxInterval:        30 * time.Second,
		PermanentRetryInterval: 60 * time.Second,
		FetchTimeout:           10 * time.Second,
	}
}

func (c FallbackConfig) withDefaults() FallbackConfig {
	def := DefaultFallbackConfig()
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.PollMinInterval <= 0 {
		c.PollMinInterval = def.PollMinInterval
	}
	if c.PollMaxInterval < c.PollMinInterval {
		c.PollMaxInterval = c.PollMinInterval
	}
	if c.PermanentRetryInterval <= 0 {
		c.PermanentRetryInterval = def.PermanentRetryInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	return c
}

// Replayer re-joins a domain's groups after a reconnect.
type Replayer interface {
	OnReconnected(ctx context.Context, d domain.Domain) ReplayReport
}

// TrackedSource lists the projections the poller should refresh.
type TrackedSource interface {
	TrackedRefs(kinds ...domain.EntityKind) []domain.EntityRef
}

// EventDeliverer feeds synthesized events through the normal path.
type EventDeliverer interface {
	Deliver(evt domain.InboundEvent) Outcome
}

// RetryFunc restarts the connection of a domain.
type RetryFunc func(ctx context.Context, d domain.Domain) error

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type domainFallback struct {
	state  domain.ConnectionState
	epoch  uint64
	grace  *clock.Timer
	retry  *clock.Timer
	poller *poller
}

// FallbackController keeps entities fresh while a domain's push channel
// is down. After the grace period it runs a single REST polling loop per
// domain; on reconnect it replays membership first and only then stops
// polling, so no group is left uncovered.
type FallbackController struct {
	membership Replayer
	tracked    TrackedSource
	fetcher    ports.SnapshotFetcher
	deliver    EventDeliverer
	retry      RetryFunc
	sink       ports.FailureSink
	observer   ports.PollingObserver
	clock      clock.Clock
	cfg        FallbackConfig
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	domains map[domain.Domain]*domainFallback
}

// FallbackDeps groups the collaborators of the controller.
type FallbackDeps struct {
	Membership Replayer
	Tracked    TrackedSource
	Fetcher    ports.SnapshotFetcher
	Deliver    EventDeliverer
	Retry      RetryFunc
	Sink       ports.FailureSink
	Observer   ports.PollingObserver
	Clock      clock.Clock
	Logger     *slog.Logger
}

func NewFallbackController(deps FallbackDeps, cfg FallbackConfig) *FallbackController {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FallbackController{
		membership: deps.Membership,
		tracked:    deps.Tracked,
		fetcher:    deps.Fetcher,
		deliver:    deps.Deliver,
		retry:      deps.Retry,
		sink:       deps.Sink,
		observer:   deps.Observer,
		clock:      deps.Clock,
		cfg:        cfg.withDefaults(),
		logger:     deps.Logger,
		ctx:        ctx,
		cancel:     cancel,
		domains:    make(map[domain.Domain]*domainFallback),
	}
}

func (c *FallbackController) domainLocked(d domain.Domain) *domainFallback {
	fb, ok := c.domains[d]
	if !ok {
		fb = &domainFallback{}
		c.domains[d] = fb
	}
	return fb
}

// OnConnectionState is registered as a state listener on every
// connection. It runs on the connection's goroutine.
func (c *FallbackController) OnConnectionState(change domain.StateChange) {
	d := change.Domain
	ctx := logging.WithDomain(c.ctx, d.String())

	switch change.To {
	case domain.StateConnected:
		c.mu.Lock()
		fb := c.domainLocked(d)
		fb.state = change.To
		c.endOutageLocked(fb)
		c.mu.Unlock()

		if c.membership != nil {
			c.membership.OnReconnected(ctx, d)
		}
		c.stopPolling(d)

	case domain.StateReconnecting, domain.StateFailedPermanent:
		if change.To == domain.StateFailedPermanent && apperrors.IsAuth(change.Cause) {
			c.mu.Lock()
			fb := c.domainLocked(d)
			fb.state = change.To
			c.endOutageLocked(fb)
			c.mu.Unlock()

			c.stopPolling(d)
			c.logger.WarnContext(ctx, "authentication failure, polling disabled", "error", change.Cause)
			if c.sink != nil {
				c.sink.AuthFailed(d, change.Cause)
			}
			return
		}

		c.mu.Lock()
		fb := c.domainLocked(d)
		fb.state = change.To
		epoch := fb.epoch
		if fb.grace == nil && fb.poller == nil {
			fb.grace = c.clock.AfterFunc(c.cfg.GracePeriod, func() { c.graceExpired(d, epoch) })
		}
		if change.To == domain.StateFailedPermanent && c.retry != nil {
			fb.retry.Stop()
			fb.retry = c.clock.AfterFunc(c.cfg.PermanentRetryInterval, func() { c.retryExpired(d, epoch) })
		}
		c.mu.Unlock()

	case domain.StateConnecting:
		c.mu.Lock()
		c.domainLocked(d).state = change.To
		c.mu.Unlock()

	case domain.StateDisconnected:
		c.mu.Lock()
		fb := c.domainLocked(d)
		fb.state = change.To
		c.endOutageLocked(fb)
		c.mu.Unlock()

		c.stopPolling(d)
	}
}

func (c *FallbackController) endOutageLocked(fb *domainFallback) {
	fb.epoch++
	fb.grace.Stop()
	fb.grace = nil
	fb.retry.Stop()
	fb.retry = nil
}

func (c *FallbackController) graceExpired(d domain.Domain, epoch uint64) {
	c.mu.Lock()
	fb := c.domainLocked(d)
	if fb.epoch != epoch {
		c.mu.Unlock()
		return
	}
	fb.grace = nil
	if fb.poller != nil || fb.state == domain.StateConnected || fb.state == domain.StateDisconnected {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	p := &poller{cancel: cancel, done: make(chan struct{})}
	fb.poller = p
	c.mu.Unlock()

	metrics.SetPolling(d.String(), true)
	c.logger.InfoContext(ctx, "push channel still down, polling started", "domain", d.String())
	if c.observer != nil {
		c.observer.PollingStarted(d)
	}
	go c.poll(logging.WithDomain(ctx, d.String()), d, p.done)
}

func (c *FallbackController) retryExpired(d domain.Domain, epoch uint64) {
	c.mu.Lock()
	fb := c.domainLocked(d)
	if fb.epoch != epoch || fb.state != domain.StateFailedPermanent {
		c.mu.Unlock()
		return
	}
	fb.retry = nil
	c.mu.Unlock()

	c.logger.InfoContext(c.ctx, "retrying failed channel", "domain", d.String())
	if err := c.retry(c.ctx, d); err != nil {
		c.logger.WarnContext(c.ctx, "channel retry failed", "domain", d.String(), "error", err)
	}
}

func (c *FallbackController) stopPolling(d domain.Domain) {
	c.mu.Lock()
	fb := c.domainLocked(d)
	p := fb.poller
	fb.poller = nil
	c.mu.Unlock()

	if p == nil {
		return
	}
	p.cancel()
	<-p.done

	metrics.SetPolling(d.String(), false)
	c.logger.Info("polling stopped", "domain", d.String())
	if c.observer != nil {
		c.observer.PollingStopped(d)
	}
}

func (c *FallbackController) poll(ctx context.Context, d domain.Domain, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.PollMinInterval
	b.MaxInterval = c.cfg.PollMaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	// The interval grows with the length of the outage only; changes seen
	// while polling do not shorten it.
	kinds := d.PolledKinds()
	for {
		if changed := c.pollOnce(ctx, d, kinds); changed > 0 {
			c.logger.DebugContext(ctx, "poll refreshed projections", "domain", d.String(), "changed", changed)
		}
		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(wait):
		}
	}
}

// pollOnce refreshes every tracked projection of the domain's kinds and
// returns how many of them changed.
func (c *FallbackController) pollOnce(ctx context.Context, d domain.Domain, kinds []domain.EntityKind) int {
	if len(kinds) == 0 || c.tracked == nil || c.fetcher == nil || c.deliver == nil {
		return 0
	}

	changed := 0
	for _, ref := range c.tracked.TrackedRefs(kinds...) {
		if ctx.Err() != nil {
			return changed
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		fetched, err := c.fetcher.FetchSnapshot(fetchCtx, ref)
		cancel()
		if err != nil {
			metrics.PollFetches.WithLabelValues(d.String(), "error").Inc()
			c.logger.WarnContext(ctx, "snapshot fetch failed", "entity", ref.String(), "error", err)
			continue
		}
		metrics.PollFetches.WithLabelValues(d.String(), "success").Inc()

		if fetched.AsOf.IsZero() {
			fetched.AsOf = c.clock.Now()
		}
		evt, err := domain.SynthesizeEvent(ref, fetched, domain.SourcePoll)
		if err != nil {
			c.logger.WarnContext(ctx, "cannot synthesize polled event", "entity", ref.String(), "error", err)
			continue
		}
		if c.deliver.Deliver(evt) == OutcomeApplied {
			changed++
		}
	}
	return changed
}

// Polling reports whether the polling loop is running for d.
func (c *FallbackController) Polling(d domain.Domain) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domainLocked(d).poller != nil
}

// Close stops all timers and polling loops.
func (c *FallbackController) Close() {
	c.mu.Lock()
	domains := make([]domain.Domain, 0, len(c.domains))
	for d, fb := range c.domains {
		c.endOutageLocked(fb)
		domains = append(domains, d)
	}
	c.mu.Unlock()

	for _, d := range domains {
		c.stopPolling(d)
	}
	c.cancel()
}
