package main

import (
	"context"
	"fmt"
	"log/slog"

	httpAdapter "github.com/lorrc/workshop-sync/internal/adapters/primary/http"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	"github.com/lorrc/workshop-sync/internal/core/services"
)

// logSink reports the failures and fallback transitions a UI would
// show as log lines.
type logSink struct {
	logger *slog.Logger
}

func newLogSink(logger *slog.Logger) *logSink {
	return &logSink{logger: logger.With("component", "surface")}
}

func (s *logSink) AuthFailed(d domain.Domain, err error) {
	s.logger.Error("channel authentication failed", "domain", d, "error", err)
}

func (s *logSink) ActionFailed(f domain.ActionFailure) {
	s.logger.Warn("optimistic change rolled back",
		"action_id", f.ActionID,
		"entity", f.Ref.String(),
		"error", f.Err,
	)
}

func (s *logSink) PollingStarted(d domain.Domain) {
	s.logger.Warn("push unavailable, polling", "domain", d)
}

func (s *logSink) PollingStopped(d domain.Domain) {
	s.logger.Info("push restored, polling stopped", "domain", d)
}

func (s *logSink) PermissionsChanged(evt domain.InboundEvent) {
	s.logger.Info("permissions changed, grants must be refreshed", "user_id", evt.EntityID)
}

func (s *logSink) OnlineUsers(count int) {
	s.logger.Info("online users", "count", count)
}

// withEventLogging adds a handler logging every event type of every
// domain the surface listens to.
func withEventLogging(spec services.ContextSpec, logger *slog.Logger) services.ContextSpec {
	logger = logger.With("context", spec.Name)
	for _, d := range spec.Domains() {
		for _, t := range d.EventTypes() {
			spec.Handlers = append(spec.Handlers, services.HandlerRef{
				Domain:    d,
				EventType: t,
				Handler: func(evt domain.InboundEvent) error {
					logger.Info("event delivered",
						"domain", evt.Domain,
						"event_type", evt.Type,
						"entity_id", evt.EntityID,
						"source", evt.Source,
						"sequence", evt.Sequence,
					)
					return nil
				},
			})
		}
	}
	return spec
}

// stateReader is the part of the engine health checks need.
type stateReader interface {
	States() map[domain.Domain]domain.ConnectionState
	Polling(d domain.Domain) bool
}

// breaker reports the snapshot client's circuit state.
type breaker interface {
	State() string
}

// healthChecks reports one check per surface domain. A channel that is
// down but polling still serves data and counts as healthy.
func healthChecks(engine stateReader, spec services.ContextSpec, snapshots breaker) map[string]httpAdapter.HealthChecker {
	checks := make(map[string]httpAdapter.HealthChecker)
	for _, d := range spec.Domains() {
		checks["channel:"+d.String()] = httpAdapter.CheckFunc(func(context.Context) error {
			state := engine.States()[d]
			switch {
			case state == domain.StateConnected:
				return nil
			case engine.Polling(d):
				return nil
			default:
				return fmt.Errorf("channel is %s", state)
			}
		})
	}
	checks["snapshot-api"] = httpAdapter.CheckFunc(func(context.Context) error {
		if state := snapshots.State(); state == "open" {
			return fmt.Errorf("circuit breaker is %s", state)
		}
		return nil
	})
	return checks
}
