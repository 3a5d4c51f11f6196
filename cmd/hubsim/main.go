// hubsim is a development hub: it negotiates sessions, serves the
// websocket, server-sent event and long-polling transports for every
// domain, authorizes group joins, and accepts events on /dev/events so
// the sync client can be exercised end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	httpAdapter "github.com/lorrc/workshop-sync/internal/adapters/primary/http"
	mw "github.com/lorrc/workshop-sync/internal/adapters/primary/http/middleware"
	"github.com/lorrc/workshop-sync/internal/adapters/primary/hub"
	"github.com/lorrc/workshop-sync/internal/adapters/secondary/badgerstore"
	"github.com/lorrc/workshop-sync/internal/adapters/secondary/postgres"
	"github.com/lorrc/workshop-sync/internal/auth"
	"github.com/lorrc/workshop-sync/internal/clock"
	"github.com/lorrc/workshop-sync/internal/config"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/lorrc/workshop-sync/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "hubsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var addr, storePath, databaseURL, logLevel string

	flagSet := pflag.NewFlagSet("hubsim", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "", "listen address (default HUB_PORT)")
	flagSet.StringVar(&storePath, "store", "", "badger directory for published snapshots (default in-memory)")
	flagSet.StringVar(&databaseURL, "database-url", "", "postgres url for published snapshots (default HUB_DATABASE_URL)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default LOG_LEVEL)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Hub.Port = addr
	}
	if databaseURL != "" {
		cfg.Hub.DatabaseURL = databaseURL
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.ValidateHub(); err != nil {
		return err
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: "hubsim",
		Environment: cfg.App.Environment,
	})
	logger.Info("starting development hub",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"addr", cfg.Hub.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Snapshot store
	store, err := openSnapshotStore(ctx, cfg.Hub, storePath, logger)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close snapshot store", "error", err)
		}
	}()

	// 4. Security & real-time components
	authz, err := auth.NewAuthorizer()
	if err != nil {
		return err
	}
	tokens := auth.NewTokenManager(cfg.Hub.JWTSecret, cfg.Hub.TokenTTL)

	hubCfg := hub.DefaultConfig()
	hubCfg.PingInterval = cfg.Hub.PingInterval
	hubCfg.PongWait = cfg.Hub.PongWait
	h := hub.New(hubCfg, authz, clock.Real(), logger)

	bus := hub.NewEventBus(clock.Real(), logger)
	defer bus.Close()
	relay := hub.NewRelay(bus, h, store, logger)

	// 5. Handlers (Primary Adapters)
	errorHandler := httpAdapter.NewErrorHandler(logger)
	router := httpAdapter.NewHubRouter(ctx, httpAdapter.HubRouterConfig{
		Tokens: tokens,
		Hub: httpAdapter.NewHubHandler(h, httpAdapter.HubHandlerConfig{
			AllowedOrigins:  cfg.Hub.AllowedOrigins,
			ReadBufferSize:  cfg.Hub.ReadBufferSize,
			WriteBufferSize: cfg.Hub.WriteBufferSize,
			IsDevelopment:   cfg.IsDevelopment(),
		}, errorHandler, logger),
		Dev:       httpAdapter.NewDevHandler(tokens, cfg.Hub.TokenTTL, bus, errorHandler, logger),
		Snapshots: httpAdapter.NewSnapshotHandler(store, authz, errorHandler, logger),
		Health: httpAdapter.NewHealthHandler(cfg.App.Version, map[string]httpAdapter.HealthChecker{
			"snapshots": store,
		}),
		AllowedOrigins: cfg.Hub.AllowedOrigins,
		RateLimit: mw.RateLimiterConfig{
			RequestsPerSecond: cfg.Hub.RateLimitRPS,
			BurstSize:         cfg.Hub.RateLimitBurst,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		},
		Logger: logger,
	})

	// 6. Supervise hub, relay and server. Streams clear their own write
	// deadline, so WriteTimeout only bounds ordinary requests.
	srv := &http.Server{
		Addr:              cfg.Hub.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	tree := supervisor.NewTree("hubsim", logger, supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddSyncService(h)
	tree.AddSyncService(relay)
	tree.AddAPIService(supervisor.NewHTTPServerService("hub-http", srv, cfg.Server.ShutdownTimeout))

	err = tree.Serve(ctx)
	logger.Info("development hub stopped", "connections", h.ClientCount())
	return shutdownResult(logger, err)
}

// openSnapshotStore connects to PostgreSQL when a database url is set and
// falls back to badger, in memory unless path names a directory.
func openSnapshotStore(ctx context.Context, cfg config.HubConfig, path string, logger *slog.Logger) (ports.SnapshotStore, error) {
	if cfg.DatabaseURL != "" {
		logger.Info("storing snapshots in postgres", "max_conns", cfg.DBMaxConns)
		return postgres.Open(ctx, postgres.Config{URL: cfg.DatabaseURL, MaxConns: int32(cfg.DBMaxConns)})
	}
	logger.Info("storing snapshots in badger", "path", path, "in_memory", path == "")
	return badgerstore.Open(path)
}

// shutdownResult hides the cancellation a signal causes.
func shutdownResult(logger *slog.Logger, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	logger.Error("supervisor stopped with error", "error", err)
	return err
}
