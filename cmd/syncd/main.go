// syncd is a headless sync client. It mounts one surface preset against
// a hub, logs every delivered event and serves metrics and health
// probes reporting the state of each channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	httpAdapter "github.com/lorrc/workshop-sync/internal/adapters/primary/http"
	"github.com/lorrc/workshop-sync/internal/adapters/secondary/rest"
	"github.com/lorrc/workshop-sync/internal/adapters/secondary/transport"
	"github.com/lorrc/workshop-sync/internal/auth"
	"github.com/lorrc/workshop-sync/internal/config"
	"github.com/lorrc/workshop-sync/internal/core/ports"
	"github.com/lorrc/workshop-sync/internal/core/services"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/lorrc/workshop-sync/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "syncd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var surface, baseURL, addr, logLevel string

	flagSet := pflag.NewFlagSet("syncd", pflag.ContinueOnError)
	flagSet.StringVar(&surface, "surface", "", "manager, technician or customer (default SYNC_SURFACE)")
	flagSet.StringVar(&baseURL, "base-url", "", "hub and REST API base url (default SYNC_BASE_URL)")
	flagSet.StringVar(&addr, "addr", "", "metrics and health listen address (default SERVER_PORT)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default LOG_LEVEL)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if surface != "" {
		cfg.Sync.Surface = surface
	}
	if baseURL != "" {
		cfg.Sync.BaseURL = baseURL
	}
	if addr != "" {
		cfg.Server.Port = addr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})
	logger.Info("starting sync client",
		"version", cfg.App.Version,
		"base_url", cfg.Sync.BaseURL,
		"surface", cfg.Sync.Surface,
	)

	// 3. Session and secondary adapters
	var session ports.SessionProvider
	if cfg.Sync.TokenFile != "" {
		session = auth.NewFileSession(cfg.Sync.TokenFile, cfg.Sync.UserID)
	} else {
		session = auth.NewStaticSession(cfg.Sync.Token, cfg.Sync.UserID)
	}
	if _, ok := session.Token(); !ok {
		logger.Warn("no valid credential yet; channels will report auth failures until one is provided")
	}

	dialer, err := transport.NewDialer(transport.DefaultConfig(cfg.Sync.BaseURL), logger)
	if err != nil {
		return err
	}

	restCfg := rest.DefaultConfig(cfg.Sync.BaseURL)
	restCfg.RPS = cfg.Sync.SnapshotRPS
	restCfg.Burst = cfg.Sync.SnapshotBurst
	restCfg.Timeout = cfg.Sync.SnapshotTimeout
	snapshots, err := rest.NewSnapshotClient(restCfg, session, logger)
	if err != nil {
		return err
	}

	// 4. Engine
	sink := newLogSink(logger)
	engine, err := services.NewEngine(services.EngineDeps{
		Dialer:   dialer,
		Fetcher:  snapshots,
		Session:  session,
		Sink:     sink,
		Observer: sink,
		Logger:   logger,
	}, engineConfig(cfg.Sync))
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	userID, _ := session.CurrentUserID()
	spec, ok := services.SurfaceSpec(cfg.Sync.Surface, services.SurfaceParams{
		UserID:         userID,
		TechnicianID:   cfg.Sync.TechnicianID,
		QuotationIDs:   cfg.Sync.QuotationIDs,
		RepairOrderIDs: cfg.Sync.RepairOrderIDs,
	})
	if !ok {
		return fmt.Errorf("unknown surface %q", cfg.Sync.Surface)
	}
	spec = withEventLogging(spec, logger)

	stopPermissions := engine.WatchPermissions(sink.PermissionsChanged)
	defer stopPermissions()
	stopPresence := engine.Presence().Subscribe(sink.OnlineUsers)
	defer stopPresence()

	// 5. Ops server
	health := httpAdapter.NewHealthHandler(cfg.App.Version, healthChecks(engine, spec, snapshots))
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           httpAdapter.NewOpsRouter(health, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// 6. Supervise the mounted surface and the ops server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tree := supervisor.NewTree("syncd", logger, supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddSyncService(supervisor.Func{Name: "surface-" + spec.Name, Run: func(ctx context.Context) error {
		ui, err := engine.Mount(ctx, spec)
		if err != nil {
			return err
		}
		defer ui.Close()
		<-ctx.Done()
		return ctx.Err()
	}})
	tree.AddAPIService(supervisor.NewHTTPServerService("ops-http", srv, cfg.Server.ShutdownTimeout))

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped with error", "error", err)
		return err
	}
	logger.Info("sync client stopped")
	return nil
}

func engineConfig(c config.SyncConfig) services.EngineConfig {
	cfg := services.DefaultEngineConfig()
	cfg.Connection.ConnectTimeout = c.ConnectTimeout
	cfg.Connection.InvokeTimeout = c.InvokeTimeout
	cfg.Connection.ReconnectSchedule = c.ReconnectSchedule
	cfg.Fallback.GracePeriod = c.GracePeriod
	cfg.Fallback.PollMinInterval = c.PollMinInterval
	cfg.Fallback.PollMaxInterval = c.PollMaxInterval
	cfg.Fallback.PermanentRetryInterval = c.PermanentRetryInterval
	cfg.Fallback.FetchTimeout = c.SnapshotTimeout
	cfg.OptimisticWindow = c.OptimisticWindow
	cfg.HydrateTimeout = c.SnapshotTimeout
	return cfg
}
