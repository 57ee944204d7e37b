package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"aegisflux/backend/fleetwatch/internal/alerts"
	"aegisflux/backend/fleetwatch/internal/api"
	"aegisflux/backend/fleetwatch/internal/config"
	"aegisflux/backend/fleetwatch/internal/dispatch"
	"aegisflux/backend/fleetwatch/internal/events"
	"aegisflux/backend/fleetwatch/internal/health"
	"aegisflux/backend/fleetwatch/internal/ingest"
	"aegisflux/backend/fleetwatch/internal/metrics"
	"aegisflux/backend/fleetwatch/internal/policy"
	"aegisflux/backend/fleetwatch/internal/reconcile"
	"aegisflux/backend/fleetwatch/internal/registry"
	"aegisflux/backend/fleetwatch/internal/store"
	"aegisflux/backend/fleetwatch/internal/store/memory"
	"aegisflux/backend/fleetwatch/internal/store/sqlstore"
	"aegisflux/backend/fleetwatch/internal/validate"
)

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(), nil
	case config.DriverSQLite:
		return sqlstore.OpenSQLite(ctx, cfg.SQLitePath, logger)
	case config.DriverPostgres:
		dsn := sqlstore.PostgresDSN(cfg.PGHost, cfg.PGPort, cfg.PGUser, cfg.PGPass, cfg.PGDB)
		return sqlstore.OpenPostgres(ctx, dsn, logger)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// app is the fully wired service
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      store.Store
	nc         *nats.Conn
	gatherer   *prometheus.Registry
	pipeline   *ingest.Pipeline
	reconciler *reconcile.Reconciler
	server     *api.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: st, gatherer: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.gatherer.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.gatherer)

	var (
		pub  events.Publisher = events.Nop{}
		conn health.ConnStatus
	)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("fleetwatch"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		a.nc = nc
		pub = events.NewNATSPublisher(nc)
		conn = nc
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Info("NATS disabled; domain events are not published")
	}
	em := events.NewEmitter(pub, m, logger)

	reg := registry.New(st, logger)
	if err := reg.Load(ctx); err != nil {
		return nil, err
	}

	seed := cfg.DefaultPolicy()
	if cfg.PolicyFile != "" {
		if seed, err = policy.LoadSeedFile(cfg.PolicyFile, seed); err != nil {
			return nil, err
		}
	}
	policies := policy.NewStore(st, cfg.StoreTimeout, logger)
	if err := policies.Init(ctx, seed); err != nil {
		return nil, err
	}

	d, err := dispatch.New(st, reg, em, m, logger, dispatch.Options{
		StoreTimeout: cfg.StoreTimeout,
		CacheSize:    cfg.BlocklistCacheSize,
	})
	if err != nil {
		return nil, err
	}
	v, err := validate.NewSchemaValidator(logger)
	if err != nil {
		return nil, err
	}

	a.pipeline = ingest.NewPipeline(v, st, reg, policies, em, m, cfg.StoreTimeout, logger)
	a.reconciler = reconcile.New(d, reg, policies, st, m, cfg.ReconcileInterval, cfg.Retention(), logger)

	a.server = api.NewServer(api.Deps{
		Pipeline:   a.pipeline,
		Dispatcher: d,
		Policy:     policy.NewService(policies, d, em, logger),
		Alerts:     alerts.NewManager(st, em, m, cfg.StoreTimeout, logger),
		Registry:   reg,
		Reconciler: a.reconciler,
		Health:     health.NewChecker(st, conn, logger),
		Gatherer:   a.gatherer,
		Logger:     logger,
	}, cfg.RequestTimeout)

	return a, nil
}

// Close releases the NATS connection and the store
func (a *app) Close() {
	if a.nc != nil {
		a.nc.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", "error", err)
	}
}
