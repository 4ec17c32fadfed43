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

	"qms/orchestrator/internal/alerts"
	"qms/orchestrator/internal/assign"
	"qms/orchestrator/internal/checkin"
	"qms/orchestrator/internal/config"
	"qms/orchestrator/internal/directory"
	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/httpapi"
	"qms/orchestrator/internal/hub"
	"qms/orchestrator/internal/logging"
	"qms/orchestrator/internal/queue"
	"qms/orchestrator/internal/resync"
	"qms/orchestrator/internal/rules"
	"qms/orchestrator/internal/store"
	"qms/orchestrator/internal/store/postgres"
	"qms/orchestrator/internal/telemetry"
	"qms/orchestrator/internal/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "qms-orchestrator"

// persistence holds the optional collaborators. Fields stay nil interfaces
// when no database is configured so services run memory-only.
type persistence struct {
	queue     store.QueueWriter
	reader    store.QueueReader
	checkins  store.CheckinWriter
	customers store.CustomerWriter
	alerts    store.AlertWriter
	rules     store.RuleWriter
	loader    store.Loader
}

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("orchestrator stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(serviceName, cfg.InstanceID, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	var persist persistence
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		pg := postgres.NewStore(pool, postgres.Options{})
		if err := pg.Ping(ctx); err != nil {
			logger.Warn("database unreachable at start-up, writes will be retried", zap.Error(err))
		}
		persist = persistence{queue: pg, reader: pg, checkins: pg, customers: pg, alerts: pg, rules: pg, loader: pg}
	} else {
		logger.Warn("DB_DSN not set, running without persistence")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	bus := events.NewBus(cfg.InstanceID, logger.Named("events"))
	pending := resync.NewQueue(logger.Named("resync"))

	dir := directory.New(directory.Options{Bus: bus, Logger: logger.Named("directory")})
	catalog := directory.NewCatalog()
	engine := assign.NewEngine(dir, catalog, nil)
	alertLog := alerts.NewLog(alerts.Options{
		Writer:   persist.alerts,
		Deferrer: pending,
		Bus:      bus,
		Logger:   logger.Named("alerts"),
	})
	controller := rules.NewController(rules.Options{
		Workloads: dir,
		Alerts:    alertLog,
		Writer:    persist.rules,
		Deferrer:  pending,
		Bus:       bus,
		Logger:    logger.Named("rules"),
		Threshold: cfg.ImbalanceThreshold,
	})

	var reserver checkin.CodeReserver
	if rdb != nil {
		reserver = checkin.NewRedisCodeReserver(rdb, cfg.CodeReservationTTL)
	}
	checkins := checkin.NewManager(checkin.Options{
		Locations:     catalog,
		Writer:        persist.checkins,
		Deferrer:      pending,
		Reserver:      reserver,
		Bus:           bus,
		Logger:        logger.Named("checkin"),
		DefaultRadius: cfg.GeofenceRadiusMeters,
		VerifyTimeout: cfg.VerifyTimeout,
		ExpireAfter:   cfg.CheckinExpireAfter,
		PurgeAfter:    cfg.CheckinPurgeAfter,
	})
	ledger := queue.NewLedger(queue.Options{
		Assigner:  engine,
		Directory: dir,
		Catalog:   catalog,
		Advisor:   controller,
		Checkins:  checkins,
		Writer:    persist.queue,
		Customers: persist.customers,
		Deferrer:  pending,
		Bus:       bus,
		Logger:    logger.Named("queue"),
	})
	controller.Attach(ledger, ledger)
	ledger.Subscribe(bus)
	checkins.SetEnqueuer(ledger)

	reconciler := resync.NewReconciler(resync.Options{
		Pending:   pending,
		Ledger:    ledger,
		Reader:    persist.reader,
		Logger:    logger.Named("resync"),
		Locations: func() []string {
			var ids []string
			for _, location := range catalog.Locations() {
				ids = append(ids, location.ID)
			}
			return ids
		},
	})
	reconciler.Subscribe(bus)

	if persist.loader != nil {
		if err := loadSnapshot(ctx, persist.loader, catalog, dir, controller, alertLog, checkins, ledger); err != nil {
			logger.Warn("start-up snapshot failed, starting empty", zap.Error(err))
		}
	}

	notifier := worker.New(ledger, worker.Config{
		MaxAttempts:         cfg.NotifMaxAttempts,
		SMSProvider:         cfg.NotifSMSProvider,
		EmailProvider:       cfg.NotifEmailProvider,
		AlmostReadyPosition: cfg.NotifAlmostReadyPosition,
	}, logger.Named("worker"))
	realtime := hub.New(logger.Named("hub"))

	go notifier.Run(ctx, bus)
	go realtime.Run(ctx, bus)
	go controller.Run(ctx, cfg.LoadBalanceInterval)
	go checkins.Run(ctx, cfg.CheckinSweepInterval)
	go reconciler.Run(ctx, cfg.ReconcileInterval)
	if rdb != nil && cfg.RelayEnabled {
		go events.NewRedisRelay(rdb, bus, logger.Named("relay")).Run(ctx)
	}

	handler := httpapi.NewHandler(httpapi.Options{
		Queue:     ledger,
		Checkins:  checkins,
		Directory: dir,
		Catalog:   catalog,
		Assigner:  engine,
		Rules:     controller,
		Alerts:    alertLog,
		Logger:    logger.Named("http"),
	})
	mux := handler.Routes()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/realtime/", httpapi.RealtimeHandler("/realtime", realtime, logger.Named("realtime")))

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		LocationPerMinute: cfg.LocationRateLimitPerMinute,
		LocationBurst:     cfg.LocationRateLimitBurst,
	})

	// No write timeout: the realtime transports hold responses open.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(httpapi.LoggingMiddleware(logger.Named("access"), limiter.Middleware(mux)), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("orchestrator listening", zap.String("addr", server.Addr), zap.String("instance", cfg.InstanceID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if n := pending.Flush(shutdownCtx); n > 0 {
		logger.Info("flushed pending writes on shutdown", zap.Int("written", n))
	}
	return nil
}

func loadSnapshot(ctx context.Context, loader store.Loader, catalog *directory.Catalog, dir *directory.Directory,
	controller *rules.Controller, alertLog *alerts.Log, checkins *checkin.Manager, ledger *queue.Ledger) error {
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	snap, err := loader.LoadSnapshot(loadCtx)
	if err != nil {
		return err
	}
	for _, location := range snap.Locations {
		catalog.UpsertLocation(location)
	}
	for _, svc := range snap.Services {
		catalog.UpsertService(svc)
	}
	for _, employee := range snap.Employees {
		dir.Upsert(employee)
	}
	controller.LoadRules(snap.Rules)
	alertLog.Load(snap.Alerts)
	checkins.Load(snap.Checkins)
	ledger.Load(snap.Entries)
	return nil
}
