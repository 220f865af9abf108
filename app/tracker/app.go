package tracker

import (
	"context"
	"net/http"
	"time"

	"github.com/callwatch/callwatch/pkg/config"
	"github.com/callwatch/callwatch/pkg/db"
	"github.com/callwatch/callwatch/pkg/logging"
	"github.com/callwatch/callwatch/pkg/tracker"
	"github.com/callwatch/callwatch/pkg/tracking"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// App owns the reconcile loop: every Cron tick it diffs the newest open
// calls snapshot against the previous one and rolls the results up
// through the time-window hierarchy.
type App struct {
	Cfg      *config.Config
	StatsDB  *db.StatsDB
	Tracker  *tracker.Tracker
	Enricher *tracking.Service

	// Cron triggers ProcessCycle according to Cfg.CronSpec.
	Cron *cron.Cron

	Logger *zap.Logger

	// Server is the HTTP server that serves the ops endpoints.
	Server *http.Server
}

// Initialize wires the full application from the environment.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("Unable to load configuration", zap.Error(err))
	}

	statsDb, err := db.New(ctx, logger, cfg.RecyclerPrefixes)
	if err != nil {
		logger.Fatal("Unable to initialize stats database", zap.Error(err))
	}

	app := &App{
		Cfg:     cfg,
		StatsDB: statsDb,
		Logger:  logger,
	}

	var enricher tracker.Enricher
	if cfg.TrackingEnabled && cfg.TrackingSourceURL != "" {
		app.Enricher = buildEnricher(ctx, cfg, statsDb, logger)
		if app.Enricher != nil {
			enricher = app.Enricher
		}
	}

	app.Tracker = tracker.New(cfg, statsDb, enricher, clockwork.NewRealClock(), logger)

	if err := app.SetupScheduler(ctx, cron.DefaultLogger, cfg.CronSpec); err != nil {
		return nil, err
	}

	return app, nil
}

// buildEnricher assembles the shipment tracking pipeline. A missing
// Redis is tolerated; anything else wrong just disables enrichment.
func buildEnricher(ctx context.Context, cfg *config.Config, statsDb *db.StatsDB, logger *zap.Logger) *tracking.Service {
	cache, err := tracking.NewStatusCache(ctx, logger, cfg.TrackingCacheTTL)
	if err != nil {
		logger.Warn("Tracking status cache unavailable, lookups will be uncached", zap.Error(err))
		cache = nil
	}

	source := tracking.NewHTTPShipmentSource(cfg.TrackingSourceURL)
	ups := tracking.NewUPSClient(cfg.UPSClientID, cfg.UPSClientSecret, logger)
	fedex := tracking.NewFedExClient(cfg.FedExAPIKey, cfg.FedExAPISecret, cfg.FedExUseProduction, logger)

	return tracking.NewService(statsDb, source, cache, ups, fedex, cfg.TrackingMaxWorkers, logger)
}

// SetupScheduler sets up the cron scheduler.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger, cronSpec string) error {
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger)))

	_, err := a.Cron.AddFunc(cronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 4*time.Minute)
		defer cancel()
		if err := a.Tracker.ProcessCycle(rctx); err != nil {
			logger.Info("[tracker] cycle error", "error", err)
		}
	})
	if err != nil {
		return err
	}

	// Nightly merge pass over the ReplacingMergeTree tables, off-peak.
	_, err = a.Cron.AddFunc("0 30 1 * * *", func() {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if err := a.StatsDB.OptimizeStatTables(rctx); err != nil {
			logger.Info("[tracker] optimize error", "error", err)
		}
	})
	if err != nil {
		return err
	}

	return nil
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Ready(r.Context()) {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(503)
		}
	})).Methods("GET")

	a.Server = &http.Server{Addr: a.Cfg.HTTPAddr, Handler: r}
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("[tracker] Cron started", zap.String("cronSpec", a.Cfg.CronSpec))
}

// StopCron stops the cron scheduler.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// ProcessOnce runs one cycle outside the schedule, for the immediate
// pass at startup.
func (a *App) ProcessOnce(ctx context.Context) {
	if err := a.Tracker.ProcessCycle(ctx); err != nil {
		a.Logger.Error("Initial cycle failed", zap.Error(err))
	}
}

// Ready reports whether the database connection is usable and the
// source table the feed writes into exists.
func (a *App) Ready(ctx context.Context) bool {
	readyCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if a.StatsDB.Db.Ping(readyCtx) != nil {
		return false
	}
	ok, err := a.StatsDB.TableExists(readyCtx, a.StatsDB.Name, "open_calls")
	return err == nil && ok
}

// Start starts the application and blocks until the context is done.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()
	_ = a.Server.Close()
	a.Logger.Info("[tracker] shutting down")
	a.StopCron()
	_ = a.StatsDB.Close()
}
