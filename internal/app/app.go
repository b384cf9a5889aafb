// Package app wires every component together: config, pool,
// migrations, and the eleven advisory components, then runs either the
// daemon (background loops + control-plane HTTP server) or a single
// run-once pass, per cfg.Mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/indexadvisor/internal/audit"
	"github.com/wisbric/indexadvisor/internal/catalog"
	"github.com/wisbric/indexadvisor/internal/collector"
	"github.com/wisbric/indexadvisor/internal/config"
	"github.com/wisbric/indexadvisor/internal/controlplane"
	"github.com/wisbric/indexadvisor/internal/discovery"
	"github.com/wisbric/indexadvisor/internal/indexer"
	"github.com/wisbric/indexadvisor/internal/interceptor"
	"github.com/wisbric/indexadvisor/internal/lifecycle"
	"github.com/wisbric/indexadvisor/internal/plananalyzer"
	"github.com/wisbric/indexadvisor/internal/platform"
	"github.com/wisbric/indexadvisor/internal/safeguards"
	"github.com/wisbric/indexadvisor/internal/scorer"
	"github.com/wisbric/indexadvisor/internal/telemetry"
)

// Run reads config, connects to infrastructure, and starts the
// appropriate mode ("daemon" or "run-once").
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting indexadvisor", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if err := platform.RunMigrations(cfg.DatabaseURL,
		cfg.MigrationsCatalogDir, cfg.MigrationsTelemetryDir, cfg.MigrationsAuditDir, cfg.MigrationsLifecycleDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	pool, err := platform.NewPool(ctx, logger, cfg.DatabaseURL, cfg.PoolMin, cfg.PoolMax, cfg.PoolLongMax(), cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	c := wire(logger, cfg, pool)

	switch cfg.Mode {
	case "daemon":
		return runDaemon(ctx, cfg, logger, c)
	case "run-once":
		return runOnce(ctx, logger, c)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// components bundles every constructed collaborator so wire and the two
// run modes share one struct instead of a long parameter list.
type components struct {
	pool         *platform.Pool
	metrics      *prometheus.Registry
	overrides    *config.Overrides
	catalog      *catalog.Catalog
	buffer       *collector.Buffer
	planAnalyzer *plananalyzer.Analyzer
	breaker      *safeguards.Breaker
	lockManager  *safeguards.LockManager
	stack        *safeguards.Stack
	scorer       *scorer.Scorer
	correlation  *scorer.CorrelationDetector
	selectivity  *scorer.SelectivityEstimator
	auditStore   *audit.Store
	auditLog     *audit.Log
	orchestrator *indexer.Orchestrator
	interceptor  *interceptor.Interceptor
	lifecycleMgr *lifecycle.Manager
	watcher      *discovery.Watcher
}

// wire constructs every component's store and collaborator graph.
func wire(logger *slog.Logger, cfg *config.Config, pool *platform.Pool) *components {
	overrides := config.NewOverrides()

	// C2 field catalog.
	catStore := catalog.NewStore(pool.Short())
	cat := catalog.New(catStore)

	// C8 audit log: the asynchronous half first, since almost everything
	// else appends to it.
	auditStore := audit.NewStore(pool.Short())
	auditLog := audit.NewLog(auditStore, logger, 10000, 100, 2*time.Second)

	// C3 telemetry buffer.
	collectorStore := collector.NewStore(pool.Short())
	buffer := collector.New(logger, cat, collectorStore, cfg.TelemetryBatchSize, cfg.TelemetryFlushInterval, cfg.TelemetryMaxBuffer)

	// C4 plan analyzer.
	planAnalyzer, err := plananalyzer.New(pool.Short(), logger, cfg.PlanCacheSize, cfg.PlanCacheTTL, cfg.ExplainMinCoverage, cfg.ExplainMaxRetries)
	if err != nil {
		logger.Error("plananalyzer: failed to construct plan cache", "error", err)
	}

	// C5 safeguard gate stack, in the canonical order: lock manager, rate
	// limiter, CPU throttle, maintenance window, write-overhead guard,
	// circuit breaker.
	lockManager := safeguards.NewLockManager(pool.Long(), logger, cfg.SafeguardsLockMaxAge)
	gates := []safeguards.Gate{
		lockManager,
		safeguards.NewRateLimiter(cfg.SafeguardsRateLimitPerMinute, cfg.SafeguardsRateLimitBurst),
		safeguards.NewCPUThrottle(cfg.SafeguardsCPUMaxPct, cfg.SafeguardsCooldown),
	}
	if mw, err := safeguards.NewMaintenanceWindow(cfg.SafeguardsMaintenanceWindow, cfg.SafeguardsMaintenanceEnabled); err != nil {
		logger.Error("safeguards: invalid maintenance window, gate disabled", "error", err)
	} else {
		gates = append(gates, mw)
	}
	gates = append(gates, safeguards.NewWriteOverheadGuard(pool.Short(), cfg.SafeguardsWriteOverheadMax, cfg.SafeguardsWriteOverheadEnabled))
	breaker := safeguards.NewBreaker(uint32(cfg.SafeguardsBreakerK), cfg.SafeguardsBreakerCooldown)
	gates = append(gates, breaker)
	stack := safeguards.NewStack(gates...)

	// C6 scorer.
	weights := scorer.Weights{
		Heuristic:     cfg.ScorerWeightHeuristic,
		ML:            cfg.ScorerWeightML,
		Threshold:     cfg.ScorerThreshold,
		MinConfidence: cfg.ScorerMinConfidence,
	}
	sc := scorer.New(logger, weights, nil, cfg.FeatureMLScoringEnabled)
	correlation := scorer.NewCorrelationDetector(cfg.ScorerCooccurrenceMin, cfg.ScorerCorrelationMin)
	selectivity := scorer.NewSelectivityEstimator(pool.Short(), 0.1)

	// Lifecycle's registry backs C7's index-version and canary-experiment
	// rows; C10 reads through its own lifecycleStore below.
	registry := lifecycle.NewRegistry(pool.Short())

	// C7 auto-indexer orchestrator.
	indexStore := indexer.NewStore(pool.Long())
	orchestratorCfg := indexer.Config{
		Mode:                 indexer.Mode(cfg.IndexerMode),
		WindowLookback:       cfg.IndexerInterval,
		MinQueriesPerHour:    cfg.IndexerMinQueriesPerHour,
		ThresholdMultiplier:  cfg.IndexerThresholdMultiplier,
		MaxIndexesPerTable:   cfg.IndexerMaxIndexesPerTable,
		RollbackThresholdPct: cfg.IndexerRollbackThresholdPct,
		RollbackLatencyPct:   cfg.IndexerRollbackLatencyPct,
		PassDeadline:         cfg.IndexerPassDeadline,
		CanaryEnabled:        cfg.IndexerCanaryEnabled,
		SelectivityTolerance: 0.1,
		CooccurrenceMin:      cfg.ScorerCooccurrenceMin,
		CorrelationMin:       cfg.ScorerCorrelationMin,
	}
	orchestrator := indexer.New(logger, orchestratorCfg, indexer.Deps{
		Catalog:              cat,
		Telemetry:            collectorStore,
		PlanAnalyzer:         planAnalyzer,
		Scorer:               sc,
		Correlation:          correlation,
		SelectivityEstimator: selectivity,
		Safeguards:           stack,
		LockReleaser:         lockManager,
		Breaker:              breaker,
		IndexStore:           indexStore,
		AuditStore:           auditStore,
		AuditLog:             auditLog,
		IndexRegistry:        registry,
		Experiments:          registry,
	})

	// C9 query interceptor. It is constructed and held in components, but
	// runDaemon neither starts nor consults it; FeatureInterceptorEnabled is
	// only reported through the control plane's feature defaults.
	interceptorCfg := interceptor.Config{
		MinSafety:        cfg.InterceptorMinSafety,
		FailClosed:       cfg.InterceptorFailClosed,
		MaxLatency:       cfg.InterceptorMaxLatency,
		SyncLookup:       cfg.InterceptorSyncLookup,
		MaxEstimatedRows: cfg.InterceptorMaxEstimatedRows,
		PerTableCostCap:  cfg.InterceptorPerTableCostCap,
		MLWeight:         cfg.InterceptorMLWeight,
	}
	icept := interceptor.New(logger, interceptorCfg, planAnalyzer, interceptor.NewTemplateList(), nil, cfg.FeatureMLScoringEnabled, auditLog)

	// C10 lifecycle manager.
	lifecycleStore := lifecycle.NewStore(pool.Long())
	lifecycleCfg := lifecycle.Config{
		Mode:                     lifecycle.Mode(cfg.LifecycleMode),
		HourlyInterval:           cfg.LifecycleHourlyInterval,
		WeeklyInterval:           cfg.LifecycleWeeklyInterval,
		MonthlyInterval:          cfg.LifecycleMonthlyInterval,
		UnusedIndexMinSizeKB:     int64(cfg.LifecycleUnusedIndexMinSizeKB),
		BloatDeadTupleRatioFloor: cfg.LifecycleBloatDeadTupleRatioMin,
		StorageBudgetKB:          cfg.LifecycleStorageBudgetKB,
	}
	lifecycleMgr := lifecycle.New(logger, lifecycleCfg, lifecycle.Deps{
		Store:       lifecycleStore,
		Safeguards:  stack,
		LockRelease: lockManager,
		LockSweep:   lockManager,
		Breaker:     breaker,
		Coverage:    planAnalyzer,
		AuditLog:    auditLog,
	})

	// C11 schema discovery & drift watcher.
	discoveryStore := discovery.NewStore(pool.Short())
	discoveryCfg := discovery.Config{
		Interval:      cfg.DiscoveryInterval,
		Schema:        cfg.DiscoverySchema,
		ExcludeTables: cfg.DiscoveryExcludeTables,
	}
	watcher := discovery.New(logger, discoveryCfg, discoveryStore, cat, auditLog)

	return &components{
		pool:         pool,
		metrics:      telemetry.NewMetricsRegistry(),
		overrides:    overrides,
		catalog:      cat,
		buffer:       buffer,
		planAnalyzer: planAnalyzer,
		breaker:      breaker,
		lockManager:  lockManager,
		stack:        stack,
		scorer:       sc,
		correlation:  correlation,
		selectivity:  selectivity,
		auditStore:   auditStore,
		auditLog:     auditLog,
		orchestrator: orchestrator,
		interceptor:  icept,
		lifecycleMgr: lifecycleMgr,
		watcher:      watcher,
	}
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, c *components) error {
	c.buffer.Start(ctx)
	defer c.buffer.Close(ctx)
	c.auditLog.Start(ctx)
	defer c.auditLog.Close()

	if cfg.FeatureAutoIndexingEnabled {
		go c.orchestrator.Start(ctx, cfg.IndexerInterval)
	}
	c.lifecycleMgr.Start(ctx)
	go c.watcher.Start(ctx)

	server := controlplane.NewServer(controlplane.Deps{
		Logger:    logger,
		Metrics:   c.metrics,
		Analyzer:  c.orchestrator,
		Lifecycle: c.lifecycleMgr,
		Tenants:   c.catalog,
		Overrides: c.overrides,
		Breaker:   c.breaker,
		Coverage:  c.planAnalyzer,
		Pool:      poolReporter{c.pool},
		Window:    c.stack,
		AuditLog:  c.auditLog,
		Features: controlplane.FeatureDefaults{
			AutoIndexing: cfg.FeatureAutoIndexingEnabled,
			Stats:        cfg.FeatureStatsEnabled,
			Interceptor:  cfg.FeatureInterceptorEnabled,
			MLScoring:    cfg.FeatureMLScoringEnabled,
		},
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      server,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down control plane")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runOnce refreshes the catalog and runs a single C7 pass, used for
// cron-style invocation outside the daemon.
func runOnce(ctx context.Context, logger *slog.Logger, c *components) error {
	if err := c.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("refreshing catalog: %w", err)
	}

	c.auditLog.Start(ctx)
	defer c.auditLog.Close()

	summary, err := c.orchestrator.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("running indexer pass: %w", err)
	}
	logger.Info("run-once: indexer pass complete",
		"considered", summary.CandidatesConsidered, "decided", summary.Decided,
		"created", summary.Created, "errors", summary.Errors)
	return nil
}

type poolReporter struct{ pool *platform.Pool }

func (p poolReporter) Stats() controlplane.PoolStats {
	s := p.pool.Stats()
	return controlplane.PoolStats{InUse: s.InUse, Idle: s.Idle, MaxConns: s.MaxConns, AcquireFails: s.AcquireFails, Broken: s.Broken}
}
