// Package main is the entry point for the caseflow workflow service.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/archive"
	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/capability"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/openapi"
	"github.com/pitabwire/caseflow/internal/projector"
	"github.com/pitabwire/caseflow/internal/storage"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "caseflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Open storage and apply migrations.
	stores, err := openStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("storage initialization failed", zap.Error(err))
		return 1
	}
	defer stores.close()

	// Step 5: Load seed templates and write them into the template store.
	if cfg.Templates.SeedOnStart {
		templates, err := definition.NewLoader().LoadAll(cfg.Templates.Directories)
		if err != nil {
			logger.Error("template loading failed", zap.Error(err))
			return 1
		}
		res, err := definition.Seed(ctx, stores.templates, templates, logger)
		if err != nil {
			logger.Error("template seeding failed", zap.Error(err))
			return 1
		}
		logger.Info("templates seeded",
			zap.Int("created", res.Created),
			zap.Int("updated", res.Updated),
			zap.Int("unchanged", res.Unchanged),
		)
	}
	if all, err := stores.templates.List(ctx); err == nil {
		metrics.SetTemplatesLoaded(len(all))
	}

	// Step 6: Shared Redis client, when any component needs it.
	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisClient, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Error("redis initialization failed", zap.Error(err))
			return 1
		}
		defer redisClient.Close()
	}

	// Step 7: Initialize capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy load failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(evaluator, cfg.Capability.Cache, metrics)

	// Step 8: Build the engine collaborators.
	auditSink, err := buildAuditSink(cfg, stores.pool, logger)
	if err != nil {
		logger.Error("audit initialization failed", zap.Error(err))
		return 1
	}

	engineOpts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithAuditSink(auditSink),
		workflow.WithLegacyLabels(cfg.Workflow.LegacyLabelMatching),
		workflow.WithDeletionPolicy(workflow.DeletionPolicy(cfg.Workflow.CaseDeletionPolicy)),
	}

	var dispatcher *projector.Dispatcher
	if cfg.Projector.Enabled {
		sink, err := buildProjectorSink(cfg.Projector, redisClient, logger)
		if err != nil {
			logger.Error("projector initialization failed", zap.Error(err))
			return 1
		}
		dispatcher = projector.NewDispatcher(sink, cfg.Projector,
			projector.WithDispatcherLogger(logger),
			projector.WithDispatcherMetrics(metrics),
		)
		engineOpts = append(engineOpts, workflow.WithNotifier(dispatcher))
	}

	if cfg.Workflow.CaseDeletionPolicy == config.DeletionArchive {
		client, err := archive.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			logger.Error("archive initialization failed", zap.Error(err))
			return 1
		}
		engineOpts = append(engineOpts, workflow.WithArchiver(archive.NewS3Archiver(client, cfg.Archive, logger)))
	}

	engine := workflow.NewEngine(stores.templates, stores.instances, engineOpts...)

	// Step 9: Idempotency store for action retries.
	var idemStore idempotency.Store
	if cfg.Idempotency.Enabled {
		switch cfg.Idempotency.Driver {
		case "redis":
			idemStore = idempotency.NewRedisStore(redisClient)
		default:
			idemStore = idempotency.NewMemoryStore()
		}
		logger.Info("idempotency enabled", zap.String("driver", cfg.Idempotency.Driver))
	}

	// Step 10: Build HTTP router.
	api, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("API description load failed", zap.Error(err))
		return 1
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		TemplatesLoaded: func() bool {
			all, err := stores.templates.List(context.Background())
			return err == nil && len(all) > 0
		},
		InstanceStore: stores.instances,
		TemplateStore: stores.templates,
		Identity:      jwks,
	}
	if idemStore != nil {
		readiness.IdempotencyStore = idemStore
	}
	if dispatcher != nil {
		readiness.Projector = dispatcher
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Metrics:            metrics,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Engine:             engine,
		Templates:          stores.templates,
		Idempotency:        idemStore,
		API:                api,
		Readiness:          readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go reloadPolicyOnHangup(bgCtx, evaluator, capResolver, logger)

	// Step 12: Start HTTP server.
	title, apiVersion := api.Title()
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("api", title+" "+apiVersion),
		zap.String("store", cfg.Store.Driver),
		zap.String("case_deletion_policy", cfg.Workflow.CaseDeletionPolicy),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	// Deliver queued case status notifications before the stores close.
	if dispatcher != nil {
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Error("projector shutdown error", zap.Error(err))
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// storeSet holds the template and instance stores for one driver.
type storeSet struct {
	templates definition.TemplateStore
	instances workflow.InstanceStore
	pool      *pgxpool.Pool
	db        *sql.DB
}

func (s *storeSet) close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// openStores creates the template and instance stores for the configured
// driver, applying migrations when asked to.
func openStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*storeSet, error) {
	opts := storage.PoolOptions{
		MaxConns:        cfg.MaxOpenConns,
		MinConns:        cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}

	switch cfg.Driver {
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}
		pool, err := storage.OpenPostgres(ctx, dsn, opts)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := storage.MigratePostgres(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, fmt.Errorf("store: %w", err)
			}
		}
		logger.Info("using postgres store")
		return &storeSet{
			templates: definition.NewPgTemplateStore(pool),
			instances: workflow.NewPgInstanceStore(pool),
			pool:      pool,
		}, nil

	case "sqlite":
		db, err := storage.OpenSQLite(cfg.SQLitePath, opts)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := storage.MigrateSQLite(ctx, db, logger); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("store: %w", err)
			}
		}
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return &storeSet{
			templates: definition.NewSQLiteTemplateStore(db),
			instances: workflow.NewSQLiteInstanceStore(db),
			db:        db,
		}, nil

	default:
		logger.Info("using in-memory store")
		return &storeSet{
			templates: definition.NewRegistry(nil),
			instances: workflow.NewMemoryInstanceStore(),
		}, nil
	}
}

func needsRedis(cfg *config.Config) bool {
	return (cfg.Idempotency.Enabled && cfg.Idempotency.Driver == "redis") ||
		(cfg.Projector.Enabled && cfg.Projector.Driver == "redis")
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

// buildAuditSink fans audit records out to every configured sink.
func buildAuditSink(cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (audit.Sink, error) {
	var sinks audit.MultiSink
	for _, name := range cfg.Audit.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewLogSink(logger, cfg.Audit.ServiceName))
		case "postgres":
			if pool == nil {
				return nil, errors.New("postgres audit sink requires the postgres store")
			}
			sinks = append(sinks, audit.NewPgSink(pool, cfg.Audit.ServiceName))
		default:
			return nil, fmt.Errorf("unsupported audit sink: %q", name)
		}
	}
	if len(sinks) == 0 {
		return audit.NopSink{}, nil
	}
	return sinks, nil
}

// buildProjectorSink creates the delivery target for case status
// notifications.
func buildProjectorSink(cfg config.ProjectorConfig, client *redis.Client, logger *zap.Logger) (projector.Sink, error) {
	switch cfg.Driver {
	case "webhook":
		secret := ""
		if cfg.SecretEnv != "" {
			secret = os.Getenv(cfg.SecretEnv)
		}
		return projector.NewWebhookSink(cfg.URL, secret, cfg.Timeout), nil
	case "redis":
		return projector.NewRedisSink(client, cfg.Channel), nil
	case "log", "":
		return projector.NewLogSink(logger), nil
	default:
		return nil, fmt.Errorf("unsupported projector driver: %q", cfg.Driver)
	}
}

// reloadPolicyOnHangup re-reads the capability policy on SIGHUP and drops
// cached capability sets so the new policy applies to the next request.
func reloadPolicyOnHangup(ctx context.Context, evaluator *capability.StaticPolicyEvaluator, resolver *capability.Resolver, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := evaluator.Sync(); err != nil {
				logger.Error("capability policy reload failed", zap.Error(err))
				continue
			}
			resolver.Flush()
			logger.Info("capability policy reloaded", zap.Strings("roles", evaluator.Roles()))
		}
	}
}
