// API server entry point for ABLab.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/turtacn/ABLab/internal/application/assignment"
	"github.com/turtacn/ABLab/internal/application/experiment"
	"github.com/turtacn/ABLab/internal/application/results"
	"github.com/turtacn/ABLab/internal/config"
	domainAssignment "github.com/turtacn/ABLab/internal/domain/assignment"
	domainExperiment "github.com/turtacn/ABLab/internal/domain/experiment"
	"github.com/turtacn/ABLab/internal/domain/result"
	"github.com/turtacn/ABLab/internal/infrastructure/database/postgres"
	"github.com/turtacn/ABLab/internal/infrastructure/database/postgres/repositories"
	"github.com/turtacn/ABLab/internal/infrastructure/database/redis"
	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/prometheus"
	httpserver "github.com/turtacn/ABLab/internal/interfaces/http"
	"github.com/turtacn/ABLab/internal/interfaces/http/handlers"
	"github.com/turtacn/ABLab/internal/interfaces/http/middleware"
)

const (
	defaultConfigPath = "configs/config.yaml"
	initTimeout       = 30 * time.Second
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	skipMigrate := flag.Bool("skip-migrate", false, "skip running database migrations at startup")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("apiserver")

	logger.Info("starting ABLab API server",
		logging.String("version", version),
		logging.Int("port", cfg.Server.Port),
		logging.String("mode", cfg.Server.Mode),
	)
	httpserver.SetMode(cfg.Server.Mode)

	// Metrics
	var (
		appMetrics *prometheus.AppMetrics
		collector  prometheus.MetricsCollector
	)
	if cfg.Metrics.Enabled {
		collector, err = prometheus.NewMetricsCollector(collectorConfig(cfg.Metrics, "apiserver"), logger)
		if err != nil {
			logger.Fatal("failed to create metrics collector", logging.Err(err))
		}
		appMetrics = prometheus.NewAppMetrics(collector)
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), initTimeout)
	defer cancelInit()

	// PostgreSQL
	pgCfg := postgresConfig(cfg.Database)
	pg, err := postgres.NewConnection(initCtx, pgCfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to postgres", logging.Err(err))
	}
	defer pg.Close()

	if !*skipMigrate {
		if err := postgres.NewMigrator(pgCfg, logger).Up(); err != nil {
			logger.Fatal("database migration failed", logging.Err(err))
		}
	}

	// Redis
	redisCli, err := redis.NewClient(redisConfig(cfg.Redis), logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", logging.Err(err))
	}
	defer redisCli.Close()

	// Kafka. The API stays up without it: events are fire-and-forget, so a
	// missing broker degrades to no event stream rather than downtime.
	var producer *kafka.Producer
	if p, err := kafka.NewProducer(producerConfig(cfg.Kafka), logger); err != nil {
		logger.Warn("kafka unavailable, events disabled", logging.Err(err))
	} else {
		producer = p
		defer producer.Close()
		if cfg.Kafka.AutoCreateTopics {
			ensureTopics(initCtx, cfg.Kafka.Brokers, logger)
		}
	}

	audit := kafka.NewNopAuditLogger()
	if producer != nil {
		audit = kafka.NewAuditLogger(producer, "ablab-apiserver", logger)
	}

	// Repositories
	expRepo := repositories.NewExperimentRepository(pg.Pool(), logger)
	asgRepo := repositories.NewAssignmentRepository(pg.Pool(), logger)
	resRepo := repositories.NewResultEventRepository(pg.Pool(), logger)

	var registry domainAssignment.Registry = expRepo
	if cfg.Experiment.RegistryCacheTTL > 0 {
		registry = redis.NewCachedRegistry(redisCli, logger, expRepo, cfg.Experiment.RegistryCacheTTL)
	}

	cache := redis.NewAssignmentCache(redisCli, logger, cfg.Experiment.AssignmentTTL)

	var recent result.RecentBuffer
	if cfg.Experiment.RecentBufferSize > 0 {
		recent = redis.NewRecentBuffer(redisCli, logger, cfg.Experiment.RecentBufferSize)
	}

	// Domain layer
	engineOpts := []domainAssignment.Option{domainAssignment.WithSalt(cfg.Experiment.HashSalt)}
	if cfg.Experiment.RandomTrafficGate {
		engineOpts = append(engineOpts, domainAssignment.WithRandomGate(true))
	}
	engine := domainAssignment.NewEngine(registry, asgRepo, cache, logger, engineOpts...)
	expDomain := domainExperiment.NewService(expRepo, logger)
	recorder := result.NewRecorder(registry, resRepo, recent, logger)
	aggregator := result.NewAggregator(registry, resRepo, logger)

	// Application layer
	var (
		expPub experiment.Publisher
		asgPub assignment.Publisher
		resPub results.Publisher
	)
	if producer != nil {
		expPub, asgPub, resPub = producer, producer, producer
	}
	expSvc := experiment.NewService(expDomain, expPub, audit, logger)
	asgSvc := assignment.NewService(engine, registry, asgPub, appMetrics, logger)
	resSvc := results.NewService(recorder, aggregator, registry, resPub, appMetrics, logger,
		results.WithSignificanceLevel(cfg.Experiment.SignificanceLevel))

	// HTTP interface
	routerCfg := httpserver.RouterConfig{
		ExperimentHandler: handlers.NewExperimentHandler(expSvc, logger),
		AssignmentHandler: handlers.NewAssignmentHandler(asgSvc, logger),
		ResultHandler:     handlers.NewResultHandler(resSvc, logger),
		HealthHandler: handlers.NewHealthHandler(version,
			handlers.NewChecker("postgres", pg.HealthCheck),
			handlers.NewChecker("redis", redisCli.Ping),
		),
		Logger:  logger,
		Metrics: appMetrics,
	}
	if collector != nil && cfg.Metrics.Enabled {
		routerCfg.MetricsHandler = collector.Handler()
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		corsCfg := middleware.DefaultCORSConfig()
		corsCfg.AllowedOrigins = cfg.Server.CORSOrigins
		routerCfg.CORS = &corsCfg
	}
	if cfg.Server.RateLimitRPS > 0 {
		routerCfg.RateLimiter = middleware.NewTokenBucketLimiter(
			cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, time.Minute)
	}

	srv := httpserver.NewServer(cfg.Server, httpserver.NewRouter(routerCfg), logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("http server failed", logging.Err(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", logging.String("signal", sig.String()))

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("http server shutdown error", logging.Err(err))
	}
	logger.Info("API server stopped")
}

// loadConfig reads the config file when it exists and falls back to
// environment variables and defaults when it does not.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.LoadFromEnv()
	}
	return config.Load(path)
}

// ensureTopics creates the default topics; failure is logged and ignored
// since the broker may disallow topic administration.
func ensureTopics(ctx context.Context, brokers []string, logger logging.Logger) {
	tm, err := kafka.NewTopicManager(brokers, logger)
	if err != nil {
		logger.Warn("topic manager unavailable", logging.Err(err))
		return
	}
	defer tm.Close()
	if err := tm.EnsureDefaultTopics(ctx); err != nil {
		logger.Warn("topic creation failed", logging.Err(err))
	}
}
