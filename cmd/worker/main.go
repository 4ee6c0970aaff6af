// Background worker entry point for ABLab. Consumes the event topics and
// runs the indexing and completion-report pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/turtacn/ABLab/internal/application/results"
	"github.com/turtacn/ABLab/internal/config"
	"github.com/turtacn/ABLab/internal/domain/result"
	"github.com/turtacn/ABLab/internal/infrastructure/database/postgres"
	"github.com/turtacn/ABLab/internal/infrastructure/database/postgres/repositories"
	"github.com/turtacn/ABLab/internal/infrastructure/database/redis"
	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/ABLab/internal/infrastructure/search/opensearch"
	"github.com/turtacn/ABLab/internal/infrastructure/storage/minio"
	"github.com/turtacn/ABLab/internal/worker"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultHealthPort = 8081
	initTimeout       = 30 * time.Second
	completionLockTTL = 10 * time.Minute
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	workers := flag.Int("workers", 0, "number of concurrent consumers (default: config, then CPU*2)")
	topicFilter := flag.String("topics", "", "comma-separated list of topics to consume (default: all)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("worker")

	concurrency := cfg.Worker.Concurrency
	if *workers > 0 {
		concurrency = *workers
	}
	if concurrency <= 0 {
		concurrency = runtime.NumCPU() * 2
	}

	logger.Info("starting ABLab worker",
		logging.String("version", version),
		logging.Int("consumers", concurrency),
	)

	var appMetrics *prometheus.AppMetrics
	if cfg.Metrics.Enabled {
		collector, err := prometheus.NewMetricsCollector(collectorConfig(cfg.Metrics, "worker"), logger)
		if err != nil {
			logger.Fatal("failed to create metrics collector", logging.Err(err))
		}
		appMetrics = prometheus.NewAppMetrics(collector)
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), initTimeout)
	defer cancelInit()

	infra, err := initInfrastructure(initCtx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize infrastructure", logging.Err(err))
	}
	defer infra.Close()

	indexer := opensearch.NewEventIndexer(infra.opensearch, opensearch.EventIndexerConfig{
		IndexPrefix: cfg.OpenSearch.IndexPrefix,
	}, logger)
	if err := indexer.EnsureIndexes(initCtx); err != nil {
		logger.Fatal("failed to ensure search indexes", logging.Err(err))
	}

	if cfg.Kafka.AutoCreateTopics {
		ensureTopics(initCtx, cfg.Kafka.Brokers, logger)
	}

	// Report building reads the same stores as the API but publishes nothing:
	// emitting events from an event handler would loop the pipeline back into
	// itself.
	expRepo := repositories.NewExperimentRepository(infra.pg.Pool(), logger)
	resRepo := repositories.NewResultEventRepository(infra.pg.Pool(), logger)
	recorder := result.NewRecorder(expRepo, resRepo, nil, logger)
	aggregator := result.NewAggregator(expRepo, resRepo, logger)
	resSvc := results.NewService(recorder, aggregator, expRepo, nil, appMetrics, logger,
		results.WithSignificanceLevel(cfg.Experiment.SignificanceLevel))

	archive := minio.NewReportArchive(infra.minio, logger)
	assignmentCache := redis.NewAssignmentCache(infra.redis, logger, cfg.Experiment.AssignmentTTL)
	lockFactory := func(name string) worker.Lock {
		return redis.NewMutex(infra.redis, logger, name, redis.WithLockTTL(completionLockTTL))
	}

	handlerSet := []worker.Handler{
		worker.NewResultIndexHandler(indexer, logger),
		worker.NewAuditIndexHandler(indexer, logger),
		worker.NewCompletionReportHandler(resSvc, archive, assignmentCache, lockFactory, appMetrics, logger),
	}
	handlerSet = filterHandlers(handlerSet, *topicFilter)
	if len(handlerSet) == 0 {
		logger.Fatal("topic filter matches no handlers", logging.String("topics", *topicFilter))
	}

	topics := handlerTopics(handlerSet)

	// Several consumers in one group scale the worker out: the broker spreads
	// partitions across them.
	consumers := make([]worker.Subscriber, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		consumer, err := kafka.NewConsumer(consumerConfig(cfg.Kafka, cfg.Worker, topics), logger)
		if err != nil {
			logger.Fatal("failed to create kafka consumer", logging.Err(err))
		}
		consumers = append(consumers, consumer)
	}

	pipeline := worker.NewPipeline(consumers, appMetrics, logger,
		worker.WithHandlerTimeout(cfg.Worker.HandlerTimeout))
	pipeline.Register(handlerSet...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pipeline.Start(ctx); err != nil {
		logger.Fatal("failed to start pipeline", logging.Err(err))
	}

	healthSrv := startHealthServer(cfg, infra, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", logging.String("signal", sig.String()))

	// Close drains in-flight messages before the consumers stop.
	if err := pipeline.Close(); err != nil {
		logger.Error("pipeline shutdown error", logging.Err(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", logging.Err(err))
	}

	logger.Info("worker stopped")
}

// workerInfrastructure holds the backing clients of the worker process.
type workerInfrastructure struct {
	pg         *postgres.Connection
	redis      *redis.Client
	opensearch *opensearch.Client
	minio      *minio.Client
}

func (w *workerInfrastructure) Close() {
	if w.opensearch != nil {
		w.opensearch.Close()
	}
	if w.redis != nil {
		w.redis.Close()
	}
	if w.pg != nil {
		w.pg.Close()
	}
}

func initInfrastructure(ctx context.Context, cfg *config.Config, logger logging.Logger) (*workerInfrastructure, error) {
	infra := &workerInfrastructure{}

	pg, err := postgres.NewConnection(ctx, postgresConfig(cfg.Database), logger)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	infra.pg = pg

	redisCli, err := redis.NewClient(redisConfig(cfg.Redis), logger)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	infra.redis = redisCli

	osCli, err := opensearch.NewClient(opensearchConfig(cfg.OpenSearch), logger)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("opensearch: %w", err)
	}
	infra.opensearch = osCli

	minioCli, err := minio.NewClient(minioConfig(cfg.MinIO), logger)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("minio: %w", err)
	}
	infra.minio = minioCli

	logger.Info("worker infrastructure initialized")
	return infra, nil
}

// filterHandlers keeps the handlers whose topics intersect the comma-separated
// filter; an empty filter keeps everything.
func filterHandlers(handlerSet []worker.Handler, filter string) []worker.Handler {
	if filter == "" {
		return handlerSet
	}
	allowed := make(map[string]bool)
	for _, t := range strings.Split(filter, ",") {
		allowed[strings.TrimSpace(t)] = true
	}

	var kept []worker.Handler
	for _, h := range handlerSet {
		for _, t := range h.Topics() {
			if allowed[t] {
				kept = append(kept, h)
				break
			}
		}
	}
	return kept
}

func handlerTopics(handlerSet []worker.Handler) []string {
	seen := make(map[string]bool)
	var topics []string
	for _, h := range handlerSet {
		for _, t := range h.Topics() {
			if !seen[t] {
				seen[t] = true
				topics = append(topics, t)
			}
		}
	}
	return topics
}

// startHealthServer exposes liveness and readiness probes on the worker's
// health port. Readiness reflects the actual backing stores.
func startHealthServer(cfg *config.Config, infra *workerInfrastructure, logger logging.Logger) *http.Server {
	port := cfg.Worker.HealthPort
	if port <= 0 {
		port = defaultHealthPort
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := infra.pg.HealthCheck(ctx); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := infra.redis.Ping(ctx); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if !infra.opensearch.IsHealthy() {
			http.Error(w, "opensearch unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		logger.Info("health server listening", logging.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", logging.Err(err))
		}
	}()
	return srv
}

// loadConfig reads the config file when it exists and falls back to
// environment variables and defaults when it does not.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.LoadFromEnv()
	}
	return config.Load(path)
}

// ensureTopics creates the default topics; failure is logged and ignored.
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
