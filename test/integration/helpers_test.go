//go:build integration

// Package integration wires the real application services over disposable
// PostgreSQL and Redis containers and drives complete experiment flows through
// them.  Tests require Docker and are gated behind the "integration" build
// tag.  Events and metrics are left unwired; those paths have their own
// coverage and disabling them keeps the flows deterministic.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	appAssignment "github.com/turtacn/ABLab/internal/application/assignment"
	appExperiment "github.com/turtacn/ABLab/internal/application/experiment"
	appResults "github.com/turtacn/ABLab/internal/application/results"
	domainAssignment "github.com/turtacn/ABLab/internal/domain/assignment"
	domainExperiment "github.com/turtacn/ABLab/internal/domain/experiment"
	"github.com/turtacn/ABLab/internal/domain/result"
	"github.com/turtacn/ABLab/internal/infrastructure/database/postgres"
	"github.com/turtacn/ABLab/internal/infrastructure/database/postgres/repositories"
	"github.com/turtacn/ABLab/internal/infrastructure/database/redis"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// startPostgres launches a PostgreSQL 16 container, applies the embedded
// migrations, and returns a connected pool.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "ablab_test",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithStartupTimeoutDefault(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := postgres.Config{
		Host:     host,
		Port:     port.Int(),
		User:     "test",
		Password: "test",
		DBName:   "ablab_test",
		SSLMode:  "disable",
	}

	require.NoError(t, postgres.NewMigrator(cfg, logging.NewNopLogger()).Up())

	conn, err := postgres.NewConnection(ctx, cfg, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	return conn.Pool()
}

// startRedis launches a Redis 7 container and returns a connected client.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections"),
			wait.ForListeningPort("6379/tcp"),
		).WithStartupTimeoutDefault(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	cli, err := redis.NewClient(&redis.Config{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	}, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	return cli
}

// stack is the full application-service assembly the API server would wire,
// minus Kafka and metrics.
type stack struct {
	experiments appExperiment.Service
	assignments appAssignment.Service
	results     appResults.Service
	cache       *redis.AssignmentCache
}

// newStack assembles the services over a live pool and Redis client.  The
// fixed engine salt keeps bucket hashes stable across test runs.
func newStack(t *testing.T, pool *pgxpool.Pool, redisCli *redis.Client) *stack {
	t.Helper()
	log := logging.NewNopLogger()

	expRepo := repositories.NewExperimentRepository(pool, log)
	asgRepo := repositories.NewAssignmentRepository(pool, log)
	resRepo := repositories.NewResultEventRepository(pool, log)

	cache := redis.NewAssignmentCache(redisCli, log, time.Hour)
	engine := domainAssignment.NewEngine(expRepo, asgRepo, cache, log,
		domainAssignment.WithSalt("integration"))
	recorder := result.NewRecorder(expRepo, resRepo, nil, log)
	aggregator := result.NewAggregator(expRepo, resRepo, log)

	return &stack{
		experiments: appExperiment.NewService(domainExperiment.NewService(expRepo, log), nil, nil, log),
		assignments: appAssignment.NewService(engine, expRepo, nil, nil, log),
		results:     appResults.NewService(recorder, aggregator, expRepo, nil, nil, log),
		cache:       cache,
	}
}

// createActiveExperiment creates and activates a two-variant experiment with
// full traffic so no subject hits the allocation gate.
func createActiveExperiment(t *testing.T, s *stack, name string) *etypes.ExperimentDTO {
	t.Helper()
	ctx := context.Background()

	_, err := s.experiments.Create(ctx, &appExperiment.CreateInput{
		Name:              name,
		DisplayName:       "Checkout CTA",
		Hypothesis:        "a green button lifts conversion",
		TrafficAllocation: 100,
		SuccessMetric:     "purchase",
		Variants: []appExperiment.VariantInput{
			{Name: "control", IsControl: true, Weight: 50},
			{Name: "green_button", Weight: 50, Configuration: map[string]any{"color": "green"}},
		},
		Actor: "tester",
	})
	require.NoError(t, err)

	dto, err := s.experiments.Activate(ctx, name, "tester")
	require.NoError(t, err)
	require.Equal(t, etypes.StatusActive, dto.Status)
	return dto
}

// recordConversions appends one conversion observation per subject: the first
// `converted` subjects record value 1, the rest record 0.
func recordConversions(t *testing.T, s *stack, experiment, variant, metric string, total, converted int) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < total; i++ {
		value := 0.0
		if i < converted {
			value = 1
		}
		_, err := s.results.Record(ctx, &appResults.RecordInput{
			ExperimentName: experiment,
			VariantName:    variant,
			UserID:         fmt.Sprintf("%s-user-%03d", variant, i),
			MetricName:     metric,
			MetricType:     string(etypes.MetricConversion),
			MetricValue:    value,
		})
		require.NoError(t, err)
	}
}

// variantStats pulls one (variant, metric) cell out of an aggregated report.
func variantStats(t *testing.T, report *etypes.ResultsReportDTO, variant, metric string) *etypes.MetricStatisticsDTO {
	t.Helper()
	for i := range report.Variants {
		if report.Variants[i].VariantName != variant {
			continue
		}
		for j := range report.Variants[i].Metrics {
			if report.Variants[i].Metrics[j].MetricName == metric {
				return &report.Variants[i].Metrics[j]
			}
		}
	}
	t.Fatalf("report has no statistics for variant %q metric %q", variant, metric)
	return nil
}
