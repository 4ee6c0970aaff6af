package main

import (
	"time"

	"github.com/turtacn/ABLab/internal/config"
	"github.com/turtacn/ABLab/internal/infrastructure/database/postgres"
	"github.com/turtacn/ABLab/internal/infrastructure/database/redis"
	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/prometheus"
)

// The infrastructure packages carry their own config structs so they do not
// depend on internal/config. These adapters map the loaded configuration onto
// them.

func postgresConfig(cfg config.DatabaseConfig) postgres.Config {
	return postgres.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		DBName:          cfg.DBName,
		SSLMode:         cfg.SSLMode,
		MaxConns:        int32(cfg.MaxConns),
		MinConns:        int32(cfg.MinConns),
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

func redisConfig(cfg config.RedisConfig) *redis.Config {
	return &redis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

func producerConfig(cfg config.KafkaConfig) kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      cfg.Brokers,
		Acks:         "all",
		MaxRetries:   cfg.ProducerRetries,
		RetryBackoff: 100 * time.Millisecond,
		BatchSize:    cfg.BatchSize,
	}
}

func collectorConfig(cfg config.MetricsConfig, subsystem string) prometheus.CollectorConfig {
	return prometheus.CollectorConfig{
		Namespace:            cfg.Namespace,
		Subsystem:            subsystem,
		EnableProcessMetrics: true,
		EnableGoMetrics:      true,
	}
}
