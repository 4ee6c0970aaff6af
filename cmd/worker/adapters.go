package main

import (
	"github.com/turtacn/ABLab/internal/config"
	"github.com/turtacn/ABLab/internal/infrastructure/database/postgres"
	"github.com/turtacn/ABLab/internal/infrastructure/database/redis"
	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/ABLab/internal/infrastructure/search/opensearch"
	"github.com/turtacn/ABLab/internal/infrastructure/storage/minio"
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

func consumerConfig(cfg config.KafkaConfig, wcfg config.WorkerConfig, topics []string) kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:         cfg.Brokers,
		GroupID:         cfg.GroupID,
		Topics:          topics,
		AutoOffsetReset: cfg.AutoOffsetReset,
		RetryConfig: kafka.RetryConfig{
			MaxRetries:      wcfg.MaxRetries,
			RetryBackoff:    wcfg.RetryBackoff,
			MaxRetryBackoff: 8 * wcfg.RetryBackoff,
			DeadLetterTopic: kafka.TopicDeadLetter,
		},
	}
}

func opensearchConfig(cfg config.OpenSearchConfig) opensearch.ClientConfig {
	return opensearch.ClientConfig{
		Addresses:          cfg.Addresses,
		Username:           cfg.User,
		Password:           cfg.Password,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
}

func minioConfig(cfg config.MinIOConfig) *minio.Config {
	return &minio.Config{
		Endpoint:      cfg.Endpoint,
		AccessKey:     cfg.AccessKey,
		SecretKey:     cfg.SecretKey,
		Bucket:        cfg.Bucket,
		UseSSL:        cfg.UseSSL,
		PresignExpiry: cfg.PresignExpiry,
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
