package common

import (
	"context"
	"time"
)

// ProducerMessage is a broker-agnostic outbound message.
type ProducerMessage struct {
	Topic     string            `json:"topic"`
	Key       []byte            `json:"key,omitempty"`
	Value     []byte            `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
	Partition int               `json:"partition,omitempty"`
}

// Message is a broker-agnostic inbound message as delivered to handlers.
type Message struct {
	Topic     string            `json:"topic"`
	Partition int               `json:"partition"`
	Offset    int64             `json:"offset"`
	Key       []byte            `json:"key,omitempty"`
	Value     []byte            `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MessageHandler processes a single inbound message. Returning an error
// triggers the consumer's retry policy and, ultimately, the dead-letter path.
type MessageHandler func(ctx context.Context, msg *Message) error

// TopicConfig describes a topic to be created or verified at startup.
type TopicConfig struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
	RetentionMs       int64
	CleanupPolicy     string
	MaxMessageBytes   int
	Configs           map[string]string
}

// BatchItemError records a per-message failure within a batch publish.
type BatchItemError struct {
	Index int
	Topic string
	Error error
}

// BatchPublishResult summarizes the outcome of a batch publish.
type BatchPublishResult struct {
	Succeeded int
	Failed    int
	Errors    []BatchItemError
}
