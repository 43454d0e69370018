// Package broker connects the ledger to Kafka: ready-stock events come in
// through a consumer group and committed ledger events go out from the outbox.
package broker

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// Config holds Kafka connection settings.
type Config struct {
	Brokers []string
	// ReadyStockTopic carries events from farm operations into the feeder.
	ReadyStockTopic string
	// EventsTopic receives committed ledger events from the outbox relay.
	EventsTopic string
	GroupID     string
	// DeadLetterTopic receives ready-stock messages that can never be applied.
	DeadLetterTopic string
}

// NewReader creates a consumer-group reader for ready-stock events.
// Offsets are committed explicitly after each message is handled.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.ReadyStockTopic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// NewWriter creates a writer for ledger events. Messages are keyed by account
// so one account's events stay ordered within a partition.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.EventsTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// NewDeadLetterWriter creates a writer for rejected ready-stock messages.
func NewDeadLetterWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.DeadLetterTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}
