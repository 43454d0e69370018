package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"farmledger/internal/domain/ledger"
	"farmledger/internal/infrastructure/cache"
	"farmledger/internal/infrastructure/storage/postgres"
	"farmledger/pkg/logger"
)

// MessageWriter is the part of kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// SnapshotWriter stores availability snapshots.
type SnapshotWriter interface {
	Put(ctx context.Context, snap cache.Snapshot) (bool, error)
}

// EventPublisher relays outbox messages to Kafka and refreshes the
// availability cache from stock_changed events.
type EventPublisher struct {
	writer    MessageWriter
	snapshots SnapshotWriter
}

var _ postgres.OutboxHandler = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher. snapshots may be nil.
func NewEventPublisher(writer MessageWriter, snapshots SnapshotWriter) *EventPublisher {
	return &EventPublisher{writer: writer, snapshots: snapshots}
}

// Handle publishes one outbox message.
func (p *EventPublisher) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.AggregateID.String()),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "aggregate_type", Value: []byte(msg.AggregateType)},
			{Key: "message_id", Value: []byte(msg.ID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", msg.EventType, err)
	}

	if p.snapshots == nil || msg.EventType != ledger.EventStockChanged {
		return nil
	}
	var ev ledger.StockChanged
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		// Already published; a bad payload must not republish it.
		logger.Warn(ctx, "cannot decode stock_changed payload", "message_id", msg.ID, "error", err)
		return nil
	}
	if _, err := p.snapshots.Put(ctx, cache.SnapshotFromEvent(ev)); err != nil {
		logger.Warn(ctx, "snapshot refresh failed", "account_id", ev.AccountID, "error", err)
	}
	return nil
}
