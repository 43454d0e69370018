package ledger

import (
	"context"
	"time"

	"farmledger/internal/core/id"
	"farmledger/internal/core/types"
)

// Event types written to the outbox.
const (
	AggregateInventoryAccount = "InventoryAccount"

	EventStockChanged = "inventory.stock_changed"
	EventSyncHalted   = "inventory.sync_halted"
	EventSyncResumed  = "inventory.sync_resumed"
)

// StockChanged is published after every committed mutation.
type StockChanged struct {
	AccountID    id.ID          `json:"accountId"`
	FarmID       id.ID          `json:"farmId"`
	Category     Category       `json:"category"`
	ProductName  string         `json:"productName"`
	MovementID   id.ID          `json:"movementId"`
	MovementType MovementType   `json:"movementType"`
	Delta        types.Quantity `json:"delta"`
	Balance      types.Quantity `json:"balance"`
	UnitCost     types.Money    `json:"unitCost"`
	IsLowStock   bool           `json:"isLowStock"`
	StockHealth  StockHealth    `json:"stockHealth"`
	Version      int64          `json:"version"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// Notifier queues events inside the caller's transaction.
type Notifier interface {
	Notify(ctx context.Context, eventType string, aggregateID id.ID, payload any) error
}

// AuditEntry is one audit record for an account.
type AuditEntry struct {
	AccountID id.ID
	Action    string
	Before    any
	After     any
	Reason    string
}

// Audit actions.
const (
	AuditStockAdded     = "stock_added"
	AuditStockRemoved   = "stock_removed"
	AuditSettings       = "settings_changed"
	AuditDeactivated    = "deactivated"
	AuditMismatch       = "reconciliation_mismatch"
	AuditSyncResumed    = "sync_resumed"
	AuditAccountCreated = "account_created"
)

// Auditor writes audit entries inside the caller's transaction.
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry) error
}
