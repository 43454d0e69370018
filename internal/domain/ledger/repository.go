package ledger

import (
	"context"
	"time"

	"farmledger/internal/core/id"
)

// MovementStore persists ledger entries. It has no update or delete.
type MovementStore interface {
	InsertMovement(ctx context.Context, m *Movement) error
	// LastMovement returns nil when the account has no history.
	LastMovement(ctx context.Context, accountID id.ID) (*Movement, error)
	// MovementsForReplay returns every movement of the account ordered by sequence.
	MovementsForReplay(ctx context.Context, accountID id.ID) ([]Movement, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// MovementFilter narrows a movement listing.
type MovementFilter struct {
	AccountID id.ID
	Types     []MovementType
	From      *time.Time
	To        *time.Time
	Limit     uint64
	Offset    uint64
}

// AccountFilter narrows an account listing.
type AccountFilter struct {
	FarmID       *id.ID
	Category     *Category
	LowStockOnly bool
	Health       *StockHealth
	ActiveOnly   bool
	Limit        uint64
	Offset       uint64
}

// Repository is the account and batch store. Every method runs on the
// transaction carried by ctx when there is one.
type Repository interface {
	MovementStore

	// LockOrCreateAccount returns the account row for key locked for update,
	// inserting it from seed when missing. created reports whether this call inserted it.
	LockOrCreateAccount(ctx context.Context, key AccountKey, seed *Account) (acc *Account, created bool, err error)
	// LockAccount returns nil, nil when the account does not exist.
	LockAccount(ctx context.Context, key AccountKey) (*Account, error)
	LockAccountByID(ctx context.Context, accountID id.ID) (*Account, error)

	GetAccount(ctx context.Context, accountID id.ID) (*Account, error)
	FindAccount(ctx context.Context, key AccountKey) (*Account, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error)
	// UpdateAccount writes acc when the stored version equals expectedVersion.
	UpdateAccount(ctx context.Context, acc *Account, expectedVersion int64) error
	SetSyncHalted(ctx context.Context, accountID id.ID, halted bool, reason *string) error

	LoadOpenBatches(ctx context.Context, accountID id.ID) ([]Batch, error)
	ListBatches(ctx context.Context, accountID id.ID, includeDepleted bool) ([]Batch, error)
	// ExpiringBatches returns open batches expiring before the cutoff, oldest expiry first.
	ExpiringBatches(ctx context.Context, farmID *id.ID, before time.Time) ([]Batch, error)
	SaveBatches(ctx context.Context, batches []Batch) error
}
