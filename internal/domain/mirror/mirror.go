// Package mirror keeps marketplace listings in step with inventory accounts.
//
// The sync is one-way: listings reference an inventory account by id only and
// never feed back into the ledger.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"farmledger/internal/core/id"
	"farmledger/pkg/logger"
)

// ListingStatus is the sales-facing state of a listing.
type ListingStatus string

const (
	StatusActive     ListingStatus = "active"
	StatusOutOfStock ListingStatus = "out_of_stock"
	StatusDraft      ListingStatus = "draft"
	StatusWithdrawn  ListingStatus = "withdrawn"
	StatusSuspended  ListingStatus = "suspended"
)

// Toggleable reports whether the sync may change this status.
// Only the active/out_of_stock pair is owned by the mirror.
func (s ListingStatus) Toggleable() bool {
	return s == StatusActive || s == StatusOutOfStock
}

// Listing is the subset of a marketplace listing the mirror reads and writes.
type Listing struct {
	ID                id.ID           `db:"id" json:"id"`
	AccountID         id.ID           `db:"inventory_account_id" json:"inventoryAccountId"`
	OnHandQuantity    decimal.Decimal `db:"on_hand_quantity" json:"onHandQuantity"`
	Status            ListingStatus   `db:"status" json:"status"`
	InventorySyncedAt *time.Time      `db:"inventory_synced_at" json:"inventorySyncedAt,omitempty"`
}

// Snapshot is the account state pushed after a mutation.
type Snapshot struct {
	AccountID id.ID
	OnHand    decimal.Decimal
	// Halted is set while a reconciliation mismatch is unresolved.
	Halted bool
	At     time.Time
}

// ListingUpdate is one write the mirror wants applied.
type ListingUpdate struct {
	ListingID id.ID
	OnHand    decimal.Decimal
	Status    ListingStatus
	SyncedAt  time.Time
}

// Store reads and writes listings. Implementations must run on the caller's
// transaction so the listing changes commit with the ledger mutation.
type Store interface {
	ListingsForAccount(ctx context.Context, accountID id.ID) ([]Listing, error)
	ApplyListingUpdate(ctx context.Context, update ListingUpdate) error
}

// Result summarizes one sync.
type Result struct {
	Skipped  bool    `json:"skipped,omitempty"`
	Listings int     `json:"listings"`
	Toggled  []id.ID `json:"toggled,omitempty"`
	Held     []id.ID `json:"held,omitempty"` // listings in a status the mirror does not own
}

// Mirror applies account snapshots to linked listings.
type Mirror struct {
	store Store
}

// New creates a mirror backed by store.
func New(store Store) *Mirror {
	return &Mirror{store: store}
}

// DeriveStatus returns the status a listing should have for onHand units.
// Statuses outside the active/out_of_stock pair are returned unchanged.
func DeriveStatus(current ListingStatus, onHand decimal.Decimal) ListingStatus {
	if !current.Toggleable() {
		return current
	}
	if onHand.IsZero() {
		return StatusOutOfStock
	}
	return StatusActive
}

// Sync pushes snap to every listing linked to the account.
func (m *Mirror) Sync(ctx context.Context, snap Snapshot) (Result, error) {
	if snap.Halted {
		logger.Warn(ctx, "listing sync halted for account", "account_id", snap.AccountID)
		return Result{Skipped: true}, nil
	}

	listings, err := m.store.ListingsForAccount(ctx, snap.AccountID)
	if err != nil {
		return Result{}, fmt.Errorf("load listings: %w", err)
	}

	res := Result{Listings: len(listings)}
	for _, l := range listings {
		next := DeriveStatus(l.Status, snap.OnHand)
		if !l.Status.Toggleable() {
			res.Held = append(res.Held, l.ID)
		} else if next != l.Status {
			res.Toggled = append(res.Toggled, l.ID)
		}

		update := ListingUpdate{
			ListingID: l.ID,
			OnHand:    snap.OnHand,
			Status:    next,
			SyncedAt:  snap.At,
		}
		if err := m.store.ApplyListingUpdate(ctx, update); err != nil {
			return Result{}, fmt.Errorf("update listing %s: %w", l.ID, err)
		}
	}

	if len(res.Toggled) > 0 {
		logger.Info(ctx, "listing status toggled",
			"account_id", snap.AccountID,
			"on_hand", snap.OnHand.String(),
			"listings", res.Toggled,
		)
	}
	return res, nil
}
