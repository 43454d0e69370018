package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
	"farmledger/internal/core/types"
)

// Ledger is the only write path for movements.
type Ledger struct {
	store MovementStore
}

// NewLedger creates a ledger on store.
func NewLedger(store MovementStore) *Ledger {
	return &Ledger{store: store}
}

// Record appends m after checking it against the account quantity the caller
// has just written and against the previous entry's balance.
func (l *Ledger) Record(ctx context.Context, m *Movement, currentQty types.Quantity) (id.ID, error) {
	if m.Quantity.IsZero() {
		return id.Nil(), apperror.NewInvalidQuantity(m.Quantity.String())
	}
	if !m.BalanceAfter.Equal(currentQty) {
		return id.Nil(), apperror.NewReconciliationMismatch(m.AccountID.String(),
			fmt.Sprintf("movement balance %s differs from account quantity %s", m.BalanceAfter, currentQty))
	}

	prev, err := l.store.LastMovement(ctx, m.AccountID)
	if err != nil {
		return id.Nil(), fmt.Errorf("load last movement: %w", err)
	}
	prevBalance := decimal.Zero
	if prev != nil {
		prevBalance = prev.BalanceAfter
		if m.Sequence <= prev.Sequence {
			return id.Nil(), apperror.NewConcurrencyConflict("inventory_account", m.AccountID)
		}
	}
	if !prevBalance.Add(m.Quantity).Equal(m.BalanceAfter) {
		return id.Nil(), apperror.NewReconciliationMismatch(m.AccountID.String(),
			fmt.Sprintf("previous balance %s plus %s does not reach %s", prevBalance, m.Quantity, m.BalanceAfter))
	}

	if err := l.store.InsertMovement(ctx, m); err != nil {
		return id.Nil(), fmt.Errorf("insert movement: %w", err)
	}
	return m.ID, nil
}

// Divergence is the first movement whose running total disagrees with its
// recorded balance.
type Divergence struct {
	MovementID id.ID          `json:"movementId"`
	Sequence   int64          `json:"sequence"`
	Expected   types.Quantity `json:"expected"`
	Recorded   types.Quantity `json:"recorded"`
}

// Replay is the outcome of re-summing an account's history.
type Replay struct {
	AccountID  id.ID          `json:"accountId"`
	Movements  int            `json:"movements"`
	Computed   types.Quantity `json:"computed"`
	Added      types.Quantity `json:"added"`
	Removed    types.Quantity `json:"removed"`
	Divergence *Divergence    `json:"divergence,omitempty"`
}

// Replay sums signed quantities in sequence order.
func (l *Ledger) Replay(ctx context.Context, accountID id.ID) (*Replay, error) {
	movements, err := l.store.MovementsForReplay(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load movements: %w", err)
	}
	return replay(accountID, movements), nil
}

func replay(accountID id.ID, movements []Movement) *Replay {
	r := &Replay{
		AccountID: accountID,
		Movements: len(movements),
		Computed:  decimal.Zero,
		Added:     decimal.Zero,
		Removed:   decimal.Zero,
	}
	for _, m := range movements {
		r.Computed = r.Computed.Add(m.Quantity)
		if m.Quantity.IsPositive() {
			r.Added = r.Added.Add(m.Quantity)
		} else {
			r.Removed = r.Removed.Add(m.Quantity.Neg())
		}
		if r.Divergence == nil && !r.Computed.Equal(m.BalanceAfter) {
			r.Divergence = &Divergence{
				MovementID: m.ID,
				Sequence:   m.Sequence,
				Expected:   r.Computed,
				Recorded:   m.BalanceAfter,
			}
		}
	}
	return r
}

// Reconciliation compares a replay with the stored account and batches.
type Reconciliation struct {
	Replay          *Replay        `json:"replay"`
	AccountQuantity types.Quantity `json:"accountQuantity"`
	BatchQuantity   types.Quantity `json:"batchQuantity"`
	Balanced        bool           `json:"balanced"`
	Reason          string         `json:"reason,omitempty"`
}

func reconcile(acc *Account, batches *BatchTracker, r *Replay) *Reconciliation {
	rec := &Reconciliation{
		Replay:          r,
		AccountQuantity: acc.QuantityAvailable,
		BatchQuantity:   batches.TotalAvailable(),
		Balanced:        true,
	}
	switch {
	case r.Divergence != nil:
		rec.Reason = fmt.Sprintf("movement %d records %s, running total is %s",
			r.Divergence.Sequence, r.Divergence.Recorded, r.Divergence.Expected)
	case !r.Computed.Equal(acc.QuantityAvailable):
		rec.Reason = fmt.Sprintf("ledger sums to %s, account holds %s", r.Computed, acc.QuantityAvailable)
	case !rec.BatchQuantity.Equal(acc.QuantityAvailable):
		rec.Reason = fmt.Sprintf("batches hold %s, account holds %s", rec.BatchQuantity, acc.QuantityAvailable)
	}
	rec.Balanced = rec.Reason == ""
	return rec
}
