package ledger

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
	"farmledger/internal/core/types"
)

// Batch is a dated sub-quantity of an account, consumed FIFO.
type Batch struct {
	ID              id.ID          `db:"id" json:"id"`
	AccountID       id.ID          `db:"account_id" json:"accountId"`
	Sequence        int64          `db:"sequence" json:"sequence"`
	InitialQuantity types.Quantity `db:"initial_quantity" json:"initialQuantity"`
	CurrentQuantity types.Quantity `db:"current_quantity" json:"currentQuantity"`
	UnitCost        types.Money    `db:"unit_cost" json:"unitCost"`
	ProductionDate  time.Time      `db:"production_date" json:"productionDate"`
	ExpiryDate      time.Time      `db:"expiry_date" json:"expiryDate"`
	IsDepleted      bool           `db:"is_depleted" json:"isDepleted"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`
}

// IsExpired reports whether the batch is past its expiry date at now.
func (b *Batch) IsExpired(now time.Time) bool {
	return !now.Before(b.ExpiryDate)
}

// DaysUntilExpiry returns whole days left; negative once expired.
func (b *Batch) DaysUntilExpiry(now time.Time) int {
	return int(math.Floor(b.ExpiryDate.Sub(now).Hours() / 24))
}

// AgeDays returns the fractional age of the batch in days.
func (b *Batch) AgeDays(now time.Time) decimal.Decimal {
	age := now.Sub(b.ProductionDate).Hours() / 24
	if age < 0 {
		age = 0
	}
	return decimal.NewFromFloat(age).Round(2)
}

// Consumption records how much one removal took from one batch.
type Consumption struct {
	BatchID  id.ID          `json:"batchId"`
	Quantity types.Quantity `json:"quantity"`
	Expired  bool           `json:"expired"`
}

// BatchTracker keeps one account's batches in FIFO order.
type BatchTracker struct {
	accountID id.ID
	batches   []*Batch
	nextSeq   int64
	changed   map[id.ID]struct{}
	now       func() time.Time
}

// NewBatchTracker builds a tracker from persisted batches.
func NewBatchTracker(accountID id.ID, batches []Batch, now func() time.Time) *BatchTracker {
	t := &BatchTracker{
		accountID: accountID,
		batches:   make([]*Batch, 0, len(batches)),
		changed:   make(map[id.ID]struct{}),
		now:       now,
	}
	for i := range batches {
		b := batches[i]
		t.batches = append(t.batches, &b)
		if b.Sequence >= t.nextSeq {
			t.nextSeq = b.Sequence + 1
		}
	}
	t.sort()
	return t
}

func (t *BatchTracker) sort() {
	sort.SliceStable(t.batches, func(i, j int) bool {
		a, b := t.batches[i], t.batches[j]
		if !a.ProductionDate.Equal(b.ProductionDate) {
			return a.ProductionDate.Before(b.ProductionDate)
		}
		return a.Sequence < b.Sequence
	})
}

// Open creates a batch expiring shelfLifeDays after productionDate and
// places it in FIFO position.
func (t *BatchTracker) Open(qty types.Quantity, productionDate time.Time, shelfLifeDays int, unitCost types.Money) (*Batch, error) {
	if !qty.IsPositive() {
		return nil, apperror.NewInvalidQuantity(qty.String())
	}
	if shelfLifeDays < 0 {
		return nil, apperror.NewValidation("shelf life must not be negative")
	}
	now := t.now()
	day := truncateDay(productionDate)
	b := &Batch{
		ID:              id.New(),
		AccountID:       t.accountID,
		Sequence:        t.nextSeq,
		InitialQuantity: qty,
		CurrentQuantity: qty,
		UnitCost:        unitCost,
		ProductionDate:  day,
		ExpiryDate:      day.AddDate(0, 0, shelfLifeDays),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	t.nextSeq++
	t.batches = append(t.batches, b)
	t.changed[b.ID] = struct{}{}
	t.sort()
	return b, nil
}

// Consume takes qty from the oldest non-depleted batches first.
// Nothing is modified when the batches cannot cover qty.
func (t *BatchTracker) Consume(qty types.Quantity) ([]Consumption, error) {
	if !qty.IsPositive() {
		return nil, apperror.NewInvalidQuantity(qty.String())
	}
	available := t.TotalAvailable()
	if available.LessThan(qty) {
		return nil, apperror.NewInsufficientStock(t.accountID.String(), qty.String(), available.String())
	}

	now := t.now()
	remaining := qty
	var out []Consumption
	for _, b := range t.batches {
		if remaining.IsZero() {
			break
		}
		if b.IsDepleted || !b.CurrentQuantity.IsPositive() {
			continue
		}
		take := types.MinQuantity(remaining, b.CurrentQuantity)
		b.CurrentQuantity = b.CurrentQuantity.Sub(take)
		if b.CurrentQuantity.IsZero() {
			b.IsDepleted = true
		}
		b.UpdatedAt = now
		t.changed[b.ID] = struct{}{}
		remaining = remaining.Sub(take)
		out = append(out, Consumption{BatchID: b.ID, Quantity: take, Expired: b.IsExpired(now)})
	}
	return out, nil
}

// TotalAvailable sums current quantity over non-depleted batches, expired included.
func (t *BatchTracker) TotalAvailable() types.Quantity {
	total := decimal.Zero
	for _, b := range t.batches {
		if !b.IsDepleted {
			total = total.Add(b.CurrentQuantity)
		}
	}
	return total
}

// ExpiredQuantity sums current quantity of batches past expiry at now.
func (t *BatchTracker) ExpiredQuantity(now time.Time) types.Quantity {
	total := decimal.Zero
	for _, b := range t.batches {
		if !b.IsDepleted && b.IsExpired(now) {
			total = total.Add(b.CurrentQuantity)
		}
	}
	return total
}

// OldestProductionDate returns the production date of the oldest open batch.
func (t *BatchTracker) OldestProductionDate() (time.Time, bool) {
	for _, b := range t.batches {
		if !b.IsDepleted {
			return b.ProductionDate, true
		}
	}
	return time.Time{}, false
}

// AverageAgeDays is the quantity-weighted age of open batches.
func (t *BatchTracker) AverageAgeDays(now time.Time) (decimal.Decimal, bool) {
	weighted := decimal.Zero
	total := decimal.Zero
	for _, b := range t.batches {
		if b.IsDepleted {
			continue
		}
		weighted = weighted.Add(b.AgeDays(now).Mul(b.CurrentQuantity))
		total = total.Add(b.CurrentQuantity)
	}
	if total.IsZero() {
		return decimal.Zero, false
	}
	return weighted.DivRound(total, 2), true
}

// OpenBatches returns the non-depleted batches in FIFO order.
func (t *BatchTracker) OpenBatches() []Batch {
	out := make([]Batch, 0, len(t.batches))
	for _, b := range t.batches {
		if !b.IsDepleted {
			out = append(out, *b)
		}
	}
	return out
}

// Changed returns batches created or modified since the tracker was loaded.
func (t *BatchTracker) Changed() []Batch {
	out := make([]Batch, 0, len(t.changed))
	for _, b := range t.batches {
		if _, ok := t.changed[b.ID]; ok {
			out = append(out, *b)
		}
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
