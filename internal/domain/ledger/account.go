// Package ledger implements the inventory ledger: accounts, FIFO batches,
// weighted-average costing and the append-only movement history.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
	"farmledger/internal/core/types"
)

// Category groups sellable farm output.
type Category string

const (
	CategoryEggs             Category = "eggs"
	CategoryLiveBirds        Category = "live_birds"
	CategoryProcessedProduct Category = "processed_product"
)

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryEggs, CategoryLiveBirds, CategoryProcessedProduct:
		return c, nil
	}
	return "", apperror.NewValidation(fmt.Sprintf("unknown category %q", s))
}

// AccountKey is the natural identity of an inventory account.
type AccountKey struct {
	FarmID      id.ID
	Category    Category
	ProductName string
}

// Validate checks that all parts of the key are present.
func (k AccountKey) Validate() error {
	if id.IsNil(k.FarmID) {
		return apperror.NewValidation("farm_id is required")
	}
	if _, err := ParseCategory(string(k.Category)); err != nil {
		return err
	}
	if strings.TrimSpace(k.ProductName) == "" {
		return apperror.NewValidation("product_name is required")
	}
	return nil
}

// Normalized trims the product name so lookups are stable.
func (k AccountKey) Normalized() AccountKey {
	k.ProductName = strings.TrimSpace(k.ProductName)
	return k
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.FarmID, k.Category, k.ProductName)
}

// AccountDefaults seed a lazily created account.
type AccountDefaults struct {
	Unit              string          `yaml:"unit"`
	ShelfLifeDays     int             `yaml:"shelf_life_days"`
	LowStockThreshold decimal.Decimal `yaml:"low_stock_threshold"`
}

// Derived holds read-model values recomputed from quantity, batches and sales
// on every write. They are persisted for filtering only and never set by callers.
type Derived struct {
	IsLowStock      bool                `db:"is_low_stock" json:"isLowStock"`
	StockHealth     StockHealth         `db:"stock_health" json:"stockHealth"`
	OldestStockDate *time.Time          `db:"oldest_stock_date" json:"oldestStockDate,omitempty"`
	AverageAgeDays  decimal.NullDecimal `db:"average_age_days" json:"averageAgeDays"`
	ExpiredQuantity types.Quantity      `db:"expired_quantity" json:"expiredQuantity"`
}

// Account is the aggregate root tracking one (farm, category, product).
type Account struct {
	ID                id.ID          `db:"id" json:"id"`
	FarmID            id.ID          `db:"farm_id" json:"farmId"`
	Category          Category       `db:"category" json:"category"`
	ProductName       string         `db:"product_name" json:"productName"`
	SKU               *string        `db:"sku" json:"sku,omitempty"`
	Unit              string         `db:"unit" json:"unit"`
	QuantityAvailable types.Quantity `db:"quantity_available" json:"quantityAvailable"`
	UnitCost          types.Money    `db:"unit_cost" json:"unitCost"`
	LowStockThreshold types.Quantity `db:"low_stock_threshold" json:"lowStockThreshold"`
	MaxShelfLifeDays  int            `db:"max_shelf_life_days" json:"maxShelfLifeDays"`

	TotalAdded   types.Quantity `db:"total_added" json:"totalAdded"`
	TotalSold    types.Quantity `db:"total_sold" json:"totalSold"`
	TotalLost    types.Quantity `db:"total_lost" json:"totalLost"`
	TotalRevenue types.Money    `db:"total_revenue" json:"totalRevenue"`
	LastSaleDate *time.Time     `db:"last_sale_date" json:"lastSaleDate,omitempty"`

	Derived

	IsActive       bool       `db:"is_active" json:"isActive"`
	SyncHalted     bool       `db:"sync_halted" json:"syncHalted"`
	SyncHaltReason *string    `db:"sync_halt_reason" json:"syncHaltReason,omitempty"`
	Version        int64      `db:"version" json:"version"`
	LastMovementAt *time.Time `db:"last_movement_at" json:"lastMovementAt,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// NewAccount creates an empty, active account for key.
func NewAccount(key AccountKey, defaults AccountDefaults, now time.Time) *Account {
	key = key.Normalized()
	a := &Account{
		ID:                id.New(),
		FarmID:            key.FarmID,
		Category:          key.Category,
		ProductName:       key.ProductName,
		Unit:              defaults.Unit,
		QuantityAvailable: decimal.Zero,
		UnitCost:          decimal.Zero,
		LowStockThreshold: defaults.LowStockThreshold,
		MaxShelfLifeDays:  defaults.ShelfLifeDays,
		TotalAdded:        decimal.Zero,
		TotalSold:         decimal.Zero,
		TotalLost:         decimal.Zero,
		TotalRevenue:      decimal.Zero,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	a.Derived = Derived{
		IsLowStock:      a.BelowThreshold(),
		StockHealth:     HealthEmpty,
		ExpiredQuantity: decimal.Zero,
	}
	return a
}

// Key returns the natural identity of the account.
func (a *Account) Key() AccountKey {
	return AccountKey{FarmID: a.FarmID, Category: a.Category, ProductName: a.ProductName}
}

// BelowThreshold reports quantity at or below the low-stock threshold.
func (a *Account) BelowThreshold() bool {
	return a.QuantityAvailable.LessThanOrEqual(a.LowStockThreshold)
}

// StockValue is the on-hand quantity at weighted-average cost.
func (a *Account) StockValue() types.Money {
	return StockValue(a.QuantityAvailable, a.UnitCost)
}

// AddStockRequest describes an addition.
type AddStockRequest struct {
	Quantity types.Quantity
	Type     MovementType
	// UnitCost, when valid, is blended into the weighted average.
	UnitCost decimal.NullDecimal
	// ProductionDate dates the new batch. Undated additions are dated at the movement time.
	ProductionDate *time.Time
	Source         SourceRef
	Notes          string
	OccurredAt     time.Time
}

// Validate checks request-level preconditions that need no account state.
func (r AddStockRequest) Validate() error {
	if !r.Quantity.IsPositive() {
		return apperror.NewInvalidQuantity(r.Quantity.String())
	}
	if !r.Type.AllowsInbound() {
		return apperror.NewValidation(fmt.Sprintf("movement type %q cannot add stock", r.Type))
	}
	if r.UnitCost.Valid && r.UnitCost.Decimal.IsNegative() {
		return apperror.NewValidation("unit_cost must not be negative")
	}
	return checkPrecision(r.Quantity, r.UnitCost, "unit_cost")
}

// RemoveStockRequest describes a removal.
type RemoveStockRequest struct {
	Quantity types.Quantity
	Type     MovementType
	// UnitPrice is used for sales revenue.
	UnitPrice  decimal.NullDecimal
	Source     SourceRef
	Notes      string
	OccurredAt time.Time
}

// Validate checks request-level preconditions that need no account state.
func (r RemoveStockRequest) Validate() error {
	if !r.Quantity.IsPositive() {
		return apperror.NewInvalidQuantity(r.Quantity.String())
	}
	if !r.Type.AllowsOutbound() {
		return apperror.NewValidation(fmt.Sprintf("movement type %q cannot remove stock", r.Type))
	}
	if r.UnitPrice.Valid && r.UnitPrice.Decimal.IsNegative() {
		return apperror.NewValidation("unit_price must not be negative")
	}
	if r.UnitPrice.Valid && r.Type != MovementSale {
		return apperror.NewValidation("unit_price is only accepted for sales")
	}
	return checkPrecision(r.Quantity, r.UnitPrice, "unit_price")
}

// checkPrecision rejects values the NUMERIC(18,4) columns would round.
func checkPrecision(qty types.Quantity, amount decimal.NullDecimal, amountField string) error {
	if !types.FitsPrecision(qty, types.QuantityPrecision) {
		return apperror.NewQuantityPrecision("quantity", qty.String(), types.QuantityPrecision)
	}
	if amount.Valid && !types.FitsPrecision(amount.Decimal, types.CostPrecision) {
		return apperror.NewQuantityPrecision(amountField, amount.Decimal.String(), types.CostPrecision)
	}
	return nil
}

// applyAddition mutates the account and its batches in memory and returns the
// movement to record. The caller holds the account lock.
func (a *Account) applyAddition(batches *BatchTracker, req AddStockRequest, actor string, now time.Time, policy HealthPolicy) (*Movement, *Batch, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	if !a.IsActive {
		return nil, nil, apperror.NewAccountInactive(a.ID.String())
	}

	movementCost := a.UnitCost
	if req.UnitCost.Valid {
		blended, err := Blend(a.QuantityAvailable, a.UnitCost, req.Quantity, req.UnitCost.Decimal)
		if err != nil {
			return nil, nil, err
		}
		a.UnitCost = blended
		movementCost = req.UnitCost.Decimal
	}

	occurred := req.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	produced := occurred
	if req.ProductionDate != nil {
		produced = *req.ProductionDate
	}
	batch, err := batches.Open(req.Quantity, produced, a.MaxShelfLifeDays, movementCost)
	if err != nil {
		return nil, nil, err
	}

	a.QuantityAvailable = a.QuantityAvailable.Add(req.Quantity)
	a.TotalAdded = a.TotalAdded.Add(req.Quantity)
	a.touch(now)
	a.derive(batches, now, policy)

	m := a.newMovement(req.Quantity, movementCost, req.Type, req.Source, actor, req.Notes, occurred, now)
	return m, batch, nil
}

// applyRemoval consumes batches FIFO and returns the movement to record.
// On failure neither the account nor the batches are changed.
func (a *Account) applyRemoval(batches *BatchTracker, req RemoveStockRequest, actor string, now time.Time, policy HealthPolicy) (*Movement, []Consumption, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	if !a.IsActive {
		return nil, nil, apperror.NewAccountInactive(a.ID.String())
	}
	if req.Quantity.GreaterThan(a.QuantityAvailable) {
		return nil, nil, apperror.NewInsufficientStock(a.ID.String(), req.Quantity.String(), a.QuantityAvailable.String())
	}

	consumed, err := batches.Consume(req.Quantity)
	if err != nil {
		if apperror.IsInsufficientStock(err) {
			// The account says there is enough but the batches disagree.
			return nil, nil, apperror.NewReconciliationMismatch(a.ID.String(),
				fmt.Sprintf("batches hold %s but account holds %s", batches.TotalAvailable(), a.QuantityAvailable))
		}
		return nil, nil, err
	}

	occurred := req.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}

	a.QuantityAvailable = a.QuantityAvailable.Sub(req.Quantity)
	if req.Type.IsLoss() {
		a.TotalLost = a.TotalLost.Add(req.Quantity)
	} else {
		a.TotalSold = a.TotalSold.Add(req.Quantity)
		if req.UnitPrice.Valid {
			revenue := req.Quantity.Mul(req.UnitPrice.Decimal).Round(types.MoneyPrecision)
			a.TotalRevenue = a.TotalRevenue.Add(revenue)
		}
		saleDay := occurred
		a.LastSaleDate = &saleDay
	}
	a.touch(now)
	a.derive(batches, now, policy)

	m := a.newMovement(req.Quantity.Neg(), a.UnitCost, req.Type, req.Source, actor, req.Notes, occurred, now)
	m.UnitPrice = req.UnitPrice
	return m, consumed, nil
}

func (a *Account) touch(now time.Time) {
	a.Version++
	a.UpdatedAt = now
	a.LastMovementAt = &now
}

// derive recomputes every read-model field from the current state.
func (a *Account) derive(batches *BatchTracker, now time.Time, policy HealthPolicy) {
	d := Derived{
		IsLowStock:      a.BelowThreshold(),
		ExpiredQuantity: decimal.Zero,
	}
	in := HealthInput{
		Quantity:      a.QuantityAvailable,
		ShelfLifeDays: a.MaxShelfLifeDays,
		LastSaleDate:  a.LastSaleDate,
		Now:           now,
	}
	if a.QuantityAvailable.IsPositive() {
		if oldest, ok := batches.OldestProductionDate(); ok {
			d.OldestStockDate = &oldest
			in.StockedSince = &oldest
		}
		if avg, ok := batches.AverageAgeDays(now); ok {
			d.AverageAgeDays = decimal.NullDecimal{Decimal: avg, Valid: true}
			in.AverageAgeDays = avg
			in.HasAge = true
		}
		d.ExpiredQuantity = batches.ExpiredQuantity(now)
	}
	d.StockHealth = policy.Evaluate(in)
	a.Derived = d
}

func (a *Account) newMovement(qty types.Quantity, unitCost types.Money, t MovementType, src SourceRef, actor, notes string, occurred, now time.Time) *Movement {
	return &Movement{
		ID:           id.New(),
		AccountID:    a.ID,
		Sequence:     a.Version,
		Quantity:     qty,
		UnitCost:     unitCost,
		BalanceAfter: a.QuantityAvailable,
		Type:         t,
		Source:       src,
		Actor:        actor,
		Notes:        notes,
		OccurredAt:   occurred,
		CreatedAt:    now,
	}
}

// Settings are the operator-editable attributes of an account.
type Settings struct {
	SKU               *string
	Unit              *string
	LowStockThreshold *types.Quantity
	MaxShelfLifeDays  *int
}

func (s Settings) validate() error {
	if s.LowStockThreshold != nil && s.LowStockThreshold.IsNegative() {
		return apperror.NewValidation("low_stock_threshold must not be negative")
	}
	if s.LowStockThreshold != nil && !types.FitsPrecision(*s.LowStockThreshold, types.QuantityPrecision) {
		return apperror.NewQuantityPrecision("low_stock_threshold", s.LowStockThreshold.String(), types.QuantityPrecision)
	}
	if s.MaxShelfLifeDays != nil && *s.MaxShelfLifeDays < 0 {
		return apperror.NewValidation("max_shelf_life_days must not be negative")
	}
	if s.Unit != nil && strings.TrimSpace(*s.Unit) == "" {
		return apperror.NewValidation("unit must not be empty")
	}
	return nil
}

// applySettings changes configuration only; quantities are untouched.
// Shelf life applies to batches opened afterwards.
func (a *Account) applySettings(s Settings, batches *BatchTracker, now time.Time, policy HealthPolicy) error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.SKU != nil {
		sku := strings.TrimSpace(*s.SKU)
		if sku == "" {
			a.SKU = nil
		} else {
			a.SKU = &sku
		}
	}
	if s.Unit != nil {
		a.Unit = strings.TrimSpace(*s.Unit)
	}
	if s.LowStockThreshold != nil {
		a.LowStockThreshold = *s.LowStockThreshold
	}
	if s.MaxShelfLifeDays != nil {
		a.MaxShelfLifeDays = *s.MaxShelfLifeDays
	}
	a.UpdatedAt = now
	a.derive(batches, now, policy)
	return nil
}
