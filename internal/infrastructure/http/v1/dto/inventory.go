package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
	"farmledger/internal/domain/ledger"
	"farmledger/internal/domain/mirror"
	"farmledger/internal/infrastructure/cache"
)

// AccountKeyRequest names an account by its natural key.
type AccountKeyRequest struct {
	FarmID      string `json:"farmId" form:"farmId" binding:"required,uuid"`
	Category    string `json:"category" form:"category" binding:"required"`
	ProductName string `json:"productName" form:"productName" binding:"required"`
}

// ToKey converts to a domain key.
func (r AccountKeyRequest) ToKey() (ledger.AccountKey, error) {
	farmID, err := id.Parse(r.FarmID)
	if err != nil {
		return ledger.AccountKey{}, apperror.NewValidation("invalid farmId format")
	}
	category, err := ledger.ParseCategory(r.Category)
	if err != nil {
		return ledger.AccountKey{}, err
	}
	key := ledger.AccountKey{FarmID: farmID, Category: category, ProductName: r.ProductName}.Normalized()
	return key, key.Validate()
}

// SourceRequest points at the record behind a movement.
type SourceRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (s *SourceRequest) toRef() (ledger.SourceRef, error) {
	if s == nil {
		return ledger.SourceRef{}, nil
	}
	return ledger.ParseSourceRef(s.Kind, s.ID)
}

// AddStockRequest is the body of POST /inventory/stock/add.
type AddStockRequest struct {
	AccountKeyRequest
	Quantity       decimal.Decimal  `json:"quantity"`
	MovementType   string           `json:"movementType" binding:"required"`
	UnitCost       *decimal.Decimal `json:"unitCost"`
	ProductionDate *time.Time       `json:"productionDate"`
	Source         *SourceRequest   `json:"source"`
	Notes          string           `json:"notes" binding:"max=1000"`
	OccurredAt     *time.Time       `json:"occurredAt"`
}

// ToDomain converts to the domain request.
func (r AddStockRequest) ToDomain(now time.Time) (ledger.AccountKey, ledger.AddStockRequest, error) {
	key, err := r.ToKey()
	if err != nil {
		return key, ledger.AddStockRequest{}, err
	}
	t, err := ledger.ParseMovementType(r.MovementType)
	if err != nil {
		return key, ledger.AddStockRequest{}, err
	}
	src, err := r.Source.toRef()
	if err != nil {
		return key, ledger.AddStockRequest{}, err
	}
	req := ledger.AddStockRequest{
		Quantity:       r.Quantity,
		Type:           t,
		ProductionDate: r.ProductionDate,
		Source:         src,
		Notes:          r.Notes,
		OccurredAt:     now,
	}
	if r.OccurredAt != nil {
		req.OccurredAt = r.OccurredAt.UTC()
	}
	if r.UnitCost != nil {
		req.UnitCost = decimal.NewNullDecimal(*r.UnitCost)
	}
	return key, req, nil
}

// RemoveStockRequest is the body of POST /inventory/stock/remove.
type RemoveStockRequest struct {
	AccountKeyRequest
	Quantity     decimal.Decimal  `json:"quantity"`
	MovementType string           `json:"movementType" binding:"required"`
	UnitPrice    *decimal.Decimal `json:"unitPrice"`
	Source       *SourceRequest   `json:"source"`
	Notes        string           `json:"notes" binding:"max=1000"`
	OccurredAt   *time.Time       `json:"occurredAt"`
}

// ToDomain converts to the domain request.
func (r RemoveStockRequest) ToDomain(now time.Time) (ledger.AccountKey, ledger.RemoveStockRequest, error) {
	key, err := r.ToKey()
	if err != nil {
		return key, ledger.RemoveStockRequest{}, err
	}
	t, err := ledger.ParseMovementType(r.MovementType)
	if err != nil {
		return key, ledger.RemoveStockRequest{}, err
	}
	src, err := r.Source.toRef()
	if err != nil {
		return key, ledger.RemoveStockRequest{}, err
	}
	req := ledger.RemoveStockRequest{
		Quantity:   r.Quantity,
		Type:       t,
		Source:     src,
		Notes:      r.Notes,
		OccurredAt: now,
	}
	if r.OccurredAt != nil {
		req.OccurredAt = r.OccurredAt.UTC()
	}
	if r.UnitPrice != nil {
		req.UnitPrice = decimal.NewNullDecimal(*r.UnitPrice)
	}
	return key, req, nil
}

// AccountResponse is an account plus computed valuation.
type AccountResponse struct {
	ledger.Account
	StockValue decimal.Decimal `json:"stockValue"`
}

// FromAccount creates an AccountResponse.
func FromAccount(a *ledger.Account) AccountResponse {
	return AccountResponse{Account: *a, StockValue: a.StockValue()}
}

// ListAccountsQuery holds GET /inventory/accounts filters.
type ListAccountsQuery struct {
	PaginationRequest
	FarmID       string `form:"farmId" binding:"omitempty,uuid"`
	Category     string `form:"category"`
	Health       string `form:"health"`
	LowStockOnly bool   `form:"lowStockOnly"`
	ActiveOnly   bool   `form:"activeOnly"`
}

// ToFilter converts to a repository filter.
func (q ListAccountsQuery) ToFilter() (ledger.AccountFilter, error) {
	f := ledger.AccountFilter{
		LowStockOnly: q.LowStockOnly,
		ActiveOnly:   q.ActiveOnly,
		Limit:        q.Limit,
		Offset:       q.Offset,
	}
	if q.FarmID != "" {
		farmID, err := id.Parse(q.FarmID)
		if err != nil {
			return f, apperror.NewValidation("invalid farmId format")
		}
		f.FarmID = &farmID
	}
	if q.Category != "" {
		c, err := ledger.ParseCategory(q.Category)
		if err != nil {
			return f, err
		}
		f.Category = &c
	}
	if q.Health != "" {
		h, ok := ledger.ParseStockHealth(q.Health)
		if !ok {
			return f, apperror.NewValidation("unknown health filter")
		}
		f.Health = &h
	}
	return f, nil
}

// BatchResponse is a batch with its expiry position at request time.
type BatchResponse struct {
	ledger.Batch
	IsExpired       bool            `json:"isExpired"`
	DaysUntilExpiry int             `json:"daysUntilExpiry"`
	AgeDays         decimal.Decimal `json:"ageDays"`
}

// FromBatches creates batch responses evaluated at now.
func FromBatches(batches []ledger.Batch, now time.Time) []BatchResponse {
	out := make([]BatchResponse, len(batches))
	for i := range batches {
		b := batches[i]
		out[i] = BatchResponse{
			Batch:           b,
			IsExpired:       b.IsExpired(now),
			DaysUntilExpiry: b.DaysUntilExpiry(now),
			AgeDays:         b.AgeDays(now),
		}
	}
	return out
}

// ExpiringBatchesQuery holds GET /inventory/batches/expiring filters.
type ExpiringBatchesQuery struct {
	FarmID     string `form:"farmId" binding:"omitempty,uuid"`
	WithinDays int    `form:"withinDays" binding:"min=0,max=365"`
}

// MovementResponse is one ledger entry.
type MovementResponse struct {
	ID           string              `json:"id"`
	AccountID    string              `json:"accountId"`
	Sequence     int64               `json:"sequence"`
	Quantity     decimal.Decimal     `json:"quantity"`
	UnitCost     decimal.Decimal     `json:"unitCost"`
	UnitPrice    decimal.NullDecimal `json:"unitPrice"`
	BalanceAfter decimal.Decimal     `json:"balanceAfter"`
	MovementType ledger.MovementType `json:"movementType"`
	SourceKind   string              `json:"sourceKind,omitempty"`
	SourceID     string              `json:"sourceId,omitempty"`
	Actor        string              `json:"actor"`
	Notes        string              `json:"notes,omitempty"`
	OccurredAt   time.Time           `json:"occurredAt"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// FromMovements creates movement responses.
func FromMovements(ms []ledger.Movement) []MovementResponse {
	out := make([]MovementResponse, len(ms))
	for i, m := range ms {
		out[i] = MovementResponse{
			ID:           m.ID.String(),
			AccountID:    m.AccountID.String(),
			Sequence:     m.Sequence,
			Quantity:     m.Quantity,
			UnitCost:     m.UnitCost,
			UnitPrice:    m.UnitPrice,
			BalanceAfter: m.BalanceAfter,
			MovementType: m.Type,
			SourceKind:   string(m.Source.Kind()),
			SourceID:     m.Source.ID(),
			Actor:        m.Actor,
			Notes:        m.Notes,
			OccurredAt:   m.OccurredAt,
			CreatedAt:    m.CreatedAt,
		}
	}
	return out
}

// ListMovementsQuery holds GET /inventory/accounts/:id/movements filters.
type ListMovementsQuery struct {
	PaginationRequest
	Types []string   `form:"type"`
	From  *time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To    *time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
}

// ToFilter converts to a repository filter for accountID.
func (q ListMovementsQuery) ToFilter(accountID id.ID) (ledger.MovementFilter, error) {
	f := ledger.MovementFilter{
		AccountID: accountID,
		From:      q.From,
		To:        q.To,
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
	for _, s := range q.Types {
		t, err := ledger.ParseMovementType(s)
		if err != nil {
			return f, err
		}
		f.Types = append(f.Types, t)
	}
	return f, nil
}

// UpdateSettingsRequest is the body of PATCH /inventory/accounts/:id/settings.
type UpdateSettingsRequest struct {
	SKU               *string          `json:"sku" binding:"omitempty,max=64"`
	Unit              *string          `json:"unit" binding:"omitempty,max=32"`
	LowStockThreshold *decimal.Decimal `json:"lowStockThreshold"`
	MaxShelfLifeDays  *int             `json:"maxShelfLifeDays"`
}

// ToDomain converts to domain settings.
func (r UpdateSettingsRequest) ToDomain() ledger.Settings {
	return ledger.Settings{
		SKU:               r.SKU,
		Unit:              r.Unit,
		LowStockThreshold: r.LowStockThreshold,
		MaxShelfLifeDays:  r.MaxShelfLifeDays,
	}
}

// ResumeSyncRequest is the body of POST /inventory/accounts/:id/resume-sync.
type ResumeSyncRequest struct {
	Note string `json:"note" binding:"required,max=1000"`
}

// ResumeSyncResponse reports the catch-up sync.
type ResumeSyncResponse struct {
	AccountID string         `json:"accountId"`
	Mirror    *mirror.Result `json:"mirror"`
}

// AvailabilityResponse answers GET /inventory/availability.
type AvailabilityResponse struct {
	// Source is "cache" or "ledger".
	Source   string         `json:"source"`
	Snapshot cache.Snapshot `json:"snapshot"`
}
