package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
	"farmledger/internal/domain/ledger"
	"farmledger/internal/infrastructure/cache"
	"farmledger/internal/infrastructure/http/v1/dto"
	"farmledger/pkg/logger"
)

// AvailabilityCache is the read side of the stock snapshot cache.
type AvailabilityCache interface {
	Get(ctx context.Context, key ledger.AccountKey) (*cache.Snapshot, bool, error)
}

// InventoryHandler handles HTTP requests for inventory accounts.
type InventoryHandler struct {
	*BaseHandler
	service *ledger.Service
	cache   AvailabilityCache
	now     func() time.Time
}

// NewInventoryHandler creates a new inventory handler. snapshots may be nil.
func NewInventoryHandler(base *BaseHandler, service *ledger.Service, snapshots AvailabilityCache) *InventoryHandler {
	return &InventoryHandler{
		BaseHandler: base,
		service:     service,
		cache:       snapshots,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// AddStock handles POST /inventory/stock/add
func (h *InventoryHandler) AddStock(c *gin.Context) {
	var req dto.AddStockRequest
	if !h.BindJSON(c, &req) {
		return
	}
	key, domainReq, err := req.ToDomain(h.now())
	if err != nil {
		h.Error(c, err)
		return
	}
	if !h.RequireFarm(c, key.FarmID) {
		return
	}

	res, err := h.service.AddStock(c.Request.Context(), key, domainReq)
	if err != nil {
		h.Error(c, err)
		return
	}
	if res.Created {
		h.Created(c, res)
		return
	}
	h.OK(c, res)
}

// RemoveStock handles POST /inventory/stock/remove
func (h *InventoryHandler) RemoveStock(c *gin.Context) {
	var req dto.RemoveStockRequest
	if !h.BindJSON(c, &req) {
		return
	}
	key, domainReq, err := req.ToDomain(h.now())
	if err != nil {
		h.Error(c, err)
		return
	}
	if !h.RequireFarm(c, key.FarmID) {
		return
	}

	res, err := h.service.RemoveStock(c.Request.Context(), key, domainReq)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// GetAccount handles GET /inventory/accounts/:id
func (h *InventoryHandler) GetAccount(c *gin.Context) {
	acc, ok := h.account(c)
	if !ok {
		return
	}
	h.OK(c, dto.FromAccount(acc))
}

// FindAccount handles GET /inventory/accounts/lookup
func (h *InventoryHandler) FindAccount(c *gin.Context) {
	var q dto.AccountKeyRequest
	if !h.BindQuery(c, &q) {
		return
	}
	key, err := q.ToKey()
	if err != nil {
		h.Error(c, err)
		return
	}
	if !h.RequireFarm(c, key.FarmID) {
		return
	}

	acc, err := h.service.FindAccount(c.Request.Context(), key)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromAccount(acc))
}

// ListAccounts handles GET /inventory/accounts
func (h *InventoryHandler) ListAccounts(c *gin.Context) {
	var q dto.ListAccountsQuery
	if !h.BindQuery(c, &q) {
		return
	}
	filter, err := q.ToFilter()
	if err != nil {
		h.Error(c, err)
		return
	}
	if filter.FarmID == nil {
		h.Error(c, apperror.NewValidation("farmId is required"))
		return
	}
	if !h.RequireFarm(c, *filter.FarmID) {
		return
	}

	accounts, err := h.service.ListAccounts(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	items := make([]dto.AccountResponse, len(accounts))
	for i := range accounts {
		items[i] = dto.FromAccount(&accounts[i])
	}
	h.OK(c, dto.NewListResponse(items, q.PaginationRequest))
}

// ListBatches handles GET /inventory/accounts/:id/batches
func (h *InventoryHandler) ListBatches(c *gin.Context) {
	acc, ok := h.account(c)
	if !ok {
		return
	}
	includeDepleted := c.Query("includeDepleted") == "true"

	batches, err := h.service.ListBatches(c.Request.Context(), acc.ID, includeDepleted)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromBatches(batches, h.now()), dto.PaginationRequest{}))
}

// ExpiringBatches handles GET /inventory/batches/expiring
func (h *InventoryHandler) ExpiringBatches(c *gin.Context) {
	var q dto.ExpiringBatchesQuery
	if !h.BindQuery(c, &q) {
		return
	}
	if q.FarmID == "" {
		h.Error(c, apperror.NewValidation("farmId is required"))
		return
	}
	farmID, err := id.Parse(q.FarmID)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid farmId format"))
		return
	}
	if !h.RequireFarm(c, farmID) {
		return
	}
	within := time.Duration(q.WithinDays) * 24 * time.Hour

	batches, err := h.service.ExpiringBatches(c.Request.Context(), &farmID, within)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromBatches(batches, h.now()), dto.PaginationRequest{}))
}

// ListMovements handles GET /inventory/accounts/:id/movements
func (h *InventoryHandler) ListMovements(c *gin.Context) {
	acc, ok := h.account(c)
	if !ok {
		return
	}
	var q dto.ListMovementsQuery
	if !h.BindQuery(c, &q) {
		return
	}
	filter, err := q.ToFilter(acc.ID)
	if err != nil {
		h.Error(c, err)
		return
	}

	movements, err := h.service.ListMovements(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromMovements(movements), q.PaginationRequest))
}

// Reconcile handles POST /inventory/accounts/:id/reconcile
func (h *InventoryHandler) Reconcile(c *gin.Context) {
	acc, ok := h.account(c)
	if !ok {
		return
	}
	rec, err := h.service.Reconcile(c.Request.Context(), acc.ID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, rec)
}

// ResumeSync handles POST /inventory/accounts/:id/resume-sync
func (h *InventoryHandler) ResumeSync(c *gin.Context) {
	acc, ok := h.account(c)
	if !ok {
		return
	}
	var req dto.ResumeSyncRequest
	if !h.BindJSON(c, &req) {
		return
	}

	res, err := h.service.ResumeSync(c.Request.Context(), acc.ID, req.Note)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ResumeSyncResponse{AccountID: acc.ID.String(), Mirror: res})
}

// UpdateSettings handles PATCH /inventory/accounts/:id/settings
func (h *InventoryHandler) UpdateSettings(c *gin.Context) {
	acc, ok := h.account(c)
	if !ok {
		return
	}
	var req dto.UpdateSettingsRequest
	if !h.BindJSON(c, &req) {
		return
	}

	updated, err := h.service.UpdateSettings(c.Request.Context(), acc.ID, req.ToDomain())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromAccount(updated))
}

// Deactivate handles POST /inventory/accounts/:id/deactivate
func (h *InventoryHandler) Deactivate(c *gin.Context) {
	h.setActive(c, false)
}

// Reactivate handles POST /inventory/accounts/:id/reactivate
func (h *InventoryHandler) Reactivate(c *gin.Context) {
	h.setActive(c, true)
}

func (h *InventoryHandler) setActive(c *gin.Context, active bool) {
	acc, ok := h.account(c)
	if !ok {
		return
	}
	var (
		updated *ledger.Account
		err     error
	)
	if active {
		updated, err = h.service.Reactivate(c.Request.Context(), acc.ID)
	} else {
		updated, err = h.service.Deactivate(c.Request.Context(), acc.ID)
	}
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromAccount(updated))
}

// Availability handles GET /inventory/availability. It answers from the
// snapshot cache when possible and falls back to the account row.
func (h *InventoryHandler) Availability(c *gin.Context) {
	var q dto.AccountKeyRequest
	if !h.BindQuery(c, &q) {
		return
	}
	key, err := q.ToKey()
	if err != nil {
		h.Error(c, err)
		return
	}
	if !h.RequireFarm(c, key.FarmID) {
		return
	}
	ctx := c.Request.Context()

	if h.cache != nil {
		snap, hit, err := h.cache.Get(ctx, key)
		if err != nil {
			logger.Warn(ctx, "snapshot cache read failed", "account", key.String(), "error", err)
		}
		if hit {
			h.OK(c, dto.AvailabilityResponse{Source: "cache", Snapshot: *snap})
			return
		}
	}

	acc, err := h.service.FindAccount(ctx, key)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.AvailabilityResponse{Source: "ledger", Snapshot: cache.SnapshotFromAccount(acc, h.now())})
}

// account loads the :id account and checks farm access.
func (h *InventoryHandler) account(c *gin.Context) (*ledger.Account, bool) {
	accountID, ok := h.PathID(c, "id")
	if !ok {
		return nil, false
	}
	acc, err := h.service.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		h.Error(c, err)
		return nil, false
	}
	if !h.RequireFarm(c, acc.FarmID) {
		return nil, false
	}
	return acc, true
}
