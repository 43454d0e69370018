package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmledger/internal/core/apperror"
	appctx "farmledger/internal/core/context"
	"farmledger/internal/core/id"
	"farmledger/internal/domain/ledger"
	"farmledger/internal/domain/mirror"
	"farmledger/internal/infrastructure/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *ledger.Service
	store *memory.Store
	clock *clock
	ctx   context.Context
	key   ledger.AccountKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New(memory.WithLockTimeout(2 * time.Second))
	c := &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc := ledger.NewService(store, store, store,
		ledger.WithClock(c.Now),
		ledger.WithNotifier(store),
		ledger.WithAuditor(store),
		ledger.WithDefaults(func(ledger.Category) ledger.AccountDefaults {
			return ledger.AccountDefaults{Unit: "egg", ShelfLifeDays: 28, LowStockThreshold: decimal.NewFromInt(5)}
		}),
	)
	ctx := appctx.WithActor(context.Background(), &appctx.ActorContext{ActorID: "user-1", Name: "Test"})
	return &fixture{
		svc:   svc,
		store: store,
		clock: c,
		ctx:   ctx,
		key:   ledger.AccountKey{FarmID: id.New(), Category: ledger.CategoryEggs, ProductName: "Brown eggs"},
	}
}

func (f *fixture) add(t *testing.T, qty, cost string) *ledger.MovementResult {
	t.Helper()
	req := ledger.AddStockRequest{Quantity: d(qty), Type: ledger.MovementProduction, Source: ledger.EggCollectionRef("c-1")}
	if cost != "" {
		req.UnitCost = decimal.NewNullDecimal(d(cost))
	}
	res, err := f.svc.AddStock(f.ctx, f.key, req)
	require.NoError(t, err)
	return res
}

func (f *fixture) sell(qty, price string) (*ledger.MovementResult, error) {
	req := ledger.RemoveStockRequest{Quantity: d(qty), Type: ledger.MovementSale, Source: ledger.SaleRef("s-1")}
	if price != "" {
		req.UnitPrice = decimal.NewNullDecimal(d(price))
	}
	return f.svc.RemoveStock(f.ctx, f.key, req)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}

func TestAddStock_CreatesAccountAndBlendsCost(t *testing.T) {
	f := newFixture(t)

	first := f.add(t, "100", "2")
	assert.True(t, first.Created)
	require.NotNil(t, first.BatchID)
	assertDecimal(t, "100", first.Balance)

	second := f.add(t, "100", "4")
	assert.False(t, second.Created)
	assert.Equal(t, first.AccountID, second.AccountID)
	assertDecimal(t, "200", second.Balance)
	assertDecimal(t, "3", second.UnitCost)

	acc, err := f.svc.GetAccount(f.ctx, first.AccountID)
	require.NoError(t, err)
	assert.Equal(t, "egg", acc.Unit)
	assert.Equal(t, 28, acc.MaxShelfLifeDays)
	assert.Equal(t, int64(2), acc.Version)
	assertDecimal(t, "200", acc.TotalAdded)
	assertDecimal(t, "600", acc.StockValue())

	movements, err := f.svc.ListMovements(f.ctx, ledger.MovementFilter{AccountID: acc.ID})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, int64(2), movements[0].Sequence)
	assert.Equal(t, "user-1", movements[0].Actor)
	assert.Equal(t, ledger.SourceEggCollection, movements[0].Source.Kind())
	assertDecimal(t, "4", movements[0].UnitCost)

	audit := f.store.AuditEntries(acc.ID)
	require.Len(t, audit, 3)
	assert.Equal(t, ledger.AuditStockAdded, audit[0].Action)
	assert.Equal(t, ledger.AuditAccountCreated, audit[1].Action)
}

func TestAddStock_WithoutCostKeepsAverage(t *testing.T) {
	f := newFixture(t)
	f.add(t, "10", "2")
	res := f.add(t, "10", "")
	assertDecimal(t, "2", res.UnitCost)
}

func TestAddStock_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AddStock(f.ctx, f.key, ledger.AddStockRequest{Quantity: d("0"), Type: ledger.MovementProduction})
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidQuantity))

	_, err = f.svc.AddStock(f.ctx, f.key, ledger.AddStockRequest{Quantity: d("1"), Type: ledger.MovementSale})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	bad := f.key
	bad.ProductName = "   "
	_, err = f.svc.AddStock(f.ctx, bad, ledger.AddStockRequest{Quantity: d("1"), Type: ledger.MovementProduction})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	_, err = f.svc.FindAccount(f.ctx, f.key)
	assert.True(t, apperror.IsNotFound(err), "failed additions must not create the account")
}

func TestAddStock_RejectsPrecisionBeyondStorage(t *testing.T) {
	f := newFixture(t)

	for _, qty := range []string{"0.00001", "1.00005"} {
		_, err := f.svc.AddStock(f.ctx, f.key, ledger.AddStockRequest{Quantity: d(qty), Type: ledger.MovementProduction})
		assert.True(t, apperror.HasCode(err, apperror.CodeInvalidQuantity), qty)
	}
	_, err := f.svc.AddStock(f.ctx, f.key, ledger.AddStockRequest{
		Quantity: d("1"),
		Type:     ledger.MovementPurchase,
		UnitCost: decimal.NewNullDecimal(d("0.12345")),
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidQuantity))

	_, err = f.svc.FindAccount(f.ctx, f.key)
	assert.True(t, apperror.IsNotFound(err))

	res := f.add(t, "1.50000", "2.2500")
	assertDecimal(t, "1.5", res.Balance)
}

func TestRemoveStock_RejectsPrecisionBeyondStorage(t *testing.T) {
	f := newFixture(t)
	f.add(t, "1.0001", "")

	_, err := f.sell("1.00005", "")
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidQuantity))
	_, err = f.sell("1", "0.00001")
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidQuantity))

	res, err := f.sell("1.0001", "")
	require.NoError(t, err)
	assertDecimal(t, "0", res.Balance)

	report, err := f.svc.Reconcile(f.ctx, res.AccountID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestRemoveStock_ConsumesExpiredBatchesAndFlagsThem(t *testing.T) {
	f := newFixture(t)
	stale := f.clock.Now().AddDate(0, 0, -30)
	_, err := f.svc.AddStock(f.ctx, f.key, ledger.AddStockRequest{Quantity: d("4"), Type: ledger.MovementProduction, ProductionDate: &stale})
	require.NoError(t, err)
	f.add(t, "6", "")

	res, err := f.sell("5", "")
	require.NoError(t, err)
	require.Len(t, res.Consumed, 2)
	assertDecimal(t, "4", res.Consumed[0].Quantity)
	assert.True(t, res.Consumed[0].Expired)
	assertDecimal(t, "1", res.Consumed[1].Quantity)
	assert.False(t, res.Consumed[1].Expired)
	assertDecimal(t, "5", res.Balance)
}

func TestRemoveStock_FIFOAndRevenue(t *testing.T) {
	f := newFixture(t)
	older := f.clock.Now().AddDate(0, 0, -1)
	_, err := f.svc.AddStock(f.ctx, f.key, ledger.AddStockRequest{Quantity: d("10"), Type: ledger.MovementProduction, ProductionDate: &older})
	require.NoError(t, err)
	f.add(t, "10", "")

	res, err := f.sell("15", "1.5")
	require.NoError(t, err)
	require.Len(t, res.Consumed, 2)
	assertDecimal(t, "10", res.Consumed[0].Quantity)
	assertDecimal(t, "5", res.Consumed[1].Quantity)
	assertDecimal(t, "5", res.Balance)

	acc, err := f.svc.GetAccount(f.ctx, res.AccountID)
	require.NoError(t, err)
	assertDecimal(t, "15", acc.TotalSold)
	assertDecimal(t, "22.5", acc.TotalRevenue)
	require.NotNil(t, acc.LastSaleDate)

	batches, err := f.svc.ListBatches(f.ctx, acc.ID, true)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.True(t, batches[0].IsDepleted)
	assertDecimal(t, "5", batches[1].CurrentQuantity)
}

func TestRemoveStock_LossesAndUnpricedSales(t *testing.T) {
	f := newFixture(t)
	f.add(t, "20", "1")

	_, err := f.svc.RemoveStock(f.ctx, f.key, ledger.RemoveStockRequest{Quantity: d("3"), Type: ledger.MovementBreakage})
	require.NoError(t, err)
	res, err := f.sell("2", "")
	require.NoError(t, err)

	acc, err := f.svc.GetAccount(f.ctx, res.AccountID)
	require.NoError(t, err)
	assertDecimal(t, "3", acc.TotalLost)
	assertDecimal(t, "2", acc.TotalSold)
	assertDecimal(t, "0", acc.TotalRevenue)

	_, err = f.svc.RemoveStock(f.ctx, f.key, ledger.RemoveStockRequest{
		Quantity:  d("1"),
		Type:      ledger.MovementSpoilage,
		UnitPrice: decimal.NewNullDecimal(d("1")),
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestRemoveStock_InsufficientChangesNothing(t *testing.T) {
	f := newFixture(t)
	added := f.add(t, "10", "1")

	_, err := f.sell("11", "")
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "10", appErr.Details["available"])

	acc, err := f.svc.GetAccount(f.ctx, added.AccountID)
	require.NoError(t, err)
	assertDecimal(t, "10", acc.QuantityAvailable)
	assert.Equal(t, int64(1), acc.Version)
	assert.False(t, acc.SyncHalted)

	movements, err := f.svc.ListMovements(f.ctx, ledger.MovementFilter{AccountID: acc.ID})
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestRemoveStock_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.sell("1", "")
	assert.True(t, apperror.IsNotFound(err))
}

func TestLowStockFollowsThreshold(t *testing.T) {
	f := newFixture(t)

	res := f.add(t, "10", "")
	assert.False(t, res.LowStock)

	res, err := f.sell("5", "")
	require.NoError(t, err)
	assert.True(t, res.LowStock)

	threshold := d("2")
	acc, err := f.svc.UpdateSettings(f.ctx, res.AccountID, ledger.Settings{LowStockThreshold: &threshold})
	require.NoError(t, err)
	assert.False(t, acc.IsLowStock)
	assert.Equal(t, int64(2), acc.Version)
	assertDecimal(t, "5", acc.QuantityAvailable)

	listed, err := f.svc.ListAccounts(f.ctx, ledger.AccountFilter{FarmID: &f.key.FarmID, LowStockOnly: true})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestMismatchHaltsSyncUntilResolved(t *testing.T) {
	f := newFixture(t)
	added := f.add(t, "10", "1")

	raw, err := f.store.GetAccount(f.ctx, added.AccountID)
	require.NoError(t, err)
	tampered := *raw
	tampered.QuantityAvailable = d("5")
	f.store.ReplaceAccount(tampered)

	_, err = f.sell("3", "")
	require.Error(t, err)
	assert.True(t, apperror.IsReconciliationMismatch(err))

	acc, err := f.svc.GetAccount(f.ctx, added.AccountID)
	require.NoError(t, err)
	assert.True(t, acc.SyncHalted)
	require.NotNil(t, acc.SyncHaltReason)
	assertDecimal(t, "5", acc.QuantityAvailable)

	var halted bool
	for _, ev := range f.store.Events() {
		if ev.Type == ledger.EventSyncHalted {
			halted = true
		}
	}
	assert.True(t, halted)

	rec, err := f.svc.Reconcile(f.ctx, added.AccountID)
	require.NoError(t, err)
	assert.False(t, rec.Balanced)

	_, err = f.svc.ResumeSync(f.ctx, added.AccountID, "checked the shed")
	assert.True(t, apperror.HasCode(err, apperror.CodeReconciliationMismatch))

	fixed, err := f.store.GetAccount(f.ctx, added.AccountID)
	require.NoError(t, err)
	restored := *fixed
	restored.QuantityAvailable = d("10")
	f.store.ReplaceAccount(restored)

	_, err = f.svc.ResumeSync(f.ctx, added.AccountID, "recounted")
	require.NoError(t, err)

	acc, err = f.svc.GetAccount(f.ctx, added.AccountID)
	require.NoError(t, err)
	assert.False(t, acc.SyncHalted)
	assert.Nil(t, acc.SyncHaltReason)

	_, err = f.svc.ResumeSync(f.ctx, added.AccountID, "again")
	assert.True(t, apperror.HasCode(err, apperror.CodeBusinessRule))
}

func TestReconcile_BalancedAfterNormalUse(t *testing.T) {
	f := newFixture(t)
	added := f.add(t, "12", "1")
	_, err := f.sell("4", "2")
	require.NoError(t, err)
	f.add(t, "3", "1")

	rec, err := f.svc.Reconcile(f.ctx, added.AccountID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced, rec.Reason)
	assert.Equal(t, 3, rec.Replay.Movements)
	assertDecimal(t, "11", rec.Replay.Computed)
	assertDecimal(t, "11", rec.BatchQuantity)
}

func TestConcurrentRemovalsNeverOversell(t *testing.T) {
	f := newFixture(t)
	added := f.add(t, "10", "")

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sell("7", "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if apperror.IsInsufficientStock(err) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)

	acc, err := f.svc.GetAccount(f.ctx, added.AccountID)
	require.NoError(t, err)
	assertDecimal(t, "3", acc.QuantityAvailable)
}

func TestConcurrentAdditionsSerialize(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddStock(f.ctx, f.key, ledger.AddStockRequest{Quantity: d("1"), Type: ledger.MovementProduction})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acc, err := f.svc.FindAccount(f.ctx, f.key)
	require.NoError(t, err)
	assertDecimal(t, "20", acc.QuantityAvailable)
	assert.Equal(t, int64(20), acc.Version)

	rec, err := f.svc.Reconcile(f.ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced, rec.Reason)
}

func TestMirrorTogglesOwnedListingsOnly(t *testing.T) {
	f := newFixture(t)
	added := f.add(t, "5", "")

	active := mirror.Listing{ID: id.New(), AccountID: added.AccountID, OnHandQuantity: d("5"), Status: mirror.StatusActive}
	withdrawn := mirror.Listing{ID: id.New(), AccountID: added.AccountID, OnHandQuantity: d("5"), Status: mirror.StatusWithdrawn}
	f.store.PutListing(active)
	f.store.PutListing(withdrawn)

	res, err := f.sell("5", "")
	require.NoError(t, err)
	require.NotNil(t, res.Mirror)
	assert.Equal(t, 2, res.Mirror.Listings)
	assert.Equal(t, []id.ID{active.ID}, res.Mirror.Toggled)
	assert.Equal(t, []id.ID{withdrawn.ID}, res.Mirror.Held)

	got, _ := f.store.Listing(active.ID)
	assert.Equal(t, mirror.StatusOutOfStock, got.Status)
	assertDecimal(t, "0", got.OnHandQuantity)
	require.NotNil(t, got.InventorySyncedAt)

	got, _ = f.store.Listing(withdrawn.ID)
	assert.Equal(t, mirror.StatusWithdrawn, got.Status)
	assertDecimal(t, "0", got.OnHandQuantity)

	f.add(t, "3", "")
	got, _ = f.store.Listing(active.ID)
	assert.Equal(t, mirror.StatusActive, got.Status)
	assertDecimal(t, "3", got.OnHandQuantity)
}

func TestDeactivateRequiresEmptyAccount(t *testing.T) {
	f := newFixture(t)
	added := f.add(t, "2", "")

	_, err := f.svc.Deactivate(f.ctx, added.AccountID)
	assert.True(t, apperror.HasCode(err, apperror.CodeBusinessRule))

	_, err = f.sell("2", "")
	require.NoError(t, err)
	acc, err := f.svc.Deactivate(f.ctx, added.AccountID)
	require.NoError(t, err)
	assert.False(t, acc.IsActive)

	_, err = f.svc.AddStock(f.ctx, f.key, ledger.AddStockRequest{Quantity: d("1"), Type: ledger.MovementProduction})
	assert.True(t, apperror.HasCode(err, apperror.CodeAccountInactive))

	acc, err = f.svc.Reactivate(f.ctx, added.AccountID)
	require.NoError(t, err)
	assert.True(t, acc.IsActive)
	f.add(t, "1", "")
}

func TestExpiringBatches(t *testing.T) {
	f := newFixture(t)
	aging := f.clock.Now().AddDate(0, 0, -27)
	_, err := f.svc.AddStock(f.ctx, f.key, ledger.AddStockRequest{Quantity: d("4"), Type: ledger.MovementProduction, ProductionDate: &aging})
	require.NoError(t, err)
	f.add(t, "6", "")

	soon, err := f.svc.ExpiringBatches(f.ctx, &f.key.FarmID, 48*time.Hour)
	require.NoError(t, err)
	require.Len(t, soon, 1)
	assertDecimal(t, "4", soon[0].CurrentQuantity)

	other := id.New()
	none, err := f.svc.ExpiringBatches(f.ctx, &other, 48*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.svc.ExpiringBatches(f.ctx, nil, -time.Hour)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestListMovementsFiltersByType(t *testing.T) {
	f := newFixture(t)
	added := f.add(t, "10", "")
	_, err := f.sell("2", "")
	require.NoError(t, err)
	_, err = f.svc.RemoveStock(f.ctx, f.key, ledger.RemoveStockRequest{Quantity: d("1"), Type: ledger.MovementSpoilage})
	require.NoError(t, err)

	sales, err := f.svc.ListMovements(f.ctx, ledger.MovementFilter{AccountID: added.AccountID, Types: []ledger.MovementType{ledger.MovementSale}})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assertDecimal(t, "-2", sales[0].Quantity)
	assertDecimal(t, "8", sales[0].BalanceAfter)

	_, err = f.svc.ListMovements(f.ctx, ledger.MovementFilter{})
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestRefreshDerivedAgesStock(t *testing.T) {
	f := newFixture(t)
	added := f.add(t, "10", "")
	assert.Equal(t, ledger.HealthHealthy, added.Health)

	n, err := f.svc.RefreshDerived(f.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(8 * 24 * time.Hour)
	n, err = f.svc.RefreshDerived(f.ctx, &f.key.FarmID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	warning := ledger.HealthWarning
	listed, err := f.svc.ListAccounts(f.ctx, ledger.AccountFilter{Health: &warning})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, added.AccountID, listed[0].ID)
	assert.Equal(t, int64(1), listed[0].Version)
}
