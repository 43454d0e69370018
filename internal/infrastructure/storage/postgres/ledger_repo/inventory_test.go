package ledger_repo

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmledger/internal/core/id"
	"farmledger/internal/domain/ledger"
)

func TestLockAccountQuery_UsesNaturalKeyAndRowLock(t *testing.T) {
	repo := NewInventoryRepo(nil)
	key := ledger.AccountKey{FarmID: id.New(), Category: ledger.CategoryEggs, ProductName: "Brown eggs"}

	sql, args, err := repo.selectAccounts().Where(keyEq(key)).Suffix("FOR UPDATE").ToSql()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql, "SELECT id, farm_id, category, product_name,"), sql)
	assert.True(t, strings.HasSuffix(sql,
		"FROM inv_accounts WHERE category = $1 AND farm_id = $2 AND product_name = $3 FOR UPDATE"), sql)
	// uuid.UUID is a driver.Valuer, so squirrel binds its string form.
	assert.Equal(t, []any{ledger.CategoryEggs, key.FarmID.String(), "Brown eggs"}, args)
}

func TestUpdateAccountQuery_ChecksVersionAndKeepsIdentity(t *testing.T) {
	repo := NewInventoryRepo(nil)
	acc := ledger.NewAccount(ledger.AccountKey{FarmID: id.New(), Category: ledger.CategoryEggs, ProductName: "Eggs"},
		ledger.AccountDefaults{Unit: "tray"}, time.Now().UTC())
	acc.Version = 4

	sql, args, err := repo.updateAccountQuery(acc, 3).ToSql()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql, "UPDATE inv_accounts SET "), sql)
	assert.True(t, strings.HasSuffix(sql, "WHERE id = $23 AND version = $24"), sql)
	assert.NotContains(t, sql, "farm_id =")
	assert.NotContains(t, sql, "created_at =")
	assert.Equal(t, acc.ID.String(), args[len(args)-2])
	assert.Equal(t, int64(3), args[len(args)-1])
}

func TestListAccountsQuery_Filters(t *testing.T) {
	repo := NewInventoryRepo(nil)
	farmID := id.New()
	health := ledger.HealthCritical

	sql, args, err := repo.listAccountsQuery(ledger.AccountFilter{
		FarmID:       &farmID,
		LowStockOnly: true,
		Health:       &health,
		ActiveOnly:   true,
		Limit:        50,
		Offset:       100,
	}).ToSql()
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(sql,
		"WHERE farm_id = $1 AND is_low_stock = $2 AND stock_health = $3 AND is_active = $4 ORDER BY farm_id, category, product_name LIMIT 50 OFFSET 100"), sql)
	assert.Equal(t, []any{farmID.String(), true, ledger.HealthCritical, true}, args)
}

func TestExpiringQuery_JoinsAccountsForFarm(t *testing.T) {
	repo := NewInventoryRepo(nil)
	farmID := id.New()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	sql, args, err := repo.expiringQuery(&farmID, cutoff).ToSql()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql, "SELECT b.id, b.account_id,"), sql)
	assert.True(t, strings.HasSuffix(sql,
		"FROM inv_batches b JOIN inv_accounts a ON a.id = b.account_id WHERE b.is_depleted = $1 AND b.expiry_date < $2 AND a.farm_id = $3 ORDER BY b.expiry_date, b.sequence"), sql)
	assert.Equal(t, []any{false, cutoff, farmID.String()}, args)
}

func TestSaveBatchesQuery_UpsertsMutableColumnsOnly(t *testing.T) {
	repo := NewInventoryRepo(nil)
	accountID := id.New()
	now := time.Now().UTC()
	batches := []ledger.Batch{
		{ID: id.New(), AccountID: accountID, Sequence: 1, InitialQuantity: decimal.NewFromInt(10), CurrentQuantity: decimal.Zero, IsDepleted: true, ProductionDate: now, ExpiryDate: now, CreatedAt: now, UpdatedAt: now},
		{ID: id.New(), AccountID: accountID, Sequence: 2, InitialQuantity: decimal.NewFromInt(10), CurrentQuantity: decimal.NewFromInt(5), ProductionDate: now, ExpiryDate: now, CreatedAt: now, UpdatedAt: now},
	}

	sql, args, err := repo.saveBatchesQuery(batches).ToSql()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql,
		"INSERT INTO inv_batches (id,account_id,sequence,initial_quantity,current_quantity,unit_cost,production_date,expiry_date,is_depleted,created_at,updated_at) VALUES"), sql)
	assert.Contains(t, sql, "ON CONFLICT (id) DO UPDATE SET")
	assert.NotContains(t, sql, "initial_quantity = EXCLUDED")
	assert.Len(t, args, 2*len(batchColumns))
	assert.Equal(t, batches[1].ID, args[len(batchColumns)])
}

func TestListMovementsQuery_TypesAndWindow(t *testing.T) {
	repo := NewInventoryRepo(nil)
	accountID := id.New()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	sql, args, err := repo.listMovementsQuery(ledger.MovementFilter{
		AccountID: accountID,
		Types:     []ledger.MovementType{ledger.MovementSale, ledger.MovementSpoilage},
		From:      &from,
		Limit:     20,
	}).ToSql()
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(sql,
		"FROM inv_movements WHERE account_id = $1 AND movement_type IN ($2,$3) AND occurred_at >= $4 ORDER BY sequence DESC LIMIT 20"), sql)
	assert.Equal(t, []any{accountID.String(), "sale", "spoilage", from}, args)
}

func TestMovementRow_RoundTripsSourceRef(t *testing.T) {
	m := &ledger.Movement{
		ID:           id.New(),
		AccountID:    id.New(),
		Sequence:     3,
		Quantity:     decimal.NewFromInt(-4),
		BalanceAfter: decimal.NewFromInt(6),
		Type:         ledger.MovementSale,
		Source:       ledger.SaleRef("order-17"),
		Actor:        "user-1",
	}

	row := toRow(m)
	require.NotNil(t, row.SourceKind)
	assert.Equal(t, "sale", *row.SourceKind)
	assert.Nil(t, row.Notes)

	back, err := row.toMovement()
	require.NoError(t, err)
	assert.Equal(t, ledger.SaleRef("order-17"), back.Source)
	assert.True(t, back.Quantity.Equal(m.Quantity))
}

func TestMovementRow_RejectsUnknownSourceKind(t *testing.T) {
	kind, srcID := "invoice", "x"
	row := movementRow{ID: id.New(), SourceKind: &kind, SourceID: &srcID}

	_, err := row.toMovement()
	assert.Error(t, err)
}
