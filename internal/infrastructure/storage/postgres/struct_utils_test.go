package postgres

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"farmledger/internal/core/id"
	"farmledger/internal/domain/ledger"
)

func TestExtractDBColumns_FlattensDerived(t *testing.T) {
	cols := ExtractDBColumns[ledger.Account]()

	for _, expected := range []string{
		"id", "farm_id", "category", "product_name", "quantity_available", "unit_cost",
		"is_low_stock", "stock_health", "oldest_stock_date", "average_age_days", "expired_quantity",
		"version", "sync_halted",
	} {
		assert.Contains(t, cols, expected)
	}
}

func TestStructToMap_Account(t *testing.T) {
	now := time.Now().UTC()
	acc := ledger.Account{
		ID:                id.New(),
		FarmID:            id.New(),
		Category:          ledger.CategoryEggs,
		ProductName:       "Brown eggs",
		QuantityAvailable: decimal.NewFromInt(42),
		Version:           7,
		Derived: ledger.Derived{
			IsLowStock:      true,
			StockHealth:     ledger.HealthWarning,
			OldestStockDate: &now,
		},
	}

	m := StructToMap(&acc)

	assert.Equal(t, acc.ID, m["id"])
	assert.Equal(t, ledger.CategoryEggs, m["category"])
	assert.True(t, decimal.NewFromInt(42).Equal(m["quantity_available"].(decimal.Decimal)))
	assert.Equal(t, int64(7), m["version"])
	assert.Equal(t, true, m["is_low_stock"])
	assert.Equal(t, ledger.HealthWarning, m["stock_health"])
	assert.Equal(t, &now, m["oldest_stock_date"])
}

func TestWithout(t *testing.T) {
	m := map[string]any{"id": 1, "version": 2, "name": "x"}

	out := Without(m, "id", "version")

	assert.Equal(t, map[string]any{"name": "x"}, out)
	assert.Len(t, m, 3)
}
