package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmledger/internal/domain/ledger"
)

func TestParseCategoryFile(t *testing.T) {
	data := []byte(`
categories:
  eggs:
    unit: tray
    shelf_life_days: 21
    low_stock_threshold: "3"
health:
  warning_age_ratio: "0.4"
  critical_age_ratio: "0.9"
  warning_days_since_sale: 5
  critical_days_since_sale: 10
`)
	file, err := ParseCategoryFile(data)
	require.NoError(t, err)

	eggs := file.Categories[ledger.CategoryEggs]
	assert.Equal(t, "tray", eggs.Unit)
	assert.Equal(t, 21, eggs.ShelfLifeDays)
	assert.True(t, eggs.LowStockThreshold.Equal(decimal.NewFromInt(3)))

	require.NotNil(t, file.Health)
	assert.True(t, file.Health.WarningAgeRatio.Equal(decimal.RequireFromString("0.4")))
	assert.Equal(t, 10, file.Health.CriticalDaysSinceSale)
}

func TestParseCategoryFile_RejectsUnknownCategory(t *testing.T) {
	_, err := ParseCategoryFile([]byte("categories:\n  honey:\n    unit: jar\n"))
	assert.Error(t, err)
}

func TestParseCategoryFile_RequiresUnit(t *testing.T) {
	_, err := ParseCategoryFile([]byte("categories:\n  eggs:\n    shelf_life_days: 10\n"))
	assert.ErrorContains(t, err, "unit is required")
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("DB_LOCK_TIMEOUT", "2s")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KAFKA_DEAD_LETTER_TOPIC", "farm.ready-stock.dlq")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, "farm.ready-stock.dlq", cfg.DeadLetterTopic)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "egg", cfg.Defaults()(ledger.CategoryEggs).Unit)
	assert.Equal(t, "unit", cfg.Defaults()(ledger.Category("other")).Unit)
	assert.Equal(t, ledger.DefaultHealthPolicy(), cfg.HealthPolicy())
}

func TestLoad_ProductionNeedsSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")
}
