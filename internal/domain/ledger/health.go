package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"farmledger/internal/core/types"
)

// StockHealth grades how urgently stock needs to move.
type StockHealth string

const (
	HealthEmpty    StockHealth = "empty"
	HealthHealthy  StockHealth = "healthy"
	HealthWarning  StockHealth = "warning"
	HealthCritical StockHealth = "critical"
)

// ParseStockHealth validates a health filter value.
func ParseStockHealth(s string) (StockHealth, bool) {
	switch h := StockHealth(s); h {
	case HealthEmpty, HealthHealthy, HealthWarning, HealthCritical:
		return h, true
	}
	return "", false
}

// HealthPolicy holds the thresholds used to grade stock.
// Age ratios compare the average batch age to the account's shelf life.
type HealthPolicy struct {
	WarningAgeRatio       decimal.Decimal `yaml:"warning_age_ratio"`
	CriticalAgeRatio      decimal.Decimal `yaml:"critical_age_ratio"`
	WarningDaysSinceSale  int             `yaml:"warning_days_since_sale"`
	CriticalDaysSinceSale int             `yaml:"critical_days_since_sale"`
}

// DefaultHealthPolicy: warning at half the shelf life or a week without sales,
// critical at 80% of the shelf life or two weeks without sales.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		WarningAgeRatio:       decimal.RequireFromString("0.5"),
		CriticalAgeRatio:      decimal.RequireFromString("0.8"),
		WarningDaysSinceSale:  7,
		CriticalDaysSinceSale: 14,
	}
}

// HealthInput is everything health depends on.
type HealthInput struct {
	Quantity       types.Quantity
	AverageAgeDays decimal.Decimal
	HasAge         bool
	ShelfLifeDays  int
	LastSaleDate   *time.Time
	// StockedSince is used instead of the last sale date when nothing was ever sold.
	StockedSince *time.Time
	Now          time.Time
}

// Evaluate grades stock. It is a pure function of its input.
func (p HealthPolicy) Evaluate(in HealthInput) StockHealth {
	if !in.Quantity.IsPositive() {
		return HealthEmpty
	}

	grade := HealthHealthy
	if in.HasAge && in.ShelfLifeDays > 0 {
		ratio := in.AverageAgeDays.Div(decimal.NewFromInt(int64(in.ShelfLifeDays)))
		switch {
		case ratio.GreaterThanOrEqual(p.CriticalAgeRatio):
			return HealthCritical
		case ratio.GreaterThanOrEqual(p.WarningAgeRatio):
			grade = HealthWarning
		}
	}

	since := in.LastSaleDate
	if since == nil {
		since = in.StockedSince
	}
	if since != nil {
		idle := int(in.Now.Sub(*since).Hours() / 24)
		switch {
		case p.CriticalDaysSinceSale > 0 && idle >= p.CriticalDaysSinceSale:
			return HealthCritical
		case p.WarningDaysSinceSale > 0 && idle >= p.WarningDaysSinceSale:
			grade = HealthWarning
		}
	}
	return grade
}
