package ledger

import (
	"farmledger/internal/core/apperror"
	"farmledger/internal/core/types"
)

// Blend returns the weighted-average unit cost after adding addedQty units at
// addedUnitCost to oldQty units valued at oldUnitCost.
//
// When the combined quantity is zero the prior cost is returned unchanged.
func Blend(oldQty types.Quantity, oldUnitCost types.Money, addedQty types.Quantity, addedUnitCost types.Money) (types.Money, error) {
	if oldQty.IsNegative() || addedQty.IsNegative() {
		return oldUnitCost, apperror.NewInvalidQuantity(addedQty.String()).
			WithDetail("old_quantity", oldQty.String())
	}
	if oldUnitCost.IsNegative() || addedUnitCost.IsNegative() {
		return oldUnitCost, apperror.NewValidation("unit cost must not be negative")
	}

	total := oldQty.Add(addedQty)
	if total.IsZero() {
		return oldUnitCost, nil
	}

	value := oldQty.Mul(oldUnitCost).Add(addedQty.Mul(addedUnitCost))
	return value.DivRound(total, types.CostPrecision+4).Round(types.CostPrecision), nil
}

// StockValue is quantity * unit cost, rounded to money precision.
func StockValue(qty types.Quantity, unitCost types.Money) types.Money {
	return qty.Mul(unitCost).Round(types.MoneyPrecision)
}
