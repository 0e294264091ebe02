package billing

import (
	"github.com/shopspring/decimal"

	"stockmeter/internal/types"
)

// centPlaces is the number of fractional digits kept for currency amounts.
const centPlaces = 2

// CostBreakdown explains how an amount was derived.
type CostBreakdown struct {
	Usage         int64           `json:"usage"`
	FreeAllowance int64           `json:"free_allowance"`
	BillableUnits int64           `json:"billable_units"`
	OverageRate   decimal.Decimal `json:"overage_rate"`
	Amount        decimal.Decimal `json:"amount"`
}

// Cost returns max(0, usage - allowance) * rate, rounded half-up to cents.
// Usage above a finite hard cap is still charged.
func Cost(usage int64, tier types.PricingTier) decimal.Decimal {
	return Breakdown(usage, tier).Amount
}

// Breakdown computes the cost along with its inputs.
func Breakdown(usage int64, tier types.PricingTier) CostBreakdown {
	billable := usage - tier.FreeAllowance
	if billable < 0 {
		billable = 0
	}

	// Amounts are never negative, so Round (half away from zero) is half-up.
	amount := decimal.NewFromInt(billable).Mul(tier.OverageRate).Round(centPlaces)

	return CostBreakdown{
		Usage:         usage,
		FreeAllowance: tier.FreeAllowance,
		BillableUnits: billable,
		OverageRate:   tier.OverageRate,
		Amount:        amount,
	}
}

// MinorUnits converts a currency amount to integer cents for the processor.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(centPlaces).Round(0).IntPart()
}
