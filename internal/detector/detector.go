// Package detector decides, from one tick's joined price set, whether a
// tradeable pricing inconsistency exists between the spot venue and the
// price implied by the conditional markets.
package detector

import (
	"github.com/shopspring/decimal"

	"futarchy-arb/pkg/types"
)

// Implied computes the price the spot venue should quote, from the two
// conditional company prices weighted by the prediction market:
//
//	implied = p_pred_yes*p_yes + (1 - p_pred_yes)*p_no
//
// The NO weight is derived as 1 - p_pred_yes (split-position identity)
// rather than read from the NO prediction pool; the oracle has already
// verified the two agree within tolerance.
func Implied(prices *types.PriceSet) decimal.Decimal {
	one := decimal.NewFromInt(1)
	return prices.PredYes.Mul(prices.Yes).
		Add(one.Sub(prices.PredYes).Mul(prices.No))
}

// Detect classifies one tick's prices against the deviation tolerance.
//
// The gate is strict: a deviation exactly at the tolerance reports no
// opportunity. When p_yes == p_no exactly, YES is the cheaper leg.
func Detect(prices *types.PriceSet, tolerance decimal.Decimal) types.Verdict {
	implied := Implied(prices)
	dev := prices.Spot.Sub(implied).Abs()

	verdict := types.Verdict{
		Spot:      prices.Spot,
		Implied:   implied,
		Deviation: dev,
	}
	if dev.LessThan(tolerance) || dev.Equal(tolerance) {
		return verdict
	}

	if prices.Spot.GreaterThan(implied) {
		verdict.Flow = types.FlowBuy
	} else {
		verdict.Flow = types.FlowSell
	}
	if prices.Yes.LessThanOrEqual(prices.No) {
		verdict.Cheaper = types.LegYes
	} else {
		verdict.Cheaper = types.LegNo
	}
	return verdict
}
