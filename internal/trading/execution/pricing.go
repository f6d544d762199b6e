package execution

import (
	"fmt"
	"math/big"

	"funding_arb/internal/core"
	"funding_arb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

var (
	one        = decimal.NewFromInt(1)
	bpsDivisor = decimal.NewFromInt(10000)
)

// LimitPrice returns the slippage-bounded limit for an order on side.
// Buys pay up to ask*(1+bps), sells accept down to bid*(1-bps). The tick
// rounding moves towards the touch so the bound is never exceeded.
func LimitPrice(side core.Side, q *core.Quote, slippageBps, tick decimal.Decimal) (decimal.Decimal, error) {
	buffer := slippageBps.Div(bpsDivisor)
	var px decimal.Decimal
	if side == core.SideLong {
		if !q.Ask.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: invalid book prices (ask %s)", apperrors.ErrDataUnavailable, q.Ask)
		}
		px = RoundDown(q.Ask.Mul(one.Add(buffer)), tick)
	} else {
		if !q.Bid.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: invalid book prices (bid %s)", apperrors.ErrDataUnavailable, q.Bid)
		}
		px = RoundUp(q.Bid.Mul(one.Sub(buffer)), tick)
	}
	if !px.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: limit price %s after rounding", apperrors.ErrDataUnavailable, px)
	}
	return px, nil
}

// RoundDown floors v to a multiple of step; a non-positive step leaves v unchanged
func RoundDown(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundUp ceils v to a multiple of step; a non-positive step leaves v unchanged
func RoundUp(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// SizeOrder turns a per-leg notional into one quantity valid on every venue
func SizeOrder(notional, mark decimal.Decimal, rules ...*core.SymbolRules) (decimal.Decimal, error) {
	if !mark.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: mark price %s", apperrors.ErrDataUnavailable, mark)
	}
	if !notional.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: notional %s", apperrors.ErrBelowMinimum, notional)
	}
	return FitQuantity(notional.Div(mark), mark, rules...)
}

// FitQuantity floors qty to a multiple of every venue's step, then checks it
// against each venue's minimum quantity and minimum notional at mark.
func FitQuantity(qty, mark decimal.Decimal, rules ...*core.SymbolRules) (decimal.Decimal, error) {
	step := CommonStep(rules...)
	fitted := RoundDown(qty, step)
	if !fitted.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: quantity %s rounds to zero (step %s)", apperrors.ErrBelowMinimum, qty, step)
	}

	for _, r := range rules {
		if r == nil {
			continue
		}
		if fitted.LessThan(r.MinQuantity) {
			return decimal.Zero, fmt.Errorf("%w: quantity %s < min %s", apperrors.ErrBelowMinimum, fitted, r.MinQuantity)
		}
		if fitted.Mul(mark).LessThan(r.MinNotional) {
			return decimal.Zero, fmt.Errorf("%w: notional %s < min %s", apperrors.ErrBelowMinimum, fitted.Mul(mark), r.MinNotional)
		}
	}
	return fitted, nil
}

// CommonStep is the least common multiple of the positive quantity steps,
// the smallest increment every venue accepts. Zero when no venue sets a step.
func CommonStep(rules ...*core.SymbolRules) decimal.Decimal {
	var steps []decimal.Decimal
	scale := int32(0)
	for _, r := range rules {
		if r == nil || !r.QuantityStep.IsPositive() {
			continue
		}
		steps = append(steps, r.QuantityStep)
		if e := -r.QuantityStep.Exponent(); e > scale {
			scale = e
		}
	}
	if len(steps) == 0 {
		return decimal.Zero
	}

	// lcm over integers scaled by 10^scale
	lcm := steps[0].Shift(scale).BigInt()
	for _, st := range steps[1:] {
		n := st.Shift(scale).BigInt()
		gcd := new(big.Int).GCD(nil, nil, lcm, n)
		lcm.Mul(lcm, n).Quo(lcm, gcd)
	}
	return decimal.NewFromBigInt(lcm, -scale)
}
