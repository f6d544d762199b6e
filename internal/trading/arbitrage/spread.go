package arbitrage

import "github.com/shopspring/decimal"

var (
	eight      = decimal.NewFromInt(8)
	two        = decimal.NewFromInt(2)
	bpsDivisor = decimal.NewFromInt(10000)
)

// Normalize8h converts a per-interval funding rate into its 8-hour equivalent.
// A non-positive interval yields zero.
func Normalize8h(rate, intervalHours decimal.Decimal) decimal.Decimal {
	if intervalHours.Sign() <= 0 {
		return decimal.Zero
	}
	return rate.Mul(eight).Div(intervalHours)
}

// ComputeSpread returns the funding spread (receive - pay) per 8h round.
func ComputeSpread(receiveRate8h, payRate8h decimal.Decimal) decimal.Decimal {
	return receiveRate8h.Sub(payRate8h)
}

// SlippageCost is the round-trip slippage allowance: both legs pay bps once.
func SlippageCost(slippageBps decimal.Decimal) decimal.Decimal {
	return two.Mul(slippageBps).Div(bpsDivisor)
}

// BpsFraction converts basis points to a fraction of notional.
func BpsFraction(bps decimal.Decimal) decimal.Decimal {
	return bps.Div(bpsDivisor)
}

// ProjectMonthly scales a per-round yield by the number of rounds in a month.
func ProjectMonthly(netPerRound decimal.Decimal, roundsPerMonth int) decimal.Decimal {
	return netPerRound.Mul(decimal.NewFromInt(int64(roundsPerMonth)))
}

// AnnualizeSpread converts a per-8h spread to APR.
func AnnualizeSpread(spread8h decimal.Decimal) decimal.Decimal {
	return spread8h.Mul(decimal.NewFromInt(365 * 3))
}

// PriceEdge returns |a - b| / avg(a, b), or zero when both marks are zero.
func PriceEdge(a, b decimal.Decimal) decimal.Decimal {
	avg := a.Add(b).Div(two)
	if avg.IsZero() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Div(avg)
}
