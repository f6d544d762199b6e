package arbitrage

import (
	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// AutoCloseConfig holds the close thresholds as fractions; zero disables a rule
type AutoCloseConfig struct {
	ReturnPct       decimal.Decimal
	SideDrawdownPct decimal.Decimal
}

// CloseReason names the rule that fired
type CloseReason string

const (
	CloseNone         CloseReason = ""
	CloseTakeProfit   CloseReason = "take_profit"
	CloseSideDrawdown CloseReason = "side_drawdown"
)

// Decision is the auto-close verdict for one position
type Decision struct {
	Close           bool
	Reason          CloseReason
	PortfolioReturn decimal.Decimal
	LongDrawdown    decimal.Decimal
	ShortDrawdown   decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	AccruedFunding  decimal.Decimal
	TotalNotional   decimal.Decimal
}

// EvaluateAutoClose marks pos to market and decides whether to close it.
// Only filled legs contribute, so a leg-risk position is judged on its single leg.
func EvaluateAutoClose(pos *core.Position, longMark, shortMark, accruedFunding decimal.Decimal, cfg AutoCloseConfig) Decision {
	d := Decision{AccruedFunding: accruedFunding}
	if pos == nil {
		return d
	}

	var minDrawdown *decimal.Decimal
	track := func(leg *core.Leg, mark decimal.Decimal) decimal.Decimal {
		if leg == nil || !leg.Filled {
			return decimal.Zero
		}
		notional := leg.Notional()
		pnl := leg.UnrealizedPnL(mark)
		d.UnrealizedPnL = d.UnrealizedPnL.Add(pnl)
		d.TotalNotional = d.TotalNotional.Add(notional)
		if notional.IsZero() {
			return decimal.Zero
		}
		dd := pnl.Div(notional)
		if minDrawdown == nil || dd.LessThan(*minDrawdown) {
			minDrawdown = &dd
		}
		return dd
	}

	d.LongDrawdown = track(pos.LongLeg, longMark)
	d.ShortDrawdown = track(pos.ShortLeg, shortMark)

	if d.TotalNotional.IsZero() {
		return d
	}
	d.PortfolioReturn = d.UnrealizedPnL.Add(accruedFunding).Div(d.TotalNotional)

	if cfg.ReturnPct.IsPositive() && d.PortfolioReturn.GreaterThanOrEqual(cfg.ReturnPct) {
		d.Close = true
		d.Reason = CloseTakeProfit
		return d
	}
	if cfg.SideDrawdownPct.IsPositive() && minDrawdown != nil && minDrawdown.LessThanOrEqual(cfg.SideDrawdownPct.Neg()) {
		d.Close = true
		d.Reason = CloseSideDrawdown
	}
	return d
}
