package arbitrage

import (
	"sync"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// FundingAccrual estimates funding collected by each open position between polls.
// Positive rates mean longs pay shorts.
type FundingAccrual struct {
	mu      sync.Mutex
	accrued map[string]decimal.Decimal
	last    map[string]time.Time
}

func NewFundingAccrual() *FundingAccrual {
	return &FundingAccrual{
		accrued: make(map[string]decimal.Decimal),
		last:    make(map[string]time.Time),
	}
}

// Update accrues funding since the previous call (or since the position opened)
// and returns the running total for the position.
func (f *FundingAccrual) Update(pos *core.Position, longObs, shortObs *core.FundingObservation, now time.Time) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()

	since, ok := f.last[pos.ID]
	if !ok {
		since = pos.OpenedAt
	}
	f.last[pos.ID] = now

	hours := decimal.NewFromFloat(now.Sub(since).Hours())
	if !hours.IsPositive() {
		return f.accrued[pos.ID]
	}
	rounds := hours.Div(eight)

	delta := decimal.Zero
	if pos.LongLeg != nil && pos.LongLeg.Filled && longObs != nil {
		rate := Normalize8h(longObs.FundingRate, longObs.FundingIntervalHours)
		delta = delta.Sub(rate.Mul(pos.LongLeg.Notional()).Mul(rounds))
	}
	if pos.ShortLeg != nil && pos.ShortLeg.Filled && shortObs != nil {
		rate := Normalize8h(shortObs.FundingRate, shortObs.FundingIntervalHours)
		delta = delta.Add(rate.Mul(pos.ShortLeg.Notional()).Mul(rounds))
	}

	total := f.accrued[pos.ID].Add(delta)
	f.accrued[pos.ID] = total
	return total
}

// Accrued returns the running total without updating it
func (f *FundingAccrual) Accrued(positionID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accrued[positionID]
}

// Forget drops a closed position
func (f *FundingAccrual) Forget(positionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accrued, positionID)
	delete(f.last, positionID)
}
