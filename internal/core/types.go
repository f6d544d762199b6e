package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leg or an order
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the side that offsets s
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// TradeAction tags a trade log entry
type TradeAction string

const (
	ActionOpen  TradeAction = "open"
	ActionClose TradeAction = "close"
)

// FundingObservation is one venue's funding data for one symbol at one poll
type FundingObservation struct {
	Symbol               string
	Venue                string
	FundingRate          decimal.Decimal // per funding interval
	FundingIntervalHours decimal.Decimal
	MarkPrice            decimal.Decimal
	Volume24h            decimal.Decimal // quote currency
	IsDelisted           bool
	NextFundingTime      time.Time
	ObservedAt           time.Time
}

// Validate reports observations that cannot be evaluated
func (o *FundingObservation) Validate() error {
	switch {
	case o == nil:
		return fmt.Errorf("nil observation")
	case o.Symbol == "":
		return fmt.Errorf("observation without symbol from %s", o.Venue)
	case o.Venue == "":
		return fmt.Errorf("observation for %s without venue", o.Symbol)
	case o.FundingIntervalHours.Sign() <= 0:
		return fmt.Errorf("%s/%s: funding interval must be positive, got %s", o.Venue, o.Symbol, o.FundingIntervalHours)
	case o.MarkPrice.Sign() <= 0:
		return fmt.Errorf("%s/%s: mark price must be positive, got %s", o.Venue, o.Symbol, o.MarkPrice)
	}
	return nil
}

// Quote is the top of book on one venue
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// SymbolRules are the venue constraints an order must satisfy
type SymbolRules struct {
	MinQuantity  decimal.Decimal
	QuantityStep decimal.Decimal
	MinNotional  decimal.Decimal
	PriceTick    decimal.Decimal
}

// OrderRequest is a limit order for one leg
type OrderRequest struct {
	ClientOrderID string
	Venue         string
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	ReduceOnly    bool
}

// OrderResult reports what the venue actually executed
type OrderResult struct {
	OrderID      string
	Filled       bool
	FillPrice    decimal.Decimal
	FillQuantity decimal.Decimal
	Fee          decimal.Decimal
}

// VenuePosition is a position as reported by the venue itself
type VenuePosition struct {
	Venue    string
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
}

// Leg is one side of a paired position
type Leg struct {
	Venue      string
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	FeePaid    decimal.Decimal
	Filled     bool
}

// Notional returns quantity times entry price
func (l *Leg) Notional() decimal.Decimal {
	if l == nil || !l.Filled {
		return decimal.Zero
	}
	return l.Quantity.Mul(l.EntryPrice)
}

// UnrealizedPnL marks the leg at mark
func (l *Leg) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if l == nil || !l.Filled {
		return decimal.Zero
	}
	diff := mark.Sub(l.EntryPrice)
	if l.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(l.Quantity)
}

// Position is the logical pairing of a long and a short leg on one symbol
type Position struct {
	ID             string
	Symbol         string
	LongLeg        *Leg
	ShortLeg       *Leg
	OpenedAt       time.Time
	NotionalPerLeg decimal.Decimal
	LegRisk        bool
}

// Complete reports whether both legs are filled for the same quantity
func (p *Position) Complete() bool {
	return p.LongLeg != nil && p.LongLeg.Filled && p.ShortLeg != nil && p.ShortLeg.Filled &&
		p.LongLeg.Quantity.Equal(p.ShortLeg.Quantity)
}

// Imbalance is the long quantity minus the short quantity
func (p *Position) Imbalance() decimal.Decimal {
	var long, short decimal.Decimal
	if p.LongLeg != nil && p.LongLeg.Filled {
		long = p.LongLeg.Quantity
	}
	if p.ShortLeg != nil && p.ShortLeg.Filled {
		short = p.ShortLeg.Quantity
	}
	return long.Sub(short)
}

// FilledLegs returns the legs that currently hold exposure
func (p *Position) FilledLegs() []*Leg {
	legs := make([]*Leg, 0, 2)
	if p.LongLeg != nil && p.LongLeg.Filled {
		legs = append(legs, p.LongLeg)
	}
	if p.ShortLeg != nil && p.ShortLeg.Filled {
		legs = append(legs, p.ShortLeg)
	}
	return legs
}

// Leg returns the leg on side s
func (p *Position) Leg(s Side) *Leg {
	if s == SideLong {
		return p.LongLeg
	}
	return p.ShortLeg
}

// Exit is a fill that reduces a leg. Side is the side of the leg being closed.
type Exit struct {
	Venue    string
	Side     Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	At       time.Time
}

// RealizedPnL is the trade PnL of closing qty of leg at the exit price, net of both fees
func (e *Exit) RealizedPnL(leg *Leg) decimal.Decimal {
	diff := e.Price.Sub(leg.EntryPrice)
	if leg.Side == SideShort {
		diff = diff.Neg()
	}
	entryFee := decimal.Zero
	if leg.Quantity.IsPositive() {
		entryFee = leg.FeePaid.Mul(e.Quantity).Div(leg.Quantity)
	}
	return diff.Mul(e.Quantity).Sub(e.Fee).Sub(entryFee)
}

// TradeLogEntry is a write-once record of one executed order.
// Side is the side of the leg, so closing a long leg logs side long with action close.
type TradeLogEntry struct {
	Timestamp  time.Time
	PositionID string
	Symbol     string
	Venue      string
	Side       Side
	Action     TradeAction
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
}

// BreakEvenNever marks a signal that never recovers its round-trip cost
const BreakEvenNever = 999

// Signal is an evaluated, ranked arbitrage candidate
type Signal struct {
	Symbol                 string
	ReceiveVenue           string // short here, collects funding
	PayVenue               string // long here
	ReceiveRate8h          decimal.Decimal
	PayRate8h              decimal.Decimal
	NormalizedDiffPerRound decimal.Decimal
	FeeCostPerRound        decimal.Decimal
	SlippageCostPerRound   decimal.Decimal
	NetPerRound            decimal.Decimal
	BreakEvenRounds        int
	WatchlistOverride      bool
	ProjectedMonthlyReturn decimal.Decimal
	MeetsMonthlyTarget     bool
	ReceiveMark            decimal.Decimal
	PayMark                decimal.Decimal
	NextFundingTime        time.Time
	CreatedAt              time.Time
}

// Profitable reports whether the round nets a positive yield after costs
func (s *Signal) Profitable() bool {
	return s.NetPerRound.IsPositive()
}

// Accepted mirrors the acceptance rule: profitable or explicitly watched
func (s *Signal) Accepted() bool {
	return s.Profitable() || s.WatchlistOverride
}

// ObservationPair holds one observation per venue for a symbol, in pair order
type ObservationPair [2]*FundingObservation

// MarketSnapshot is the symmetric per-symbol view built once per poll cycle
type MarketSnapshot struct {
	Venues  [2]string
	Pairs   map[string]ObservationPair
	Skipped map[string]error
	TakenAt time.Time
}

// Symbols returns the evaluable symbols in sorted order
func (s *MarketSnapshot) Symbols() []string {
	out := make([]string, 0, len(s.Pairs))
	for sym := range s.Pairs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Mark returns the latest mark price for symbol on venue
func (s *MarketSnapshot) Mark(symbol, venue string) (decimal.Decimal, bool) {
	pair, ok := s.Pairs[symbol]
	if !ok {
		return decimal.Zero, false
	}
	for _, o := range pair {
		if o != nil && o.Venue == venue {
			return o.MarkPrice, true
		}
	}
	return decimal.Zero, false
}

// Observation returns the observation for symbol on venue
func (s *MarketSnapshot) Observation(symbol, venue string) *FundingObservation {
	for _, o := range s.Pairs[symbol] {
		if o != nil && o.Venue == venue {
			return o
		}
	}
	return nil
}
