package arbitrage

import (
	"fmt"
	"sort"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// Filters toggles each eligibility filter
type Filters struct {
	Volume    bool
	Delist    bool
	PriceEdge bool
	MinSpread bool
}

// EvaluatorConfig is everything the evaluator needs besides the observations
type EvaluatorConfig struct {
	TakerFees           map[string]decimal.Decimal
	SlippageBps         decimal.Decimal
	MinPriceSpreadPct   decimal.Decimal
	MinSpreadPerRound   decimal.Decimal
	MinVolume24h        map[string]decimal.Decimal
	DefaultMinVolume24h decimal.Decimal
	TargetMonthlyReturn decimal.Decimal
	MaxBreakEvenRounds  int
	RoundsPerMonth      int
	Watchlist           map[string]bool
	Filters             Filters
}

// RejectReason says which rule dropped a candidate
type RejectReason string

const (
	RejectVolume       RejectReason = "volume"
	RejectDelisted     RejectReason = "delisted"
	RejectPriceEdge    RejectReason = "price_edge"
	RejectMinSpread    RejectReason = "min_spread"
	RejectUnprofitable RejectReason = "unprofitable"
	RejectBreakEven    RejectReason = "break_even"
)

// Rejection is a candidate that was computed but filtered out
type Rejection struct {
	Symbol string
	Reason RejectReason
	Detail string
	Signal *core.Signal
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", r.Symbol, r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error {
	return apperrors.ErrFilterRejected
}

// Evaluation is the outcome of one cycle's evaluation
type Evaluation struct {
	Signals    []*core.Signal
	Rejections []*Rejection
	Skipped    map[string]error
}

// Evaluator turns observation pairs into ranked signals. It holds no state.
type Evaluator struct {
	cfg EvaluatorConfig
	now func() time.Time
}

func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	if cfg.RoundsPerMonth <= 0 {
		cfg.RoundsPerMonth = 90
	}
	if cfg.MaxBreakEvenRounds <= 0 {
		cfg.MaxBreakEvenRounds = 1
	}
	return &Evaluator{cfg: cfg, now: time.Now}
}

// Evaluate runs every pair in the snapshot and returns the ranked survivors
func (e *Evaluator) Evaluate(snap *core.MarketSnapshot) *Evaluation {
	out := &Evaluation{Skipped: make(map[string]error)}
	for sym, err := range snap.Skipped {
		out.Skipped[sym] = err
	}

	for _, sym := range snap.Symbols() {
		pair := snap.Pairs[sym]
		sig, rej, err := e.EvaluatePair(pair[0], pair[1])
		switch {
		case err != nil:
			out.Skipped[sym] = err
		case rej != nil:
			out.Rejections = append(out.Rejections, rej)
		default:
			out.Signals = append(out.Signals, sig)
		}
	}

	Rank(out.Signals)
	return out
}

// EvaluatePair evaluates one symbol. A malformed or missing observation returns
// an ErrDataUnavailable error; a filtered candidate returns a Rejection.
func (e *Evaluator) EvaluatePair(a, b *core.FundingObservation) (*core.Signal, *Rejection, error) {
	if a == nil || b == nil {
		return nil, nil, fmt.Errorf("%w: missing observation", apperrors.ErrDataUnavailable)
	}
	if err := a.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", apperrors.ErrDataUnavailable, err)
	}
	if err := b.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", apperrors.ErrDataUnavailable, err)
	}
	if a.Symbol != b.Symbol {
		return nil, nil, fmt.Errorf("%w: symbol mismatch %s vs %s", apperrors.ErrDataUnavailable, a.Symbol, b.Symbol)
	}

	recv, pay := orient(a, b)
	sig := e.buildSignal(recv, pay)

	if !sig.WatchlistOverride {
		if rej := e.applyFilters(sig, recv, pay); rej != nil {
			return nil, rej, nil
		}
	}

	if !sig.Accepted() {
		return nil, e.reject(sig, RejectUnprofitable, fmt.Sprintf("net per round %s <= 0", sig.NetPerRound)), nil
	}

	// A watchlisted loser always carries the sentinel; the gate would hide it.
	if !sig.WatchlistOverride && sig.BreakEvenRounds > e.cfg.MaxBreakEvenRounds {
		return nil, e.reject(sig, RejectBreakEven, fmt.Sprintf("break-even %d rounds > %d", sig.BreakEvenRounds, e.cfg.MaxBreakEvenRounds)), nil
	}

	return sig, nil, nil
}

// orient returns (receive, pay). Equal rates fall back to venue name order.
func orient(a, b *core.FundingObservation) (*core.FundingObservation, *core.FundingObservation) {
	ra := Normalize8h(a.FundingRate, a.FundingIntervalHours)
	rb := Normalize8h(b.FundingRate, b.FundingIntervalHours)
	switch ra.Cmp(rb) {
	case 1:
		return a, b
	case -1:
		return b, a
	}
	if a.Venue <= b.Venue {
		return a, b
	}
	return b, a
}

func (e *Evaluator) buildSignal(recv, pay *core.FundingObservation) *core.Signal {
	recv8h := Normalize8h(recv.FundingRate, recv.FundingIntervalHours)
	pay8h := Normalize8h(pay.FundingRate, pay.FundingIntervalHours)
	diff := ComputeSpread(recv8h, pay8h)
	fee := e.takerFee(recv.Venue).Add(e.takerFee(pay.Venue))
	slippage := SlippageCost(e.cfg.SlippageBps)
	net := diff.Sub(fee).Sub(slippage)

	breakEven := core.BreakEvenNever
	if net.IsPositive() {
		breakEven = 1
	}

	monthly := ProjectMonthly(net, e.cfg.RoundsPerMonth)
	next := recv.NextFundingTime
	if next.IsZero() || (!pay.NextFundingTime.IsZero() && pay.NextFundingTime.Before(next)) {
		next = pay.NextFundingTime
	}

	return &core.Signal{
		Symbol:                 recv.Symbol,
		ReceiveVenue:           recv.Venue,
		PayVenue:               pay.Venue,
		ReceiveRate8h:          recv8h,
		PayRate8h:              pay8h,
		NormalizedDiffPerRound: diff,
		FeeCostPerRound:        fee,
		SlippageCostPerRound:   slippage,
		NetPerRound:            net,
		BreakEvenRounds:        breakEven,
		WatchlistOverride:      e.cfg.Watchlist[recv.Symbol],
		ProjectedMonthlyReturn: monthly,
		MeetsMonthlyTarget:     e.cfg.TargetMonthlyReturn.IsPositive() && monthly.GreaterThanOrEqual(e.cfg.TargetMonthlyReturn),
		ReceiveMark:            recv.MarkPrice,
		PayMark:                pay.MarkPrice,
		NextFundingTime:        next,
		CreatedAt:              e.now(),
	}
}

func (e *Evaluator) applyFilters(sig *core.Signal, recv, pay *core.FundingObservation) *Rejection {
	f := e.cfg.Filters

	if f.Volume {
		for _, o := range []*core.FundingObservation{recv, pay} {
			floor := e.minVolume(o.Venue)
			if !o.Volume24h.GreaterThan(floor) {
				return e.reject(sig, RejectVolume, fmt.Sprintf("%s volume %s <= %s", o.Venue, o.Volume24h, floor))
			}
		}
	}

	if f.Delist {
		for _, o := range []*core.FundingObservation{recv, pay} {
			if o.IsDelisted {
				return e.reject(sig, RejectDelisted, o.Venue+" flags the symbol as delisting")
			}
		}
	}

	if f.PriceEdge {
		edge := PriceEdge(recv.MarkPrice, pay.MarkPrice)
		if edge.LessThan(e.cfg.MinPriceSpreadPct) {
			return e.reject(sig, RejectPriceEdge, fmt.Sprintf("mark edge %s < %s", edge, e.cfg.MinPriceSpreadPct))
		}
	}

	if f.MinSpread && sig.NormalizedDiffPerRound.LessThan(e.cfg.MinSpreadPerRound) {
		return e.reject(sig, RejectMinSpread, fmt.Sprintf("spread %s < %s", sig.NormalizedDiffPerRound, e.cfg.MinSpreadPerRound))
	}

	return nil
}

func (e *Evaluator) reject(sig *core.Signal, reason RejectReason, detail string) *Rejection {
	return &Rejection{Symbol: sig.Symbol, Reason: reason, Detail: detail, Signal: sig}
}

func (e *Evaluator) takerFee(venue string) decimal.Decimal {
	return e.cfg.TakerFees[venue]
}

func (e *Evaluator) minVolume(venue string) decimal.Decimal {
	if v, ok := e.cfg.MinVolume24h[venue]; ok {
		return v
	}
	return e.cfg.DefaultMinVolume24h
}

// Rank sorts signals by net per round desc, break-even rounds asc, symbol asc
func Rank(signals []*core.Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		a, b := signals[i], signals[j]
		if c := a.NetPerRound.Cmp(b.NetPerRound); c != 0 {
			return c > 0
		}
		if a.BreakEvenRounds != b.BreakEvenRounds {
			return a.BreakEvenRounds < b.BreakEvenRounds
		}
		return a.Symbol < b.Symbol
	})
}

// SplitWatchlist returns watchlisted signals first, keeping rank order within each group
func SplitWatchlist(signals []*core.Signal) (watched, others []*core.Signal) {
	for _, s := range signals {
		if s.WatchlistOverride {
			watched = append(watched, s)
		} else {
			others = append(others, s)
		}
	}
	return watched, others
}
