// Package paper simulates order execution on top of a live market data feed
package paper

import (
	"context"
	"fmt"
	"sync"

	"funding_arb/internal/core"
	"funding_arb/pkg/apperrors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type position struct {
	side  core.Side
	qty   decimal.Decimal
	entry decimal.Decimal
}

// Venue fills limit orders against the live top of book. A buy fills at the
// ask when the ask is within the limit; a sell at the bid when the bid is at
// or above it. Anything else comes back unfilled.
type Venue struct {
	core.IMarketData

	fee    decimal.Decimal
	logger core.ILogger

	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*position
	orders    map[string]*core.OrderResult
	leverage  map[string]int
}

func New(md core.IMarketData, takerFee, balance decimal.Decimal, logger core.ILogger) *Venue {
	return &Venue{
		IMarketData: md,
		fee:         takerFee,
		logger:      logger.WithField("venue", md.GetName()).WithField("mode", "paper"),
		balance:     balance,
		positions:   make(map[string]*position),
		orders:      make(map[string]*core.OrderResult),
		leverage:    make(map[string]int),
	}
}

// Simulated marks the venue's positions as its own bookkeeping rather than exchange state
func (v *Venue) Simulated() bool {
	return true
}

// Seed replaces the simulated position of every leg's symbol with the leg,
// so a restart resumes with the exposure the trade log holds. Legs on other
// venues are ignored.
func (v *Venue) Seed(legs ...*core.Leg) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, leg := range legs {
		if leg == nil || !leg.Filled || leg.Venue != v.GetName() || !leg.Quantity.IsPositive() {
			continue
		}
		v.positions[leg.Symbol] = &position{side: leg.Side, qty: leg.Quantity, entry: leg.EntryPrice}
		v.logger.Info("Paper position seeded", "symbol", leg.Symbol, "side", leg.Side, "qty", leg.Quantity, "entry", leg.EntryPrice)
	}
}

func (v *Venue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s", apperrors.ErrOrderRejected, req.Quantity)
	}

	v.mu.Lock()
	if res, ok := v.orders[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		v.mu.Unlock()
		return res, nil
	}
	v.mu.Unlock()

	quote, err := v.GetQuote(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if req.ReduceOnly {
		p := v.positions[req.Symbol]
		if p == nil || p.side == req.Side || req.Quantity.GreaterThan(p.qty) {
			return nil, fmt.Errorf("%w: reduce-only %s %s %s would open exposure", apperrors.ErrOrderRejected, req.Side, req.Quantity, req.Symbol)
		}
	}

	res := &core.OrderResult{OrderID: uuid.NewString()}
	price := quote.Ask
	crosses := !req.LimitPrice.IsPositive() || quote.Ask.LessThanOrEqual(req.LimitPrice)
	if req.Side == core.SideShort {
		price = quote.Bid
		crosses = !req.LimitPrice.IsPositive() || quote.Bid.GreaterThanOrEqual(req.LimitPrice)
	}
	if !crosses || !price.IsPositive() {
		v.logger.Info("Paper order not filled", "symbol", req.Symbol, "side", req.Side, "limit", req.LimitPrice, "bid", quote.Bid, "ask", quote.Ask)
		return res, nil
	}

	fee := req.Quantity.Mul(price).Mul(v.fee)
	if !req.ReduceOnly && v.balance.LessThan(fee) {
		return nil, fmt.Errorf("%w: paper balance %s", apperrors.ErrInsufficientFunds, v.balance)
	}

	res.Filled = true
	res.FillPrice = price
	res.FillQuantity = req.Quantity
	res.Fee = fee
	v.orders[req.ClientOrderID] = res

	v.balance = v.balance.Sub(fee).Add(v.apply(req.Symbol, req.Side, req.Quantity, price))
	v.logger.Info("Paper order filled", "symbol", req.Symbol, "side", req.Side, "qty", req.Quantity, "price", price, "fee", fee)
	return res, nil
}

// apply books a fill and returns the PnL it realized
func (v *Venue) apply(symbol string, side core.Side, qty, price decimal.Decimal) decimal.Decimal {
	p := v.positions[symbol]
	if p == nil || p.qty.IsZero() {
		v.positions[symbol] = &position{side: side, qty: qty, entry: price}
		return decimal.Zero
	}

	if p.side == side {
		total := p.qty.Add(qty)
		p.entry = p.entry.Mul(p.qty).Add(price.Mul(qty)).Div(total)
		p.qty = total
		return decimal.Zero
	}

	closed := decimal.Min(p.qty, qty)
	diff := price.Sub(p.entry)
	if p.side == core.SideShort {
		diff = diff.Neg()
	}
	realized := diff.Mul(closed)

	p.qty = p.qty.Sub(closed)
	if rest := qty.Sub(closed); rest.IsPositive() {
		v.positions[symbol] = &position{side: side, qty: rest, entry: price}
	} else if p.qty.IsZero() {
		delete(v.positions, symbol)
	}
	return realized
}

func (v *Venue) GetPositions(ctx context.Context) ([]*core.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*core.VenuePosition, 0, len(v.positions))
	for sym, p := range v.positions {
		out = append(out, &core.VenuePosition{Venue: v.GetName(), Symbol: sym, Side: p.side, Quantity: p.qty})
	}
	return out, nil
}

func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return fmt.Errorf("%w: leverage %d", apperrors.ErrOrderRejected, leverage)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverage[symbol] = leverage
	return nil
}

func (v *Venue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance, nil
}
