// Package ledger tracks open paired positions and persists every fill to an append-only trade log
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// ClosedPosition is a position whose legs have all been exited
type ClosedPosition struct {
	Position    *core.Position
	RealizedPnL decimal.Decimal
	ClosedAt    time.Time
}

// Ledger holds at most one open position per symbol. Mutations are written to
// the store before the in-memory view changes.
type Ledger struct {
	store  core.ITradeLogStore
	logger core.ILogger

	mu          sync.RWMutex
	positions   map[string]*core.Position
	realized    map[string]decimal.Decimal // by position ID
	closed      []*ClosedPosition
	busy        map[string]bool
	quarantined map[string]error
}

func New(store core.ITradeLogStore, logger core.ILogger) *Ledger {
	return &Ledger{
		store:       store,
		logger:      logger.WithField("component", "ledger"),
		positions:   make(map[string]*core.Position),
		realized:    make(map[string]decimal.Decimal),
		busy:        make(map[string]bool),
		quarantined: make(map[string]error),
	}
}

// Acquire reserves symbol for one open or close action. It fails while
// another action holds the symbol or the symbol is quarantined.
func (l *Ledger) Acquire(symbol string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err, ok := l.quarantined[symbol]; ok {
		return nil, fmt.Errorf("%s is quarantined: %w", symbol, err)
	}
	if l.busy[symbol] {
		return nil, fmt.Errorf("%w: %s has an action in flight", apperrors.ErrSymbolBusy, symbol)
	}
	l.busy[symbol] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.busy, symbol)
			l.mu.Unlock()
		})
	}, nil
}

// Get returns the open position on symbol, or nil
func (l *Ledger) Get(symbol string) *core.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positions[symbol]
}

// HasOpen reports whether symbol holds an open position
func (l *Ledger) HasOpen(symbol string) bool {
	return l.Get(symbol) != nil
}

// OpenPositions returns the open positions sorted by symbol
func (l *Ledger) OpenPositions() []*core.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*core.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Closed returns positions retired since the ledger was created or restored
func (l *Ledger) Closed() []*ClosedPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*ClosedPosition, len(l.closed))
	copy(out, l.closed)
	return out
}

// Quarantined returns symbols whose log could not be replayed, with the reason
func (l *Ledger) Quarantined() map[string]error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]error, len(l.quarantined))
	for k, v := range l.quarantined {
		out[k] = v
	}
	return out
}

// Release lifts a quarantine after manual reconciliation
func (l *Ledger) Release(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.quarantined, symbol)
}

// RecordOpen persists one open entry per filled leg and tracks pos.
// A position with a single filled leg, or legs of unequal size, is marked as leg-risk.
func (l *Ledger) RecordOpen(ctx context.Context, pos *core.Position) error {
	legs := pos.FilledLegs()
	if len(legs) == 0 {
		return fmt.Errorf("position %s on %s has no filled legs", pos.ID, pos.Symbol)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.positions[pos.Symbol]; ok && existing.ID != pos.ID {
		return fmt.Errorf("%w: %s already holds position %s", apperrors.ErrLedgerInconsistency, pos.Symbol, existing.ID)
	}

	entries := make([]*core.TradeLogEntry, 0, len(legs))
	for _, leg := range legs {
		entries = append(entries, &core.TradeLogEntry{
			Timestamp:  pos.OpenedAt,
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Venue:      leg.Venue,
			Side:       leg.Side,
			Action:     core.ActionOpen,
			Quantity:   leg.Quantity,
			Price:      leg.EntryPrice,
			Fee:        leg.FeePaid,
		})
	}
	if err := l.store.Append(ctx, entries...); err != nil {
		return fmt.Errorf("persist open of %s: %w", pos.Symbol, err)
	}

	pos.LegRisk = !pos.Complete()
	l.positions[pos.Symbol] = pos
	l.logger.Info("Position recorded", "symbol", pos.Symbol, "position_id", pos.ID, "legs", len(legs), "leg_risk", pos.LegRisk)
	return nil
}

// RecordClose persists the exits and reduces the matching legs. The position
// is retired once no leg holds exposure.
func (l *Ledger) RecordClose(ctx context.Context, pos *core.Position, exits []*core.Exit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.positions[pos.Symbol]
	if !ok || current.ID != pos.ID {
		return fmt.Errorf("%w: close for %s without a matching open position", apperrors.ErrLedgerInconsistency, pos.Symbol)
	}

	entries := make([]*core.TradeLogEntry, 0, len(exits))
	for _, ex := range exits {
		leg := current.Leg(ex.Side)
		if leg == nil || !leg.Filled || leg.Venue != ex.Venue {
			return fmt.Errorf("%w: exit of %s %s on %s has no open leg", apperrors.ErrLedgerInconsistency, pos.Symbol, ex.Side, ex.Venue)
		}
		if ex.Quantity.GreaterThan(leg.Quantity) {
			return fmt.Errorf("%w: exit of %s %s exceeds leg quantity %s", apperrors.ErrLedgerInconsistency, pos.Symbol, ex.Quantity, leg.Quantity)
		}
		entries = append(entries, &core.TradeLogEntry{
			Timestamp:  ex.At,
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Venue:      ex.Venue,
			Side:       ex.Side,
			Action:     core.ActionClose,
			Quantity:   ex.Quantity,
			Price:      ex.Price,
			Fee:        ex.Fee,
		})
	}
	if err := l.store.Append(ctx, entries...); err != nil {
		return fmt.Errorf("persist close of %s: %w", pos.Symbol, err)
	}

	for _, ex := range exits {
		leg := current.Leg(ex.Side)
		l.realized[pos.ID] = l.realized[pos.ID].Add(ex.RealizedPnL(leg))
		reduceLeg(leg, ex.Quantity)
	}
	l.settle(current, time.Now())
	return nil
}

// settle retires a position with no exposure left, or flags unhedged exposure. Caller holds mu.
func (l *Ledger) settle(pos *core.Position, at time.Time) {
	if len(pos.FilledLegs()) == 0 {
		delete(l.positions, pos.Symbol)
		l.closed = append(l.closed, &ClosedPosition{Position: pos, RealizedPnL: l.realized[pos.ID], ClosedAt: at})
		delete(l.realized, pos.ID)
		pos.LegRisk = false
		l.logger.Info("Position retired", "symbol", pos.Symbol, "position_id", pos.ID)
		return
	}
	pos.LegRisk = !pos.Complete()
}

// reduceLeg removes qty from leg along with its share of the entry fee
func reduceLeg(leg *core.Leg, qty decimal.Decimal) {
	if leg.Quantity.IsPositive() {
		leg.FeePaid = leg.FeePaid.Sub(leg.FeePaid.Mul(qty).Div(leg.Quantity))
	}
	leg.Quantity = leg.Quantity.Sub(qty)
	if !leg.Quantity.IsPositive() {
		leg.Quantity = decimal.Zero
		leg.FeePaid = decimal.Zero
		leg.Filled = false
	}
}

// Restore rebuilds open positions by replaying the trade log. Symbols whose
// entries do not replay cleanly are quarantined and left out of the open set;
// the returned error joins every inconsistency found.
func (l *Ledger) Restore(ctx context.Context) error {
	entries, err := l.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load trade log: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make(map[string]*core.Position)
	l.realized = make(map[string]decimal.Decimal)
	l.closed = nil
	l.quarantined = make(map[string]error)

	for _, e := range entries {
		if _, bad := l.quarantined[e.Symbol]; bad {
			continue
		}
		var err error
		switch e.Action {
		case core.ActionOpen:
			err = l.replayOpen(e)
		case core.ActionClose:
			err = l.replayClose(e)
		default:
			err = fmt.Errorf("%w: unknown action %q", apperrors.ErrLedgerInconsistency, e.Action)
		}
		if err != nil {
			l.quarantined[e.Symbol] = err
			delete(l.positions, e.Symbol)
			l.logger.Error("Trade log replay failed", "symbol", e.Symbol, "position_id", e.PositionID, "error", err)
		}
	}

	for _, p := range l.positions {
		p.LegRisk = !p.Complete()
	}

	l.logger.Info("Ledger restored", "entries", len(entries), "open", len(l.positions), "quarantined", len(l.quarantined))
	if len(l.quarantined) > 0 {
		return fmt.Errorf("%w: %d symbol(s) quarantined", apperrors.ErrLedgerInconsistency, len(l.quarantined))
	}
	return nil
}

func (l *Ledger) replayOpen(e *core.TradeLogEntry) error {
	pos, ok := l.positions[e.Symbol]
	if ok && pos.ID != e.PositionID {
		return fmt.Errorf("%w: second open position %s for %s while %s is open", apperrors.ErrLedgerInconsistency, e.PositionID, e.Symbol, pos.ID)
	}
	if !ok {
		pos = &core.Position{ID: e.PositionID, Symbol: e.Symbol, OpenedAt: e.Timestamp}
		l.positions[e.Symbol] = pos
	}
	if leg := pos.Leg(e.Side); leg != nil && leg.Filled {
		return fmt.Errorf("%w: duplicate %s open for %s", apperrors.ErrLedgerInconsistency, e.Side, e.Symbol)
	}
	leg := &core.Leg{
		Venue:      e.Venue,
		Symbol:     e.Symbol,
		Side:       e.Side,
		Quantity:   e.Quantity,
		EntryPrice: e.Price,
		FeePaid:    e.Fee,
		Filled:     true,
	}
	if e.Side == core.SideLong {
		pos.LongLeg = leg
	} else {
		pos.ShortLeg = leg
	}
	pos.NotionalPerLeg = decimal.Max(pos.NotionalPerLeg, leg.Notional())
	return nil
}

func (l *Ledger) replayClose(e *core.TradeLogEntry) error {
	pos, ok := l.positions[e.Symbol]
	if !ok || pos.ID != e.PositionID {
		return fmt.Errorf("%w: close of %s %s on %s without an open", apperrors.ErrLedgerInconsistency, e.Symbol, e.Side, e.Venue)
	}
	leg := pos.Leg(e.Side)
	if leg == nil || !leg.Filled || leg.Venue != e.Venue {
		return fmt.Errorf("%w: close of %s %s on %s matches no open leg", apperrors.ErrLedgerInconsistency, e.Symbol, e.Side, e.Venue)
	}
	if e.Quantity.GreaterThan(leg.Quantity) {
		return fmt.Errorf("%w: close of %s %s exceeds open quantity %s", apperrors.ErrLedgerInconsistency, e.Symbol, e.Quantity, leg.Quantity)
	}
	ex := &core.Exit{Venue: e.Venue, Side: e.Side, Quantity: e.Quantity, Price: e.Price, Fee: e.Fee, At: e.Timestamp}
	l.realized[pos.ID] = l.realized[pos.ID].Add(ex.RealizedPnL(leg))
	reduceLeg(leg, e.Quantity)
	l.settle(pos, e.Timestamp)
	return nil
}
