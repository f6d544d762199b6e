package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// dust below which venue and ledger sizes are considered equal
var reconcileTolerance = decimal.New(1, -9)

// Mismatch is a divergence between the ledger and what a venue reports,
// as signed quantities (long positive)
type Mismatch struct {
	Venue    string
	Symbol   string
	Expected decimal.Decimal // ledger
	Actual   decimal.Decimal // venue
}

func (m Mismatch) Divergence() decimal.Decimal {
	return m.Actual.Sub(m.Expected)
}

// simulated is implemented by venues whose positions are local bookkeeping
// derived from the same fills the ledger records
type simulated interface {
	Simulated() bool
}

// Reconciler compares ledger legs with venue positions. It only reports;
// nothing is ever traded to close a gap. Simulated venues are skipped.
type Reconciler struct {
	venues map[string]core.IVenue
	book   Book
	events core.IEventSink
	logger core.ILogger
}

func NewReconciler(venues map[string]core.IVenue, book Book, events core.IEventSink, logger core.ILogger) *Reconciler {
	if events == nil {
		events = core.NopSink{}
	}
	return &Reconciler{
		venues: venues,
		book:   book,
		events: events,
		logger: logger.WithField("component", "reconciler"),
	}
}

func signed(side core.Side, qty decimal.Decimal) decimal.Decimal {
	if side == core.SideShort {
		return qty.Neg()
	}
	return qty
}

// Reconcile performs a single pass. A venue that cannot be queried is
// skipped and its error joined into the result.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Mismatch, error) {
	expected := make(map[string]map[string]decimal.Decimal, len(r.venues))
	for name := range r.venues {
		expected[name] = make(map[string]decimal.Decimal)
	}
	for _, pos := range r.book.OpenPositions() {
		for _, leg := range pos.FilledLegs() {
			if m, ok := expected[leg.Venue]; ok {
				m[pos.Symbol] = m[pos.Symbol].Add(signed(leg.Side, leg.Quantity))
			}
		}
	}

	names := make([]string, 0, len(r.venues))
	for name, v := range r.venues {
		if sim, ok := v.(simulated); ok && sim.Simulated() {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mismatches []Mismatch
		errs       []error
	)
	for _, name := range names {
		held, err := r.venues[name].GetPositions(ctx)
		if err != nil {
			r.logger.Warn("Failed to fetch venue positions", "venue", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		actual := make(map[string]decimal.Decimal, len(held))
		for _, p := range held {
			actual[p.Symbol] = actual[p.Symbol].Add(signed(p.Side, p.Quantity))
		}

		symbols := make(map[string]struct{}, len(actual)+len(expected[name]))
		for s := range actual {
			symbols[s] = struct{}{}
		}
		for s := range expected[name] {
			symbols[s] = struct{}{}
		}
		for s := range symbols {
			want, got := expected[name][s], actual[s]
			if got.Sub(want).Abs().LessThanOrEqual(reconcileTolerance) {
				continue
			}
			mismatches = append(mismatches, Mismatch{Venue: name, Symbol: s, Expected: want, Actual: got})
		}
	}

	sort.Slice(mismatches, func(i, j int) bool {
		if mismatches[i].Venue != mismatches[j].Venue {
			return mismatches[i].Venue < mismatches[j].Venue
		}
		return mismatches[i].Symbol < mismatches[j].Symbol
	})

	for _, m := range mismatches {
		r.logger.Warn("Position mismatch", "venue", m.Venue, "symbol", m.Symbol, "ledger", m.Expected, "venue_size", m.Actual)
		r.events.Publish(ctx, &core.Event{
			Type:    core.EventReconcileMismatch,
			Level:   core.LevelError,
			Symbol:  m.Symbol,
			Venue:   m.Venue,
			Message: fmt.Sprintf("ledger holds %s, venue reports %s", m.Expected, m.Actual),
			Fields: map[string]string{
				"ledger":     m.Expected.String(),
				"venue_size": m.Actual.String(),
				"divergence": m.Divergence().String(),
			},
		})
	}
	return mismatches, errors.Join(errs...)
}
