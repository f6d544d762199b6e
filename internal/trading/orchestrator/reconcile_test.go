package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/exchange/paper"
	"funding_arb/internal/mock"
	"funding_arb/internal/trading/ledger"
	"funding_arb/internal/trading/orchestrator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_SkipsSimulatedVenues(t *testing.T) {
	ctx := context.Background()
	book := ledger.New(ledger.NewMemoryStore(), &mockLogger{})
	require.NoError(t, book.RecordOpen(ctx, &core.Position{
		ID:       "p1",
		Symbol:   "ETH",
		OpenedAt: time.Unix(1700000000, 0),
		LongLeg:  &core.Leg{Venue: "hyperliquid", Symbol: "ETH", Side: core.SideLong, Quantity: d("0.5"), EntryPrice: d("2000"), Filled: true},
		ShortLeg: &core.Leg{Venue: "asterdex", Symbol: "ETH", Side: core.SideShort, Quantity: d("0.5"), EntryPrice: d("2001"), Filled: true},
	}))

	// the paper venue never saw the fill, a live venue would be a real gap
	hyper := paper.New(mock.NewMockVenue("hyperliquid"), d("0.00045"), d("1000"), &mockLogger{})
	aster := mock.NewMockVenue("asterdex")
	events := &mock.EventRecorder{}

	r := orchestrator.NewReconciler(map[string]core.IVenue{"hyperliquid": hyper, "asterdex": aster}, book, events, &mockLogger{})
	mismatches, err := r.Reconcile(ctx)
	require.NoError(t, err)

	require.Len(t, mismatches, 1)
	assert.Equal(t, "asterdex", mismatches[0].Venue)
	assert.True(t, d("-0.5").Equal(mismatches[0].Expected))
	assert.True(t, mismatches[0].Actual.IsZero())
	assert.Len(t, events.OfType(core.EventReconcileMismatch), 1)
}
