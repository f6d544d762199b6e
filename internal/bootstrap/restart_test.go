package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/exchange/paper"
	"funding_arb/internal/mock"
	"funding_arb/internal/trading/execution"
	"funding_arb/internal/trading/ledger"
	"funding_arb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperRestartClosesRestoredPosition(t *testing.T) {
	ctx := context.Background()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "trades.db")
	d := decimal.RequireFromString

	newVenues := func() map[string]core.IVenue {
		venues := make(map[string]core.IVenue)
		for _, name := range []string{"asterdex", "hyperliquid"} {
			feed := mock.NewMockVenue(name)
			feed.SetQuote("ETH", d("1999"), d("2001"))
			venues[name] = paper.New(feed, d("0.0005"), d("1000"), logger)
		}
		return venues
	}
	cfg := execution.Config{
		NotionalPerLeg: d("100"),
		SlippageBps:    d("15"),
		OrderTimeout:   time.Second,
		RetryBackoff:   time.Millisecond,
		CloseRetries:   1,
	}

	// first run opens a position and exits
	store, err := ledger.NewSQLiteStore(path)
	require.NoError(t, err)
	book := ledger.New(store, logger)
	seq := execution.NewSequencer(newVenues(), book, nil, cfg, logger)
	_, err = seq.Open(ctx, &core.Signal{Symbol: "ETH", PayVenue: "hyperliquid", ReceiveVenue: "asterdex", PayMark: d("2000"), ReceiveMark: d("2000")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// second run starts with fresh simulated venues
	store, err = ledger.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	book = ledger.New(store, logger)
	require.NoError(t, book.Restore(ctx))
	require.Len(t, book.OpenPositions(), 1)

	venues := newVenues()
	seedPaperVenues(venues, book.OpenPositions(), logger)
	held, err := venues["asterdex"].GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, core.SideShort, held[0].Side)

	seq = execution.NewSequencer(venues, book, nil, cfg, logger)
	res, err := seq.Close(ctx, book.Get("ETH"), "manual")
	require.NoError(t, err)
	assert.Len(t, res.Exits, 2)
	assert.Empty(t, book.OpenPositions())
}
