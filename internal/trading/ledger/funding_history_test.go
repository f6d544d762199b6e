package ledger_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_RecordFunding(t *testing.T) {
	ctx := context.Background()
	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	defer store.Close()

	obs := func(venue, rate, interval string) *core.FundingObservation {
		return &core.FundingObservation{Symbol: "ETH", Venue: venue, FundingRate: d(rate), FundingIntervalHours: d(interval), MarkPrice: d("2000")}
	}
	at := time.Unix(1700000000, 0)

	n, err := store.RecordFunding(ctx, at, []*core.FundingObservation{obs("asterdex", "0.0008", "8"), obs("hyperliquid", "0.00001", "1")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// same hour: first sample wins
	n, err = store.RecordFunding(ctx, at.Add(10*time.Minute), []*core.FundingObservation{obs("asterdex", "0.0009", "8")})
	require.NoError(t, err)
	assert.Zero(t, n)

	samples, err := store.FundingHistory(ctx, "asterdex", "ETH")
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.True(t, d("0.0008").Equal(samples[0].RateRaw))
	assert.True(t, d("0.0001").Equal(samples[0].RatePerHour))
	assert.Equal(t, at.Unix()/3600, samples[0].HourBucket)
}

func TestSQLiteStore_RecordFundingTrimsPerKey(t *testing.T) {
	ctx := context.Background()
	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	defer store.Close()

	start := time.Unix(1700000000, 0)
	for h := 0; h < ledger.MaxFundingRowsPerKey+5; h++ {
		_, err := store.RecordFunding(ctx, start.Add(time.Duration(h)*time.Hour), []*core.FundingObservation{
			{Symbol: "BTC", Venue: "asterdex", FundingRate: d("0.0001"), FundingIntervalHours: d("8"), MarkPrice: d("60000")},
		})
		require.NoError(t, err)
	}

	samples, err := store.FundingHistory(ctx, "asterdex", "BTC")
	require.NoError(t, err)
	require.Len(t, samples, ledger.MaxFundingRowsPerKey)
	assert.Equal(t, start.Add(5*time.Hour).Unix()/3600, samples[0].HourBucket, "oldest hours are dropped")

	// trade log is untouched by the history table
	entries, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
