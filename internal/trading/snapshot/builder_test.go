package snapshot_test

import (
	"context"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	"funding_arb/internal/trading/snapshot"
	"funding_arb/pkg/apperrors"
	"funding_arb/pkg/concurrency"
	"funding_arb/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	core.ILogger
}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

var fastRetry = retry.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

func setup(t *testing.T, symbols []string) (*mock.MockVenue, *mock.MockVenue, *snapshot.Builder) {
	t.Helper()
	a := mock.NewMockVenue("asterdex")
	b := mock.NewMockVenue("hyperliquid")

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test", MaxWorkers: 4}, &mockLogger{})
	t.Cleanup(pool.Stop)

	builder := snapshot.NewBuilder(a, b, pool, snapshot.Config{Symbols: symbols, FetchTimeout: time.Second, Retry: fastRetry}, &mockLogger{})
	return a, b, builder
}

func TestBuilder_PairsCommonSymbols(t *testing.T) {
	a, b, builder := setup(t, nil)

	a.SetObservation(mock.Observation("ETH", "0.0003", "8", "2000", "1000000"))
	a.SetObservation(mock.Observation("ONLYA", "0.0003", "8", "1", "1000000"))
	b.SetObservation(mock.Observation("ETH", "0.00001", "1", "2001", "5000000"))
	b.SetObservation(mock.Observation("ONLYB", "0.00001", "1", "1", "5000000"))

	snap, err := builder.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [2]string{"asterdex", "hyperliquid"}, snap.Venues)
	assert.Equal(t, []string{"ETH"}, snap.Symbols())
	assert.Empty(t, snap.Skipped, "one-sided listings are not skips")

	pair := snap.Pairs["ETH"]
	assert.Equal(t, "asterdex", pair[0].Venue)
	assert.Equal(t, "hyperliquid", pair[1].Venue)

	mark, ok := snap.Mark("ETH", "hyperliquid")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("2001").Equal(mark))
}

func TestBuilder_MalformedObservationIsSkipped(t *testing.T) {
	a, b, builder := setup(t, nil)

	a.SetObservation(mock.Observation("ETH", "0.0003", "8", "2000", "1"))
	b.SetObservation(mock.Observation("ETH", "0.0001", "0", "2000", "1"))
	a.SetObservation(mock.Observation("BTC", "0.0001", "8", "60000", "1"))
	b.SetObservation(mock.Observation("BTC", "0.0001", "1", "60000", "1"))

	snap, err := builder.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC"}, snap.Symbols())
	assert.ErrorIs(t, snap.Skipped["ETH"], apperrors.ErrDataUnavailable)
}

func TestBuilder_VenueDown(t *testing.T) {
	a, b, builder := setup(t, nil)
	a.SetObservation(mock.Observation("ETH", "0.0003", "8", "2000", "1"))
	b.SetFetchError(apperrors.ErrNetwork)

	_, err := builder.Build(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
}

func TestBuilder_ConfiguredSymbols(t *testing.T) {
	a, b, builder := setup(t, []string{"eth", "SOL"})

	a.SetObservation(mock.Observation("ETH", "0.0003", "8", "2000", "1"))
	b.SetObservation(mock.Observation("ETH", "0.0001", "1", "2000", "1"))
	a.SetObservation(mock.Observation("SOL", "0.0003", "8", "150", "1"))
	b.SetObservation(mock.Observation("BTC", "0.0001", "1", "60000", "1"))

	snap, err := builder.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"ETH"}, snap.Symbols())
	require.Contains(t, snap.Skipped, "SOL")
	assert.ErrorIs(t, snap.Skipped["SOL"], apperrors.ErrDataUnavailable)
	assert.NotContains(t, snap.Skipped, "BTC")
}
