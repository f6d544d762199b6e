package main

import (
	"bytes"
	"testing"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/arbitrage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signal(symbol string, net string, watch bool) *core.Signal {
	return &core.Signal{
		Symbol:                 symbol,
		ReceiveVenue:           "asterdex",
		PayVenue:               "hyperliquid",
		NormalizedDiffPerRound: decimal.RequireFromString("0.0019"),
		NetPerRound:            decimal.RequireFromString(net),
		ProjectedMonthlyReturn: decimal.RequireFromString(net).Mul(decimal.NewFromInt(90)),
		BreakEvenRounds:        1,
		WatchlistOverride:      watch,
	}
}

func TestRender(t *testing.T) {
	eval := &arbitrage.Evaluation{
		Signals: []*core.Signal{signal("BTC", "0.0015", false), signal("ETH", "-0.0001", true)},
		Rejections: []*arbitrage.Rejection{
			{Symbol: "DOGE", Reason: arbitrage.RejectVolume, Signal: signal("DOGE", "0.0002", false)},
		},
		Skipped: map[string]error{"XRP": assert.AnError},
	}

	t.Run("signals only", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, render(&buf, eval, false))
		out := buf.String()

		assert.Contains(t, out, "NEXT FUNDING")
		assert.Contains(t, out, "BTC")
		assert.Contains(t, out, "ETH*")
		assert.Contains(t, out, "0.1500%")
		assert.NotContains(t, out, "DOGE")
		assert.Contains(t, out, "2 signals, 1 rejected, 1 skipped")
	})

	t.Run("with rejections", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, render(&buf, eval, true))
		assert.Contains(t, buf.String(), "-volume")
		assert.Contains(t, buf.String(), "DOGE")
	})
}
