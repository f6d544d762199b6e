package hyperliquid_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/exchange/hyperliquid"
	"funding_arb/pkg/apperrors"

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

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

const metaAndCtxs = `[
	{"universe":[
		{"name":"BTC","szDecimals":5},
		{"name":"ETH","szDecimals":4},
		{"name":"OLD","szDecimals":0,"isDelisted":true}]},
	[
		{"funding":"0.0000125","markPx":"60000.5","dayNtlVlm":"1500000000.0"},
		{"funding":"-0.00002","markPx":"2000.1","dayNtlVlm":"800000000"},
		{"funding":"0.0","markPx":"0.5","dayNtlVlm":"0"}
	]
]`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch req["type"] {
		case "metaAndAssetCtxs":
			_, _ = w.Write([]byte(metaAndCtxs))
		case "l2Book":
			if req["coin"] == "ETH" {
				_, _ = w.Write([]byte(`{"coin":"ETH","levels":[[{"px":"2000.0","sz":"1","n":1}],[{"px":"2000.2","sz":"2","n":1}]]}`))
				return
			}
			_, _ = w.Write([]byte(`{"coin":"X","levels":[[],[]]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMarketData_FetchAll(t *testing.T) {
	md := hyperliquid.New(config.VenueConfig{BaseURL: newServer(t).URL, TimeoutSeconds: 2}, &mockLogger{})

	all, err := md.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)

	btc := all["BTC"]
	assert.Equal(t, hyperliquid.Name, btc.Venue)
	assert.True(t, d("0.0000125").Equal(btc.FundingRate))
	assert.True(t, d("1").Equal(btc.FundingIntervalHours))
	assert.True(t, d("60000.5").Equal(btc.MarkPrice))
	assert.True(t, d("1500000000").Equal(btc.Volume24h))
	assert.True(t, btc.NextFundingTime.After(time.Now()))
	assert.LessOrEqual(t, time.Until(btc.NextFundingTime), time.Hour)

	assert.True(t, all["OLD"].IsDelisted)
	assert.False(t, all["ETH"].IsDelisted)
}

func TestMarketData_FetchSnapshot(t *testing.T) {
	md := hyperliquid.New(config.VenueConfig{BaseURL: newServer(t).URL, TimeoutSeconds: 2}, &mockLogger{})

	obs, err := md.FetchSnapshot(context.Background(), "eth")
	require.NoError(t, err)
	assert.True(t, d("-0.00002").Equal(obs.FundingRate))

	_, err = md.FetchSnapshot(context.Background(), "DOGE")
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)
}

func TestMarketData_GetQuote(t *testing.T) {
	md := hyperliquid.New(config.VenueConfig{BaseURL: newServer(t).URL, TimeoutSeconds: 2}, &mockLogger{})

	q, err := md.GetQuote(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, d("2000").Equal(q.Bid))
	assert.True(t, d("2000.2").Equal(q.Ask))

	_, err = md.GetQuote(context.Background(), "SOL")
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
}

func TestMarketData_GetSymbolRules(t *testing.T) {
	md := hyperliquid.New(config.VenueConfig{BaseURL: newServer(t).URL, TimeoutSeconds: 2}, &mockLogger{})

	rules, err := md.GetSymbolRules(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, d("0.0001").Equal(rules.QuantityStep))
	assert.True(t, d("0.01").Equal(rules.PriceTick))
	assert.True(t, d("10").Equal(rules.MinNotional))

	rules, err = md.GetSymbolRules(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, d("0.1").Equal(rules.PriceTick))
}
