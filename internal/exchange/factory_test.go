package exchange_test

import (
	"testing"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/exchange"
	"funding_arb/internal/exchange/asterdex"
	"funding_arb/internal/exchange/paper"
	"funding_arb/pkg/apperrors"

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

func TestNewVenue(t *testing.T) {
	withCreds := func(cfg *config.Config) {
		v := cfg.Venues["asterdex"]
		v.APIKey, v.SecretKey = "k", "s"
		cfg.Venues["asterdex"] = v
	}

	tests := []struct {
		name     string
		venue    string
		setup    func(*config.Config)
		wantLive bool
	}{
		{"asterdex without credentials", "asterdex", nil, false},
		{"asterdex with credentials", "asterdex", withCreds, true},
		{"asterdex forced paper", "asterdex", func(c *config.Config) { withCreds(c); c.App.PaperTrading = true }, false},
		{"hyperliquid is always simulated", "hyperliquid", func(c *config.Config) { c.App.EnableTrading = true }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			if tt.setup != nil {
				tt.setup(cfg)
			}
			v, err := exchange.NewVenue(tt.venue, cfg, &mockLogger{})
			require.NoError(t, err)
			assert.Equal(t, tt.venue, v.GetName())

			_, isPaper := v.(*paper.Venue)
			_, isLive := v.(*asterdex.Exchange)
			assert.Equal(t, tt.wantLive, isLive)
			assert.Equal(t, !tt.wantLive, isPaper)
		})
	}
}

func TestNewVenue_Unknown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Venues["ftx"] = config.VenueConfig{}

	_, err := exchange.NewVenue("ftx", cfg, &mockLogger{})
	assert.Error(t, err)

	_, err = exchange.NewVenue("missing", cfg, &mockLogger{})
	assert.Error(t, err)
}

func TestNewPair_RejectsLiveLegWithSimulatedHedge(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Pair = []string{"asterdex", "hyperliquid"}
	v := cfg.Venues["asterdex"]
	v.APIKey, v.SecretKey = "k", "s"
	cfg.Venues["asterdex"] = v

	cfg.App.EnableTrading = true
	_, err := exchange.NewPair(cfg, &mockLogger{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	// alert-only runs never place orders
	cfg.App.EnableTrading = false
	venues, err := exchange.NewPair(cfg, &mockLogger{})
	require.NoError(t, err)
	assert.Len(t, venues, 2)

	cfg.App.EnableTrading = true
	cfg.App.PaperTrading = true
	venues, err = exchange.NewPair(cfg, &mockLogger{})
	require.NoError(t, err)
	for _, v := range venues {
		assert.IsType(t, &paper.Venue{}, v)
	}
}
