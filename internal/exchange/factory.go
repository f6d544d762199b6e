// Package exchange provides venue implementations
package exchange

import (
	"fmt"
	"strings"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/exchange/asterdex"
	"funding_arb/internal/exchange/hyperliquid"
	"funding_arb/internal/exchange/paper"
	"funding_arb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// NewVenue creates a venue based on configuration. Orders go to the live API
// only when the venue can sign them and paper trading is off; otherwise fills
// are simulated against the venue's own order book.
func NewVenue(name string, cfg *config.Config, logger core.ILogger) (core.IVenue, error) {
	venueCfg, exists := cfg.Venues[name]
	if !exists {
		return nil, fmt.Errorf("configuration not found for venue: %s", name)
	}

	fee := decimal.NewFromFloat(venueCfg.TakerFee)
	balance := decimal.NewFromFloat(venueCfg.PaperBalance)

	switch strings.ToLower(name) {
	case asterdex.Name:
		ex := asterdex.New(venueCfg, logger)
		if venueCfg.HasCredentials() && !cfg.App.PaperTrading {
			logger.Info("Creating live venue", "venue", name)
			return ex, nil
		}
		logger.Info("Creating paper venue", "venue", name, "balance", balance)
		return paper.New(ex, fee, balance, logger), nil
	case hyperliquid.Name:
		// order signing needs an EIP-712 wallet signature
		if cfg.App.EnableTrading && !cfg.App.PaperTrading {
			logger.Warn("Live orders are not supported on this venue, simulating fills", "venue", name)
		}
		return paper.New(hyperliquid.New(venueCfg, logger), fee, balance, logger), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", name)
	}
}

// NewPair creates the venues named in app.pair. With trading enabled both
// legs must be live or both simulated: a live leg hedged by a simulated one
// is real unhedged exposure.
func NewPair(cfg *config.Config, logger core.ILogger) ([]core.IVenue, error) {
	venues := make([]core.IVenue, 0, len(cfg.App.Pair))
	var live, simulated []string
	for _, name := range cfg.App.Pair {
		v, err := NewVenue(name, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}
		if _, ok := v.(*paper.Venue); ok {
			simulated = append(simulated, name)
		} else {
			live = append(live, name)
		}
		venues = append(venues, v)
	}

	if cfg.App.EnableTrading && len(live) > 0 && len(simulated) > 0 {
		return nil, fmt.Errorf("%w: %s would trade live while %s is simulated; set app.paper_trading or remove the live credentials",
			apperrors.ErrConfigInvalid, strings.Join(live, ","), strings.Join(simulated, ","))
	}
	return venues, nil
}
