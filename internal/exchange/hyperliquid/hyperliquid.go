// Package hyperliquid provides Hyperliquid perpetuals market data
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/pkg/apperrors"
	apihttp "funding_arb/pkg/http"

	"github.com/shopspring/decimal"
)

const (
	Name           = "hyperliquid"
	defaultBaseURL = "https://api.hyperliquid.xyz"
	// perp prices carry at most this many decimals minus szDecimals
	maxPriceDecimals = 6
	metaTTL          = 5 * time.Minute
)

var (
	hourly      = decimal.NewFromInt(1)
	minNotional = decimal.NewFromInt(10)
)

type asset struct {
	Name       string `json:"name"`
	SzDecimals int32  `json:"szDecimals"`
	IsDelisted bool   `json:"isDelisted"`
}

type assetCtx struct {
	Funding   string `json:"funding"`
	MarkPx    string `json:"markPx"`
	DayNtlVlm string `json:"dayNtlVlm"`
}

// MarketData implements core.IMarketData for Hyperliquid. Funding is paid
// every hour on the hour, so observations carry a 1h interval.
type MarketData struct {
	client *apihttp.Client
	logger core.ILogger

	mu     sync.RWMutex
	assets map[string]asset
	metaAt time.Time
	now    func() time.Time
}

func New(cfg config.VenueConfig, logger core.ILogger) *MarketData {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &MarketData{
		client: apihttp.NewClient(baseURL, apihttp.Options{
			Timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
			RateLimitRPS: cfg.RateLimitRPS,
			Name:         Name,
		}),
		logger: logger.WithField("venue", Name),
		assets: make(map[string]asset),
		now:    time.Now,
	}
}

func (m *MarketData) GetName() string {
	return Name
}

func (m *MarketData) FetchAll(ctx context.Context) (map[string]*core.FundingObservation, error) {
	body, err := m.client.Post(ctx, "/info", map[string]string{"type": "metaAndAssetCtxs"})
	if err != nil {
		return nil, err
	}

	// [ {universe: [...]}, [ctx, ctx, ...] ], index-aligned
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || len(raw) != 2 {
		return nil, fmt.Errorf("%w: malformed metaAndAssetCtxs payload", apperrors.ErrDataUnavailable)
	}
	var meta struct {
		Universe []asset `json:"universe"`
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, fmt.Errorf("%w: universe: %v", apperrors.ErrDataUnavailable, err)
	}
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, fmt.Errorf("%w: asset contexts: %v", apperrors.ErrDataUnavailable, err)
	}
	if len(ctxs) < len(meta.Universe) {
		return nil, fmt.Errorf("%w: %d assets but %d contexts", apperrors.ErrDataUnavailable, len(meta.Universe), len(ctxs))
	}

	now := m.now()
	next := now.Truncate(time.Hour).Add(time.Hour)
	assets := make(map[string]asset, len(meta.Universe))
	out := make(map[string]*core.FundingObservation, len(meta.Universe))

	for i, a := range meta.Universe {
		assets[a.Name] = a
		c := ctxs[i]
		rate, err1 := decimal.NewFromString(c.Funding)
		mark, err2 := decimal.NewFromString(c.MarkPx)
		if err1 != nil || err2 != nil {
			m.logger.Debug("Skipping malformed asset context", "symbol", a.Name)
			continue
		}
		vol, err := decimal.NewFromString(c.DayNtlVlm)
		if err != nil {
			vol = decimal.Zero
		}
		out[a.Name] = &core.FundingObservation{
			Symbol:               a.Name,
			Venue:                Name,
			FundingRate:          rate,
			FundingIntervalHours: hourly,
			MarkPrice:            mark,
			Volume24h:            vol,
			IsDelisted:           a.IsDelisted,
			NextFundingTime:      next,
			ObservedAt:           now,
		}
	}

	m.mu.Lock()
	m.assets = assets
	m.metaAt = now
	m.mu.Unlock()

	return out, nil
}

// FetchSnapshot has no per-asset endpoint to call, so it reads the full context list
func (m *MarketData) FetchSnapshot(ctx context.Context, symbol string) (*core.FundingObservation, error) {
	all, err := m.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	obs, ok := all[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s not listed on %s", apperrors.ErrInvalidSymbol, symbol, Name)
	}
	return obs, nil
}

func (m *MarketData) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	body, err := m.client.Post(ctx, "/info", map[string]string{"type": "l2Book", "coin": strings.ToUpper(symbol)})
	if err != nil {
		return nil, err
	}

	var book struct {
		Levels [][]struct {
			Px string `json:"px"`
		} `json:"levels"`
	}
	if err := json.Unmarshal(body, &book); err != nil {
		return nil, fmt.Errorf("%w: l2Book: %v", apperrors.ErrDataUnavailable, err)
	}
	if len(book.Levels) != 2 || len(book.Levels[0]) == 0 || len(book.Levels[1]) == 0 {
		return nil, fmt.Errorf("%w: empty book for %s", apperrors.ErrDataUnavailable, symbol)
	}

	bid, err := decimal.NewFromString(book.Levels[0][0].Px)
	if err != nil {
		return nil, fmt.Errorf("%w: bid %q", apperrors.ErrDataUnavailable, book.Levels[0][0].Px)
	}
	ask, err := decimal.NewFromString(book.Levels[1][0].Px)
	if err != nil {
		return nil, fmt.Errorf("%w: ask %q", apperrors.ErrDataUnavailable, book.Levels[1][0].Px)
	}
	return &core.Quote{Bid: bid, Ask: ask}, nil
}

// GetSymbolRules derives size step and price tick from szDecimals
func (m *MarketData) GetSymbolRules(ctx context.Context, symbol string) (*core.SymbolRules, error) {
	m.mu.RLock()
	stale := m.now().Sub(m.metaAt) > metaTTL
	m.mu.RUnlock()
	if stale {
		if _, err := m.FetchAll(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	a, ok := m.assets[strings.ToUpper(symbol)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s not listed on %s", apperrors.ErrInvalidSymbol, symbol, Name)
	}

	step := decimal.New(1, -a.SzDecimals)
	tick := decimal.New(1, -max(maxPriceDecimals-a.SzDecimals, 0))
	return &core.SymbolRules{
		MinQuantity:  step,
		QuantityStep: step,
		MinNotional:  minNotional,
		PriceTick:    tick,
	}, nil
}
