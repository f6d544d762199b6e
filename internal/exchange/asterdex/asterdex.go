// Package asterdex provides Asterdex perpetual futures connectivity
package asterdex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/pkg/apperrors"
	apihttp "funding_arb/pkg/http"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	Name           = "asterdex"
	defaultBaseURL = "https://fapi.asterdex.com"
	quoteAsset     = "USDT"
	infoTTL        = time.Hour
)

var defaultInterval = decimal.NewFromInt(8)

// signer adds the API key header and an HMAC-SHA256 signature over the query string
type signer struct {
	apiKey    string
	secretKey string
	now       func() time.Time
}

func (s *signer) SignRequest(req *http.Request) error {
	if s.apiKey == "" || s.secretKey == "" {
		return nil
	}
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", fmt.Sprintf("%d", s.now().UnixMilli()))
	}
	q.Del("signature")

	payload := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(payload))
	req.URL.RawQuery = payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))
	return nil
}

type symbolInfo struct {
	active   bool
	interval decimal.Decimal
	rules    *core.SymbolRules
}

// Exchange implements core.IVenue for Asterdex. Symbols are exposed as their
// base asset; ETHUSDT on the wire is ETH here.
type Exchange struct {
	public  *apihttp.Client
	private *apihttp.Client
	fee     decimal.Decimal
	creds   bool
	logger  core.ILogger

	mu     sync.RWMutex
	info   map[string]*symbolInfo
	infoAt time.Time
	now    func() time.Time
}

func New(cfg config.VenueConfig, logger core.ILogger) *Exchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	opts := apihttp.Options{Timeout: timeout, RateLimitRPS: cfg.RateLimitRPS, Name: Name}
	privOpts := opts
	privOpts.Signer = &signer{apiKey: cfg.APIKey.Reveal(), secretKey: cfg.SecretKey.Reveal(), now: time.Now}

	return &Exchange{
		public:  apihttp.NewClient(baseURL, opts),
		private: apihttp.NewClient(baseURL, privOpts),
		fee:     decimal.NewFromFloat(cfg.TakerFee),
		creds:   cfg.HasCredentials(),
		logger:  logger.WithField("venue", Name),
		info:    make(map[string]*symbolInfo),
		now:     time.Now,
	}
}

func (e *Exchange) GetName() string {
	return Name
}

func pair(symbol string) string {
	return strings.ToUpper(symbol) + quoteAsset
}

type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

type ticker24h struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
}

// FetchAll returns every USDT-margined perpetual in one pass
func (e *Exchange) FetchAll(ctx context.Context) (map[string]*core.FundingObservation, error) {
	var (
		premiums []premiumIndex
		tickers  []ticker24h
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.getJSON(gctx, "/fapi/v3/premiumIndex", nil, &premiums)
	})
	g.Go(func() error {
		return e.getJSON(gctx, "/fapi/v3/ticker/24hr", nil, &tickers)
	})
	g.Go(func() error {
		e.refreshInfo(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	volumes := make(map[string]string, len(tickers))
	for _, t := range tickers {
		volumes[t.Symbol] = t.QuoteVolume
	}

	out := make(map[string]*core.FundingObservation, len(premiums))
	for _, p := range premiums {
		if !strings.HasSuffix(p.Symbol, quoteAsset) {
			continue
		}
		obs, err := e.observation(p, volumes[p.Symbol])
		if err != nil {
			e.logger.Debug("Skipping malformed premium index", "symbol", p.Symbol, "error", err)
			continue
		}
		out[obs.Symbol] = obs
	}
	return out, nil
}

func (e *Exchange) FetchSnapshot(ctx context.Context, symbol string) (*core.FundingObservation, error) {
	var (
		premium premiumIndex
		ticker  ticker24h
	)
	params := map[string]string{"symbol": pair(symbol)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.getJSON(gctx, "/fapi/v3/premiumIndex", params, &premium)
	})
	g.Go(func() error {
		return e.getJSON(gctx, "/fapi/v3/ticker/24hr", params, &ticker)
	})
	g.Go(func() error {
		e.refreshInfo(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return e.observation(premium, ticker.QuoteVolume)
}

func (e *Exchange) observation(p premiumIndex, volume string) (*core.FundingObservation, error) {
	rate, err := decimal.NewFromString(p.LastFundingRate)
	if err != nil {
		return nil, fmt.Errorf("%w: funding rate %q for %s", apperrors.ErrDataUnavailable, p.LastFundingRate, p.Symbol)
	}
	mark, err := decimal.NewFromString(p.MarkPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: mark price %q for %s", apperrors.ErrDataUnavailable, p.MarkPrice, p.Symbol)
	}
	vol := decimal.Zero
	if volume != "" {
		if vol, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("%w: volume %q for %s", apperrors.ErrDataUnavailable, volume, p.Symbol)
		}
	}

	base := strings.TrimSuffix(p.Symbol, quoteAsset)
	interval := defaultInterval
	delisted := false

	e.mu.RLock()
	if info, ok := e.info[base]; ok {
		interval = info.interval
		delisted = !info.active
	}
	e.mu.RUnlock()

	var next time.Time
	if p.NextFundingTime > 0 {
		next = time.UnixMilli(p.NextFundingTime)
	}

	return &core.FundingObservation{
		Symbol:               base,
		Venue:                Name,
		FundingRate:          rate,
		FundingIntervalHours: interval,
		MarkPrice:            mark,
		Volume24h:            vol,
		IsDelisted:           delisted,
		NextFundingTime:      next,
		ObservedAt:           e.now(),
	}, nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol               string `json:"symbol"`
		Status               string `json:"status"`
		FundingIntervalHours int    `json:"fundingIntervalHours"`
		Filters              []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// refreshInfo reloads listing status and trading rules at most once per hour.
// A failed refresh keeps the previous view; with none, symbols count as active.
func (e *Exchange) refreshInfo(ctx context.Context) {
	e.mu.RLock()
	fresh := e.now().Sub(e.infoAt) < infoTTL
	e.mu.RUnlock()
	if fresh {
		return
	}

	var res exchangeInfo
	if err := e.getJSON(ctx, "/fapi/v3/exchangeInfo", nil, &res); err != nil {
		e.logger.Warn("Failed to refresh exchange info", "error", err)
		return
	}

	info := make(map[string]*symbolInfo, len(res.Symbols))
	for _, s := range res.Symbols {
		if !strings.HasSuffix(s.Symbol, quoteAsset) {
			continue
		}
		si := &symbolInfo{
			active:   s.Status == "TRADING",
			interval: defaultInterval,
			rules:    &core.SymbolRules{},
		}
		if s.FundingIntervalHours > 0 {
			si.interval = decimal.NewFromInt(int64(s.FundingIntervalHours))
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				si.rules.PriceTick, _ = decimal.NewFromString(f.TickSize)
			case "LOT_SIZE":
				si.rules.QuantityStep, _ = decimal.NewFromString(f.StepSize)
				si.rules.MinQuantity, _ = decimal.NewFromString(f.MinQty)
			case "MIN_NOTIONAL":
				si.rules.MinNotional, _ = decimal.NewFromString(f.MinNotional)
			}
		}
		info[strings.TrimSuffix(s.Symbol, quoteAsset)] = si
	}

	e.mu.Lock()
	e.info = info
	e.infoAt = e.now()
	e.mu.Unlock()
	e.logger.Debug("Exchange info refreshed", "symbols", len(info))
}

func (e *Exchange) GetSymbolRules(ctx context.Context, symbol string) (*core.SymbolRules, error) {
	e.refreshInfo(ctx)

	e.mu.RLock()
	defer e.mu.RUnlock()
	info, ok := e.info[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s not listed on %s", apperrors.ErrInvalidSymbol, symbol, Name)
	}
	rules := *info.rules
	return &rules, nil
}

// GetQuote returns the best bid and ask, falling back to the mark price when the book is empty
func (e *Exchange) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	var depth struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	err := e.getJSON(ctx, "/fapi/v1/depth", map[string]string{"symbol": pair(symbol), "limit": "5"}, &depth)
	if err == nil && len(depth.Bids) > 0 && len(depth.Asks) > 0 && len(depth.Bids[0]) > 0 && len(depth.Asks[0]) > 0 {
		bid, berr := decimal.NewFromString(depth.Bids[0][0])
		ask, aerr := decimal.NewFromString(depth.Asks[0][0])
		if berr == nil && aerr == nil && bid.IsPositive() && ask.IsPositive() {
			return &core.Quote{Bid: bid, Ask: ask}, nil
		}
	}
	if err != nil && errors.Is(err, apperrors.ErrInvalidSymbol) {
		return nil, err
	}

	var premium premiumIndex
	if perr := e.getJSON(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": pair(symbol)}, &premium); perr != nil {
		return nil, fmt.Errorf("%w: no book or mark for %s: %v", apperrors.ErrDataUnavailable, symbol, perr)
	}
	mark, perr := decimal.NewFromString(premium.MarkPrice)
	if perr != nil || !mark.IsPositive() {
		return nil, fmt.Errorf("%w: no book or mark for %s", apperrors.ErrDataUnavailable, symbol)
	}
	return &core.Quote{Bid: mark, Ask: mark}, nil
}

type orderResponse struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
}

// PlaceOrder sends an IOC limit order so the response carries the final fill
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	if !e.creds {
		return nil, fmt.Errorf("%w: %s has no API credentials", apperrors.ErrOrderRejected, Name)
	}

	side := "BUY"
	if req.Side == core.SideShort {
		side = "SELL"
	}
	params := map[string]string{
		"symbol":           pair(req.Symbol),
		"side":             side,
		"type":             "LIMIT",
		"timeInForce":      "IOC",
		"quantity":         req.Quantity.String(),
		"price":            req.LimitPrice.String(),
		"newClientOrderId": req.ClientOrderID,
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := e.private.Request(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, mapError(err)
	}

	var res orderResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: order response: %v", apperrors.ErrDataUnavailable, err)
	}
	qty, _ := decimal.NewFromString(res.ExecutedQty)
	price, _ := decimal.NewFromString(res.AvgPrice)
	if res.Status == "REJECTED" || (res.Status == "EXPIRED" && !qty.IsPositive()) {
		return &core.OrderResult{OrderID: fmt.Sprint(res.OrderID)}, nil
	}

	return &core.OrderResult{
		OrderID:      fmt.Sprint(res.OrderID),
		Filled:       qty.IsPositive(),
		FillPrice:    price,
		FillQuantity: qty,
		Fee:          qty.Mul(price).Mul(e.fee),
	}, nil
}

// SetLeverage sets the initial leverage for symbol
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if !e.creds {
		return fmt.Errorf("%w: %s has no API credentials", apperrors.ErrOrderRejected, Name)
	}
	_, err := e.private.Request(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   pair(symbol),
		"leverage": strconv.Itoa(leverage),
	})
	return mapError(err)
}

func (e *Exchange) GetPositions(ctx context.Context) ([]*core.VenuePosition, error) {
	if !e.creds {
		return nil, fmt.Errorf("%w: %s has no API credentials", apperrors.ErrDataUnavailable, Name)
	}
	var raw []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
	}
	body, err := e.private.Get(ctx, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, mapError(err)
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: positions: %v", apperrors.ErrDataUnavailable, err)
	}

	var out []*core.VenuePosition
	for _, p := range raw {
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil || amt.IsZero() || !strings.HasSuffix(p.Symbol, quoteAsset) {
			continue
		}
		side := core.SideLong
		if amt.IsNegative() {
			side = core.SideShort
		}
		out = append(out, &core.VenuePosition{
			Venue:    Name,
			Symbol:   strings.TrimSuffix(p.Symbol, quoteAsset),
			Side:     side,
			Quantity: amt.Abs(),
		})
	}
	return out, nil
}

func (e *Exchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if !e.creds {
		return decimal.Zero, fmt.Errorf("%w: %s has no API credentials", apperrors.ErrDataUnavailable, Name)
	}
	var raw []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	body, err := e.private.Get(ctx, "/fapi/v2/balance", nil)
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return decimal.Zero, fmt.Errorf("%w: balance: %v", apperrors.ErrDataUnavailable, err)
	}
	for _, b := range raw {
		if b.Asset == quoteAsset {
			return decimal.NewFromString(b.AvailableBalance)
		}
	}
	return decimal.Zero, nil
}

func (e *Exchange) getJSON(ctx context.Context, path string, params map[string]string, out interface{}) error {
	body, err := e.public.Get(ctx, path, params)
	if err != nil {
		return mapError(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrDataUnavailable, path, err)
	}
	return nil
}

// mapError maps venue error codes onto the shared taxonomy
func mapError(err error) error {
	var apiErr *apihttp.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if jerr := json.Unmarshal(apiErr.Body, &resp); jerr != nil || resp.Code == 0 {
		if apiErr.Unwrap() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", apperrors.ErrOrderRejected, err)
	}

	switch resp.Code {
	case -1003:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, resp.Msg)
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, resp.Msg)
	case -2019, -2018:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, resp.Msg)
	case -4164, -1013:
		return fmt.Errorf("%w: %s", apperrors.ErrBelowMinimum, resp.Msg)
	case -1007:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderTimeout, resp.Msg)
	}
	return fmt.Errorf("%w: asterdex error %d: %s", apperrors.ErrOrderRejected, resp.Code, resp.Msg)
}
