package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// MockVenue implements core.IVenue for testing. Orders fill at the limit
// price unless a failure has been queued with FailNext.
type MockVenue struct {
	name string

	mu             sync.RWMutex
	observations   map[string]*core.FundingObservation
	quotes         map[string]*core.Quote
	rules          map[string]*core.SymbolRules
	positions      map[string]*core.VenuePosition
	balance        decimal.Decimal
	feeRate        decimal.Decimal
	orders         []*core.OrderRequest
	clientOrderMap map[string]*core.OrderResult
	orderIDCounter int64

	failures     []error
	fetchErr     error
	fillFraction decimal.Decimal
	fillQueue    []decimal.Decimal
	leverage     map[string]int
	leverageErr  error
}

func NewMockVenue(name string) *MockVenue {
	return &MockVenue{
		name:           name,
		observations:   make(map[string]*core.FundingObservation),
		quotes:         make(map[string]*core.Quote),
		rules:          make(map[string]*core.SymbolRules),
		positions:      make(map[string]*core.VenuePosition),
		clientOrderMap: make(map[string]*core.OrderResult),
		balance:        decimal.NewFromInt(10000),
		feeRate:        decimal.NewFromFloat(0.0005),
		fillFraction:   decimal.NewFromInt(1),
		leverage:       make(map[string]int),
	}
}

func (m *MockVenue) GetName() string {
	return m.name
}

// SetObservation sets the funding data returned for obs.Symbol
func (m *MockVenue) SetObservation(obs *core.FundingObservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs.Venue = m.name
	m.observations[obs.Symbol] = obs
}

// SetQuote sets the book for symbol
func (m *MockVenue) SetQuote(symbol string, bid, ask decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = &core.Quote{Bid: bid, Ask: ask}
}

func (m *MockVenue) SetRules(symbol string, rules *core.SymbolRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[symbol] = rules
}

// SetPosition overrides what GetPositions reports for symbol
func (m *MockVenue) SetPosition(pos *core.VenuePosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos.Quantity.IsZero() {
		delete(m.positions, pos.Symbol)
		return
	}
	m.positions[pos.Symbol] = pos
}

// SetFetchError makes every market data call fail with err
func (m *MockVenue) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// SetFillFraction makes orders fill only part of the requested quantity
func (m *MockVenue) SetFillFraction(f decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillFraction = f
}

// FillNext queues fill fractions for the next orders, ahead of SetFillFraction
func (m *MockVenue) FillNext(fractions ...decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillQueue = append(m.fillQueue, fractions...)
}

// SetLeverageError makes SetLeverage fail with err
func (m *MockVenue) SetLeverageError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverageErr = err
}

// Leverage returns the leverage last set for symbol, zero if never set
func (m *MockVenue) Leverage(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leverage[symbol]
}

// FailNext queues errors returned by the next PlaceOrder calls, in order
func (m *MockVenue) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Orders returns every order request received, including failed ones
func (m *MockVenue) Orders() []*core.OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.OrderRequest, len(m.orders))
	copy(out, m.orders)
	return out
}

func (m *MockVenue) FetchSnapshot(ctx context.Context, symbol string) (*core.FundingObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	obs, ok := m.observations[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", apperrors.ErrInvalidSymbol, symbol, m.name)
	}
	cp := *obs
	return &cp, nil
}

func (m *MockVenue) FetchAll(ctx context.Context) (map[string]*core.FundingObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	out := make(map[string]*core.FundingObservation, len(m.observations))
	for sym, obs := range m.observations {
		cp := *obs
		out[sym] = &cp
	}
	return out, nil
}

func (m *MockVenue) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if q, ok := m.quotes[symbol]; ok {
		cp := *q
		return &cp, nil
	}
	if obs, ok := m.observations[symbol]; ok {
		return &core.Quote{Bid: obs.MarkPrice, Ask: obs.MarkPrice}, nil
	}
	return nil, fmt.Errorf("%w: no book for %s on %s", apperrors.ErrDataUnavailable, symbol, m.name)
}

func (m *MockVenue) GetSymbolRules(ctx context.Context, symbol string) (*core.SymbolRules, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rules[symbol]; ok {
		cp := *r
		return &cp, nil
	}
	return &core.SymbolRules{
		MinQuantity:  decimal.RequireFromString("0.001"),
		QuantityStep: decimal.RequireFromString("0.001"),
		PriceTick:    decimal.RequireFromString("0.01"),
	}, nil
}

func (m *MockVenue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders = append(m.orders, req)

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return nil, err
		}
	}

	// Idempotency: a retried client order ID returns the original fill
	if res, ok := m.clientOrderMap[req.ClientOrderID]; ok {
		return res, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fraction := m.fillFraction
	if len(m.fillQueue) > 0 {
		fraction = m.fillQueue[0]
		m.fillQueue = m.fillQueue[1:]
	}
	qty := req.Quantity
	if !fraction.Equal(decimal.NewFromInt(1)) {
		// partial fills still land on the venue step
		step := decimal.RequireFromString("0.001")
		if r, ok := m.rules[req.Symbol]; ok && r.QuantityStep.IsPositive() {
			step = r.QuantityStep
		}
		qty = qty.Mul(fraction).Div(step).Floor().Mul(step)
	}
	m.orderIDCounter++
	res := &core.OrderResult{
		OrderID:      fmt.Sprintf("%s-%d", m.name, m.orderIDCounter),
		Filled:       qty.IsPositive(),
		FillPrice:    req.LimitPrice,
		FillQuantity: qty,
		Fee:          qty.Mul(req.LimitPrice).Mul(m.feeRate),
	}
	m.clientOrderMap[req.ClientOrderID] = res
	m.applyFill(req.Symbol, req.Side, qty)
	return res, nil
}

func (m *MockVenue) applyFill(symbol string, side core.Side, qty decimal.Decimal) {
	signed := qty
	if side == core.SideShort {
		signed = qty.Neg()
	}
	net := signed
	if p, ok := m.positions[symbol]; ok {
		if p.Side == core.SideLong {
			net = net.Add(p.Quantity)
		} else {
			net = net.Sub(p.Quantity)
		}
	}
	switch net.Sign() {
	case 0:
		delete(m.positions, symbol)
	case 1:
		m.positions[symbol] = &core.VenuePosition{Venue: m.name, Symbol: symbol, Side: core.SideLong, Quantity: net}
	default:
		m.positions[symbol] = &core.VenuePosition{Venue: m.name, Symbol: symbol, Side: core.SideShort, Quantity: net.Neg()}
	}
}

func (m *MockVenue) GetPositions(ctx context.Context) ([]*core.VenuePosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.VenuePosition, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leverageErr != nil {
		return m.leverageErr
	}
	m.leverage[symbol] = leverage
	return nil
}

func (m *MockVenue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance, nil
}

// Observation builds a funding observation for tests
func Observation(symbol, rate, intervalHours, mark, volume string) *core.FundingObservation {
	return &core.FundingObservation{
		Symbol:               symbol,
		FundingRate:          decimal.RequireFromString(rate),
		FundingIntervalHours: decimal.RequireFromString(intervalHours),
		MarkPrice:            decimal.RequireFromString(mark),
		Volume24h:            decimal.RequireFromString(volume),
		NextFundingTime:      time.Now().Truncate(time.Hour).Add(time.Hour),
		ObservedAt:           time.Now(),
	}
}
