package execution_test

import (
	"context"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	"funding_arb/internal/trading/execution"
	"funding_arb/internal/trading/ledger"
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

type fixture struct {
	long   *mock.MockVenue // pay venue
	short  *mock.MockVenue // receive venue
	book   *ledger.Ledger
	events *mock.EventRecorder
	seq    *execution.Sequencer
}

func newFixture(t *testing.T, mutate func(*execution.Config)) *fixture {
	t.Helper()
	f := &fixture{
		long:   mock.NewMockVenue("hyperliquid"),
		short:  mock.NewMockVenue("asterdex"),
		events: &mock.EventRecorder{},
	}
	for _, v := range []*mock.MockVenue{f.long, f.short} {
		v.SetQuote("ETH", d("1999"), d("2001"))
	}
	f.book = ledger.New(ledger.NewMemoryStore(), &mockLogger{})

	cfg := execution.Config{
		NotionalPerLeg: d("100"),
		SlippageBps:    d("15"),
		LegOrder:       execution.LongFirst,
		OrderTimeout:   time.Second,
		OrderRetries:   1,
		RetryBackoff:   time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		LegRiskRetries: 2,
		Fallback:       execution.FallbackCloseFilled,
		CloseRetries:   2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	venues := map[string]core.IVenue{f.long.GetName(): f.long, f.short.GetName(): f.short}
	f.seq = execution.NewSequencer(venues, f.book, f.events, cfg, &mockLogger{})
	return f
}

func signal() *core.Signal {
	return &core.Signal{
		Symbol:       "ETH",
		ReceiveVenue: "asterdex",
		PayVenue:     "hyperliquid",
		ReceiveMark:  d("2000"),
		PayMark:      d("2000"),
		NetPerRound:  d("0.001"),
	}
}

func TestSequencer_OpenHedged(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)
	assert.Equal(t, execution.ResolutionHedged, res.Resolution)

	pos := f.book.Get("ETH")
	require.NotNil(t, pos)
	assert.True(t, pos.Complete())
	assert.Equal(t, "hyperliquid", pos.LongLeg.Venue)
	assert.Equal(t, "asterdex", pos.ShortLeg.Venue)
	assert.True(t, d("0.05").Equal(pos.LongLeg.Quantity))

	longOrders := f.long.Orders()
	require.Len(t, longOrders, 1)
	assert.Equal(t, core.SideLong, longOrders[0].Side)
	assert.True(t, d("2004").Equal(longOrders[0].LimitPrice), "limit %s", longOrders[0].LimitPrice)
	assert.False(t, longOrders[0].ReduceOnly)

	shortOrders := f.short.Orders()
	require.Len(t, shortOrders, 1)
	assert.True(t, d("1996.01").Equal(shortOrders[0].LimitPrice), "limit %s", shortOrders[0].LimitPrice)

	assert.Len(t, f.events.OfType(core.EventPositionOpened), 1)
	assert.Empty(t, f.events.OfType(core.EventLegRisk))
}

func TestSequencer_FirstLegFailureAborts(t *testing.T) {
	f := newFixture(t, nil)
	f.long.FailNext(apperrors.ErrOrderRejected)

	res, err := f.seq.Open(context.Background(), signal())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)

	var legErr *apperrors.LegError
	require.ErrorAs(t, err, &legErr)
	assert.Equal(t, "hyperliquid", legErr.Venue)

	assert.Len(t, f.long.Orders(), 1, "rejections are not retried")
	assert.Empty(t, f.short.Orders())
	assert.False(t, f.book.HasOpen("ETH"))
	assert.Len(t, f.events.OfType(core.EventLegFailed), 1)
}

func TestSequencer_TransientErrorRetriesSameOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.long.FailNext(apperrors.ErrNetwork)

	_, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)

	orders := f.long.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, orders[0].ClientOrderID, orders[1].ClientOrderID)
}

// movingVenue shifts its book after every order
type movingVenue struct {
	*mock.MockVenue
	bid, ask string
}

func (m *movingVenue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	res, err := m.MockVenue.PlaceOrder(ctx, req)
	m.SetQuote(req.Symbol, d(m.bid), d(m.ask))
	return res, err
}

func TestSequencer_UnfilledOrderIsRepricedAsNewOrder(t *testing.T) {
	f := newFixture(t, nil)
	short := &movingVenue{MockVenue: f.short, bid: "1989", ask: "1991"}
	venues := map[string]core.IVenue{f.long.GetName(): f.long, short.GetName(): short}
	seq := execution.NewSequencer(venues, f.book, f.events, execution.Config{
		NotionalPerLeg: d("100"),
		SlippageBps:    d("15"),
		OrderTimeout:   time.Second,
		OrderRetries:   1,
		RetryBackoff:   time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, &mockLogger{})
	f.short.FillNext(d("0"))

	res, err := seq.Open(context.Background(), signal())
	require.NoError(t, err)
	assert.Equal(t, execution.ResolutionHedged, res.Resolution)

	orders := f.short.Orders()
	require.Len(t, orders, 2)
	assert.NotEqual(t, orders[0].ClientOrderID, orders[1].ClientOrderID, "an expired order is not resent")
	assert.True(t, d("1996.01").Equal(orders[0].LimitPrice), "limit %s", orders[0].LimitPrice)
	assert.True(t, d("1986.02").Equal(orders[1].LimitPrice), "limit %s", orders[1].LimitPrice)
	assert.Empty(t, f.events.OfType(core.EventLegRisk))
}

func TestSequencer_SecondLegSizedToFirstFill(t *testing.T) {
	f := newFixture(t, nil)
	f.long.SetFillFraction(d("0.5"))

	_, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)

	shortOrders := f.short.Orders()
	require.Len(t, shortOrders, 1)
	assert.True(t, d("0.025").Equal(shortOrders[0].Quantity), "qty %s", shortOrders[0].Quantity)
}

func TestSequencer_LegRiskRetryResolves(t *testing.T) {
	f := newFixture(t, nil)
	f.short.FailNext(apperrors.ErrOrderRejected)

	res, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)
	assert.Equal(t, execution.ResolutionRetried, res.Resolution)
	assert.False(t, res.Position.LegRisk)
	assert.True(t, f.book.Get("ETH").Complete())

	assert.Len(t, f.events.OfType(core.EventLegRisk), 1)
	assert.Len(t, f.events.OfType(core.EventLegRiskResolved), 1)
}

func TestSequencer_LegRiskClosesFilledLeg(t *testing.T) {
	f := newFixture(t, nil)
	f.short.FailNext(apperrors.ErrOrderRejected, apperrors.ErrOrderRejected, apperrors.ErrOrderRejected)

	res, err := f.seq.Open(context.Background(), signal())
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	require.NotNil(t, res)
	assert.Equal(t, execution.ResolutionClosedFill, res.Resolution)

	assert.False(t, f.book.HasOpen("ETH"))
	require.Len(t, f.book.Closed(), 1)

	longOrders := f.long.Orders()
	require.Len(t, longOrders, 2)
	assert.Equal(t, core.SideShort, longOrders[1].Side)
	assert.True(t, longOrders[1].ReduceOnly)

	riskEvents := f.events.OfType(core.EventLegRisk)
	require.NotEmpty(t, riskEvents)
	assert.Equal(t, core.LevelCritical, riskEvents[0].Level)
	assert.Equal(t, "asterdex", riskEvents[0].Venue)
}

func TestSequencer_LegRiskHold(t *testing.T) {
	f := newFixture(t, func(c *execution.Config) { c.Fallback = execution.FallbackHold })
	f.short.FailNext(apperrors.ErrOrderRejected, apperrors.ErrOrderRejected, apperrors.ErrOrderRejected)

	res, err := f.seq.Open(context.Background(), signal())
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	assert.Equal(t, execution.ResolutionHeldLegRisk, res.Resolution)

	pos := f.book.Get("ETH")
	require.NotNil(t, pos)
	assert.True(t, pos.LegRisk)
	assert.Len(t, pos.FilledLegs(), 1)
	assert.Len(t, f.long.Orders(), 1)
}

func TestSequencer_ShortFirst(t *testing.T) {
	f := newFixture(t, func(c *execution.Config) { c.LegOrder = execution.ShortFirst })
	f.short.FailNext(apperrors.ErrInsufficientFunds)

	_, err := f.seq.Open(context.Background(), signal())
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Empty(t, f.long.Orders())
}

func TestSequencer_RefusesSecondPosition(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)

	_, err = f.seq.Open(context.Background(), signal())
	assert.ErrorIs(t, err, apperrors.ErrSymbolBusy)
	assert.Len(t, f.long.Orders(), 1)
}

func TestSequencer_Close(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)

	res, err := f.seq.Close(context.Background(), f.book.Get("ETH"), "take_profit")
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Len(t, res.Exits, 2)
	assert.False(t, f.book.HasOpen("ETH"))

	for _, v := range []*mock.MockVenue{f.long, f.short} {
		orders := v.Orders()
		require.Len(t, orders, 2)
		assert.True(t, orders[1].ReduceOnly)
		assert.Equal(t, orders[0].Side.Opposite(), orders[1].Side)
	}

	closed := f.events.OfType(core.EventPositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "take_profit", closed[0].Fields["reason"])
}

func TestSequencer_CloseFirstLegFailureLeavesPosition(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)

	f.long.FailNext(apperrors.ErrOrderRejected)
	res, err := f.seq.Close(context.Background(), f.book.Get("ETH"), "manual")
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	assert.Empty(t, res.Exits)

	pos := f.book.Get("ETH")
	require.NotNil(t, pos)
	assert.True(t, pos.Complete())
	assert.Len(t, f.short.Orders(), 1, "second leg untouched")
}

func TestSequencer_CloseRetriesSecondLeg(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)

	f.short.FailNext(apperrors.ErrOrderRejected)
	res, err := f.seq.Close(context.Background(), f.book.Get("ETH"), "manual")
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.False(t, f.book.HasOpen("ETH"))
}

func TestSequencer_ClosePartial(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)

	f.short.FailNext(apperrors.ErrOrderRejected, apperrors.ErrOrderRejected, apperrors.ErrOrderRejected)
	res, err := f.seq.Close(context.Background(), f.book.Get("ETH"), "manual")
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	assert.True(t, res.Partial)
	assert.Len(t, res.Exits, 1)

	pos := f.book.Get("ETH")
	require.NotNil(t, pos)
	assert.True(t, pos.LegRisk)
	assert.False(t, pos.LongLeg.Filled)
	assert.True(t, pos.ShortLeg.Filled)
}

func TestSequencer_PartialHedgeTrimsFirstLeg(t *testing.T) {
	f := newFixture(t, func(c *execution.Config) { c.LegRiskRetries = 0 })
	f.short.SetFillFraction(d("0.5"))

	res, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)
	assert.Equal(t, execution.ResolutionTrimmed, res.Resolution)

	pos := f.book.Get("ETH")
	require.NotNil(t, pos)
	assert.True(t, pos.Complete(), "long %s short %s", pos.LongLeg.Quantity, pos.ShortLeg.Quantity)
	assert.False(t, pos.LegRisk)
	assert.True(t, d("0.025").Equal(pos.LongLeg.Quantity))

	longOrders := f.long.Orders()
	require.Len(t, longOrders, 2)
	assert.True(t, longOrders[1].ReduceOnly)
	assert.True(t, d("0.025").Equal(longOrders[1].Quantity))

	assert.Len(t, f.events.OfType(core.EventLegRisk), 1)
	assert.Len(t, f.events.OfType(core.EventLegRiskResolved), 1)
	assert.Len(t, f.events.OfType(core.EventPositionOpened), 1)
}

func TestSequencer_PartialHedgeRetriesShortfall(t *testing.T) {
	f := newFixture(t, nil)
	f.short.FillNext(d("0.5"))

	res, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)
	assert.Equal(t, execution.ResolutionRetried, res.Resolution)

	shortOrders := f.short.Orders()
	require.Len(t, shortOrders, 2)
	assert.True(t, d("0.025").Equal(shortOrders[1].Quantity), "shortfall %s", shortOrders[1].Quantity)

	pos := f.book.Get("ETH")
	require.NotNil(t, pos)
	assert.True(t, pos.Complete())
	assert.True(t, d("0.05").Equal(pos.ShortLeg.Quantity))
}

func TestSequencer_PartialHedgeHeldIsLegRisk(t *testing.T) {
	f := newFixture(t, func(c *execution.Config) { c.Fallback = execution.FallbackHold })
	f.short.SetFillFraction(d("0.5"))

	res, err := f.seq.Open(context.Background(), signal())
	assert.ErrorIs(t, err, apperrors.ErrPartialFill)
	assert.Equal(t, execution.ResolutionHeldLegRisk, res.Resolution)

	pos := f.book.Get("ETH")
	require.NotNil(t, pos)
	assert.True(t, pos.LegRisk)
	assert.False(t, pos.Complete())
	assert.Empty(t, f.events.OfType(core.EventPositionOpened))
}

func TestSequencer_HedgeUsesStepOfBothVenues(t *testing.T) {
	f := newFixture(t, nil)
	f.short.SetRules("ETH", &core.SymbolRules{QuantityStep: d("0.01"), MinQuantity: d("0.01"), PriceTick: d("0.01")})
	f.long.FillNext(d("0.5"))

	res, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)
	assert.Equal(t, execution.ResolutionTrimmed, res.Resolution)

	shortOrders := f.short.Orders()
	require.Len(t, shortOrders, 1)
	assert.True(t, d("0.02").Equal(shortOrders[0].Quantity), "hedge %s", shortOrders[0].Quantity)

	pos := f.book.Get("ETH")
	require.NotNil(t, pos)
	assert.True(t, d("0.02").Equal(pos.LongLeg.Quantity))
	assert.True(t, pos.Complete())
}

func TestSequencer_ClosePartialExitsLoopToCompletion(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)

	f.long.FillNext(d("0.5"))
	res, err := f.seq.Close(context.Background(), f.book.Get("ETH"), "manual")
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Len(t, res.Exits, 3)
	assert.Nil(t, f.book.Get("ETH"))

	longOrders := f.long.Orders()
	require.Len(t, longOrders, 3)
	assert.True(t, d("0.025").Equal(longOrders[2].Quantity), "remainder %s", longOrders[2].Quantity)
	assert.Len(t, f.events.OfType(core.EventPositionClosed), 1)
}

func TestSequencer_ClosePartialExitKeepsExposure(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)

	f.short.SetFillFraction(d("0.5"))
	res, err := f.seq.Close(context.Background(), f.book.Get("ETH"), "manual")
	assert.ErrorIs(t, err, apperrors.ErrPartialFill)
	assert.True(t, res.Partial)

	pos := f.book.Get("ETH")
	require.NotNil(t, pos)
	assert.True(t, pos.LegRisk)
	assert.True(t, pos.ShortLeg.Filled)
	assert.True(t, pos.ShortLeg.Quantity.IsPositive())
	assert.Len(t, f.short.Orders(), 1+3, "one open and CloseRetries+1 exits")
	assert.Empty(t, f.events.OfType(core.EventPositionClosed))
}

func TestSequencer_CloseSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t, func(c *execution.Config) {
		c.RetryBackoff = 50 * time.Millisecond
		c.MaxBackoff = 100 * time.Millisecond
		c.CloseRetries = 3
	})
	_, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)

	f.short.FailNext(apperrors.ErrOrderRejected)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := f.seq.Close(ctx, f.book.Get("ETH"), "shutdown")
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Error(t, ctx.Err(), "caller context expired during the close")
	assert.Nil(t, f.book.Get("ETH"))
	assert.Len(t, f.events.OfType(core.EventPositionClosed), 1)
}

func TestSequencer_OpenHedgeSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t, func(c *execution.Config) {
		c.RetryBackoff = 50 * time.Millisecond
		c.MaxBackoff = 100 * time.Millisecond
	})
	f.short.FailNext(apperrors.ErrOrderRejected)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := f.seq.Open(ctx, signal())
	require.NoError(t, err)
	assert.Equal(t, execution.ResolutionRetried, res.Resolution)
	assert.True(t, f.book.Get("ETH").Complete())
}

func TestSequencer_SetsLeverageOncePerSymbol(t *testing.T) {
	f := newFixture(t, func(c *execution.Config) {
		c.Leverage = map[string]int{"hyperliquid": 3, "asterdex": 5}
	})

	_, err := f.seq.Open(context.Background(), signal())
	require.NoError(t, err)
	assert.Equal(t, 3, f.long.Leverage("ETH"))
	assert.Equal(t, 5, f.short.Leverage("ETH"))

	_, err = f.seq.Close(context.Background(), f.book.Get("ETH"), "manual")
	require.NoError(t, err)

	f.short.SetLeverageError(apperrors.ErrOrderRejected)
	_, err = f.seq.Open(context.Background(), signal())
	require.NoError(t, err, "leverage already applied for ETH")
}

func TestSequencer_LeverageFailureAbortsOpen(t *testing.T) {
	f := newFixture(t, func(c *execution.Config) { c.Leverage = map[string]int{"asterdex": 5} })
	f.short.SetLeverageError(apperrors.ErrOrderRejected)

	_, err := f.seq.Open(context.Background(), signal())
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	assert.Empty(t, f.long.Orders())
	assert.Empty(t, f.short.Orders())
	assert.False(t, f.book.HasOpen("ETH"))
}
