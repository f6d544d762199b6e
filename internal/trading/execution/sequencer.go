package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/apperrors"
	"funding_arb/pkg/retry"
	"funding_arb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LegOrder fixes which leg is submitted first
type LegOrder string

const (
	LongFirst  LegOrder = "long_first"
	ShortFirst LegOrder = "short_first"
)

// Fallback is the leg-risk action once retries of the missing leg are exhausted
type Fallback string

const (
	FallbackCloseFilled Fallback = "close_filled"
	FallbackHold        Fallback = "hold"
)

// Config drives the sequencer
type Config struct {
	NotionalPerLeg decimal.Decimal
	SlippageBps    decimal.Decimal
	LegOrder       LegOrder
	OrderTimeout   time.Duration
	// OrderRetries bounds retries of a single order on transient errors.
	OrderRetries   int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	LegRiskRetries int
	Fallback       Fallback
	// CloseRetries bounds re-attempts of the second leg of a close.
	CloseRetries int
	// CompensationTimeout bounds the work that follows a confirmed first
	// leg. It runs detached from the caller's context.
	CompensationTimeout time.Duration
	// Leverage per venue name; zero leaves the venue setting alone.
	Leverage map[string]int
}

// PositionBook is the ledger surface the sequencer mutates
type PositionBook interface {
	Acquire(symbol string) (release func(), err error)
	Get(symbol string) *core.Position
	RecordOpen(ctx context.Context, pos *core.Position) error
	RecordClose(ctx context.Context, pos *core.Position, exits []*core.Exit) error
}

// Resolution says how an open attempt ended
type Resolution string

const (
	ResolutionHedged      Resolution = "hedged"
	ResolutionRetried     Resolution = "hedged_after_retry"
	ResolutionTrimmed     Resolution = "trimmed_to_hedge"
	ResolutionClosedFill  Resolution = "closed_filled_leg"
	ResolutionHeldLegRisk Resolution = "held_leg_risk"
	ResolutionStuck       Resolution = "unwind_failed"
)

// OpenResult reports the position an open attempt produced
type OpenResult struct {
	Position   *core.Position
	Resolution Resolution
}

// CloseResult reports the legs a close attempt exited
type CloseResult struct {
	Position    *core.Position
	Exits       []*core.Exit
	Partial     bool
	RealizedPnL decimal.Decimal
}

// Sequencer places the two legs of a position one after the other and
// handles the case where only one of them fills
type Sequencer struct {
	venues  map[string]core.IVenue
	book    PositionBook
	events  core.IEventSink
	cfg     Config
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	now     func() time.Time

	levMu       sync.Mutex
	leverageSet map[string]bool
}

func NewSequencer(venues map[string]core.IVenue, book PositionBook, events core.IEventSink, cfg Config, logger core.ILogger) *Sequencer {
	if cfg.LegOrder == "" {
		cfg.LegOrder = LongFirst
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackCloseFilled
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = 10 * cfg.RetryBackoff
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 2 * time.Minute
	}
	if events == nil {
		events = core.NopSink{}
	}
	return &Sequencer{
		venues:      venues,
		book:        book,
		events:      events,
		cfg:         cfg,
		logger:      logger.WithField("component", "sequencer"),
		metrics:     telemetry.GetGlobalMetrics(),
		now:         time.Now,
		leverageSet: make(map[string]bool),
	}
}

type legPlan struct {
	venue core.IVenue
	side  core.Side
	rules *core.SymbolRules
}

// Open turns an accepted signal into a hedged position: long on the pay
// venue, short on the receive venue.
func (s *Sequencer) Open(ctx context.Context, sig *core.Signal) (*OpenResult, error) {
	release, err := s.book.Acquire(sig.Symbol)
	if err != nil {
		return nil, err
	}
	defer release()

	if existing := s.book.Get(sig.Symbol); existing != nil {
		return nil, fmt.Errorf("%w: %s already has position %s", apperrors.ErrSymbolBusy, sig.Symbol, existing.ID)
	}

	longVenue, ok := s.venues[sig.PayVenue]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", sig.PayVenue)
	}
	shortVenue, ok := s.venues[sig.ReceiveVenue]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", sig.ReceiveVenue)
	}

	log := s.logger.WithFields(map[string]interface{}{"symbol": sig.Symbol, "long": sig.PayVenue, "short": sig.ReceiveVenue})

	plans := []*legPlan{{venue: longVenue, side: core.SideLong}, {venue: shortVenue, side: core.SideShort}}
	for _, p := range plans {
		if p.rules, err = s.rules(ctx, p.venue, sig.Symbol); err != nil {
			return nil, err
		}
		if err := s.ensureLeverage(ctx, p.venue, sig.Symbol); err != nil {
			return nil, err
		}
	}

	mark := decimal.Max(sig.PayMark, sig.ReceiveMark)
	qty, err := SizeOrder(s.cfg.NotionalPerLeg, mark, plans[0].rules, plans[1].rules)
	if err != nil {
		return nil, fmt.Errorf("size %s: %w", sig.Symbol, err)
	}

	if s.cfg.LegOrder == ShortFirst {
		plans[0], plans[1] = plans[1], plans[0]
	}

	pos := &core.Position{
		ID:             uuid.NewString(),
		Symbol:         sig.Symbol,
		OpenedAt:       s.now(),
		NotionalPerLeg: s.cfg.NotionalPerLeg,
	}

	first, err := s.placeLeg(ctx, plans[0], sig.Symbol, qty, false, core.ActionOpen)
	if err != nil {
		s.legFailed(ctx, sig.Symbol, plans[0], core.ActionOpen, err)
		return nil, err
	}
	setLeg(pos, first)
	log.Info("First leg filled", "side", first.Side, "qty", first.Quantity, "price", first.EntryPrice)

	// Exposure exists from here on, so cancelling ctx must not strand it.
	cctx, cancel := s.compensationContext(ctx)
	defer cancel()

	// The hedge matches what the first leg actually got, on a step both venues accept.
	secondQty, err := FitQuantity(first.Quantity, mark, plans[0].rules, plans[1].rules)
	if err != nil {
		err = fmt.Errorf("%w: first leg filled %s, hedge not placeable: %v", apperrors.ErrPartialFill, first.Quantity, err)
	} else {
		var second *core.Leg
		if second, err = s.placeLeg(cctx, plans[1], sig.Symbol, secondQty, false, core.ActionOpen); err == nil {
			setLeg(pos, second)
			if pos.Complete() {
				return s.finishOpen(cctx, pos, ResolutionHedged)
			}
			err = fmt.Errorf("%w: %s leg filled %s of %s", apperrors.ErrPartialFill, second.Side, second.Quantity, first.Quantity)
		}
	}

	return s.handleLegRisk(cctx, pos, plans[0], plans[1], mark, err)
}

// handleLegRisk deals with a filled leg whose hedge is missing or short. The
// shortfall is retried; after that the filled leg is trimmed back to the
// hedge, or held as configured.
func (s *Sequencer) handleLegRisk(ctx context.Context, pos *core.Position, filledPlan, missing *legPlan, mark decimal.Decimal, cause error) (*OpenResult, error) {
	filled := pos.Leg(filledPlan.side)
	pos.LegRisk = true
	s.legFailed(ctx, pos.Symbol, missing, core.ActionOpen, cause)
	s.metrics.LegRiskTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", pos.Symbol)))
	s.events.Publish(ctx, &core.Event{
		Type:     core.EventLegRisk,
		Level:    core.LevelCritical,
		Symbol:   pos.Symbol,
		Venue:    missing.venue.GetName(),
		Side:     missing.side,
		Message:  fmt.Sprintf("%s leg filled %s on %s, %s leg on %s is short by %s", filled.Side, filled.Quantity, filled.Venue, missing.side, missing.venue.GetName(), pos.Imbalance().Abs()),
		Err:      cause,
		Position: pos,
	})

	for attempt := 1; attempt <= s.cfg.LegRiskRetries; attempt++ {
		qty, err := FitQuantity(pos.Imbalance().Abs(), mark, filledPlan.rules, missing.rules)
		if err != nil {
			// remainder too small to place on its own
			break
		}
		s.logger.Warn("Retrying missing leg", "symbol", pos.Symbol, "qty", qty, "attempt", attempt, "max", s.cfg.LegRiskRetries)
		if err := s.backoff(ctx, attempt); err != nil {
			cause = errors.Join(cause, err)
			break
		}
		leg, err := s.placeLeg(ctx, missing, pos.Symbol, qty, false, core.ActionOpen)
		if err != nil {
			cause = err
			continue
		}
		addFill(pos, leg)
		if !pos.Complete() {
			continue
		}
		pos.LegRisk = false
		s.events.Publish(ctx, &core.Event{
			Type:     core.EventLegRiskResolved,
			Level:    core.LevelWarning,
			Symbol:   pos.Symbol,
			Message:  fmt.Sprintf("missing %s leg filled after %d retries", missing.side, attempt),
			Position: pos,
		})
		return s.finishOpen(ctx, pos, ResolutionRetried)
	}

	legErr := cause

	// Record the exposure before acting on it so a crash leaves a trace.
	if err := s.book.RecordOpen(ctx, pos); err != nil {
		s.critical(ctx, pos, "failed to record leg-risk position", err)
		return &OpenResult{Position: pos, Resolution: ResolutionStuck}, errors.Join(legErr, err)
	}

	if s.cfg.Fallback == FallbackHold {
		return &OpenResult{Position: pos, Resolution: ResolutionHeldLegRisk}, legErr
	}

	excess := pos.Imbalance().Abs()
	exits, err := s.exitLeg(ctx, filledPlan, filled, excess, s.cfg.CloseRetries)
	pnl, recErr := s.recordExits(ctx, pos, filled, exits)
	if err = errors.Join(err, recErr); err != nil {
		s.critical(ctx, pos, "failed to unwind filled leg", err)
		return &OpenResult{Position: pos, Resolution: ResolutionStuck}, errors.Join(legErr, err)
	}

	resolved := &core.Event{
		Type:     core.EventLegRiskResolved,
		Level:    core.LevelWarning,
		Symbol:   pos.Symbol,
		Venue:    filled.Venue,
		Side:     filled.Side,
		Message:  "filled leg closed after the hedge could not be placed",
		Position: pos,
		Fields:   map[string]string{"realized_pnl": pnl.StringFixed(4), "trimmed": excess.String()},
	}
	if s.book.Get(pos.Symbol) != nil {
		// both legs remain, now of equal size
		resolved.Message = fmt.Sprintf("filled leg trimmed by %s to the hedged quantity", excess)
		s.events.Publish(ctx, resolved)
		s.opened(ctx, pos)
		return &OpenResult{Position: pos, Resolution: ResolutionTrimmed}, nil
	}
	s.events.Publish(ctx, resolved)
	return &OpenResult{Position: pos, Resolution: ResolutionClosedFill}, legErr
}

func (s *Sequencer) finishOpen(ctx context.Context, pos *core.Position, res Resolution) (*OpenResult, error) {
	if err := s.book.RecordOpen(ctx, pos); err != nil {
		s.critical(ctx, pos, "failed to record open position", err)
		return &OpenResult{Position: pos, Resolution: res}, err
	}
	s.opened(ctx, pos)
	return &OpenResult{Position: pos, Resolution: res}, nil
}

func (s *Sequencer) opened(ctx context.Context, pos *core.Position) {
	s.metrics.PositionsOpenedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", pos.Symbol)))
	s.events.Publish(ctx, &core.Event{
		Type:     core.EventPositionOpened,
		Level:    core.LevelInfo,
		Symbol:   pos.Symbol,
		Message:  fmt.Sprintf("long %s on %s, short %s on %s", pos.LongLeg.Quantity, pos.LongLeg.Venue, pos.ShortLeg.Quantity, pos.ShortLeg.Venue),
		Position: pos,
	})
}

// Close exits every filled leg of pos. The first leg gets one attempt; once
// any of it is out the rest of the close runs detached from ctx, retrying up
// to CloseRetries, and is never reverted.
func (s *Sequencer) Close(ctx context.Context, pos *core.Position, reason string) (*CloseResult, error) {
	release, err := s.book.Acquire(pos.Symbol)
	if err != nil {
		return nil, err
	}
	defer release()

	res := &CloseResult{Position: pos}
	legs := pos.FilledLegs()
	if len(legs) == 0 {
		return res, nil
	}
	if len(legs) == 2 && s.cfg.LegOrder == ShortFirst {
		legs[0], legs[1] = legs[1], legs[0]
	}

	plans := make([]*legPlan, len(legs))
	for i, leg := range legs {
		venue, ok := s.venues[leg.Venue]
		if !ok {
			return res, fmt.Errorf("unknown venue %q", leg.Venue)
		}
		plans[i] = &legPlan{venue: venue, side: leg.Side}
		if plans[i].rules, err = s.rules(ctx, venue, pos.Symbol); err != nil {
			return res, err
		}
	}

	runCtx := ctx
	cancel := func() {}
	defer func() { cancel() }()

	for i, leg := range legs {
		retries := s.cfg.CloseRetries
		if i == 0 {
			retries = 0
		}
		qty := leg.Quantity
		exits, err := s.exitLeg(runCtx, plans[i], leg, qty, retries)
		if i == 0 && len(exits) > 0 {
			runCtx, cancel = s.compensationContext(ctx)
			if err != nil {
				var more []*core.Exit
				more, err = s.exitLeg(runCtx, plans[i], leg, qty.Sub(exitedQty(exits)), s.cfg.CloseRetries)
				exits = append(exits, more...)
			}
		}

		pnl, recErr := s.recordExits(runCtx, pos, leg, exits)
		res.Exits = append(res.Exits, exits...)
		res.RealizedPnL = res.RealizedPnL.Add(pnl)
		if recErr != nil {
			res.Partial = len(res.Exits) > 0
			s.critical(runCtx, pos, "failed to record close", recErr)
			return res, errors.Join(err, recErr)
		}
		if err != nil {
			s.legFailed(runCtx, pos.Symbol, plans[i], core.ActionClose, err)
			if len(res.Exits) == 0 {
				return res, err
			}
			res.Partial = true
			pos.LegRisk = true
			s.critical(runCtx, pos, "close left exposure open", err)
			return res, err
		}
	}

	if s.book.Get(pos.Symbol) != nil {
		res.Partial = true
		err := fmt.Errorf("%w: %s still holds exposure after close", apperrors.ErrLedgerInconsistency, pos.Symbol)
		s.critical(runCtx, pos, "close did not retire the position", err)
		return res, err
	}

	s.metrics.PositionsClosedTotal.Add(runCtx, 1, metric.WithAttributes(attribute.String("symbol", pos.Symbol)))
	pnl, _ := res.RealizedPnL.Float64()
	s.metrics.RealizedPnLTotal.Add(runCtx, pnl, metric.WithAttributes(attribute.String("symbol", pos.Symbol)))
	s.events.Publish(runCtx, &core.Event{
		Type:     core.EventPositionClosed,
		Level:    core.LevelInfo,
		Symbol:   pos.Symbol,
		Message:  "position closed: " + reason,
		Position: pos,
		Fields:   map[string]string{"reason": reason, "realized_pnl": res.RealizedPnL.StringFixed(4)},
	})
	return res, nil
}

// recordExits books exits against leg and returns their realized PnL
func (s *Sequencer) recordExits(ctx context.Context, pos *core.Position, leg *core.Leg, exits []*core.Exit) (decimal.Decimal, error) {
	pnl := decimal.Zero
	if len(exits) == 0 {
		return pnl, nil
	}
	// priced before the ledger shrinks the leg
	for _, ex := range exits {
		pnl = pnl.Add(ex.RealizedPnL(leg))
	}
	return pnl, s.book.RecordClose(ctx, pos, exits)
}

// exitLeg sends reduce-only orders until qty of leg is out or the attempts
// run out. Exits made so far are returned along with any error.
func (s *Sequencer) exitLeg(ctx context.Context, plan *legPlan, leg *core.Leg, qty decimal.Decimal, retries int) ([]*core.Exit, error) {
	if plan.venue == nil {
		return nil, fmt.Errorf("unknown venue %q", leg.Venue)
	}
	step := decimal.Zero
	if plan.rules != nil {
		step = plan.rules.QuantityStep
	}
	order := &legPlan{venue: plan.venue, side: leg.Side.Opposite(), rules: plan.rules}

	var (
		exits   []*core.Exit
		lastErr error
	)
	remaining := qty
	for attempt := 0; attempt <= retries && remaining.IsPositive(); attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}
		size := RoundDown(remaining, step)
		if !size.IsPositive() {
			lastErr = fmt.Errorf("%w: %s left is below the %s step", apperrors.ErrBelowMinimum, remaining, step)
			break
		}
		result, err := s.submit(ctx, order, leg.Symbol, size, true)
		if err != nil {
			lastErr = err
			continue
		}
		filled := decimal.Min(result.FillQuantity, remaining)
		exits = append(exits, &core.Exit{
			Venue:    leg.Venue,
			Side:     leg.Side,
			Quantity: filled,
			Price:    result.FillPrice,
			Fee:      result.Fee,
			At:       s.now(),
		})
		remaining = remaining.Sub(filled)
		if remaining.IsPositive() {
			lastErr = fmt.Errorf("%w: %s of %s still open", apperrors.ErrPartialFill, remaining, qty)
		}
	}
	if remaining.IsPositive() {
		return exits, &apperrors.LegError{Venue: leg.Venue, Symbol: leg.Symbol, Side: string(leg.Side), Action: string(core.ActionClose), Err: lastErr}
	}
	return exits, nil
}

// placeLeg opens qty on plan and returns the filled leg
func (s *Sequencer) placeLeg(ctx context.Context, plan *legPlan, symbol string, qty decimal.Decimal, reduceOnly bool, action core.TradeAction) (*core.Leg, error) {
	result, err := s.submit(ctx, plan, symbol, qty, reduceOnly)
	if err != nil {
		return nil, &apperrors.LegError{Venue: plan.venue.GetName(), Symbol: symbol, Side: string(plan.side), Action: string(action), Err: err}
	}
	return &core.Leg{
		Venue:      plan.venue.GetName(),
		Symbol:     symbol,
		Side:       plan.side,
		Quantity:   result.FillQuantity,
		EntryPrice: result.FillPrice,
		FeePaid:    result.Fee,
		Filled:     true,
	}, nil
}

// errNotFilled marks an order the venue expired without a fill. The order is
// gone, so a retry is a new order at a fresh price.
var errNotFilled = fmt.Errorf("%w: order expired unfilled", apperrors.ErrOrderTimeout)

// submit quotes, prices and places one order. Transient failures are retried
// with the same client order ID; an unfilled order is re-quoted and sent
// again under a new one. Rejections are returned immediately.
func (s *Sequencer) submit(ctx context.Context, plan *legPlan, symbol string, qty decimal.Decimal, reduceOnly bool) (*core.OrderResult, error) {
	venue := plan.venue
	tick := decimal.Zero
	if plan.rules != nil {
		tick = plan.rules.PriceTick
	}

	var req *core.OrderRequest
	prepare := func() error {
		quote, err := s.quote(ctx, venue, symbol)
		if err != nil {
			return err
		}
		price, err := LimitPrice(plan.side, quote, s.cfg.SlippageBps, tick)
		if err != nil {
			return err
		}
		req = &core.OrderRequest{
			ClientOrderID: uuid.NewString(),
			Venue:         venue.GetName(),
			Symbol:        symbol,
			Side:          plan.side,
			Quantity:      qty,
			LimitPrice:    price,
			ReduceOnly:    reduceOnly,
		}
		return nil
	}
	if err := prepare(); err != nil {
		return nil, err
	}

	policy := retrypolicy.NewBuilder[*core.OrderResult]().
		HandleIf(func(_ *core.OrderResult, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(s.cfg.RetryBackoff, s.cfg.MaxBackoff).
		WithMaxRetries(s.cfg.OrderRetries).
		ReturnLastFailure().
		Build()

	attrs := metric.WithAttributes(attribute.String("venue", venue.GetName()), attribute.String("symbol", symbol))
	expired := false
	result, err := failsafe.With[*core.OrderResult](policy).WithContext(ctx).Get(func() (*core.OrderResult, error) {
		if expired {
			if err := prepare(); err != nil {
				return nil, err
			}
			expired = false
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.OrderTimeout)
		defer cancel()

		s.metrics.OrdersPlacedTotal.Add(ctx, 1, attrs)
		res, err := venue.PlaceOrder(callCtx, req)
		s.metrics.OrderLatency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperrors.ErrOrderTimeout) {
				err = fmt.Errorf("%w: %v", apperrors.ErrOrderTimeout, err)
			}
			return nil, err
		}
		if !res.Filled || !res.FillQuantity.IsPositive() {
			expired = true
			return nil, fmt.Errorf("%w (%s)", errNotFilled, req.ClientOrderID)
		}
		return res, nil
	})
	if err != nil {
		s.metrics.OrdersFailedTotal.Add(ctx, 1, attrs)
		return nil, err
	}
	return result, nil
}

func (s *Sequencer) quote(ctx context.Context, venue core.IVenue, symbol string) (*core.Quote, error) {
	var q *core.Quote
	err := retry.Do(ctx, s.retryPolicy(), apperrors.IsTransient, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.OrderTimeout)
		defer cancel()
		var err error
		q, err = venue.GetQuote(callCtx, symbol)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("quote %s on %s: %w", symbol, venue.GetName(), err)
	}
	return q, nil
}

func (s *Sequencer) rules(ctx context.Context, venue core.IVenue, symbol string) (*core.SymbolRules, error) {
	var r *core.SymbolRules
	err := retry.Do(ctx, s.retryPolicy(), apperrors.IsTransient, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.OrderTimeout)
		defer cancel()
		var err error
		r, err = venue.GetSymbolRules(callCtx, symbol)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("symbol rules %s on %s: %w", symbol, venue.GetName(), err)
	}
	return r, nil
}

// ensureLeverage applies the configured leverage for venue once per symbol
func (s *Sequencer) ensureLeverage(ctx context.Context, venue core.IVenue, symbol string) error {
	lev := s.cfg.Leverage[venue.GetName()]
	if lev <= 0 {
		return nil
	}
	key := venue.GetName() + "/" + symbol
	s.levMu.Lock()
	done := s.leverageSet[key]
	s.levMu.Unlock()
	if done {
		return nil
	}

	err := retry.Do(ctx, s.retryPolicy(), apperrors.IsTransient, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.OrderTimeout)
		defer cancel()
		return venue.SetLeverage(callCtx, symbol, lev)
	})
	if err != nil {
		return fmt.Errorf("set %dx leverage for %s on %s: %w", lev, symbol, venue.GetName(), err)
	}

	s.levMu.Lock()
	s.leverageSet[key] = true
	s.levMu.Unlock()
	s.logger.Info("Leverage set", "venue", venue.GetName(), "symbol", symbol, "leverage", lev)
	return nil
}

// compensationContext outlives ctx so work on confirmed exposure is finished
func (s *Sequencer) compensationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CompensationTimeout)
}

func (s *Sequencer) retryPolicy() retry.RetryPolicy {
	return retry.RetryPolicy{
		MaxAttempts:    s.cfg.OrderRetries + 1,
		InitialBackoff: s.cfg.RetryBackoff,
		MaxBackoff:     s.cfg.MaxBackoff,
	}
}

func (s *Sequencer) backoff(ctx context.Context, attempt int) error {
	wait := s.cfg.RetryBackoff * time.Duration(1<<min(attempt-1, 6))
	if wait > s.cfg.MaxBackoff {
		wait = s.cfg.MaxBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (s *Sequencer) legFailed(ctx context.Context, symbol string, plan *legPlan, action core.TradeAction, err error) {
	s.logger.Error("Leg failed", "symbol", symbol, "venue", plan.venue.GetName(), "side", plan.side, "action", action, "error", err)
	s.events.Publish(ctx, &core.Event{
		Type:    core.EventLegFailed,
		Level:   core.LevelError,
		Symbol:  symbol,
		Venue:   plan.venue.GetName(),
		Side:    plan.side,
		Message: fmt.Sprintf("%s %s leg failed", action, plan.side),
		Err:     err,
	})
}

func (s *Sequencer) critical(ctx context.Context, pos *core.Position, msg string, err error) {
	s.logger.Error(msg, "symbol", pos.Symbol, "position_id", pos.ID, "error", err)
	s.events.Publish(ctx, &core.Event{
		Type:     core.EventLegRisk,
		Level:    core.LevelCritical,
		Symbol:   pos.Symbol,
		Message:  msg,
		Err:      err,
		Position: pos,
	})
}

func setLeg(pos *core.Position, leg *core.Leg) {
	if leg.Side == core.SideLong {
		pos.LongLeg = leg
	} else {
		pos.ShortLeg = leg
	}
}

// addFill merges a further fill into the leg on its side at the average price
func addFill(pos *core.Position, fill *core.Leg) {
	leg := pos.Leg(fill.Side)
	if leg == nil || !leg.Filled {
		setLeg(pos, fill)
		return
	}
	total := leg.Quantity.Add(fill.Quantity)
	leg.EntryPrice = leg.Notional().Add(fill.Notional()).Div(total)
	leg.Quantity = total
	leg.FeePaid = leg.FeePaid.Add(fill.FeePaid)
}

func exitedQty(exits []*core.Exit) decimal.Decimal {
	sum := decimal.Zero
	for _, ex := range exits {
		sum = sum.Add(ex.Quantity)
	}
	return sum
}
