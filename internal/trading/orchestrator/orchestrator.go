// Package orchestrator drives the poll cycle: snapshot, evaluate, manage open
// positions, open new ones and reconcile against the venues
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/internal/trading/execution"
	"funding_arb/pkg/apperrors"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrCycleRunning is returned when a cycle is requested while another is in progress
var ErrCycleRunning = errors.New("poll cycle already running")

// SnapshotSource produces one market snapshot per cycle
type SnapshotSource interface {
	Build(ctx context.Context) (*core.MarketSnapshot, error)
}

// Executor opens and closes paired positions
type Executor interface {
	Open(ctx context.Context, sig *core.Signal) (*execution.OpenResult, error)
	Close(ctx context.Context, pos *core.Position, reason string) (*execution.CloseResult, error)
}

// Book is the read side of the position ledger
type Book interface {
	OpenPositions() []*core.Position
	HasOpen(symbol string) bool
	Quarantined() map[string]error
}

type Config struct {
	PollInterval     time.Duration
	CycleTimeout     time.Duration
	EnableTrading    bool // false = alert only
	MaxOpenPositions int
	AutoCloseEnabled bool
	AutoClose        arbitrage.AutoCloseConfig
	Reconcile        bool
	// UnwindLegRisk closes one-legged positions left by an open. Off means
	// they are held and alerted every cycle.
	UnwindLegRisk    bool
}

// CycleReport summarizes what one cycle saw and did
type CycleReport struct {
	Snapshot   *core.MarketSnapshot
	Evaluation *arbitrage.Evaluation
	Decisions  map[string]arbitrage.Decision
	Opened     []*execution.OpenResult
	Closed     []*execution.CloseResult
	Mismatches []Mismatch
}

type Orchestrator struct {
	source     SnapshotSource
	evaluator  *arbitrage.Evaluator
	executor   Executor
	book       Book
	reconciler *Reconciler
	accrual    *arbitrage.FundingAccrual
	events     core.IEventSink
	cfg        Config
	logger     core.ILogger
	metrics    *telemetry.MetricsHolder
	tracer     trace.Tracer
	now        func() time.Time

	cycle     sync.Mutex
	lastCycle atomic.Int64 // unix nanos of the last cycle that got a snapshot

	closingMu sync.Mutex
	closing   map[string]string // position ID -> reason, for closes that left a leg open
}

func New(
	source SnapshotSource,
	evaluator *arbitrage.Evaluator,
	executor Executor,
	book Book,
	reconciler *Reconciler,
	events core.IEventSink,
	cfg Config,
	logger core.ILogger,
) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.PollInterval
	}
	if events == nil {
		events = core.NopSink{}
	}
	o := &Orchestrator{
		source:     source,
		evaluator:  evaluator,
		executor:   executor,
		book:       book,
		reconciler: reconciler,
		accrual:    arbitrage.NewFundingAccrual(),
		events:     events,
		cfg:        cfg,
		logger:     logger.WithField("component", "orchestrator"),
		metrics:    telemetry.GetGlobalMetrics(),
		tracer:     telemetry.GetTracer("orchestrator"),
		now:        time.Now,
		closing:    make(map[string]string),
	}
	o.lastCycle.Store(o.now().UnixNano())
	return o
}

// LastCycle returns when a cycle last obtained a market snapshot; before the
// first cycle it is the construction time
func (o *Orchestrator) LastCycle() time.Time {
	return time.Unix(0, o.lastCycle.Load())
}

// Run executes a cycle immediately and then on every tick until ctx is done.
// Cycles never overlap: a slow cycle delays the next tick instead.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.reportQuarantine(ctx)
	o.logger.Info("Starting poll loop", "interval", o.cfg.PollInterval, "trading", o.cfg.EnableTrading)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		o.runOnce(ctx)

		select {
		case <-ctx.Done():
			o.logger.Info("Poll loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, o.cfg.CycleTimeout)
	defer cancel()
	if _, err := o.RunCycle(cycleCtx); err != nil && ctx.Err() == nil {
		o.logger.Error("Poll cycle failed", "error", err)
	}
}

func (o *Orchestrator) reportQuarantine(ctx context.Context) {
	for symbol, err := range o.book.Quarantined() {
		o.events.Publish(ctx, &core.Event{
			Type:    core.EventLedgerInconsistent,
			Level:   core.LevelCritical,
			Symbol:  symbol,
			Message: "trade log replay failed, symbol quarantined until resolved by hand",
			Err:     err,
		})
	}
}

// RunCycle performs one poll cycle
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !o.cycle.TryLock() {
		return nil, ErrCycleRunning
	}
	defer o.cycle.Unlock()

	start := o.now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.cycle")
	defer span.End()
	defer func() {
		o.metrics.CycleDuration.Record(ctx, o.now().Sub(start).Seconds())
	}()

	report := &CycleReport{Decisions: make(map[string]arbitrage.Decision)}

	snap, err := o.source.Build(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.events.Publish(ctx, &core.Event{
			Type:    core.EventCycleFailed,
			Level:   core.LevelError,
			Message: "market snapshot unavailable",
			Err:     err,
		})
		return report, fmt.Errorf("build snapshot: %w", err)
	}
	report.Snapshot = snap
	o.lastCycle.Store(o.now().UnixNano())

	eval := o.evaluator.Evaluate(snap)
	report.Evaluation = eval
	o.publishEvaluation(ctx, eval)
	span.SetAttributes(
		attribute.Int("symbols", len(snap.Pairs)),
		attribute.Int("signals", len(eval.Signals)),
	)

	var errs []error
	if err := o.managePositions(ctx, snap, report); err != nil {
		errs = append(errs, err)
	}
	if o.cfg.EnableTrading {
		if err := o.openPositions(ctx, eval.Signals, report); err != nil {
			errs = append(errs, err)
		}
	}
	o.metrics.SetOpenPositions(len(o.book.OpenPositions()))

	if o.cfg.Reconcile && o.reconciler != nil {
		mismatches, err := o.reconciler.Reconcile(ctx)
		report.Mismatches = mismatches
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return report, err
	}
	return report, nil
}

func (o *Orchestrator) publishEvaluation(ctx context.Context, eval *arbitrage.Evaluation) {
	for sym, err := range eval.Skipped {
		o.logger.Debug("Symbol skipped", "symbol", sym, "reason", err)
	}
	for _, rej := range eval.Rejections {
		o.metrics.RejectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(rej.Reason))))
	}

	net := make(map[string]float64, len(eval.Signals))
	for _, sig := range eval.Signals {
		v, _ := sig.NetPerRound.Float64()
		net[sig.Symbol] = v
		o.metrics.SignalsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", sig.Symbol)))
		o.events.Publish(ctx, &core.Event{
			Type:   core.EventSignal,
			Level:  core.LevelInfo,
			Symbol: sig.Symbol,
			Signal: sig,
		})
	}
	o.metrics.SetNetPerRound(net)

	o.logger.Info("Evaluation complete", "signals", len(eval.Signals), "rejected", len(eval.Rejections), "skipped", len(eval.Skipped))
	o.events.Publish(ctx, &core.Event{
		Type:    core.EventScan,
		Level:   core.LevelInfo,
		Signals: eval.Signals,
	})
}

// managePositions accrues funding on every open position and closes those
// whose auto-close rule fires. A position in leg-risk is alerted every cycle;
// if its close already began, or unwinding is configured, the close is
// re-attempted without waiting for the rule.
func (o *Orchestrator) managePositions(ctx context.Context, snap *core.MarketSnapshot, report *CycleReport) error {
	var errs []error
	now := o.now()

	for _, pos := range o.book.OpenPositions() {
		if pos.LegRisk {
			o.publishLegRisk(ctx, pos)
		}
		if reason, ok := o.closeReason(pos); ok {
			if !o.cfg.EnableTrading {
				continue
			}
			if err := o.closePosition(ctx, pos, reason, report); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		longMark, shortMark, ok := marks(snap, pos)
		if !ok {
			o.logger.Warn("No marks for open position, skipping auto-close", "symbol", pos.Symbol, "position_id", pos.ID)
			continue
		}

		accrued := o.accrual.Update(pos, observation(snap, pos.Symbol, pos.LongLeg), observation(snap, pos.Symbol, pos.ShortLeg), now)
		decision := arbitrage.EvaluateAutoClose(pos, longMark, shortMark, accrued, o.cfg.AutoClose)
		report.Decisions[pos.Symbol] = decision

		ret, _ := decision.PortfolioReturn.Float64()
		o.metrics.SetUnrealizedReturn(pos.Symbol, ret)

		if !decision.Close || !o.cfg.AutoCloseEnabled {
			continue
		}

		fields := map[string]string{
			"reason":           string(decision.Reason),
			"portfolio_return": decision.PortfolioReturn.StringFixed(6),
			"accrued_funding":  decision.AccruedFunding.StringFixed(4),
			"unrealized_pnl":   decision.UnrealizedPnL.StringFixed(4),
		}
		o.events.Publish(ctx, &core.Event{
			Type:     core.EventAutoClose,
			Level:    core.LevelWarning,
			Symbol:   pos.Symbol,
			Message:  fmt.Sprintf("auto-close triggered: %s", decision.Reason),
			Position: pos,
			Fields:   fields,
		})
		if !o.cfg.EnableTrading {
			continue
		}
		if err := o.closePosition(ctx, pos, string(decision.Reason), report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closeReason reports whether pos must be closed regardless of the auto-close rule
func (o *Orchestrator) closeReason(pos *core.Position) (string, bool) {
	o.closingMu.Lock()
	reason, ok := o.closing[pos.ID]
	o.closingMu.Unlock()
	if ok {
		return reason, true
	}
	if pos.LegRisk && o.cfg.UnwindLegRisk {
		return "leg_risk_unwind", true
	}
	return "", false
}

// closePosition runs one close attempt. A close that exited some exposure
// but failed is remembered so the next cycle finishes it.
func (o *Orchestrator) closePosition(ctx context.Context, pos *core.Position, reason string, report *CycleReport) error {
	res, err := o.executor.Close(ctx, pos, reason)
	if res != nil && len(res.Exits) > 0 {
		report.Closed = append(report.Closed, res)
	}
	if err != nil {
		if res != nil && len(res.Exits) > 0 {
			o.closingMu.Lock()
			o.closing[pos.ID] = reason
			o.closingMu.Unlock()
		}
		return fmt.Errorf("close %s: %w", pos.Symbol, err)
	}
	o.forget(pos)
	return nil
}

func (o *Orchestrator) publishLegRisk(ctx context.Context, pos *core.Position) {
	fields := map[string]string{"imbalance": pos.Imbalance().String()}
	for _, leg := range pos.FilledLegs() {
		fields[string(leg.Side)] = leg.Venue + " " + leg.Quantity.String()
	}
	o.logger.Error("Position is not hedged", "symbol", pos.Symbol, "position_id", pos.ID, "imbalance", pos.Imbalance())
	o.events.Publish(ctx, &core.Event{
		Type:     core.EventLegRisk,
		Level:    core.LevelCritical,
		Symbol:   pos.Symbol,
		Message:  fmt.Sprintf("position %s is still unhedged by %s", pos.ID, pos.Imbalance().Abs()),
		Position: pos,
		Fields:   fields,
	})
}

// openPositions opens the best profitable signals until MaxOpenPositions is
// reached. Watchlist overrides that are not profitable are reported only.
func (o *Orchestrator) openPositions(ctx context.Context, signals []*core.Signal, report *CycleReport) error {
	var errs []error
	open := len(o.book.OpenPositions())
	quarantined := o.book.Quarantined()
	// a symbol closed this cycle waits for the next one
	closed := make(map[string]bool, len(report.Closed))
	for _, c := range report.Closed {
		closed[c.Position.Symbol] = true
	}

	for _, sig := range signals {
		if o.cfg.MaxOpenPositions > 0 && open >= o.cfg.MaxOpenPositions {
			break
		}
		if !sig.Profitable() || o.book.HasOpen(sig.Symbol) {
			continue
		}
		if _, q := quarantined[sig.Symbol]; q || closed[sig.Symbol] {
			continue
		}

		res, err := o.executor.Open(ctx, sig)
		if res != nil {
			report.Opened = append(report.Opened, res)
		}
		if o.book.HasOpen(sig.Symbol) {
			open++
		}
		if err != nil {
			if errors.Is(err, apperrors.ErrBelowMinimum) || errors.Is(err, apperrors.ErrSymbolBusy) {
				o.logger.Info("Signal not tradable", "symbol", sig.Symbol, "reason", err)
				continue
			}
			errs = append(errs, fmt.Errorf("open %s: %w", sig.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every open position, continuing past failures
func (o *Orchestrator) CloseAll(ctx context.Context, reason string) ([]*execution.CloseResult, error) {
	var (
		results []*execution.CloseResult
		errs    []error
	)
	for _, pos := range o.book.OpenPositions() {
		res, err := o.executor.Close(ctx, pos, reason)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			if res != nil && len(res.Exits) > 0 {
				o.closingMu.Lock()
				o.closing[pos.ID] = reason
				o.closingMu.Unlock()
			}
			errs = append(errs, fmt.Errorf("close %s: %w", pos.Symbol, err))
			continue
		}
		o.forget(pos)
	}
	return results, errors.Join(errs...)
}

func (o *Orchestrator) forget(pos *core.Position) {
	o.closingMu.Lock()
	delete(o.closing, pos.ID)
	o.closingMu.Unlock()
	o.accrual.Forget(pos.ID)
	o.metrics.ClearUnrealizedReturn(pos.Symbol)
}

// marks returns the current mark for each filled leg; a missing leg reads as zero
func marks(snap *core.MarketSnapshot, pos *core.Position) (long, short decimal.Decimal, ok bool) {
	ok = true
	if pos.LongLeg != nil && pos.LongLeg.Filled {
		long, ok = snap.Mark(pos.Symbol, pos.LongLeg.Venue)
	}
	if ok && pos.ShortLeg != nil && pos.ShortLeg.Filled {
		short, ok = snap.Mark(pos.Symbol, pos.ShortLeg.Venue)
	}
	return long, short, ok
}

func observation(snap *core.MarketSnapshot, symbol string, leg *core.Leg) *core.FundingObservation {
	if leg == nil || !leg.Filled {
		return nil
	}
	return snap.Observation(symbol, leg.Venue)
}
