// Package snapshot gathers one funding observation per venue per symbol into a pair-wise market view
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/apperrors"
	"funding_arb/pkg/concurrency"
	"funding_arb/pkg/retry"
	"funding_arb/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config controls what is fetched and how patiently
type Config struct {
	// Symbols restricts the snapshot to these bases. Empty means every symbol both venues list.
	Symbols      []string
	FetchTimeout time.Duration
	Retry        retry.RetryPolicy
}

// Builder fetches both venues concurrently on a shared worker pool
type Builder struct {
	venues [2]core.IMarketData
	pool   *concurrency.WorkerPool
	cfg    Config
	logger core.ILogger
	now    func() time.Time
}

func NewBuilder(a, b core.IMarketData, pool *concurrency.WorkerPool, cfg Config, logger core.ILogger) *Builder {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return &Builder{
		venues: [2]core.IMarketData{a, b},
		pool:   pool,
		cfg:    cfg,
		logger: logger.WithField("component", "snapshot_builder"),
		now:    time.Now,
	}
}

// Venues returns the venue names in pair order
func (b *Builder) Venues() [2]string {
	return [2]string{b.venues[0].GetName(), b.venues[1].GetName()}
}

type venueData struct {
	mu      sync.Mutex
	obs     map[string]*core.FundingObservation
	failed  map[string]error
	fullErr error
}

// Build returns the snapshot for this cycle. Symbols with missing or malformed
// data land in Skipped; an error is returned only when a venue produced nothing.
func (b *Builder) Build(ctx context.Context) (*core.MarketSnapshot, error) {
	ctx, span := telemetry.GetTracer("snapshot").Start(ctx, "snapshot.build")
	defer span.End()

	data := [2]*venueData{}
	group := b.pool.Group()
	for i, venue := range b.venues {
		vd := &venueData{obs: make(map[string]*core.FundingObservation), failed: make(map[string]error)}
		data[i] = vd

		if len(b.cfg.Symbols) == 0 {
			group.Submit(func() {
				all, err := b.fetchAll(ctx, venue)
				vd.mu.Lock()
				defer vd.mu.Unlock()
				if err != nil {
					vd.fullErr = err
					return
				}
				vd.obs = all
			})
			continue
		}

		for _, sym := range b.cfg.Symbols {
			group.Submit(func() {
				obs, err := b.fetchOne(ctx, venue, sym)
				vd.mu.Lock()
				defer vd.mu.Unlock()
				if err != nil {
					vd.failed[sym] = err
					return
				}
				vd.obs[sym] = obs
			})
		}
	}
	group.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, vd := range data {
		if vd.fullErr != nil {
			span.RecordError(vd.fullErr)
			return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrDataUnavailable, b.venues[i].GetName(), vd.fullErr)
		}
	}

	snap := b.assemble(data)
	span.SetAttributes(
		attribute.Int("snapshot.pairs", len(snap.Pairs)),
		attribute.Int("snapshot.skipped", len(snap.Skipped)),
	)
	b.logger.Debug("Snapshot built", "pairs", len(snap.Pairs), "skipped", len(snap.Skipped))
	return snap, nil
}

func (b *Builder) assemble(data [2]*venueData) *core.MarketSnapshot {
	snap := &core.MarketSnapshot{
		Venues:  b.Venues(),
		Pairs:   make(map[string]core.ObservationPair),
		Skipped: make(map[string]error),
		TakenAt: b.now(),
	}

	candidates := b.cfg.Symbols
	if len(candidates) == 0 {
		for sym := range data[0].obs {
			if _, ok := data[1].obs[sym]; ok {
				candidates = append(candidates, sym)
			}
		}
	}

	for _, sym := range candidates {
		var pair core.ObservationPair
		var skip error
		for i, vd := range data {
			if err, ok := vd.failed[sym]; ok {
				skip = err
				break
			}
			obs, ok := vd.obs[sym]
			if !ok {
				skip = fmt.Errorf("%w: %s not listed on %s", apperrors.ErrDataUnavailable, sym, b.venues[i].GetName())
				break
			}
			if err := obs.Validate(); err != nil {
				skip = fmt.Errorf("%w: %v", apperrors.ErrDataUnavailable, err)
				break
			}
			pair[i] = obs
		}
		if skip != nil {
			snap.Skipped[sym] = skip
			continue
		}
		snap.Pairs[sym] = pair
	}
	return snap
}

func (b *Builder) fetchAll(ctx context.Context, venue core.IMarketData) (map[string]*core.FundingObservation, error) {
	var out map[string]*core.FundingObservation
	err := retry.Do(ctx, b.cfg.Retry, apperrors.IsTransient, func() error {
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.FetchTimeout)
		defer cancel()
		var err error
		out, err = venue.FetchAll(callCtx)
		return err
	})
	if err != nil {
		b.logger.Warn("Venue fetch failed", "venue", venue.GetName(), "error", err)
		return nil, err
	}
	return out, nil
}

func (b *Builder) fetchOne(ctx context.Context, venue core.IMarketData, symbol string) (*core.FundingObservation, error) {
	var obs *core.FundingObservation
	err := retry.Do(ctx, b.cfg.Retry, apperrors.IsTransient, func() error {
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.FetchTimeout)
		defer cancel()
		var err error
		obs, err = venue.FetchSnapshot(callCtx, symbol)
		return err
	})
	if err != nil {
		trace.SpanFromContext(ctx).AddEvent("fetch_failed", trace.WithAttributes(
			attribute.String("venue", venue.GetName()),
			attribute.String("symbol", symbol),
		))
		return nil, fmt.Errorf("%w: %s on %s: %v", apperrors.ErrDataUnavailable, symbol, venue.GetName(), err)
	}
	return obs, nil
}
