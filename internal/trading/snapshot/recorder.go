package snapshot

import (
	"context"
	"sort"
	"time"

	"funding_arb/internal/core"
)

// FundingRecorder keeps a history of funding observations
type FundingRecorder interface {
	RecordFunding(ctx context.Context, at time.Time, obs []*core.FundingObservation) (int, error)
}

// Source is anything that builds a market snapshot
type Source interface {
	Build(ctx context.Context) (*core.MarketSnapshot, error)
}

// Recording wraps a Source and writes every paired observation to a
// FundingRecorder. A failed write is logged and never fails the snapshot.
type Recording struct {
	Source
	recorder FundingRecorder
	logger   core.ILogger
}

func NewRecording(src Source, recorder FundingRecorder, logger core.ILogger) *Recording {
	return &Recording{
		Source:   src,
		recorder: recorder,
		logger:   logger.WithField("component", "funding_recorder"),
	}
}

func (r *Recording) Build(ctx context.Context) (*core.MarketSnapshot, error) {
	snap, err := r.Source.Build(ctx)
	if err != nil || snap == nil {
		return snap, err
	}

	symbols := snap.Symbols()
	obs := make([]*core.FundingObservation, 0, 2*len(symbols))
	for _, sym := range symbols {
		for _, o := range snap.Pairs[sym] {
			if o != nil {
				obs = append(obs, o)
			}
		}
	}
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].Venue < obs[j].Venue })

	n, recErr := r.recorder.RecordFunding(ctx, snap.TakenAt, obs)
	if recErr != nil {
		r.logger.Warn("Failed to record funding history", "error", recErr)
	} else if n > 0 {
		r.logger.Debug("Recorded funding history", "rows", n)
	}
	return snap, nil
}
