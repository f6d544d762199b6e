package ledger

import (
	"context"
	"fmt"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// MaxFundingRowsPerKey caps the history kept per venue and symbol (three days of hours)
const MaxFundingRowsPerKey = 72

const fundingSchema = `
CREATE TABLE IF NOT EXISTS funding_history (
	venue         TEXT    NOT NULL,
	symbol        TEXT    NOT NULL,
	hour_bucket   INTEGER NOT NULL,
	ts            INTEGER NOT NULL,
	interval_h    TEXT    NOT NULL,
	rate_raw      TEXT    NOT NULL,
	rate_per_hour TEXT    NOT NULL,
	PRIMARY KEY (venue, symbol, hour_bucket)
);
`

// FundingSample is one stored funding observation
type FundingSample struct {
	Venue       string
	Symbol      string
	HourBucket  int64
	At          time.Time
	IntervalH   decimal.Decimal
	RateRaw     decimal.Decimal
	RatePerHour decimal.Decimal
}

// RecordFunding stores at most one sample per venue, symbol and hour and trims
// each key to MaxFundingRowsPerKey. It returns the number of new rows.
func (s *SQLiteStore) RecordFunding(ctx context.Context, at time.Time, obs []*core.FundingObservation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	bucket := at.Unix() / 3600

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	insert, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO funding_history
		(venue, symbol, hour_bucket, ts, interval_h, rate_raw, rate_per_hour)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer insert.Close()

	trim, err := tx.PrepareContext(ctx, `DELETE FROM funding_history
		WHERE venue = ? AND symbol = ? AND hour_bucket NOT IN (
			SELECT hour_bucket FROM funding_history WHERE venue = ? AND symbol = ?
			ORDER BY hour_bucket DESC LIMIT ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare trim: %w", err)
	}
	defer trim.Close()

	written := 0
	for _, o := range obs {
		if o == nil || !o.FundingIntervalHours.IsPositive() {
			continue
		}
		perHour := o.FundingRate.Div(o.FundingIntervalHours)
		res, err := insert.ExecContext(ctx, o.Venue, o.Symbol, bucket, at.UnixMilli(),
			o.FundingIntervalHours.String(), o.FundingRate.String(), perHour.String())
		if err != nil {
			return 0, fmt.Errorf("failed to write funding sample %s/%s: %w", o.Venue, o.Symbol, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		written++
		if _, err := trim.ExecContext(ctx, o.Venue, o.Symbol, o.Venue, o.Symbol, MaxFundingRowsPerKey); err != nil {
			return 0, fmt.Errorf("failed to trim funding history %s/%s: %w", o.Venue, o.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// FundingHistory returns the stored samples for symbol on venue, oldest first
func (s *SQLiteStore) FundingHistory(ctx context.Context, venue, symbol string) ([]*FundingSample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hour_bucket, ts, interval_h, rate_raw, rate_per_hour
		FROM funding_history WHERE venue = ? AND symbol = ? ORDER BY hour_bucket`, venue, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to read funding history: %w", err)
	}
	defer rows.Close()

	var out []*FundingSample
	for rows.Next() {
		var (
			ts                     int64
			interval, raw, perHour string
		)
		sample := &FundingSample{Venue: venue, Symbol: symbol}
		if err := rows.Scan(&sample.HourBucket, &ts, &interval, &raw, &perHour); err != nil {
			return nil, fmt.Errorf("failed to scan funding history row: %w", err)
		}
		sample.At = time.UnixMilli(ts)
		if sample.IntervalH, err = decimal.NewFromString(interval); err != nil {
			return nil, err
		}
		if sample.RateRaw, err = decimal.NewFromString(raw); err != nil {
			return nil, err
		}
		if sample.RatePerHour, err = decimal.NewFromString(perHour); err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}
