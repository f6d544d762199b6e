package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/apperrors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	position_id TEXT    NOT NULL,
	symbol      TEXT    NOT NULL,
	venue       TEXT    NOT NULL,
	side        TEXT    NOT NULL,
	action      TEXT    NOT NULL,
	quantity    TEXT    NOT NULL,
	price       TEXT    NOT NULL,
	fee         TEXT    NOT NULL,
	checksum    BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_log_symbol ON trade_log(symbol);
`

// SQLiteStore is the append-only trade log on disk
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL keeps committed rows across a crash mid-write
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema + fundingSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, entries ...*core.TradeLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO trade_log
		(ts, position_id, symbol, venue, side, action, quantity, price, fee, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		sum := checksum(e)
		if _, err := stmt.ExecContext(ctx, e.Timestamp.UnixNano(), e.PositionID, e.Symbol, e.Venue,
			string(e.Side), string(e.Action), e.Quantity.String(), e.Price.String(), e.Fee.String(), sum[:]); err != nil {
			return fmt.Errorf("failed to write trade log entry: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*core.TradeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ts, position_id, symbol, venue, side, action, quantity, price, fee, checksum
		FROM trade_log ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read trade log: %w", err)
	}
	defer rows.Close()

	var out []*core.TradeLogEntry
	for rows.Next() {
		var (
			id              int64
			ts              int64
			side, action    string
			qty, price, fee string
			stored          []byte
			entry           core.TradeLogEntry
		)
		if err := rows.Scan(&id, &ts, &entry.PositionID, &entry.Symbol, &entry.Venue, &side, &action, &qty, &price, &fee, &stored); err != nil {
			return nil, fmt.Errorf("failed to scan trade log row: %w", err)
		}
		entry.Timestamp = time.Unix(0, ts)
		entry.Side = core.Side(side)
		entry.Action = core.TradeAction(action)
		if entry.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("row %d quantity: %w", id, err)
		}
		if entry.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("row %d price: %w", id, err)
		}
		if entry.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("row %d fee: %w", id, err)
		}

		computed := checksum(&entry)
		if string(stored) != string(computed[:]) {
			return nil, fmt.Errorf("%w: checksum verification failed for trade log row %d", apperrors.ErrLedgerInconsistency, id)
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func checksum(e *core.TradeLogEntry) [32]byte {
	row := strings.Join([]string{
		fmt.Sprint(e.Timestamp.UnixNano()), e.PositionID, e.Symbol, e.Venue, string(e.Side), string(e.Action),
		e.Quantity.String(), e.Price.String(), e.Fee.String(),
	}, "|")
	return sha256.Sum256([]byte(row))
}
