package tracelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/internal/sqlitedb"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS authentication_traces (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT    NOT NULL,
		factor   TEXT    NOT NULL,
		at       INTEGER NOT NULL,
		success  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_authentication_traces_lookup
		ON authentication_traces (username, factor, at)`,
	`CREATE INDEX IF NOT EXISTS idx_authentication_traces_at
		ON authentication_traces (at)`,
}

// SQLiteLog stores traces in an embedded SQL database.
type SQLiteLog struct {
	db   *sql.DB
	owns bool
}

var _ Log = (*SQLiteLog)(nil)

// OpenSQLite opens the database file at path and owns it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteLog, error) {
	db, err := sqlitedb.Open(ctx, path, sqliteSchema...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &SQLiteLog{db: db, owns: true}, nil
}

// NewSQLite creates the trace table in an existing database. Close leaves db open.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLiteLog, error) {
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return &SQLiteLog{db: db}, nil
}

// Append inserts t.
func (l *SQLiteLog) Append(ctx context.Context, t Trace) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO authentication_traces (username, factor, at, success) VALUES (?, ?, ?, ?)`,
		t.Username, string(t.Factor), t.Time.UnixNano(), boolToInt(t.Success),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Recent returns the newest traces for the pair after since.
func (l *SQLiteLog) Recent(ctx context.Context, username string, factor FactorType, since time.Time, limit int) ([]Trace, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT at, success FROM authentication_traces
		 WHERE username = ? AND factor = ? AND at > ?
		 ORDER BY at DESC, id DESC
		 LIMIT ?`,
		username, string(factor), lowerBound(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	traces := make([]Trace, 0, limit)
	for rows.Next() {
		var (
			at      int64
			success int
		)
		if err := rows.Scan(&at, &success); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		traces = append(traces, Trace{
			Username: username,
			Factor:   factor,
			Time:     time.Unix(0, at),
			Success:  success != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return traces, nil
}

// Prune deletes traces older than before.
func (l *SQLiteLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM authentication_traces WHERE at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Close closes the database when the log opened it.
func (l *SQLiteLog) Close() error {
	if !l.owns {
		return nil
	}
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
