package curio

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// DB is the request ledger. It records what was asked of the model and how
// it went, never the analysis text itself.
type DB struct {
	mu sync.Mutex
	db *sql.DB

	filepath string
}

// RequestRecord is one row of the ledger.
type RequestRecord struct {
	Id         string
	Endpoint   string
	Backend    string
	Model      string
	ImageCount int
	ImageBytes int
	Outcome    string
	ErrorText  sql.NullString
	StartedAt  time.Time
	Duration   time.Duration
}

func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	if fname == ":memory:" {
		// Every connection to :memory: is a separate database
		sqldb.SetMaxOpenConns(1)
	}
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		return nil, err
	}

	return &DB{db: sqldb, filepath: fname}, nil
}

// RecordRequest inserts rec into the ledger.
func (db *DB) RecordRequest(ctx context.Context, rec *RequestRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO requests
		(id, endpoint, backend, model, image_count, image_bytes, outcome, error_text, started_at, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.Id,
		rec.Endpoint,
		rec.Backend,
		rec.Model,
		rec.ImageCount,
		rec.ImageBytes,
		rec.Outcome,
		rec.ErrorText,
		rec.StartedAt,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording request %s - %w", rec.Id, err)
	}
	return nil
}

// RecentRequests returns up to limit ledger rows, newest first.
func (db *DB) RecentRequests(ctx context.Context, limit int) ([]*RequestRecord, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, endpoint, backend, model, image_count, image_bytes,
			   outcome, error_text, started_at, duration_ms
		FROM requests
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*RequestRecord
	for rows.Next() {
		rec := &RequestRecord{}

		var ms int64
		err := rows.Scan(
			&rec.Id,
			&rec.Endpoint,
			&rec.Backend,
			&rec.Model,
			&rec.ImageCount,
			&rec.ImageBytes,
			&rec.Outcome,
			&rec.ErrorText,
			&rec.StartedAt,
			&ms,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning requests: %w", err)
		}
		rec.Duration = time.Duration(ms) * time.Millisecond

		recs = append(recs, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}

	return recs, nil
}

// CountByOutcome returns the number of ledger rows per outcome.
func (db *DB) CountByOutcome(ctx context.Context) (map[string]int, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM requests GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}

	return counts, rows.Err()
}
