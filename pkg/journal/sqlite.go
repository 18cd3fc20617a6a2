package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DoseRecord is a finished dose.
type DoseRecord struct {
	ID         string
	Axis       string
	Mode       string // volume or weight
	Target     float64
	Dispensed  float64
	FeedRate   float64
	State      string
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// DoseStore persists finished doses.
type DoseStore interface {
	RecordDose(ctx context.Context, rec DoseRecord) error
}

// SQLite is a DoseStore backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the dose history database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS doses (
  id TEXT PRIMARY KEY,
  axis TEXT NOT NULL,
  mode TEXT NOT NULL,
  target REAL NOT NULL,
  dispensed REAL NOT NULL,
  feed_rate REAL NOT NULL,
  state TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_doses_finished ON doses(finished_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create doses table: %w", err)
	}
	return nil
}

// RecordDose implements DoseStore.
func (s *SQLite) RecordDose(ctx context.Context, rec DoseRecord) error {
	const stmt = `
INSERT INTO doses (id, axis, mode, target, dispensed, feed_rate, state, reason, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  dispensed = excluded.dispensed,
  state = excluded.state,
  reason = excluded.reason,
  finished_at = excluded.finished_at;
`
	if _, err := s.db.ExecContext(ctx, stmt,
		rec.ID, rec.Axis, rec.Mode, rec.Target, rec.Dispensed, rec.FeedRate,
		rec.State, rec.Reason, rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("record dose: %w", err)
	}
	return nil
}

// Recent returns up to limit doses, newest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]DoseRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, axis, mode, target, dispensed, feed_rate, state, reason, started_at, finished_at
FROM doses
ORDER BY finished_at DESC, id ASC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list doses: %w", err)
	}
	defer rows.Close()

	out := make([]DoseRecord, 0, limit)
	for rows.Next() {
		var (
			rec               DoseRecord
			started, finished int64
		)
		if err := rows.Scan(&rec.ID, &rec.Axis, &rec.Mode, &rec.Target, &rec.Dispensed,
			&rec.FeedRate, &rec.State, &rec.Reason, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan dose: %w", err)
		}
		rec.StartedAt = time.UnixMilli(started)
		rec.FinishedAt = time.UnixMilli(finished)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate doses: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
