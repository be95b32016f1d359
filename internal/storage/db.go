package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrConflict marks a write that lost a race with another writer. The
	// caller may retry the whole operation.
	ErrConflict = errors.New("concurrent modification")
	ErrNotFound = errors.New("not found")
	// ErrReconciled marks a scan whose review is frozen by reconciliation.
	ErrReconciled = errors.New("scan is already reconciled")
)

// BadgeError ties a failed inventory write to the badge it was for.
type BadgeError struct {
	BadgeID string
	Err     error
}

func (e *BadgeError) Error() string {
	return fmt.Sprintf("badge %s: %v", e.BadgeID, e.Err)
}

func (e *BadgeError) Unwrap() error { return e.Err }

type DB struct {
	conn *sqlx.DB
}

// Open creates the database file if needed and applies the schema. Every
// transaction is started with BEGIN IMMEDIATE so that read-modify-write
// sequences on inventory rows are serialized by SQLite itself.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate&_time_format=sqlite"
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS badges (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  purchase_url TEXT,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_badges_name ON badges(name);

CREATE TABLE IF NOT EXISTS inventory (
  badge_id TEXT PRIMARY KEY,
  quantity INTEGER NOT NULL DEFAULT 0,
  reorder_threshold INTEGER NOT NULL DEFAULT 5,
  last_updated DATETIME NOT NULL,
  FOREIGN KEY(badge_id) REFERENCES badges(id)
);

CREATE TABLE IF NOT EXISTS scans (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  status TEXT NOT NULL DEFAULT 'pending',
  total_images INTEGER NOT NULL DEFAULT 0,
  processed_images INTEGER NOT NULL DEFAULT 0,
  failed_images INTEGER NOT NULL DEFAULT 0,
  progress_message TEXT,
  error_message TEXT,
  created_at DATETIME NOT NULL,
  started_at DATETIME,
  completed_at DATETIME,
  reconciled_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status);

CREATE TABLE IF NOT EXISTS scan_images (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  scan_id INTEGER NOT NULL,
  position INTEGER NOT NULL,
  path TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  error TEXT,
  raw_response TEXT,
  processed_at DATETIME,
  UNIQUE(scan_id, position),
  FOREIGN KEY(scan_id) REFERENCES scans(id)
);

CREATE TABLE IF NOT EXISTS detections (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  scan_id INTEGER NOT NULL,
  image_id INTEGER NOT NULL,
  line_no INTEGER NOT NULL,
  raw_name TEXT NOT NULL,
  raw_line TEXT NOT NULL,
  context TEXT,
  quantity INTEGER NOT NULL CHECK (quantity >= 0),
  reported_certainty TEXT,
  matched_badge_id TEXT,
  confidence REAL NOT NULL,
  corrected_badge_id TEXT,
  verified INTEGER NOT NULL DEFAULT 0,
  candidates_json TEXT NOT NULL DEFAULT '[]',
  created_at DATETIME NOT NULL,
  CHECK (verified = 0 OR matched_badge_id IS NOT NULL OR corrected_badge_id IS NOT NULL),
  FOREIGN KEY(scan_id) REFERENCES scans(id),
  FOREIGN KEY(image_id) REFERENCES scan_images(id),
  FOREIGN KEY(matched_badge_id) REFERENCES badges(id),
  FOREIGN KEY(corrected_badge_id) REFERENCES badges(id)
);
CREATE INDEX IF NOT EXISTS idx_detections_scan ON detections(scan_id);

CREATE TABLE IF NOT EXISTS adjustments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  badge_id TEXT NOT NULL,
  scan_id INTEGER,
  quantity_change INTEGER NOT NULL,
  previous_quantity INTEGER NOT NULL,
  new_quantity INTEGER NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  FOREIGN KEY(badge_id) REFERENCES badges(id),
  FOREIGN KEY(scan_id) REFERENCES scans(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_adjustments_scan_badge ON adjustments(scan_id, badge_id) WHERE scan_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_adjustments_badge ON adjustments(badge_id, created_at);

CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  trace_id TEXT NOT NULL,
  scan_id INTEGER,
  timings_json TEXT NOT NULL,
  counts_json TEXT NOT NULL,
  created_at DATETIME NOT NULL,
  FOREIGN KEY(scan_id) REFERENCES scans(id)
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at DATETIME NOT NULL
);
`

	_, err := d.conn.Exec(schema)
	return err
}

// withTx runs fn inside a transaction. SQLite busy errors are reported as
// ErrConflict.
func (d *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return mapBusy(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return mapBusy(err)
	}
	return mapBusy(tx.Commit())
}

func mapBusy(err error) error {
	if err == nil {
		return nil
	}
	var be *BadgeError
	if errors.As(err, &be) {
		be.Err = mapBusy(be.Err)
		return be
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		if code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) && (se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func now() time.Time {
	return time.Now().UTC()
}

func (d *DB) InsertRun(ctx context.Context, traceID string, scanID int64, timings map[string]float64, counts map[string]int) error {
	timingsJSON, _ := json.Marshal(timings)
	countsJSON, _ := json.Marshal(counts)
	_, err := d.conn.ExecContext(ctx, `INSERT INTO runs (trace_id, scan_id, timings_json, counts_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		traceID, scanID, string(timingsJSON), string(countsJSON), now())
	return err
}

type RunRecord struct {
	ID          int64     `db:"id" json:"id"`
	TraceID     string    `db:"trace_id" json:"traceId"`
	ScanID      *int64    `db:"scan_id" json:"scanId"`
	TimingsJSON string    `db:"timings_json" json:"timings"`
	CountsJSON  string    `db:"counts_json" json:"counts"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

func (d *DB) ListRuns(ctx context.Context, scanID int64) ([]RunRecord, error) {
	var out []RunRecord
	err := d.conn.SelectContext(ctx, &out, `SELECT id, trace_id, scan_id, timings_json, counts_json, created_at FROM runs WHERE scan_id = ? ORDER BY id`, scanID)
	return out, err
}

func (d *DB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, key, value, now())
	return err
}

func (d *DB) GetMetadata(ctx context.Context, key string) (*string, error) {
	var value string
	err := d.conn.GetContext(ctx, &value, `SELECT value FROM metadata WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}
