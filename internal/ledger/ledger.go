// Package ledger implements the durable Event Ledger (C1, spec.md §4.1): a
// local single-file embedded SQL store keyed by event_id, serving both
// retry/idempotency and retention pruning. Schema and query shape follow
// the teacher's internal/data package (a database/sql DBTX wrapper over a
// driver-agnostic *sql.DB), with the driver swapped from lib/pq to
// mattn/go-sqlite3 because spec.md requires a local embedded file, not a
// network database server.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsFS exposes the embedded migration set to cmd/migrate, which
// needs direct access for -down/-steps rather than the auto-up Open does.
var MigrationsFS = migrationsFS

// Row is a single durable record: it exists iff the clip has been
// durably uploaded to remote_path (spec.md §3 invariant).
type Row struct {
	EventID    string
	EventType  string
	CameraID   string
	StartTS    time.Time
	EndTS      time.Time
	RemotePath string
	UploadedAt time.Time
}

// Ledger is the durable event record required by §4.1. Every method is
// atomic; Put is idempotent on EventID (re-insert replaces, newest
// RemotePath wins).
type Ledger interface {
	Has(ctx context.Context, eventID string) (bool, error)
	Put(ctx context.Context, row Row) error
	Delete(ctx context.Context, eventID string) error
	IterOlderThan(ctx context.Context, cutoff time.Time) ([]Row, error)
	AllIDsInWindow(ctx context.Context, from, to time.Time) (map[string]struct{}, error)
	Close() error
}

// OnFatal is invoked once write retries are exhausted, per spec.md §4.1:
// "transient write errors are retried with bounded backoff, then escalated
// to the Supervisor."
type OnFatal func(err error)

// SQLiteLedger is the sqlite-backed Ledger implementation.
type SQLiteLedger struct {
	db *sql.DB

	// writeMu serializes all writes onto a single logical writer, per
	// spec.md §4.1 ("all writes serialized through a single writer;
	// readers may run concurrently"). Reads do not take this lock, but
	// the pool holds a single connection (see Open), so a read waits for
	// that connection while a write statement is using it.
	writeMu sync.Mutex

	onFatal OnFatal
}

// Open opens (creating if necessary) the sqlite file at path, applies
// pending migrations, and returns a ready Ledger. Failure to open the file
// is fatal per spec.md §4.1.
func Open(path string, onFatal OnFatal) (*SQLiteLedger, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping %s: %w", path, err)
	}
	// A single physical connection avoids "database is locked" errors
	// under mattn/go-sqlite3; reads and writes take turns on it, so no
	// read runs at the same moment as a write statement.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate %s: %w", path, err)
	}

	if onFatal == nil {
		onFatal = func(err error) { log.Printf("[ERROR] Ledger: unrecoverable: %v", err) }
	}

	return &SQLiteLedger{db: db, onFatal: onFatal}, nil
}

func migrateUp(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) Has(ctx context.Context, eventID string) (bool, error) {
	var exists int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, eventID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: has(%s): %w", eventID, err)
	}
	return true, nil
}

// Put is idempotent on EventID: an INSERT ... ON CONFLICT upsert, so the
// newest RemotePath always wins (spec.md §4.1).
func (l *SQLiteLedger) Put(ctx context.Context, row Row) error {
	const q = `
		INSERT INTO events (id, type, camera_id, start_ts, end_ts, remote_path, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			camera_id = excluded.camera_id,
			start_ts = excluded.start_ts,
			end_ts = excluded.end_ts,
			remote_path = excluded.remote_path,
			uploaded_at = excluded.uploaded_at`

	return l.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := l.db.ExecContext(ctx, q,
			row.EventID, row.EventType, row.CameraID,
			row.StartTS.Unix(), row.EndTS.Unix(), row.RemotePath, row.UploadedAt.Unix())
		return err
	})
}

func (l *SQLiteLedger) Delete(ctx context.Context, eventID string) error {
	return l.writeWithRetry(ctx, func(ctx context.Context) error {
		_, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, eventID)
		return err
	})
}

// IterOlderThan returns every row with end_ts < cutoff, ordered oldest
// first so the Purger makes steady forward progress across passes.
func (l *SQLiteLedger) IterOlderThan(ctx context.Context, cutoff time.Time) ([]Row, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, type, camera_id, start_ts, end_ts, remote_path, uploaded_at
		 FROM events WHERE end_ts < ? ORDER BY end_ts ASC`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("ledger: iter_older_than: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var start, end, uploaded int64
		if err := rows.Scan(&r.EventID, &r.EventType, &r.CameraID, &start, &end, &r.RemotePath, &uploaded); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		r.StartTS = time.Unix(start, 0).UTC()
		r.EndTS = time.Unix(end, 0).UTC()
		r.UploadedAt = time.Unix(uploaded, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllIDsInWindow returns every event_id with end_ts in [from, to], for the
// reconciler's diff against the NVR's history.
func (l *SQLiteLedger) AllIDsInWindow(ctx context.Context, from, to time.Time) (map[string]struct{}, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id FROM events WHERE end_ts >= ? AND end_ts <= ?`, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("ledger: all_ids_in_window: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// writeWithRetry serializes op behind writeMu and retries transient
// failures with bounded backoff before escalating to the Supervisor,
// per spec.md §4.1.
func (l *SQLiteLedger) writeWithRetry(ctx context.Context, op func(context.Context) error) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	backoff := 50 * time.Millisecond
	const maxAttempts = 5
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	l.onFatal(fmt.Errorf("ledger: write failed after %d attempts: %w", maxAttempts, lastErr))
	return lastErr
}
