// Package eventstore is the durable, queryable, bounded append-only log of
// Events (spec.md §4.A). It is backed by a single-file SQLite database in
// WAL mode — the only pack repo with a real embedded-SQL storage layer is
// tolumebaanne-TailClip's hub/storage.go, whose DSN, duplicate-insert, and
// row-scanning idioms this package follows; schema migration wiring
// (golang-migrate + go:embed) is carried over from the teacher's
// pkg/database/client.go, retargeted at the sqlite3 driver.
package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver

	"github.com/homecore/ingress/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrDuplicateID is returned by Save when an Event with the same ID is
// already present. Callers MAY treat this as success (spec.md §4.A).
var ErrDuplicateID = errors.New("eventstore: duplicate id")

// Store is the durable append-only Event log.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the SQLite database at path, applies pending
// migrations, and enables WAL mode for concurrent readers.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	// SQLite only supports one writer at a time; a single open connection
	// avoids SQLITE_BUSY from the driver's own pool multiplexing writes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite3.WithInstance(db, &migratesqlite3.Config{})
	if err != nil {
		return fmt.Errorf("sqlite3 migrate driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return sourceDriver.Close()
}

// Close flushes and releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save appends event. A duplicate id is ignored (logged at debug) and
// reported as ErrDuplicateID so the caller can decide whether that matters;
// per spec.md §4.A the caller (C's handler) MAY treat it as success. A
// single inline retry absorbs a transient write error before surfacing it.
func (s *Store) Save(ctx context.Context, e models.Event) error {
	err := s.save(ctx, e)
	if err == nil || errors.Is(err, ErrDuplicateID) {
		return err
	}
	// One inline retry for transient write failures (spec.md §4.A).
	if err2 := s.save(ctx, e); err2 == nil || errors.Is(err2, ErrDuplicateID) {
		return err2
	}
	return fmt.Errorf("eventstore: save after retry: %w", err)
}

func (s *Store) save(ctx context.Context, e models.Event) error {
	value := e.Value
	if len(value) == 0 {
		value = []byte("{}")
	}
	metadata := e.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events
			(id, type, source, device_id, device_name, location_id, event_type, value, timestamp, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), string(e.Source), nullableString(e.DeviceID), nullableString(e.DeviceName),
		nullableString(e.LocationID), nullableString(e.EventType), string(value),
		e.Timestamp.UnixMilli(), string(metadata), createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		slog.Debug("eventstore: ignoring duplicate id", "id", e.ID)
		return ErrDuplicateID
	}
	return nil
}

// Query holds the filter/pagination parameters for Store.Query.
type Query struct {
	Types    []models.EventType
	Sources  []models.EventSource
	DeviceID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// Query returns events newest-first matching q, bounded to q.Limit (a zero
// or negative Limit defaults to 100).
func (s *Store) Query(ctx context.Context, q Query) ([]models.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	where := "1=1"
	args := []interface{}{}

	if len(q.Types) > 0 {
		where += " AND type IN (" + placeholders(len(q.Types)) + ")"
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if len(q.Sources) > 0 {
		where += " AND source IN (" + placeholders(len(q.Sources)) + ")"
		for _, src := range q.Sources {
			args = append(args, string(src))
		}
	}
	if q.DeviceID != "" {
		where += " AND device_id = ?"
		args = append(args, q.DeviceID)
	}
	if q.Since != nil {
		where += " AND timestamp >= ?"
		args = append(args, q.Since.UnixMilli())
	}
	if q.Until != nil {
		where += " AND timestamp <= ?"
		args = append(args, q.Until.UnixMilli())
	}

	query := fmt.Sprintf(
		`SELECT id, type, source, device_id, device_name, location_id, event_type, value, timestamp, metadata, created_at
		 FROM events WHERE %s ORDER BY timestamp DESC LIMIT ? OFFSET ?`, where)
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: rows: %w", err)
	}
	return out, nil
}

// CountSince returns the number of events with timestamp >= since.
func (s *Store) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE timestamp >= ?`, since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("eventstore: count: %w", err)
	}
	return n, nil
}

// EvictOlderThan deletes every event with timestamp < cutoff, in bounded
// batches so the retention sweep never holds a long transaction open
// against concurrent readers/writers (spec.md §4.A).
func (s *Store) EvictOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	const batchSize = 500
	total := 0
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (SELECT id FROM events WHERE timestamp < ? LIMIT ?)`,
			cutoff.UnixMilli(), batchSize)
		if err != nil {
			return total, fmt.Errorf("eventstore: evict: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("eventstore: evict rows affected: %w", err)
		}
		total += int(n)
		if n < batchSize {
			break
		}
	}
	return total, nil
}

func scanEvent(rows *sql.Rows) (models.Event, error) {
	var e models.Event
	var deviceID, deviceName, locationID, eventType sql.NullString
	var value, metadata string
	var tsMillis, createdAtSec int64
	var typ, source string

	if err := rows.Scan(&e.ID, &typ, &source, &deviceID, &deviceName, &locationID, &eventType,
		&value, &tsMillis, &metadata, &createdAtSec); err != nil {
		return e, err
	}

	e.Type = models.EventType(typ)
	e.Source = models.EventSource(source)
	e.DeviceID = deviceID.String
	e.DeviceName = deviceName.String
	e.LocationID = locationID.String
	e.EventType = eventType.String
	e.Value = json.RawMessage(value)
	e.Metadata = json.RawMessage(metadata)
	e.Timestamp = time.UnixMilli(tsMillis).UTC()
	e.CreatedAt = time.Unix(createdAtSec, 0).UTC()
	return e, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
