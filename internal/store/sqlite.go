package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db      *sqlx.DB
	profile string
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations. Events
// recorded through this store are tagged with the given profile.
func NewSQLiteStore(dbPath, profile string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, profile: profile}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// RecordEvent inserts one auth event. A missing ID or timestamp is filled in.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Profile == "" {
		event.Profile = s.profile
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_events (id, profile, provider, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Profile, event.Provider, string(event.Kind),
		event.Detail, event.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording auth event: %w", err)
	}

	return nil
}

// GetEvents retrieves events matching the provided filter options,
// newest first.
func (s *SQLiteStore) GetEvents(
	ctx context.Context,
	opts EventFilter,
) ([]Event, error) {
	var conditions []string
	var args []interface{}

	if opts.Provider != nil {
		conditions = append(conditions, "provider = ?")
		args = append(args, *opts.Provider)
	}
	if opts.Kind != nil {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(*opts.Kind))
	}
	if opts.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.Since.UTC())
	}

	query := "SELECT * FROM auth_events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying auth events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// PruneEvents deletes events created before the given instant and returns
// how many rows were removed.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM auth_events WHERE created_at < ?", before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning auth events: %w", err)
	}
	return res.RowsAffected()
}

// Recorder returns an adapter satisfying the auth engine's event-recording
// contract. Recording failures are logged and swallowed; diagnostics must
// never break the auth path.
func (s *SQLiteStore) Recorder() *EventRecorder {
	return &EventRecorder{store: s}
}

// EventRecorder adapts a SQLiteStore to the engine's Recorder interface.
type EventRecorder struct {
	store *SQLiteStore
}

// Record inserts one event, best-effort.
func (r *EventRecorder) Record(ctx context.Context, provider string, kind EventKind, detail string) {
	err := r.store.RecordEvent(ctx, Event{
		Provider: provider,
		Kind:     kind,
		Detail:   detail,
	})
	if err != nil {
		slog.Warn("recording auth event failed",
			"provider", provider, "kind", string(kind), "error", err)
	}
}

// scanEvent scans an event row from a sqlx.Rows result set.
func scanEvent(rows *sqlx.Rows) (Event, error) {
	var (
		event     Event
		kind      string
		createdAt time.Time
	)

	err := rows.Scan(
		&event.ID, &event.Profile, &event.Provider, &kind,
		&event.Detail, &createdAt,
	)
	if err != nil {
		return Event{}, fmt.Errorf("scanning auth event row: %w", err)
	}

	event.Kind = EventKind(kind)
	event.CreatedAt = createdAt

	return event, nil
}
