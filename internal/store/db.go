package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB wraps the underlying *sql.DB plus the row-change event bus used by the
// Streaming Facade. Events are emitted only after a transaction commits,
// never from inside it, so that a concurrent reader on another connection
// can never observe an event for a row it cannot yet see.
type DB struct {
	conn *sql.DB

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// Event describes a committed change to a table.
type Event struct {
	Table string
	Op    string // "insert", "update", "delete"
	ID    string
}

// Open opens (creating if necessary) the sqlite database at path and runs
// any pending migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: opening db: %w", err)
	}
	conn.SetMaxOpenConns(1) // sqlite: single writer, serialize via conn pool
	db := &DB{conn: conn, subs: make(map[int]chan Event)}
	if err := db.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error { return db.conn.Close() }

// Conn exposes the underlying handle for packages that need direct query
// access not worth wrapping (e.g. ad-hoc reporting queries).
func (db *DB) Conn() *sql.DB { return db.conn }

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("store: creating migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: reading embedded migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var count int
		if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, name).Scan(&count); err != nil {
			return fmt.Errorf("store: checking migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}
		body, err := fs.ReadFile(migrationFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("store: reading migration %s: %w", name, err)
		}
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: beginning migration tx: %w", err)
		}
		for _, stmt := range splitStatements(string(body)) {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("store: applying migration %s: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: committing migration %s: %w", name, err)
		}
		slog.Info("applied migration", "version", name)
	}
	return nil
}

// splitStatements performs a naive semicolon split sufficient for the
// orchestrator's own migration files (no stored procedures, no semicolons
// inside string literals).
func splitStatements(body string) []string {
	return strings.Split(body, ";")
}

// Subscribe registers for row-change events. Callers must drain the
// returned channel; the bus drops events for subscribers that fall behind
// rather than block publishers.
func (db *DB) Subscribe() (<-chan Event, func()) {
	db.mu.Lock()
	id := db.next
	db.next++
	ch := make(chan Event, 64)
	db.subs[id] = ch
	db.mu.Unlock()

	cancel := func() {
		db.mu.Lock()
		delete(db.subs, id)
		db.mu.Unlock()
	}
	return ch, cancel
}

// publish broadcasts a committed change. Called only after a transaction
// has committed successfully.
func (db *DB) publish(ev Event) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id, ch := range db.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping row-change event for slow subscriber", "sub", id, "table", ev.Table)
		}
	}
}

// WithTx runs fn inside a transaction and, only if it commits successfully,
// publishes each of the events fn returns.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) ([]Event, error)) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	events, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, ev := range events {
		db.publish(ev)
	}
	return nil
}
