/*
Package sqlite provides the SQLite-backed store for the work ledger.

PURPOSE:
  Single transactional store behind every domain operation. The same
  patterns apply to PostgreSQL in production - only dialect differences.

SESSIONS:
  All access goes through WithTx (read-write) or WithReadTx (read-only).
  A read-write Session tracks a mutation flag, the number of audit entries
  appended, and a queue of metric events. Commit is refused for a mutating
  session that appended no audit entry or queued no metric event - every
  domain write is audited and measured, enforced at the store layer.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE ever touches audit_entries or invoice_versions.
  - Domain rows are soft-deactivated; destructive intent is a status change.

MIGRATIONS:
  Forward-only, numbered; schema_migrations records the head revision.
  Never edit a shipped revision - append a new one.

WAL MODE:
  The database opens with WAL and foreign keys on:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

KEY TABLES:
  users / auth_credentials / refresh_tokens       identity
  clients / shifts / tasks / expenses             submitted work
  pending_changes                                 invoice-edit inbox items
  idempotency_keys                                at-most-once registry
  invoices (+items/preview_tokens/suggestions/versions)
  audit_entries                                   append-only trail
  bot_commands / bot_menu_config                  bot menu, optimistic lock

SEE ALSO:
  - session.go: Transaction discipline and the commit gate
  - moderation/, invoice/: Domain cores driving these tables
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/crew-ledger/metrics"
)

// stmtTimeout is the per-SQL-statement budget.
const stmtTimeout = 5 * time.Second

// Store wraps the SQLite database and the metric sink flushed at commit.
type Store struct {
	db   *sql.DB
	path string
	sink *metrics.Sink

	// mu serializes writers and lets backup/restore stop them entirely.
	mu sync.RWMutex
}

// New opens (or creates) the database at path and migrates it to head.
// Use ":memory:" for tests. sink may be nil (tests that don't assert
// on metrics).
func New(path string, sink *metrics.Sink) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, path: path, sink: sink}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func dsn(path string) string {
	return path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// Path returns the database file path (backup needs it).
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordMetric emits a read-path metric event straight to the sink,
// outside any session. No-op without a sink.
func (s *Store) RecordMetric(kind string, payload map[string]any) {
	if s.sink == nil {
		return
	}
	_ = s.sink.Record(kind, payload)
}

// =============================================================================
// MIGRATIONS
// =============================================================================

// migrations are forward-only; index+1 is the revision number.
var migrations = []string{
	// rev 1: full initial schema
	`
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		telegram_id INTEGER UNIQUE,
		role TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		daily_rate TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_credentials (
		user_id INTEGER PRIMARY KEY REFERENCES users(id),
		username TEXT UNIQUE,
		password_hash TEXT,
		pin_hash TEXT,
		last_login TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		jti TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id),
		expires_at TEXT NOT NULL,
		revoked_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id);

	CREATE TABLE IF NOT EXISTS clients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		contact TEXT,
		default_pricing_rule TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS shifts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		client_id INTEGER REFERENCES clients(id),
		work_address TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		created_at TEXT NOT NULL,
		ended_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_shifts_user ON shifts(user_id);
	-- One open shift per worker.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_shifts_one_open
		ON shifts(user_id) WHERE status = 'open';

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		shift_id INTEGER NOT NULL REFERENCES shifts(id),
		rate_code TEXT NOT NULL,
		qty TEXT NOT NULL,
		amount TEXT NOT NULL,
		pricing_sha TEXT,
		worker TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_shift ON tasks(shift_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at DESC);

	CREATE TABLE IF NOT EXISTS expenses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id INTEGER NOT NULL REFERENCES users(id),
		shift_id INTEGER REFERENCES shifts(id),
		category TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'ILS',
		photo_ref TEXT,
		ocr_status TEXT NOT NULL DEFAULT 'off',
		status TEXT NOT NULL DEFAULT 'needs_approval',
		expense_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_expenses_worker ON expenses(worker_id);
	CREATE INDEX IF NOT EXISTS idx_expenses_status_created ON expenses(status, created_at DESC);

	CREATE TABLE IF NOT EXISTS pending_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_id INTEGER REFERENCES invoices(id),
		change_kind TEXT NOT NULL,
		summary TEXT,
		payload_json TEXT,
		actor TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_changes_status ON pending_changes(status, created_at DESC);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		scope_hash TEXT NOT NULL,
		result_kind TEXT,
		result_id INTEGER,
		status TEXT NOT NULL DEFAULT 'applied',
		created_at TEXT NOT NULL
	);
	-- Diagnostics: find every key recorded for one payload shape.
	CREATE INDEX IF NOT EXISTS idx_idempotency_scope ON idempotency_keys(scope_hash);

	CREATE TABLE IF NOT EXISTS invoices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id INTEGER NOT NULL REFERENCES clients(id),
		period_from TEXT NOT NULL,
		period_to TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'ILS',
		subtotal TEXT NOT NULL DEFAULT '0',
		tax TEXT NOT NULL DEFAULT '0',
		total TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'draft',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_scope
		ON invoices(client_id, period_from, period_to);
	CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);

	CREATE TABLE IF NOT EXISTS invoice_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_id INTEGER NOT NULL REFERENCES invoices(id),
		item_type TEXT NOT NULL,
		description TEXT,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		amount TEXT NOT NULL,
		worker TEXT,
		site TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_invoice_items_invoice ON invoice_items(invoice_id);

	CREATE TABLE IF NOT EXISTS invoice_preview_tokens (
		token_hash TEXT PRIMARY KEY,
		invoice_id INTEGER NOT NULL REFERENCES invoices(id),
		issued_at TEXT NOT NULL,
		used_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_preview_tokens_invoice ON invoice_preview_tokens(invoice_id);

	CREATE TABLE IF NOT EXISTS suggestions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_id INTEGER NOT NULL REFERENCES invoices(id),
		kind TEXT NOT NULL,
		payload_json TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_suggestions_invoice ON suggestions(invoice_id, status);

	CREATE TABLE IF NOT EXISTS invoice_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_id INTEGER NOT NULL REFERENCES invoices(id),
		version INTEGER NOT NULL,
		diff_json TEXT NOT NULL,
		sha TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(invoice_id, version)
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		target_kind TEXT NOT NULL,
		target_id INTEGER,
		payload_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		request_id TEXT,
		ts TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_entries(target_kind, target_id);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor);

	CREATE TABLE IF NOT EXISTS bot_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL,
		command_key TEXT NOT NULL,
		telegram_command TEXT NOT NULL,
		label TEXT,
		description TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		is_core INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		command_type TEXT,
		UNIQUE(role, command_key)
	);

	CREATE TABLE IF NOT EXISTS bot_menu_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL DEFAULT 1,
		last_updated_at TEXT,
		last_updated_by TEXT,
		last_applied_at TEXT,
		last_applied_by TEXT
	);
	INSERT OR IGNORE INTO bot_menu_config (id, version) VALUES (1, 1);
	`,
}

// Migrate applies every revision beyond the recorded head.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return err
	}

	var head sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM schema_migrations").Scan(&head); err != nil {
		return err
	}

	for i, schema := range migrations {
		rev := int64(i + 1)
		if head.Valid && rev <= head.Int64 {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", rev, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			rev, utcNow()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", rev, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the current migration head.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	var head sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&head)
	return head.Int64, err
}

// =============================================================================
// BACKUP COORDINATION
// =============================================================================

// HoldWrites runs fn with the writer lock held. Backup and restore use it
// to get a quiescent database file.
func (s *Store) HoldWrites(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// CheckpointWAL folds the write-ahead log into the main file so a plain
// file copy is complete. Caller must hold writes.
func (s *Store) CheckpointWAL(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Reopen swaps the live connection after restore replaced the file on
// disk. Caller must hold writes.
func (s *Store) Reopen() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", dsn(s.path))
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
