/*
session.go - Transaction discipline and the audit/metric commit gate

PURPOSE:
  Session is the only handle domain code gets on the database. WithTx opens
  a read-write transaction under the store writer lock; WithReadTx opens a
  read-only one under the reader lock. Every row accessor in this package
  hangs off Session, so nothing can slip around the transaction.

COMMIT GATE:
  A session that executed any INSERT/UPDATE must also have appended at
  least one audit entry and queued at least one metric event, or commit is
  refused with domain.ErrAuditRequired. Queued metric events are flushed to
  the JSONL sink under the sink's tail lock spanning the SQL commit, so the
  metric line and the committed row become visible together.

SEE ALSO:
  - sqlite.go: Store, schema, helpers
  - audit.go: Session.AppendAudit
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/metrics"
)

// Session is one transaction's view of the store.
type Session struct {
	ctx      context.Context
	tx       *sql.Tx
	readonly bool

	mutated bool
	audits  int
	events  []metrics.Event
}

// WithTx runs fn inside a read-write transaction. Rolls back on error or
// on a violated commit gate; otherwise commits and flushes queued metric
// events to the sink.
func (s *Store) WithTx(ctx context.Context, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	sess := &Session{ctx: ctx, tx: tx}

	if err := fn(sess); err != nil {
		tx.Rollback()
		return err
	}

	if sess.mutated && (sess.audits == 0 || len(sess.events) == 0) {
		tx.Rollback()
		return domain.ErrAuditRequired
	}

	if s.sink != nil && len(sess.events) > 0 {
		s.sink.Lock()
		defer s.sink.Unlock()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	if s.sink != nil {
		for _, ev := range sess.events {
			s.sink.RecordLocked(ev.Kind, ev.Payload)
		}
	}
	return nil
}

// WithReadTx runs fn inside a read-only transaction. Mutating through it
// is a programming error and fails at Exec.
func (s *Store) WithReadTx(ctx context.Context, fn func(*Session) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("store: begin read tx: %w", err)
	}
	sess := &Session{ctx: ctx, tx: tx, readonly: true}

	if err := fn(sess); err != nil {
		tx.Rollback()
		return err
	}
	// Read-only: commit releases the snapshot, nothing to flush.
	return tx.Commit()
}

// Emit queues a metric event for flush at commit.
func (s *Session) Emit(kind string, payload map[string]any) {
	s.events = append(s.events, metrics.Event{Kind: kind, Payload: payload})
}

// exec runs a mutating statement under the per-statement budget.
func (s *Session) exec(query string, args ...any) (sql.Result, error) {
	if s.readonly {
		return nil, fmt.Errorf("store: write on read-only session")
	}
	ctx, cancel := context.WithTimeout(s.ctx, stmtTimeout)
	defer cancel()
	res, err := s.tx.ExecContext(ctx, query, args...)
	if err == nil {
		s.mutated = true
	}
	return res, err
}

// query runs a multi-row select. Queries ride the session context: a
// scoped timeout context would be cancelled before the caller scans.
func (s *Session) query(query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(s.ctx, query, args...)
}

// queryRow runs a single-row select.
func (s *Session) queryRow(query string, args ...any) *sql.Row {
	return s.tx.QueryRowContext(s.ctx, query, args...)
}
