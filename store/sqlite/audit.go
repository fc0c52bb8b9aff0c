/*
audit.go - Append-only audit trail persistence

Entries ride the mutating transaction: AppendAudit counts toward the
session commit gate, and no UPDATE or DELETE exists for this table.
*/
package sqlite

import (
	"database/sql"

	"github.com/warp/crew-ledger/audit"
)

// AppendAudit writes one audit entry inside the current transaction.
func (s *Session) AppendAudit(e audit.Entry) error {
	_, err := s.exec(`
		INSERT INTO audit_entries (actor, action, target_kind, target_id, payload_hash, outcome, reason, request_id, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Actor, e.Action, e.TargetKind, nullInt(e.TargetID), e.PayloadHash,
		e.Outcome, nullString(e.Reason), nullString(e.RequestID), fmtTime(e.TS))
	if err == nil {
		s.audits++
	}
	return err
}

const auditColumns = "id, actor, action, target_kind, target_id, payload_hash, outcome, reason, request_id, ts"

func scanAudit(rows *sql.Rows) (audit.Entry, error) {
	var e audit.Entry
	var targetID sql.NullInt64
	var reason, requestID sql.NullString
	var ts string
	err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.TargetKind, &targetID,
		&e.PayloadHash, &e.Outcome, &reason, &requestID, &ts)
	if err != nil {
		return e, err
	}
	e.TargetID = intPtr(targetID)
	e.Reason = reason.String
	e.RequestID = requestID.String
	e.TS = parseTime(ts)
	return e, nil
}

// AuditByTarget returns the trail for one record, oldest first.
func (s *Session) AuditByTarget(targetKind string, targetID int64) ([]audit.Entry, error) {
	rows, err := s.query(
		"SELECT "+auditColumns+" FROM audit_entries WHERE target_kind = ? AND target_id = ? ORDER BY id",
		targetKind, targetID)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

// AuditByActor returns an actor's recent actions, newest first.
func (s *Session) AuditByActor(actor string, limit int) ([]audit.Entry, error) {
	rows, err := s.query(
		"SELECT "+auditColumns+" FROM audit_entries WHERE actor = ? ORDER BY id DESC LIMIT ?",
		actor, limit)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

func collectAudit(rows *sql.Rows) ([]audit.Entry, error) {
	defer rows.Close()
	var entries []audit.Entry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
