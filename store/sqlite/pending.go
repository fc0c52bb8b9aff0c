/*
pending.go - Moderation inbox projection and pending invoice changes

PURPOSE:
  The inbox is a UNION over tasks, expenses and pending_changes projected
  into one PendingItem shape, ordered created_at DESC then id DESC for a
  stable page. Filtering by kind prunes branches of the union.
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/crew-ledger/domain"
)

// PendingFilter narrows the inbox. Zero values mean "any". Actor is a
// case-insensitive substring match; From/To bound created_at inclusively.
type PendingFilter struct {
	Kind   domain.ItemKind
	Status domain.ModerationStatus
	Actor  string
	From   time.Time
	To     time.Time
}

type inboxBranch struct {
	sql  string
	args []any
}

// conds builds the shared WHERE tail for one branch. actorExpr is the
// branch's actor column expression.
func (f PendingFilter) conds(alias, actorExpr string) (string, []any) {
	var sb strings.Builder
	var args []any
	switch f.Status {
	case "":
	case domain.StatusPending:
		// Expenses await moderation as needs_approval; both are the same
		// non-terminal state as far as the inbox is concerned.
		sb.WriteString(" AND " + alias + ".status IN (?, ?)")
		args = append(args, domain.StatusPending, domain.StatusNeedsApproval)
	default:
		sb.WriteString(" AND " + alias + ".status = ?")
		args = append(args, f.Status)
	}
	if f.Actor != "" {
		sb.WriteString(" AND LOWER(" + actorExpr + ") LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Actor)+"%")
	}
	if !f.From.IsZero() {
		sb.WriteString(" AND " + alias + ".created_at >= ?")
		args = append(args, fmtTime(f.From))
	}
	if !f.To.IsZero() {
		sb.WriteString(" AND " + alias + ".created_at <= ?")
		args = append(args, fmtTime(f.To))
	}
	return sb.String(), args
}

// inboxBranches returns the UNION branches the filter keeps. Each branch
// projects (id, kind, actor, summary, amount, currency, status, payload,
// created_at).
func inboxBranches(f PendingFilter) []inboxBranch {
	taskCond, taskArgs := f.conds("t", "COALESCE(u.name, t.worker, '')")
	task := inboxBranch{`
		SELECT t.id AS id, 'task' AS kind,
		       COALESCE(u.name, t.worker, '') AS actor,
		       t.rate_code AS summary,
		       t.amount AS amount, 'ILS' AS currency,
		       t.status AS status, '' AS payload,
		       t.created_at AS created_at
		FROM tasks t
		JOIN shifts sh ON sh.id = t.shift_id
		JOIN users u ON u.id = sh.user_id
		WHERE 1=1` + taskCond, taskArgs}

	expCond, expArgs := f.conds("e", "COALESCE(u.name, '')")
	expense := inboxBranch{`
		SELECT e.id, 'expense',
		       COALESCE(u.name, ''),
		       e.category,
		       e.amount, e.currency,
		       e.status, COALESCE(e.photo_ref, ''),
		       e.created_at
		FROM expenses e
		JOIN users u ON u.id = e.worker_id
		WHERE 1=1` + expCond, expArgs}

	chCond, chArgs := f.conds("p", "COALESCE(p.actor, '')")
	change := inboxBranch{`
		SELECT p.id, 'pending_change',
		       COALESCE(p.actor, ''),
		       COALESCE(p.summary, p.change_kind),
		       NULL, 'ILS',
		       p.status, COALESCE(p.payload_json, ''),
		       p.created_at
		FROM pending_changes p
		WHERE 1=1` + chCond, chArgs}

	switch f.Kind {
	case domain.KindTask:
		return []inboxBranch{task}
	case domain.KindExpense:
		return []inboxBranch{expense}
	case domain.KindPendingChange:
		return []inboxBranch{change}
	default:
		return []inboxBranch{task, expense, change}
	}
}

// ListPendingItems returns one inbox page plus the unpaged total for the
// same filter. Ordering is created_at DESC, id DESC.
func (s *Session) ListPendingItems(f PendingFilter, page, limit int) ([]domain.PendingItem, int, error) {
	branches := inboxBranches(f)
	union := branches[0].sql
	args := append([]any{}, branches[0].args...)
	for _, b := range branches[1:] {
		union += " UNION ALL " + b.sql
		args = append(args, b.args...)
	}

	var total int
	if err := s.queryRow(
		"SELECT COUNT(*) FROM ("+union+")", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count pending: %w", err)
	}

	pageArgs := append(append([]any{}, args...), limit, (page-1)*limit)
	rows, err := s.query(
		"SELECT * FROM ("+union+") ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list pending: %w", err)
	}
	defer rows.Close()

	var items []domain.PendingItem
	for rows.Next() {
		var it domain.PendingItem
		var amount sql.NullString
		var created string
		if err := rows.Scan(&it.ID, &it.Kind, &it.ActorName, &it.Summary,
			&amount, &it.Currency, &it.Status, &it.PayloadPreview, &created); err != nil {
			return nil, 0, err
		}
		if amount.Valid {
			d := parseDecimal(amount.String)
			it.Amount = &d
		}
		it.CreatedAt = parseTime(created)
		items = append(items, it)
	}
	return items, total, rows.Err()
}

// =============================================================================
// PENDING INVOICE CHANGES
// =============================================================================

// CreatePendingChange queues an invoice-affecting change for moderation.
func (s *Session) CreatePendingChange(invoiceID *int64, changeKind, summary, payloadJSON, actor string) (int64, error) {
	res, err := s.exec(`
		INSERT INTO pending_changes (invoice_id, change_kind, summary, payload_json, actor, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
		nullInt(invoiceID), changeKind, nullString(summary), nullString(payloadJSON),
		nullString(actor), utcNow())
	if err != nil {
		return 0, fmt.Errorf("store: create pending change: %w", err)
	}
	return res.LastInsertId()
}

// GetPendingChangeStatus fetches a pending change's current status.
func (s *Session) GetPendingChangeStatus(id int64) (domain.ModerationStatus, error) {
	var status domain.ModerationStatus
	err := s.queryRow("SELECT status FROM pending_changes WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: pending change %d: %w", id, domain.ErrNotFound)
	}
	return status, err
}

// SetPendingChangeStatus records a moderation transition and returns the
// previous status.
func (s *Session) SetPendingChangeStatus(id int64, status domain.ModerationStatus) (domain.ModerationStatus, error) {
	prev, err := s.GetPendingChangeStatus(id)
	if err != nil {
		return "", err
	}
	if prev == status {
		return prev, nil
	}
	_, err = s.exec("UPDATE pending_changes SET status = ? WHERE id = ?", status, id)
	return prev, err
}
