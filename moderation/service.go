/*
Package moderation implements the approval pipeline over pending items.

PURPOSE:
  Tasks, expenses and pending invoice changes flow through one inbox and
  one state machine. Approvals and rejections are transactional: the status
  flip, the audit entry and the metric event land together or not at all.

STATE MACHINE:
  pending/needs_approval -> approved | rejected
  Terminal states absorb repeats: approving an approved item is a noop.
  A conflicting transition (approve a rejected item) is a stale-state
  conflict, and the attempt itself is recorded in the audit trail with
  outcome=rejected.

ROLES:
  Admins moderate everything. Foremen moderate tasks and expenses only;
  pending invoice changes stay admin-only because they move money on a
  billable document.

BULK:
  One idempotency key guards the whole batch; a replay conflicts rather
  than re-running. Items are processed independently - one stale item does
  not poison the batch - and every item gets its own audit entry and
  mod.approve/mod.reject metric.

SEE ALSO:
  - store/sqlite/pending.go: Inbox projection
  - api/handlers_moderation.go: HTTP surface
*/
package moderation

import (
	"context"
	"fmt"

	"github.com/warp/crew-ledger/audit"
	"github.com/warp/crew-ledger/canonical"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/store/sqlite"
)

// Decision is the moderator's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) target() domain.ModerationStatus {
	if d == DecisionApprove {
		return domain.StatusApproved
	}
	return domain.StatusRejected
}

func (d Decision) action() string {
	if d == DecisionApprove {
		return "mod.approve"
	}
	return "mod.reject"
}

// Actor identifies the moderator for auditing and role checks.
type Actor struct {
	Name string
	Role domain.Role
}

// Service runs moderation against the store.
type Service struct {
	store *sqlite.Store
}

// NewService builds a moderation service.
func NewService(store *sqlite.Store) *Service {
	return &Service{store: store}
}

// Inbox returns one page of pending items plus the unpaged total.
func (s *Service) Inbox(ctx context.Context, filter sqlite.PendingFilter, page, limit int) ([]domain.PendingItem, int, error) {
	if filter.Kind != "" && !domain.ValidItemKind(filter.Kind) {
		return nil, 0, &domain.ValidationError{Field: "kind", Message: "unknown item kind"}
	}
	var items []domain.PendingItem
	var total int
	err := s.store.WithReadTx(ctx, func(sess *sqlite.Session) error {
		var err error
		items, total, err = sess.ListPendingItems(filter, page, limit)
		return err
	})
	return items, total, err
}

// Decide applies one verdict to one item. The returned outcome is applied
// or noop; a stale transition commits an audit entry with outcome=rejected
// and then surfaces as StaleStateError.
func (s *Service) Decide(ctx context.Context, actor Actor, dec Decision, kind domain.ItemKind, id int64, reason string) (audit.Outcome, error) {
	if !domain.ValidItemKind(kind) {
		return "", &domain.ValidationError{Field: "kind", Message: "unknown item kind"}
	}
	if err := checkRole(actor, kind); err != nil {
		return "", err
	}

	var outcome audit.Outcome
	var stale error
	err := s.store.WithTx(ctx, func(sess *sqlite.Session) error {
		out, staleErr, err := decideOne(sess, actor, dec, kind, id, reason)
		if err != nil {
			return err
		}
		outcome = out
		stale = staleErr
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, stale
}

// BulkItem addresses one item in a batch.
type BulkItem struct {
	Kind domain.ItemKind `json:"kind"`
	ID   int64           `json:"id"`
}

// BulkResult is the per-item verdict of a batch.
type BulkResult struct {
	Kind   domain.ItemKind `json:"kind"`
	ID     int64           `json:"id"`
	Status string          `json:"status"` // applied | noop | error
	Error  string          `json:"error,omitempty"`
}

// BulkOutcome summarizes a batch. OK+Failed always equals len(Results).
type BulkOutcome struct {
	Results []BulkResult `json:"results"`
	OK      int          `json:"ok"`
	Failed  int          `json:"failed"`
}

// Bulk applies one verdict to many items under a single idempotency key.
// A replayed key conflicts; partial success is expected and reported
// per item.
func (s *Service) Bulk(ctx context.Context, actor Actor, dec Decision, items []BulkItem, idemKey string) (BulkOutcome, error) {
	if idemKey == "" {
		return BulkOutcome{}, &domain.ValidationError{Field: "X-Idempotency-Key", Message: "required for bulk moderation"}
	}
	if len(items) == 0 {
		return BulkOutcome{}, &domain.ValidationError{Field: "items", Message: "empty batch"}
	}

	scopeHash, err := canonical.SHA256(map[string]any{
		"decision": string(dec),
		"items":    items,
	})
	if err != nil {
		return BulkOutcome{}, err
	}

	var out BulkOutcome
	err = s.store.WithTx(ctx, func(sess *sqlite.Session) error {
		if err := sess.RegisterIdempotencyKey(sqlite.IdempotencyRecord{
			Key: idemKey, ScopeHash: scopeHash, ResultKind: "moderation_bulk",
		}); err != nil {
			return err
		}

		for _, item := range items {
			res := BulkResult{Kind: item.Kind, ID: item.ID}
			switch {
			case !domain.ValidItemKind(item.Kind):
				res.Status = "error"
				res.Error = "validation_error"
			case checkRole(actor, item.Kind) != nil:
				res.Status = "error"
				res.Error = "forbidden_role"
			default:
				outcome, staleErr, err := decideOne(sess, actor, dec, item.Kind, item.ID, "")
				switch {
				case err != nil && domain.IsNotFound(err):
					res.Status = "error"
					res.Error = "not_found"
				case err != nil:
					return err
				case staleErr != nil:
					res.Status = "error"
					res.Error = "stale_state"
				default:
					res.Status = string(outcome) // applied | noop
				}
			}
			if res.Status == "error" {
				out.Failed++
				// decideOne records stale attempts itself; the pre-decide
				// error branches still owe their per-item entry and metric.
				if res.Error != "stale_state" {
					if err := recordSkipped(sess, actor, dec, item, res.Error); err != nil {
						return err
					}
				}
			} else {
				out.OK++
			}
			out.Results = append(out.Results, res)
		}

		// Batch summary entry. Also what satisfies the commit gate when
		// every item in the batch failed.
		entry, err := audit.New(actor.Name, dec.action()+".bulk", "moderation_bulk", nil,
			map[string]any{"items": items}, audit.OutcomeApplied,
			fmt.Sprintf("ok=%d failed=%d", out.OK, out.Failed))
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit(dec.action()+".bulk", map[string]any{
			"ok": out.OK, "failed": out.Failed, "total": len(items),
		})
		return nil
	})
	if err != nil {
		return BulkOutcome{}, err
	}
	return out, nil
}

// recordSkipped audits a bulk item that never reached the state machine
// (bad kind, role gate, missing row) so every item of a batch leaves a
// trail.
func recordSkipped(sess *sqlite.Session, actor Actor, dec Decision, item BulkItem, reason string) error {
	entry, err := audit.New(actor.Name, dec.action(), string(item.Kind), &item.ID,
		map[string]any{"decision": string(dec)}, audit.OutcomeRejected, reason)
	if err != nil {
		return err
	}
	if err := sess.AppendAudit(entry); err != nil {
		return err
	}
	sess.Emit(dec.action(), map[string]any{
		"kind":    string(item.Kind),
		"id":      item.ID,
		"outcome": "error",
		"reason":  reason,
	})
	return nil
}

// checkRole enforces the foreman restriction.
func checkRole(actor Actor, kind domain.ItemKind) error {
	switch actor.Role {
	case domain.RoleAdmin:
		return nil
	case domain.RoleForeman:
		if kind == domain.KindPendingChange {
			return fmt.Errorf("moderation: pending changes are admin-only: %w", domain.ErrForbiddenRole)
		}
		return nil
	default:
		return fmt.Errorf("moderation: role %q cannot moderate: %w", actor.Role, domain.ErrForbiddenRole)
	}
}

// decideOne runs the state machine for one item inside a session and
// records the audit entry and metric for the attempt. staleErr is set when
// the transition conflicts; err is reserved for missing rows and storage
// failures.
func decideOne(sess *sqlite.Session, actor Actor, dec Decision, kind domain.ItemKind, id int64, reason string) (outcome audit.Outcome, staleErr, err error) {
	prev, err := readStatus(sess, kind, id)
	if err != nil {
		return "", nil, err
	}

	want := dec.target()
	switch {
	case prev == want:
		outcome = audit.OutcomeNoop
	case prev.Terminal():
		outcome = audit.OutcomeRejected
		staleErr = &domain.StaleStateError{
			Kind: string(kind), ID: id,
			Current: string(prev), Wanted: string(want),
		}
	default:
		if _, err := writeStatus(sess, kind, id, want); err != nil {
			return "", nil, err
		}
		outcome = audit.OutcomeApplied
	}

	auditReason := reason
	if staleErr != nil && auditReason == "" {
		auditReason = "stale_state"
	}
	entry, err := audit.New(actor.Name, dec.action(), string(kind), &id,
		map[string]any{"decision": string(dec), "previous": string(prev)},
		outcome, auditReason)
	if err != nil {
		return "", nil, err
	}
	if err := sess.AppendAudit(entry); err != nil {
		return "", nil, err
	}
	sess.Emit(dec.action(), map[string]any{
		"kind":    string(kind),
		"id":      id,
		"outcome": string(outcome),
	})
	return outcome, staleErr, nil
}

func readStatus(sess *sqlite.Session, kind domain.ItemKind, id int64) (domain.ModerationStatus, error) {
	switch kind {
	case domain.KindTask:
		t, err := sess.GetTask(id)
		return t.Status, err
	case domain.KindExpense:
		e, err := sess.GetExpense(id)
		return e.Status, err
	default:
		return sess.GetPendingChangeStatus(id)
	}
}

func writeStatus(sess *sqlite.Session, kind domain.ItemKind, id int64, status domain.ModerationStatus) (domain.ModerationStatus, error) {
	switch kind {
	case domain.KindTask:
		return sess.SetTaskStatus(id, status)
	case domain.KindExpense:
		return sess.SetExpenseStatus(id, status)
	default:
		return sess.SetPendingChangeStatus(id, status)
	}
}
