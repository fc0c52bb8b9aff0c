/*
Package audit defines the append-only audit trail model.

PURPOSE:
  One Entry per mutation attempt: actor, action, target, a SHA-256 of the
  canonical payload, and the outcome. Entries are written inside the same
  store transaction as the domain effect, so an external observer sees an
  entry iff the effect landed. Rows are never updated or deleted.

OUTCOMES:
  applied  - the mutation happened
  rejected - the mutation was denied (reason carries the code)
  noop     - the target was already in the requested state

SEE ALSO:
  - store/sqlite/audit.go: Persistence and queries
  - store/sqlite/session.go: Commit gate requiring an entry per mutation
*/
package audit

import (
	"time"

	"github.com/warp/crew-ledger/canonical"
)

// Outcome of an audited action.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
	OutcomeNoop     Outcome = "noop"
)

// Entry is one append-only audit record.
type Entry struct {
	ID          int64
	Actor       string
	Action      string
	TargetKind  string
	TargetID    *int64
	PayloadHash string
	Outcome     Outcome
	Reason      string
	RequestID   string
	TS          time.Time
}

// New builds an entry with the payload hashed in canonical form. A nil
// payload hashes the canonical empty object so the column is never blank.
func New(actor, action, targetKind string, targetID *int64, payload any, outcome Outcome, reason string) (Entry, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	hash, err := canonical.SHA256(payload)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Actor:       actor,
		Action:      action,
		TargetKind:  targetKind,
		TargetID:    targetID,
		PayloadHash: hash,
		Outcome:     outcome,
		Reason:      reason,
		TS:          time.Now().UTC(),
	}, nil
}
