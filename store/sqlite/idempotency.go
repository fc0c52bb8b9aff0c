/*
idempotency.go - At-most-once key registry

PURPOSE:
  One row per accepted mutation key. scope_hash is the SHA-256 of the
  canonical request payload; result_kind/result_id point at the created
  resource so a replay can return the original result instead of failing.
  Registration rides the same transaction as the mutation, so the key
  exists iff the effect landed.
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/crew-ledger/domain"
)

// IdempotencyRecord is one registered key.
type IdempotencyRecord struct {
	Key        string
	ScopeHash  string
	ResultKind string
	ResultID   *int64
}

// GetIdempotencyKey returns the record for a key, or ErrNotFound.
func (s *Session) GetIdempotencyKey(key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var kind sql.NullString
	var id sql.NullInt64
	err := s.queryRow(
		"SELECT key, scope_hash, result_kind, result_id FROM idempotency_keys WHERE key = ?",
		key).Scan(&rec.Key, &rec.ScopeHash, &kind, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("store: idempotency key: %w", domain.ErrNotFound)
	}
	if err != nil {
		return rec, err
	}
	rec.ResultKind = kind.String
	rec.ResultID = intPtr(id)
	return rec, nil
}

// RegisterIdempotencyKey claims a key for this mutation. A concurrent or
// earlier claim surfaces as DuplicateKeyError carrying the stored scope
// hash.
func (s *Session) RegisterIdempotencyKey(rec IdempotencyRecord) error {
	_, err := s.exec(`
		INSERT INTO idempotency_keys (key, scope_hash, result_kind, result_id, status, created_at)
		VALUES (?, ?, ?, ?, 'applied', ?)`,
		rec.Key, rec.ScopeHash, nullString(rec.ResultKind), nullInt(rec.ResultID), utcNow())
	if isUniqueConstraintError(err) {
		existing, lookupErr := s.GetIdempotencyKey(rec.Key)
		if lookupErr != nil {
			return &domain.DuplicateKeyError{Key: rec.Key}
		}
		return &domain.DuplicateKeyError{Key: rec.Key, ScopeHash: existing.ScopeHash}
	}
	return err
}
