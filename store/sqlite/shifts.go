/*
shifts.go - Shift persistence and the one-open-shift guard
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/crew-ledger/domain"
)

const shiftColumns = "id, user_id, client_id, work_address, status, created_at, ended_at"

func scanShift(row interface{ Scan(...any) error }) (domain.Shift, error) {
	var sh domain.Shift
	var clientID sql.NullInt64
	var addr, ended sql.NullString
	var created string
	err := row.Scan(&sh.ID, &sh.UserID, &clientID, &addr, &sh.Status, &created, &ended)
	if err != nil {
		return sh, err
	}
	sh.ClientID = intPtr(clientID)
	sh.WorkAddress = addr.String
	sh.CreatedAt = parseTime(created)
	sh.EndedAt = parseTimePtr(ended)
	return sh, nil
}

// StartShift opens a shift for the worker. The partial unique index turns a
// second open shift into a stale-state conflict.
func (s *Session) StartShift(sh domain.Shift) (domain.Shift, error) {
	now := utcNow()
	res, err := s.exec(`
		INSERT INTO shifts (user_id, client_id, work_address, status, created_at)
		VALUES (?, ?, ?, 'open', ?)`,
		sh.UserID, nullInt(sh.ClientID), nullString(sh.WorkAddress), now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return sh, &domain.StaleStateError{
				Kind: "shift", ID: sh.UserID,
				Current: "open shift exists", Wanted: "no open shift",
			}
		}
		return sh, fmt.Errorf("store: start shift: %w", err)
	}
	sh.ID, _ = res.LastInsertId()
	sh.Status = domain.ShiftOpen
	sh.CreatedAt = parseTime(now)
	return sh, nil
}

// GetShift fetches one shift by ID.
func (s *Session) GetShift(id int64) (domain.Shift, error) {
	sh, err := scanShift(s.queryRow(
		"SELECT "+shiftColumns+" FROM shifts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return sh, fmt.Errorf("store: shift %d: %w", id, domain.ErrNotFound)
	}
	return sh, err
}

// GetOpenShift returns the worker's open shift, if any.
func (s *Session) GetOpenShift(userID int64) (domain.Shift, error) {
	sh, err := scanShift(s.queryRow(
		"SELECT "+shiftColumns+" FROM shifts WHERE user_id = ? AND status = 'open'", userID))
	if errors.Is(err, sql.ErrNoRows) {
		return sh, fmt.Errorf("store: no open shift for user %d: %w", userID, domain.ErrNotFound)
	}
	return sh, err
}

// EndShift closes an open shift at endedAt. Closing an already-closed
// shift is a stale transition.
func (s *Session) EndShift(id int64, endedAt time.Time) (domain.Shift, error) {
	sh, err := s.GetShift(id)
	if err != nil {
		return sh, err
	}
	if sh.Status != domain.ShiftOpen {
		return sh, &domain.StaleStateError{
			Kind: "shift", ID: id,
			Current: string(sh.Status), Wanted: string(domain.ShiftOpen),
		}
	}
	if endedAt.Before(sh.CreatedAt) {
		return sh, &domain.ValidationError{Field: "ended_at", Message: "before shift start"}
	}
	ended := fmtTime(endedAt)
	if _, err := s.exec(
		"UPDATE shifts SET status = 'closed', ended_at = ? WHERE id = ?", ended, id); err != nil {
		return sh, fmt.Errorf("store: end shift: %w", err)
	}
	sh.Status = domain.ShiftClosed
	t := parseTime(ended)
	sh.EndedAt = &t
	return sh, nil
}

// ListShiftsByUser returns the worker's shifts, newest first.
func (s *Session) ListShiftsByUser(userID int64, limit int) ([]domain.Shift, error) {
	rows, err := s.query(
		"SELECT "+shiftColumns+" FROM shifts WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shifts []domain.Shift
	for rows.Next() {
		sh, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, sh)
	}
	return shifts, rows.Err()
}
