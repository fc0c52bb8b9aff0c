/*
tasks.go - Priced task persistence and moderation transitions
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/crew-ledger/domain"
)

const taskColumns = "id, shift_id, rate_code, qty, amount, pricing_sha, worker, status, created_at"

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var qty, amount, created string
	var sha, worker sql.NullString
	err := row.Scan(&t.ID, &t.ShiftID, &t.RateCode, &qty, &amount, &sha, &worker, &t.Status, &created)
	if err != nil {
		return t, err
	}
	t.Qty = parseDecimal(qty)
	t.Amount = parseDecimal(amount)
	t.PricingSHA = sha.String
	t.Worker = worker.String
	t.CreatedAt = parseTime(created)
	return t, nil
}

// CreateTask inserts a priced task. Qty and amount are stored as decimal
// strings; the pricing sha pins the rules that produced the amount.
func (s *Session) CreateTask(t domain.Task) (domain.Task, error) {
	now := utcNow()
	res, err := s.exec(`
		INSERT INTO tasks (shift_id, rate_code, qty, amount, pricing_sha, worker, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ShiftID, t.RateCode, t.Qty.String(), t.Amount.String(),
		nullString(t.PricingSHA), nullString(t.Worker), t.Status, now)
	if err != nil {
		return t, fmt.Errorf("store: create task: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	t.CreatedAt = parseTime(now)
	return t, nil
}

// GetTask fetches one task by ID.
func (s *Session) GetTask(id int64) (domain.Task, error) {
	t, err := scanTask(s.queryRow(
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("store: task %d: %w", id, domain.ErrNotFound)
	}
	return t, err
}

// SetTaskStatus records a moderation transition and returns the previous
// status. The caller decides noop/stale semantics from it.
func (s *Session) SetTaskStatus(id int64, status domain.ModerationStatus) (domain.ModerationStatus, error) {
	var prev domain.ModerationStatus
	err := s.queryRow("SELECT status FROM tasks WHERE id = ?", id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: task %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if prev == status {
		return prev, nil
	}
	_, err = s.exec("UPDATE tasks SET status = ? WHERE id = ?", status, id)
	return prev, err
}

// ListApprovedTasksForClient returns approved tasks whose shift belongs to
// the client with creation inside [from, to). Feeds invoice build.
func (s *Session) ListApprovedTasksForClient(clientID int64, from, to time.Time) ([]domain.Task, error) {
	rows, err := s.query(`
		SELECT t.id, t.shift_id, t.rate_code, t.qty, t.amount, t.pricing_sha, t.worker, t.status, t.created_at
		FROM tasks t
		JOIN shifts sh ON sh.id = t.shift_id
		WHERE sh.client_id = ? AND t.status = 'approved'
		  AND t.created_at >= ? AND t.created_at < ?
		ORDER BY t.created_at, t.id`,
		clientID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListTasksByShift returns a shift's tasks in submission order.
func (s *Session) ListTasksByShift(shiftID int64) ([]domain.Task, error) {
	rows, err := s.query(
		"SELECT "+taskColumns+" FROM tasks WHERE shift_id = ? ORDER BY id", shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
