/*
expenses.go - Expense persistence, moderation transitions and export queries
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

const expenseColumns = "id, worker_id, shift_id, category, amount, currency, photo_ref, ocr_status, status, expense_date, created_at"

func scanExpense(row interface{ Scan(...any) error }) (domain.Expense, error) {
	var e domain.Expense
	var shiftID sql.NullInt64
	var photo sql.NullString
	var amount, date, created string
	err := row.Scan(&e.ID, &e.WorkerID, &shiftID, &e.Category, &amount, &e.Currency,
		&photo, &e.OCRStatus, &e.Status, &date, &created)
	if err != nil {
		return e, err
	}
	e.ShiftID = intPtr(shiftID)
	e.Amount = parseDecimal(amount)
	e.PhotoRef = photo.String
	e.Date = parseTime(date)
	e.CreatedAt = parseTime(created)
	return e, nil
}

// CreateExpense inserts an expense. Photo-threshold policy is the domain
// layer's job; the store only persists.
func (s *Session) CreateExpense(e domain.Expense) (domain.Expense, error) {
	now := utcNow()
	res, err := s.exec(`
		INSERT INTO expenses (worker_id, shift_id, category, amount, currency, photo_ref, ocr_status, status, expense_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WorkerID, nullInt(e.ShiftID), e.Category, e.Amount.String(), e.Currency,
		nullString(e.PhotoRef), e.OCRStatus, e.Status, fmtTime(e.Date), now)
	if err != nil {
		return e, fmt.Errorf("store: create expense: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	e.CreatedAt = parseTime(now)
	return e, nil
}

// GetExpense fetches one expense by ID.
func (s *Session) GetExpense(id int64) (domain.Expense, error) {
	e, err := scanExpense(s.queryRow(
		"SELECT "+expenseColumns+" FROM expenses WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("store: expense %d: %w", id, domain.ErrNotFound)
	}
	return e, err
}

// SetExpenseStatus records a moderation transition and returns the previous
// status.
func (s *Session) SetExpenseStatus(id int64, status domain.ModerationStatus) (domain.ModerationStatus, error) {
	var prev domain.ModerationStatus
	err := s.queryRow("SELECT status FROM expenses WHERE id = ?", id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: expense %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if prev == status {
		return prev, nil
	}
	_, err = s.exec("UPDATE expenses SET status = ? WHERE id = ?", status, id)
	return prev, err
}

// ListApprovedExpensesForClient returns approved expenses tied to the
// client's shifts with expense dates inside [from, to). Feeds invoice build.
func (s *Session) ListApprovedExpensesForClient(clientID int64, from, to time.Time) ([]domain.Expense, error) {
	rows, err := s.query(`
		SELECT e.id, e.worker_id, e.shift_id, e.category, e.amount, e.currency,
		       e.photo_ref, e.ocr_status, e.status, e.expense_date, e.created_at
		FROM expenses e
		JOIN shifts sh ON sh.id = e.shift_id
		WHERE sh.client_id = ? AND e.status = 'approved'
		  AND e.expense_date >= ? AND e.expense_date < ?
		ORDER BY e.expense_date, e.id`,
		clientID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []domain.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// ExpenseFilter narrows export queries. Zero values mean "any".
type ExpenseFilter struct {
	WorkerID int64
	Category string
	Status   domain.ModerationStatus
	From     time.Time
	To       time.Time
}

func (f ExpenseFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.WorkerID != 0 {
		conds = append(conds, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if !f.From.IsZero() {
		conds = append(conds, "expense_date >= ?")
		args = append(args, fmtTime(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "expense_date < ?")
		args = append(args, fmtTime(f.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// CountExpenses counts the rows a filter matches. Exports check this
// against the row cap before streaming.
func (s *Session) CountExpenses(f ExpenseFilter) (int, error) {
	where, args := f.where()
	var n int
	err := s.queryRow("SELECT COUNT(*) FROM expenses"+where, args...).Scan(&n)
	return n, err
}

// ListExpenses returns filtered expenses in stable export order.
func (s *Session) ListExpenses(f ExpenseFilter) ([]domain.Expense, error) {
	where, args := f.where()
	rows, err := s.query(
		"SELECT "+expenseColumns+" FROM expenses"+where+" ORDER BY expense_date, id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []domain.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// ListExpensesByWorkerPeriod returns a worker's expenses inside [from, to)
// for the period report.
func (s *Session) ListExpensesByWorkerPeriod(workerID int64, from, to time.Time) ([]domain.Expense, error) {
	return s.ListExpenses(ExpenseFilter{WorkerID: workerID, From: from, To: to})
}
