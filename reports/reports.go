/*
Package reports produces CSV exports and period summaries.

PURPOSE:
  Spreadsheet-ready exports of invoices and expenses, plus the per-worker
  period report. CSV output is RFC 4180 with CRLF line endings and a UTF-8
  BOM so Hebrew text opens correctly in Excel, and every export returns a
  SHA-256 checksum of the bytes written for downstream verification.

ROW CAP:
  Exports refuse to stream more than ExportRowLimit rows. The check runs
  against a COUNT before any row is written, so an oversized export fails
  fast with the matched total in the error.

SEE ALSO:
  - store/sqlite/expenses.go: Filtered export queries
  - money: Plain decimal strings in cells; the display format stays out
    of CSV
*/
package reports

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/money"
	"github.com/warp/crew-ledger/store/sqlite"
)

// ExportRowLimit is the hard cap on rows per export.
const ExportRowLimit = 10000

// utf8BOM makes Excel detect UTF-8 instead of the locale codepage.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Service reads the store for reports.
type Service struct {
	store *sqlite.Store
}

// NewService builds a reports service.
func NewService(store *sqlite.Store) *Service {
	return &Service{store: store}
}

// Result summarizes one finished export.
type Result struct {
	Rows     int    `json:"rows"`
	Checksum string `json:"checksum"` // sha256 of the bytes written
}

// =============================================================================
// EXPENSES EXPORT
// =============================================================================

// ExpensesCSV streams filtered expenses to w.
func (s *Service) ExpensesCSV(ctx context.Context, w io.Writer, filter sqlite.ExpenseFilter) (Result, error) {
	var expenses []domain.Expense
	err := s.store.WithReadTx(ctx, func(sess *sqlite.Session) error {
		total, err := sess.CountExpenses(filter)
		if err != nil {
			return err
		}
		if total > ExportRowLimit {
			return &domain.ExportLimitError{Total: total, Limit: ExportRowLimit}
		}
		expenses, err = sess.ListExpenses(filter)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	return writeCSV(w, []string{
		"id", "worker_id", "category", "amount", "currency", "status", "ocr_status", "date",
	}, len(expenses), func(i int) []string {
		e := expenses[i]
		return []string{
			strconv.FormatInt(e.ID, 10),
			strconv.FormatInt(e.WorkerID, 10),
			e.Category,
			money.String(e.Amount),
			e.Currency,
			string(e.Status),
			string(e.OCRStatus),
			e.Date.Format("2006-01-02"),
		}
	})
}

// =============================================================================
// MONTHLY INVOICE EXPORT
// =============================================================================

// MonthlyInvoicesCSV streams every invoice whose period starts inside the
// given month.
func (s *Service) MonthlyInvoicesCSV(ctx context.Context, w io.Writer, year int, month time.Month) (Result, error) {
	monthStart := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	var invoices []domain.Invoice
	err := s.store.WithReadTx(ctx, func(sess *sqlite.Session) error {
		all, err := sess.ListInvoices(0, "")
		if err != nil {
			return err
		}
		for _, inv := range all {
			if !inv.PeriodFrom.Before(monthStart) && inv.PeriodFrom.Before(monthEnd) {
				invoices = append(invoices, inv)
			}
		}
		if len(invoices) > ExportRowLimit {
			return &domain.ExportLimitError{Total: len(invoices), Limit: ExportRowLimit}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	return writeCSV(w, []string{
		"id", "client_id", "period_from", "period_to", "subtotal", "tax", "total", "status", "version",
	}, len(invoices), func(i int) []string {
		inv := invoices[i]
		return []string{
			strconv.FormatInt(inv.ID, 10),
			strconv.FormatInt(inv.ClientID, 10),
			inv.PeriodFrom.Format("2006-01-02"),
			inv.PeriodTo.Format("2006-01-02"),
			money.String(inv.Subtotal),
			money.String(inv.Tax),
			money.String(inv.Total),
			string(inv.Status),
			strconv.Itoa(inv.Version),
		}
	})
}

// writeCSV emits BOM + header + rows with CRLF endings and checksums the
// whole payload.
func writeCSV(w io.Writer, header []string, n int, row func(int) []string) (Result, error) {
	var buf bytes.Buffer
	buf.Write(utf8BOM)

	cw := csv.NewWriter(&buf)
	cw.UseCRLF = true
	if err := cw.Write(header); err != nil {
		return Result{}, err
	}
	for i := 0; i < n; i++ {
		if err := cw.Write(row(i)); err != nil {
			return Result{}, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return Result{}, err
	}

	sum := sha256.Sum256(buf.Bytes())
	if _, err := w.Write(buf.Bytes()); err != nil {
		return Result{}, fmt.Errorf("reports: write export: %w", err)
	}
	return Result{Rows: n, Checksum: hex.EncodeToString(sum[:])}, nil
}

// =============================================================================
// WORKER PERIOD REPORT
// =============================================================================

// WorkerReport summarizes one worker's period.
type WorkerReport struct {
	WorkerID      int64  `json:"worker_id"`
	WorkerName    string `json:"worker_name"`
	From          string `json:"from"`
	To            string `json:"to"`
	ShiftCount    int    `json:"shift_count"`
	TaskCount     int    `json:"task_count"`
	TaskTotal     string `json:"task_total"`
	ExpenseCount  int    `json:"expense_count"`
	ExpenseTotal  string `json:"expense_total"`
	FmtTaskTotal  string `json:"fmt_task_total"`
	ApprovedTasks int    `json:"approved_tasks"`
}

// WorkerPeriod builds the period report for one worker over [from, to).
// Only approved work counts toward totals; raw counts include everything.
func (s *Service) WorkerPeriod(ctx context.Context, workerID int64, from, to time.Time) (WorkerReport, error) {
	if !to.After(from) {
		return WorkerReport{}, &domain.ValidationError{Field: "period", Message: "to must be after from"}
	}

	var report WorkerReport
	err := s.store.WithReadTx(ctx, func(sess *sqlite.Session) error {
		u, err := sess.GetUser(workerID)
		if err != nil {
			return err
		}
		report.WorkerID = u.ID
		report.WorkerName = u.Name
		report.From = from.Format("2006-01-02")
		report.To = to.Format("2006-01-02")

		shifts, err := sess.ListShiftsByUser(workerID, ExportRowLimit)
		if err != nil {
			return err
		}
		taskTotal := decimal.Zero
		for _, sh := range shifts {
			if sh.CreatedAt.Before(from) || !sh.CreatedAt.Before(to) {
				continue
			}
			report.ShiftCount++
			tasks, err := sess.ListTasksByShift(sh.ID)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				report.TaskCount++
				if task.Status == domain.StatusApproved {
					report.ApprovedTasks++
					taskTotal = taskTotal.Add(task.Amount)
				}
			}
		}
		taskTotal = money.Round2(taskTotal)
		report.TaskTotal = money.String(taskTotal)
		report.FmtTaskTotal = money.Format(taskTotal)

		expenses, err := sess.ListExpensesByWorkerPeriod(workerID, from, to)
		if err != nil {
			return err
		}
		expenseTotal := decimal.Zero
		for _, e := range expenses {
			report.ExpenseCount++
			if e.Status == domain.StatusApproved {
				expenseTotal = expenseTotal.Add(e.Amount)
			}
		}
		report.ExpenseTotal = money.String(money.Round2(expenseTotal))
		return nil
	})
	if err != nil {
		return WorkerReport{}, err
	}
	return report, nil
}
