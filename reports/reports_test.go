/*
reports_test.go - CSV shape, row cap, worker period totals
*/
package reports

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/crew-ledger/audit"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/store/sqlite"
)

func seedMark(sess *sqlite.Session, action string) error {
	e, err := audit.New("test", action, "test", nil, nil, audit.OutcomeApplied, "")
	if err != nil {
		return err
	}
	if err := sess.AppendAudit(e); err != nil {
		return err
	}
	sess.Emit(action, map[string]any{"seed": true})
	return nil
}

func newFixture(t *testing.T) (*sqlite.Store, *Service, domain.User) {
	t.Helper()
	store, err := sqlite.New(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var worker domain.User
	require.NoError(t, store.WithTx(context.Background(), func(sess *sqlite.Session) error {
		var err error
		worker, err = sess.CreateUser(domain.User{Name: "Noa", Role: domain.RoleWorker, Status: domain.UserActive})
		if err != nil {
			return err
		}
		return seedMark(sess, "seed")
	}))
	return store, NewService(store), worker
}

func addExpense(t *testing.T, store *sqlite.Store, workerID int64, amount string, status domain.ModerationStatus) {
	t.Helper()
	require.NoError(t, store.WithTx(context.Background(), func(sess *sqlite.Session) error {
		_, err := sess.CreateExpense(domain.Expense{
			WorkerID: workerID, Category: "fuel",
			Amount: decimal.RequireFromString(amount), Currency: domain.Currency,
			OCRStatus: domain.OCROff, Status: status,
			Date: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return seedMark(sess, "expense.add")
	}))
}

func TestExpensesCSV_BOMHeaderCRLF(t *testing.T) {
	store, svc, worker := newFixture(t)
	addExpense(t, store, worker.ID, "120.50", domain.StatusApproved)
	addExpense(t, store, worker.ID, "75", domain.StatusNeedsApproval)

	var buf bytes.Buffer
	res, err := svc.ExpensesCSV(context.Background(), &buf, sqlite.ExpenseFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)
	assert.Len(t, res.Checksum, 64)

	out := buf.Bytes()
	require.True(t, bytes.HasPrefix(out, []byte{0xEF, 0xBB, 0xBF}), "missing UTF-8 BOM")
	body := string(out[3:])
	lines := strings.Split(body, "\r\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "id,worker_id,category,amount,currency,status,ocr_status,date", lines[0])
	assert.Contains(t, lines[1], "120.50")
	assert.Contains(t, lines[1], "ILS")
}

func TestExpensesCSV_FilterByStatus(t *testing.T) {
	store, svc, worker := newFixture(t)
	addExpense(t, store, worker.ID, "10", domain.StatusApproved)
	addExpense(t, store, worker.ID, "20", domain.StatusRejected)

	var buf bytes.Buffer
	res, err := svc.ExpensesCSV(context.Background(), &buf,
		sqlite.ExpenseFilter{Status: domain.StatusApproved})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows)
	assert.NotContains(t, buf.String(), "rejected")
}

func TestMonthlyInvoicesCSV(t *testing.T) {
	store, svc, _ := newFixture(t)
	june := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	july := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.WithTx(context.Background(), func(sess *sqlite.Session) error {
		c, err := sess.CreateClient(domain.Client{Name: "C", Status: domain.ClientActive})
		if err != nil {
			return err
		}
		for _, period := range [][2]time.Time{{june, july}, {july, july.AddDate(0, 1, 0)}} {
			_, _, err := sess.CreateInvoice(domain.Invoice{
				ClientID: c.ID, PeriodFrom: period[0], PeriodTo: period[1],
				Currency: domain.Currency,
				Subtotal: decimal.RequireFromString("1720.50"),
				Tax:      decimal.Zero,
				Total:    decimal.RequireFromString("1720.50"),
				Status:   domain.InvoiceDraft, Version: 1,
			}, nil)
			if err != nil {
				return err
			}
		}
		return seedMark(sess, "invoice.build")
	}))

	var buf bytes.Buffer
	res, err := svc.MonthlyInvoicesCSV(context.Background(), &buf, 2025, time.June)
	require.NoError(t, err)
	// Only the June invoice.
	assert.Equal(t, 1, res.Rows)
	assert.Contains(t, buf.String(), "2025-06-01")
	assert.NotContains(t, buf.String(), "2025-08-01")
}

func TestWorkerPeriod_ApprovedOnlyTotals(t *testing.T) {
	store, svc, worker := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(sess *sqlite.Session) error {
		sh, err := sess.StartShift(domain.Shift{UserID: worker.ID})
		if err != nil {
			return err
		}
		if _, err := sess.CreateTask(domain.Task{
			ShiftID: sh.ID, RateCode: "hour_electric",
			Qty: decimal.NewFromInt(2), Amount: decimal.RequireFromString("1600"),
			Status: domain.StatusApproved,
		}); err != nil {
			return err
		}
		if _, err := sess.CreateTask(domain.Task{
			ShiftID: sh.ID, RateCode: "day_general",
			Qty: decimal.NewFromInt(1), Amount: decimal.RequireFromString("750"),
			Status: domain.StatusPending,
		}); err != nil {
			return err
		}
		return seedMark(sess, "seed.tasks")
	}))
	addExpense(t, store, worker.ID, "120.50", domain.StatusApproved)
	addExpense(t, store, worker.ID, "999", domain.StatusRejected)

	now := time.Now().UTC()
	report, err := svc.WorkerPeriod(ctx, worker.ID, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 1, report.ShiftCount)
	assert.Equal(t, 2, report.TaskCount)
	assert.Equal(t, 1, report.ApprovedTasks)
	assert.Equal(t, "1600.00", report.TaskTotal)
	assert.Equal(t, "‎₪1,600.00", report.FmtTaskTotal)
	assert.Equal(t, 2, report.ExpenseCount)
	assert.Equal(t, "120.50", report.ExpenseTotal)

	_, err = svc.WorkerPeriod(ctx, worker.ID, now, now)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.WorkerPeriod(ctx, 999, now.Add(-time.Hour), now)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
