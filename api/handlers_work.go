/*
handlers_work.go - Shifts and worker submissions

PURPOSE:
  The field-facing surface: open/close shifts, submit priced tasks and
  expenses. Submissions land in status=pending and wait for moderation.

IDEMPOTENCY:
  task.add and expense.add accept X-Idempotency-Key. A replay with the
  same key and the same body returns the originally created row with
  replayed=true; the same key with a different body is a 409 carrying
  the stored scope_hash. The key row and the domain row commit in one
  transaction, so a replay can never observe a half-applied call.

SEE ALSO:
  - store/sqlite/idempotency.go: Key registry
  - pricing: Amount and pricing_sha pinned at creation
*/
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/warp/crew-ledger/audit"
	"github.com/warp/crew-ledger/canonical"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/money"
	"github.com/warp/crew-ledger/store/sqlite"
)

const maxIdempotencyKeyLen = 80

// idempotencyKey reads and validates X-Idempotency-Key. Empty is allowed;
// the caller decides whether the operation runs unguarded.
func idempotencyKey(r *http.Request) (string, error) {
	key := r.Header.Get("X-Idempotency-Key")
	if key == "" {
		return "", nil
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", &domain.ValidationError{Field: "X-Idempotency-Key", Message: "at most 80 characters"}
	}
	for _, c := range key {
		if c < 0x21 || c > 0x7e {
			return "", &domain.ValidationError{Field: "X-Idempotency-Key", Message: "printable ASCII only"}
		}
	}
	return key, nil
}

// replayLookup resolves a previously registered key. found=true means the
// caller should return the stored result; a scope mismatch is an error.
func replayLookup(sess *sqlite.Session, key, scopeHash, wantKind string) (resultID int64, found bool, err error) {
	if key == "" {
		return 0, false, nil
	}
	rec, err := sess.GetIdempotencyKey(key)
	if domain.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if rec.ScopeHash != scopeHash || rec.ResultKind != wantKind || rec.ResultID == nil {
		return 0, false, &domain.DuplicateKeyError{Key: key, ScopeHash: rec.ScopeHash}
	}
	return *rec.ResultID, true, nil
}

// =============================================================================
// SHIFTS
// =============================================================================

// StartShift opens a shift for the caller. A second open shift is refused.
func (h *Handler) StartShift(w http.ResponseWriter, r *http.Request) {
	var req StartShiftRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	p := principal(r)
	var shift domain.Shift
	err := h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		var err error
		shift, err = sess.StartShift(domain.Shift{
			UserID:      p.UserID,
			ClientID:    req.ClientID,
			WorkAddress: req.WorkAddress,
			Status:      domain.ShiftOpen,
		})
		if err != nil {
			return err
		}
		entry, err := newEntry(r, p.Actor(), "shift.start", "shift", &shift.ID, req, audit.OutcomeApplied, "")
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit("shift.start", map[string]any{"shift_id": shift.ID, "user_id": p.UserID})
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toShiftDTO(shift))
}

// OpenShift returns the caller's open shift, 404 when none.
func (h *Handler) OpenShift(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var shift domain.Shift
	err := h.Store.WithReadTx(r.Context(), func(sess *sqlite.Session) error {
		var err error
		shift, err = sess.GetOpenShift(p.UserID)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(shift))
}

// EndShift closes a shift. Workers close their own; moderators close any.
func (h *Handler) EndShift(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	p := principal(r)
	var shift domain.Shift
	err = h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		current, err := sess.GetShift(id)
		if err != nil {
			return err
		}
		if p.Role == domain.RoleWorker && current.UserID != p.UserID {
			return fmt.Errorf("api: shift %d belongs to another worker: %w", id, domain.ErrForbiddenRole)
		}
		shift, err = sess.EndShift(id, time.Now().UTC())
		if err != nil {
			return err
		}
		entry, err := newEntry(r, p.Actor(), "shift.end", "shift", &id, nil, audit.OutcomeApplied, "")
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit("shift.end", map[string]any{"shift_id": id})
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(shift))
}

// =============================================================================
// TASK SUBMISSION
// =============================================================================

// AddTask prices and records a unit of work. The amount and pricing_sha are
// pinned at creation; later rule changes never touch existing rows.
func (h *Handler) AddTask(w http.ResponseWriter, r *http.Request) {
	var req AddTaskRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	key, err := idempotencyKey(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	qty, err := money.ParsePositive(req.Qty)
	if err != nil {
		writeDomainError(w, &domain.ValidationError{Field: "qty", Message: "positive decimal required"})
		return
	}
	if req.RateCode == "" {
		writeDomainError(w, &domain.ValidationError{Field: "rate_code", Message: "required"})
		return
	}

	expl, err := h.Pricing.PriceTask(req.RateCode, qty)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	scopeHash, err := canonical.SHA256(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	p := principal(r)
	var task domain.Task
	replayed := false
	err = h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		if id, found, err := replayLookup(sess, key, scopeHash, "task"); err != nil {
			return err
		} else if found {
			task, err = sess.GetTask(id)
			replayed = true
			return err
		}

		shiftID := req.ShiftID
		if shiftID == 0 {
			open, err := sess.GetOpenShift(p.UserID)
			if err != nil {
				return err
			}
			shiftID = open.ID
		} else {
			shift, err := sess.GetShift(shiftID)
			if err != nil {
				return err
			}
			if shift.Status != domain.ShiftOpen {
				return &domain.StaleStateError{Kind: "shift", ID: shiftID, Current: string(shift.Status), Wanted: string(domain.ShiftOpen)}
			}
			if p.Role == domain.RoleWorker && shift.UserID != p.UserID {
				return fmt.Errorf("api: shift %d belongs to another worker: %w", shiftID, domain.ErrForbiddenRole)
			}
		}

		worker := req.Worker
		if worker == "" {
			worker = p.Name
		}
		var err error
		task, err = sess.CreateTask(domain.Task{
			ShiftID:    shiftID,
			RateCode:   req.RateCode,
			Qty:        qty,
			Amount:     expl.TotalDecimal(),
			PricingSHA: expl.PricingSHA,
			Worker:     worker,
			Status:     domain.StatusPending,
		})
		if err != nil {
			return err
		}
		if key != "" {
			if err := sess.RegisterIdempotencyKey(sqlite.IdempotencyRecord{
				Key: key, ScopeHash: scopeHash, ResultKind: "task", ResultID: &task.ID,
			}); err != nil {
				return err
			}
		}
		entry, err := newEntry(r, p.Actor(), "task.add", "task", &task.ID, req, audit.OutcomeApplied, "")
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit("task.add", map[string]any{
			"task_id": task.ID, "shift_id": shiftID,
			"amount": money.String(task.Amount), "pricing_sha": task.PricingSHA,
		})
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dto := toTaskDTO(task)
	dto.Replayed = replayed
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, dto)
}

// =============================================================================
// EXPENSE SUBMISSION
// =============================================================================

// AddExpense records a cost. Above the photo threshold a photo_ref is
// mandatory; OCR never blocks, it only annotates.
func (h *Handler) AddExpense(w http.ResponseWriter, r *http.Request) {
	var req AddExpenseRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	key, err := idempotencyKey(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		writeDomainError(w, &domain.ValidationError{Field: "amount", Message: "positive decimal required"})
		return
	}

	// Category must price; the evaluated total is what gets stored.
	expl, err := h.Pricing.PriceExpense(req.Category, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	stored := expl.TotalDecimal()

	if stored.GreaterThan(h.Cfg.PhotoThreshold) && req.PhotoRef == "" {
		writeDomainError(w, fmt.Errorf("api: expense %s over threshold %s: %w",
			money.String(stored), money.String(h.Cfg.PhotoThreshold), domain.ErrPhotoRequired))
		return
	}

	date := time.Now().UTC().Truncate(24 * time.Hour)
	if req.Date != "" {
		date, err = time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeDomainError(w, &domain.ValidationError{Field: "date", Message: "YYYY-MM-DD"})
			return
		}
	}

	ocr := domain.OCROff
	if req.PhotoRef != "" && h.Cfg.OCREnabled {
		ocr = domain.OCRAbstain
	}

	scopeHash, err := canonical.SHA256(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	p := principal(r)
	var expense domain.Expense
	replayed := false
	err = h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		if id, found, err := replayLookup(sess, key, scopeHash, "expense"); err != nil {
			return err
		} else if found {
			expense, err = sess.GetExpense(id)
			replayed = true
			return err
		}

		var err error
		expense, err = sess.CreateExpense(domain.Expense{
			WorkerID:  p.UserID,
			ShiftID:   req.ShiftID,
			Category:  req.Category,
			Amount:    stored,
			Currency:  domain.Currency,
			PhotoRef:  req.PhotoRef,
			OCRStatus: ocr,
			Status:    domain.StatusNeedsApproval,
			Date:      date,
		})
		if err != nil {
			return err
		}
		if key != "" {
			if err := sess.RegisterIdempotencyKey(sqlite.IdempotencyRecord{
				Key: key, ScopeHash: scopeHash, ResultKind: "expense", ResultID: &expense.ID,
			}); err != nil {
				return err
			}
		}
		entry, err := newEntry(r, p.Actor(), "expense.add", "expense", &expense.ID, req, audit.OutcomeApplied, "")
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit("expense.add", map[string]any{
			"expense_id": expense.ID, "category": req.Category,
			"amount": money.String(expense.Amount), "ocr_status": string(ocr),
		})
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dto := toExpenseDTO(expense)
	dto.Replayed = replayed
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, dto)
}
