/*
handlers_admin.go - Reports, backups, rules reload, audit, health

PURPOSE:
  The operations corner of the API. CSV exports buffer server-side so the
  response can carry the payload checksum in a header; backups and
  restores run against the live store under its writer lock.

SEE ALSO:
  - reports/reports.go: Export limits and CSV shape
  - backup/backup.go: Manifest and verified restore
*/
package api

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/crew-ledger/audit"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/store/sqlite"
)

// =============================================================================
// REPORTS
// =============================================================================

func writeCSVResponse(w http.ResponseWriter, filename string, buf *bytes.Buffer, checksum string, rows int) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("X-Checksum-SHA256", checksum)
	w.Header().Set("X-Row-Count", strconv.Itoa(rows))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// ExpensesCSV exports filtered expenses. Exceeding the row limit is a 422
// telling the caller to narrow the filter, not a truncated file.
func (h *Handler) ExpensesCSV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sqlite.ExpenseFilter{
		Category: q.Get("category"),
		Status:   domain.ModerationStatus(q.Get("status")),
	}
	if v := q.Get("worker_id"); v != "" {
		id, err := parsePositiveInt(v, "worker_id")
		if err != nil {
			writeDomainError(w, err)
			return
		}
		filter.WorkerID = id
	}
	if v := q.Get("from"); v != "" {
		t, err := parseDay("from", v)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseDay("to", v)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		filter.To = t
	}

	var buf bytes.Buffer
	res, err := h.Reports.ExpensesCSV(r.Context(), &buf, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeCSVResponse(w, "expenses.csv", &buf, res.Checksum, res.Rows)
}

// InvoicesCSV exports the invoices of one month, ?year=&month= (defaults
// to the current month).
func (h *Handler) InvoicesCSV(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	year, month := now.Year(), now.Month()
	if v := r.URL.Query().Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2000 || n > 2200 {
			writeDomainError(w, &domain.ValidationError{Field: "year", Message: "four-digit year"})
			return
		}
		year = n
	}
	if v := r.URL.Query().Get("month"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 12 {
			writeDomainError(w, &domain.ValidationError{Field: "month", Message: "1-12"})
			return
		}
		month = time.Month(n)
	}

	var buf bytes.Buffer
	res, err := h.Reports.MonthlyInvoicesCSV(r.Context(), &buf, year, month)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeCSVResponse(w, "invoices.csv", &buf, res.Checksum, res.Rows)
}

// WorkerReport summarizes one worker's period, ?from=&to= required.
func (h *Handler) WorkerReport(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	from, err := parseDay("from", r.URL.Query().Get("from"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	to, err := parseDay("to", r.URL.Query().Get("to"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	report, err := h.Reports.WorkerPeriod(r.Context(), id, from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// BACKUP / RESTORE
// =============================================================================

// CreateBackup takes a hot backup and returns its manifest entry.
func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Backups.Create(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.auditOps(r, "backup.create", map[string]any{"file": entry.File, "sha256": entry.SHA256})
	writeJSON(w, http.StatusCreated, entry)
}

// RestoreBackup swaps a verified backup in as the live database.
func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		File string `json:"file"`
	}
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Backups.Restore(r.Context(), req.File); err != nil {
		writeDomainError(w, err)
		return
	}
	h.auditOps(r, "backup.restore", map[string]any{"file": req.File})
	writeJSON(w, http.StatusOK, map[string]any{"restored": req.File})
}

// BackupStatus lists recorded backups.
func (h *Handler) BackupStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Backups.Status()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// auditOps records an operational action after the fact. Backup and
// restore mutate files, not ledger rows, so the entry rides its own
// transaction.
func (h *Handler) auditOps(r *http.Request, action string, payload map[string]any) {
	actor := principal(r).Actor()
	_ = h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		entry, err := newEntry(r, actor, action, "system", nil, payload, audit.OutcomeApplied, "")
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit(action, payload)
		return nil
	})
}

// =============================================================================
// PRICING RULES
// =============================================================================

// ReloadRules re-reads the rules file and publishes the new set. A parse
// failure leaves the previous set live.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := h.Pricing.Reload(); err != nil {
		writeDomainError(w, &domain.ValidationError{Field: "rules", Message: err.Error()})
		return
	}
	rs := h.Pricing.Rules()
	h.auditOps(r, "rules.reload", map[string]any{"version": rs.Version, "rules_sha": rs.SHA})
	writeJSON(w, http.StatusOK, map[string]any{"version": rs.Version, "rules_sha": rs.SHA})
}

// =============================================================================
// AUDIT QUERIES
// =============================================================================

// AuditByTarget lists the audit trail of one record, oldest first.
func (h *Handler) AuditByTarget(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var entries []audit.Entry
	err = h.Store.WithReadTx(r.Context(), func(sess *sqlite.Session) error {
		var err error
		entries, err = sess.AuditByTarget(kind, id)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports schema and rules versions. Public and unauthenticated.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	version, err := h.Store.SchemaVersion(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}
	rs := h.Pricing.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"schema_version": version,
		"rules_version":  rs.Version,
		"rules_sha":      rs.SHA,
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}
