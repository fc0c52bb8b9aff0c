/*
invoices.go - Invoice, line item, preview token, suggestion and version rows

INVARIANTS HELD HERE:
  - (client_id, period_from, period_to) is unique: a concurrent build of
    the same scope loses at the index, and the winner's row is returned.
  - invoice_versions is append-only and unique per (invoice_id, version).
  - Preview token plaintext never reaches this file; callers pass hashes.
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/crew-ledger/domain"
)

const invoiceColumns = "id, client_id, period_from, period_to, currency, subtotal, tax, total, status, version, created_at"

func scanInvoice(row interface{ Scan(...any) error }) (domain.Invoice, error) {
	var inv domain.Invoice
	var from, to, subtotal, tax, total, created string
	err := row.Scan(&inv.ID, &inv.ClientID, &from, &to, &inv.Currency,
		&subtotal, &tax, &total, &inv.Status, &inv.Version, &created)
	if err != nil {
		return inv, err
	}
	inv.PeriodFrom = parseTime(from)
	inv.PeriodTo = parseTime(to)
	inv.Subtotal = parseDecimal(subtotal)
	inv.Tax = parseDecimal(tax)
	inv.Total = parseDecimal(total)
	inv.CreatedAt = parseTime(created)
	return inv, nil
}

// CreateInvoice inserts a draft invoice with its items. A scope collision
// returns the existing invoice with ok=false.
func (s *Session) CreateInvoice(inv domain.Invoice, items []domain.InvoiceItem) (domain.Invoice, bool, error) {
	now := utcNow()
	res, err := s.exec(`
		INSERT INTO invoices (client_id, period_from, period_to, currency, subtotal, tax, total, status, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ClientID, fmtTime(inv.PeriodFrom), fmtTime(inv.PeriodTo), inv.Currency,
		inv.Subtotal.String(), inv.Tax.String(), inv.Total.String(),
		inv.Status, inv.Version, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, getErr := s.GetInvoiceByScope(inv.ClientID, inv.PeriodFrom, inv.PeriodTo)
			if getErr != nil {
				return inv, false, getErr
			}
			return existing, false, nil
		}
		return inv, false, fmt.Errorf("store: create invoice: %w", err)
	}
	inv.ID, _ = res.LastInsertId()
	inv.CreatedAt = parseTime(now)

	for i := range items {
		items[i].InvoiceID = inv.ID
		if _, err := s.InsertInvoiceItem(items[i]); err != nil {
			return inv, false, err
		}
	}
	return inv, true, nil
}

// GetInvoice fetches one invoice by ID.
func (s *Session) GetInvoice(id int64) (domain.Invoice, error) {
	inv, err := scanInvoice(s.queryRow(
		"SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return inv, fmt.Errorf("store: invoice %d: %w", id, domain.ErrNotFound)
	}
	return inv, err
}

// GetInvoiceByScope fetches the invoice for a client and period.
func (s *Session) GetInvoiceByScope(clientID int64, from, to time.Time) (domain.Invoice, error) {
	inv, err := scanInvoice(s.queryRow(
		"SELECT "+invoiceColumns+" FROM invoices WHERE client_id = ? AND period_from = ? AND period_to = ?",
		clientID, fmtTime(from), fmtTime(to)))
	if errors.Is(err, sql.ErrNoRows) {
		return inv, fmt.Errorf("store: invoice scope: %w", domain.ErrNotFound)
	}
	return inv, err
}

// ListInvoices returns invoices for a client (0 = all), newest first.
func (s *Session) ListInvoices(clientID int64, status domain.InvoiceStatus) ([]domain.Invoice, error) {
	q := "SELECT " + invoiceColumns + " FROM invoices WHERE 1=1"
	var args []any
	if clientID != 0 {
		q += " AND client_id = ?"
		args = append(args, clientID)
	}
	if status != "" {
		q += " AND status = ?"
		args = append(args, status)
	}
	q += " ORDER BY created_at DESC, id DESC"

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// UpdateInvoiceTotals writes recomputed money columns and bumps version.
func (s *Session) UpdateInvoiceTotals(inv domain.Invoice) error {
	res, err := s.exec(`
		UPDATE invoices SET subtotal = ?, tax = ?, total = ?, version = ? WHERE id = ?`,
		inv.Subtotal.String(), inv.Tax.String(), inv.Total.String(), inv.Version, inv.ID)
	if err != nil {
		return fmt.Errorf("store: update invoice totals: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: invoice %d: %w", inv.ID, domain.ErrNotFound)
	}
	return nil
}

// SetInvoiceStatus records a lifecycle transition and returns the previous
// status. Transition legality is the domain layer's call.
func (s *Session) SetInvoiceStatus(id int64, status domain.InvoiceStatus) (domain.InvoiceStatus, error) {
	var prev domain.InvoiceStatus
	err := s.queryRow("SELECT status FROM invoices WHERE id = ?", id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: invoice %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if prev == status {
		return prev, nil
	}
	_, err = s.exec("UPDATE invoices SET status = ? WHERE id = ?", status, id)
	return prev, err
}

// =============================================================================
// LINE ITEMS
// =============================================================================

const itemColumns = "id, invoice_id, item_type, description, quantity, unit_price, amount, worker, site"

func scanItem(row interface{ Scan(...any) error }) (domain.InvoiceItem, error) {
	var it domain.InvoiceItem
	var desc, worker, site sql.NullString
	var qty, unit, amount string
	err := row.Scan(&it.ID, &it.InvoiceID, &it.Type, &desc, &qty, &unit, &amount, &worker, &site)
	if err != nil {
		return it, err
	}
	it.Description = desc.String
	it.Quantity = parseDecimal(qty)
	it.UnitPrice = parseDecimal(unit)
	it.Amount = parseDecimal(amount)
	it.Worker = worker.String
	it.Site = site.String
	return it, nil
}

// InsertInvoiceItem appends one line to an invoice.
func (s *Session) InsertInvoiceItem(it domain.InvoiceItem) (int64, error) {
	res, err := s.exec(`
		INSERT INTO invoice_items (invoice_id, item_type, description, quantity, unit_price, amount, worker, site)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		it.InvoiceID, it.Type, nullString(it.Description),
		it.Quantity.String(), it.UnitPrice.String(), it.Amount.String(),
		nullString(it.Worker), nullString(it.Site))
	if err != nil {
		return 0, fmt.Errorf("store: insert invoice item: %w", err)
	}
	return res.LastInsertId()
}

// UpdateInvoiceItem rewrites one line (apply path for update_item/add_item
// corrections). Forbidden kinds never reach here.
func (s *Session) UpdateInvoiceItem(it domain.InvoiceItem) error {
	res, err := s.exec(`
		UPDATE invoice_items SET description = ?, quantity = ?, unit_price = ?, amount = ? WHERE id = ? AND invoice_id = ?`,
		nullString(it.Description), it.Quantity.String(), it.UnitPrice.String(),
		it.Amount.String(), it.ID, it.InvoiceID)
	if err != nil {
		return fmt.Errorf("store: update invoice item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: invoice item %d: %w", it.ID, domain.ErrNotFound)
	}
	return nil
}

// ListInvoiceItems returns an invoice's lines in insertion order.
func (s *Session) ListInvoiceItems(invoiceID int64) ([]domain.InvoiceItem, error) {
	rows, err := s.query(
		"SELECT "+itemColumns+" FROM invoice_items WHERE invoice_id = ? ORDER BY id", invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.InvoiceItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// =============================================================================
// PREVIEW TOKENS
// =============================================================================

// SavePreviewToken stores a token hash. Earlier unused tokens for the same
// invoice are spent so only the newest one works.
func (s *Session) SavePreviewToken(tokenHash string, invoiceID int64) error {
	now := utcNow()
	if _, err := s.exec(`
		UPDATE invoice_preview_tokens SET used_at = ? WHERE invoice_id = ? AND used_at IS NULL`,
		now, invoiceID); err != nil {
		return err
	}
	_, err := s.exec(`
		INSERT INTO invoice_preview_tokens (token_hash, invoice_id, issued_at)
		VALUES (?, ?, ?)`,
		tokenHash, invoiceID, now)
	return err
}

// SpendPreviewToken marks a token used and returns its invoice ID.
// An unknown hash is not-found; a spent one is gone.
func (s *Session) SpendPreviewToken(tokenHash string) (int64, error) {
	var invoiceID int64
	var used sql.NullString
	err := s.queryRow(
		"SELECT invoice_id, used_at FROM invoice_preview_tokens WHERE token_hash = ?",
		tokenHash).Scan(&invoiceID, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: preview token: %w", domain.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	if used.Valid {
		return 0, fmt.Errorf("store: preview token spent: %w", domain.ErrGone)
	}
	_, err = s.exec(
		"UPDATE invoice_preview_tokens SET used_at = ? WHERE token_hash = ?",
		utcNow(), tokenHash)
	return invoiceID, err
}

// =============================================================================
// SUGGESTIONS
// =============================================================================

// CreateSuggestion queues one proposed invoice edit.
func (s *Session) CreateSuggestion(sg domain.Suggestion) (domain.Suggestion, error) {
	now := utcNow()
	res, err := s.exec(`
		INSERT INTO suggestions (invoice_id, kind, payload_json, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sg.InvoiceID, sg.Kind, nullString(sg.PayloadJSON), sg.Status, now)
	if err != nil {
		return sg, fmt.Errorf("store: create suggestion: %w", err)
	}
	sg.ID, _ = res.LastInsertId()
	sg.CreatedAt = parseTime(now)
	return sg, nil
}

// GetSuggestion fetches one suggestion by ID.
func (s *Session) GetSuggestion(id int64) (domain.Suggestion, error) {
	var sg domain.Suggestion
	var payload sql.NullString
	var created string
	err := s.queryRow(
		"SELECT id, invoice_id, kind, payload_json, status, created_at FROM suggestions WHERE id = ?",
		id).Scan(&sg.ID, &sg.InvoiceID, &sg.Kind, &payload, &sg.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return sg, fmt.Errorf("store: suggestion %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return sg, err
	}
	sg.PayloadJSON = payload.String
	sg.CreatedAt = parseTime(created)
	return sg, nil
}

// SetSuggestionStatus records the apply/reject outcome.
func (s *Session) SetSuggestionStatus(id int64, status domain.SuggestionStatus) error {
	res, err := s.exec("UPDATE suggestions SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: suggestion %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// =============================================================================
// VERSIONS (append-only)
// =============================================================================

// AppendInvoiceVersion records one successful apply. Versions never change
// after insert.
func (s *Session) AppendInvoiceVersion(v domain.InvoiceVersion) (domain.InvoiceVersion, error) {
	now := utcNow()
	res, err := s.exec(`
		INSERT INTO invoice_versions (invoice_id, version, diff_json, sha, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		v.InvoiceID, v.Version, v.DiffJSON, v.SHA, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return v, &domain.StaleStateError{
				Kind: "invoice", ID: v.InvoiceID,
				Current: fmt.Sprintf("version %d exists", v.Version),
				Wanted:  "next version",
			}
		}
		return v, fmt.Errorf("store: append invoice version: %w", err)
	}
	v.ID, _ = res.LastInsertId()
	v.CreatedAt = parseTime(now)
	return v, nil
}

// ListInvoiceVersions returns an invoice's version history, oldest first.
func (s *Session) ListInvoiceVersions(invoiceID int64) ([]domain.InvoiceVersion, error) {
	rows, err := s.query(
		"SELECT id, invoice_id, version, diff_json, sha, created_at FROM invoice_versions WHERE invoice_id = ? ORDER BY version",
		invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []domain.InvoiceVersion
	for rows.Next() {
		var v domain.InvoiceVersion
		var created string
		if err := rows.Scan(&v.ID, &v.InvoiceID, &v.Version, &v.DiffJSON, &v.SHA, &created); err != nil {
			return nil, err
		}
		v.CreatedAt = parseTime(created)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
