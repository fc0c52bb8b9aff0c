/*
Package invoice implements the invoice lifecycle over the store.

PURPOSE:
  Building drafts from approved work, one-time preview links, the
  suggest/apply edit flow with its two-layer forbidden-operation guard,
  and the issued/paid/cancelled state machine.

FORBIDDEN OPERATIONS:
  delete_item, update_total and mass_replace never reach an invoice.
  They are refused at the suggest boundary (suggest.forbidden metric) and,
  independently, at apply time (suggest.apply_blocked metric) in case a
  forbidden suggestion reaches the table through any other path. Totals
  are always derived from lines, never written directly.

VERSIONS:
  Every successful apply bumps invoice.version and appends an immutable
  invoice_versions row holding the canonical JSON diff and its SHA-256.

PREVIEW LINKS:
  A preview token is 32 random bytes, handed out once in plaintext; only
  its SHA-256 is stored. Fetch spends the token: a second fetch is gone,
  and issuing a new token spends all earlier unused ones.

SEE ALSO:
  - store/sqlite/invoices.go: Row operations and uniqueness
  - pricing: Amounts on tasks feeding Build
*/
package invoice

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/crew-ledger/audit"
	"github.com/warp/crew-ledger/canonical"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/money"
	"github.com/warp/crew-ledger/store/sqlite"
)

// Suggestion kinds that may touch an invoice.
const (
	KindAddItem    = "add_item"
	KindUpdateItem = "update_item"
)

// forbiddenKinds are refused at both guard layers.
var forbiddenKinds = map[string]bool{
	"delete_item":  true,
	"update_total": true,
	"mass_replace": true,
}

// Service runs invoice operations against the store.
type Service struct {
	store *sqlite.Store
}

// NewService builds an invoice service.
func NewService(store *sqlite.Store) *Service {
	return &Service{store: store}
}

// =============================================================================
// BUILD
// =============================================================================

// BuildResult is a built (or refound) draft with its lines.
type BuildResult struct {
	Invoice domain.Invoice
	Items   []domain.InvoiceItem
	Created bool
}

// Build assembles a draft from the client's approved tasks and expenses in
// [from, to). Building the same scope twice returns the existing invoice
// unchanged; the period is half-open so monthly builds never overlap.
func (s *Service) Build(ctx context.Context, actor string, clientID int64, from, to time.Time) (BuildResult, error) {
	if !to.After(from) {
		return BuildResult{}, &domain.ValidationError{Field: "period", Message: "period_to must be after period_from"}
	}

	var result BuildResult
	err := s.store.WithTx(ctx, func(sess *sqlite.Session) error {
		client, err := sess.GetClient(clientID)
		if err != nil {
			return err
		}
		if client.Status != domain.ClientActive {
			return &domain.StaleStateError{
				Kind: "client", ID: clientID,
				Current: string(client.Status), Wanted: string(domain.ClientActive),
			}
		}

		tasks, err := sess.ListApprovedTasksForClient(clientID, from, to)
		if err != nil {
			return err
		}
		expenses, err := sess.ListApprovedExpensesForClient(clientID, from, to)
		if err != nil {
			return err
		}

		items := buildItems(tasks, expenses)
		subtotal := decimal.Zero
		for _, it := range items {
			subtotal = subtotal.Add(it.Amount)
		}
		subtotal = money.Round2(subtotal)
		tax := money.Round2(decimal.Zero)

		inv := domain.Invoice{
			ClientID:   clientID,
			PeriodFrom: from,
			PeriodTo:   to,
			Currency:   domain.Currency,
			Subtotal:   subtotal,
			Tax:        tax,
			Total:      money.Round2(subtotal.Add(tax)),
			Status:     domain.InvoiceDraft,
			Version:    1,
		}
		created, ok, err := sess.CreateInvoice(inv, items)
		if err != nil {
			return err
		}
		result.Invoice = created
		result.Created = ok
		if ok {
			result.Items = items
		} else {
			result.Items, err = sess.ListInvoiceItems(created.ID)
			if err != nil {
				return err
			}
		}

		outcome := audit.OutcomeApplied
		if !ok {
			outcome = audit.OutcomeNoop
		}
		if err := record(sess, actor, "invoice.build", created.ID, map[string]any{
			"client_id": clientID,
			"from":      from.Format(time.RFC3339),
			"to":        to.Format(time.RFC3339),
			"total":     money.String(created.Total),
		}, outcome, ""); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return BuildResult{}, err
	}
	return result, nil
}

func buildItems(tasks []domain.Task, expenses []domain.Expense) []domain.InvoiceItem {
	var items []domain.InvoiceItem
	for _, t := range tasks {
		unit := t.Amount
		if !t.Qty.IsZero() {
			unit = t.Amount.Div(t.Qty)
		}
		items = append(items, domain.InvoiceItem{
			Type:        "task",
			Description: t.RateCode,
			Quantity:    t.Qty,
			UnitPrice:   unit,
			Amount:      money.Round2(t.Amount),
			Worker:      t.Worker,
		})
	}
	for _, e := range expenses {
		items = append(items, domain.InvoiceItem{
			Type:        "expense",
			Description: e.Category,
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   e.Amount,
			Amount:      money.Round2(e.Amount),
		})
	}
	return items
}

// Get returns an invoice with its lines.
func (s *Service) Get(ctx context.Context, id int64) (domain.Invoice, []domain.InvoiceItem, error) {
	var inv domain.Invoice
	var items []domain.InvoiceItem
	err := s.store.WithReadTx(ctx, func(sess *sqlite.Session) error {
		var err error
		inv, err = sess.GetInvoice(id)
		if err != nil {
			return err
		}
		items, err = sess.ListInvoiceItems(id)
		return err
	})
	return inv, items, err
}

// List returns invoices filtered by client and status (zero values: all).
func (s *Service) List(ctx context.Context, clientID int64, status domain.InvoiceStatus) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := s.store.WithReadTx(ctx, func(sess *sqlite.Session) error {
		var err error
		invoices, err = sess.ListInvoices(clientID, status)
		return err
	})
	return invoices, err
}

// =============================================================================
// PREVIEW TOKENS
// =============================================================================

// IssuePreview mints a one-time preview token for an invoice and returns
// the plaintext. The store keeps only the hash; losing the return value
// means issuing again.
func (s *Service) IssuePreview(ctx context.Context, actor string, invoiceID int64) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("invoice: token entropy: %w", err)
	}
	plaintext := hex.EncodeToString(raw)
	hash := hashToken(plaintext)

	err := s.store.WithTx(ctx, func(sess *sqlite.Session) error {
		if _, err := sess.GetInvoice(invoiceID); err != nil {
			return err
		}
		if err := sess.SavePreviewToken(hash, invoiceID); err != nil {
			return err
		}
		return record(sess, actor, "invoice.preview_issue", invoiceID,
			map[string]any{"token_hash": hash}, audit.OutcomeApplied, "")
	})
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

// PreviewDoc is the read-only projection a preview link resolves to.
type PreviewDoc struct {
	Invoice  domain.Invoice
	Items    []domain.InvoiceItem
	Total    string // formatted, e.g. "‎₪1,600.00"
	Subtotal string
	Tax      string
}

// FetchPreview spends a preview token and returns the invoice projection.
// Unknown token: not found. Already spent: gone.
func (s *Service) FetchPreview(ctx context.Context, plaintext string) (PreviewDoc, error) {
	hash := hashToken(plaintext)

	var doc PreviewDoc
	err := s.store.WithTx(ctx, func(sess *sqlite.Session) error {
		invoiceID, err := sess.SpendPreviewToken(hash)
		if err != nil {
			return err
		}
		doc.Invoice, err = sess.GetInvoice(invoiceID)
		if err != nil {
			return err
		}
		doc.Items, err = sess.ListInvoiceItems(invoiceID)
		if err != nil {
			return err
		}
		doc.Total = money.Format(doc.Invoice.Total)
		doc.Subtotal = money.Format(doc.Invoice.Subtotal)
		doc.Tax = money.Format(doc.Invoice.Tax)

		return record(sess, "preview-link", "invoice.preview_fetch", invoiceID,
			map[string]any{"token_hash": hash}, audit.OutcomeApplied, "")
	})
	if err != nil {
		return PreviewDoc{}, err
	}
	return doc, nil
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// SUGGEST / APPLY
// =============================================================================

// SuggestPayload carries the proposed edit. item_id addresses an existing
// line for update_item; the remaining fields describe the line content.
type SuggestPayload struct {
	ItemID      int64  `json:"item_id,omitempty"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity,omitempty"`
	UnitPrice   string `json:"unit_price,omitempty"`
	Worker      string `json:"worker,omitempty"`
	Site        string `json:"site,omitempty"`
}

// Suggest queues a proposed edit. Forbidden kinds are refused here, with
// the refusal itself audited and measured.
func (s *Service) Suggest(ctx context.Context, actor string, invoiceID int64, kind string, payload SuggestPayload) (domain.Suggestion, error) {
	if forbiddenKinds[kind] {
		forbidden := &domain.ForbiddenOpError{Kind: kind, Layer: "suggest"}
		err := s.store.WithTx(ctx, func(sess *sqlite.Session) error {
			if err := record(sess, actor, "invoice.suggest", invoiceID,
				map[string]any{"kind": kind}, audit.OutcomeRejected, "forbidden_op"); err != nil {
				return err
			}
			sess.Emit("suggest.forbidden", map[string]any{"kind": kind, "invoice_id": invoiceID})
			return nil
		})
		if err != nil {
			return domain.Suggestion{}, err
		}
		return domain.Suggestion{}, forbidden
	}
	if kind != KindAddItem && kind != KindUpdateItem {
		return domain.Suggestion{}, &domain.ValidationError{Field: "kind", Message: "unknown suggestion kind"}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return domain.Suggestion{}, err
	}

	var sg domain.Suggestion
	err = s.store.WithTx(ctx, func(sess *sqlite.Session) error {
		inv, err := sess.GetInvoice(invoiceID)
		if err != nil {
			return err
		}
		if inv.Status.Terminal() {
			return &domain.StaleStateError{
				Kind: "invoice", ID: invoiceID,
				Current: string(inv.Status), Wanted: "draft or issued",
			}
		}
		sg, err = sess.CreateSuggestion(domain.Suggestion{
			InvoiceID:   invoiceID,
			Kind:        kind,
			PayloadJSON: string(payloadJSON),
			Status:      domain.SuggestionOpen,
		})
		if err != nil {
			return err
		}
		return record(sess, actor, "invoice.suggest", invoiceID,
			map[string]any{"kind": kind, "suggestion_id": sg.ID}, audit.OutcomeApplied, "")
	})
	if err != nil {
		return domain.Suggestion{}, err
	}
	return sg, nil
}

// ApplyResult is the invoice after one applied suggestion, with the
// appended version record.
type ApplyResult struct {
	Invoice domain.Invoice
	Version domain.InvoiceVersion
}

// Apply executes one open suggestion: mutate lines, rederive totals, bump
// the version and append the diff record. The forbidden-kind check runs
// again here - apply trusts nothing about how the row got in the table.
func (s *Service) Apply(ctx context.Context, actor string, suggestionID int64) (ApplyResult, error) {
	results, err := s.applyBatch(ctx, actor, 0, []int64{suggestionID})
	if err != nil {
		return ApplyResult{}, err
	}
	return results[len(results)-1], nil
}

// ApplyMany executes several open suggestions of one invoice as a single
// transaction. Any failure rolls back the whole batch; a forbidden kind
// anywhere blocks every sibling.
func (s *Service) ApplyMany(ctx context.Context, actor string, invoiceID int64, ids []int64) ([]ApplyResult, error) {
	if len(ids) == 0 {
		return nil, &domain.ValidationError{Field: "suggestion_ids", Message: "required"}
	}
	return s.applyBatch(ctx, actor, invoiceID, ids)
}

// applyBatch loads and validates every suggestion before mutating
// anything. If any row carries a forbidden kind, the refusals (status,
// audit, metric) commit and nothing applies. invoiceID 0 skips the
// ownership check.
func (s *Service) applyBatch(ctx context.Context, actor string, invoiceID int64, ids []int64) ([]ApplyResult, error) {
	var results []ApplyResult
	var blocked error

	err := s.store.WithTx(ctx, func(sess *sqlite.Session) error {
		results = results[:0]
		blocked = nil

		sgs := make([]domain.Suggestion, 0, len(ids))
		var forbidden []domain.Suggestion
		for _, id := range ids {
			sg, err := sess.GetSuggestion(id)
			if err != nil {
				return err
			}
			if invoiceID != 0 && sg.InvoiceID != invoiceID {
				return &domain.ValidationError{
					Field: "suggestion_ids", Message: fmt.Sprintf("suggestion %d belongs to another invoice", id),
				}
			}
			if sg.Status != domain.SuggestionOpen {
				return &domain.StaleStateError{
					Kind: "suggestion", ID: id,
					Current: string(sg.Status), Wanted: string(domain.SuggestionOpen),
				}
			}
			if forbiddenKinds[sg.Kind] {
				forbidden = append(forbidden, sg)
			}
			sgs = append(sgs, sg)
		}

		if len(forbidden) > 0 {
			// Second guard layer. Mark the forbidden rows rejected so they
			// can't be retried and refuse the whole batch.
			for _, sg := range forbidden {
				if err := sess.SetSuggestionStatus(sg.ID, domain.SuggestionRejected); err != nil {
					return err
				}
				if err := record(sess, actor, "invoice.apply", sg.InvoiceID,
					map[string]any{"kind": sg.Kind, "suggestion_id": sg.ID},
					audit.OutcomeRejected, "forbidden_op"); err != nil {
					return err
				}
				sess.Emit("suggest.apply_blocked", map[string]any{
					"kind": sg.Kind, "invoice_id": sg.InvoiceID,
				})
			}
			blocked = &domain.ForbiddenOpError{Kind: forbidden[0].Kind, Layer: "apply"}
			return nil
		}

		for _, sg := range sgs {
			res, err := applyOpen(sess, actor, sg)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if blocked != nil {
		return nil, blocked
	}
	return results, nil
}

// applyOpen executes one validated open suggestion inside the caller's
// transaction.
func applyOpen(sess *sqlite.Session, actor string, sg domain.Suggestion) (ApplyResult, error) {
	var result ApplyResult

	inv, err := sess.GetInvoice(sg.InvoiceID)
	if err != nil {
		return result, err
	}
	if inv.Status.Terminal() {
		return result, &domain.StaleStateError{
			Kind: "invoice", ID: inv.ID,
			Current: string(inv.Status), Wanted: "draft or issued",
		}
	}

	var payload SuggestPayload
	if err := json.Unmarshal([]byte(sg.PayloadJSON), &payload); err != nil {
		return result, &domain.ValidationError{Field: "payload", Message: "unreadable suggestion payload"}
	}

	change, err := applyEdit(sess, inv.ID, sg.Kind, payload)
	if err != nil {
		return result, err
	}

	items, err := sess.ListInvoiceItems(inv.ID)
	if err != nil {
		return result, err
	}
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.Amount)
	}
	before := inv
	inv.Subtotal = money.Round2(subtotal)
	inv.Total = money.Round2(inv.Subtotal.Add(inv.Tax))
	inv.Version++
	if err := sess.UpdateInvoiceTotals(inv); err != nil {
		return result, err
	}

	diffJSON, err := canonical.JSON(map[string]any{
		"invoice_id": inv.ID,
		"version":    inv.Version,
		"kind":       sg.Kind,
		"change":     change,
		"subtotal":   map[string]string{"from": money.String(before.Subtotal), "to": money.String(inv.Subtotal)},
		"total":      map[string]string{"from": money.String(before.Total), "to": money.String(inv.Total)},
	})
	if err != nil {
		return result, err
	}
	sha, err := canonical.SHA256Bytes(diffJSON)
	if err != nil {
		return result, err
	}
	result.Version, err = sess.AppendInvoiceVersion(domain.InvoiceVersion{
		InvoiceID: inv.ID,
		Version:   inv.Version,
		DiffJSON:  string(diffJSON),
		SHA:       sha,
	})
	if err != nil {
		return result, err
	}
	if err := sess.SetSuggestionStatus(sg.ID, domain.SuggestionApplied); err != nil {
		return result, err
	}
	result.Invoice = inv

	if err := record(sess, actor, "invoice.apply", inv.ID, map[string]any{
		"suggestion_id": sg.ID,
		"version":       inv.Version,
		"sha":           sha,
	}, audit.OutcomeApplied, ""); err != nil {
		return result, err
	}
	return result, nil
}

// applyEdit mutates lines for one allowed kind and describes the change
// for the diff record.
func applyEdit(sess *sqlite.Session, invoiceID int64, kind string, p SuggestPayload) (map[string]any, error) {
	qty, err := money.ParsePositive(p.Quantity)
	if err != nil {
		return nil, &domain.ValidationError{Field: "quantity", Message: "positive decimal required"}
	}
	unit, err := money.ParseNonNegative(p.UnitPrice)
	if err != nil {
		return nil, &domain.ValidationError{Field: "unit_price", Message: "non-negative decimal required"}
	}
	amount := money.Round2(qty.Mul(unit))

	switch kind {
	case KindAddItem:
		id, err := sess.InsertInvoiceItem(domain.InvoiceItem{
			InvoiceID:   invoiceID,
			Type:        "adjustment",
			Description: p.Description,
			Quantity:    qty,
			UnitPrice:   unit,
			Amount:      amount,
			Worker:      p.Worker,
			Site:        p.Site,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"op": "add_item", "item_id": id, "amount": money.String(amount),
		}, nil

	case KindUpdateItem:
		if p.ItemID == 0 {
			return nil, &domain.ValidationError{Field: "item_id", Message: "required for update_item"}
		}
		err := sess.UpdateInvoiceItem(domain.InvoiceItem{
			ID:          p.ItemID,
			InvoiceID:   invoiceID,
			Description: p.Description,
			Quantity:    qty,
			UnitPrice:   unit,
			Amount:      amount,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"op": "update_item", "item_id": p.ItemID, "amount": money.String(amount),
		}, nil

	default:
		return nil, &domain.ValidationError{Field: "kind", Message: "unknown suggestion kind"}
	}
}

// =============================================================================
// STATUS LIFECYCLE
// =============================================================================

// legalTransitions maps current status to the set it may move to.
var legalTransitions = map[domain.InvoiceStatus][]domain.InvoiceStatus{
	domain.InvoiceDraft:  {domain.InvoiceIssued, domain.InvoiceCancelled},
	domain.InvoiceIssued: {domain.InvoicePaid, domain.InvoiceCancelled},
}

// SetStatus moves an invoice through its lifecycle. Repeating the current
// status is a noop; anything else off the legal path is stale.
func (s *Service) SetStatus(ctx context.Context, actor string, invoiceID int64, status domain.InvoiceStatus) (audit.Outcome, error) {
	switch status {
	case domain.InvoiceDraft, domain.InvoiceIssued, domain.InvoicePaid, domain.InvoiceCancelled:
	default:
		return "", &domain.ValidationError{Field: "status", Message: "unknown invoice status"}
	}

	var outcome audit.Outcome
	var stale error
	err := s.store.WithTx(ctx, func(sess *sqlite.Session) error {
		inv, err := sess.GetInvoice(invoiceID)
		if err != nil {
			return err
		}

		switch {
		case inv.Status == status:
			outcome = audit.OutcomeNoop
		case transitionLegal(inv.Status, status):
			if _, err := sess.SetInvoiceStatus(invoiceID, status); err != nil {
				return err
			}
			outcome = audit.OutcomeApplied
		default:
			outcome = audit.OutcomeRejected
			stale = &domain.StaleStateError{
				Kind: "invoice", ID: invoiceID,
				Current: string(inv.Status), Wanted: string(status),
			}
		}

		reason := ""
		if stale != nil {
			reason = "stale_state"
		}
		return record(sess, actor, "invoice.status", invoiceID, map[string]any{
			"from": string(inv.Status), "to": string(status),
		}, outcome, reason)
	})
	if err != nil {
		return "", err
	}
	return outcome, stale
}

func transitionLegal(from, to domain.InvoiceStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// record appends the audit entry and metric event every invoice mutation
// carries.
func record(sess *sqlite.Session, actor, action string, invoiceID int64, payload map[string]any, outcome audit.Outcome, reason string) error {
	entry, err := audit.New(actor, action, "invoice", &invoiceID, payload, outcome, reason)
	if err != nil {
		return err
	}
	if err := sess.AppendAudit(entry); err != nil {
		return err
	}
	sess.Emit(action, map[string]any{
		"invoice_id": invoiceID,
		"outcome":    string(outcome),
	})
	return nil
}
