/*
handlers_invoice.go - Invoice build, preview, suggest/apply, lifecycle

PURPOSE:
  Admin invoice surface plus the one public route: fetching a preview by
  its one-time token. The token route carries no auth; possession of the
  capability string is the credential, and it burns on first use.

SEE ALSO:
  - invoice/service.go: Build, forbidden-op guard, versioning
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/invoice"
	"github.com/warp/crew-ledger/store/sqlite"
)

func parseDay(field, v string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: field, Message: "YYYY-MM-DD"}
	}
	return t, nil
}

// BuildInvoice assembles a draft from approved work in the period.
// Rebuilding the same (client, period) scope returns the existing draft.
func (h *Handler) BuildInvoice(w http.ResponseWriter, r *http.Request) {
	var req BuildInvoiceRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	from, err := parseDay("period_from", req.PeriodFrom)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	to, err := parseDay("period_to", req.PeriodTo)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	res, err := h.Invoices.Build(r.Context(), principal(r).Actor(), req.ClientID, from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dto := toInvoiceDTO(res.Invoice, res.Items)
	dto.Created = res.Created
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, dto)
}

// GetInvoice returns one invoice with its lines.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	inv, items, err := h.Invoices.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv, items))
}

// ListInvoices lists invoices, ?client_id= and ?status= narrow.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	var clientID int64
	if v := r.URL.Query().Get("client_id"); v != "" {
		id, err := parsePositiveInt(v, "client_id")
		if err != nil {
			writeDomainError(w, err)
			return
		}
		clientID = id
	}
	status := domain.InvoiceStatus(r.URL.Query().Get("status"))

	invoices, err := h.Invoices.List(r.Context(), clientID, status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// IssuePreview mints a one-time preview token. Issuing again rotates:
// earlier unused tokens for the invoice are spent.
func (h *Handler) IssuePreview(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	token, err := h.Invoices.IssuePreview(r.Context(), principal(r).Actor(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PreviewIssueResponse{
		Token: token,
		URL:   "/api/invoices/preview/" + token,
	})
}

// FetchPreview is the public one-time view. Second fetch of the same
// token is 410 gone.
func (h *Handler) FetchPreview(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	doc, err := h.Invoices.FetchPreview(r.Context(), token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dto := toInvoiceDTO(doc.Invoice, doc.Items)
	writeJSON(w, http.StatusOK, map[string]any{
		"invoice":      dto,
		"fmt_total":    doc.Total,
		"fmt_subtotal": doc.Subtotal,
		"fmt_tax":      doc.Tax,
	})
}

// SuggestEdit queues a proposed invoice edit. Forbidden kinds are refused
// here and the refusal is audited.
func (h *Handler) SuggestEdit(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req SuggestRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	sg, err := h.Invoices.Suggest(r.Context(), principal(r).Actor(), id, req.Kind, invoice.SuggestPayload{
		ItemID:      req.ItemID,
		Description: req.Description,
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		Worker:      req.Worker,
		Site:        req.Site,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SuggestionDTO{
		ID:        sg.ID,
		InvoiceID: sg.InvoiceID,
		Kind:      sg.Kind,
		Status:    string(sg.Status),
		CreatedAt: sg.CreatedAt.Format(time.RFC3339),
	})
}

// ApplySuggestion executes one open suggestion and appends a version.
func (h *Handler) ApplySuggestion(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	res, err := h.Invoices.Apply(r.Context(), principal(r).Actor(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"invoice": toInvoiceDTO(res.Invoice, nil),
		"version": VersionDTO{
			Version:   res.Version.Version,
			DiffJSON:  res.Version.DiffJSON,
			SHA:       res.Version.SHA,
			CreatedAt: res.Version.CreatedAt.Format(time.RFC3339),
		},
	})
}

// ApplySuggestions executes a batch of open suggestions for one invoice
// in a single transaction. Any failure rolls back the whole batch.
func (h *Handler) ApplySuggestions(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req ApplySuggestionsRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	results, err := h.Invoices.ApplyMany(r.Context(), principal(r).Actor(), id, req.SuggestionIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	applied := make([]int64, len(req.SuggestionIDs))
	copy(applied, req.SuggestionIDs)
	last := results[len(results)-1]
	writeJSON(w, http.StatusOK, map[string]any{
		"applied":     applied,
		"new_version": last.Invoice.Version,
		"invoice":     toInvoiceDTO(last.Invoice, nil),
	})
}

// SetInvoiceStatus moves the lifecycle. Same-status repeats are noop;
// illegal jumps are stale_state.
func (h *Handler) SetInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req InvoiceStatusRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	status := domain.InvoiceStatus(req.Status)
	switch status {
	case domain.InvoiceIssued, domain.InvoicePaid, domain.InvoiceCancelled:
	default:
		writeDomainError(w, &domain.ValidationError{Field: "status", Message: "issued, paid or cancelled"})
		return
	}

	outcome, err := h.Invoices.SetStatus(r.Context(), principal(r).Actor(), id, status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(status), "outcome": string(outcome)})
}

// ListInvoiceVersions returns the append-only apply history.
func (h *Handler) ListInvoiceVersions(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var versions []domain.InvoiceVersion
	err = h.Store.WithReadTx(r.Context(), func(sess *sqlite.Session) error {
		var err error
		versions, err = sess.ListInvoiceVersions(id)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]VersionDTO, len(versions))
	for i, v := range versions {
		dtos[i] = VersionDTO{
			Version:   v.Version,
			DiffJSON:  v.DiffJSON,
			SHA:       v.SHA,
			CreatedAt: v.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}
