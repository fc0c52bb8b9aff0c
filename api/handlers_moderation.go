/*
handlers_moderation.go - Moderation inbox and verdicts

PURPOSE:
  The foreman surface: a unified pending inbox over tasks, expenses and
  pending changes, single approve/reject, and bulk verdicts under an
  idempotency key.

SEE ALSO:
  - moderation/service.go: State machine and role gates
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/moderation"
	"github.com/warp/crew-ledger/store/sqlite"
)

func moderator(r *http.Request) moderation.Actor {
	p := principal(r)
	return moderation.Actor{Name: p.Actor(), Role: p.Role}
}

// inboxFilter parses the shared inbox query params: ?kind=, ?status=,
// ?worker= (case-insensitive substring) and ?date_from=/?date_to=
// (inclusive days on created_at).
func inboxFilter(r *http.Request) (sqlite.PendingFilter, error) {
	q := r.URL.Query()
	filter := sqlite.PendingFilter{
		Kind:   domain.ItemKind(q.Get("kind")),
		Status: domain.ModerationStatus(q.Get("status")),
		Actor:  q.Get("worker"),
	}
	if v := q.Get("date_from"); v != "" {
		t, err := parseDay("date_from", v)
		if err != nil {
			return filter, err
		}
		filter.From = t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := parseDay("date_to", v)
		if err != nil {
			return filter, err
		}
		// ?date_to= names a day; keep the whole day in range.
		filter.To = t.Add(24*time.Hour - time.Second)
	}
	return filter, nil
}

// PendingInbox lists pending items, newest first. ?kind=, ?status=,
// ?worker= and ?date_from=/?date_to= narrow the view.
func (h *Handler) PendingInbox(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	filter, err := inboxFilter(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items, total, err := h.Moderation.Inbox(r.Context(), filter, page, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]PendingItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toPendingItemDTO(it)
	}
	writeJSON(w, http.StatusOK, PageDTO[PendingItemDTO]{Items: dtos, Total: total, Page: page, Limit: limit})
}

// DecideItem handles single approve/reject. A repeat of the same verdict
// on a terminal item is a noop, not an error.
func (h *Handler) DecideItem(dec moderation.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := domain.ItemKind(chi.URLParam(r, "kind"))
		id, err := urlID(r, "id")
		if err != nil {
			writeDomainError(w, err)
			return
		}
		reason := ""
		if dec == moderation.DecisionReject {
			var req RejectRequest
			if r.ContentLength > 0 {
				if err := decode(r, &req); err != nil {
					writeDomainError(w, err)
					return
				}
			}
			reason = req.Reason
		}

		outcome, err := h.Moderation.Decide(r.Context(), moderator(r), dec, kind, id, reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, DecisionResponse{Kind: string(kind), ID: id, Outcome: string(outcome)})
	}
}

// BulkDecide applies one verdict to many items. Requires X-Idempotency-Key;
// per-item failures are reported in results while siblings commit.
func (h *Handler) BulkDecide(dec moderation.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := idempotencyKey(r)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		var req BulkRequest
		if err := decode(r, &req); err != nil {
			writeDomainError(w, err)
			return
		}
		items := make([]moderation.BulkItem, len(req.Items))
		for i, it := range req.Items {
			items[i] = moderation.BulkItem{Kind: domain.ItemKind(it.Kind), ID: it.ID}
		}

		// Deadline scales with the batch, capped by the route timeout.
		budget := 30*time.Second + 200*time.Millisecond*time.Duration(len(items))
		if budget > 120*time.Second {
			budget = 120 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), budget)
		defer cancel()

		outcome, err := h.Moderation.Bulk(ctx, moderator(r), dec, items, key)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}
