/*
handlers_bot.go - Bot-facing inbox shortcuts and menu management

PURPOSE:
  The Telegram bot is a thin client: it logs in with a PIN, reads the
  same moderation inbox, and renders item details preformatted for chat.
  The menu endpoints let an admin edit the command layout under an
  optimistic version lock, then mark it applied once the bot has synced.

SEE ALSO:
  - store/sqlite/botmenu.go: Version lock and command rows
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/crew-ledger/audit"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/moderation"
	"github.com/warp/crew-ledger/money"
	"github.com/warp/crew-ledger/store/sqlite"
)

// BotInbox is the chat rendition of the moderation inbox. Same filters
// as the admin view, but the default status is pending so the bot shows
// only what still needs a verdict.
func (h *Handler) BotInbox(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	filter, err := inboxFilter(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if filter.Status == "" {
		filter.Status = domain.StatusPending
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
	h.Store.RecordMetric("bot.inbox.list", map[string]any{
		"actor": principal(r).Actor(), "total": total, "page": page,
	})
	writeJSON(w, http.StatusOK, PageDTO[PendingItemDTO]{Items: dtos, Total: total, Page: page, Limit: limit})
}

// BotApprove approves items on behalf of a bot-identified moderator.
// The bot authenticates as itself; the human behind the verdicts arrives
// as a telegram id and must map to an active admin or foreman. Items
// are decided independently; per-item failures are reported in place.
func (h *Handler) BotApprove(w http.ResponseWriter, r *http.Request) {
	var req BotApproveRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if len(req.Items) == 0 {
		writeDomainError(w, &domain.ValidationError{Field: "items", Message: "required"})
		return
	}
	for _, it := range req.Items {
		if !domain.ValidItemKind(domain.ItemKind(it.Kind)) {
			writeDomainError(w, &domain.ValidationError{Field: "items.kind", Message: "task, expense or pending_change"})
			return
		}
	}

	var user domain.User
	err := h.Store.WithReadTx(r.Context(), func(sess *sqlite.Session) error {
		var err error
		user, err = sess.GetUserByTelegramID(req.TelegramID)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if user.Status != domain.UserActive ||
		(user.Role != domain.RoleAdmin && user.Role != domain.RoleForeman) {
		writeDomainError(w, domain.ErrForbiddenRole)
		return
	}

	actor := moderation.Actor{Name: user.Name, Role: user.Role}
	results := make([]map[string]any, len(req.Items))
	for i, it := range req.Items {
		res := map[string]any{"kind": it.Kind, "id": it.ID}
		outcome, err := h.Moderation.Decide(r.Context(), actor, moderation.DecisionApprove,
			domain.ItemKind(it.Kind), it.ID, "")
		if err != nil {
			res["status"] = "error"
			res["error"] = err.Error()
		} else {
			res["status"] = string(outcome)
		}
		results[i] = res
	}
	writeJSON(w, http.StatusOK, map[string]any{"by": user.Name, "results": results})
}

// BotItemDetails renders one pending item for chat display. Tasks expose
// their pricing sha so a moderator can cross-check the amount.
func (h *Handler) BotItemDetails(w http.ResponseWriter, r *http.Request) {
	kind := domain.ItemKind(chi.URLParam(r, "kind"))
	if !domain.ValidItemKind(kind) {
		writeDomainError(w, &domain.ValidationError{Field: "kind", Message: "task, expense or pending_change"})
		return
	}
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := map[string]any{"kind": string(kind), "id": id}
	err = h.Store.WithReadTx(r.Context(), func(sess *sqlite.Session) error {
		switch kind {
		case domain.KindTask:
			t, err := sess.GetTask(id)
			if err != nil {
				return err
			}
			out["rate_code"] = t.RateCode
			out["qty"] = t.Qty.String()
			out["total"] = money.String(t.Amount)
			out["fmt_total"] = money.Format(t.Amount)
			out["currency"] = domain.Currency
			out["pricing_sha"] = t.PricingSHA
			out["worker"] = t.Worker
			out["status"] = string(t.Status)
			// Re-price against the live rules so the moderator sees the
			// derivation. A changed rules sha means the amount was pinned
			// under an older rule set.
			if expl, err := h.Pricing.PriceTask(t.RateCode, t.Qty); err == nil {
				out["explain"] = expl
				out["rules_changed"] = expl.PricingSHA != t.PricingSHA
			}
		case domain.KindExpense:
			e, err := sess.GetExpense(id)
			if err != nil {
				return err
			}
			out["category"] = e.Category
			out["total"] = money.String(e.Amount)
			out["fmt_total"] = money.Format(e.Amount)
			out["currency"] = e.Currency
			out["ocr_status"] = string(e.OCRStatus)
			out["photo_ref"] = e.PhotoRef
			out["status"] = string(e.Status)
			out["date"] = e.Date.Format("2006-01-02")
		default:
			status, err := sess.GetPendingChangeStatus(id)
			if err != nil {
				return err
			}
			out["status"] = string(status)
		}
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Store.RecordMetric("bot.item.details", map[string]any{
		"actor": principal(r).Actor(), "kind": string(kind), "id": id,
	})
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// BOT MENU
// =============================================================================

func toBotCommandDTO(c domain.BotCommand) BotCommandDTO {
	return BotCommandDTO{
		Role:            string(c.Role),
		CommandKey:      c.CommandKey,
		TelegramCommand: c.TelegramCommand,
		Label:           c.Label,
		Description:     c.Description,
		Enabled:         c.Enabled,
		IsCore:          c.IsCore,
		Position:        c.Position,
		CommandType:     c.CommandType,
	}
}

// GetBotMenu returns the menu and its lock version. ?role= narrows to
// one role's commands; default is the worker menu.
func (h *Handler) GetBotMenu(w http.ResponseWriter, r *http.Request) {
	role := domain.Role(r.URL.Query().Get("role"))
	if role == "" {
		role = domain.RoleWorker
	}
	if !domain.ValidRole(role) {
		writeDomainError(w, &domain.ValidationError{Field: "role", Message: "admin, foreman or worker"})
		return
	}

	var dto BotMenuDTO
	err := h.Store.WithReadTx(r.Context(), func(sess *sqlite.Session) error {
		cfg, err := sess.GetBotMenuConfig()
		if err != nil {
			return err
		}
		commands, err := sess.ListBotCommands(role)
		if err != nil {
			return err
		}
		dto = BotMenuDTO{Version: cfg.Version}
		for _, c := range commands {
			dto.Commands = append(dto.Commands, toBotCommandDTO(c))
		}
		if cfg.LastUpdatedAt != nil {
			dto.LastUpdatedAt = cfg.LastUpdatedAt.Format(time.RFC3339)
		}
		if cfg.LastAppliedAt != nil {
			dto.LastAppliedAt = cfg.LastAppliedAt.Format(time.RFC3339)
		}
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// UpdateBotMenu rewrites menu rows. The caller must present the version
// it read; a mismatch means someone else edited first and is a 409.
func (h *Handler) UpdateBotMenu(w http.ResponseWriter, r *http.Request) {
	var req UpdateBotMenuRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	actor := principal(r).Actor()
	var next int
	err := h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		var err error
		next, err = sess.BumpBotMenuVersion(req.Version, actor)
		if err != nil {
			return err
		}
		for _, c := range req.Commands {
			role := domain.Role(c.Role)
			if !domain.ValidRole(role) {
				return &domain.ValidationError{Field: "commands.role", Message: "admin, foreman or worker"}
			}
			if c.CommandKey == "" {
				return &domain.ValidationError{Field: "commands.command_key", Message: "required"}
			}
			if err := sess.UpsertBotCommand(domain.BotCommand{
				Role:            role,
				CommandKey:      c.CommandKey,
				TelegramCommand: c.TelegramCommand,
				Label:           c.Label,
				Description:     c.Description,
				Enabled:         c.Enabled,
				IsCore:          c.IsCore,
				Position:        c.Position,
				CommandType:     c.CommandType,
			}); err != nil {
				return err
			}
		}
		entry, err := newEntry(r, actor, "botmenu.update", "bot_menu", nil, req, audit.OutcomeApplied, "")
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit("botmenu.update", map[string]any{"version": next, "commands": len(req.Commands)})
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": next})
}

// ApplyBotMenu records that the bot has synced the current menu.
func (h *Handler) ApplyBotMenu(w http.ResponseWriter, r *http.Request) {
	actor := principal(r).Actor()
	err := h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		if err := sess.MarkBotMenuApplied(actor); err != nil {
			return err
		}
		entry, err := newEntry(r, actor, "botmenu.apply", "bot_menu", nil, nil, audit.OutcomeApplied, "")
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit("botmenu.apply", map[string]any{"by": actor})
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": true})
}
