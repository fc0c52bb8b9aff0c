/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers
  and role gates.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for audit correlation
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the web client
  5. Timeout:    30s request deadline; bulk verdicts get 120s
  6. Auth:       Bearer/JWT or X-Admin-Secret; routes stay open until a
                 Require gate closes them

ACCESS MATRIX:
  public          /health, /api/auth/*, GET /api/invoices/preview/{token}
  any role        shifts, task.add, expense.add, bot item details
  admin+foreman   pending inbox, approve/reject, bulk, bot inbox/approve
  admin only      users, clients, invoices, reports, backups, rules, menu write

SEE ALSO:
  - handlers*.go: Handler implementations
  - auth/middleware.go: Principal extraction and Require
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/crew-ledger/auth"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/moderation"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Idempotency-Key", "X-Admin-Secret"},
		ExposedHeaders:   []string{"X-Checksum-SHA256", "X-Row-Count"},
		AllowCredentials: true,
	}))
	r.Use(auth.Middleware(h.Issuer, h.Cfg.AdminSecret))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		// Public: token issuance and the one-time preview capability.
		r.Post("/auth/login", h.Login)
		r.Post("/auth/refresh", h.Refresh)
		r.Get("/invoices/preview/{token}", h.FetchPreview)

		// Field surface: any authenticated role.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)
			r.Get("/auth/me", h.Me)
			r.Post("/shifts/start", h.StartShift)
			r.Get("/shifts/open", h.OpenShift)
			r.Post("/shifts/{id}/end", h.EndShift)
			r.Post("/task.add", h.AddTask)
			r.Post("/expense.add", h.AddExpense)
			r.Get("/bot/items/{kind}/{id}", h.BotItemDetails)
			r.Get("/bot/menu", h.GetBotMenu)
		})

		// Moderation: admin and foreman. Pending-change verdicts are
		// further narrowed to admin inside the service.
		r.Group(func(r chi.Router) {
			r.Use(auth.Require(domain.RoleAdmin, domain.RoleForeman))
			r.Get("/admin/pending", h.PendingInbox)
			r.Post("/admin/items/{kind}/{id}/approve", h.DecideItem(moderation.DecisionApprove))
			r.Post("/admin/items/{kind}/{id}/reject", h.DecideItem(moderation.DecisionReject))
			r.Get("/bot/inbox", h.BotInbox)
			r.Post("/bot/approve", h.BotApprove)

			// Bulk verdicts may touch hundreds of rows; give them room.
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(120 * time.Second))
				r.Post("/admin/pending/bulk.approve", h.BulkDecide(moderation.DecisionApprove))
				r.Post("/admin/pending/bulk.reject", h.BulkDecide(moderation.DecisionReject))
			})
		})

		// Admin-only management and operations.
		r.Group(func(r chi.Router) {
			r.Use(auth.Require(domain.RoleAdmin))

			r.Route("/users", func(r chi.Router) {
				r.Get("/", h.ListUsers)
				r.Post("/", h.CreateUser)
				r.Patch("/{id}", h.PatchUser)
				r.Post("/{id}/activate", h.SetUserActive(true))
				r.Post("/{id}/deactivate", h.SetUserActive(false))
			})

			r.Route("/clients", func(r chi.Router) {
				r.Get("/", h.ListClients)
				r.Post("/", h.CreateClient)
				r.Patch("/{id}", h.PatchClient)
				r.Post("/{id}/archive", h.ArchiveClient)
			})

			r.Route("/invoices", func(r chi.Router) {
				r.Get("/", h.ListInvoices)
				r.Post("/build", h.BuildInvoice)
				r.Get("/{id}", h.GetInvoice)
				r.Post("/{id}/preview", h.IssuePreview)
				r.Post("/{id}/suggest", h.SuggestEdit)
				r.Post("/{id}/apply", h.ApplySuggestions)
				r.Post("/{id}/status", h.SetInvoiceStatus)
				r.Get("/{id}/versions", h.ListInvoiceVersions)
			})
			r.Post("/suggestions/{id}/apply", h.ApplySuggestion)

			r.Route("/reports", func(r chi.Router) {
				r.Get("/expenses.csv", h.ExpensesCSV)
				r.Get("/invoices.csv", h.InvoicesCSV)
				r.Get("/worker/{id}", h.WorkerReport)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Post("/backup", h.CreateBackup)
				r.Post("/restore", h.RestoreBackup)
				r.Get("/backup/status", h.BackupStatus)
				r.Post("/rules/reload", h.ReloadRules)
				r.Get("/audit/{kind}/{id}", h.AuditByTarget)
			})

			r.Put("/bot/menu", h.UpdateBotMenu)
			r.Post("/bot/menu/apply", h.ApplyBotMenu)
		})
	})

	return r
}
