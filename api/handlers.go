/*
handlers.go - Handler context, auth, user and client endpoints

PURPOSE:
  Exposes the work ledger via REST. Handlers parse and validate HTTP,
  delegate to the domain services, and translate errors through
  writeDomainError. No handler touches SQL directly.

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store:      Transactional persistence
  - Issuer:     JWT signing
  - Moderation / Invoices / Reports / Backups: Domain services
  - Pricing:    Hot-reloadable rules engine
  - Cfg:        Photo threshold, OCR flag, backup dir

CHANNEL RULE:
  Workers authenticate with a PIN through the bot; a worker presenting
  valid web credentials is still denied with access_denied_web. The
  denial does not reveal whether the password matched.

SEE ALSO:
  - server.go: Routing and role gates
  - errors.go: Status mapping
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/crew-ledger/audit"
	"github.com/warp/crew-ledger/auth"
	"github.com/warp/crew-ledger/backup"
	"github.com/warp/crew-ledger/config"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/invoice"
	"github.com/warp/crew-ledger/moderation"
	"github.com/warp/crew-ledger/money"
	"github.com/warp/crew-ledger/pricing"
	"github.com/warp/crew-ledger/reports"
	"github.com/warp/crew-ledger/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Issuer     *auth.Issuer
	Moderation *moderation.Service
	Invoices   *invoice.Service
	Reports    *reports.Service
	Backups    *backup.Manager
	Pricing    *pricing.Engine
	Cfg        config.Config
}

// NewHandler wires a handler over the shared store.
func NewHandler(store *sqlite.Store, issuer *auth.Issuer, engine *pricing.Engine, cfg config.Config) *Handler {
	return &Handler{
		Store:      store,
		Issuer:     issuer,
		Moderation: moderation.NewService(store),
		Invoices:   invoice.NewService(store),
		Reports:    reports.NewService(store),
		Backups:    backup.NewManager(store, cfg.BackupsDir),
		Pricing:    engine,
		Cfg:        cfg,
	}
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Message: "malformed JSON"}
	}
	return nil
}

// principal returns the authenticated caller. Routes behind Require always
// have one; the fallback guards against wiring mistakes.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}

// urlID parses a chi path parameter as int64.
func urlID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, &domain.ValidationError{Field: name, Message: "positive integer required"}
	}
	return id, nil
}

// parsePositiveInt parses a query value as a positive int64.
func parsePositiveInt(v, field string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, &domain.ValidationError{Field: field, Message: "positive integer required"}
	}
	return n, nil
}

// pageParams parses ?page=&limit= with defaults 1/50, capped at 200.
func pageParams(r *http.Request) (page, limit int) {
	page, limit = 1, 50
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	return page, limit
}

// newEntry builds an audit entry stamped with the chi request id.
func newEntry(r *http.Request, actor, action, targetKind string, targetID *int64, payload any, outcome audit.Outcome, reason string) (audit.Entry, error) {
	entry, err := audit.New(actor, action, targetKind, targetID, payload, outcome, reason)
	if err != nil {
		return audit.Entry{}, err
	}
	entry.RequestID = requestID(r)
	return entry, nil
}

// recordAuth appends the audit entry and metric for an auth event.
func recordAuth(r *http.Request, sess *sqlite.Session, actor, action string, userID int64, outcome audit.Outcome, reason string) error {
	entry, err := newEntry(r, actor, action, "user", &userID, nil, outcome, reason)
	if err != nil {
		return err
	}
	if err := sess.AppendAudit(entry); err != nil {
		return err
	}
	sess.Emit(action, map[string]any{"user_id": userID, "outcome": string(outcome)})
	return nil
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// Login authenticates by username+password (web) or PIN (bot).
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	switch {
	case req.PIN != "":
		h.loginPIN(w, r, req.PIN)
	case req.Username != "" && req.Password != "":
		h.loginPassword(w, r, req.Username, req.Password)
	default:
		writeDomainError(w, &domain.ValidationError{Field: "body", Message: "username+password or pin required"})
	}
}

func (h *Handler) loginPassword(w http.ResponseWriter, r *http.Request, username, password string) {
	var tok TokenResponse
	err := h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		cred, err := sess.GetCredentialByUsername(username)
		if err != nil {
			if domain.IsNotFound(err) {
				return fmt.Errorf("api: bad credentials: %w", domain.ErrUnauthorized)
			}
			return err
		}
		if !auth.VerifyPassword(cred.PasswordHash, password) {
			return fmt.Errorf("api: bad credentials: %w", domain.ErrUnauthorized)
		}
		user, err := sess.GetUser(cred.UserID)
		if err != nil {
			return err
		}
		if user.Status != domain.UserActive {
			return fmt.Errorf("api: user inactive: %w", domain.ErrUnauthorized)
		}
		// Workers never get a web session, valid password or not.
		if user.Role == domain.RoleWorker {
			return fmt.Errorf("api: %w", domain.ErrAccessDeniedWeb)
		}
		if err := sess.TouchLastLogin(user.ID); err != nil {
			return err
		}
		if err := recordAuth(r, sess, user.Name, "auth.login", user.ID, audit.OutcomeApplied, "web"); err != nil {
			return err
		}
		tok, err = h.issueTokens(r, sess, user)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handler) loginPIN(w http.ResponseWriter, r *http.Request, pin string) {
	var tok TokenResponse
	err := h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		creds, err := sess.ListPINCredentials()
		if err != nil {
			return err
		}
		for _, cred := range creds {
			if auth.VerifyPIN(cred.PINHash, pin) {
				user, err := sess.GetUser(cred.UserID)
				if err != nil {
					return err
				}
				if err := sess.TouchLastLogin(user.ID); err != nil {
					return err
				}
				if err := recordAuth(r, sess, user.Name, "auth.login", user.ID, audit.OutcomeApplied, "bot"); err != nil {
					return err
				}
				tok, err = h.issueTokens(r, sess, user)
				return err
			}
		}
		return fmt.Errorf("api: bad pin: %w", domain.ErrUnauthorized)
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// issueTokens mints the pair and persists the refresh jti inside the
// caller's session, so the grant commits with the login audit or not at
// all.
func (h *Handler) issueTokens(r *http.Request, sess *sqlite.Session, user domain.User) (TokenResponse, error) {
	access, err := h.Issuer.IssueAccess(user)
	if err != nil {
		return TokenResponse{}, err
	}
	refresh, jti, expiresAt, err := h.Issuer.IssueRefresh(user)
	if err != nil {
		return TokenResponse{}, err
	}
	if err := sess.SaveRefreshToken(jti, user.ID, expiresAt); err != nil {
		return TokenResponse{}, err
	}
	if err := recordAuth(r, sess, user.Name, "auth.token_issue", user.ID, audit.OutcomeApplied, ""); err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(h.Issuer.AccessTTL().Seconds()),
		Role:         string(user.Role),
		Name:         user.Name,
	}, nil
}

// Refresh rotates a refresh token: the presented jti is revoked and a new
// pair is issued. Reusing a rotated token fails.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	claims, err := h.Issuer.Parse(req.RefreshToken, auth.TypeRefresh)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var tok TokenResponse
	err = h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		userID, err := sess.ConsumeRefreshToken(claims.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		user, err := sess.GetUser(userID)
		if err != nil {
			return err
		}
		if user.Status != domain.UserActive {
			return fmt.Errorf("api: user inactive: %w", domain.ErrUnauthorized)
		}
		if err := recordAuth(r, sess, user.Name, "auth.refresh", user.ID, audit.OutcomeApplied, ""); err != nil {
			return err
		}
		tok, err = h.issueTokens(r, sess, user)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// rolePermissions is what each role may do; /auth/me reports it so
// clients can hide surfaces instead of probing for 403s.
var rolePermissions = map[domain.Role][]string{
	domain.RoleWorker:  {"shift.manage", "work.submit"},
	domain.RoleForeman: {"shift.manage", "work.submit", "moderation.decide", "reports.view"},
	domain.RoleAdmin: {
		"shift.manage", "work.submit", "moderation.decide", "reports.view",
		"users.manage", "clients.manage", "invoices.manage", "reports.export", "ops.manage",
	},
}

// Me returns the caller's identity and capabilities.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	perms := rolePermissions[p.Role]
	if p.Origin == domain.OriginAutomation {
		writeJSON(w, http.StatusOK, map[string]any{
			"employee":    map[string]any{"name": p.Actor(), "role": string(p.Role)},
			"permissions": perms,
		})
		return
	}

	var user domain.User
	err := h.Store.WithReadTx(r.Context(), func(sess *sqlite.Session) error {
		var err error
		user, err = sess.GetUser(p.UserID)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"employee":    toUserDTO(user),
		"permissions": perms,
	})
}

// =============================================================================
// USER HANDLERS (admin)
// =============================================================================

// ListUsers returns one page of users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	var users []domain.User
	var total int
	err := h.Store.WithReadTx(r.Context(), func(sess *sqlite.Session) error {
		var err error
		users, total, err = sess.ListUsers(page, limit)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, PageDTO[UserDTO]{Items: dtos, Total: total, Page: page, Limit: limit})
}

// CreateUser creates a user with optional credentials.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Name == "" {
		writeDomainError(w, &domain.ValidationError{Field: "name", Message: "required"})
		return
	}
	role := domain.Role(req.Role)
	if !domain.ValidRole(role) {
		writeDomainError(w, &domain.ValidationError{Field: "role", Message: "admin, foreman or worker"})
		return
	}

	user := domain.User{Name: req.Name, Role: role, TelegramID: req.TelegramID, Status: domain.UserActive}
	if req.DailyRate != "" {
		rate, err := money.ParsePositive(req.DailyRate)
		if err != nil {
			writeDomainError(w, &domain.ValidationError{Field: "daily_rate", Message: "positive decimal required"})
			return
		}
		user.DailyRate = &rate
	}

	cred := domain.Credential{Username: req.Username}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		cred.PasswordHash = hash
	}
	if req.PIN != "" {
		hash, err := auth.HashPIN(req.PIN)
		if err != nil {
			writeDomainError(w, &domain.ValidationError{Field: "pin", Message: "at least 4 digits"})
			return
		}
		cred.PINHash = hash
	}

	actor := principal(r).Actor()
	err := h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		created, err := sess.CreateUser(user)
		if err != nil {
			return err
		}
		user = created
		if cred.Username != "" || cred.PasswordHash != "" || cred.PINHash != "" {
			cred.UserID = created.ID
			if err := sess.SaveCredential(cred); err != nil {
				return err
			}
		}
		return recordAuth(r, sess, actor, "user.create", created.ID, audit.OutcomeApplied, "")
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

// PatchUser updates mutable user fields.
func (h *Handler) PatchUser(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req PatchUserRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	actor := principal(r).Actor()
	var user domain.User
	err = h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		user, err = sess.GetUser(id)
		if err != nil {
			return err
		}
		if req.Name != nil {
			user.Name = *req.Name
		}
		if req.Role != nil {
			role := domain.Role(*req.Role)
			if !domain.ValidRole(role) {
				return &domain.ValidationError{Field: "role", Message: "admin, foreman or worker"}
			}
			user.Role = role
		}
		if req.TelegramID != nil {
			user.TelegramID = req.TelegramID
		}
		if req.DailyRate != nil {
			rate, err := money.ParsePositive(*req.DailyRate)
			if err != nil {
				return &domain.ValidationError{Field: "daily_rate", Message: "positive decimal required"}
			}
			user.DailyRate = &rate
		}
		if err := sess.UpdateUser(user); err != nil {
			return err
		}
		return recordAuth(r, sess, actor, "user.update", id, audit.OutcomeApplied, "")
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(user))
}

// SetUserActive flips activation. Deactivation also revokes live refresh
// tokens so the account is locked out immediately.
func (h *Handler) SetUserActive(active bool) http.HandlerFunc {
	status := domain.UserInactive
	action := "user.deactivate"
	if active {
		status = domain.UserActive
		action = "user.activate"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := urlID(r, "id")
		if err != nil {
			writeDomainError(w, err)
			return
		}
		actor := principal(r).Actor()
		outcome := audit.OutcomeApplied
		err = h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
			prev, err := sess.SetUserStatus(id, status)
			if err != nil {
				return err
			}
			if prev == status {
				outcome = audit.OutcomeNoop
			}
			if !active {
				if err := sess.RevokeUserRefreshTokens(id); err != nil {
					return err
				}
			}
			return recordAuth(r, sess, actor, action, id, outcome, "")
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(status), "outcome": string(outcome)})
	}
}

// =============================================================================
// CLIENT HANDLERS (admin)
// =============================================================================

// ListClients returns clients, ?active=true narrows to active.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	var clients []domain.Client
	err := h.Store.WithReadTx(r.Context(), func(sess *sqlite.Session) error {
		var err error
		clients, err = sess.ListClients(activeOnly)
		return err
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ClientDTO, len(clients))
	for i, c := range clients {
		dtos[i] = toClientDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// checkPricingRule rejects a default pricing rule that the live rule set
// does not know. Empty means "no default" and is fine.
func (h *Handler) checkPricingRule(code string) error {
	if code == "" {
		return nil
	}
	if _, ok := h.Pricing.Rules().Rates[code]; !ok {
		return &domain.ValidationError{Field: "default_pricing_rule", Message: "unknown rate code " + code}
	}
	return nil
}

// CreateClient creates an active client.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req UpsertClientRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Name == "" {
		writeDomainError(w, &domain.ValidationError{Field: "name", Message: "required"})
		return
	}
	if err := h.checkPricingRule(req.DefaultPricingRule); err != nil {
		writeDomainError(w, err)
		return
	}
	actor := principal(r).Actor()
	var client domain.Client
	err := h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		var err error
		client, err = sess.CreateClient(domain.Client{
			Name: req.Name, Contact: req.Contact,
			DefaultPricingRule: req.DefaultPricingRule,
			Status:             domain.ClientActive,
		})
		if err != nil {
			return err
		}
		entry, err := newEntry(r, actor, "client.create", "client", &client.ID, req, audit.OutcomeApplied, "")
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit("client.create", map[string]any{"client_id": client.ID})
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientDTO(client))
}

// PatchClient updates client fields.
func (h *Handler) PatchClient(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req UpsertClientRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.checkPricingRule(req.DefaultPricingRule); err != nil {
		writeDomainError(w, err)
		return
	}
	actor := principal(r).Actor()
	var client domain.Client
	err = h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		client, err = sess.GetClient(id)
		if err != nil {
			return err
		}
		if req.Name != "" {
			client.Name = req.Name
		}
		if req.Contact != "" {
			client.Contact = req.Contact
		}
		if req.DefaultPricingRule != "" {
			client.DefaultPricingRule = req.DefaultPricingRule
		}
		if err := sess.UpdateClient(client); err != nil {
			return err
		}
		entry, err := newEntry(r, actor, "client.update", "client", &id, req, audit.OutcomeApplied, "")
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit("client.update", map[string]any{"client_id": id})
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(client))
}

// ArchiveClient soft-archives a client. Already archived is a noop.
func (h *Handler) ArchiveClient(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	actor := principal(r).Actor()
	outcome := audit.OutcomeApplied
	err = h.Store.WithTx(r.Context(), func(sess *sqlite.Session) error {
		prev, err := sess.SetClientStatus(id, domain.ClientArchived)
		if err != nil {
			return err
		}
		if prev == domain.ClientArchived {
			outcome = audit.OutcomeNoop
		}
		entry, err := newEntry(r, actor, "client.archive", "client", &id, nil, outcome, "")
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(entry); err != nil {
			return err
		}
		sess.Emit("client.archive", map[string]any{"client_id": id, "outcome": string(outcome)})
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "archived", "outcome": string(outcome)})
}

// requestID surfaces chi's request id for audit correlation.
func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
