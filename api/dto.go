/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures of the HTTP contract, decoupled from the domain model.
  Money travels as plain decimal strings ("1600.00"); display-formatted
  fields are prefixed fmt_ and carry the shekel format.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers*.go: Producers and consumers of these types
  - money: String vs Format
*/
package api

import (
	"time"

	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/money"
)

// =============================================================================
// AUTH
// =============================================================================

// LoginRequest carries either username+password (web) or pin (bot).
type LoginRequest struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	PIN      string `json:"pin,omitempty"`
}

// TokenResponse is the pair issued at login and refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Role         string `json:"role"`
	Name         string `json:"name"`
}

// RefreshRequest exchanges a refresh token for a fresh pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// =============================================================================
// USERS / CLIENTS
// =============================================================================

// UserDTO represents a user in API responses.
type UserDTO struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	TelegramID *int64 `json:"telegram_id,omitempty"`
	Role       string `json:"role"`
	Status     string `json:"status"`
	DailyRate  string `json:"daily_rate,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func toUserDTO(u domain.User) UserDTO {
	dto := UserDTO{
		ID:         u.ID,
		Name:       u.Name,
		TelegramID: u.TelegramID,
		Role:       string(u.Role),
		Status:     string(u.Status),
		CreatedAt:  u.CreatedAt.Format(time.RFC3339),
	}
	if u.DailyRate != nil {
		dto.DailyRate = money.String(*u.DailyRate)
	}
	return dto
}

// CreateUserRequest creates a user with optional credentials.
type CreateUserRequest struct {
	Name       string `json:"name"`
	Role       string `json:"role"`
	TelegramID *int64 `json:"telegram_id,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	PIN        string `json:"pin,omitempty"`
	DailyRate  string `json:"daily_rate,omitempty"`
}

// PatchUserRequest updates mutable fields; nil means unchanged.
type PatchUserRequest struct {
	Name       *string `json:"name,omitempty"`
	Role       *string `json:"role,omitempty"`
	TelegramID *int64  `json:"telegram_id,omitempty"`
	DailyRate  *string `json:"daily_rate,omitempty"`
}

// PageDTO wraps a paginated list.
type PageDTO[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// ClientDTO represents a client in API responses.
type ClientDTO struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Contact            string `json:"contact,omitempty"`
	DefaultPricingRule string `json:"default_pricing_rule,omitempty"`
	Status             string `json:"status"`
	CreatedAt          string `json:"created_at"`
}

func toClientDTO(c domain.Client) ClientDTO {
	return ClientDTO{
		ID:                 c.ID,
		Name:               c.Name,
		Contact:            c.Contact,
		DefaultPricingRule: c.DefaultPricingRule,
		Status:             string(c.Status),
		CreatedAt:          c.CreatedAt.Format(time.RFC3339),
	}
}

// UpsertClientRequest creates or patches a client.
type UpsertClientRequest struct {
	Name               string `json:"name"`
	Contact            string `json:"contact,omitempty"`
	DefaultPricingRule string `json:"default_pricing_rule,omitempty"`
}

// =============================================================================
// WORK SUBMISSIONS
// =============================================================================

// StartShiftRequest opens a shift for the caller.
type StartShiftRequest struct {
	ClientID    *int64 `json:"client_id,omitempty"`
	WorkAddress string `json:"work_address,omitempty"`
}

// ShiftDTO represents a shift in API responses.
type ShiftDTO struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user_id"`
	ClientID    *int64 `json:"client_id,omitempty"`
	WorkAddress string `json:"work_address,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	EndedAt     string `json:"ended_at,omitempty"`
}

func toShiftDTO(sh domain.Shift) ShiftDTO {
	dto := ShiftDTO{
		ID:          sh.ID,
		UserID:      sh.UserID,
		ClientID:    sh.ClientID,
		WorkAddress: sh.WorkAddress,
		Status:      string(sh.Status),
		CreatedAt:   sh.CreatedAt.Format(time.RFC3339),
	}
	if sh.EndedAt != nil {
		dto.EndedAt = sh.EndedAt.Format(time.RFC3339)
	}
	return dto
}

// AddTaskRequest submits priced work. ShiftID 0 means the caller's open
// shift.
type AddTaskRequest struct {
	ShiftID  int64  `json:"shift_id,omitempty"`
	RateCode string `json:"rate_code"`
	Qty      string `json:"qty"`
	Worker   string `json:"worker,omitempty"`
}

// TaskDTO represents a task in API responses.
type TaskDTO struct {
	ID         int64  `json:"id"`
	ShiftID    int64  `json:"shift_id"`
	RateCode   string `json:"rate_code"`
	Qty        string `json:"qty"`
	Amount     string `json:"amount"`
	FmtAmount  string `json:"fmt_amount"`
	PricingSHA string `json:"pricing_sha"`
	Status     string `json:"status"`
	Replayed   bool   `json:"replayed,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func toTaskDTO(t domain.Task) TaskDTO {
	return TaskDTO{
		ID:         t.ID,
		ShiftID:    t.ShiftID,
		RateCode:   t.RateCode,
		Qty:        t.Qty.String(),
		Amount:     money.String(t.Amount),
		FmtAmount:  money.Format(t.Amount),
		PricingSHA: t.PricingSHA,
		Status:     string(t.Status),
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
	}
}

// AddExpenseRequest submits a cost.
type AddExpenseRequest struct {
	ShiftID  *int64 `json:"shift_id,omitempty"`
	Category string `json:"category"`
	Amount   string `json:"amount"`
	Date     string `json:"date,omitempty"` // 2006-01-02, default today
	PhotoRef string `json:"photo_ref,omitempty"`
}

// ExpenseDTO represents an expense in API responses.
type ExpenseDTO struct {
	ID        int64  `json:"id"`
	WorkerID  int64  `json:"worker_id"`
	Category  string `json:"category"`
	Amount    string `json:"amount"`
	FmtAmount string `json:"fmt_amount"`
	Currency  string `json:"currency"`
	PhotoRef  string `json:"photo_ref,omitempty"`
	OCRStatus string `json:"ocr_status"`
	Status    string `json:"status"`
	Replayed  bool   `json:"replayed,omitempty"`
	Date      string `json:"date"`
}

func toExpenseDTO(e domain.Expense) ExpenseDTO {
	return ExpenseDTO{
		ID:        e.ID,
		WorkerID:  e.WorkerID,
		Category:  e.Category,
		Amount:    money.String(e.Amount),
		FmtAmount: money.Format(e.Amount),
		Currency:  e.Currency,
		PhotoRef:  e.PhotoRef,
		OCRStatus: string(e.OCRStatus),
		Status:    string(e.Status),
		Date:      e.Date.Format("2006-01-02"),
	}
}

// =============================================================================
// MODERATION
// =============================================================================

// PendingItemDTO is one inbox row.
type PendingItemDTO struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Actor     string `json:"actor"`
	Summary   string `json:"summary"`
	Amount    string `json:"amount,omitempty"`
	FmtAmount string `json:"fmt_amount,omitempty"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func toPendingItemDTO(it domain.PendingItem) PendingItemDTO {
	dto := PendingItemDTO{
		ID:        it.ID,
		Kind:      string(it.Kind),
		Actor:     it.ActorName,
		Summary:   it.Summary,
		Currency:  it.Currency,
		Status:    string(it.Status),
		CreatedAt: it.CreatedAt.Format(time.RFC3339),
	}
	if it.Amount != nil {
		dto.Amount = money.String(*it.Amount)
		dto.FmtAmount = money.Format(*it.Amount)
	}
	return dto
}

// DecisionResponse reports a single moderation verdict.
type DecisionResponse struct {
	Kind    string `json:"kind"`
	ID      int64  `json:"id"`
	Outcome string `json:"outcome"` // applied | noop
}

// RejectRequest carries the optional reason.
type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// BulkRequest addresses many items with one verdict.
type BulkRequest struct {
	Items []BulkItemRef `json:"items"`
}

// BulkItemRef is one item reference in a bulk body.
type BulkItemRef struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

// =============================================================================
// INVOICES
// =============================================================================

// BuildInvoiceRequest assembles a draft for a client period.
type BuildInvoiceRequest struct {
	ClientID   int64  `json:"client_id"`
	PeriodFrom string `json:"period_from"` // 2006-01-02, inclusive
	PeriodTo   string `json:"period_to"`   // 2006-01-02, exclusive
}

// InvoiceDTO represents an invoice in API responses.
type InvoiceDTO struct {
	ID         int64            `json:"id"`
	ClientID   int64            `json:"client_id"`
	PeriodFrom string           `json:"period_from"`
	PeriodTo   string           `json:"period_to"`
	Currency   string           `json:"currency"`
	Subtotal   string           `json:"subtotal"`
	Tax        string           `json:"tax"`
	Total      string           `json:"total"`
	FmtTotal   string           `json:"fmt_total"`
	Status     string           `json:"status"`
	Version    int              `json:"version"`
	Created    bool             `json:"created,omitempty"`
	Items      []InvoiceItemDTO `json:"items,omitempty"`
}

func toInvoiceDTO(inv domain.Invoice, items []domain.InvoiceItem) InvoiceDTO {
	dto := InvoiceDTO{
		ID:         inv.ID,
		ClientID:   inv.ClientID,
		PeriodFrom: inv.PeriodFrom.Format("2006-01-02"),
		PeriodTo:   inv.PeriodTo.Format("2006-01-02"),
		Currency:   inv.Currency,
		Subtotal:   money.String(inv.Subtotal),
		Tax:        money.String(inv.Tax),
		Total:      money.String(inv.Total),
		FmtTotal:   money.Format(inv.Total),
		Status:     string(inv.Status),
		Version:    inv.Version,
	}
	for _, it := range items {
		dto.Items = append(dto.Items, InvoiceItemDTO{
			ID:          it.ID,
			Type:        it.Type,
			Description: it.Description,
			Quantity:    it.Quantity.String(),
			UnitPrice:   money.String(it.UnitPrice),
			Amount:      money.String(it.Amount),
			Worker:      it.Worker,
			Site:        it.Site,
		})
	}
	return dto
}

// InvoiceItemDTO is one invoice line.
type InvoiceItemDTO struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
	Worker      string `json:"worker,omitempty"`
	Site        string `json:"site,omitempty"`
}

// PreviewIssueResponse hands out the one-time link.
type PreviewIssueResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// SuggestRequest proposes one invoice edit.
type SuggestRequest struct {
	Kind        string `json:"kind"`
	ItemID      int64  `json:"item_id,omitempty"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity,omitempty"`
	UnitPrice   string `json:"unit_price,omitempty"`
	Worker      string `json:"worker,omitempty"`
	Site        string `json:"site,omitempty"`
}

// ApplySuggestionsRequest applies a batch of open suggestions atomically.
type ApplySuggestionsRequest struct {
	SuggestionIDs []int64 `json:"suggestion_ids"`
}

// SuggestionDTO represents a queued suggestion.
type SuggestionDTO struct {
	ID        int64  `json:"id"`
	InvoiceID int64  `json:"invoice_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// InvoiceStatusRequest moves the lifecycle.
type InvoiceStatusRequest struct {
	Status string `json:"status"`
}

// VersionDTO is one immutable apply record.
type VersionDTO struct {
	Version   int    `json:"version"`
	DiffJSON  string `json:"diff_json"`
	SHA       string `json:"sha"`
	CreatedAt string `json:"created_at"`
}

// =============================================================================
// BOT MENU
// =============================================================================

// BotCommandDTO is one menu row.
type BotCommandDTO struct {
	Role            string `json:"role"`
	CommandKey      string `json:"command_key"`
	TelegramCommand string `json:"telegram_command"`
	Label           string `json:"label,omitempty"`
	Description     string `json:"description,omitempty"`
	Enabled         bool   `json:"enabled"`
	IsCore          bool   `json:"is_core"`
	Position        int    `json:"position"`
	CommandType     string `json:"command_type,omitempty"`
}

// BotMenuDTO is the menu plus its optimistic-lock version.
type BotMenuDTO struct {
	Version       int             `json:"version"`
	Commands      []BotCommandDTO `json:"commands"`
	LastUpdatedAt string          `json:"last_updated_at,omitempty"`
	LastAppliedAt string          `json:"last_applied_at,omitempty"`
}

// UpdateBotMenuRequest rewrites menu rows under the version lock.
type UpdateBotMenuRequest struct {
	Version  int             `json:"version"`
	Commands []BotCommandDTO `json:"commands"`
}

// BotApproveRequest carries approvals relayed by the bot. TelegramID
// names the human moderator behind them.
type BotApproveRequest struct {
	TelegramID int64         `json:"telegram_id"`
	Items      []BulkItemRef `json:"items"`
}
