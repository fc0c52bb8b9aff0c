/*
types.go - Core domain types for the crew work ledger

PURPOSE:
  Single home for the entity types shared by the store, the moderation and
  invoice cores, and the API layer. Handlers convert these to DTOs; nothing
  in here knows about HTTP or SQL.

ENTITIES:
  User / Credential    People and their login material
  Client               Billable customers
  Shift / Task / Expense   Submitted work, priced on creation
  PendingItem          Moderation-inbox view over tasks/expenses/changes
  Invoice family       Invoice, InvoiceItem, PreviewToken, Suggestion, Version
  BotCommand/MenuConfig    Bot menu rows with optimistic locking

CONVENTIONS:
  - Monetary values are shopspring decimals, scale 2, currency "ILS".
  - Timestamps are UTC.
  - Identifiers are monotonic int64 row ids.
  - Nothing is ever hard-deleted; destructive intent is a status transition.

SEE ALSO:
  - errors.go: Error taxonomy used with these types
  - store/sqlite: Persistence for every entity here
*/
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ROLES AND STATUSES
// =============================================================================

// Role is an authorized persona. The set is closed; RBAC enumerates it.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleForeman Role = "foreman"
	RoleWorker  Role = "worker"
)

// ValidRole reports whether r is one of the three known roles.
func ValidRole(r Role) bool {
	return r == RoleAdmin || r == RoleForeman || r == RoleWorker
}

// Origin records which channel authenticated a caller.
type Origin string

const (
	OriginWeb        Origin = "web"
	OriginBot        Origin = "bot"
	OriginAutomation Origin = "automation"
)

// UserStatus is active/inactive; users are never hard-deleted.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserInactive UserStatus = "inactive"
)

// ClientStatus is active/archived.
type ClientStatus string

const (
	ClientActive   ClientStatus = "active"
	ClientArchived ClientStatus = "archived"
)

// ShiftStatus: open iff ended_at is unset.
type ShiftStatus string

const (
	ShiftOpen   ShiftStatus = "open"
	ShiftClosed ShiftStatus = "closed"
)

// ModerationStatus is the pending-item state machine. Terminal states are
// absorbing: repeating the same action maps to a noop, not an error.
type ModerationStatus string

const (
	StatusPending       ModerationStatus = "pending"
	StatusNeedsApproval ModerationStatus = "needs_approval"
	StatusApproved      ModerationStatus = "approved"
	StatusRejected      ModerationStatus = "rejected"
)

// Terminal reports whether a moderation status accepts no further transitions.
func (s ModerationStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// InvoiceStatus lifecycle: draft -> issued -> paid, or cancelled from any
// non-terminal state.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceIssued    InvoiceStatus = "issued"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Terminal reports whether an invoice accepts no further transitions.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoicePaid || s == InvoiceCancelled
}

// OCRStatus is informational only; it never gates approval.
type OCRStatus string

const (
	OCROff     OCRStatus = "off"
	OCRAbstain OCRStatus = "abstain"
	OCROK      OCRStatus = "ok"
)

// Currency is uniformly ILS in v1. Kept as a constant so the single place a
// second currency would enter is explicit.
const Currency = "ILS"

// =============================================================================
// PEOPLE
// =============================================================================

// User is a crew member, foreman or administrator.
type User struct {
	ID         int64
	Name       string
	TelegramID *int64 // unique when set
	Role       Role
	Status     UserStatus
	DailyRate  *decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Credential is the 1:1 login material for a user. Hashes are bcrypt.
type Credential struct {
	UserID       int64
	Username     string
	PasswordHash string
	PINHash      string
	LastLogin    *time.Time
	UpdatedAt    time.Time
}

// Client is a billable customer.
type Client struct {
	ID                 int64
	Name               string
	Contact            string
	DefaultPricingRule string
	Status             ClientStatus
	CreatedAt          time.Time
}

// =============================================================================
// WORK SUBMISSIONS
// =============================================================================

// Shift is a worker's presence window. Invariant: ended_at >= created_at when
// set, and status is closed iff ended_at is set.
type Shift struct {
	ID          int64
	UserID      int64
	ClientID    *int64
	WorkAddress string
	Status      ShiftStatus
	CreatedAt   time.Time
	EndedAt     *time.Time
}

// Task is a unit of priced work inside a shift. Amount is computed by the
// pricing engine at creation and pinned with the pricing sha.
type Task struct {
	ID         int64
	ShiftID    int64
	RateCode   string
	Qty        decimal.Decimal
	Amount     decimal.Decimal
	PricingSHA string
	Worker     string
	Status     ModerationStatus
	CreatedAt  time.Time
}

// Expense is a worker-submitted cost. Amounts above the configured threshold
// require a photo reference at creation time.
type Expense struct {
	ID        int64
	WorkerID  int64
	ShiftID   *int64
	Category  string
	Amount    decimal.Decimal
	Currency  string
	PhotoRef  string
	OCRStatus OCRStatus
	Status    ModerationStatus
	Date      time.Time
	CreatedAt time.Time
}

// =============================================================================
// MODERATION
// =============================================================================

// ItemKind discriminates pending items. Closed set; adding a kind is a
// deliberate schema change.
type ItemKind string

const (
	KindTask          ItemKind = "task"
	KindExpense       ItemKind = "expense"
	KindPendingChange ItemKind = "pending_change"
)

// ValidItemKind reports whether k names a known pending-item kind.
func ValidItemKind(k ItemKind) bool {
	return k == KindTask || k == KindExpense || k == KindPendingChange
}

// PendingItem is the inbox projection over tasks, expenses and pending
// invoice changes awaiting a moderator.
type PendingItem struct {
	ID             int64
	Kind           ItemKind
	ActorName      string
	Summary        string
	Amount         *decimal.Decimal
	Currency       string
	Status         ModerationStatus
	PayloadPreview string
	CreatedAt      time.Time
}

// =============================================================================
// INVOICES
// =============================================================================

// Invoice is the billable document for a client and period.
type Invoice struct {
	ID         int64
	ClientID   int64
	PeriodFrom time.Time
	PeriodTo   time.Time
	Currency   string
	Subtotal   decimal.Decimal
	Tax        decimal.Decimal
	Total      decimal.Decimal
	Status     InvoiceStatus
	Version    int
	CreatedAt  time.Time
}

// InvoiceItem is one line. amount = quantity * unit_price, rounded bankers/2.
type InvoiceItem struct {
	ID          int64
	InvoiceID   int64
	Type        string
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
	Worker      string
	Site        string
}

// PreviewToken stores only the SHA-256 of the capability string; the
// plaintext never touches disk. used_at marks single use.
type PreviewToken struct {
	TokenHash string
	InvoiceID int64
	IssuedAt  time.Time
	UsedAt    *time.Time
}

// SuggestionStatus for proposed invoice edits.
type SuggestionStatus string

const (
	SuggestionOpen     SuggestionStatus = "open"
	SuggestionApplied  SuggestionStatus = "applied"
	SuggestionRejected SuggestionStatus = "rejected"
)

// Suggestion is a proposed invoice mutation awaiting apply.
type Suggestion struct {
	ID          int64
	InvoiceID   int64
	Kind        string
	PayloadJSON string
	Status      SuggestionStatus
	CreatedAt   time.Time
}

// InvoiceVersion is an immutable record of one successful apply.
type InvoiceVersion struct {
	ID        int64
	InvoiceID int64
	Version   int
	DiffJSON  string
	SHA       string
	CreatedAt time.Time
}

// =============================================================================
// BOT MENU
// =============================================================================

// BotCommand is one row of the bot's role-scoped command menu.
type BotCommand struct {
	ID              int64
	Role            Role
	CommandKey      string
	TelegramCommand string
	Label           string
	Description     string
	Enabled         bool
	IsCore          bool
	Position        int
	CommandType     string
}

// BotMenuConfig carries the optimistic-lock version for menu updates and the
// explicit apply-to-bot phase.
type BotMenuConfig struct {
	Version       int
	LastUpdatedAt *time.Time
	LastUpdatedBy string
	LastAppliedAt *time.Time
	LastAppliedBy string
}
