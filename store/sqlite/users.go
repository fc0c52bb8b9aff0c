/*
users.go - User, credential and refresh-token persistence
*/
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/crew-ledger/domain"
)

const userColumns = "id, name, telegram_id, role, status, daily_rate, created_at, updated_at"

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	var tid sql.NullInt64
	var rate sql.NullString
	var created, updated string
	err := row.Scan(&u.ID, &u.Name, &tid, &u.Role, &u.Status, &rate, &created, &updated)
	if err != nil {
		return u, err
	}
	u.TelegramID = intPtr(tid)
	if rate.Valid {
		d := parseDecimal(rate.String)
		u.DailyRate = &d
	}
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return u, nil
}

// CreateUser inserts a user and returns it with the assigned ID. A taken
// telegram_id surfaces as a stale-state conflict.
func (s *Session) CreateUser(u domain.User) (domain.User, error) {
	now := utcNow()
	var rate sql.NullString
	if u.DailyRate != nil {
		rate = nullString(u.DailyRate.String())
	}
	res, err := s.exec(`
		INSERT INTO users (name, telegram_id, role, status, daily_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Name, nullInt(u.TelegramID), u.Role, u.Status, rate, now, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return u, &domain.StaleStateError{Kind: "user", Current: "telegram_id taken", Wanted: "unique telegram_id"}
		}
		return u, fmt.Errorf("store: create user: %w", err)
	}
	u.ID, _ = res.LastInsertId()
	u.CreatedAt = parseTime(now)
	u.UpdatedAt = u.CreatedAt
	return u, nil
}

// GetUser fetches one user by ID.
func (s *Session) GetUser(id int64) (domain.User, error) {
	u, err := scanUser(s.queryRow(
		"SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("store: user %d: %w", id, domain.ErrNotFound)
	}
	return u, err
}

// GetUserByTelegramID fetches one user by bot identity.
func (s *Session) GetUserByTelegramID(tid int64) (domain.User, error) {
	u, err := scanUser(s.queryRow(
		"SELECT "+userColumns+" FROM users WHERE telegram_id = ?", tid))
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("store: telegram user %d: %w", tid, domain.ErrNotFound)
	}
	return u, err
}

// ListUsers returns one page ordered by id plus the unpaged total.
func (s *Session) ListUsers(page, limit int) ([]domain.User, int, error) {
	var total int
	if err := s.queryRow("SELECT COUNT(*) FROM users").Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.query(
		"SELECT "+userColumns+" FROM users ORDER BY id LIMIT ? OFFSET ?",
		limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// UpdateUser patches mutable fields (name, role, telegram_id, daily_rate).
func (s *Session) UpdateUser(u domain.User) error {
	var rate sql.NullString
	if u.DailyRate != nil {
		rate = nullString(u.DailyRate.String())
	}
	res, err := s.exec(`
		UPDATE users SET name = ?, telegram_id = ?, role = ?, daily_rate = ?, updated_at = ?
		WHERE id = ?`,
		u.Name, nullInt(u.TelegramID), u.Role, rate, utcNow(), u.ID)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &domain.StaleStateError{Kind: "user", ID: u.ID, Current: "telegram_id taken", Wanted: "unique telegram_id"}
		}
		return fmt.Errorf("store: update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: user %d: %w", u.ID, domain.ErrNotFound)
	}
	return nil
}

// SetUserStatus activates or deactivates a user. Returns the previous
// status so callers can detect a noop.
func (s *Session) SetUserStatus(id int64, status domain.UserStatus) (domain.UserStatus, error) {
	var prev domain.UserStatus
	err := s.queryRow("SELECT status FROM users WHERE id = ?", id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: user %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if prev == status {
		return prev, nil
	}
	_, err = s.exec("UPDATE users SET status = ?, updated_at = ? WHERE id = ?",
		status, utcNow(), id)
	return prev, err
}

// =============================================================================
// CREDENTIALS
// =============================================================================

// SaveCredential upserts login material for a user.
func (s *Session) SaveCredential(c domain.Credential) error {
	_, err := s.exec(`
		INSERT INTO auth_credentials (user_id, username, password_hash, pin_hash, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			password_hash = excluded.password_hash,
			pin_hash = excluded.pin_hash,
			updated_at = excluded.updated_at`,
		c.UserID, nullString(c.Username), nullString(c.PasswordHash),
		nullString(c.PINHash), utcNow())
	if isUniqueConstraintError(err) {
		return &domain.StaleStateError{Kind: "credential", ID: c.UserID, Current: "username taken", Wanted: "unique username"}
	}
	return err
}

func scanCredential(row interface{ Scan(...any) error }) (domain.Credential, error) {
	var c domain.Credential
	var username, pwHash, pinHash, lastLogin sql.NullString
	var updated string
	err := row.Scan(&c.UserID, &username, &pwHash, &pinHash, &lastLogin, &updated)
	if err != nil {
		return c, err
	}
	c.Username = username.String
	c.PasswordHash = pwHash.String
	c.PINHash = pinHash.String
	c.LastLogin = parseTimePtr(lastLogin)
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

const credentialColumns = "user_id, username, password_hash, pin_hash, last_login, updated_at"

// GetCredentialByUsername looks up login material for password auth.
func (s *Session) GetCredentialByUsername(username string) (domain.Credential, error) {
	c, err := scanCredential(s.queryRow(
		"SELECT "+credentialColumns+" FROM auth_credentials WHERE username = ?", username))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("store: credential %q: %w", username, domain.ErrNotFound)
	}
	return c, err
}

// GetCredential looks up login material by user ID.
func (s *Session) GetCredential(userID int64) (domain.Credential, error) {
	c, err := scanCredential(s.queryRow(
		"SELECT "+credentialColumns+" FROM auth_credentials WHERE user_id = ?", userID))
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("store: credential for user %d: %w", userID, domain.ErrNotFound)
	}
	return c, err
}

// ListPINCredentials returns the credentials of active users that have a
// PIN set. Crews are small, so PIN login bcrypt-compares against each.
func (s *Session) ListPINCredentials() ([]domain.Credential, error) {
	rows, err := s.query(`
		SELECT c.user_id, c.username, c.password_hash, c.pin_hash, c.last_login, c.updated_at
		FROM auth_credentials c
		JOIN users u ON u.id = c.user_id
		WHERE c.pin_hash IS NOT NULL AND u.status = 'active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// TouchLastLogin stamps a successful authentication.
func (s *Session) TouchLastLogin(userID int64) error {
	_, err := s.exec(
		"UPDATE auth_credentials SET last_login = ? WHERE user_id = ?",
		utcNow(), userID)
	return err
}

// =============================================================================
// REFRESH TOKENS
// =============================================================================

// SaveRefreshToken records an issued refresh jti.
func (s *Session) SaveRefreshToken(jti string, userID int64, expiresAt time.Time) error {
	_, err := s.exec(
		"INSERT INTO refresh_tokens (jti, user_id, expires_at) VALUES (?, ?, ?)",
		jti, userID, fmtTime(expiresAt))
	return err
}

// ConsumeRefreshToken revokes a jti as part of rotation. An unknown,
// already-revoked or expired jti is unauthorized.
func (s *Session) ConsumeRefreshToken(jti string, now time.Time) (int64, error) {
	var userID int64
	var expires string
	var revoked sql.NullString
	err := s.queryRow(
		"SELECT user_id, expires_at, revoked_at FROM refresh_tokens WHERE jti = ?",
		jti).Scan(&userID, &expires, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: unknown refresh token: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return 0, err
	}
	if revoked.Valid {
		return 0, fmt.Errorf("store: refresh token reused: %w", domain.ErrUnauthorized)
	}
	if parseTime(expires).Before(now) {
		return 0, fmt.Errorf("store: refresh token expired: %w", domain.ErrUnauthorized)
	}
	_, err = s.exec("UPDATE refresh_tokens SET revoked_at = ? WHERE jti = ?",
		fmtTime(now), jti)
	return userID, err
}

// RevokeUserRefreshTokens kills every live refresh token for a user
// (deactivation path).
func (s *Session) RevokeUserRefreshTokens(userID int64) error {
	_, err := s.exec(
		"UPDATE refresh_tokens SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL",
		utcNow(), userID)
	return err
}
