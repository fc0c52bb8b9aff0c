/*
jwt.go - JWT issuance and verification

PURPOSE:
  HS256 access and refresh tokens. Access tokens carry the role and display
  name so request handling needs no user lookup; refresh tokens carry only
  a jti that the store tracks for rotation/revocation.

TOKEN TYPES:
  typ=access   short-lived (~15m), authorizes API calls
  typ=refresh  long-lived (~7d), exchanged at /api/auth/refresh; rotation
               revokes the predecessor's jti

SEE ALSO:
  - middleware.go: Bearer extraction and principal injection
  - store/sqlite/users.go: Refresh jti persistence
*/
package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/warp/crew-ledger/domain"
)

// Token type discriminators.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims are the JWT claims this service issues and accepts.
type Claims struct {
	jwt.RegisteredClaims
	TokenType  string `json:"typ"`
	Role       string `json:"role"`
	Name       string `json:"name,omitempty"`
	TelegramID *int64 `json:"telegram_id,omitempty"`
}

// Issuer signs and parses service tokens.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewIssuer creates an issuer with the given signing secret and TTLs.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// AccessTTL exposes the configured access lifetime for expires_in fields.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// IssueAccess signs an access token for the user.
func (i *Issuer) IssueAccess(u domain.User) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
		TokenType:  TypeAccess,
		Role:       string(u.Role),
		Name:       u.Name,
		TelegramID: u.TelegramID,
	}
	return i.sign(claims)
}

// IssueRefresh signs a refresh token and returns its jti and expiry for
// the rotation table.
func (i *Issuer) IssueRefresh(u domain.User) (token, jti string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	jti = uuid.NewString()
	expiresAt = now.Add(i.refreshTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TokenType: TypeRefresh,
		Role:      string(u.Role),
	}
	token, err = i.sign(claims)
	return token, jti, expiresAt, err
}

func (i *Issuer) sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return s, nil
}

// Parse validates a token of the wanted type and returns its claims.
func (i *Issuer) Parse(tokenStr, wantType string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w: %v", domain.ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token: %w", domain.ErrUnauthorized)
	}
	if claims.TokenType != wantType {
		return nil, fmt.Errorf("auth: token type %q, want %q: %w", claims.TokenType, wantType, domain.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject: %w", domain.ErrUnauthorized)
	}
	if !domain.ValidRole(domain.Role(claims.Role)) {
		return nil, fmt.Errorf("auth: token role %q: %w", claims.Role, domain.ErrUnauthorized)
	}
	return claims, nil
}

// UserID parses the numeric subject.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("auth: bad subject %q: %w", c.Subject, domain.ErrUnauthorized)
	}
	return id, nil
}
