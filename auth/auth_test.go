/*
auth_test.go - Token issuance, verification, and middleware gating
*/
package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/crew-ledger/domain"
)

func testUser() domain.User {
	tid := int64(222)
	return domain.User{ID: 7, Name: "Dana", Role: domain.RoleForeman, TelegramID: &tid}
}

func TestIssuer_AccessRoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret", 15*time.Minute, 7*24*time.Hour)

	tok, err := issuer.IssueAccess(testUser())
	require.NoError(t, err)

	claims, err := issuer.Parse(tok, TypeAccess)
	require.NoError(t, err)
	uid, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, int64(7), uid)
	assert.Equal(t, "foreman", claims.Role)
	assert.Equal(t, "Dana", claims.Name)
	require.NotNil(t, claims.TelegramID)
	assert.Equal(t, int64(222), *claims.TelegramID)
}

func TestIssuer_RejectsWrongType(t *testing.T) {
	issuer := NewIssuer("test-secret", 15*time.Minute, time.Hour)

	refresh, jti, exp, err := issuer.IssueRefresh(testUser())
	require.NoError(t, err)
	assert.NotEmpty(t, jti)
	assert.True(t, exp.After(time.Now()))

	_, err = issuer.Parse(refresh, TypeAccess)
	require.Error(t, err)

	claims, err := issuer.Parse(refresh, TypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, jti, claims.ID)
}

func TestIssuer_RejectsForeignSecret(t *testing.T) {
	a := NewIssuer("secret-a", time.Minute, time.Hour)
	b := NewIssuer("secret-b", time.Minute, time.Hour)

	tok, err := a.IssueAccess(testUser())
	require.NoError(t, err)

	_, err = b.Parse(tok, TypeAccess)
	require.Error(t, err)
}

func TestPassword_HashAndVerify(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, "s3cret-pass"))
	assert.False(t, VerifyPassword(hash, "wrong"))
	assert.False(t, VerifyPassword("", "s3cret-pass"))

	_, err = HashPIN("12")
	require.Error(t, err)
	pinHash, err := HashPIN("4921")
	require.NoError(t, err)
	assert.True(t, VerifyPIN(pinHash, "4921"))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_AdminSecret(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Minute, time.Hour)
	mw := Middleware(issuer, "hunter2")

	var seen Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	// Correct secret: admin-equivalent automation principal.
	req := httptest.NewRequest("GET", "/api/admin/pending", nil)
	req.Header.Set("X-Admin-Secret", "hunter2")
	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.RoleAdmin, seen.Role)
	assert.Equal(t, domain.OriginAutomation, seen.Origin)

	// Wrong secret: 403.
	req = httptest.NewRequest("GET", "/api/admin/pending", nil)
	req.Header.Set("X-Admin-Secret", "nope")
	rec = httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequire_RoleGate(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Minute, time.Hour)
	mw := Middleware(issuer, "hunter2")
	protected := mw(Require(domain.RoleAdmin)(okHandler()))

	// No credentials: 401.
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest("GET", "/api/users", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Foreman token on an admin route: 403.
	tok, err := issuer.IssueAccess(testUser())
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admin secret passes the same gate.
	req = httptest.NewRequest("GET", "/api/users", nil)
	req.Header.Set("X-Admin-Secret", "hunter2")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_BadBearer(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Minute, time.Hour)
	mw := Middleware(issuer, "")

	req := httptest.NewRequest("GET", "/api/users", nil)
	req.Header.Set("Authorization", "Token abc")
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("GET", "/api/users", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
