/*
handlers_test.go - End-to-end HTTP tests over the full router

Tests for:
- Login matrix: web password for moderators, PIN for workers, worker web denial
- Role gates on moderation and admin routes
- Submission -> moderation -> invoice -> preview -> lifecycle flow
- Idempotency replay on task.add and bulk verdicts
- Error envelope codes and statuses
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/crew-ledger/audit"
	"github.com/warp/crew-ledger/auth"
	"github.com/warp/crew-ledger/config"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/metrics"
	"github.com/warp/crew-ledger/money"
	"github.com/warp/crew-ledger/pricing"
	"github.com/warp/crew-ledger/store/sqlite"
)

const apiTestRules = `
version: 1
rates:
  hour_electric: "800"
  day_general: "750"
categories:
  fuel: "1.0"
  materials: "1.0"
modifiers: []
`

type fixture struct {
	t      *testing.T
	srv    *httptest.Server
	store  *sqlite.Store
	issuer *auth.Issuer

	adminToken   string
	foremanToken string
	workerToken  string
	workerID     int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	sink := metrics.NewSink(filepath.Join(dir, "metrics"))
	t.Cleanup(func() { sink.Close() })

	store, err := sqlite.New(filepath.Join(dir, "ledger.db"), sink)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rs, err := pricing.Parse([]byte(apiTestRules))
	require.NoError(t, err)
	engine := pricing.NewEngineFromRules(rs)

	cfg := config.Config{
		AdminSecret:    "automation-secret",
		JWTSecret:      "api-test-secret",
		BackupsDir:     filepath.Join(dir, "backups"),
		PhotoThreshold: money.MustParse("500"),
	}
	issuer := auth.NewIssuer(cfg.JWTSecret, 15*time.Minute, time.Hour)

	f := &fixture{
		t:      t,
		store:  store,
		issuer: issuer,
	}
	f.srv = httptest.NewServer(NewRouter(NewHandler(store, issuer, engine, cfg)))
	t.Cleanup(f.srv.Close)

	f.seedUsers()
	return f
}

func (f *fixture) seedUsers() {
	f.t.Helper()
	seed := func(name string, role domain.Role, username, password, pin string) int64 {
		var id int64
		require.NoError(f.t, f.store.WithTx(context.Background(), func(sess *sqlite.Session) error {
			u, err := sess.CreateUser(domain.User{Name: name, Role: role, Status: domain.UserActive})
			if err != nil {
				return err
			}
			id = u.ID
			cred := domain.Credential{UserID: u.ID, Username: username}
			if password != "" {
				cred.PasswordHash, err = auth.HashPassword(password)
				if err != nil {
					return err
				}
			}
			if pin != "" {
				cred.PINHash, err = auth.HashPIN(pin)
				if err != nil {
					return err
				}
			}
			if err := sess.SaveCredential(cred); err != nil {
				return err
			}
			e, err := newAuditMark(u.ID)
			if err != nil {
				return err
			}
			if err := sess.AppendAudit(e); err != nil {
				return err
			}
			sess.Emit("user.create", map[string]any{"user_id": u.ID})
			return nil
		}))
		return id
	}

	seed("Admin Ana", domain.RoleAdmin, "ana", "admin-pass-1", "")
	seed("Foreman Dov", domain.RoleForeman, "dov", "foreman-pass-1", "")
	f.workerID = seed("Worker Avi", domain.RoleWorker, "avi", "worker-pass-1", "7788")

	f.adminToken = f.login(`{"username":"ana","password":"admin-pass-1"}`)
	f.foremanToken = f.login(`{"username":"dov","password":"foreman-pass-1"}`)
	f.workerToken = f.login(`{"pin":"7788"}`)
}

func (f *fixture) login(body string) string {
	f.t.Helper()
	resp := f.do("POST", "/api/auth/login", "", nil, body)
	defer resp.Body.Close()
	require.Equal(f.t, http.StatusOK, resp.StatusCode)
	var tok TokenResponse
	require.NoError(f.t, json.NewDecoder(resp.Body).Decode(&tok))
	return tok.AccessToken
}

func (f *fixture) do(method, path, token string, headers map[string]string, body string) *http.Response {
	f.t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(f.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var env errorEnvelope
	decodeBody(t, resp, &env)
	return env.Detail.Code
}

// newAuditMark exists because seeding through the store directly still has
// to satisfy the commit gate.
func newAuditMark(userID int64) (audit.Entry, error) {
	return audit.New("test-seed", "user.create", "user", &userID, nil, audit.OutcomeApplied, "")
}

// =============================================================================
// AUTH
// =============================================================================

func TestLogin_WorkerWebCredentialsDenied(t *testing.T) {
	f := newFixture(t)

	// GIVEN: a worker who also has a username+password row
	require.NoError(t, f.store.WithTx(context.Background(), func(sess *sqlite.Session) error {
		hash, err := auth.HashPassword("worker-web-pass")
		if err != nil {
			return err
		}
		pinHash, err := auth.HashPIN("7788")
		if err != nil {
			return err
		}
		if err := sess.SaveCredential(domain.Credential{
			UserID: f.workerID, Username: "avi", PasswordHash: hash, PINHash: pinHash,
		}); err != nil {
			return err
		}
		e, err := newAuditMark(f.workerID)
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(e); err != nil {
			return err
		}
		sess.Emit("user.update", nil)
		return nil
	}))

	// WHEN: logging in over the web channel with a correct password
	resp := f.do("POST", "/api/auth/login", "", nil, `{"username":"avi","password":"worker-web-pass"}`)

	// THEN: denied with the channel-specific code, not a role error
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "access_denied_web", errorCode(t, resp))
}

func TestLogin_BadCredentials(t *testing.T) {
	f := newFixture(t)

	resp := f.do("POST", "/api/auth/login", "", nil, `{"username":"ana","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, resp))

	resp = f.do("POST", "/api/auth/login", "", nil, `{"pin":"0000"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestLogin_AuditAndGrantCommitTogether(t *testing.T) {
	f := newFixture(t)

	resp := f.do("POST", "/api/auth/login", "", nil, `{"username":"ana","password":"admin-pass-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The login entry and the token grant land in one transaction, stamped
	// with the same request id.
	require.NoError(t, f.store.WithReadTx(context.Background(), func(sess *sqlite.Session) error {
		trail, err := sess.AuditByActor("Admin Ana", 2)
		require.NoError(t, err)
		require.Len(t, trail, 2)
		assert.Equal(t, "auth.token_issue", trail[0].Action)
		assert.Equal(t, "auth.login", trail[1].Action)
		assert.NotEmpty(t, trail[0].RequestID)
		assert.Equal(t, trail[1].RequestID, trail[0].RequestID)
		return nil
	}))
}

func TestRefresh_RotatesAndBurnsOldToken(t *testing.T) {
	f := newFixture(t)

	resp := f.do("POST", "/api/auth/login", "", nil, `{"username":"ana","password":"admin-pass-1"}`)
	var first TokenResponse
	decodeBody(t, resp, &first)

	// First rotation succeeds.
	resp = f.do("POST", "/api/auth/refresh", "", nil,
		fmt.Sprintf(`{"refresh_token":%q}`, first.RefreshToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second TokenResponse
	decodeBody(t, resp, &second)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Replaying the rotated token fails.
	resp = f.do("POST", "/api/auth/refresh", "", nil,
		fmt.Sprintf(`{"refresh_token":%q}`, first.RefreshToken))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestAdminSecret_GrantsAutomationAccess(t *testing.T) {
	f := newFixture(t)

	resp := f.do("GET", "/api/users/", "", map[string]string{"X-Admin-Secret": "automation-secret"}, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do("GET", "/api/users/", "", map[string]string{"X-Admin-Secret": "wrong"}, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

// =============================================================================
// ROLE GATES
// =============================================================================

func TestRoleGates(t *testing.T) {
	f := newFixture(t)

	// Unauthenticated requests bounce off protected routes.
	resp := f.do("POST", "/api/shifts/start", "", nil, `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Workers cannot read the moderation inbox.
	resp = f.do("GET", "/api/admin/pending", f.workerToken, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden_role", errorCode(t, resp))

	// Foremen cannot manage users.
	resp = f.do("GET", "/api/users/", f.foremanToken, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Foremen can read the inbox.
	resp = f.do("GET", "/api/admin/pending", f.foremanToken, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

// =============================================================================
// SUBMISSION FLOW
// =============================================================================

func (f *fixture) startShift() ShiftDTO {
	f.t.Helper()
	resp := f.do("POST", "/api/shifts/start", f.workerToken, nil, `{"work_address":"Herzl 12"}`)
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)
	var shift ShiftDTO
	decodeBody(f.t, resp, &shift)
	return shift
}

func TestShift_OneOpenPerWorker(t *testing.T) {
	f := newFixture(t)
	f.startShift()

	resp := f.do("POST", "/api/shifts/start", f.workerToken, nil, `{}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "stale_state", errorCode(t, resp))
}

func TestAddTask_PricesAndPins(t *testing.T) {
	f := newFixture(t)
	f.startShift()

	resp := f.do("POST", "/api/task.add", f.workerToken, nil,
		`{"rate_code":"hour_electric","qty":"2"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task TaskDTO
	decodeBody(t, resp, &task)

	assert.Equal(t, "1600.00", task.Amount)
	assert.Equal(t, "‎₪1,600.00", task.FmtAmount)
	assert.Len(t, task.PricingSHA, 12)
	assert.Equal(t, "pending", task.Status)
	assert.False(t, task.Replayed)
}

func TestAddTask_UnknownRateCode(t *testing.T) {
	f := newFixture(t)
	f.startShift()

	resp := f.do("POST", "/api/task.add", f.workerToken, nil,
		`{"rate_code":"no_such_code","qty":"1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "unknown_rate_code", errorCode(t, resp))
}

func TestAddTask_IdempotencyReplay(t *testing.T) {
	f := newFixture(t)
	f.startShift()
	hdr := map[string]string{"X-Idempotency-Key": "task-key-1"}
	body := `{"rate_code":"hour_electric","qty":"3"}`

	resp := f.do("POST", "/api/task.add", f.workerToken, hdr, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first TaskDTO
	decodeBody(t, resp, &first)

	// Same key, same body: the original row comes back flagged.
	resp = f.do("POST", "/api/task.add", f.workerToken, hdr, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var replay TaskDTO
	decodeBody(t, resp, &replay)
	assert.Equal(t, first.ID, replay.ID)
	assert.True(t, replay.Replayed)

	// Same key, different body: conflict carrying the stored scope hash.
	resp = f.do("POST", "/api/task.add", f.workerToken, hdr,
		`{"rate_code":"hour_electric","qty":"4"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var env errorEnvelope
	decodeBody(t, resp, &env)
	assert.Equal(t, "duplicate_idempotency_key", env.Detail.Code)
	assert.Len(t, env.Detail.ScopeHash, 64)
}

func TestAddExpense_PhotoThreshold(t *testing.T) {
	f := newFixture(t)
	f.startShift()

	// Over the threshold without a photo: refused.
	resp := f.do("POST", "/api/expense.add", f.workerToken, nil,
		`{"category":"fuel","amount":"750.00"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "photo_required", errorCode(t, resp))

	// Same amount with a photo_ref: accepted.
	resp = f.do("POST", "/api/expense.add", f.workerToken, nil,
		`{"category":"fuel","amount":"750.00","photo_ref":"tg-file-123"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var exp ExpenseDTO
	decodeBody(t, resp, &exp)
	assert.Equal(t, "750.00", exp.Amount)
	assert.Equal(t, "ILS", exp.Currency)
	assert.Equal(t, "needs_approval", exp.Status)
}

// =============================================================================
// MODERATION OVER HTTP
// =============================================================================

func (f *fixture) addTask(qty string) TaskDTO {
	f.t.Helper()
	resp := f.do("POST", "/api/task.add", f.workerToken, nil,
		fmt.Sprintf(`{"rate_code":"hour_electric","qty":%q}`, qty))
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)
	var task TaskDTO
	decodeBody(f.t, resp, &task)
	return task
}

func TestModeration_ApproveThenConflict(t *testing.T) {
	f := newFixture(t)
	f.startShift()
	task := f.addTask("1")

	path := fmt.Sprintf("/api/admin/items/task/%d", task.ID)

	// Foreman approves.
	resp := f.do("POST", path+"/approve", f.foremanToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dec DecisionResponse
	decodeBody(t, resp, &dec)
	assert.Equal(t, "applied", dec.Outcome)

	// Repeat approve is a noop, not an error.
	resp = f.do("POST", path+"/approve", f.foremanToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &dec)
	assert.Equal(t, "noop", dec.Outcome)

	// Conflicting verdict on a terminal item is stale.
	resp = f.do("POST", path+"/reject", f.foremanToken, nil, `{"reason":"late"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "stale_state", errorCode(t, resp))
}

func TestBulkApprove_ReplayConflicts(t *testing.T) {
	f := newFixture(t)
	f.startShift()
	a := f.addTask("1")
	b := f.addTask("2")

	hdr := map[string]string{"X-Idempotency-Key": "bulk-1"}
	body := fmt.Sprintf(`{"items":[{"kind":"task","id":%d},{"kind":"task","id":%d},{"kind":"task","id":999}]}`, a.ID, b.ID)

	resp := f.do("POST", "/api/admin/pending/bulk.approve", f.foremanToken, hdr, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var outcome struct {
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
		OK     int `json:"ok"`
		Failed int `json:"failed"`
	}
	decodeBody(t, resp, &outcome)
	assert.Equal(t, 2, outcome.OK)
	assert.Equal(t, 1, outcome.Failed)
	require.Len(t, outcome.Results, 3)

	// Replay of the same key is a conflict with the stored scope hash.
	resp = f.do("POST", "/api/admin/pending/bulk.approve", f.foremanToken, hdr, body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var env errorEnvelope
	decodeBody(t, resp, &env)
	assert.Equal(t, "duplicate_idempotency_key", env.Detail.Code)
	assert.NotEmpty(t, env.Detail.ScopeHash)
}

func TestBotInboxAndApprove_TelegramModerator(t *testing.T) {
	f := newFixture(t)
	f.startShift()
	task := f.addTask("2")

	// GIVEN: a foreman reachable by telegram id
	tid := int64(555001)
	require.NoError(t, f.store.WithTx(context.Background(), func(sess *sqlite.Session) error {
		u, err := sess.CreateUser(domain.User{
			Name: "Bot Dana", Role: domain.RoleForeman,
			Status: domain.UserActive, TelegramID: &tid,
		})
		if err != nil {
			return err
		}
		e, err := newAuditMark(u.ID)
		if err != nil {
			return err
		}
		if err := sess.AppendAudit(e); err != nil {
			return err
		}
		sess.Emit("user.create", nil)
		return nil
	}))

	// WHEN: the bot lists its inbox filtered by worker name
	resp := f.do("GET", "/api/bot/inbox?worker=avi", f.foremanToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page PageDTO[PendingItemDTO]
	decodeBody(t, resp, &page)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, task.ID, page.Items[0].ID)

	// THEN: an approve relayed for the telegram moderator applies
	body := fmt.Sprintf(`{"telegram_id":555001,"items":[{"kind":"task","id":%d}]}`, task.ID)
	resp = f.do("POST", "/api/bot/approve", f.foremanToken, nil, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		By      string `json:"by"`
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, "Bot Dana", out.By)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "applied", out.Results[0].Status)

	// An unknown telegram id cannot moderate.
	resp = f.do("POST", "/api/bot/approve", f.foremanToken, nil,
		fmt.Sprintf(`{"telegram_id":999999,"items":[{"kind":"task","id":%d}]}`, task.ID))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBotItemDetails_ExplainsTaskPricing(t *testing.T) {
	f := newFixture(t)
	f.startShift()
	task := f.addTask("2")

	resp := f.do("GET", fmt.Sprintf("/api/bot/items/task/%d", task.ID), f.workerToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	decodeBody(t, resp, &out)
	assert.Equal(t, "1600.00", out["total"])
	assert.Equal(t, "ILS", out["currency"])
	assert.True(t, strings.HasPrefix(out["fmt_total"].(string), "‎₪"))
	assert.Equal(t, task.PricingSHA, out["pricing_sha"])
	assert.Equal(t, false, out["rules_changed"])
	require.Contains(t, out, "explain")
}

// =============================================================================
// INVOICE FLOW
// =============================================================================

func (f *fixture) createClient(name string) ClientDTO {
	f.t.Helper()
	resp := f.do("POST", "/api/clients/", f.adminToken, nil, fmt.Sprintf(`{"name":%q}`, name))
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)
	var c ClientDTO
	decodeBody(f.t, resp, &c)
	return c
}

// approvedWorkFixture seeds one approved task for a client and returns the
// period enclosing it.
func (f *fixture) approvedWorkFixture() (client ClientDTO, from, to string) {
	f.t.Helper()
	client = f.createClient("Shapira Builders")

	resp := f.do("POST", "/api/shifts/start", f.workerToken, nil,
		fmt.Sprintf(`{"client_id":%d}`, client.ID))
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	task := f.addTask("2")
	resp = f.do("POST", fmt.Sprintf("/api/admin/items/task/%d/approve", task.ID), f.adminToken, nil, "")
	require.Equal(f.t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	now := time.Now().UTC()
	from = now.AddDate(0, 0, -1).Format("2006-01-02")
	to = now.AddDate(0, 0, 1).Format("2006-01-02")
	return client, from, to
}

func TestInvoice_BuildPreviewLifecycle(t *testing.T) {
	f := newFixture(t)
	client, from, to := f.approvedWorkFixture()
	buildBody := fmt.Sprintf(`{"client_id":%d,"period_from":%q,"period_to":%q}`, client.ID, from, to)

	// Build aggregates the approved task.
	resp := f.do("POST", "/api/invoices/build", f.adminToken, nil, buildBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var inv InvoiceDTO
	decodeBody(t, resp, &inv)
	assert.Equal(t, "1600.00", inv.Total)
	assert.Equal(t, "draft", inv.Status)
	assert.Equal(t, 1, inv.Version)
	require.Len(t, inv.Items, 1)

	// Rebuild of the same scope returns the existing draft.
	resp = f.do("POST", "/api/invoices/build", f.adminToken, nil, buildBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again InvoiceDTO
	decodeBody(t, resp, &again)
	assert.Equal(t, inv.ID, again.ID)
	assert.False(t, again.Created)

	// Preview token: public fetch works once, then the link is gone.
	resp = f.do("POST", fmt.Sprintf("/api/invoices/%d/preview", inv.ID), f.adminToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var issued PreviewIssueResponse
	decodeBody(t, resp, &issued)
	require.NotEmpty(t, issued.Token)

	resp = f.do("GET", "/api/invoices/preview/"+issued.Token, "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var preview struct {
		FmtTotal string `json:"fmt_total"`
	}
	decodeBody(t, resp, &preview)
	assert.Equal(t, "‎₪1,600.00", preview.FmtTotal)

	resp = f.do("GET", "/api/invoices/preview/"+issued.Token, "", nil, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "gone", errorCode(t, resp))

	// Lifecycle: issue, repeat-issue noop, pay, then cancel is stale.
	resp = f.do("POST", fmt.Sprintf("/api/invoices/%d/status", inv.ID), f.adminToken, nil, `{"status":"issued"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do("POST", fmt.Sprintf("/api/invoices/%d/status", inv.ID), f.adminToken, nil, `{"status":"issued"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var move struct {
		Outcome string `json:"outcome"`
	}
	decodeBody(t, resp, &move)
	assert.Equal(t, "noop", move.Outcome)

	resp = f.do("POST", fmt.Sprintf("/api/invoices/%d/status", inv.ID), f.adminToken, nil, `{"status":"paid"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do("POST", fmt.Sprintf("/api/invoices/%d/status", inv.ID), f.adminToken, nil, `{"status":"cancelled"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "stale_state", errorCode(t, resp))
}

func TestInvoice_ForbiddenSuggestKind(t *testing.T) {
	f := newFixture(t)
	client, from, to := f.approvedWorkFixture()

	resp := f.do("POST", "/api/invoices/build", f.adminToken, nil,
		fmt.Sprintf(`{"client_id":%d,"period_from":%q,"period_to":%q}`, client.ID, from, to))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var inv InvoiceDTO
	decodeBody(t, resp, &inv)

	resp = f.do("POST", fmt.Sprintf("/api/invoices/%d/suggest", inv.ID), f.adminToken, nil,
		`{"kind":"delete_item","item_id":1}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden_op", errorCode(t, resp))
}

func TestInvoice_SuggestApplyBumpsVersion(t *testing.T) {
	f := newFixture(t)
	client, from, to := f.approvedWorkFixture()

	resp := f.do("POST", "/api/invoices/build", f.adminToken, nil,
		fmt.Sprintf(`{"client_id":%d,"period_from":%q,"period_to":%q}`, client.ID, from, to))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var inv InvoiceDTO
	decodeBody(t, resp, &inv)

	resp = f.do("POST", fmt.Sprintf("/api/invoices/%d/suggest", inv.ID), f.adminToken, nil,
		`{"kind":"add_item","description":"crane rental","quantity":"1","unit_price":"450.50"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sg SuggestionDTO
	decodeBody(t, resp, &sg)
	assert.Equal(t, "open", sg.Status)

	resp = f.do("POST", fmt.Sprintf("/api/suggestions/%d/apply", sg.ID), f.adminToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var applied struct {
		Invoice InvoiceDTO `json:"invoice"`
		Version VersionDTO `json:"version"`
	}
	decodeBody(t, resp, &applied)
	assert.Equal(t, 2, applied.Invoice.Version)
	assert.Equal(t, "2050.50", applied.Invoice.Total)
	assert.Len(t, applied.Version.SHA, 64)

	// The version trail is readable.
	resp = f.do("GET", fmt.Sprintf("/api/invoices/%d/versions", inv.ID), f.adminToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var versions []VersionDTO
	decodeBody(t, resp, &versions)
	require.Len(t, versions, 1)
	assert.Equal(t, 2, versions[0].Version)
}

func TestInvoice_BatchApplyIsOneTransaction(t *testing.T) {
	f := newFixture(t)
	client, from, to := f.approvedWorkFixture()

	resp := f.do("POST", "/api/invoices/build", f.adminToken, nil,
		fmt.Sprintf(`{"client_id":%d,"period_from":%q,"period_to":%q}`, client.ID, from, to))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var inv InvoiceDTO
	decodeBody(t, resp, &inv)

	suggest := func(desc, price string) int64 {
		resp := f.do("POST", fmt.Sprintf("/api/invoices/%d/suggest", inv.ID), f.adminToken, nil,
			fmt.Sprintf(`{"kind":"add_item","description":%q,"quantity":"1","unit_price":%q}`, desc, price))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var sg SuggestionDTO
		decodeBody(t, resp, &sg)
		return sg.ID
	}
	a := suggest("crane rental", "100.00")
	b := suggest("scaffolding", "50.00")

	resp = f.do("POST", fmt.Sprintf("/api/invoices/%d/apply", inv.ID), f.adminToken, nil,
		fmt.Sprintf(`{"suggestion_ids":[%d,%d]}`, a, b))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Applied    []int64    `json:"applied"`
		NewVersion int        `json:"new_version"`
		Invoice    InvoiceDTO `json:"invoice"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, []int64{a, b}, out.Applied)
	assert.Equal(t, 3, out.NewVersion)
	assert.Equal(t, "1750.00", out.Invoice.Total)

	// A spent suggestion in the batch rolls back the whole apply.
	resp = f.do("POST", fmt.Sprintf("/api/invoices/%d/apply", inv.ID), f.adminToken, nil,
		fmt.Sprintf(`{"suggestion_ids":[%d]}`, a))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "stale_state", errorCode(t, resp))
}

// =============================================================================
// REPORTS AND OPERATIONS
// =============================================================================

func TestAuthMe_ReportsRolePermissions(t *testing.T) {
	f := newFixture(t)

	resp := f.do("GET", "/api/auth/me", f.workerToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me struct {
		Employee struct {
			Name string `json:"name"`
			Role string `json:"role"`
		} `json:"employee"`
		Permissions []string `json:"permissions"`
	}
	decodeBody(t, resp, &me)
	assert.Equal(t, "Worker Avi", me.Employee.Name)
	assert.Equal(t, "worker", me.Employee.Role)
	assert.Contains(t, me.Permissions, "work.submit")
	assert.NotContains(t, me.Permissions, "users.manage")

	resp = f.do("GET", "/api/auth/me", f.adminToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &me)
	assert.Contains(t, me.Permissions, "users.manage")
}

func TestReports_ExpensesCSVHeaders(t *testing.T) {
	f := newFixture(t)
	f.startShift()

	resp := f.do("POST", "/api/expense.add", f.workerToken, nil,
		`{"category":"fuel","amount":"120.50"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = f.do("GET", "/api/reports/expenses.csv", f.adminToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Len(t, resp.Header.Get("X-Checksum-SHA256"), 64)
	assert.Equal(t, "1", resp.Header.Get("X-Row-Count"))
}

func TestAdmin_BackupAndHealth(t *testing.T) {
	f := newFixture(t)

	resp := f.do("POST", "/api/admin/backup", f.adminToken, nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var entry struct {
		File   string `json:"file"`
		SHA256 string `json:"sha256"`
	}
	decodeBody(t, resp, &entry)
	assert.Regexp(t, `^backup_\d{8}_\d{6}\.db$`, entry.File)

	resp = f.do("GET", "/api/admin/backup/status", f.adminToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &st)
	assert.Equal(t, 1, st.Count)

	resp = f.do("GET", "/health", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status        string `json:"status"`
		SchemaVersion int64  `json:"schema_version"`
		RulesSHA      string `json:"rules_sha"`
	}
	decodeBody(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.GreaterOrEqual(t, health.SchemaVersion, int64(1))
	assert.NotEmpty(t, health.RulesSHA)
}

// =============================================================================
// BOT MENU
// =============================================================================

func TestBotMenu_VersionLockOverHTTP(t *testing.T) {
	f := newFixture(t)

	resp := f.do("GET", "/api/bot/menu", f.workerToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var menu BotMenuDTO
	decodeBody(t, resp, &menu)
	require.Equal(t, 1, menu.Version)

	update := `{"version":1,"commands":[{"role":"worker","command_key":"shift_start","telegram_command":"/shift","label":"Start shift","enabled":true,"position":1}]}`
	resp = f.do("PUT", "/api/bot/menu", f.adminToken, nil, update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bumped struct {
		Version int `json:"version"`
	}
	decodeBody(t, resp, &bumped)
	assert.Equal(t, 2, bumped.Version)

	// Writing with the stale version conflicts.
	resp = f.do("PUT", "/api/bot/menu", f.adminToken, nil, update)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "stale_state", errorCode(t, resp))

	resp = f.do("POST", "/api/bot/menu/apply", f.adminToken, nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
