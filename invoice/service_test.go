/*
service_test.go - Build idempotency, preview tokens, forbidden ops, lifecycle
*/
package invoice

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/crew-ledger/audit"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/store/sqlite"
)

var (
	periodFrom = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	periodTo   = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	store   *sqlite.Store
	service *Service
	client  domain.Client
}

func seedMark(sess *sqlite.Session, action string) error {
	e, err := audit.New("test", action, "test", nil, nil, audit.OutcomeApplied, "")
	if err != nil {
		return err
	}
	if err := sess.AppendAudit(e); err != nil {
		return err
	}
	sess.Emit(action, map[string]any{"seed": true})
	return nil
}

// newFixture seeds a client with one approved task (2h electric, 1600)
// and one approved expense (120.50 fuel) inside the period.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, service: NewService(store)}
	require.NoError(t, store.WithTx(context.Background(), func(sess *sqlite.Session) error {
		u, err := sess.CreateUser(domain.User{Name: "Omer", Role: domain.RoleWorker, Status: domain.UserActive})
		if err != nil {
			return err
		}
		f.client, err = sess.CreateClient(domain.Client{Name: "Rimon Ltd", Status: domain.ClientActive})
		if err != nil {
			return err
		}
		sh, err := sess.StartShift(domain.Shift{UserID: u.ID, ClientID: &f.client.ID})
		if err != nil {
			return err
		}
		// Timestamps come from the store clock (now), so the fixture period
		// must cover now; widen it.
		if _, err := sess.CreateTask(domain.Task{
			ShiftID: sh.ID, RateCode: "hour_electric",
			Qty: decimal.NewFromInt(2), Amount: decimal.RequireFromString("1600"),
			Worker: "Omer", Status: domain.StatusApproved,
		}); err != nil {
			return err
		}
		if _, err := sess.CreateExpense(domain.Expense{
			WorkerID: u.ID, ShiftID: &sh.ID, Category: "fuel",
			Amount: decimal.RequireFromString("120.50"), Currency: domain.Currency,
			OCRStatus: domain.OCROff, Status: domain.StatusApproved,
			Date: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return seedMark(sess, "seed")
	}))
	return f
}

// buildPeriod covers "now" so the seeded rows land inside it.
func buildPeriod() (time.Time, time.Time) {
	now := time.Now().UTC()
	return now.Add(-24 * time.Hour), now.Add(24 * time.Hour)
}

func TestBuild_TotalsAndIdempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from, to := buildPeriod()

	res, err := f.service.Build(ctx, "admin", f.client.ID, from, to)
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "1720.50", res.Invoice.Total.StringFixed(2))
	assert.Equal(t, "0.00", res.Invoice.Tax.StringFixed(2))
	assert.Equal(t, 1, res.Invoice.Version)

	// Same scope again: refound, not rebuilt.
	again, err := f.service.Build(ctx, "admin", f.client.ID, from, to)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.Invoice.ID, again.Invoice.ID)
	require.Len(t, again.Items, 2)
}

func TestBuild_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Build(ctx, "admin", f.client.ID, periodTo, periodFrom)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.service.Build(ctx, "admin", 999, periodFrom, periodTo)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPreview_SingleUseAndRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from, to := buildPeriod()
	res, err := f.service.Build(ctx, "admin", f.client.ID, from, to)
	require.NoError(t, err)

	first, err := f.service.IssuePreview(ctx, "admin", res.Invoice.ID)
	require.NoError(t, err)
	require.Len(t, first, 64) // 32 bytes hex

	// Issuing again rotates: the first token is dead before any use.
	second, err := f.service.IssuePreview(ctx, "admin", res.Invoice.ID)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = f.service.FetchPreview(ctx, first)
	require.ErrorIs(t, err, domain.ErrGone)

	doc, err := f.service.FetchPreview(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, res.Invoice.ID, doc.Invoice.ID)
	assert.Equal(t, "‎₪1,720.50", doc.Total)
	require.Len(t, doc.Items, 2)

	// Single use.
	_, err = f.service.FetchPreview(ctx, second)
	require.ErrorIs(t, err, domain.ErrGone)

	// Garbage token.
	_, err = f.service.FetchPreview(ctx, "deadbeef")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSuggest_ForbiddenKindsBlockedAtBothLayers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from, to := buildPeriod()
	res, err := f.service.Build(ctx, "admin", f.client.ID, from, to)
	require.NoError(t, err)

	for _, kind := range []string{"delete_item", "update_total", "mass_replace"} {
		_, err := f.service.Suggest(ctx, "admin", res.Invoice.ID, kind, SuggestPayload{})
		require.ErrorIs(t, err, domain.ErrForbiddenOp, kind)
	}

	// Smuggle a forbidden suggestion straight into the table; apply must
	// still refuse it.
	var smuggledID int64
	require.NoError(t, f.store.WithTx(ctx, func(sess *sqlite.Session) error {
		sg, err := sess.CreateSuggestion(domain.Suggestion{
			InvoiceID: res.Invoice.ID, Kind: "delete_item",
			PayloadJSON: "{}", Status: domain.SuggestionOpen,
		})
		if err != nil {
			return err
		}
		smuggledID = sg.ID
		return seedMark(sess, "smuggle")
	}))

	_, err = f.service.Apply(ctx, "admin", smuggledID)
	var forbidden *domain.ForbiddenOpError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, "apply", forbidden.Layer)

	// The blocked row is rejected, not retryable.
	_, err = f.service.Apply(ctx, "admin", smuggledID)
	require.ErrorIs(t, err, domain.ErrStaleState)
}

func TestApply_AddItemBumpsVersionAndRecordsDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from, to := buildPeriod()
	res, err := f.service.Build(ctx, "admin", f.client.ID, from, to)
	require.NoError(t, err)

	sg, err := f.service.Suggest(ctx, "admin", res.Invoice.ID, KindAddItem, SuggestPayload{
		Description: "crane rental",
		Quantity:    "1",
		UnitPrice:   "350.00",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SuggestionOpen, sg.Status)

	applied, err := f.service.Apply(ctx, "admin", sg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, applied.Invoice.Version)
	assert.Equal(t, "2070.50", applied.Invoice.Total.StringFixed(2))
	assert.Equal(t, 2, applied.Version.Version)
	assert.NotEmpty(t, applied.Version.SHA)
	assert.Contains(t, applied.Version.DiffJSON, `"add_item"`)

	// Applying a spent suggestion is stale.
	_, err = f.service.Apply(ctx, "admin", sg.ID)
	require.ErrorIs(t, err, domain.ErrStaleState)

	// The version record is queryable.
	require.NoError(t, f.store.WithReadTx(ctx, func(sess *sqlite.Session) error {
		versions, err := sess.ListInvoiceVersions(res.Invoice.ID)
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, 2, versions[0].Version)
		return nil
	}))
}

func TestApply_UpdateItemRederivesTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from, to := buildPeriod()
	res, err := f.service.Build(ctx, "admin", f.client.ID, from, to)
	require.NoError(t, err)

	// The fuel expense line.
	var expenseItem domain.InvoiceItem
	for _, it := range res.Items {
		if it.Type == "expense" {
			expenseItem = it
		}
	}
	require.NotZero(t, expenseItem.Amount)

	// Fetch persisted line IDs.
	_, items, err := f.service.Get(ctx, res.Invoice.ID)
	require.NoError(t, err)
	var itemID int64
	for _, it := range items {
		if it.Type == "expense" {
			itemID = it.ID
		}
	}
	require.NotZero(t, itemID)

	sg, err := f.service.Suggest(ctx, "admin", res.Invoice.ID, KindUpdateItem, SuggestPayload{
		ItemID:    itemID,
		Quantity:  "1",
		UnitPrice: "99.90",
	})
	require.NoError(t, err)

	applied, err := f.service.Apply(ctx, "admin", sg.ID)
	require.NoError(t, err)
	// 1600.00 + 99.90
	assert.Equal(t, "1699.90", applied.Invoice.Total.StringFixed(2))
}

func TestSetStatus_LifecycleAndNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from, to := buildPeriod()
	res, err := f.service.Build(ctx, "admin", f.client.ID, from, to)
	require.NoError(t, err)
	id := res.Invoice.ID

	out, err := f.service.SetStatus(ctx, "admin", id, domain.InvoiceIssued)
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeApplied, out)

	// Repeat is a noop.
	out, err = f.service.SetStatus(ctx, "admin", id, domain.InvoiceIssued)
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeNoop, out)

	// Backwards is stale.
	_, err = f.service.SetStatus(ctx, "admin", id, domain.InvoiceDraft)
	require.ErrorIs(t, err, domain.ErrStaleState)

	out, err = f.service.SetStatus(ctx, "admin", id, domain.InvoicePaid)
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeApplied, out)

	// Terminal: no way out.
	_, err = f.service.SetStatus(ctx, "admin", id, domain.InvoiceCancelled)
	require.ErrorIs(t, err, domain.ErrStaleState)

	// Suggesting on a terminal invoice is stale too.
	_, err = f.service.Suggest(ctx, "admin", id, KindAddItem, SuggestPayload{Quantity: "1", UnitPrice: "5"})
	require.ErrorIs(t, err, domain.ErrStaleState)
}
