package pbstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/tests"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-settlement/internal/store"
	_ "ticket-settlement/migrations"
	"ticket-settlement/models"
)

var now = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	app, err := tests.NewTestApp(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(app.Cleanup)
	return New(app)
}

func intent(id string, status models.PaymentStatus, qty int, expires time.Time) *models.PaymentIntent {
	return &models.PaymentIntent{
		ID:                id,
		UserID:            "u-1",
		EventID:           "ev-1",
		TicketType:        "general",
		Quantity:          qty,
		UnitPrice:         decimal.NewFromInt(50),
		Amount:            decimal.NewFromInt(int64(50 * qty)),
		Currency:          "ARS",
		Status:            status,
		ExternalReference: "ref-" + id,
		Ticket:            models.TicketClaim{TicketID: "tk-" + id},
		ExpiresAt:         expires,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestStore_IntentRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	in := intent("a", models.PaymentPending, 2, now.Add(15*time.Minute))
	require.NoError(t, s.CreateIntent(ctx, in))

	got, err := s.GetIntent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "ref-a", got.ExternalReference)
	assert.True(t, in.Amount.Equal(got.Amount))

	byRef, err := s.FindIntentByExternalRef(ctx, "ref-a")
	require.NoError(t, err)
	assert.Equal(t, "a", byRef.ID)

	byTicket, err := s.FindIntentByTicketID(ctx, "tk-a")
	require.NoError(t, err)
	assert.Equal(t, "a", byTicket.ID)

	got.ProviderPaymentID = "mp-99"
	got.Status = models.PaymentApproved
	require.NoError(t, s.UpdateIntent(ctx, got))

	byPayment, err := s.FindIntentByProviderPaymentID(ctx, "mp-99")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentApproved, byPayment.Status)

	_, err = s.GetIntent(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_SumReserved(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateIntent(ctx, intent("a", models.PaymentApproved, 2, now)))
	require.NoError(t, s.CreateIntent(ctx, intent("b", models.PaymentInProcess, 1, now)))
	require.NoError(t, s.CreateIntent(ctx, intent("c", models.PaymentPending, 3, now.Add(time.Hour))))
	require.NoError(t, s.CreateIntent(ctx, intent("d", models.PaymentPending, 5, now.Add(-time.Minute))))
	require.NoError(t, s.CreateIntent(ctx, intent("e", models.PaymentRejected, 7, now)))

	sum, err := s.SumReserved(ctx, "ev-1", "general", now)
	require.NoError(t, err)
	assert.Equal(t, 6, sum)

	expired, err := s.ListExpiredPending(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "d", expired[0].ID)
}

func TestStore_DuplicateReference(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateIntent(ctx, intent("a", models.PaymentPending, 1, now)))

	dup := intent("b", models.PaymentPending, 1, now)
	dup.ExternalReference = "ref-a"
	assert.ErrorIs(t, s.CreateIntent(ctx, dup), store.ErrDuplicate)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(repo store.Repository) error {
		if err := repo.CreateIntent(ctx, intent("a", models.PaymentPending, 1, now)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetIntent(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_OnePendingTransferPerTicket(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := &models.TicketTransfer{
		ID: "tr-1", TicketID: "tk-1", FromUser: "alice", ToUser: "bob",
		Type: models.TransferGift, Status: models.TransferPending,
		ExpiresAt: now.Add(48 * time.Hour), CreatedAt: now,
	}
	require.NoError(t, s.CreateTransfer(ctx, first))

	second := *first
	second.ID = "tr-2"
	second.ToUser = "carol"
	assert.ErrorIs(t, s.CreateTransfer(ctx, &second), store.ErrDuplicate)

	pending, err := s.FindPendingTransfer(ctx, "tk-1")
	require.NoError(t, err)
	assert.Equal(t, "tr-1", pending.ID)

	first.Status = models.TransferCancelled
	require.NoError(t, s.UpdateTransfer(ctx, first))

	_, err = s.FindPendingTransfer(ctx, "tk-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.CreateTransfer(ctx, &second))

	mine, err := s.ListTransfersForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestStore_ListCouponsToRetire(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCoupon(ctx, &models.Coupon{Code: "OLD", IsActive: true, ValidUntil: now.Add(-time.Hour)}))
	require.NoError(t, s.CreateCoupon(ctx, &models.Coupon{Code: "FULL", IsActive: true, ValidUntil: now.Add(time.Hour), MaxUses: 1, CurrentUses: 1}))
	require.NoError(t, s.CreateCoupon(ctx, &models.Coupon{Code: "LIVE", IsActive: true, ValidUntil: now.Add(time.Hour)}))
	require.NoError(t, s.CreateCoupon(ctx, &models.Coupon{Code: "OFF", IsActive: false, ValidUntil: now.Add(-time.Hour)}))

	list, err := s.ListCouponsToRetire(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1, "exhausted coupons stay active")
	assert.Equal(t, "OLD", list[0].Code)
}

func TestStore_AuditTrail(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i, action := range []models.Action{models.ActionTicketIssued, models.ActionTicketCheckedIn} {
		require.NoError(t, s.AppendAudit(ctx, &models.AuditRecord{
			ID:           "au-" + string(rune('a'+i)),
			ActorID:      "staff-1",
			Action:       action,
			ResourceType: "ticket",
			ResourceID:   "tk-1",
			Success:      true,
			Severity:     action.Severity(),
			At:           now.Add(time.Duration(i) * time.Minute),
		}))
	}

	trail, err := s.ListAudit(ctx, "ticket", "tk-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.ActionTicketIssued, trail[0].Action)
	assert.Equal(t, models.ActionTicketCheckedIn, trail[1].Action)
}
