package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-settlement/internal/services/provider/mercadopago"
	"ticket-settlement/models"
)

func TestReconcile_CancelsExpiredPendingIntents(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 1, "1000")
	f.seedCoupon(t, models.Coupon{Code: "ONCE", Type: models.CouponFixed, Value: decimal.NewFromInt(100), MaxUses: 1})
	res, err := f.engine.Payments.CreateIntent(f.ctx, CreateIntentInput{
		UserID: "user-1", EventID: "ev-1", TicketType: "general", Quantity: 1, CouponCode: "ONCE",
	})
	require.NoError(t, err)

	out, err := f.engine.Settlement.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{}, *out, "nothing is due yet")

	f.clock.Advance(25 * time.Hour)
	out, err = f.engine.Settlement.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Cancelled)

	p := f.intent(t, res.Intent.ID)
	assert.Equal(t, models.PaymentCancelled, p.Status)
	assert.Equal(t, "expired", p.StatusDetail)

	c, err := f.store.GetCoupon(f.ctx, "ONCE")
	require.NoError(t, err)
	assert.Zero(t, c.CurrentUses)

	out, err = f.engine.Settlement.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{}, *out)
}

func TestExpiredPendingStopsHoldingCapacityBeforeSweep(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 1, "1000")
	f.buy(t, "user-1", "ev-1", 1)

	_, err := f.engine.Payments.CreateIntent(f.ctx, CreateIntentInput{UserID: "user-2", EventID: "ev-1", TicketType: "general", Quantity: 1})
	require.Error(t, err)

	f.clock.Advance(24 * time.Hour)
	f.buy(t, "user-2", "ev-1", 1)
}

func TestReconcile_PollsProviderBeforeCancelling(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 1, "1000")
	p := f.buy(t, "user-1", "ev-1", 1)

	res := f.pay(t, p, "mp-5", "pending")
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, "mp-5", f.intent(t, p.ID).ProviderPaymentID)

	f.sandbox.SetPayment("mp-5", p.ExternalReference, "approved", p.Amount)
	f.clock.Advance(25 * time.Hour)

	out, err := f.engine.Settlement.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Polled)
	assert.Zero(t, out.Cancelled)

	assert.Equal(t, models.PaymentApproved, f.intent(t, p.ID).Status)
	_, err = f.store.GetTicket(f.ctx, p.Ticket.TicketID)
	assert.NoError(t, err)
}

func TestReconcile_PollErrorLeavesIntentPending(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 1, "1000")
	p := f.buy(t, "user-1", "ev-1", 1)
	f.pay(t, p, "mp-6", "pending")

	f.clock.Advance(25 * time.Hour)
	f.sandbox.SetFailure(errors.New("provider timeout"))

	out, err := f.engine.Settlement.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)
	assert.Zero(t, out.Cancelled)
	assert.Equal(t, models.PaymentPending, f.intent(t, p.ID).Status)

	f.sandbox.SetFailure(nil)
	f.sandbox.SetPayment("mp-6", p.ExternalReference, "approved", p.Amount)

	out, err = f.engine.Settlement.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Polled)
	assert.Equal(t, models.PaymentApproved, f.intent(t, p.ID).Status)
}

func TestSecondApprovedPaymentIsRefunded(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	p := f.buy(t, "user-1", "ev-1", 1)
	f.pay(t, p, "mp-first", "approved")

	res := f.pay(t, p, "mp-second", "approved")
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, models.PaymentApproved, res.Status)
	assert.False(t, res.TicketIssued)

	got := f.intent(t, p.ID)
	assert.Equal(t, "mp-first", got.ProviderPaymentID)
	require.NotNil(t, got.Transaction)
	assert.Equal(t, "mp-first", got.Transaction.ProviderPaymentID)

	second, err := f.sandbox.GetPayment(f.ctx, "mp-second")
	require.NoError(t, err)
	assert.Equal(t, "refunded", second.Status)
	first, err := f.sandbox.GetPayment(f.ctx, "mp-first")
	require.NoError(t, err)
	assert.Equal(t, "approved", first.Status)

	// The refund notification for the second payment leaves the ticket alone.
	res = f.pay(t, p, "mp-second", "refunded")
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Equal(t, models.PaymentApproved, f.intent(t, p.ID).Status)

	tk, err := f.store.GetTicket(f.ctx, got.Ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketConfirmed, tk.Status)

	tickets, err := f.engine.Tickets.ListForHolder(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestLateApprovalAfterSeatWasResoldIsRefunded(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 1, "1000")
	late := f.buy(t, "user-1", "ev-1", 1)

	f.clock.Advance(25 * time.Hour)
	winner := f.buy(t, "user-2", "ev-1", 1)
	f.pay(t, winner, "mp-winner", "approved")

	res := f.pay(t, late, "mp-late", "approved")
	assert.Equal(t, models.PaymentCancelled, res.Status)
	assert.False(t, res.TicketIssued)

	p := f.intent(t, late.ID)
	assert.Equal(t, models.PaymentCancelled, p.Status)
	assert.Equal(t, "expired_before_approval", p.StatusDetail)

	payment, err := f.sandbox.GetPayment(f.ctx, "mp-late")
	require.NoError(t, err)
	assert.Equal(t, "refunded", payment.Status)

	reserved, err := f.store.SumReserved(f.ctx, "ev-1", "general", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, reserved)
}

func TestReconcile_PollsStaleInProcess(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 5, "1000")
	p := f.buy(t, "user-1", "ev-1", 1)
	f.pay(t, p, "mp-7", "in_process")

	f.sandbox.SetPayment("mp-7", p.ExternalReference, "rejected", p.Amount)
	f.clock.Advance(2 * time.Hour)

	out, err := f.engine.Settlement.Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Polled)
	assert.Equal(t, models.PaymentRejected, f.intent(t, p.ID).Status)
}

func TestHandleWebhook(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 5, "1000")

	p := f.buy(t, "user-1", "ev-1", 1)
	f.sandbox.SetPayment("123456", p.ExternalReference, "approved", p.Amount)

	res := f.engine.Settlement.HandleWebhook(f.ctx, WebhookRequest{
		Body: []byte(`{"action":"payment.updated","type":"payment","data":{"id":123456}}`),
	})
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, models.PaymentApproved, res.Status)

	res = f.engine.Settlement.HandleWebhook(f.ctx, WebhookRequest{Topic: "payment", DataID: "123456"})
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	res = f.engine.Settlement.HandleWebhook(f.ctx, WebhookRequest{Body: []byte(`{"type":"merchant_order","data":{"id":"1"}}`)})
	assert.Equal(t, OutcomeStale, res.Outcome)

	res = f.engine.Settlement.HandleWebhook(f.ctx, WebhookRequest{Body: []byte(`not json`)})
	assert.Equal(t, OutcomeUnknown, res.Outcome)
}

func TestHandleWebhook_VerifiesSignature(t *testing.T) {
	const secret = "webhook-secret"
	f := newFixture(t, func(_ *Deps, o *Options) { o.WebhookSecret = secret })
	f.seedEvent(t, "ev-1", 5, "1000")
	p := f.buy(t, "user-1", "ev-1", 1)
	f.sandbox.SetPayment("777", p.ExternalReference, "approved", p.Amount)
	body := []byte(`{"type":"payment","data":{"id":"777"}}`)

	res := f.engine.Settlement.HandleWebhook(f.ctx, WebhookRequest{
		Body:      body,
		Signature: "ts=1700000000,v1=deadbeef",
		RequestID: "req-1",
	})
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Equal(t, models.PaymentPending, f.intent(t, p.ID).Status)

	ts := "1700000000"
	sig := mercadopago.Hmac256([]byte(mercadopago.Manifest("777", "req-1", ts)), []byte(secret))
	res = f.engine.Settlement.HandleWebhook(f.ctx, WebhookRequest{
		Body:      body,
		Signature: fmt.Sprintf("ts=%s,v1=%s", ts, sig),
		RequestID: "req-1",
	})
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, models.PaymentApproved, f.intent(t, p.ID).Status)
}

func TestDecodeNotification(t *testing.T) {
	n, ok := DecodeNotification(`{"payment_id":"mp-1","status":"approved"}`)
	require.True(t, ok)
	assert.Equal(t, "mp-1", n.PaymentID)

	n, ok = DecodeNotification(map[string]any{"payment_id": " mp-2 "})
	require.True(t, ok)
	assert.Equal(t, "mp-2", n.PaymentID)

	_, ok = DecodeNotification(map[string]any{"status": "approved"})
	assert.False(t, ok)

	_, ok = DecodeNotification(`{broken`)
	assert.False(t, ok)
}
