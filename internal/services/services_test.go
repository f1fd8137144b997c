package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ticket-settlement/internal/cache"
	"ticket-settlement/internal/clock"
	"ticket-settlement/internal/services/provider"
	"ticket-settlement/internal/store/memstore"
	"ticket-settlement/models"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type sentNotification struct {
	UserID  string
	Kind    string
	Payload map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, userID, kind string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Kind: kind, Payload: payload})
}

func (n *recordingNotifier) kinds(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.UserID == userID {
			out = append(out, s.Kind)
		}
	}
	return out
}

type fixture struct {
	ctx      context.Context
	store    *memstore.Store
	clock    *clock.Fake
	sandbox  *provider.Sandbox
	notifier *recordingNotifier
	engine   *Engine
}

func newFixture(t *testing.T, tweaks ...func(*Deps, *Options)) *fixture {
	t.Helper()
	f := &fixture{
		ctx:      context.Background(),
		store:    memstore.New(),
		clock:    clock.NewFake(t0),
		sandbox:  provider.NewSandbox("http://localhost:8090"),
		notifier: &recordingNotifier{},
	}
	deps := Deps{
		Store:    f.store,
		Provider: f.sandbox,
		Notifier: f.notifier,
		Cache:    cache.NewMemory(f.clock),
		Clock:    f.clock,
	}
	opts := DefaultOptions()
	for _, tweak := range tweaks {
		tweak(&deps, &opts)
	}
	f.engine = NewEngine(deps, opts)
	return f
}

func (f *fixture) seedEvent(t *testing.T, id string, capacity int, price string) *models.Event {
	t.Helper()
	ev := &models.Event{
		ID:         id,
		Name:       "Closing Night",
		CategoryID: "music",
		Venue:      "Luna Park",
		Currency:   "ARS",
		StartsAt:   t0.Add(30 * 24 * time.Hour),
		EndsAt:     t0.Add(30*24*time.Hour + 4*time.Hour),
		Status:     models.EventPublished,
		TicketTypes: []models.TicketType{
			{Name: "general", Price: decimal.RequireFromString(price), Capacity: capacity},
		},
	}
	require.NoError(t, f.store.SaveEvent(f.ctx, ev))
	return ev
}

func (f *fixture) seedCoupon(t *testing.T, c models.Coupon) {
	t.Helper()
	if c.ValidFrom.IsZero() {
		c.ValidFrom = t0.Add(-time.Hour)
	}
	if c.ValidUntil.IsZero() {
		c.ValidUntil = t0.Add(90 * 24 * time.Hour)
	}
	c.IsActive = true
	require.NoError(t, f.store.CreateCoupon(f.ctx, &c))
}

func (f *fixture) buy(t *testing.T, userID, eventID string, qty int) *models.PaymentIntent {
	t.Helper()
	res, err := f.engine.Payments.CreateIntent(f.ctx, CreateIntentInput{
		UserID:     userID,
		EventID:    eventID,
		TicketType: "general",
		Quantity:   qty,
	})
	require.NoError(t, err)
	return res.Intent
}

// pay makes the sandbox report a payment for the intent and delivers the notification.
func (f *fixture) pay(t *testing.T, p *models.PaymentIntent, paymentID, status string) *NotificationResult {
	t.Helper()
	payment := f.sandbox.SetPayment(paymentID, p.ExternalReference, status, p.Amount)
	res, err := f.engine.Settlement.HandleNotification(f.ctx, SourceWebhook, payment.ID)
	require.NoError(t, err)
	return res
}

func (f *fixture) intent(t *testing.T, id string) *models.PaymentIntent {
	t.Helper()
	p, err := f.store.GetIntent(f.ctx, id)
	require.NoError(t, err)
	return p
}

// issuedTicket buys one ticket for userID and approves it.
func (f *fixture) issuedTicket(t *testing.T, userID, eventID string) *models.Ticket {
	t.Helper()
	p := f.buy(t, userID, eventID, 1)
	f.pay(t, p, "", "approved")
	tk, err := f.store.GetTicket(f.ctx, p.Ticket.TicketID)
	require.NoError(t, err)
	return tk
}

func countActions(t *testing.T, f *fixture, resourceType, id string, action models.Action) int {
	t.Helper()
	recs, err := f.store.ListAudit(f.ctx, resourceType, id)
	require.NoError(t, err)
	n := 0
	for _, r := range recs {
		if r.Action == action {
			n++
		}
	}
	return n
}
