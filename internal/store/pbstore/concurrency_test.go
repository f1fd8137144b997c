package pbstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/tests"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-settlement/internal/apperr"
	"ticket-settlement/internal/cache"
	"ticket-settlement/internal/clock"
	"ticket-settlement/internal/services"
	"ticket-settlement/internal/services/provider"
	"ticket-settlement/internal/store/pbstore"
	_ "ticket-settlement/migrations"
	"ticket-settlement/models"
)

var start = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	ctx     context.Context
	store   *pbstore.Store
	sandbox *provider.Sandbox
	engine  *services.Engine
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	app, err := tests.NewTestApp(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(app.Cleanup)

	clk := clock.NewFake(start)
	h := &harness{
		ctx:     context.Background(),
		store:   pbstore.New(app),
		sandbox: provider.NewSandbox("http://localhost:8090"),
	}
	h.engine = services.NewEngine(services.Deps{
		Store:    h.store,
		Provider: h.sandbox,
		Cache:    cache.NewMemory(clk),
		Clock:    clk,
	}, services.DefaultOptions())

	require.NoError(t, h.store.SaveEvent(h.ctx, &models.Event{
		ID:         "ev-1",
		Name:       "Closing Night",
		CategoryID: "music",
		Currency:   "ARS",
		StartsAt:   start.Add(30 * 24 * time.Hour),
		EndsAt:     start.Add(30*24*time.Hour + 4*time.Hour),
		Status:     models.EventPublished,
		TicketTypes: []models.TicketType{
			{Name: "general", Price: decimal.NewFromInt(1000), Capacity: capacity},
		},
	}))
	return h
}

func (h *harness) buyers(n int, coupon string) []error {
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.Payments.CreateIntent(h.ctx, services.CreateIntentInput{
				UserID:     fmt.Sprintf("user-%d", i),
				EventID:    "ev-1",
				TicketType: "general",
				Quantity:   1,
				CouponCode: coupon,
			})
		}(i)
	}
	wg.Wait()
	return errs
}

func succeeded(errs []error) int {
	n := 0
	for _, err := range errs {
		if err == nil {
			n++
		}
	}
	return n
}

func TestConcurrentBuyersNeverOversell(t *testing.T) {
	h := newHarness(t, 3)

	errs := h.buyers(12, "")
	assert.Equal(t, 3, succeeded(errs))
	for _, err := range errs {
		if err != nil {
			assert.Equal(t, apperr.CodeInsufficientCapacity, apperr.CodeOf(err))
		}
	}

	reserved, err := h.store.SumReserved(h.ctx, "ev-1", "general", start)
	require.NoError(t, err)
	assert.Equal(t, 3, reserved)
}

func TestConcurrentRedemptionsRespectMaxUses(t *testing.T) {
	h := newHarness(t, 50)
	require.NoError(t, h.store.CreateCoupon(h.ctx, &models.Coupon{
		Code:       "ONCE",
		Type:       models.CouponFixed,
		Value:      decimal.NewFromInt(100),
		MaxUses:    1,
		IsActive:   true,
		ValidFrom:  start.Add(-time.Hour),
		ValidUntil: start.Add(24 * time.Hour),
	}))

	errs := h.buyers(8, "ONCE")
	assert.Equal(t, 1, succeeded(errs))

	c, err := h.store.GetCoupon(h.ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentUses)
	assert.Len(t, c.UsedBy, 1)
}

func TestConcurrentCheckInsAdmitOnce(t *testing.T) {
	h := newHarness(t, 5)
	res, err := h.engine.Payments.CreateIntent(h.ctx, services.CreateIntentInput{
		UserID: "user-1", EventID: "ev-1", TicketType: "general", Quantity: 1,
	})
	require.NoError(t, err)
	payment := h.sandbox.SetPayment("", res.Intent.ExternalReference, "approved", res.Intent.Amount)
	out, err := h.engine.Settlement.HandleNotification(h.ctx, services.SourceWebhook, payment.ID)
	require.NoError(t, err)
	require.True(t, out.TicketIssued)
	ticketID := res.Intent.Ticket.TicketID

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.Tickets.CheckIn(h.ctx, ticketID, fmt.Sprintf("staff-%d", i), services.CheckInInput{})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded(errs))
	for _, err := range errs {
		if err != nil {
			assert.Equal(t, apperr.CodeAlreadyCheckedIn, apperr.CodeOf(err))
		}
	}

	tk, err := h.store.GetTicket(h.ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketUsed, tk.Status)
	require.NotNil(t, tk.CheckIn)
}
