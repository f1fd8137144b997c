package services

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-settlement/internal/apperr"
	"ticket-settlement/models"
)

func giftInput(ticketID string) CreateTransferInput {
	return CreateTransferInput{TicketID: ticketID, FromUser: "alice", ToUser: "bob", Type: models.TransferGift}
}

func TestTransfer_AcceptMovesHolder(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "alice", "ev-1")

	tr, err := f.engine.Transfers.Create(f.ctx, giftInput(tk.ID))
	require.NoError(t, err)
	assert.Equal(t, models.TransferPending, tr.Status)
	assert.Equal(t, t0.Add(7*24*time.Hour), tr.ExpiresAt)
	require.Len(t, tr.History, 1)
	assert.Equal(t, "created", tr.History[0].Action)
	assert.Contains(t, f.notifier.kinds("bob"), NotifyTransferReceived)

	accepted, err := f.engine.Transfers.Respond(f.ctx, tr.ID, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, models.TransferAccepted, accepted.Status)
	require.NotNil(t, accepted.ResolvedAt)

	moved, err := f.store.GetTicket(f.ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", moved.HolderID)
	assert.Equal(t, "alice", moved.PurchaserID)
	assert.Equal(t, models.TicketConfirmed, moved.Status)
	require.Len(t, moved.TransferHistory, 1)
	assert.Equal(t, tr.ID, moved.TransferHistory[0].TransferID)

	_, err = f.engine.Transfers.Accept(f.ctx, tr.ID, "bob")
	assert.Equal(t, apperr.CodeTransferAlreadyResolved, apperr.CodeOf(err))

	v, err := f.engine.Tickets.Validate(f.ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "bob", v.HolderID)
}

func TestTransfer_AcceptAfterWindowExpires(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "alice", "ev-1")
	tr, err := f.engine.Transfers.Create(f.ctx, giftInput(tk.ID))
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	_, err = f.engine.Transfers.Accept(f.ctx, tr.ID, "bob")
	assert.Equal(t, apperr.CodeTransferAlreadyResolved, apperr.CodeOf(err))

	got, err := f.engine.Transfers.Get(f.ctx, tr.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.TransferExpired, got.Status)

	stored, err := f.store.GetTicket(f.ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.HolderID)
	assert.Equal(t, 1, countActions(t, f, "transfer", tr.ID, models.ActionTransferExpired))
}

func TestTransfer_Preconditions(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "alice", "ev-1")

	in := giftInput(tk.ID)
	in.ToUser = "alice"
	_, err := f.engine.Transfers.Create(f.ctx, in)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	in = giftInput(tk.ID)
	in.FromUser = "mallory"
	_, err = f.engine.Transfers.Create(f.ctx, in)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	in = giftInput(tk.ID)
	in.Type = models.TransferSale
	_, err = f.engine.Transfers.Create(f.ctx, in)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "sales need a price")

	in.Type = "swap"
	_, err = f.engine.Transfers.Create(f.ctx, in)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.engine.Transfers.Create(f.ctx, giftInput(tk.ID))
	require.NoError(t, err)
	_, err = f.engine.Transfers.Create(f.ctx, giftInput(tk.ID))
	assert.Equal(t, apperr.CodeTicketNotTransferable, apperr.CodeOf(err))

	used := f.issuedTicket(t, "alice", "ev-1")
	_, err = f.engine.Tickets.CheckIn(f.ctx, used.ID, "staff", CheckInInput{})
	require.NoError(t, err)
	_, err = f.engine.Transfers.Create(f.ctx, giftInput(used.ID))
	assert.Equal(t, apperr.CodeTicketNotTransferable, apperr.CodeOf(err))
}

func TestTransfer_SaleChargesFee(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "alice", "ev-1")

	in := giftInput(tk.ID)
	in.Type = models.TransferSale
	in.Price = decimal.NewFromInt(2000)
	tr, err := f.engine.Transfers.Create(f.ctx, in)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(tr.Fee), "fee was %s", tr.Fee)
	assert.Equal(t, "ARS", tr.Currency)
}

func TestTransfer_StalePendingDoesNotBlockNewOffer(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "alice", "ev-1")
	first, err := f.engine.Transfers.Create(f.ctx, giftInput(tk.ID))
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	in := giftInput(tk.ID)
	in.ToUser = "carol"
	second, err := f.engine.Transfers.Create(f.ctx, in)
	require.NoError(t, err)
	assert.Equal(t, models.TransferPending, second.Status)

	old, err := f.store.GetTransfer(f.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransferExpired, old.Status)
}

func TestTransfer_RejectAndCancelArePartyRestricted(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "alice", "ev-1")

	tr, err := f.engine.Transfers.Create(f.ctx, giftInput(tk.ID))
	require.NoError(t, err)
	_, err = f.engine.Transfers.Cancel(f.ctx, tr.ID, "bob")
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
	_, err = f.engine.Transfers.Reject(f.ctx, tr.ID, "alice", "")
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	rejected, err := f.engine.Transfers.Respond(f.ctx, tr.ID, "bob", false)
	require.NoError(t, err)
	assert.Equal(t, models.TransferRejected, rejected.Status)
	assert.Contains(t, f.notifier.kinds("alice"), NotifyTransferResolved)

	tr, err = f.engine.Transfers.Create(f.ctx, giftInput(tk.ID))
	require.NoError(t, err)
	cancelled, err := f.engine.Transfers.Cancel(f.ctx, tr.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TransferCancelled, cancelled.Status)

	_, err = f.engine.Transfers.Get(f.ctx, tr.ID, "mallory")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestTransfer_CompetingResolutionsFirstWins(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "alice", "ev-1")
	tr, err := f.engine.Transfers.Create(f.ctx, giftInput(tk.ID))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.engine.Transfers.Accept(f.ctx, tr.ID, "bob")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.engine.Transfers.Cancel(f.ctx, tr.ID, "alice")
	}()
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.Equal(t, apperr.CodeTransferAlreadyResolved, apperr.CodeOf(err))
		}
	}
	assert.Equal(t, 1, failed)
}

func TestTransfer_ListAndSweep(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	a := f.issuedTicket(t, "alice", "ev-1")
	b := f.issuedTicket(t, "alice", "ev-1")

	_, err := f.engine.Transfers.Create(f.ctx, giftInput(a.ID))
	require.NoError(t, err)
	_, err = f.engine.Transfers.Create(f.ctx, CreateTransferInput{TicketID: b.ID, FromUser: "alice", ToUser: "carol", Type: models.TransferExchange})
	require.NoError(t, err)

	sent, err := f.engine.Transfers.List(f.ctx, "alice", RoleSent)
	require.NoError(t, err)
	assert.Len(t, sent, 2)
	received, err := f.engine.Transfers.List(f.ctx, "bob", RoleReceived)
	require.NoError(t, err)
	assert.Len(t, received, 1)
	_, err = f.engine.Transfers.List(f.ctx, "bob", "owner")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	n, err := f.engine.Transfers.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(7*24*time.Hour + time.Minute)
	n, err = f.engine.Transfers.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.engine.Transfers.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
