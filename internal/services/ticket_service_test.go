package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-settlement/internal/apperr"
	"ticket-settlement/models"
)

func TestCheckIn_ConcurrentScansAdmitOnce(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "user-1", "ev-1")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  int
		conflicts []*apperr.StateConflictError
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Tickets.CheckIn(f.ctx, tk.ID, fmt.Sprintf("gate-%d", i), CheckInInput{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
				return
			}
			var se *apperr.StateConflictError
			if errors.As(err, &se) {
				conflicts = append(conflicts, se)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	require.Len(t, conflicts, 7)

	stored, err := f.store.GetTicket(f.ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketUsed, stored.Status)
	for _, c := range conflicts {
		assert.Equal(t, apperr.CodeAlreadyCheckedIn, c.Code)
		assert.Equal(t, stored.CheckIn.By, c.UsedBy)
		require.NotNil(t, c.UsedAt)
	}
	assert.Equal(t, 1, countActions(t, f, "ticket", tk.ID, models.ActionTicketCheckedIn))
}

func TestCheckIn_RejectsInvalidTickets(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "user-1", "ev-1")

	_, err := f.engine.Tickets.CheckIn(f.ctx, "missing", "staff", CheckInInput{})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.engine.Tickets.CheckIn(f.ctx, tk.ID, "", CheckInInput{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	f.clock.Advance(31 * 24 * time.Hour)
	v, err := f.engine.Tickets.Validate(f.ctx, tk.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, models.ReasonExpired, v.Reason)

	_, err = f.engine.Tickets.CheckIn(f.ctx, tk.ID, "staff", CheckInInput{})
	assert.Equal(t, apperr.CodeInvalidState, apperr.CodeOf(err))
}

type stubFailures struct {
	mu       sync.Mutex
	failures map[string]int64
	resets   map[string]int
	max      int64
}

func (s *stubFailures) RecordFailure(_ context.Context, subject string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[subject]++
	return s.failures[subject], nil
}

func (s *stubFailures) Blocked(_ context.Context, subject string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[subject] >= s.max, nil
}

func (s *stubFailures) Reset(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resets == nil {
		s.resets = map[string]int{}
	}
	s.resets[subject]++
	delete(s.failures, subject)
	return nil
}

func TestValidateQR(t *testing.T) {
	failures := &stubFailures{failures: map[string]int64{}, max: 3}
	f := newFixture(t, func(d *Deps, _ *Options) {
		d.QR = NewQRCodec("qr-signing-key")
		d.Failures = failures
	})
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "user-1", "ev-1")
	ctx := WithRequestMeta(f.ctx, models.RequestMeta{DeviceID: "scanner-7"})

	v, err := f.engine.Tickets.ValidateQR(ctx, tk.QRPayload)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	forged, err := NewQRCodec("other-key").Encode(QRPayload{TicketID: tk.ID, EventID: "ev-1"})
	require.NoError(t, err)
	_, err = f.engine.Tickets.ValidateQR(ctx, forged)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.engine.Tickets.ValidateQR(ctx, "%%%")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	unknown, err := f.engine.Tickets.qr.Encode(QRPayload{TicketID: "no-such-ticket"})
	require.NoError(t, err)
	_, err = f.engine.Tickets.ValidateQR(ctx, unknown)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.engine.Tickets.ValidateQR(ctx, tk.QRPayload)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err), "device is blocked after three failures")

	other := WithRequestMeta(f.ctx, models.RequestMeta{DeviceID: "scanner-8"})
	_, err = f.engine.Tickets.ValidateQR(other, tk.QRPayload)
	assert.NoError(t, err)
}

func TestValidateQR_SuccessClearsDeviceFailures(t *testing.T) {
	failures := &stubFailures{failures: map[string]int64{}, max: 3}
	f := newFixture(t, func(d *Deps, _ *Options) {
		d.QR = NewQRCodec("qr-signing-key")
		d.Failures = failures
	})
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "user-1", "ev-1")
	ctx := WithRequestMeta(f.ctx, models.RequestMeta{DeviceID: "scanner-7"})

	fail := func() {
		_, err := f.engine.Tickets.ValidateQR(ctx, "%%%")
		require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}

	fail()
	fail()
	_, err := f.engine.Tickets.ValidateQR(ctx, tk.QRPayload)
	require.NoError(t, err)
	assert.Equal(t, 1, failures.resets["scanner-7"])

	fail()
	fail()
	_, err = f.engine.Tickets.ValidateQR(ctx, tk.QRPayload)
	assert.NoError(t, err, "failures before a good scan no longer count toward the block")

	byIP := WithRequestMeta(f.ctx, models.RequestMeta{IP: "10.0.0.9"})
	_, err = f.engine.Tickets.ValidateQR(byIP, tk.QRPayload)
	require.NoError(t, err)
	assert.Equal(t, 1, failures.resets["10.0.0.9"])
}

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, *models.Ticket, *models.Event) ([]byte, string, error) {
	return nil, "", errors.New("pdf service unavailable")
}

func TestDownload_RecordsEveryAttempt(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	tk := f.issuedTicket(t, "user-1", "ev-1")
	ctx := WithRequestMeta(f.ctx, models.RequestMeta{IP: "10.0.0.8", UserAgent: "test-agent"})

	dl, err := f.engine.Tickets.Download(ctx, tk.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "application/json", dl.ContentType)
	assert.Equal(t, "ticket-"+tk.ID+".json", dl.Filename)
	assert.Contains(t, string(dl.Data), "Closing Night")

	_, err = f.engine.Tickets.Download(ctx, tk.ID, "someone-else")
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	f.engine.Tickets.renderer = failingRenderer{}
	_, err = f.engine.Tickets.Download(ctx, tk.ID, "user-1")
	require.Error(t, err)

	stored, err := f.store.GetTicket(f.ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, stored.Downloads, 3)
	assert.True(t, stored.Downloads[0].Success)
	assert.Equal(t, "10.0.0.8", stored.Downloads[0].IP)

	refused := stored.Downloads[1]
	assert.False(t, refused.Success)
	assert.Equal(t, "someone-else", refused.Actor)
	assert.Equal(t, "10.0.0.8", refused.IP)
	assert.Equal(t, "test-agent", refused.UserAgent)
	assert.NotEmpty(t, refused.Error)

	assert.False(t, stored.Downloads[2].Success)
	assert.Equal(t, "pdf service unavailable", stored.Downloads[2].Error)
	assert.Equal(t, 3, countActions(t, f, "ticket", tk.ID, models.ActionTicketDownloaded))
}

func TestListForHolder(t *testing.T) {
	f := newFixture(t)
	f.seedEvent(t, "ev-1", 10, "1000")
	f.issuedTicket(t, "user-1", "ev-1")
	f.issuedTicket(t, "user-1", "ev-1")
	f.issuedTicket(t, "user-2", "ev-1")

	tickets, err := f.engine.Tickets.ListForHolder(f.ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, tickets, 2)

	_, err = f.engine.Tickets.ListForHolder(f.ctx, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestQRCodec(t *testing.T) {
	p := QRPayload{TicketID: "tk-1", EventID: "ev-1", UserID: "u-1", IssuedAt: t0, Provider: "sandbox"}

	plain := NewQRCodec("")
	s, err := plain.Encode(p)
	require.NoError(t, err)
	got, err := plain.Decode(s)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	signed := NewQRCodec("k")
	s, err = signed.Encode(p)
	require.NoError(t, err)
	_, err = signed.Decode(s + "x")
	assert.ErrorIs(t, err, ErrQRSignature)
	_, err = signed.Decode(s[:len(s)-44])
	assert.Error(t, err)

	_, err = plain.Decode("e30=")
	assert.ErrorIs(t, err, ErrQRMalformed, "a payload without ticketId is malformed")
}
