package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ticket-settlement/internal/apperr"
	"ticket-settlement/internal/clock"
	"ticket-settlement/internal/store"
	"ticket-settlement/models"
	"ticket-settlement/monitoring"
)

// FailureTracker counts failed validations per device. security.AttemptTracker satisfies it.
type FailureTracker interface {
	RecordFailure(ctx context.Context, subject string) (int64, error)
	Blocked(ctx context.Context, subject string) (bool, error)
	Reset(ctx context.Context, subject string) error
}

// Renderer produces the downloadable form of a ticket. ev may be nil.
type Renderer interface {
	Render(ctx context.Context, t *models.Ticket, ev *models.Event) (data []byte, contentType string, err error)
}

// JSONPassRenderer renders a ticket as a JSON pass.
type JSONPassRenderer struct{}

func (JSONPassRenderer) Render(_ context.Context, t *models.Ticket, ev *models.Event) ([]byte, string, error) {
	pass := map[string]any{
		"ticket_id":   t.ID,
		"event_id":    t.EventID,
		"holder_id":   t.HolderID,
		"ticket_type": t.TicketType,
		"quantity":    t.Quantity,
		"status":      t.Status,
		"qr_payload":  t.QRPayload,
		"expires_at":  t.ExpiresAt,
	}
	if ev != nil {
		pass["event_name"] = ev.Name
		pass["venue"] = ev.Venue
		pass["starts_at"] = ev.StartsAt
	}
	data, err := json.Marshal(pass)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

type TicketValidation struct {
	Valid      bool                `json:"valid"`
	Reason     string              `json:"reason,omitempty"`
	TicketID   string              `json:"ticket_id"`
	EventID    string              `json:"event_id"`
	HolderID   string              `json:"holder_id"`
	TicketType string              `json:"ticket_type"`
	Quantity   int                 `json:"quantity"`
	Status     models.TicketStatus `json:"status"`
	CheckIn    *models.CheckIn     `json:"check_in,omitempty"`
}

type CheckInInput struct {
	Location string `json:"location" validate:"max=200"`
	DeviceID string `json:"device_id" validate:"max=200"`
}

type TicketDownload struct {
	Filename    string
	ContentType string
	Data        []byte
}

type TicketService struct {
	store    store.Store
	clock    clock.Clock
	audit    *AuditRecorder
	notifier Notifier
	monitor  *monitoring.Monitor
	qr       *QRCodec
	renderer Renderer
	failures FailureTracker
	grace    time.Duration
}

// issueInTx creates the ticket reserved on an approved intent. Issuing twice
// returns the existing ticket with created=false.
func (s *TicketService) issueInTx(ctx context.Context, repo store.Repository, p *models.PaymentIntent, now time.Time) (t *models.Ticket, created bool, err error) {
	existing, err := repo.GetTicket(ctx, p.Ticket.TicketID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("load ticket: %w", err)
	}

	var expires time.Time
	if ev, err := repo.GetEvent(ctx, p.EventID); err == nil {
		expires = ev.AdmissionEnds(s.grace)
	}

	t = &models.Ticket{
		ID:          p.Ticket.TicketID,
		IntentID:    p.ID,
		EventID:     p.EventID,
		HolderID:    p.UserID,
		PurchaserID: p.UserID,
		TicketType:  p.TicketType,
		Quantity:    p.Quantity,
		UnitPrice:   p.UnitPrice,
		TotalAmount: p.Amount,
		Currency:    p.Currency,
		Status:      models.TicketConfirmed,
		QRPayload:   p.Ticket.QRPayload,
		ExpiresAt:   expires,
		IssuedAt:    now,
		UpdatedAt:   now,
	}
	err = repo.CreateTicket(ctx, t)
	if errors.Is(err, store.ErrDuplicate) {
		existing, err := repo.GetTicket(ctx, p.Ticket.TicketID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("create ticket: %w", err)
	}
	return t, true, nil
}

// afterIssue runs the side effects of a committed issuance.
func (s *TicketService) afterIssue(ctx context.Context, t *models.Ticket) {
	s.monitor.TrackTicket("issue", nil)
	s.audit.Record(ctx, AuditEntry{Actor: SystemActor, Action: models.ActionTicketIssued, ResourceType: "ticket", ResourceID: t.ID, After: t})
	s.notifier.Notify(ctx, t.HolderID, NotifyTicketIssued, map[string]any{
		"ticket_id": t.ID,
		"event_id":  t.EventID,
	})
}

func (s *TicketService) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	t, err := s.store.GetTicket(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("ticket", ticketID)
	}
	return t, err
}

func (s *TicketService) ListForHolder(ctx context.Context, holderID string) ([]*models.Ticket, error) {
	if holderID == "" {
		return nil, apperr.Validation("holder_id", "is required")
	}
	return s.store.ListTicketsByHolder(ctx, holderID)
}

// ValidateQR decodes a scanned payload and validates the ticket it points to.
// The payload is only an identity pointer; the stored ticket decides.
func (s *TicketService) ValidateQR(ctx context.Context, payload string) (*TicketValidation, error) {
	device := deviceOf(ctx)
	if s.failures != nil && device != "" {
		blocked, err := s.failures.Blocked(ctx, device)
		if err != nil {
			slog.Warn("validation attempt lookup failed", "device", device, "error", err)
		}
		if blocked {
			return nil, apperr.Forbidden("too many failed validations from this device")
		}
	}

	p, err := s.qr.Decode(payload)
	if err != nil {
		s.recordFailure(ctx, device)
		reason := "malformed payload"
		if errors.Is(err, ErrQRSignature) {
			reason = "signature mismatch"
		}
		return nil, apperr.Validation("qr_payload", reason)
	}

	res, err := s.Validate(ctx, p.TicketID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			s.recordFailure(ctx, device)
		}
		return nil, err
	}
	if p.EventID != "" && p.EventID != res.EventID {
		s.recordFailure(ctx, device)
		return nil, apperr.Validation("qr_payload", "event does not match ticket")
	}
	if s.failures != nil && device != "" {
		if err := s.failures.Reset(ctx, device); err != nil {
			slog.Warn("validation failures not cleared", "device", device, "error", err)
		}
	}
	return res, nil
}

func (s *TicketService) Validate(ctx context.Context, ticketID string) (*TicketValidation, error) {
	t, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		s.monitor.TrackTicket("validate", err)
		return nil, err
	}
	valid, reason := t.Validate(s.clock.Now())
	res := &TicketValidation{
		Valid:      valid,
		Reason:     reason,
		TicketID:   t.ID,
		EventID:    t.EventID,
		HolderID:   t.HolderID,
		TicketType: t.TicketType,
		Quantity:   t.Quantity,
		Status:     t.Status,
		CheckIn:    t.CheckIn,
	}
	s.monitor.TrackTicket("validate", nil)
	s.audit.Record(ctx, AuditEntry{Actor: SystemActor, Action: models.ActionTicketValidated, ResourceType: "ticket", ResourceID: t.ID, After: res})
	return res, nil
}

func (s *TicketService) recordFailure(ctx context.Context, device string) {
	if s.failures == nil || device == "" {
		return
	}
	if _, err := s.failures.RecordFailure(ctx, device); err != nil {
		slog.Warn("validation failure not counted", "device", device, "error", err)
	}
}

func deviceOf(ctx context.Context) string {
	meta := RequestMetaFrom(ctx)
	if meta.DeviceID != "" {
		return meta.DeviceID
	}
	return meta.IP
}

// CheckIn marks a valid ticket as used. Only one of several concurrent
// check-ins succeeds; the others get AlreadyCheckedIn.
func (s *TicketService) CheckIn(ctx context.Context, ticketID, actor string, in CheckInInput) (*models.Ticket, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if actor == "" {
		return nil, apperr.Validation("actor", "is required")
	}

	var before, after models.Ticket
	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		t, err := repo.GetTicket(ctx, ticketID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("ticket", ticketID)
		}
		if err != nil {
			return err
		}
		if t.Status == models.TicketUsed && t.CheckIn != nil {
			at := t.CheckIn.At
			return apperr.AlreadyCheckedIn(&at, t.CheckIn.By)
		}

		now := s.clock.Now()
		if valid, reason := t.Validate(now); !valid {
			return apperr.InvalidState("ticket is not valid: " + reason)
		}

		device := in.DeviceID
		if device == "" {
			device = RequestMetaFrom(ctx).DeviceID
		}
		next, err := t.CheckedIn(models.CheckIn{At: now, By: actor, DeviceID: device, Location: in.Location})
		if err != nil {
			return apperr.InvalidState(err.Error())
		}
		if err := repo.UpdateTicket(ctx, &next); err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}

		intent, err := repo.FindIntentByTicketID(ctx, t.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return fmt.Errorf("load intent: %w", err)
		default:
			claim := intent.Clone()
			claim.Ticket.Valid = false
			claim.Ticket.UsedAt = &now
			claim.Ticket.UsedBy = actor
			claim.UpdatedAt = now
			if err := repo.UpdateIntent(ctx, &claim); err != nil {
				return fmt.Errorf("update intent: %w", err)
			}
		}

		before, after = *t, next
		return nil
	})
	s.monitor.TrackTicket("checkin", err)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, AuditEntry{Actor: actor, Action: models.ActionTicketCheckedIn, ResourceType: "ticket", ResourceID: ticketID, Before: before, After: after})
	return &after, nil
}

// Download renders the ticket for its holder. Every attempt is appended to the
// ticket's download history, successful or not.
func (s *TicketService) Download(ctx context.Context, ticketID, actor string) (*TicketDownload, error) {
	t, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.HolderID != actor {
		denied := apperr.Forbidden("only the ticket holder can download it")
		s.recordDownload(ctx, ticketID, actor, denied)
		return nil, denied
	}

	ev, err := s.store.GetEvent(ctx, t.EventID)
	if err != nil {
		ev = nil
	}
	data, contentType, renderErr := s.renderer.Render(ctx, t, ev)
	s.recordDownload(ctx, ticketID, actor, renderErr)
	if renderErr != nil {
		return nil, fmt.Errorf("render ticket: %w", renderErr)
	}

	ext := ".json"
	if contentType == "application/pdf" {
		ext = ".pdf"
	}
	return &TicketDownload{Filename: "ticket-" + t.ID + ext, ContentType: contentType, Data: data}, nil
}

// recordDownload appends the attempt to the ticket's download log, refused
// attempts included.
func (s *TicketService) recordDownload(ctx context.Context, ticketID, actor string, failure error) {
	meta := RequestMetaFrom(ctx)
	rec := models.DownloadRecord{
		At:        s.clock.Now(),
		Actor:     actor,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   failure == nil,
	}
	if failure != nil {
		rec.Error = failure.Error()
	}
	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		cur, err := repo.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		next := cur.WithDownload(rec)
		return repo.UpdateTicket(ctx, &next)
	})
	if err != nil {
		slog.Warn("download not recorded", "ticket_id", ticketID, "error", err)
	}

	s.monitor.TrackTicket("download", failure)
	s.audit.Record(ctx, AuditEntry{Actor: actor, Action: models.ActionTicketDownloaded, ResourceType: "ticket", ResourceID: ticketID, After: rec, Err: failure})
}
