package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ticket-settlement/internal/apperr"
	"ticket-settlement/internal/clock"
	"ticket-settlement/internal/store"
	"ticket-settlement/models"
	"ticket-settlement/monitoring"
)

// Roles accepted by TransferService.List.
const (
	RoleSent     = "sent"
	RoleReceived = "received"
)

type CreateTransferInput struct {
	TicketID string              `json:"ticket_id" validate:"required"`
	FromUser string              `json:"from_user" validate:"required"`
	ToUser   string              `json:"to_user" validate:"required"`
	Type     models.TransferType `json:"type" validate:"required,oneof=gift sale exchange"`
	Price    decimal.Decimal     `json:"price"`
	Message  string              `json:"message" validate:"max=500"`
}

// TransferService brokers holder changes. Pending transfers past their
// expiration are flipped to expired on every read, so an offer can never be
// accepted late even if the sweep has not run.
type TransferService struct {
	store    store.Store
	clock    clock.Clock
	audit    *AuditRecorder
	notifier Notifier
	monitor  *monitoring.Monitor
	opts     Options
}

func (s *TransferService) Create(ctx context.Context, in CreateTransferInput) (*models.TicketTransfer, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.FromUser == in.ToUser {
		return nil, apperr.Validation("to_user", "cannot transfer a ticket to yourself")
	}
	switch {
	case in.Type == models.TransferSale && !in.Price.IsPositive():
		return nil, apperr.Validation("price", "sale transfers require a positive price")
	case in.Price.IsNegative():
		return nil, apperr.Validation("price", "must not be negative")
	}

	fee := decimal.Zero
	if in.Type == models.TransferSale {
		fee = in.Price.Mul(s.opts.TransferFeePercent).Div(hundred).Round(2)
	}

	var (
		tr      *models.TicketTransfer
		expired *models.TicketTransfer
	)
	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		expired = nil
		t, err := repo.GetTicket(ctx, in.TicketID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("ticket", in.TicketID)
		}
		if err != nil {
			return err
		}
		if t.HolderID != in.FromUser {
			return apperr.Forbidden("only the ticket holder can transfer it")
		}
		now := s.clock.Now()
		if reason := t.Transferable(now); reason != "" {
			return apperr.TicketNotTransferable(reason)
		}

		pending, err := repo.FindPendingTransfer(ctx, t.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case pending.Overdue(now):
			if expired, err = s.expireInTx(ctx, repo, pending); err != nil {
				return err
			}
		default:
			return apperr.TicketNotTransferable("ticket already has a pending transfer")
		}

		tr = &models.TicketTransfer{
			ID:        uuid.NewString(),
			TicketID:  t.ID,
			EventID:   t.EventID,
			FromUser:  in.FromUser,
			ToUser:    in.ToUser,
			Type:      in.Type,
			Price:     in.Price,
			Fee:       fee,
			Currency:  t.Currency,
			Message:   in.Message,
			Status:    models.TransferPending,
			ExpiresAt: now.Add(s.opts.TransferExpiration),
			CreatedAt: now,
			History:   []models.TransferEvent{{Action: "created", Actor: in.FromUser, At: now, Note: in.Message}},
		}
		err = repo.CreateTransfer(ctx, tr)
		if errors.Is(err, store.ErrDuplicate) {
			return apperr.TicketNotTransferable("ticket already has a pending transfer")
		}
		return err
	})
	s.monitor.TrackTransfer("create", err)
	if err != nil {
		return nil, err
	}

	if expired != nil {
		s.afterExpire(ctx, expired)
	}
	s.audit.Record(ctx, AuditEntry{Actor: in.FromUser, Action: models.ActionTransferCreated, ResourceType: "transfer", ResourceID: tr.ID, After: tr})
	s.notifier.Notify(ctx, tr.ToUser, NotifyTransferReceived, map[string]any{
		"transfer_id": tr.ID,
		"ticket_id":   tr.TicketID,
		"from_user":   tr.FromUser,
		"type":        tr.Type,
		"expires_at":  tr.ExpiresAt,
	})
	return tr, nil
}

// Respond accepts or rejects a transfer on behalf of its recipient.
func (s *TransferService) Respond(ctx context.Context, transferID, userID string, accept bool) (*models.TicketTransfer, error) {
	if accept {
		return s.Accept(ctx, transferID, userID)
	}
	return s.Reject(ctx, transferID, userID, "")
}

// Accept moves the ticket to the recipient. The holder change and the
// transfer resolution commit together.
func (s *TransferService) Accept(ctx context.Context, transferID, userID string) (*models.TicketTransfer, error) {
	return s.resolve(ctx, transferID, userID, models.TransferAccepted, "")
}

func (s *TransferService) Reject(ctx context.Context, transferID, userID, note string) (*models.TicketTransfer, error) {
	return s.resolve(ctx, transferID, userID, models.TransferRejected, note)
}

func (s *TransferService) Cancel(ctx context.Context, transferID, userID string) (*models.TicketTransfer, error) {
	return s.resolve(ctx, transferID, userID, models.TransferCancelled, "")
}

func (s *TransferService) resolve(ctx context.Context, transferID, actor string, to models.TransferStatus, note string) (*models.TicketTransfer, error) {
	var (
		before, after models.TicketTransfer
		ticketBefore  *models.Ticket
		ticketAfter   *models.Ticket
		expired       *models.TicketTransfer
	)
	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		expired, ticketBefore, ticketAfter = nil, nil, nil
		tr, err := repo.GetTransfer(ctx, transferID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("transfer", transferID)
		}
		if err != nil {
			return err
		}

		switch to {
		case models.TransferAccepted, models.TransferRejected:
			if tr.ToUser != actor {
				return apperr.Forbidden("only the recipient can respond to a transfer")
			}
		case models.TransferCancelled:
			if tr.FromUser != actor {
				return apperr.Forbidden("only the sender can cancel a transfer")
			}
		}
		if tr.Status != models.TransferPending {
			return apperr.TransferAlreadyResolved("transfer is " + string(tr.Status))
		}

		now := s.clock.Now()
		if tr.Overdue(now) {
			expired, err = s.expireInTx(ctx, repo, tr)
			return err
		}

		if to == models.TransferAccepted {
			t, err := repo.GetTicket(ctx, tr.TicketID)
			if err != nil {
				return fmt.Errorf("load ticket: %w", err)
			}
			if t.HolderID != tr.FromUser {
				return apperr.TicketNotTransferable("ticket changed hands")
			}
			next, err := t.Reassigned(models.TransferRecord{
				TransferID: tr.ID,
				From:       tr.FromUser,
				To:         tr.ToUser,
				Reason:     string(tr.Type),
				At:         now,
			})
			if err != nil {
				return apperr.TicketNotTransferable(t.Transferable(now))
			}
			if err := repo.UpdateTicket(ctx, &next); err != nil {
				return fmt.Errorf("update ticket: %w", err)
			}
			ticketBefore, ticketAfter = t, &next
		}

		next, err := tr.Resolve(to, actor, now, note)
		if err != nil {
			return apperr.TransferAlreadyResolved(err.Error())
		}
		if err := repo.UpdateTransfer(ctx, &next); err != nil {
			return fmt.Errorf("update transfer: %w", err)
		}
		before, after = *tr, next
		return nil
	})
	if err == nil && expired != nil {
		s.afterExpire(ctx, expired)
		err = apperr.TransferAlreadyResolved("transfer expired")
	}
	s.monitor.TrackTransfer(string(to), err)
	if err != nil {
		return nil, err
	}

	action := map[models.TransferStatus]models.Action{
		models.TransferAccepted:  models.ActionTransferAccepted,
		models.TransferRejected:  models.ActionTransferRejected,
		models.TransferCancelled: models.ActionTransferCancelled,
	}[to]
	s.audit.Record(ctx, AuditEntry{Actor: actor, Action: action, ResourceType: "transfer", ResourceID: transferID, Before: before, After: after})
	if ticketAfter != nil {
		s.audit.Record(ctx, AuditEntry{Actor: actor, Action: models.ActionTransferAccepted, ResourceType: "ticket", ResourceID: ticketAfter.ID, Before: ticketBefore, After: ticketAfter})
	}

	counterpart := after.FromUser
	if actor == after.FromUser {
		counterpart = after.ToUser
	}
	s.notifier.Notify(ctx, counterpart, NotifyTransferResolved, map[string]any{
		"transfer_id": after.ID,
		"ticket_id":   after.TicketID,
		"status":      after.Status,
	})
	return &after, nil
}

func (s *TransferService) expireInTx(ctx context.Context, repo store.Repository, tr *models.TicketTransfer) (*models.TicketTransfer, error) {
	next, err := tr.Resolve(models.TransferExpired, SystemActor, s.clock.Now(), "")
	if err != nil {
		return nil, err
	}
	if err := repo.UpdateTransfer(ctx, &next); err != nil {
		return nil, fmt.Errorf("expire transfer: %w", err)
	}
	return &next, nil
}

func (s *TransferService) afterExpire(ctx context.Context, tr *models.TicketTransfer) {
	s.monitor.TrackTransfer("expire", nil)
	s.audit.Record(ctx, AuditEntry{Actor: SystemActor, Action: models.ActionTransferExpired, ResourceType: "transfer", ResourceID: tr.ID, After: tr})
	s.notifier.Notify(ctx, tr.FromUser, NotifyTransferResolved, map[string]any{
		"transfer_id": tr.ID,
		"ticket_id":   tr.TicketID,
		"status":      tr.Status,
	})
}

// expireIfOverdue flips an overdue pending transfer and returns its current
// state, reporting whether this call expired it.
func (s *TransferService) expireIfOverdue(ctx context.Context, tr *models.TicketTransfer) (*models.TicketTransfer, bool, error) {
	if !tr.Overdue(s.clock.Now()) {
		return tr, false, nil
	}
	var expired *models.TicketTransfer
	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		cur, err := repo.GetTransfer(ctx, tr.ID)
		if err != nil {
			return err
		}
		if !cur.Overdue(s.clock.Now()) {
			expired = cur
			return errSkip
		}
		expired, err = s.expireInTx(ctx, repo, cur)
		return err
	})
	if errors.Is(err, errSkip) {
		return expired, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.afterExpire(ctx, expired)
	return expired, true, nil
}

// Get returns a transfer to one of its parties. An empty userID skips the check.
func (s *TransferService) Get(ctx context.Context, transferID, userID string) (*models.TicketTransfer, error) {
	tr, err := s.store.GetTransfer(ctx, transferID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("transfer", transferID)
	}
	if err != nil {
		return nil, err
	}
	if userID != "" && tr.FromUser != userID && tr.ToUser != userID {
		return nil, apperr.NotFound("transfer", transferID)
	}
	cur, _, err := s.expireIfOverdue(ctx, tr)
	return cur, err
}

// List returns the user's transfers, optionally restricted to RoleSent or RoleReceived.
func (s *TransferService) List(ctx context.Context, userID, role string) ([]*models.TicketTransfer, error) {
	if userID == "" {
		return nil, apperr.Validation("user_id", "is required")
	}
	if role != "" && role != RoleSent && role != RoleReceived {
		return nil, apperr.Validation("role", "must be sent or received")
	}
	all, err := s.store.ListTransfersForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.TicketTransfer, 0, len(all))
	for _, tr := range all {
		if role == RoleSent && tr.FromUser != userID || role == RoleReceived && tr.ToUser != userID {
			continue
		}
		cur, _, err := s.expireIfOverdue(ctx, tr)
		if err != nil {
			return nil, err
		}
		out = append(out, cur)
	}
	return out, nil
}

// Sweep expires pending transfers nobody has touched since they ran out.
func (s *TransferService) Sweep(ctx context.Context) (int, error) {
	overdue, err := s.store.ListOverdueTransfers(ctx, s.clock.Now(), s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list overdue transfers: %w", err)
	}
	n := 0
	for _, tr := range overdue {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, expired, err := s.expireIfOverdue(ctx, tr)
		if err != nil {
			slog.Error("transfer expiry failed", "transfer_id", tr.ID, "error", err)
			continue
		}
		if expired {
			n++
		}
	}
	return n, nil
}
