package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"ticket-settlement/internal/apperr"
	"ticket-settlement/internal/clock"
	"ticket-settlement/internal/services/provider"
	"ticket-settlement/internal/store"
	"ticket-settlement/models"
	"ticket-settlement/monitoring"
)

// Where a provider payment notification came from.
const (
	SourceWebhook   = "webhook"
	SourceChannel   = "channel"
	SourceConfirm   = "confirm"
	SourceReconcile = "reconcile"
	SourceSimulated = "simulated"
)

// Outcomes of applying a provider payment to the local intent.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeStale     = "stale"
	OutcomeUnknown   = "unknown"
)

var errUnknownIntent = errors.New("no intent for payment")

type NotificationResult struct {
	Outcome      string               `json:"outcome"`
	IntentID     string               `json:"intent_id,omitempty"`
	Status       models.PaymentStatus `json:"status,omitempty"`
	TicketIssued bool                 `json:"ticket_issued"`
}

type ReconcileResult struct {
	Cancelled int `json:"cancelled"`
	Polled    int `json:"polled"`
	Failed    int `json:"failed"`
}

// SettlementService applies provider payment states to intents. approved is a
// one-way latch: the first arrival issues the ticket, later ones only refresh
// the transaction details.
type SettlementService struct {
	store        store.Store
	provider     provider.Provider
	clock        clock.Clock
	audit        *AuditRecorder
	notifier     Notifier
	monitor      *monitoring.Monitor
	tickets      *TicketService
	discounts    *DiscountEngine
	availability *AvailabilityChecker
	opts         Options
}

// HandleNotification fetches the payment from the provider and applies it.
// Payments that resolve to no local intent are logged and reported as unknown.
func (s *SettlementService) HandleNotification(ctx context.Context, source, paymentID string) (*NotificationResult, error) {
	if paymentID == "" {
		return nil, apperr.Validation("payment_id", "is required")
	}
	payment, err := s.provider.GetPayment(ctx, paymentID)
	if errors.Is(err, provider.ErrPaymentNotFound) {
		slog.Warn("payment notification for unknown provider payment", "source", source, "payment_id", paymentID)
		s.monitor.TrackNotification(source, OutcomeUnknown)
		return &NotificationResult{Outcome: OutcomeUnknown}, nil
	}
	if err != nil {
		s.monitor.TrackNotification(source, "error")
		return nil, err
	}
	return s.apply(ctx, source, "", payment)
}

type applyChange struct {
	before, after models.PaymentIntent
	ticket        *models.Ticket
	issued        bool
	orphaned      bool
	refundedTix   *models.Ticket
}

// apply moves the intent owning payment to the mapped status. intentID pins
// the intent; when empty it is located by provider id, then by external reference.
func (s *SettlementService) apply(ctx context.Context, source, intentID string, payment *provider.Payment) (*NotificationResult, error) {
	mapped, ok := provider.MapStatus(payment.Status)
	if !ok {
		slog.Warn("unmapped provider payment status", "source", source, "payment_id", payment.ID, "status", payment.Status)
		s.monitor.TrackNotification(source, OutcomeStale)
		return &NotificationResult{Outcome: OutcomeStale}, nil
	}

	var (
		res = &NotificationResult{Outcome: OutcomeApplied, Status: mapped}
		ch  applyChange
	)
	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		ch = applyChange{}
		cur, err := s.locate(ctx, repo, intentID, payment)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		ch.before = cur.Clone()
		res.IntentID = cur.ID

		if settled(cur.Status) && cur.ProviderPaymentID != "" && payment.ID != cur.ProviderPaymentID {
			// The first settled payment owns the intent; a second approval is money to give back.
			res.Status = cur.Status
			res.Outcome = OutcomeStale
			if mapped == models.PaymentApproved {
				res.Outcome = OutcomeDuplicate
				ch.orphaned = true
			}
			slog.Warn("second payment for settled intent",
				"intent_id", cur.ID,
				"payment_id", cur.ProviderPaymentID,
				"second_payment_id", payment.ID,
				"status", mapped,
			)
			return errSkip
		}

		details := withPaymentDetails(*cur, payment)
		detailsChanged := details.StatusDetail != cur.StatusDetail ||
			details.ProviderPaymentID != cur.ProviderPaymentID ||
			!sameTransaction(details.Transaction, cur.Transaction)

		switch {
		case mapped == cur.Status:
			res.Outcome = OutcomeDuplicate
			res.Status = cur.Status
			if !detailsChanged {
				return errSkip
			}
			details.UpdatedAt = now
			ch.after = details
			return repo.UpdateIntent(ctx, &details)

		case !models.CanTransitionPayment(cur.Status, mapped):
			res.Outcome = OutcomeStale
			res.Status = cur.Status
			if mapped == models.PaymentApproved && (cur.Status == models.PaymentCancelled || cur.Status == models.PaymentRejected) {
				ch.orphaned = true
			}
			return errSkip
		}

		if mapped == models.PaymentApproved && cur.PendingExpired(now) {
			// the hold lapsed, so the seats may have been sold since
			_, tt, err := s.availability.LoadOnSale(ctx, repo, cur.EventID, cur.TicketType)
			if err == nil {
				_, err = s.availability.Reserve(ctx, repo, cur.EventID, tt, cur.Quantity)
			}
			if err != nil {
				slog.Error("late approval cannot be honoured", "intent_id", cur.ID, "payment_id", payment.ID, "error", err)
				cancelled, terr := details.Transition(models.PaymentCancelled, now)
				if terr != nil {
					return terr
				}
				cancelled.StatusDetail = "expired_before_approval"
				if err := repo.UpdateIntent(ctx, &cancelled); err != nil {
					return err
				}
				if err := s.discounts.release(ctx, repo, cancelled.CouponCode, cancelled.ID); err != nil {
					return err
				}
				ch.after = cancelled
				ch.orphaned = true
				res.Status = models.PaymentCancelled
				return nil
			}
		}

		next, err := details.Transition(mapped, now)
		if err != nil {
			return err
		}
		if err := repo.UpdateIntent(ctx, &next); err != nil {
			return fmt.Errorf("update intent: %w", err)
		}
		ch.after = next

		switch mapped {
		case models.PaymentApproved:
			t, created, err := s.tickets.issueInTx(ctx, repo, &next, now)
			if err != nil {
				return err
			}
			ch.ticket, ch.issued = t, created
			res.TicketIssued = created
		case models.PaymentRefunded:
			t, err := refundTicketInTx(ctx, repo, next.Ticket.TicketID, now)
			if err != nil {
				return err
			}
			ch.refundedTix = t
		case models.PaymentRejected, models.PaymentCancelled:
			if err := s.discounts.release(ctx, repo, next.CouponCode, next.ID); err != nil {
				return err
			}
		}
		return nil
	})

	switch {
	case errors.Is(err, errUnknownIntent):
		slog.Warn("payment notification for unknown intent",
			"source", source,
			"payment_id", payment.ID,
			"external_reference", payment.ExternalReference,
		)
		s.monitor.TrackNotification(source, OutcomeUnknown)
		return &NotificationResult{Outcome: OutcomeUnknown}, nil
	case errors.Is(err, errSkip):
		err = nil
	case err != nil:
		s.monitor.TrackNotification(source, "error")
		return nil, err
	}

	s.monitor.TrackNotification(source, res.Outcome)
	if ch.orphaned {
		s.refundOrphan(ctx, payment, ch.before)
	}
	if ch.after.ID != "" && ch.after.Status != ch.before.Status {
		s.afterTransition(ctx, ch)
	}
	return res, nil
}

func (s *SettlementService) locate(ctx context.Context, repo store.Repository, intentID string, payment *provider.Payment) (*models.PaymentIntent, error) {
	var (
		p   *models.PaymentIntent
		err error
	)
	switch {
	case intentID != "":
		p, err = repo.GetIntent(ctx, intentID)
	default:
		p, err = repo.FindIntentByProviderPaymentID(ctx, payment.ID)
		if errors.Is(err, store.ErrNotFound) {
			p, err = repo.FindIntentByExternalRef(ctx, payment.ExternalReference)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, errUnknownIntent
	}
	if err != nil {
		return nil, fmt.Errorf("locate intent: %w", err)
	}
	return p, nil
}

func withPaymentDetails(p models.PaymentIntent, payment *provider.Payment) models.PaymentIntent {
	next := p.Clone()
	next.ProviderPaymentID = payment.ID
	if payment.StatusDetail != "" {
		next.StatusDetail = payment.StatusDetail
	}
	tx := models.TransactionDetails{
		ProviderPaymentID: payment.ID,
		TransactionAmount: payment.TransactionAmount,
		PaymentMethod:     payment.PaymentMethod,
		Installments:      payment.Installments,
	}
	if p.Transaction != nil {
		tx.RefundID = p.Transaction.RefundID
	}
	next.Transaction = &tx
	return next
}

func settled(status models.PaymentStatus) bool {
	return status == models.PaymentApproved || status == models.PaymentRefunded
}

func sameTransaction(a, b *models.TransactionDetails) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ProviderPaymentID == b.ProviderPaymentID &&
		a.TransactionAmount.Equal(b.TransactionAmount) &&
		a.PaymentMethod == b.PaymentMethod &&
		a.Installments == b.Installments &&
		a.RefundID == b.RefundID
}

func refundTicketInTx(ctx context.Context, repo store.Repository, ticketID string, now time.Time) (*models.Ticket, error) {
	t, err := repo.GetTicket(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	if t.Status == models.TicketRefunded {
		return t, nil
	}
	next, err := t.Refunded(now)
	if err != nil {
		return nil, apperr.InvalidState("ticket cannot be refunded: " + err.Error())
	}
	if err := repo.UpdateTicket(ctx, &next); err != nil {
		return nil, fmt.Errorf("update ticket: %w", err)
	}
	return &next, nil
}

// afterTransition runs the audit trail, notifications and cache invalidation
// of a committed status change.
func (s *SettlementService) afterTransition(ctx context.Context, ch applyChange) {
	p := ch.after
	s.audit.Record(ctx, AuditEntry{
		Actor:        SystemActor,
		Action:       models.ActionIntentStatus,
		ResourceType: "payment_intent",
		ResourceID:   p.ID,
		Before:       ch.before,
		After:        p,
	})
	s.availability.Invalidate(ctx, p.EventID)

	payload := map[string]any{
		"intent_id":          p.ID,
		"external_reference": p.ExternalReference,
		"status":             p.Status,
	}
	switch p.Status {
	case models.PaymentApproved:
		s.notifier.Notify(ctx, p.UserID, NotifyPaymentApproved, payload)
	case models.PaymentRejected, models.PaymentCancelled:
		s.notifier.Notify(ctx, p.UserID, NotifyPaymentRejected, payload)
	case models.PaymentRefunded:
		s.notifier.Notify(ctx, p.UserID, NotifyPaymentRefunded, payload)
	}

	if ch.issued && ch.ticket != nil {
		s.tickets.afterIssue(ctx, ch.ticket)
	}
	if ch.refundedTix != nil {
		s.audit.Record(ctx, AuditEntry{Actor: SystemActor, Action: models.ActionTicketRefunded, ResourceType: "ticket", ResourceID: ch.refundedTix.ID, After: ch.refundedTix})
	}
}

// refundOrphan returns money for a payment approved after its intent stopped
// holding seats. A failure needs manual follow-up.
func (s *SettlementService) refundOrphan(ctx context.Context, payment *provider.Payment, p models.PaymentIntent) {
	if _, err := s.provider.Refund(ctx, payment.ID, decimal.NullDecimal{}); err != nil {
		slog.Error("refund of orphaned payment failed",
			"intent_id", p.ID,
			"payment_id", payment.ID,
			"amount", payment.TransactionAmount.String(),
			"error", err,
		)
		return
	}
	slog.Info("orphaned payment refunded", "intent_id", p.ID, "payment_id", payment.ID)
}

// Reconcile polls or cancels pending intents past their provider expiration
// and re-polls in_process intents that have not moved for a while.
func (s *SettlementService) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	now := s.clock.Now()
	res := &ReconcileResult{}

	expired, err := s.store.ListExpiredPending(ctx, now, s.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list expired pending: %w", err)
	}
	for _, p := range expired {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.ProviderPaymentID != "" {
			out, err := s.poll(ctx, p)
			if err != nil {
				// The provider may hold an approval we cannot see yet; retry next run.
				res.Failed++
				slog.Warn("poll before expiry failed, intent left pending", "intent_id", p.ID, "error", err)
				continue
			}
			if out.Status != models.PaymentPending {
				res.Polled++
				continue
			}
		}
		cancelled, err := s.expireIntent(ctx, p.ID)
		if err != nil {
			res.Failed++
			slog.Error("expiring pending intent failed", "intent_id", p.ID, "error", err)
			continue
		}
		if cancelled {
			res.Cancelled++
		}
	}

	stale, err := s.store.ListStaleInProcess(ctx, now.Add(-s.opts.StaleInProcessAfter), s.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale in_process: %w", err)
	}
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.ProviderPaymentID == "" {
			continue
		}
		if _, err := s.poll(ctx, p); err != nil {
			res.Failed++
			continue
		}
		res.Polled++
	}
	return res, nil
}

func (s *SettlementService) poll(ctx context.Context, p *models.PaymentIntent) (*NotificationResult, error) {
	payment, err := s.provider.GetPayment(ctx, p.ProviderPaymentID)
	if err != nil {
		slog.Warn("provider poll failed", "intent_id", p.ID, "payment_id", p.ProviderPaymentID, "error", err)
		return nil, err
	}
	return s.apply(ctx, SourceReconcile, p.ID, payment)
}

// expireIntent cancels a pending intent whose provider window closed. It
// reports false when the intent moved on in the meantime.
func (s *SettlementService) expireIntent(ctx context.Context, intentID string) (bool, error) {
	var before, after models.PaymentIntent
	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		cur, err := repo.GetIntent(ctx, intentID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if !cur.PendingExpired(now) {
			return errSkip
		}
		next, err := cur.Transition(models.PaymentCancelled, now)
		if err != nil {
			return err
		}
		next.StatusDetail = "expired"
		if err := repo.UpdateIntent(ctx, &next); err != nil {
			return err
		}
		if err := s.discounts.release(ctx, repo, next.CouponCode, next.ID); err != nil {
			return err
		}
		before, after = *cur, next
		return nil
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.monitor.TrackIntent("expire", nil)
	s.afterTransition(ctx, applyChange{before: before, after: after})
	return true, nil
}
