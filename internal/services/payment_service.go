package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ticket-settlement/internal/apperr"
	"ticket-settlement/internal/clock"
	"ticket-settlement/internal/services/provider"
	"ticket-settlement/internal/store"
	"ticket-settlement/models"
	"ticket-settlement/monitoring"
)

type CreateIntentInput struct {
	UserID     string `json:"user_id" validate:"required"`
	EventID    string `json:"event_id" validate:"required"`
	TicketType string `json:"ticket_type" validate:"required"`
	Quantity   int    `json:"quantity" validate:"required,gte=1"`
	CouponCode string `json:"coupon_code" validate:"omitempty,max=64"`
	PayerEmail string `json:"payer_email" validate:"omitempty,email"`
	PayerName  string `json:"payer_name" validate:"omitempty,max=200"`
}

type IntentResult struct {
	Intent       *models.PaymentIntent `json:"intent"`
	Ticket       *models.Ticket        `json:"ticket,omitempty"`
	Availability *Availability         `json:"availability,omitempty"`
	Discount     *DiscountResult       `json:"discount,omitempty"`
}

type PaymentService struct {
	store        store.Store
	provider     provider.Provider
	clock        clock.Clock
	audit        *AuditRecorder
	notifier     Notifier
	monitor      *monitoring.Monitor
	availability *AvailabilityChecker
	discounts    *DiscountEngine
	qr           *QRCodec
	tickets      *TicketService
	settlement   *SettlementService
	opts         Options
}

// CreateIntent reserves capacity and redeems the coupon in one transaction,
// persisting a pending intent before any provider call. The preference is
// attached afterwards; if the provider fails the intent is cancelled and the
// coupon use given back.
func (s *PaymentService) CreateIntent(ctx context.Context, in CreateIntentInput) (*IntentResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if s.opts.MaxTicketsPerPurchase > 0 && in.Quantity > s.opts.MaxTicketsPerPurchase {
		return nil, apperr.Validation("quantity", fmt.Sprintf("must be at most %d", s.opts.MaxTicketsPerPurchase))
	}

	intentID := uuid.NewString()
	ticketID := uuid.NewString()
	res := &IntentResult{}
	var (
		intent *models.PaymentIntent
		ev     *models.Event
		ticket *models.Ticket
		free   bool
	)

	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		var (
			tt  models.TicketType
			err error
		)
		ev, tt, err = s.availability.LoadOnSale(ctx, repo, in.EventID, in.TicketType)
		if err != nil {
			return err
		}
		av, err := s.availability.Reserve(ctx, repo, in.EventID, tt, in.Quantity)
		res.Availability = av
		if err != nil {
			return err
		}

		now := s.clock.Now()
		subtotal := tt.Price.Mul(decimal.NewFromInt(int64(in.Quantity)))
		discount := decimal.Zero
		var coupon *models.Coupon
		if code := strings.TrimSpace(in.CouponCode); code != "" {
			var dr *DiscountResult
			coupon, dr, err = s.discounts.Evaluate(ctx, repo, DiscountRequest{
				Code:       code,
				UserID:     in.UserID,
				EventID:    in.EventID,
				CategoryID: ev.CategoryID,
				Amount:     subtotal,
			})
			if err != nil {
				return err
			}
			discount = dr.Discount
			res.Discount = dr
		}

		currency := ev.Currency
		if currency == "" {
			currency = s.opts.Currency
		}
		qr, err := s.qr.Encode(QRPayload{
			TicketID: ticketID,
			EventID:  in.EventID,
			UserID:   in.UserID,
			IssuedAt: now,
			Provider: s.provider.Name(),
		})
		if err != nil {
			return err
		}

		p := &models.PaymentIntent{
			ID:                intentID,
			UserID:            in.UserID,
			EventID:           in.EventID,
			TicketType:        tt.Name,
			Quantity:          in.Quantity,
			UnitPrice:         tt.Price,
			Subtotal:          subtotal,
			Discount:          discount,
			Amount:            subtotal.Sub(discount),
			Currency:          currency,
			Provider:          s.provider.Name(),
			ExternalReference: "TKT-" + uuid.NewString(),
			Status:            models.PaymentPending,
			Ticket:            models.TicketClaim{TicketID: ticketID, QRPayload: qr},
			ExpiresAt:         now.Add(s.opts.PaymentExpiration),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if coupon != nil {
			p.CouponCode = coupon.Code
		}
		if err := repo.CreateIntent(ctx, p); err != nil {
			return fmt.Errorf("create intent: %w", err)
		}
		if coupon != nil {
			if err := s.discounts.redeem(ctx, repo, coupon, in.UserID, p.ID, discount); err != nil {
				return err
			}
		}

		// nothing to collect: settle without the provider
		if !p.Amount.IsPositive() {
			approved, err := p.Transition(models.PaymentApproved, now)
			if err != nil {
				return err
			}
			approved.StatusDetail = "no_charge"
			if err := repo.UpdateIntent(ctx, &approved); err != nil {
				return fmt.Errorf("update intent: %w", err)
			}
			t, _, err := s.tickets.issueInTx(ctx, repo, &approved, now)
			if err != nil {
				return err
			}
			p, ticket, free = &approved, t, true
		}
		intent = p
		return nil
	})
	s.monitor.TrackIntent("create", err)
	if err != nil {
		return nil, err
	}

	s.availability.Invalidate(ctx, in.EventID)
	s.audit.Record(ctx, AuditEntry{Actor: in.UserID, Action: models.ActionIntentCreated, ResourceType: "payment_intent", ResourceID: intent.ID, After: intent})
	if intent.CouponCode != "" {
		s.audit.Record(ctx, AuditEntry{Actor: in.UserID, Action: models.ActionCouponRedeemed, ResourceType: "coupon", ResourceID: intent.CouponCode, After: res.Discount})
	}

	if free {
		slog.Info("free intent settled", "intent_id", intent.ID, "ticket_id", ticket.ID)
		s.settlement.afterTransition(ctx, applyChange{
			before: models.PaymentIntent{ID: intent.ID, Status: models.PaymentPending},
			after:  *intent,
			ticket: ticket,
			issued: true,
		})
		res.Intent, res.Ticket = intent, ticket
		return res, nil
	}

	pref, err := s.provider.CreatePreference(ctx, s.preferenceRequest(intent, ev, in))
	if err != nil {
		slog.Error("preference creation failed", "intent_id", intent.ID, "error", err)
		s.abandon(ctx, intent.ID)
		return nil, providerErr("create_preference", err)
	}

	err = s.store.WithTx(ctx, func(repo store.Repository) error {
		cur, err := repo.GetIntent(ctx, intent.ID)
		if err != nil {
			return err
		}
		cur.PreferenceID = pref.ID
		cur.RedirectURL = pref.RedirectURL
		cur.UpdatedAt = s.clock.Now()
		if err := repo.UpdateIntent(ctx, cur); err != nil {
			return err
		}
		intent = cur
		return nil
	})
	if err != nil {
		// the intent stays pending and will be swept when it expires
		return nil, fmt.Errorf("attach preference: %w", err)
	}

	slog.Info("payment intent created",
		"intent_id", intent.ID,
		"external_reference", intent.ExternalReference,
		"preference_id", pref.ID,
		"amount", intent.Amount.String(),
	)
	res.Intent = intent
	return res, nil
}

// providerErr keeps errors already classified by the breaker as they are.
func providerErr(op string, err error) error {
	if apperr.KindOf(err) == apperr.KindProvider {
		return err
	}
	return apperr.Provider(op, err)
}

func (s *PaymentService) preferenceRequest(p *models.PaymentIntent, ev *models.Event, in CreateIntentInput) *provider.PreferenceRequest {
	base := strings.TrimRight(s.opts.PublicBaseURL, "/")
	title := p.TicketType
	if ev != nil && ev.Name != "" {
		title = ev.Name + " - " + p.TicketType
	}
	unit := p.UnitPrice
	if p.Discount.IsPositive() {
		// one line item keeps the provider total equal to the discounted amount
		unit = p.Amount.Div(decimal.NewFromInt(int64(p.Quantity))).Round(2)
	}
	items := []provider.Item{{
		ID:        p.EventID + ":" + p.TicketType,
		Title:     title,
		Quantity:  p.Quantity,
		UnitPrice: unit,
		Currency:  p.Currency,
	}}
	if !unit.Mul(decimal.NewFromInt(int64(p.Quantity))).Equal(p.Amount) {
		items = []provider.Item{{
			ID:        p.EventID + ":" + p.TicketType,
			Title:     fmt.Sprintf("%s x%d", title, p.Quantity),
			Quantity:  1,
			UnitPrice: p.Amount,
			Currency:  p.Currency,
		}}
	}
	return &provider.PreferenceRequest{
		Items:             items,
		Payer:             provider.Payer{UserID: p.UserID, Email: in.PayerEmail, Name: in.PayerName},
		ExternalReference: p.ExternalReference,
		NotificationURL:   base + "/api/webhooks/payments",
		BackURLs: provider.BackURLs{
			Success: base + "/payments/success",
			Failure: base + "/payments/failure",
			Pending: base + "/payments/pending",
		},
		ExpiresAt: p.ExpiresAt,
	}
}

// abandon cancels an intent whose preference could not be created.
func (s *PaymentService) abandon(ctx context.Context, intentID string) {
	ctx = context.WithoutCancel(ctx)
	var before, after models.PaymentIntent
	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		cur, err := repo.GetIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if cur.Status != models.PaymentPending {
			return errSkip
		}
		next, err := cur.Transition(models.PaymentCancelled, s.clock.Now())
		if err != nil {
			return err
		}
		next.StatusDetail = "preference_failed"
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
		return
	}
	if err != nil {
		slog.Error("abandoning intent failed", "intent_id", intentID, "error", err)
		return
	}
	s.availability.Invalidate(ctx, after.EventID)
	s.audit.Record(ctx, AuditEntry{Actor: SystemActor, Action: models.ActionIntentStatus, ResourceType: "payment_intent", ResourceID: intentID, Before: before, After: after})
}

// ConfirmIntent handles the buyer's return from checkout: it checks ownership
// and applies the provider payment exactly as a webhook would.
func (s *PaymentService) ConfirmIntent(ctx context.Context, userID, externalRef, paymentID string) (*IntentResult, error) {
	if externalRef == "" {
		return nil, apperr.Validation("external_reference", "is required")
	}
	p, err := s.store.FindIntentByExternalRef(ctx, externalRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("payment intent", externalRef)
	}
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, apperr.Forbidden("intent belongs to another user")
	}

	if paymentID != "" {
		payment, err := s.provider.GetPayment(ctx, paymentID)
		if errors.Is(err, provider.ErrPaymentNotFound) {
			return nil, apperr.NotFound("payment", paymentID)
		}
		if err != nil {
			return nil, providerErr("get_payment", err)
		}
		if payment.ExternalReference != "" && payment.ExternalReference != p.ExternalReference {
			return nil, apperr.Validation("payment_id", "payment does not belong to this intent")
		}
		if _, err := s.settlement.apply(ctx, SourceConfirm, p.ID, payment); err != nil {
			return nil, err
		}
	}
	return s.load(ctx, p.ID)
}

func (s *PaymentService) load(ctx context.Context, intentID string) (*IntentResult, error) {
	p, err := s.store.GetIntent(ctx, intentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("payment intent", intentID)
	}
	if err != nil {
		return nil, err
	}
	res := &IntentResult{Intent: p}
	if t, err := s.store.GetTicket(ctx, p.Ticket.TicketID); err == nil {
		res.Ticket = t
	}
	return res, nil
}

// GetIntent returns an intent and its ticket. An empty userID skips the ownership check.
func (s *PaymentService) GetIntent(ctx context.Context, userID, intentID string) (*IntentResult, error) {
	res, err := s.load(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if userID != "" && res.Intent.UserID != userID {
		return nil, apperr.NotFound("payment intent", intentID)
	}
	return res, nil
}

// Refund refunds an approved intent, fully or by amount, and voids its ticket.
// A ticket that was already used cannot be refunded. The ticket is voided
// before the provider is asked for the money, so a check-in racing the refund
// fails; a refused refund restores it.
func (s *PaymentService) Refund(ctx context.Context, actor, intentID string, amount decimal.NullDecimal) (*IntentResult, error) {
	p, err := s.store.GetIntent(ctx, intentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("payment intent", intentID)
	}
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentApproved {
		return nil, apperr.InvalidState("only approved payments can be refunded, intent is " + string(p.Status))
	}
	if amount.Valid && (!amount.Decimal.IsPositive() || amount.Decimal.GreaterThan(p.Amount)) {
		return nil, apperr.Validation("amount", "must be positive and not exceed the paid amount")
	}

	voided, err := s.voidTicket(ctx, intentID)
	if err != nil {
		s.monitor.TrackIntent("refund", err)
		return nil, err
	}

	var refundID string
	if p.ProviderPaymentID != "" {
		r, err := s.provider.Refund(ctx, p.ProviderPaymentID, amount)
		if err != nil {
			s.restoreTicket(ctx, voided)
			s.monitor.TrackIntent("refund", err)
			return nil, providerErr("refund", err)
		}
		refundID = r.ID
	}

	var ch applyChange
	err = s.store.WithTx(ctx, func(repo store.Repository) error {
		cur, err := repo.GetIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if cur.Status == models.PaymentRefunded {
			return errSkip
		}
		now := s.clock.Now()
		next, err := cur.Transition(models.PaymentRefunded, now)
		if err != nil {
			return apperr.InvalidState(err.Error())
		}
		if next.Transaction == nil {
			next.Transaction = &models.TransactionDetails{}
		}
		next.Transaction.RefundID = refundID
		if err := repo.UpdateIntent(ctx, &next); err != nil {
			return err
		}
		t, err := refundTicketInTx(ctx, repo, next.Ticket.TicketID, now)
		if err != nil {
			return err
		}
		ch = applyChange{before: *cur, after: next, refundedTix: t}
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		s.monitor.TrackIntent("refund", err)
		slog.Error("refund recorded at provider but not locally", "intent_id", intentID, "refund_id", refundID, "error", err)
		return nil, err
	}
	s.monitor.TrackIntent("refund", nil)
	if ch.after.ID != "" {
		s.settlement.afterTransition(ctx, ch)
		s.audit.Record(ctx, AuditEntry{Actor: actor, Action: models.ActionIntentRefunded, ResourceType: "payment_intent", ResourceID: intentID, Before: ch.before, After: ch.after})
	}
	return s.load(ctx, intentID)
}

// voidTicket marks the ticket of an approved intent refunded and returns the
// ticket as it was. A nil ticket means the intent has none to void.
func (s *PaymentService) voidTicket(ctx context.Context, intentID string) (*models.Ticket, error) {
	var prior *models.Ticket
	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		cur, err := repo.GetIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if cur.Status != models.PaymentApproved {
			return apperr.InvalidState("only approved payments can be refunded, intent is " + string(cur.Status))
		}
		t, err := repo.GetTicket(ctx, cur.Ticket.TicketID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load ticket: %w", err)
		}
		switch t.Status {
		case models.TicketUsed:
			return apperr.InvalidState("ticket already used")
		case models.TicketRefunded:
			return apperr.InvalidState("refund already in progress")
		}
		next, err := t.Refunded(s.clock.Now())
		if err != nil {
			return apperr.InvalidState("ticket cannot be refunded: " + err.Error())
		}
		if err := repo.UpdateTicket(ctx, &next); err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}
		prior = t
		return nil
	})
	return prior, err
}

// restoreTicket puts back a ticket voided for a refund the provider refused.
func (s *PaymentService) restoreTicket(ctx context.Context, prior *models.Ticket) {
	if prior == nil {
		return
	}
	err := s.store.WithTx(ctx, func(repo store.Repository) error {
		cur, err := repo.GetTicket(ctx, prior.ID)
		if err != nil {
			return err
		}
		if cur.Status != models.TicketRefunded {
			return errSkip
		}
		next := cur.Clone()
		next.Status = prior.Status
		next.UpdatedAt = s.clock.Now()
		return repo.UpdateTicket(ctx, &next)
	})
	if err != nil && !errors.Is(err, errSkip) {
		slog.Error("voided ticket not restored after failed refund", "ticket_id", prior.ID, "error", err)
	}
}
