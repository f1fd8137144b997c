package pbstore

import (
	"context"
	"time"

	"github.com/pocketbase/dbx"

	"ticket-settlement/internal/store"
	"ticket-settlement/models"
)

func (s *Store) GetEvent(_ context.Context, id string) (*models.Event, error) {
	return getOne[models.Event](s, CollectionEvents, "event_id", id)
}

func (s *Store) SaveEvent(_ context.Context, ev *models.Event) error {
	fields := map[string]any{
		"event_id":  ev.ID,
		"status":    string(ev.Status),
		"starts_at": ev.StartsAt,
	}
	if _, err := s.findRecord(CollectionEvents, "event_id", ev.ID); err == nil {
		return s.update(CollectionEvents, "event_id", ev.ID, fields, ev)
	}
	return s.insert(CollectionEvents, fields, ev)
}

func intentFields(p *models.PaymentIntent) map[string]any {
	return map[string]any{
		"intent_id":           p.ID,
		"user_id":             p.UserID,
		"event_id":            p.EventID,
		"ticket_type":         p.TicketType,
		"quantity":            p.Quantity,
		"status":              string(p.Status),
		"external_reference":  p.ExternalReference,
		"provider_payment_id": p.ProviderPaymentID,
		"ticket_id":           p.Ticket.TicketID,
		"expires_at":          p.ExpiresAt,
		"created_at":          p.CreatedAt,
		"updated_at":          p.UpdatedAt,
	}
}

func (s *Store) CreateIntent(_ context.Context, p *models.PaymentIntent) error {
	return s.insert(CollectionIntents, intentFields(p), p)
}

func (s *Store) UpdateIntent(_ context.Context, p *models.PaymentIntent) error {
	return s.update(CollectionIntents, "intent_id", p.ID, intentFields(p), p)
}

func (s *Store) GetIntent(_ context.Context, id string) (*models.PaymentIntent, error) {
	return getOne[models.PaymentIntent](s, CollectionIntents, "intent_id", id)
}

func (s *Store) FindIntentByExternalRef(_ context.Context, ref string) (*models.PaymentIntent, error) {
	return getOne[models.PaymentIntent](s, CollectionIntents, "external_reference", ref)
}

func (s *Store) FindIntentByProviderPaymentID(_ context.Context, paymentID string) (*models.PaymentIntent, error) {
	return getOne[models.PaymentIntent](s, CollectionIntents, "provider_payment_id", paymentID)
}

func (s *Store) FindIntentByTicketID(_ context.Context, ticketID string) (*models.PaymentIntent, error) {
	return getOne[models.PaymentIntent](s, CollectionIntents, "ticket_id", ticketID)
}

func (s *Store) SumReserved(ctx context.Context, eventID, ticketType string, now time.Time) (int, error) {
	var total float64
	err := s.app.DB().
		Select("COALESCE(SUM([[quantity]]), 0)").
		From(CollectionIntents).
		Where(dbx.HashExp{"event_id": eventID, "ticket_type": ticketType}).
		AndWhere(dbx.NewExp(
			"([[status]] IN ('approved', 'in_process') OR ([[status]] = 'pending' AND [[expires_at]] > {:now}))",
			dbx.Params{"now": dbTime(now)},
		)).
		WithContext(ctx).
		Row(&total)
	if err != nil {
		return 0, err
	}
	return int(total), nil
}

func (s *Store) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*models.PaymentIntent, error) {
	recs, err := s.findRecords(CollectionIntents, "status = 'pending' && expires_at <= {:now}", "created_at", limit,
		dbx.Params{"now": dbTime(now)})
	if err != nil {
		return nil, err
	}
	return decodeAll[models.PaymentIntent](recs)
}

func (s *Store) ListStaleInProcess(_ context.Context, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	recs, err := s.findRecords(CollectionIntents, "status = 'in_process' && updated_at < {:before}", "created_at", limit,
		dbx.Params{"before": dbTime(updatedBefore)})
	if err != nil {
		return nil, err
	}
	return decodeAll[models.PaymentIntent](recs)
}

func ticketFields(t *models.Ticket) map[string]any {
	return map[string]any{
		"ticket_id": t.ID,
		"intent_id": t.IntentID,
		"event_id":  t.EventID,
		"holder_id": t.HolderID,
		"status":    string(t.Status),
		"issued_at": t.IssuedAt,
	}
}

func (s *Store) CreateTicket(_ context.Context, t *models.Ticket) error {
	return s.insert(CollectionTickets, ticketFields(t), t)
}

func (s *Store) UpdateTicket(_ context.Context, t *models.Ticket) error {
	return s.update(CollectionTickets, "ticket_id", t.ID, ticketFields(t), t)
}

func (s *Store) GetTicket(_ context.Context, id string) (*models.Ticket, error) {
	return getOne[models.Ticket](s, CollectionTickets, "ticket_id", id)
}

func (s *Store) ListTicketsByHolder(_ context.Context, holderID string) ([]*models.Ticket, error) {
	recs, err := s.findRecords(CollectionTickets, "holder_id = {:holder}", "issued_at", 0, dbx.Params{"holder": holderID})
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Ticket](recs)
}

func transferFields(t *models.TicketTransfer) map[string]any {
	return map[string]any{
		"transfer_id": t.ID,
		"ticket_id":   t.TicketID,
		"from_user":   t.FromUser,
		"to_user":     t.ToUser,
		"status":      string(t.Status),
		"expires_at":  t.ExpiresAt,
		"created_at":  t.CreatedAt,
	}
}

func (s *Store) CreateTransfer(_ context.Context, t *models.TicketTransfer) error {
	return s.insert(CollectionTransfers, transferFields(t), t)
}

func (s *Store) UpdateTransfer(_ context.Context, t *models.TicketTransfer) error {
	return s.update(CollectionTransfers, "transfer_id", t.ID, transferFields(t), t)
}

func (s *Store) GetTransfer(_ context.Context, id string) (*models.TicketTransfer, error) {
	return getOne[models.TicketTransfer](s, CollectionTransfers, "transfer_id", id)
}

func (s *Store) FindPendingTransfer(_ context.Context, ticketID string) (*models.TicketTransfer, error) {
	recs, err := s.findRecords(CollectionTransfers, "ticket_id = {:ticket} && status = 'pending'", "", 1,
		dbx.Params{"ticket": ticketID})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	return decode[models.TicketTransfer](recs[0])
}

func (s *Store) ListTransfersForUser(_ context.Context, userID string) ([]*models.TicketTransfer, error) {
	recs, err := s.findRecords(CollectionTransfers, "from_user = {:user} || to_user = {:user}", "created_at", 0,
		dbx.Params{"user": userID})
	if err != nil {
		return nil, err
	}
	return decodeAll[models.TicketTransfer](recs)
}

func (s *Store) ListOverdueTransfers(_ context.Context, now time.Time, limit int) ([]*models.TicketTransfer, error) {
	recs, err := s.findRecords(CollectionTransfers, "status = 'pending' && expires_at <= {:now}", "created_at", limit,
		dbx.Params{"now": dbTime(now)})
	if err != nil {
		return nil, err
	}
	return decodeAll[models.TicketTransfer](recs)
}

func couponFields(c *models.Coupon) map[string]any {
	return map[string]any{
		"code":         c.Code,
		"is_active":    c.IsActive,
		"valid_until":  c.ValidUntil,
		"max_uses":     c.MaxUses,
		"current_uses": c.CurrentUses,
	}
}

func (s *Store) CreateCoupon(_ context.Context, c *models.Coupon) error {
	return s.insert(CollectionCoupons, couponFields(c), c)
}

func (s *Store) UpdateCoupon(_ context.Context, c *models.Coupon) error {
	return s.update(CollectionCoupons, "code", c.Code, couponFields(c), c)
}

func (s *Store) GetCoupon(_ context.Context, code string) (*models.Coupon, error) {
	return getOne[models.Coupon](s, CollectionCoupons, "code", code)
}

func (s *Store) ListCouponsToRetire(_ context.Context, now time.Time, limit int) ([]*models.Coupon, error) {
	recs, err := s.findRecords(CollectionCoupons,
		"is_active = true && valid_until < {:now}",
		"code", limit, dbx.Params{"now": dbTime(now)})
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Coupon](recs)
}

func (s *Store) AppendAudit(_ context.Context, r *models.AuditRecord) error {
	return s.insert(CollectionAudit, map[string]any{
		"audit_id":      r.ID,
		"actor_id":      r.ActorID,
		"action":        string(r.Action),
		"resource_type": r.ResourceType,
		"resource_id":   r.ResourceID,
		"severity":      string(r.Severity),
		"success":       r.Success,
		"at":            r.At,
	}, r)
}

func (s *Store) ListAudit(_ context.Context, resourceType, resourceID string) ([]*models.AuditRecord, error) {
	recs, err := s.findRecords(CollectionAudit, "resource_type = {:type} && resource_id = {:id}", "at", 0,
		dbx.Params{"type": resourceType, "id": resourceID})
	if err != nil {
		return nil, err
	}
	return decodeAll[models.AuditRecord](recs)
}
