package memstore

import (
	"context"
	"time"

	"ticket-settlement/models"
)

// Locking wrappers over tables; see WithTx for multi-step operations.

func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.GetEvent(ctx, id)
}

func (s *Store) SaveEvent(ctx context.Context, ev *models.Event) error {
	t, unlock := s.locked()
	defer unlock()
	return t.SaveEvent(ctx, ev)
}

func (s *Store) CreateIntent(ctx context.Context, p *models.PaymentIntent) error {
	t, unlock := s.locked()
	defer unlock()
	return t.CreateIntent(ctx, p)
}

func (s *Store) UpdateIntent(ctx context.Context, p *models.PaymentIntent) error {
	t, unlock := s.locked()
	defer unlock()
	return t.UpdateIntent(ctx, p)
}

func (s *Store) GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.GetIntent(ctx, id)
}

func (s *Store) FindIntentByExternalRef(ctx context.Context, ref string) (*models.PaymentIntent, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.FindIntentByExternalRef(ctx, ref)
}

func (s *Store) FindIntentByProviderPaymentID(ctx context.Context, paymentID string) (*models.PaymentIntent, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.FindIntentByProviderPaymentID(ctx, paymentID)
}

func (s *Store) FindIntentByTicketID(ctx context.Context, ticketID string) (*models.PaymentIntent, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.FindIntentByTicketID(ctx, ticketID)
}

func (s *Store) SumReserved(ctx context.Context, eventID string, ticketType string, now time.Time) (int, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.SumReserved(ctx, eventID, ticketType, now)
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.PaymentIntent, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.ListExpiredPending(ctx, now, limit)
}

func (s *Store) ListStaleInProcess(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.ListStaleInProcess(ctx, updatedBefore, limit)
}

func (s *Store) CreateTicket(ctx context.Context, tk *models.Ticket) error {
	t, unlock := s.locked()
	defer unlock()
	return t.CreateTicket(ctx, tk)
}

func (s *Store) UpdateTicket(ctx context.Context, tk *models.Ticket) error {
	t, unlock := s.locked()
	defer unlock()
	return t.UpdateTicket(ctx, tk)
}

func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.GetTicket(ctx, id)
}

func (s *Store) ListTicketsByHolder(ctx context.Context, holderID string) ([]*models.Ticket, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.ListTicketsByHolder(ctx, holderID)
}

func (s *Store) CreateTransfer(ctx context.Context, tr *models.TicketTransfer) error {
	t, unlock := s.locked()
	defer unlock()
	return t.CreateTransfer(ctx, tr)
}

func (s *Store) UpdateTransfer(ctx context.Context, tr *models.TicketTransfer) error {
	t, unlock := s.locked()
	defer unlock()
	return t.UpdateTransfer(ctx, tr)
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*models.TicketTransfer, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.GetTransfer(ctx, id)
}

func (s *Store) FindPendingTransfer(ctx context.Context, ticketID string) (*models.TicketTransfer, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.FindPendingTransfer(ctx, ticketID)
}

func (s *Store) ListTransfersForUser(ctx context.Context, userID string) ([]*models.TicketTransfer, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.ListTransfersForUser(ctx, userID)
}

func (s *Store) ListOverdueTransfers(ctx context.Context, now time.Time, limit int) ([]*models.TicketTransfer, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.ListOverdueTransfers(ctx, now, limit)
}

func (s *Store) CreateCoupon(ctx context.Context, c *models.Coupon) error {
	t, unlock := s.locked()
	defer unlock()
	return t.CreateCoupon(ctx, c)
}

func (s *Store) UpdateCoupon(ctx context.Context, c *models.Coupon) error {
	t, unlock := s.locked()
	defer unlock()
	return t.UpdateCoupon(ctx, c)
}

func (s *Store) GetCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.GetCoupon(ctx, code)
}

func (s *Store) ListCouponsToRetire(ctx context.Context, now time.Time, limit int) ([]*models.Coupon, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.ListCouponsToRetire(ctx, now, limit)
}

func (s *Store) AppendAudit(ctx context.Context, r *models.AuditRecord) error {
	t, unlock := s.locked()
	defer unlock()
	return t.AppendAudit(ctx, r)
}

func (s *Store) ListAudit(ctx context.Context, resourceType string, resourceID string) ([]*models.AuditRecord, error) {
	t, unlock := s.locked()
	defer unlock()
	return t.ListAudit(ctx, resourceType, resourceID)
}
