// Package store defines the persistence contract of the ticketing engine.
//
// Every check-then-act sequence (capacity reservation, check-in, transfer
// resolution, coupon redemption, the approval latch) runs inside WithTx so that
// implementations can serialize it.
package store

import (
	"context"
	"errors"
	"time"

	"ticket-settlement/models"
)

var (
	ErrNotFound  = errors.New("store: record not found")
	ErrDuplicate = errors.New("store: duplicate key")
)

type Repository interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	SaveEvent(ctx context.Context, ev *models.Event) error

	CreateIntent(ctx context.Context, p *models.PaymentIntent) error
	UpdateIntent(ctx context.Context, p *models.PaymentIntent) error
	GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error)
	FindIntentByExternalRef(ctx context.Context, ref string) (*models.PaymentIntent, error)
	FindIntentByProviderPaymentID(ctx context.Context, paymentID string) (*models.PaymentIntent, error)
	FindIntentByTicketID(ctx context.Context, ticketID string) (*models.PaymentIntent, error)
	// SumReserved totals the quantity held by approved, in_process and unexpired pending intents.
	SumReserved(ctx context.Context, eventID, ticketType string, now time.Time) (int, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.PaymentIntent, error)
	ListStaleInProcess(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error)

	CreateTicket(ctx context.Context, t *models.Ticket) error
	UpdateTicket(ctx context.Context, t *models.Ticket) error
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	ListTicketsByHolder(ctx context.Context, holderID string) ([]*models.Ticket, error)

	CreateTransfer(ctx context.Context, t *models.TicketTransfer) error
	UpdateTransfer(ctx context.Context, t *models.TicketTransfer) error
	GetTransfer(ctx context.Context, id string) (*models.TicketTransfer, error)
	FindPendingTransfer(ctx context.Context, ticketID string) (*models.TicketTransfer, error)
	ListTransfersForUser(ctx context.Context, userID string) ([]*models.TicketTransfer, error)
	ListOverdueTransfers(ctx context.Context, now time.Time, limit int) ([]*models.TicketTransfer, error)

	CreateCoupon(ctx context.Context, c *models.Coupon) error
	UpdateCoupon(ctx context.Context, c *models.Coupon) error
	GetCoupon(ctx context.Context, code string) (*models.Coupon, error)
	// ListCouponsToRetire returns active coupons that are past valid_until or exhausted.
	ListCouponsToRetire(ctx context.Context, now time.Time, limit int) ([]*models.Coupon, error)

	AppendAudit(ctx context.Context, r *models.AuditRecord) error
	ListAudit(ctx context.Context, resourceType, resourceID string) ([]*models.AuditRecord, error)
}

type Store interface {
	Repository

	// WithTx runs fn atomically. Returning an error from fn discards its writes.
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Ping(ctx context.Context) error
}
