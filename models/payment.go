package models

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentApproved  PaymentStatus = "approved"
	PaymentInProcess PaymentStatus = "in_process"
	PaymentRejected  PaymentStatus = "rejected"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

var PaymentStatuses = []PaymentStatus{
	PaymentPending, PaymentApproved, PaymentInProcess, PaymentRejected, PaymentCancelled, PaymentRefunded,
}

// in_process is an intermediate provider state, so it may still resolve either way.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentApproved, PaymentInProcess, PaymentRejected, PaymentCancelled},
	PaymentInProcess: {PaymentApproved, PaymentRejected, PaymentCancelled},
	PaymentApproved:  {PaymentRefunded},
}

func (s PaymentStatus) Valid() bool {
	return slices.Contains(PaymentStatuses, s)
}

// HoldsCapacity reports whether an intent in this status counts against event capacity.
func (s PaymentStatus) HoldsCapacity() bool {
	return s == PaymentPending || s == PaymentApproved || s == PaymentInProcess
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return slices.Contains(paymentTransitions[from], to)
}

// TicketClaim is the ticket identity reserved on the intent before the payment is approved.
type TicketClaim struct {
	TicketID  string     `json:"ticket_id"`
	QRPayload string     `json:"qr_payload"`
	Valid     bool       `json:"valid"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	UsedBy    string     `json:"used_by,omitempty"`
}

type TransactionDetails struct {
	ProviderPaymentID string          `json:"provider_payment_id"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	PaymentMethod     string          `json:"payment_method"`
	Installments      int             `json:"installments"`
	RefundID          string          `json:"refund_id,omitempty"`
}

type PaymentIntent struct {
	ID                string              `json:"id"`
	UserID            string              `json:"user_id"`
	EventID           string              `json:"event_id"`
	TicketType        string              `json:"ticket_type"`
	Quantity          int                 `json:"quantity"`
	UnitPrice         decimal.Decimal     `json:"unit_price"`
	Subtotal          decimal.Decimal     `json:"subtotal"`
	Discount          decimal.Decimal     `json:"discount"`
	Amount            decimal.Decimal     `json:"amount"`
	Currency          string              `json:"currency"`
	CouponCode        string              `json:"coupon_code,omitempty"`
	Provider          string              `json:"provider"`
	PreferenceID      string              `json:"preference_id,omitempty"`
	RedirectURL       string              `json:"redirect_url,omitempty"`
	ExternalReference string              `json:"external_reference"`
	ProviderPaymentID string              `json:"provider_payment_id,omitempty"`
	Status            PaymentStatus       `json:"status"`
	StatusDetail      string              `json:"status_detail,omitempty"`
	Transaction       *TransactionDetails `json:"transaction_details,omitempty"`
	Ticket            TicketClaim         `json:"ticket"`
	ExpiresAt         time.Time           `json:"expires_at"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	ApprovedAt        *time.Time          `json:"approved_at,omitempty"`
	RefundedAt        *time.Time          `json:"refunded_at,omitempty"`
}

// Transition returns a copy of the intent moved to the given status.
func (p PaymentIntent) Transition(to PaymentStatus, at time.Time) (PaymentIntent, error) {
	if !CanTransitionPayment(p.Status, to) {
		return p, &TransitionError{Entity: "payment intent", From: string(p.Status), To: string(to)}
	}
	next := p.Clone()
	next.Status = to
	next.UpdatedAt = at
	switch to {
	case PaymentApproved:
		next.ApprovedAt = &at
		next.Ticket.Valid = true
	case PaymentRefunded:
		next.RefundedAt = &at
		next.Ticket.Valid = false
	case PaymentRejected, PaymentCancelled:
		next.Ticket.Valid = false
	}
	return next, nil
}

// PendingExpired reports whether the provider-side window of a pending intent has closed.
func (p PaymentIntent) PendingExpired(now time.Time) bool {
	return p.Status == PaymentPending && !now.Before(p.ExpiresAt)
}

func (p PaymentIntent) Clone() PaymentIntent {
	c := p
	if p.Transaction != nil {
		tx := *p.Transaction
		c.Transaction = &tx
	}
	if p.Ticket.UsedAt != nil {
		t := *p.Ticket.UsedAt
		c.Ticket.UsedAt = &t
	}
	if p.ApprovedAt != nil {
		t := *p.ApprovedAt
		c.ApprovedAt = &t
	}
	if p.RefundedAt != nil {
		t := *p.RefundedAt
		c.RefundedAt = &t
	}
	return c
}
