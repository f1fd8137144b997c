package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferAccepted  TransferStatus = "accepted"
	TransferRejected  TransferStatus = "rejected"
	TransferCancelled TransferStatus = "cancelled"
	TransferExpired   TransferStatus = "expired"
)

type TransferType string

const (
	TransferGift     TransferType = "gift"
	TransferSale     TransferType = "sale"
	TransferExchange TransferType = "exchange"
)

func (t TransferType) Valid() bool {
	return t == TransferGift || t == TransferSale || t == TransferExchange
}

type TransferEvent struct {
	Action string    `json:"action"` // created, accepted, rejected, cancelled, expired
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

type TicketTransfer struct {
	ID         string          `json:"id"`
	TicketID   string          `json:"ticket_id"`
	EventID    string          `json:"event_id"`
	FromUser   string          `json:"from_user"`
	ToUser     string          `json:"to_user"`
	Type       TransferType    `json:"type"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	Currency   string          `json:"currency"`
	Message    string          `json:"message,omitempty"`
	Status     TransferStatus  `json:"status"`
	ExpiresAt  time.Time       `json:"expires_at"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	History    []TransferEvent `json:"history"`
}

// Overdue reports whether a pending transfer has passed its expiration.
func (t TicketTransfer) Overdue(now time.Time) bool {
	return t.Status == TransferPending && !now.Before(t.ExpiresAt)
}

// Resolve moves a pending transfer to a terminal status.
func (t TicketTransfer) Resolve(to TransferStatus, actor string, at time.Time, note string) (TicketTransfer, error) {
	if t.Status != TransferPending || to == TransferPending {
		return t, &TransitionError{Entity: "transfer", From: string(t.Status), To: string(to)}
	}
	next := t.Clone()
	next.Status = to
	next.ResolvedAt = &at
	next.History = append(next.History, TransferEvent{Action: string(to), Actor: actor, At: at, Note: note})
	return next, nil
}

func (t TicketTransfer) Clone() TicketTransfer {
	c := t
	if t.ResolvedAt != nil {
		r := *t.ResolvedAt
		c.ResolvedAt = &r
	}
	c.History = append([]TransferEvent(nil), t.History...)
	return c
}
