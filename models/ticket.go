package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketPending     TicketStatus = "pending"
	TicketConfirmed   TicketStatus = "confirmed"
	TicketUsed        TicketStatus = "used"
	TicketCancelled   TicketStatus = "cancelled"
	TicketTransferred TicketStatus = "transferred"
	TicketRefunded    TicketStatus = "refunded"
)

// Reasons returned by Ticket.Validate.
const (
	ReasonExpired     = "expired"
	ReasonCancelled   = "cancelled"
	ReasonRefunded    = "refunded"
	ReasonAlreadyUsed = "already used"
	ReasonNotActive   = "not active"
)

type CheckIn struct {
	At       time.Time `json:"at"`
	By       string    `json:"by"`
	DeviceID string    `json:"device_id,omitempty"`
	Location string    `json:"location,omitempty"`
}

type TransferRecord struct {
	TransferID string    `json:"transfer_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

type DownloadRecord struct {
	At        time.Time `json:"at"`
	Actor     string    `json:"actor"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

type Ticket struct {
	ID              string           `json:"id"`
	IntentID        string           `json:"intent_id"`
	EventID         string           `json:"event_id"`
	HolderID        string           `json:"holder_id"`
	PurchaserID     string           `json:"purchaser_id"`
	TicketType      string           `json:"ticket_type"`
	Quantity        int              `json:"quantity"`
	UnitPrice       decimal.Decimal  `json:"unit_price"`
	TotalAmount     decimal.Decimal  `json:"total_amount"`
	Currency        string           `json:"currency"`
	Status          TicketStatus     `json:"status"`
	QRPayload       string           `json:"qr_payload"`
	CheckIn         *CheckIn         `json:"check_in,omitempty"`
	TransferHistory []TransferRecord `json:"transfer_history"`
	Downloads       []DownloadRecord `json:"downloads"`
	ExpiresAt       time.Time        `json:"expires_at"`
	IssuedAt        time.Time        `json:"issued_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Validate reports whether the ticket admits entry at now, and why not when it doesn't.
func (t Ticket) Validate(now time.Time) (bool, string) {
	switch t.Status {
	case TicketUsed:
		return false, ReasonAlreadyUsed
	case TicketCancelled:
		return false, ReasonCancelled
	case TicketRefunded:
		return false, ReasonRefunded
	case TicketConfirmed:
	default:
		return false, ReasonNotActive
	}
	if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
		return false, ReasonExpired
	}
	return true, ""
}

// CheckedIn returns the ticket marked as used by c.
func (t Ticket) CheckedIn(c CheckIn) (Ticket, error) {
	if ok, _ := t.Validate(c.At); !ok {
		return t, &TransitionError{Entity: "ticket", From: string(t.Status), To: string(TicketUsed)}
	}
	next := t.Clone()
	next.Status = TicketUsed
	next.CheckIn = &c
	next.UpdatedAt = c.At
	return next, nil
}

// Transferable returns a non-empty reason when the holder cannot be changed.
func (t Ticket) Transferable(now time.Time) string {
	if t.Status != TicketConfirmed {
		return "ticket is " + string(t.Status)
	}
	if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
		return "ticket expired"
	}
	return ""
}

// Reassigned returns the ticket held by rec.To, with rec appended to its history.
func (t Ticket) Reassigned(rec TransferRecord) (Ticket, error) {
	if reason := t.Transferable(rec.At); reason != "" {
		return t, &TransitionError{Entity: "ticket", From: string(t.Status), To: "reassigned"}
	}
	next := t.Clone()
	next.HolderID = rec.To
	next.TransferHistory = append(next.TransferHistory, rec)
	next.UpdatedAt = rec.At
	return next, nil
}

func (t Ticket) Refunded(at time.Time) (Ticket, error) {
	switch t.Status {
	case TicketConfirmed, TicketPending:
	default:
		return t, &TransitionError{Entity: "ticket", From: string(t.Status), To: string(TicketRefunded)}
	}
	next := t.Clone()
	next.Status = TicketRefunded
	next.UpdatedAt = at
	return next, nil
}

func (t Ticket) WithDownload(d DownloadRecord) Ticket {
	next := t.Clone()
	next.Downloads = append(next.Downloads, d)
	next.UpdatedAt = d.At
	return next
}

func (t Ticket) Clone() Ticket {
	c := t
	if t.CheckIn != nil {
		ci := *t.CheckIn
		c.CheckIn = &ci
	}
	c.TransferHistory = append([]TransferRecord(nil), t.TransferHistory...)
	c.Downloads = append([]DownloadRecord(nil), t.Downloads...)
	return c
}
