package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventPublished EventStatus = "published"
	EventCancelled EventStatus = "cancelled"
)

type TicketType struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Capacity int             `json:"capacity"`
}

type Event struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	CategoryID  string       `json:"category_id"`
	Venue       string       `json:"venue"`
	Currency    string       `json:"currency"`
	StartsAt    time.Time    `json:"starts_at"`
	EndsAt      time.Time    `json:"ends_at"`
	Status      EventStatus  `json:"status"`
	TicketTypes []TicketType `json:"ticket_types"`
}

func (e Event) TicketType(name string) (TicketType, bool) {
	for _, tt := range e.TicketTypes {
		if tt.Name == name {
			return tt, true
		}
	}
	return TicketType{}, false
}

// ClosedReason returns a non-empty reason when sales for the event are closed at now.
func (e Event) ClosedReason(now time.Time) string {
	switch {
	case e.Status == EventCancelled:
		return "event cancelled"
	case e.Status != EventPublished:
		return "event not on sale"
	case !now.Before(e.StartsAt):
		return "event date passed"
	}
	return ""
}

// AdmissionEnds is the instant after which tickets for the event stop being valid.
func (e Event) AdmissionEnds(grace time.Duration) time.Time {
	end := e.EndsAt
	if end.IsZero() {
		end = e.StartsAt
	}
	return end.Add(grace)
}

func (e Event) Clone() Event {
	c := e
	c.TicketTypes = append([]TicketType(nil), e.TicketTypes...)
	return c
}
