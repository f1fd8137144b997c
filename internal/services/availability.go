package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ticket-settlement/internal/apperr"
	"ticket-settlement/internal/cache"
	"ticket-settlement/internal/clock"
	"ticket-settlement/internal/store"
	"ticket-settlement/models"
)

type Availability struct {
	EventID     string `json:"event_id"`
	TicketType  string `json:"ticket_type"`
	Capacity    int    `json:"capacity"`
	Reserved    int    `json:"reserved"`
	Available   int    `json:"available"`
	Requested   int    `json:"requested,omitempty"`
	CanPurchase bool   `json:"can_purchase"`
}

// AvailabilityChecker gates purchases on remaining capacity. Check must run
// inside the same transaction that creates the intent.
type AvailabilityChecker struct {
	store    store.Store
	clock    clock.Clock
	cache    cache.Cache
	cacheTTL time.Duration
}

func NewAvailabilityChecker(s store.Store, c clock.Clock, snapshots cache.Cache, ttl time.Duration) *AvailabilityChecker {
	return &AvailabilityChecker{store: s, clock: c, cache: snapshots, cacheTTL: ttl}
}

// LoadOnSale returns the event and ticket type, failing when the event is
// unknown or not selling.
func (a *AvailabilityChecker) LoadOnSale(ctx context.Context, repo store.Repository, eventID, ticketType string) (*models.Event, models.TicketType, error) {
	ev, err := repo.GetEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.TicketType{}, apperr.NotFound("event", eventID)
	}
	if err != nil {
		return nil, models.TicketType{}, fmt.Errorf("load event: %w", err)
	}
	if reason := ev.ClosedReason(a.clock.Now()); reason != "" {
		return nil, models.TicketType{}, apperr.EventClosed(reason)
	}
	tt, ok := ev.TicketType(ticketType)
	if !ok {
		return nil, models.TicketType{}, apperr.Validation("ticket_type", "unknown ticket type for this event")
	}
	return ev, tt, nil
}

// Check computes the remaining capacity for a ticket type.
func (a *AvailabilityChecker) Check(ctx context.Context, repo store.Repository, eventID string, tt models.TicketType, requested int) (*Availability, error) {
	reserved, err := repo.SumReserved(ctx, eventID, tt.Name, a.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("sum reserved: %w", err)
	}
	available := tt.Capacity - reserved
	if available < 0 {
		available = 0
	}
	return &Availability{
		EventID:     eventID,
		TicketType:  tt.Name,
		Capacity:    tt.Capacity,
		Reserved:    reserved,
		Available:   available,
		Requested:   requested,
		CanPurchase: available >= requested,
	}, nil
}

// Reserve fails with InsufficientCapacity when requested exceeds what is left.
func (a *AvailabilityChecker) Reserve(ctx context.Context, repo store.Repository, eventID string, tt models.TicketType, requested int) (*Availability, error) {
	av, err := a.Check(ctx, repo, eventID, tt, requested)
	if err != nil {
		return nil, err
	}
	if !av.CanPurchase {
		return av, apperr.InsufficientCapacity(av.Available, requested)
	}
	return av, nil
}

// Snapshot returns availability for every ticket type of an event, for
// display. It may be up to the cache TTL stale and must never gate a purchase.
func (a *AvailabilityChecker) Snapshot(ctx context.Context, eventID string) ([]Availability, error) {
	key := "availability:" + eventID
	var cached []Availability
	if a.cache != nil {
		ok, err := a.cache.Get(ctx, key, &cached)
		if err != nil {
			slog.Warn("availability cache read failed", "event_id", eventID, "error", err)
		}
		if ok {
			return cached, nil
		}
	}

	ev, err := a.store.GetEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("event", eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}

	out := make([]Availability, 0, len(ev.TicketTypes))
	for _, tt := range ev.TicketTypes {
		av, err := a.Check(ctx, a.store, eventID, tt, 0)
		if err != nil {
			return nil, err
		}
		av.CanPurchase = av.Available > 0 && ev.ClosedReason(a.clock.Now()) == ""
		out = append(out, *av)
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, key, out, a.cacheTTL); err != nil {
			slog.Warn("availability cache write failed", "event_id", eventID, "error", err)
		}
	}
	return out, nil
}

// Invalidate drops the cached snapshot after capacity changed.
func (a *AvailabilityChecker) Invalidate(ctx context.Context, eventID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Delete(ctx, "availability:"+eventID); err != nil {
		slog.Warn("availability cache invalidate failed", "event_id", eventID, "error", err)
	}
}
