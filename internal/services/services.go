// Package services implements the ticketing engine: availability, discounts,
// payment intents, settlement, tickets, transfers and the audit trail.
package services

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ticket-settlement/internal/cache"
	"ticket-settlement/internal/clock"
	"ticket-settlement/internal/services/provider"
	"ticket-settlement/internal/store"
	"ticket-settlement/monitoring"
)

// SystemActor is recorded as the actor of scheduler and webhook transitions.
const SystemActor = "system"

// errSkip aborts a transaction that found nothing left to do.
var errSkip = errors.New("nothing to do")

type Options struct {
	Currency              string
	PaymentExpiration     time.Duration
	TransferExpiration    time.Duration
	TicketGracePeriod     time.Duration
	TransferFeePercent    decimal.Decimal
	MaxTicketsPerPurchase int
	PublicBaseURL         string
	WebhookSecret         string
	BatchSize             int
	CacheTTL              time.Duration
	// StaleInProcessAfter is how long an in_process intent waits before it is polled.
	StaleInProcessAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		Currency:              "ARS",
		PaymentExpiration:     24 * time.Hour,
		TransferExpiration:    7 * 24 * time.Hour,
		TicketGracePeriod:     12 * time.Hour,
		TransferFeePercent:    decimal.NewFromInt(5),
		MaxTicketsPerPurchase: 10,
		PublicBaseURL:         "http://localhost:8090",
		BatchSize:             200,
		CacheTTL:              10 * time.Second,
		StaleInProcessAfter:   time.Hour,
	}
}

type Deps struct {
	Store    store.Store
	Provider provider.Provider
	Notifier Notifier
	Cache    cache.Cache
	Clock    clock.Clock
	Monitor  *monitoring.Monitor
	Renderer Renderer
	QR       *QRCodec
	// Failures counts failed QR validations per device; optional.
	Failures FailureTracker
}

// Engine bundles the services sharing one store, clock and audit trail.
type Engine struct {
	Audit        *AuditRecorder
	Availability *AvailabilityChecker
	Discounts    *DiscountEngine
	Tickets      *TicketService
	Payments     *PaymentService
	Settlement   *SettlementService
	Transfers    *TransferService
}

func NewEngine(d Deps, opts Options) *Engine {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Notifier == nil {
		d.Notifier = NopNotifier{}
	}
	if d.Renderer == nil {
		d.Renderer = JSONPassRenderer{}
	}
	if d.QR == nil {
		d.QR = NewQRCodec("")
	}

	audit := NewAuditRecorder(d.Store, d.Clock)
	availability := NewAvailabilityChecker(d.Store, d.Clock, d.Cache, opts.CacheTTL)
	discounts := NewDiscountEngine(d.Store, d.Clock, audit, d.Monitor, opts.BatchSize)
	tickets := &TicketService{
		store:    d.Store,
		clock:    d.Clock,
		audit:    audit,
		notifier: d.Notifier,
		monitor:  d.Monitor,
		qr:       d.QR,
		renderer: d.Renderer,
		failures: d.Failures,
		grace:    opts.TicketGracePeriod,
	}
	settlement := &SettlementService{
		store:        d.Store,
		provider:     d.Provider,
		clock:        d.Clock,
		audit:        audit,
		notifier:     d.Notifier,
		monitor:      d.Monitor,
		tickets:      tickets,
		discounts:    discounts,
		availability: availability,
		opts:         opts,
	}
	payments := &PaymentService{
		store:        d.Store,
		provider:     d.Provider,
		clock:        d.Clock,
		audit:        audit,
		notifier:     d.Notifier,
		monitor:      d.Monitor,
		availability: availability,
		discounts:    discounts,
		qr:           d.QR,
		tickets:      tickets,
		settlement:   settlement,
		opts:         opts,
	}
	transfers := &TransferService{
		store:    d.Store,
		clock:    d.Clock,
		audit:    audit,
		notifier: d.Notifier,
		monitor:  d.Monitor,
		opts:     opts,
	}
	return &Engine{
		Audit:        audit,
		Availability: availability,
		Discounts:    discounts,
		Tickets:      tickets,
		Payments:     payments,
		Settlement:   settlement,
		Transfers:    transfers,
	}
}
