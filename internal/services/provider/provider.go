// Package provider defines the payment provider contract consumed by the
// payment services, plus the concrete providers and a circuit breaker wrapper.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ticket-settlement/models"
)

const (
	KindSandbox     = "sandbox"
	KindMercadoPago = "mercadopago"
)

var ErrPaymentNotFound = errors.New("provider: payment not found")

type Item struct {
	ID        string
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
	Currency  string
}

type Payer struct {
	UserID string
	Email  string
	Name   string
}

type BackURLs struct {
	Success string
	Failure string
	Pending string
}

type PreferenceRequest struct {
	Items             []Item
	Payer             Payer
	ExternalReference string
	NotificationURL   string
	BackURLs          BackURLs
	ExpiresAt         time.Time
}

type Preference struct {
	ID          string
	RedirectURL string
}

type Payment struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
	TransactionAmount decimal.Decimal
	PaymentMethod     string
	Installments      int
}

type Refund struct {
	ID     string
	Amount decimal.Decimal
}

type Provider interface {
	Name() string
	CreatePreference(ctx context.Context, req *PreferenceRequest) (*Preference, error)
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
	// Refund refunds the payment fully, or partially when amount is valid.
	Refund(ctx context.Context, paymentID string, amount decimal.NullDecimal) (*Refund, error)
}

var statusMap = map[string]models.PaymentStatus{
	"approved":     models.PaymentApproved,
	"pending":      models.PaymentPending,
	"in_process":   models.PaymentInProcess,
	"authorized":   models.PaymentInProcess,
	"in_mediation": models.PaymentInProcess,
	"rejected":     models.PaymentRejected,
	"cancelled":    models.PaymentCancelled,
	"refunded":     models.PaymentRefunded,
	"charged_back": models.PaymentRefunded,
}

// MapStatus translates a provider payment status into the local status.
func MapStatus(status string) (models.PaymentStatus, bool) {
	s, ok := statusMap[status]
	return s, ok
}
