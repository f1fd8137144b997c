package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sandbox is an in-memory provider. Payments are created by SetPayment, which
// is what the simulate-payment endpoint and the tests drive.
type Sandbox struct {
	mu          sync.Mutex
	baseURL     string
	preferences map[string]*PreferenceRequest
	payments    map[string]*Payment
	failure     error
}

func NewSandbox(baseURL string) *Sandbox {
	return &Sandbox{
		baseURL:     strings.TrimRight(baseURL, "/"),
		preferences: make(map[string]*PreferenceRequest),
		payments:    make(map[string]*Payment),
	}
}

func (s *Sandbox) Name() string {
	return KindSandbox
}

// SetFailure makes every following call fail with err until it is cleared with nil.
func (s *Sandbox) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *Sandbox) CreatePreference(_ context.Context, req *PreferenceRequest) (*Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	id := "sandbox-pref-" + uuid.NewString()
	cp := *req
	s.preferences[id] = &cp
	return &Preference{ID: id, RedirectURL: s.baseURL + "/sandbox/checkout/" + id}, nil
}

// SetPayment creates or updates a payment for an external reference. An empty
// paymentID allocates a new one.
func (s *Sandbox) SetPayment(paymentID, externalRef, status string, amount decimal.Decimal) *Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if paymentID == "" {
		paymentID = fmt.Sprintf("sbx-%d", len(s.payments)+1)
	}
	p, ok := s.payments[paymentID]
	if !ok {
		p = &Payment{ID: paymentID, ExternalReference: externalRef, PaymentMethod: "account_money", Installments: 1}
		s.payments[paymentID] = p
	}
	p.Status = status
	p.StatusDetail = detailFor(status)
	p.TransactionAmount = amount
	out := *p
	return &out
}

// Preference returns the request stored under a preference id.
func (s *Sandbox) Preference(id string) (*PreferenceRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preferences[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (s *Sandbox) GetPayment(_ context.Context, paymentID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	out := *p
	return &out, nil
}

func (s *Sandbox) Refund(_ context.Context, paymentID string, amount decimal.NullDecimal) (*Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.Status != "approved" {
		return nil, fmt.Errorf("sandbox: payment %s is %s, not approved", paymentID, p.Status)
	}
	refunded := p.TransactionAmount
	if amount.Valid {
		refunded = amount.Decimal
	}
	p.Status = "refunded"
	p.StatusDetail = detailFor("refunded")
	return &Refund{ID: "sbx-refund-" + paymentID, Amount: refunded}, nil
}

func detailFor(status string) string {
	switch status {
	case "approved":
		return "accredited"
	case "in_process":
		return "pending_contingency"
	case "rejected":
		return "cc_rejected_other_reason"
	case "refunded":
		return "refunded"
	case "cancelled":
		return "expired"
	}
	return "pending_waiting_payment"
}
