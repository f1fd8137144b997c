package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ticket-settlement/internal/services/provider/mercadopago"
)

// MercadoPago adapts the REST client to the Provider contract.
type MercadoPago struct {
	client *mercadopago.Client
}

func NewMercadoPago(cfg mercadopago.Config) *MercadoPago {
	return &MercadoPago{client: mercadopago.NewClient(cfg)}
}

func (m *MercadoPago) Name() string {
	return KindMercadoPago
}

func (m *MercadoPago) CreatePreference(ctx context.Context, req *PreferenceRequest) (*Preference, error) {
	items := make([]mercadopago.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, mercadopago.Item{
			ID:         it.ID,
			Title:      it.Title,
			Quantity:   it.Quantity,
			UnitPrice:  jsonNumber(it.UnitPrice),
			CurrencyID: it.Currency,
		})
	}

	mpReq := &mercadopago.PreferenceRequest{
		Items:             items,
		ExternalReference: req.ExternalReference,
		NotificationURL:   req.NotificationURL,
		BackURLs: mercadopago.BackURLs{
			Success: req.BackURLs.Success,
			Failure: req.BackURLs.Failure,
			Pending: req.BackURLs.Pending,
		},
		AutoReturn: "approved",
	}
	if req.Payer.Email != "" || req.Payer.Name != "" {
		mpReq.Payer = &mercadopago.Payer{Email: req.Payer.Email, Name: req.Payer.Name}
	}
	if !req.ExpiresAt.IsZero() {
		mpReq.Expires = true
		mpReq.ExpirationDateFrom = time.Now().UTC().Format(time.RFC3339)
		mpReq.ExpirationDateTo = req.ExpiresAt.UTC().Format(time.RFC3339)
	}

	pref, err := m.client.CreatePreference(ctx, mpReq)
	if err != nil {
		return nil, err
	}
	return &Preference{ID: pref.ID, RedirectURL: pref.InitPoint}, nil
}

func (m *MercadoPago) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	p, err := m.client.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, mercadopago.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &Payment{
		ID:                p.ID.String(),
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		ExternalReference: p.ExternalReference,
		TransactionAmount: p.TransactionAmount,
		PaymentMethod:     p.PaymentMethodID,
		Installments:      p.Installments,
	}, nil
}

func (m *MercadoPago) Refund(ctx context.Context, paymentID string, amount decimal.NullDecimal) (*Refund, error) {
	r, err := m.client.Refund(ctx, paymentID, amount)
	if err != nil {
		if errors.Is(err, mercadopago.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &Refund{ID: r.ID.String(), Amount: r.Amount}, nil
}

func jsonNumber(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
