// Package mercadopago is a minimal REST client for the MercadoPago checkout,
// payments and refunds APIs.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("mercadopago: resource not found")
	ErrUnauthorized = errors.New("mercadopago: unauthorized")
)

type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

type Client struct {
	// baseURL is the API root, normally https://api.mercadopago.com.
	baseURL string

	// accessToken authenticates every call as a Bearer token.
	accessToken string

	hc *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		hc:          &http.Client{Timeout: timeout},
	}
}

type Item struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	UnitPrice  json.Number `json:"unit_price"`
	CurrencyID string      `json:"currency_id"`
}

type Payer struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type BackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type PreferenceRequest struct {
	Items              []Item   `json:"items"`
	Payer              *Payer   `json:"payer,omitempty"`
	ExternalReference  string   `json:"external_reference"`
	NotificationURL    string   `json:"notification_url,omitempty"`
	BackURLs           BackURLs `json:"back_urls"`
	AutoReturn         string   `json:"auto_return,omitempty"`
	Expires            bool     `json:"expires"`
	ExpirationDateFrom string   `json:"expiration_date_from,omitempty"`
	ExpirationDateTo   string   `json:"expiration_date_to,omitempty"`
}

type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type Payment struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	PaymentMethodID   string          `json:"payment_method_id"`
	Installments      int             `json:"installments"`
}

type Refund struct {
	ID     json.Number     `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Status string          `json:"status"`
}

// CreatePreference registers a checkout preference and returns its id and redirect url.
func (c *Client) CreatePreference(ctx context.Context, req *PreferenceRequest) (*Preference, error) {
	var pref Preference
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", req, "", &pref); err != nil {
		return nil, fmt.Errorf("createPreference: %w", err)
	}
	return &pref, nil
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p Payment
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, "", &p); err != nil {
		return nil, fmt.Errorf("getPayment %s: %w", paymentID, err)
	}
	return &p, nil
}

// Refund refunds the payment in full, or partially when amount is set.
func (c *Client) Refund(ctx context.Context, paymentID string, amount decimal.NullDecimal) (*Refund, error) {
	var body any
	if amount.Valid {
		body = map[string]json.Number{"amount": json.Number(amount.Decimal.String())}
	}
	var r Refund
	path := "/v1/payments/" + url.PathEscape(paymentID) + "/refunds"
	if err := c.do(ctx, http.MethodPost, path, body, uuid.NewString(), &r); err != nil {
		return nil, fmt.Errorf("refund %s: %w", paymentID, err)
	}
	return &r, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("json.Marshal: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("http.NewReq: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("http.Do: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 300:
		var reply struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&reply)
		return fmt.Errorf("status %d: %s %s", resp.StatusCode, reply.Error, reply.Message)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("json.Decode: %w", err)
	}
	return nil
}
