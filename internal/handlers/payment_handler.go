package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"ticket-settlement/internal/services"
	"ticket-settlement/internal/services/provider"
	"ticket-settlement/models"
)

const maxWebhookBody = 64 << 10

type PaymentHandler struct {
	payments   *services.PaymentService
	settlement *services.SettlementService
	sandbox    *provider.Sandbox
	publisher  Publisher
	channel    string
}

func NewPaymentHandler(engine *services.Engine, sandbox *provider.Sandbox, publisher Publisher, channel string) *PaymentHandler {
	return &PaymentHandler{
		payments:   engine.Payments,
		settlement: engine.Settlement,
		sandbox:    sandbox,
		publisher:  publisher,
		channel:    channel,
	}
}

// CreateIntent - reserve capacity and open a checkout for the caller
func (h *PaymentHandler) CreateIntent(e *core.RequestEvent) error {
	userID, err := requireUser(e)
	if err != nil {
		return err
	}

	var in services.CreateIntentInput
	if err := e.BindBody(&in); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	in.UserID = userID

	res, err := h.payments.CreateIntent(e.Request.Context(), in)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusCreated, res)
}

// ConfirmIntent - the buyer comes back from checkout with a payment id
func (h *PaymentHandler) ConfirmIntent(e *core.RequestEvent) error {
	userID, err := requireUser(e)
	if err != nil {
		return err
	}

	var req struct {
		ExternalReference string `json:"external_reference"`
		PaymentID         string `json:"payment_id"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	res, err := h.payments.ConfirmIntent(e.Request.Context(), userID, req.ExternalReference, req.PaymentID)
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, res)
}

func (h *PaymentHandler) GetIntent(e *core.RequestEvent) error {
	userID, err := requireUser(e)
	if err != nil {
		return err
	}
	res, err := h.payments.GetIntent(e.Request.Context(), userID, e.Request.PathValue("id"))
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, res)
}

// Refund - superusers only; an omitted amount refunds in full
func (h *PaymentHandler) Refund(e *core.RequestEvent) error {
	var req struct {
		Amount decimal.NullDecimal `json:"amount"`
	}
	if e.Request.ContentLength != 0 {
		if err := e.BindBody(&req); err != nil {
			return apis.NewBadRequestError("Invalid request", err)
		}
	}

	res, err := h.payments.Refund(e.Request.Context(), actorID(e), e.Request.PathValue("id"), req.Amount)
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, res)
}

// Webhook - provider notifications. Always acknowledged with 200.
func (h *PaymentHandler) Webhook(e *core.RequestEvent) error {
	body, err := io.ReadAll(io.LimitReader(e.Request.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("webhook body unreadable", "error", err)
	}

	res := h.settlement.HandleWebhook(e.Request.Context(), webhookRequest(e.Request, body))
	return e.JSON(http.StatusOK, map[string]any{
		"received": true,
		"outcome":  res.Outcome,
	})
}

func webhookRequest(r *http.Request, body []byte) services.WebhookRequest {
	q := r.URL.Query()
	topic := q.Get("type")
	if topic == "" {
		topic = q.Get("topic")
	}
	dataID := q.Get("data.id")
	if dataID == "" {
		dataID = q.Get("id")
	}
	return services.WebhookRequest{
		Body:      body,
		Topic:     topic,
		DataID:    strings.TrimSpace(dataID),
		Signature: r.Header.Get("X-Signature"),
		RequestID: r.Header.Get("X-Request-Id"),
	}
}

// SimulatePayment - make the sandbox report a payment for an intent (development only)
func (h *PaymentHandler) SimulatePayment(e *core.RequestEvent) error {
	if h.sandbox == nil {
		return apis.NewBadRequestError("Payment simulation requires the sandbox provider", nil)
	}

	var req struct {
		IntentID  string              `json:"intent_id"`
		PaymentID string              `json:"payment_id"`
		Status    string              `json:"status"`
		Amount    decimal.NullDecimal `json:"amount"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.Status == "" {
		req.Status = string(models.PaymentApproved)
	}
	if _, known := provider.MapStatus(req.Status); !known {
		return apis.NewBadRequestError("Unknown payment status", nil)
	}

	ctx := e.Request.Context()
	res, err := h.payments.GetIntent(ctx, "", req.IntentID)
	if err != nil {
		return respondError(e, err)
	}
	amount := res.Intent.Amount
	if req.Amount.Valid {
		amount = req.Amount.Decimal
	}
	payment := h.sandbox.SetPayment(req.PaymentID, res.Intent.ExternalReference, req.Status, amount)

	if h.publisher != nil && h.channel != "" {
		msg := map[string]any{"payment_id": payment.ID, "status": payment.Status}
		if err := h.publisher.Publish(h.channel, msg); err != nil {
			slog.Warn("simulated notification not published, applying directly", "payment_id", payment.ID, "error", err)
		} else {
			return e.JSON(http.StatusAccepted, map[string]any{
				"message":    "Payment simulation sent",
				"payment_id": payment.ID,
			})
		}
	}

	result, err := h.settlement.HandleNotification(ctx, services.SourceSimulated, payment.ID)
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, map[string]any{"payment_id": payment.ID, "result": result})
}

func actorID(e *core.RequestEvent) string {
	if e.Auth == nil {
		return services.SystemActor
	}
	return e.Auth.Id
}
