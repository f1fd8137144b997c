package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	pubnub "github.com/pubnub/go/v7"

	"ticket-settlement/internal/services/provider/mercadopago"
)

// WebhookRequest is the raw provider delivery as received by the HTTP layer.
type WebhookRequest struct {
	Body      []byte
	Topic     string // "topic" or "type" query parameter
	DataID    string // "data.id" or "id" query parameter
	Signature string // x-signature header
	RequestID string // x-request-id header
}

type webhookBody struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// HandleWebhook processes a provider delivery. It never fails: every problem is
// logged and the delivery acknowledged, so the provider does not retry forever.
func (s *SettlementService) HandleWebhook(ctx context.Context, req WebhookRequest) *NotificationResult {
	topic, paymentID := parseWebhook(req)

	if s.opts.WebhookSecret != "" && !mercadopago.VerifySignature(s.opts.WebhookSecret, req.Signature, req.RequestID, paymentID) {
		slog.Warn("webhook signature mismatch", "payment_id", paymentID, "request_id", req.RequestID)
		s.monitor.TrackNotification(SourceWebhook, "bad_signature")
		return &NotificationResult{Outcome: OutcomeStale}
	}
	if topic != "" && topic != "payment" {
		slog.Debug("webhook topic ignored", "topic", topic)
		s.monitor.TrackNotification(SourceWebhook, "ignored")
		return &NotificationResult{Outcome: OutcomeStale}
	}
	if paymentID == "" {
		slog.Warn("webhook without payment id", "body", truncate(string(req.Body), 256))
		s.monitor.TrackNotification(SourceWebhook, "malformed")
		return &NotificationResult{Outcome: OutcomeUnknown}
	}

	res, err := s.HandleNotification(ctx, SourceWebhook, paymentID)
	if err != nil {
		slog.Error("webhook processing failed", "payment_id", paymentID, "error", err)
		return &NotificationResult{Outcome: OutcomeStale}
	}
	slog.Info("webhook processed", "payment_id", paymentID, "outcome", res.Outcome, "intent_id", res.IntentID, "status", res.Status)
	return res
}

func parseWebhook(req WebhookRequest) (topic, paymentID string) {
	topic, paymentID = req.Topic, req.DataID
	if len(req.Body) == 0 {
		return topic, paymentID
	}
	var body webhookBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return topic, paymentID
	}
	switch {
	case body.Type != "":
		topic = body.Type
	case body.Topic != "":
		topic = body.Topic
	}
	if id := rawID(body.Data.ID); id != "" {
		paymentID = id
	}
	return topic, paymentID
}

// rawID accepts ids sent either as JSON strings or numbers.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// PaymentNotification is the message published on the provider notification channel.
type PaymentNotification struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status,omitempty"`
}

// NotificationListener feeds payment notifications published on a PubNub
// channel into the settlement processor.
type NotificationListener struct {
	pn         *pubnub.PubNub
	channel    string
	settlement *SettlementService
}

func NewNotificationListener(pn *pubnub.PubNub, channel string, settlement *SettlementService) *NotificationListener {
	return &NotificationListener{pn: pn, channel: channel, settlement: settlement}
}

// Run subscribes and processes messages until ctx is cancelled.
func (l *NotificationListener) Run(ctx context.Context) {
	listener := pubnub.NewListener()
	l.pn.AddListener(listener)
	l.pn.Subscribe().Channels([]string{l.channel}).Execute()
	defer func() {
		l.pn.Unsubscribe().Channels([]string{l.channel}).Execute()
		l.pn.RemoveListener(listener)
	}()

	for {
		select {
		case status := <-listener.Status:
			switch status.Category {
			case pubnub.PNConnectedCategory:
				slog.Info("payment notification channel connected", "channel", l.channel)
			case pubnub.PNReconnectedCategory:
				slog.Info("payment notification channel reconnected", "channel", l.channel)
			case pubnub.PNDisconnectedCategory:
				slog.Warn("payment notification channel disconnected", "channel", l.channel)
			case pubnub.PNAccessDeniedCategory:
				slog.Error("payment notification channel access denied", "channel", l.channel)
			}

		case message := <-listener.Message:
			if message == nil {
				continue
			}
			n, ok := DecodeNotification(message.Message)
			if !ok {
				slog.Warn("payment notification malformed", "message", message.Message)
				continue
			}
			if _, err := l.settlement.HandleNotification(ctx, SourceChannel, n.PaymentID); err != nil {
				slog.Error("payment notification failed", "payment_id", n.PaymentID, "error", err)
			}

		case <-ctx.Done():
			slog.Info("payment notification listener stopped", "channel", l.channel)
			return
		}
	}
}

// DecodeNotification accepts the message as a JSON object, or as a string
// holding one.
func DecodeNotification(msg any) (PaymentNotification, bool) {
	var (
		n    PaymentNotification
		data []byte
	)
	switch m := msg.(type) {
	case string:
		data = []byte(m)
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return n, false
		}
		data = b
	}
	if err := json.Unmarshal(data, &n); err != nil {
		return n, false
	}
	n.PaymentID = strings.TrimSpace(n.PaymentID)
	return n, n.PaymentID != ""
}
