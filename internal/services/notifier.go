package services

import (
	"context"
	"fmt"
	"log/slog"

	pubnub "github.com/pubnub/go/v7"
)

// Notification types published to user channels.
const (
	NotifyPaymentApproved  = "payment_approved"
	NotifyPaymentRejected  = "payment_rejected"
	NotifyPaymentRefunded  = "payment_refunded"
	NotifyTicketIssued     = "ticket_issued"
	NotifyTransferReceived = "transfer_received"
	NotifyTransferResolved = "transfer_resolved"
)

// Notifier delivers best-effort user notifications. Failures are logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, payload map[string]any)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string, map[string]any) {}

type PubNubNotifier struct {
	pn *pubnub.PubNub
}

func NewPubNubNotifier(pn *pubnub.PubNub) *PubNubNotifier {
	return &PubNubNotifier{pn: pn}
}

func UserChannel(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

func (n *PubNubNotifier) Notify(_ context.Context, userID, kind string, payload map[string]any) {
	msg := map[string]any{"type": kind}
	for k, v := range payload {
		msg[k] = v
	}
	if err := n.Publish(UserChannel(userID), msg); err != nil {
		slog.Warn("notification not delivered", "user_id", userID, "type", kind, "error", err)
	}
}

func (n *PubNubNotifier) Publish(channel string, msg map[string]any) error {
	_, status, err := n.pn.Publish().
		Channel(channel).
		Message(msg).
		Execute()
	if err != nil {
		return err
	}
	if status.Error != nil {
		return status.Error
	}
	return nil
}
