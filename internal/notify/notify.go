// Package notify is the outbound notification boundary. The escrow core only
// decides that a notification should fire and with what payload; delivery
// lives behind the Notifier interface.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Intent is a notification the lifecycle machine wants delivered.
type Intent struct {
	RecipientID string         `json:"recipient_id"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload"`
}

// Notifier delivers intents. Failures are logged by callers and never block a
// state transition.
type Notifier interface {
	Emit(ctx context.Context, intent Intent) error
}

// LogNotifier writes intents to the log instead of delivering them.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Emit(_ context.Context, intent Intent) error {
	n.Logger.Info("notification",
		zap.String("recipient", intent.RecipientID),
		zap.String("event", intent.EventType),
		zap.Any("payload", intent.Payload))
	return nil
}
