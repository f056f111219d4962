package webhook

import (
	"context"

	"github.com/wamux/wamux/internal/storage"
)

// Header names on every delivery attempt.
const (
	HeaderSecret    = "X-Webhook-Secret"
	HeaderAccountID = "X-Account-ID"
)

// Event is the payload fanned out to an account's subscribers.
type Event struct {
	AccountID string `json:"account_id"`
	Direction string `json:"direction"`
	MessageID string `json:"message_id,omitempty"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	ChatID    string `json:"chat_id"`
	IsGroup   bool   `json:"is_group"`
}

// compactEvent is the reduced schema sent to recognized automation targets.
// The marker field tells the receiver which form it got.
type compactEvent struct {
	AccountID string `json:"account_id"`
	Direction string `json:"direction"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	ChatID    string `json:"chat_id"`
	IsGroup   bool   `json:"is_group"`
	Compact   bool   `json:"compact"`
}

func (ev Event) compact() compactEvent {
	return compactEvent{
		AccountID: ev.AccountID,
		Direction: ev.Direction,
		Sender:    ev.Sender,
		Recipient: ev.Recipient,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
		Type:      ev.Type,
		ChatID:    ev.ChatID,
		IsGroup:   ev.IsGroup,
		Compact:   true,
	}
}

// WebhookSource is the slice of the store the dispatcher reads from.
type WebhookSource interface {
	ActiveWebhooks(ctx context.Context, accountID string) ([]storage.Webhook, error)
}

// SecretSource is the slice of the store the secret cache reads through to.
type SecretSource interface {
	HasWebhookSecret(ctx context.Context, accountID string, secret string) (bool, error)
}

// Recorder receives delivery outcomes without blocking the caller.
type Recorder interface {
	Record(rec storage.DeliveryRecord)
}
