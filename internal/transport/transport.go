package transport

import (
	"context"
	"time"
)

// EventType identifies a session lifecycle or traffic event emitted by a Client.
type EventType string

const (
	EventQRReceived    EventType = "qr_received"
	EventReady         EventType = "ready"
	EventAuthenticated EventType = "authenticated"
	EventAuthFailure   EventType = "auth_failure"
	EventDisconnected  EventType = "disconnected"
	EventMessage       EventType = "message_received"
)

// Inbound is a message received on a session.
type Inbound struct {
	MessageID string
	Sender    string
	Recipient string
	Body      string
	Kind      string
	ChatID    string
	IsGroup   bool
	Timestamp time.Time
}

// Event is one item on a session's event stream. Events for a single session
// are emitted in occurrence order over a single channel.
type Event struct {
	Type EventType

	// QRPayload is set on EventQRReceived (data URI with a base64 PNG).
	QRPayload string

	// Address is set on EventReady: the session's resolved routing address.
	Address string

	// Reason is set on EventAuthFailure and EventDisconnected.
	Reason string

	// Message is set on EventMessage.
	Message *Inbound
}

// PayloadKind discriminates outbound payload variants.
type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadImage    PayloadKind = "image"
	PayloadDocument PayloadKind = "document"
)

// Payload is an outbound message handed to Client.Send.
type Payload struct {
	Kind      PayloadKind
	Text      string
	Caption   string
	FileName  string
	MimeType  string
	Media     []byte
	Thumbnail []byte
}

// SendResult reports a completed send attempt.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}

// Client is one account's connection to the external messaging transport.
// Events must be consumed before Connect is called so no lifecycle event is
// lost during session establishment.
type Client interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, destination string, payload Payload) (SendResult, error)
	Destroy(ctx context.Context) error
	Healthy() bool
	Events() <-chan Event
}

// Factory builds one Client per account. storedAddress is the routing address
// persisted from a previous session, empty for a fresh account.
type Factory interface {
	New(ctx context.Context, accountID string, storedAddress string) (Client, error)
}
