package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrPersistenceUnavailable wraps driver-level failures on non-batched calls.
var ErrPersistenceUnavailable = errors.New("storage: persistence unavailable")

// AccountStatus is the persisted session state of an account.
type AccountStatus string

const (
	StatusInitializing AccountStatus = "initializing"
	StatusQRReady      AccountStatus = "qr_ready"
	StatusReady        AccountStatus = "ready"
	StatusAuthFailed   AccountStatus = "auth_failed"
	StatusDisconnected AccountStatus = "disconnected"
)

type Account struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Status       AccountStatus `json:"status"`
	PhoneNumber  string        `json:"phone_number,omitempty"`
	Address      string        `json:"address,omitempty"`
	QRPayload    string        `json:"-"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type Webhook struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Direction of a delivery record.
type Direction string

const (
	DirectionIncoming        Direction = "incoming"
	DirectionOutgoing        Direction = "outgoing"
	DirectionWebhook         Direction = "webhook"
	DirectionWebhookIncoming Direction = "webhook_incoming"
)

// DeliveryStatus of a delivery record.
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryRecord is an append-only log row for message and webhook traffic.
type DeliveryRecord struct {
	AccountID    string         `json:"account_id"`
	Direction    Direction      `json:"direction"`
	Status       DeliveryStatus `json:"status"`
	Destination  string         `json:"destination,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Store is the durable persistence capability consumed by the relay.
type Store interface {
	CreateAccount(ctx context.Context, acc *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status AccountStatus, errorMessage string) error
	UpdateAccountQR(ctx context.Context, id string, qrPayload string) error
	UpdateAccountAddress(ctx context.Context, id string, phoneNumber string, address string) error
	DeleteAccount(ctx context.Context, id string) error

	CreateWebhook(ctx context.Context, wh *Webhook) error
	GetWebhook(ctx context.Context, accountID string, webhookID string) (*Webhook, error)
	ListWebhooks(ctx context.Context, accountID string) ([]Webhook, error)
	ActiveWebhooks(ctx context.Context, accountID string) ([]Webhook, error)
	UpdateWebhook(ctx context.Context, wh *Webhook) error
	DeleteWebhook(ctx context.Context, accountID string, webhookID string) error
	HasWebhookSecret(ctx context.Context, accountID string, secret string) (bool, error)
	AddWebhookMutationHook(fn func(accountID string))

	InsertDeliveryRecords(ctx context.Context, recs []DeliveryRecord) error
	RecentDeliveryRecords(ctx context.Context, accountID string, limit int) ([]DeliveryRecord, error)
}
