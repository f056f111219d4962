package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnFromMessage(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{`column "detail" of relation "relay_delivery_logs" does not exist`, "detail"},
		{`column "error_message" does not exist`, "error_message"},
		{`no quotes here`, ""},
		{`dangling "quote`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, columnFromMessage(tt.message))
	}
}

func TestRemoveColumn(t *testing.T) {
	columns := []string{"account_id", "direction", "detail"}

	stripped := removeColumn(columns, "detail")
	assert.Equal(t, []string{"account_id", "direction"}, stripped)

	// Unknown column leaves the slice unchanged in length; callers use that
	// to detect a column the statement never carried.
	same := removeColumn(columns, "missing")
	assert.Len(t, same, len(columns))
}

func TestBuildDeliveryInsert(t *testing.T) {
	now := time.Now()
	recs := []DeliveryRecord{
		{AccountID: "a1", Direction: DirectionOutgoing, Status: DeliverySuccess, Destination: "123@s.whatsapp.net", CreatedAt: now},
		{AccountID: "a1", Direction: DirectionWebhook, Status: DeliveryFailed, ErrorMessage: "HTTP 502", CreatedAt: now},
	}

	query, args := buildDeliveryInsert([]string{"account_id", "direction", "status"}, recs)
	assert.Equal(t,
		"INSERT INTO relay_delivery_logs (account_id, direction, status) VALUES ($1, $2, $3), ($4, $5, $6)",
		query)
	require.Len(t, args, 6)
	assert.Equal(t, "a1", args[0])
	assert.Equal(t, DirectionOutgoing, args[1])
	assert.Equal(t, DeliveryFailed, args[5])
}

func TestBuildDeliveryInsertAfterStrip(t *testing.T) {
	recs := []DeliveryRecord{{AccountID: "a1", Direction: DirectionIncoming, Status: DeliverySuccess}}

	columns := removeColumn(deliveryColumns, "detail")
	query, args := buildDeliveryInsert(columns, recs)
	assert.NotContains(t, query, "detail")
	assert.Len(t, args, len(deliveryColumns)-1)
}

func TestActiveWebhookCache(t *testing.T) {
	cache := newActiveWebhookCache(time.Minute)
	webhooks := []Webhook{{ID: "w1", AccountID: "a1", URL: "https://example.com/hook"}}

	_, ok := cache.get("a1")
	require.False(t, ok)

	cache.set("a1", webhooks)
	got, ok := cache.get("a1")
	require.True(t, ok)
	assert.Equal(t, webhooks, got)

	cache.invalidate("a1")
	_, ok = cache.get("a1")
	assert.False(t, ok)
}

func TestActiveWebhookCacheExpiry(t *testing.T) {
	cache := newActiveWebhookCache(10 * time.Millisecond)
	cache.set("a1", []Webhook{{ID: "w1"}})

	time.Sleep(20 * time.Millisecond)

	_, ok := cache.get("a1")
	assert.False(t, ok)
}

func TestActiveWebhookCacheDisabled(t *testing.T) {
	cache := newActiveWebhookCache(0)
	cache.set("a1", []Webhook{{ID: "w1"}})

	_, ok := cache.get("a1")
	assert.False(t, ok, "zero TTL disables caching entirely")
}
