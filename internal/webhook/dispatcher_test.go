package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wamux/wamux/internal/storage"
)

type staticSource struct {
	webhooks []storage.Webhook
}

func (s *staticSource) ActiveWebhooks(_ context.Context, _ string) ([]storage.Webhook, error) {
	return s.webhooks, nil
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []storage.DeliveryRecord
}

func (r *captureRecorder) Record(rec storage.DeliveryRecord) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *captureRecorder) byStatus(status storage.DeliveryStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.recs {
		if rec.Status == status {
			n++
		}
	}
	return n
}

func testEvent() Event {
	return Event{
		AccountID: "acc-1",
		Direction: "incoming",
		Sender:    "919876543210@s.whatsapp.net",
		Recipient: "915551234567@s.whatsapp.net",
		Message:   "hello",
		Timestamp: time.Now().Unix(),
		Type:      "text",
		ChatID:    "919876543210@s.whatsapp.net",
	}
}

func TestDispatchFanOutWaitsForAllAttempts(t *testing.T) {
	ok1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok1.Close()
	ok2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok2.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	source := &staticSource{webhooks: []storage.Webhook{
		{ID: "wh-1", AccountID: "acc-1", URL: ok1.URL, Secret: "s1", IsActive: true},
		{ID: "wh-2", AccountID: "acc-1", URL: ok2.URL, Secret: "s2", IsActive: true},
		{ID: "wh-3", AccountID: "acc-1", URL: slow.URL, Secret: "s3", IsActive: true},
	}}
	recorder := &captureRecorder{}
	d := NewDispatcher(source, recorder, 100*time.Millisecond, 100*time.Millisecond)

	d.Dispatch(context.Background(), "acc-1", testEvent())

	// Dispatch returns only after every attempt settled, so all three
	// outcomes are already recorded.
	recorder.mu.Lock()
	total := len(recorder.recs)
	recorder.mu.Unlock()
	require.Equal(t, 3, total)
	assert.Equal(t, 2, recorder.byStatus(storage.DeliverySuccess))
	assert.Equal(t, 1, recorder.byStatus(storage.DeliveryFailed))
}

func TestDispatchRecordsNon2xxAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	source := &staticSource{webhooks: []storage.Webhook{
		{ID: "wh-1", AccountID: "acc-1", URL: srv.URL, Secret: "s1", IsActive: true},
	}}
	recorder := &captureRecorder{}
	d := NewDispatcher(source, recorder, time.Second, time.Second)

	d.Dispatch(context.Background(), "acc-1", testEvent())

	require.Len(t, recorder.recs, 1)
	assert.Equal(t, storage.DeliveryFailed, recorder.recs[0].Status)
	assert.Contains(t, recorder.recs[0].ErrorMessage, "HTTP 502")
	assert.Equal(t, srv.URL, recorder.recs[0].Destination)
}

func TestDispatchSendsHeadersAndFullPayload(t *testing.T) {
	var gotSecret, gotAccount, gotContentType string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(HeaderSecret)
		gotAccount = r.Header.Get(HeaderAccountID)
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	source := &staticSource{webhooks: []storage.Webhook{
		{ID: "wh-1", AccountID: "acc-1", URL: srv.URL, Secret: "top-secret", IsActive: true},
	}}
	recorder := &captureRecorder{}
	d := NewDispatcher(source, recorder, time.Second, time.Second)

	d.Dispatch(context.Background(), "acc-1", testEvent())

	assert.Equal(t, "top-secret", gotSecret)
	assert.Equal(t, "acc-1", gotAccount)
	assert.Equal(t, "application/json", gotContentType)
	require.NotNil(t, gotBody)
	assert.Equal(t, "hello", gotBody["message"])
	_, hasMarker := gotBody["compact"]
	assert.False(t, hasMarker, "full payload must not carry the compact marker")
}

func TestCompactPayloadShape(t *testing.T) {
	payload, err := json.Marshal(testEvent().compact())
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))

	for _, field := range []string{
		"account_id", "direction", "sender", "recipient", "message",
		"timestamp", "type", "chat_id", "is_group", "compact",
	} {
		assert.Contains(t, decoded, field)
	}
	assert.Equal(t, true, decoded["compact"])
	assert.NotContains(t, decoded, "message_id")
}
