package outbound

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wamux/wamux/internal/phone"
	"github.com/wamux/wamux/internal/storage"
	"github.com/wamux/wamux/internal/transport"
)

var errNoAccount = errors.New("account: not found")

// blockingClient holds each Send until released.
type blockingClient struct {
	release   chan struct{}
	sends     chan string
	unhealthy bool
}

func newBlockingClient() *blockingClient {
	return &blockingClient{release: make(chan struct{}), sends: make(chan string, 64)}
}

func (c *blockingClient) Connect(context.Context) error { return nil }
func (c *blockingClient) Destroy(context.Context) error { return nil }
func (c *blockingClient) Healthy() bool                 { return !c.unhealthy }
func (c *blockingClient) Events() <-chan transport.Event {
	return nil
}

func (c *blockingClient) Send(ctx context.Context, destination string, _ transport.Payload) (transport.SendResult, error) {
	c.sends <- destination
	select {
	case <-c.release:
		return transport.SendResult{MessageID: "m", Timestamp: time.Now()}, nil
	case <-ctx.Done():
		return transport.SendResult{}, ctx.Err()
	}
}

// fakeSessions maps account IDs to a client and status.
type fakeSessions struct {
	mu      sync.Mutex
	clients map[string]transport.Client
	status  map[string]storage.AccountStatus
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{clients: make(map[string]transport.Client), status: make(map[string]storage.AccountStatus)}
}

func (f *fakeSessions) set(id string, c transport.Client, st storage.AccountStatus) {
	f.mu.Lock()
	f.clients[id] = c
	f.status[id] = st
	f.mu.Unlock()
}

func (f *fakeSessions) Client(id string) (transport.Client, storage.AccountStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return nil, "", errNoAccount
	}
	return c, f.status[id], nil
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

func (r *captureRecorder) all() []storage.DeliveryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.DeliveryRecord(nil), r.recs...)
}

func testNormalizer() *phone.Normalizer {
	return phone.NewNormalizer("1", "@s.whatsapp.net", 100)
}

func TestSendRejectsByStateBeforeCapacity(t *testing.T) {
	sessions := newFakeSessions()
	q := NewQueue(sessions, testNormalizer(), nil, 1)
	ctx := context.Background()
	text := transport.Payload{Kind: transport.PayloadText, Text: "hi"}

	_, err := q.Send(ctx, "missing", "5551234", text)
	assert.ErrorIs(t, err, errNoAccount)

	sessions.set("acc", newBlockingClient(), storage.StatusQRReady)
	_, err = q.Send(ctx, "acc", "5551234", text)
	assert.ErrorIs(t, err, ErrNotReady)

	sessions.set("acc", newBlockingClient(), storage.StatusInitializing)
	_, err = q.Send(ctx, "acc", "5551234", text)
	assert.ErrorIs(t, err, ErrNotReady)

	sessions.set("acc", newBlockingClient(), storage.StatusDisconnected)
	_, err = q.Send(ctx, "acc", "5551234", text)
	assert.ErrorIs(t, err, ErrSessionUnavailable)
}

func TestSendRejectsUnhealthyHandleWhileReady(t *testing.T) {
	sessions := newFakeSessions()
	client := newBlockingClient()
	client.unhealthy = true
	sessions.set("acc", client, storage.StatusReady)
	q := NewQueue(sessions, testNormalizer(), nil, 1)

	_, err := q.Send(context.Background(), "acc", "5551234", transport.Payload{Kind: transport.PayloadText, Text: "hi"})
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	assert.Empty(t, client.sends, "a dead handle must be rejected before the transport is invoked")

	// The rejection must not have consumed the account's only slot.
	client.unhealthy = false
	close(client.release)
	_, err = q.Send(context.Background(), "acc", "5551234", transport.Payload{Kind: transport.PayloadText, Text: "hi"})
	assert.NoError(t, err)
}

func TestSendRejectsWhenQueueFull(t *testing.T) {
	sessions := newFakeSessions()
	client := newBlockingClient()
	sessions.set("acc", client, storage.StatusReady)
	q := NewQueue(sessions, testNormalizer(), nil, 2)
	text := transport.Payload{Kind: transport.PayloadText, Text: "hi"}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Send(context.Background(), "acc", "5551111", text)
			errs <- err
		}()
	}
	// Both sends are inside the transport, holding their slots.
	<-client.sends
	<-client.sends

	_, err := q.Send(context.Background(), "acc", "5552222", text)
	assert.ErrorIs(t, err, ErrQueueFull)

	close(client.release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	// Slots released: the next send is admitted again.
	_, err = q.Send(context.Background(), "acc", "5553333", text)
	assert.NoError(t, err)
}

func TestQueueFullIsPerAccount(t *testing.T) {
	sessions := newFakeSessions()
	blocked := newBlockingClient()
	free := newBlockingClient()
	close(free.release)
	sessions.set("busy", blocked, storage.StatusReady)
	sessions.set("idle", free, storage.StatusReady)
	q := NewQueue(sessions, testNormalizer(), nil, 1)
	text := transport.Payload{Kind: transport.PayloadText, Text: "hi"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.Send(context.Background(), "busy", "5551111", text)
	}()
	<-blocked.sends

	_, err := q.Send(context.Background(), "busy", "5552222", text)
	assert.ErrorIs(t, err, ErrQueueFull)

	// The other account's gate is untouched.
	_, err = q.Send(context.Background(), "idle", "5553333", text)
	assert.NoError(t, err)

	close(blocked.release)
	<-done
}

func TestSendNormalizesDestinationAndRecords(t *testing.T) {
	sessions := newFakeSessions()
	client := newBlockingClient()
	close(client.release)
	sessions.set("acc", client, storage.StatusReady)
	rec := &captureRecorder{}
	q := NewQueue(sessions, testNormalizer(), rec, 5)

	_, err := q.Send(context.Background(), "acc", "(555) 123-4567", transport.Payload{Kind: transport.PayloadText, Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "15551234567@s.whatsapp.net", <-client.sends)

	recs := rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, storage.DirectionOutgoing, recs[0].Direction)
	assert.Equal(t, storage.DeliverySuccess, recs[0].Status)
	assert.Equal(t, "15551234567@s.whatsapp.net", recs[0].Destination)
}

func encodePNG(t *testing.T, width int, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

func TestPrepareMediaValidation(t *testing.T) {
	_, err := prepareMedia(transport.Payload{Kind: transport.PayloadText})
	assert.ErrorIs(t, err, ErrInvalidMedia)

	_, err = prepareMedia(transport.Payload{Kind: transport.PayloadImage, Media: []byte("not an image")})
	assert.ErrorIs(t, err, ErrInvalidMedia)

	_, err = prepareMedia(transport.Payload{Kind: transport.PayloadDocument, Media: []byte("data")})
	assert.ErrorIs(t, err, ErrInvalidMedia, "document without a file name")

	_, err = prepareMedia(transport.Payload{Kind: "sticker"})
	assert.ErrorIs(t, err, ErrInvalidMedia)
}

func TestPrepareMediaAcceptsImageAndAttachesThumbnail(t *testing.T) {
	payload := transport.Payload{Kind: transport.PayloadImage, Media: encodePNG(t, 200, 100), MimeType: "image/png"}

	out, err := prepareMedia(payload)
	require.NoError(t, err)
	assert.Equal(t, payload.Media, out.Media, "small images pass through untouched")
	assert.NotEmpty(t, out.Thumbnail)
}

func TestPrepareMediaDownscalesOversizedImage(t *testing.T) {
	payload := transport.Payload{Kind: transport.PayloadImage, Media: encodePNG(t, 2048, 512)}

	out, err := prepareMedia(payload)
	require.NoError(t, err)
	assert.NotEqual(t, payload.Media, out.Media)
	assert.Equal(t, "image/jpeg", out.MimeType)

	img, _, err := image.Decode(bytes.NewReader(out.Media))
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Bounds().Dx(), maxImageWidth)
}
