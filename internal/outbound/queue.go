package outbound

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/wamux/wamux/internal/phone"
	"github.com/wamux/wamux/internal/storage"
	"github.com/wamux/wamux/internal/transport"
	"github.com/wamux/wamux/pkg/log"
)

var (
	// ErrQueueFull is returned when an account already has the maximum number
	// of sends in flight.
	ErrQueueFull = errors.New("outbound: queue full")

	// ErrNotReady is returned for sends on an account that has never paired.
	ErrNotReady = errors.New("outbound: account not ready")

	// ErrSessionUnavailable is returned when a previously ready session is
	// currently disconnected.
	ErrSessionUnavailable = errors.New("outbound: session unavailable")

	// ErrInvalidMedia is returned when an attachment fails validation.
	ErrInvalidMedia = errors.New("outbound: invalid media")
)

// defaultCapacity is the per-account in-flight send limit.
const defaultCapacity = 20

// sessions is the slice of the registry the queue needs.
type sessions interface {
	Client(id string) (transport.Client, storage.AccountStatus, error)
}

// recorder receives one delivery record per send attempt.
type recorder interface {
	Record(rec storage.DeliveryRecord)
}

// Queue admits outbound sends per account. Each account carries its own
// counted gate; a send holds a slot for the full duration of the transport
// call, and an account at capacity rejects rather than queues behind the
// slow sends.
type Queue struct {
	sessions sessions
	phones   *phone.Normalizer
	recorder recorder
	capacity int64

	mu    sync.Mutex
	gates map[string]*semaphore.Weighted
}

func NewQueue(sessions sessions, phones *phone.Normalizer, recorder recorder, capacity int64) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{
		sessions: sessions,
		phones:   phones,
		recorder: recorder,
		capacity: capacity,
		gates:    make(map[string]*semaphore.Weighted),
	}
}

func (q *Queue) gate(accountID string) *semaphore.Weighted {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.gates[accountID]
	if !ok {
		g = semaphore.NewWeighted(q.capacity)
		q.gates[accountID] = g
	}
	return g
}

// Forget drops an account's gate after the account is deleted.
func (q *Queue) Forget(accountID string) {
	q.mu.Lock()
	delete(q.gates, accountID)
	q.mu.Unlock()
}

// Send validates, admits and performs one outbound send. The destination is
// normalized to a routing address before the transport call. Session-state
// rejections are checked before capacity so a send to a dead session never
// consumes a slot.
func (q *Queue) Send(ctx context.Context, accountID string, destination string, payload transport.Payload) (transport.SendResult, error) {
	client, status, err := q.sessions.Client(accountID)
	if err != nil {
		return transport.SendResult{}, err
	}
	switch status {
	case storage.StatusReady:
	case storage.StatusDisconnected:
		return transport.SendResult{}, ErrSessionUnavailable
	default:
		return transport.SendResult{}, ErrNotReady
	}
	// A ready status can outlive the connection; the handle itself decides.
	if !client.Healthy() {
		return transport.SendResult{}, ErrSessionUnavailable
	}

	if payload, err = prepareMedia(payload); err != nil {
		return transport.SendResult{}, err
	}

	gate := q.gate(accountID)
	if !gate.TryAcquire(1) {
		return transport.SendResult{}, ErrQueueFull
	}
	defer gate.Release(1)

	address := q.phones.Normalize(destination)
	result, err := client.Send(ctx, address, payload)
	q.record(accountID, address, payload, err)
	if err != nil {
		return transport.SendResult{}, err
	}
	return result, nil
}

func (q *Queue) record(accountID string, address string, payload transport.Payload, sendErr error) {
	if q.recorder == nil {
		return
	}
	rec := storage.DeliveryRecord{
		AccountID:   accountID,
		Direction:   storage.DirectionOutgoing,
		Status:      storage.DeliverySuccess,
		Destination: address,
		Detail:      string(payload.Kind),
	}
	if sendErr != nil {
		rec.Status = storage.DeliveryFailed
		rec.ErrorMessage = sendErr.Error()
		log.Account(accountID).WithError(sendErr).WithField("destination", address).Warn("outbound send failed")
	}
	q.recorder.Record(rec)
}
