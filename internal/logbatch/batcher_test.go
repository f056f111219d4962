package logbatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wamux/wamux/internal/storage"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]storage.DeliveryRecord
	failing bool
}

func (s *captureSink) InsertDeliveryRecords(_ context.Context, recs []storage.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("store down")
	}
	batch := make([]storage.DeliveryRecord, len(recs))
	copy(batch, recs)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) setFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func record(accountID string) storage.DeliveryRecord {
	return storage.DeliveryRecord{
		AccountID: accountID,
		Direction: storage.DirectionOutgoing,
		Status:    storage.DeliverySuccess,
	}
}

func TestBatcherFlushesOnSize(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(sink, 10, time.Hour)
	b.Start()
	defer b.Close()

	for i := 0; i < 10; i++ {
		b.Record(record("acc-1"))
	}

	require.Eventually(t, func() bool {
		return sink.total() == 10
	}, 2*time.Second, 10*time.Millisecond, "size threshold should trigger flush before the timer")
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(sink, 10, 50*time.Millisecond)
	b.Start()
	defer b.Close()

	b.Record(record("acc-1"))
	b.Record(record("acc-2"))

	require.Eventually(t, func() bool {
		return sink.total() == 2
	}, 2*time.Second, 10*time.Millisecond, "interval should flush a partial buffer")
}

func TestBatcherRebuffersOnFailure(t *testing.T) {
	sink := &captureSink{}
	sink.setFailing(true)

	b := NewBatcher(sink, 3, 30*time.Millisecond)
	b.Start()
	defer b.Close()

	b.Record(record("acc-1"))
	b.Record(record("acc-2"))
	b.Record(record("acc-3"))

	// Give the flusher a chance to fail at least once.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, sink.total())

	sink.setFailing(false)

	require.Eventually(t, func() bool {
		return sink.total() == 3
	}, 2*time.Second, 10*time.Millisecond, "failed batch should be retried on the next flush")
}

func TestBatcherCloseFlushesRemainder(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(sink, 100, time.Hour)
	b.Start()

	b.Record(record("acc-1"))
	b.Close()

	assert.Equal(t, 1, sink.total())
}
