package logbatch

import (
	"context"
	"sync"
	"time"

	"github.com/wamux/wamux/internal/storage"
	"github.com/wamux/wamux/pkg/log"
)

// Sink is the slice of the store the batcher writes to.
type Sink interface {
	InsertDeliveryRecords(ctx context.Context, recs []storage.DeliveryRecord) error
}

// Batcher buffers delivery records in memory and flushes them to the store
// when the buffer reaches the size threshold or the flush interval elapses,
// whichever comes first. Record never performs I/O; only the background
// flusher touches the store. A failed flush is re-buffered at the front so
// records are persisted at least once (duplicates are acceptable).
type Batcher struct {
	sink         Sink
	size         int
	interval     time.Duration
	flushTimeout time.Duration

	mu  sync.Mutex
	buf []storage.DeliveryRecord

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func NewBatcher(sink Sink, size int, interval time.Duration) *Batcher {
	if size <= 0 {
		size = 10
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Batcher{
		sink:         sink,
		size:         size,
		interval:     interval,
		flushTimeout: 10 * time.Second,
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (b *Batcher) Start() {
	b.wg.Add(1)
	go b.run()
}

// Record appends rec to the buffer. Always non-blocking with respect to I/O.
func (b *Batcher) Record(rec storage.DeliveryRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	b.mu.Lock()
	b.buf = append(b.buf, rec)
	full := len(b.buf) >= b.size
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *Batcher) run() {
	defer b.wg.Done()

	timer := time.NewTimer(b.interval)
	defer timer.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-b.kick:
		case <-timer.C:
		}
		b.flush()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.interval)
	}
}

func (b *Batcher) flush() {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.flushTimeout)
	defer cancel()

	if err := b.sink.InsertDeliveryRecords(ctx, batch); err != nil {
		log.Print(nil).WithError(err).WithField("batch_size", len(batch)).Warn("delivery log flush failed, re-buffering")
		b.mu.Lock()
		b.buf = append(batch, b.buf...)
		b.mu.Unlock()
	}
}

// Close flushes whatever is buffered and stops the background flusher.
func (b *Batcher) Close() {
	close(b.done)
	b.wg.Wait()
	b.flush()
}
