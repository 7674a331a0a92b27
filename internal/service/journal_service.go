package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tame-ai/tame/internal/domain/journal"
)

// JournalService provides async journal writing with a buffered channel and a
// background worker. Operational events are recorded without blocking the
// request path; under sustained pressure events are dropped and counted.
type JournalService struct {
	store         journal.Store
	eventChan     chan journal.Event
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately when full
	dropCount   atomic.Int64
}

// JournalOption configures JournalService.
type JournalOption func(*JournalService)

// WithBatchSize sets the number of events to batch before writing.
func WithBatchSize(size int) JournalOption {
	return func(s *JournalService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets the interval to flush pending events.
func WithFlushInterval(interval time.Duration) JournalOption {
	return func(s *JournalService) {
		s.flushInterval = interval
	}
}

// WithChannelSize sets the size of the event channel buffer.
func WithChannelSize(size int) JournalOption {
	return func(s *JournalService) {
		s.eventChan = make(chan journal.Event, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets the backpressure timeout. 0 drops immediately when the
// channel is full; >0 blocks up to this duration before dropping.
func WithSendTimeout(timeout time.Duration) JournalOption {
	return func(s *JournalService) {
		s.sendTimeout = timeout
	}
}

// NewJournalService creates a JournalService with the given store and options.
func NewJournalService(store journal.Store, logger *slog.Logger, opts ...JournalOption) *JournalService {
	const defaultChannelSize = 256
	s := &JournalService{
		store:         store,
		eventChan:     make(chan journal.Event, defaultChannelSize),
		logger:        logger,
		batchSize:     32,
		flushInterval: time.Second,
		channelSize:   defaultChannelSize,
		sendTimeout:   50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker that batches and writes events.
func (s *JournalService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Emit sends an event to the background worker. A zero timestamp is filled
// with the current time. Must not be called after Stop.
func (s *JournalService) Emit(ev journal.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	select {
	case s.eventChan <- ev:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(ev)
		return
	}

	select {
	case s.eventChan <- ev:
	case <-time.After(s.sendTimeout):
		s.recordDrop(ev)
	}
}

func (s *JournalService) recordDrop(ev journal.Event) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("journal event dropped", "type", ev.Type, "total_drops", drops)
}

// DroppedEvents returns total dropped events (for metrics).
func (s *JournalService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// QueueDepth returns the number of events waiting for the worker.
func (s *JournalService) QueueDepth() int {
	return len(s.eventChan)
}

// QueueCapacity returns the event channel capacity.
func (s *JournalService) QueueCapacity() int {
	return cap(s.eventChan)
}

// Recent returns the latest journal events, newest first.
func (s *JournalService) Recent(ctx context.Context, limit int) ([]journal.Event, error) {
	return s.store.Recent(ctx, limit)
}

// Stop signals the worker to stop and waits for it to finish.
// Pending events are flushed before returning.
func (s *JournalService) Stop() {
	close(s.eventChan)
	s.wg.Wait()
}

// worker collects and flushes journal events.
func (s *JournalService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]journal.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.eventChan:
			if !ok {
				// Channel closed: final flush with bounded deadline.
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					s.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever is buffered, then flush with bounded deadline.
		drain:
			for {
				select {
				case ev, ok := <-s.eventChan:
					if !ok {
						break drain
					}
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

// flush writes a batch of events to the store.
// Errors are logged but never propagated; the journal must not fail requests.
func (s *JournalService) flush(ctx context.Context, batch []journal.Event) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write journal batch", "error", err, "count", len(batch))
	}
}
