package service

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tame-ai/tame/internal/domain/audit"
)

// Notification event types.
const (
	NotifyDecision = "decision"
	NotifyResult   = "result"
)

// Notification is pushed to subscribers when a log entry is created or sealed.
type Notification struct {
	Type  string       `json:"type"`
	Entry *audit.Entry `json:"entry"`
}

// subscriber is one registered notification consumer.
type subscriber struct {
	id        string
	sessionID string // empty means all sessions
	ch        chan Notification
}

// defaultSubscriberBuffer is the per-subscriber channel capacity.
const defaultSubscriberBuffer = 64

// Broadcaster fans decision and result notifications out to WebSocket and SSE
// subscribers. Delivery is lossy: when a subscriber's buffer is full the
// oldest notification is dropped so publishers never block. The audit log,
// not the notification stream, is the durable record.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	buffer  int
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewBroadcaster creates a Broadcaster with the default per-subscriber buffer.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]*subscriber),
		buffer: defaultSubscriberBuffer,
		logger: logger,
	}
}

// Subscribe registers a consumer. When sessionID is non-empty only
// notifications for that session are delivered. The returned id is passed to
// Unsubscribe when the consumer goes away.
func (b *Broadcaster) Subscribe(sessionID string) (string, <-chan Notification) {
	sub := &subscriber{
		id:        uuid.New().String(),
		sessionID: sessionID,
		ch:        make(chan Notification, b.buffer),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber registered", "subscriber_id", sub.id, "session_id", sessionID)
	return sub.id, sub.ch
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Publish delivers a notification to every matching subscriber without
// blocking. A full subscriber loses its oldest notification.
func (b *Broadcaster) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.sessionID != "" && n.Entry != nil && sub.sessionID != n.Entry.SessionID {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			// Buffer full: drop the oldest, then try once more. The second
			// send can still lose the race against the consumer; that is
			// fine, the stream is lossy.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- n:
			default:
			}
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total notifications dropped due to slow subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}
