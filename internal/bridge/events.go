// ABOUTME: In-memory fan-out broadcaster for uncorrelated server notifications
// ABOUTME: Publishes frames to all subscribers of a server slug

package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tunacasserole/thebridge-sub004/internal/protocol"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub for server-originated
// notifications. Subscribers register for a slug and receive every
// uncorrelated frame the reader loop sees on that server's stdout.
// Streaming sessions consume this without polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *protocol.Message // slug -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *protocol.Message),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for notifications from the given slug.
// Returns a channel that receives frames and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, slug string) (<-chan *protocol.Message, string) {
	subID := uuid.New().String()
	ch := make(chan *protocol.Message, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[slug]; !ok {
		b.subscribers[slug] = make(map[string]chan *protocol.Message)
	}
	b.subscribers[slug][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "slug", slug, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(slug, subID)
	}()

	return ch, subID
}

// Publish sends a frame to all subscribers of the given slug.
// Non-blocking: frames are dropped for subscribers whose channels are full.
// The sends happen under the read lock so an Unsubscribe cannot close a
// channel mid-fan-out; Unsubscribe needs the write lock to do so.
func (b *Broadcaster) Publish(slug string, msg *protocol.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[slug] {
		select {
		case ch <- msg:
		default:
			b.logger.Debug("dropped notification for slow subscriber",
				"slug", slug,
				"method", msg.Method)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(slug, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[slug]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, slug)
	}

	b.logger.Debug("subscriber removed", "slug", slug, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for slug, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, slug)
	}

	b.logger.Debug("broadcaster closed")
}
