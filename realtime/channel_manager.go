package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ericfitz/realtime/internal/metrics"
	"github.com/ericfitz/realtime/internal/redisconn"
	"github.com/ericfitz/realtime/internal/slogging"
)

// PendingOp is the future for an in-flight subscribe or unsubscribe.
type PendingOp struct {
	done chan struct{}
	err  error
}

func newPendingOp() *PendingOp {
	return &PendingOp{done: make(chan struct{})}
}

func (p *PendingOp) settle(err error) {
	p.err = err
	close(p.done)
}

// Wait blocks until the operation settles or the context is done.
func (p *PendingOp) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the operation settles.
func (p *PendingOp) Done() <-chan struct{} {
	return p.done
}

// Err returns the settled result. Only valid after Done is closed.
func (p *PendingOp) Err() error {
	return p.err
}

type channelKey struct {
	sub     *redisconn.Subscriber
	channel string
}

// ChannelManager multiplexes per-room channel subscriptions onto the pooled
// backbone connections. Per (connection, channel) key there is at most one
// physical subscribe or unsubscribe in flight; concurrent requests queue
// logically, and the map entry always reflects the most recently issued
// operation.
type ChannelManager struct {
	mu      sync.Mutex
	pending map[channelKey]*PendingOp

	// publishOnIndividualChannels switches fanout publishes from the base
	// channel to per-id channels.
	publishOnIndividualChannels bool
}

// NewChannelManager creates a channel manager.
func NewChannelManager(publishOnIndividualChannels bool) *ChannelManager {
	return &ChannelManager{
		pending:                     make(map[channelKey]*PendingOp),
		publishOnIndividualChannels: publishOnIndividualChannels,
	}
}

// Subscribe issues a subscribe for "{baseChannel}:{id}" on the given
// backbone connection. The returned future settles once the physical call
// completes. A failed subscribe removes the map entry so the caller can
// safely retry.
func (m *ChannelManager) Subscribe(ctx context.Context, sub *redisconn.Subscriber, baseChannel, id string) *PendingOp {
	channel := fmt.Sprintf("%s:%s", baseChannel, id)
	key := channelKey{sub: sub, channel: channel}

	op := newPendingOp()
	m.mu.Lock()
	previous := m.pending[key]
	m.pending[key] = op
	m.mu.Unlock()

	go func() {
		if previous != nil {
			// Queue behind the previous operation for this key; its
			// outcome is its own caller's concern.
			<-previous.done
		}
		err := sub.Subscribe(ctx, channel)
		if err != nil {
			metrics.SubscribeErrors.WithLabelValues(baseChannel).Inc()
			slogging.Get().Warn("failed to subscribe to channel %s: %v", channel, err)
			m.cleanup(key, op)
			op.settle(fmt.Errorf("failed to subscribe to %s: %w", channel, err))
			return
		}
		slogging.Get().Debug("subscribed to channel %s", channel)
		op.settle(nil)
	}()

	return op
}

// Unsubscribe issues the symmetric unsubscribe for "{baseChannel}:{id}".
// The map entry is removed once the call settles, whether it succeeded or
// not; a stale entry must never mask a newer subscribe.
func (m *ChannelManager) Unsubscribe(ctx context.Context, sub *redisconn.Subscriber, baseChannel, id string) *PendingOp {
	channel := fmt.Sprintf("%s:%s", baseChannel, id)
	key := channelKey{sub: sub, channel: channel}

	op := newPendingOp()
	m.mu.Lock()
	previous := m.pending[key]
	m.pending[key] = op
	m.mu.Unlock()

	go func() {
		if previous != nil {
			<-previous.done
		}
		err := sub.Unsubscribe(ctx, channel)
		m.cleanup(key, op)
		if err != nil {
			metrics.UnsubscribeErrors.WithLabelValues(baseChannel).Inc()
			slogging.Get().Warn("failed to unsubscribe from channel %s: %v", channel, err)
			op.settle(fmt.Errorf("failed to unsubscribe from %s: %w", channel, err))
			return
		}
		slogging.Get().Debug("unsubscribed from channel %s", channel)
		op.settle(nil)
	}()

	return op
}

// cleanup deletes the map entry for key, but only if op is still the
// current entry: a newer operation supersedes and must be left untouched.
func (m *ChannelManager) cleanup(key channelKey, op *PendingOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[key] == op {
		delete(m.pending, key)
	}
}

// Publish writes a payload to the backbone. The channel is the base name,
// or "{baseChannel}:{id}" when per-id fanout is enabled; the "all" id always
// uses the base channel so broadcasts reach every process.
func (m *ChannelManager) Publish(ctx context.Context, pub *redis.Client, baseChannel, id string, data []byte) error {
	channel := baseChannel
	if m.publishOnIndividualChannels && id != "all" {
		channel = fmt.Sprintf("%s:%s", baseChannel, id)
	}
	metrics.PublishBytes.WithLabelValues(baseChannel).Observe(float64(len(data)))
	if err := pub.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// pendingCount is a test hook reporting the number of tracked entries.
func (m *ChannelManager) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
