// Package redisconn manages the Redis connections used by the hub: one
// general-purpose client for presence and coordination state, plus a pair of
// connection pools for the pub/sub backbone (one for publishing, one for
// subscribing).
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ericfitz/realtime/internal/slogging"
)

// ErrSubscriberClosed is returned by Subscribe and Unsubscribe on a closed
// Subscriber.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Config holds the configuration for Redis connections
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NewClient creates a Redis client and verifies the connection with a ping
func NewClient(cfg Config) (*redis.Client, error) {
	logger := slogging.Get()
	logger.Debug("Initializing Redis connection to %s:%s DB=%d", cfg.Host, cfg.Port, cfg.DB)

	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Debug("Redis connection established successfully")

	return client, nil
}

// Subscriber wraps one backbone subscribe connection. go-redis multiplexes
// channel subscriptions onto a single PubSub per connection; the hub keeps a
// small pool of these so one slow consumer cannot back up all fanout.
//
// The server acknowledges SUBSCRIBE and UNSUBSCRIBE commands in-band on the
// pub/sub connection, so the Subscriber owns the receive loop: inbound
// messages are forwarded on an internal channel, and acknowledgements settle
// the waiter that issued the matching command.
type Subscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
	msgs   chan *redis.Message
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	waiters map[ackKey][]chan struct{}
}

// ackKey identifies one expected acknowledgement: kind is "subscribe" or
// "unsubscribe".
type ackKey struct {
	kind    string
	channel string
}

// NewSubscriber creates a subscribe-pool entry with an open PubSub
func NewSubscriber(cfg Config) (*Subscriber, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	s := &Subscriber{
		client: client,
		// Subscribe with no channels; channels are added dynamically.
		pubsub:  client.Subscribe(context.Background()),
		msgs:    make(chan *redis.Message, 256),
		done:    make(chan struct{}),
		waiters: make(map[ackKey][]chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

// receiveLoop reads the pub/sub connection, forwarding messages and settling
// acknowledgement waiters. Reconnects re-issue tracked subscriptions inside
// go-redis, so stray acknowledgements with no waiter are expected and dropped.
func (s *Subscriber) receiveLoop() {
	defer close(s.msgs)
	for {
		msg, err := s.pubsub.Receive(context.Background())
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			s.acknowledge(m.Kind, m.Channel)
		case *redis.Message:
			select {
			case s.msgs <- m:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscriber) expectAck(kind, channel string) chan struct{} {
	ack := make(chan struct{})
	key := ackKey{kind: kind, channel: channel}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[key] = append(s.waiters[key], ack)
	return ack
}

func (s *Subscriber) acknowledge(kind, channel string) {
	key := ackKey{kind: kind, channel: channel}
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.waiters[key]
	if len(queue) == 0 {
		return
	}
	close(queue[0])
	if len(queue) == 1 {
		delete(s.waiters, key)
	} else {
		s.waiters[key] = queue[1:]
	}
}

func (s *Subscriber) abandonAck(kind, channel string, ack chan struct{}) {
	key := ackKey{kind: kind, channel: channel}
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.waiters[key]
	for i, w := range queue {
		if w == ack {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(s.waiters, key)
	} else {
		s.waiters[key] = queue
	}
}

// Subscribe adds a channel to this connection's subscription set. It returns
// only once the server has acknowledged the subscription, so a message
// published after Subscribe returns cannot be missed.
func (s *Subscriber) Subscribe(ctx context.Context, channel string) error {
	ack := s.expectAck("subscribe", channel)
	if err := s.pubsub.Subscribe(ctx, channel); err != nil {
		s.abandonAck("subscribe", channel, ack)
		return err
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		s.abandonAck("subscribe", channel, ack)
		return ctx.Err()
	case <-s.done:
		return ErrSubscriberClosed
	}
}

// Unsubscribe removes a channel from this connection's subscription set,
// returning once the server has acknowledged the removal.
func (s *Subscriber) Unsubscribe(ctx context.Context, channel string) error {
	ack := s.expectAck("unsubscribe", channel)
	if err := s.pubsub.Unsubscribe(ctx, channel); err != nil {
		s.abandonAck("unsubscribe", channel, ack)
		return err
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		s.abandonAck("unsubscribe", channel, ack)
		return ctx.Err()
	case <-s.done:
		return ErrSubscriberClosed
	}
}

// Messages returns the stream of inbound messages for this connection. The
// channel is closed when the Subscriber is.
func (s *Subscriber) Messages() <-chan *redis.Message {
	return s.msgs
}

// Close tears down the PubSub and the underlying connection
func (s *Subscriber) Close() error {
	s.once.Do(func() { close(s.done) })
	if err := s.pubsub.Close(); err != nil {
		slogging.Get().Warn("error closing pubsub: %v", err)
	}
	return s.client.Close()
}

// Pools holds the publish and subscribe connection pools for the backbone
type Pools struct {
	Pub []*redis.Client
	Sub []*Subscriber
}

// NewPools creates size publish clients and size subscribers
func NewPools(cfg Config, size int) (*Pools, error) {
	pools := &Pools{}
	for i := 0; i < size; i++ {
		pub, err := NewClient(cfg)
		if err != nil {
			pools.Close()
			return nil, fmt.Errorf("creating publish client %d: %w", i, err)
		}
		pools.Pub = append(pools.Pub, pub)

		sub, err := NewSubscriber(cfg)
		if err != nil {
			pools.Close()
			return nil, fmt.Errorf("creating subscriber %d: %w", i, err)
		}
		pools.Sub = append(pools.Sub, sub)
	}
	return pools, nil
}

// Close closes every pooled connection
func (p *Pools) Close() {
	for _, pub := range p.Pub {
		if err := pub.Close(); err != nil {
			slogging.Get().Warn("error closing publish client: %v", err)
		}
	}
	for _, sub := range p.Sub {
		if err := sub.Close(); err != nil {
			slogging.Get().Warn("error closing subscriber: %v", err)
		}
	}
}
