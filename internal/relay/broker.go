package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broker is the raw pub/sub fabric under the hub.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is confirmed by the broker.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

type Subscription interface {
	Payloads() <-chan []byte
	Close() error
}

// RedisBroker fans channels out across API instances with Redis Pub/Sub.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// The first reply is the SUBSCRIBE confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{ps: ps, out: make(chan []byte, 64), done: make(chan struct{})}
	go sub.pump(ps.Channel())
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump(src <-chan *redis.Message) {
	defer close(s.out)
	for msg := range src {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Payloads() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// MemoryBroker is an in-process Broker for tests and single-instance runs.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}

	dropMu sync.Mutex
	drop   func(channel string, payload []byte) bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[*memorySubscription]struct{}{}}
}

// SetDrop installs a filter that silently discards matching publishes; nil clears it.
func (b *MemoryBroker) SetDrop(fn func(channel string, payload []byte) bool) {
	b.dropMu.Lock()
	b.drop = fn
	b.dropMu.Unlock()
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.dropMu.Lock()
	drop := b.drop
	b.dropMu.Unlock()
	if drop != nil && drop(channel, payload) {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[channel] {
		cp := append([]byte(nil), payload...)
		select {
		case s.out <- cp:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySubscription{broker: b, channel: channel, out: make(chan []byte, 256)}
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = map[*memorySubscription]struct{}{}
	}
	b.subs[channel][s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Subscribers reports how many live subscriptions channel has.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	out     chan []byte
	once    sync.Once
}

func (s *memorySubscription) Payloads() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs[s.channel], s)
		if len(s.broker.subs[s.channel]) == 0 {
			delete(s.broker.subs, s.channel)
		}
		close(s.out)
		s.broker.mu.Unlock()
	})
	return nil
}
