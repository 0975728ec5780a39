package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrSubscribeTimeout = errors.New("relay: subscribe timed out")
	ErrDeliveryFailed   = errors.New("relay: delivery failed")
	ErrHubClosed        = errors.New("relay: hub closed")
)

const leaseBuffer = 64

// Hub multiplexes broker subscriptions inside one process. Each channel has
// at most one broker subscription, shared by reference-counted leases; the
// broker subscription is closed when the last lease is released.
type Hub struct {
	broker  Broker
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	name  string
	ready chan struct{}
	err   error
	sub   Subscription
	refs  int

	mu     sync.Mutex
	leases map[*Lease]struct{}
}

// Lease is one holder's view of a channel. Release is idempotent and closes
// the message stream.
type Lease struct {
	channel string
	ch      chan Message
	release func(*Lease)
	once    sync.Once
}

func newLease(channel string, release func(*Lease)) *Lease {
	return &Lease{channel: channel, ch: make(chan Message, leaseBuffer), release: release}
}

func (l *Lease) Channel() string           { return l.channel }
func (l *Lease) Messages() <-chan Message { return l.ch }

func (l *Lease) Release() {
	l.once.Do(func() { l.release(l) })
}

// Subscriber hands out leases on relay channels.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (*Lease, error)
}

// NewHub builds a hub; subscribeTimeout bounds each broker subscription.
func NewHub(b Broker, subscribeTimeout time.Duration, log *slog.Logger) *Hub {
	if subscribeTimeout <= 0 {
		subscribeTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		broker:  b,
		timeout: subscribeTimeout,
		log:     log,
		topics:  map[string]*topic{},
	}
}

// Subscribe acquires a lease on channel, waiting for the broker to confirm
// the subscription for at most the hub's subscribe timeout.
func (h *Hub) Subscribe(ctx context.Context, channel string) (*Lease, error) {
	if _, err := ParseChannel(channel); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	t, exists := h.topics[channel]
	if !exists {
		t = &topic{name: channel, ready: make(chan struct{}), leases: map[*Lease]struct{}{}}
		h.topics[channel] = t
	}
	t.refs++
	h.mu.Unlock()

	if !exists {
		h.open(ctx, t)
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case <-t.ready:
	case <-ctx.Done():
		h.unref(t)
		return nil, ctx.Err()
	case <-timer.C:
		h.unref(t)
		return nil, fmt.Errorf("%w: %s", ErrSubscribeTimeout, channel)
	}
	if t.err != nil {
		h.unref(t)
		return nil, t.err
	}

	l := newLease(channel, func(l *Lease) {
		t.mu.Lock()
		if _, ok := t.leases[l]; ok {
			delete(t.leases, l)
			close(l.ch)
		}
		t.mu.Unlock()
		h.unref(t)
	})
	t.mu.Lock()
	t.leases[l] = struct{}{}
	t.mu.Unlock()
	return l, nil
}

func (h *Hub) open(ctx context.Context, t *topic) {
	subCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	sub, err := h.broker.Subscribe(subCtx, t.name)
	if err != nil && errors.Is(subCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s: %v", ErrSubscribeTimeout, t.name, err)
	}

	if err != nil {
		h.mu.Lock()
		if h.topics[t.name] == t {
			delete(h.topics, t.name)
		}
		h.mu.Unlock()
		t.err = err
		close(t.ready)
		return
	}

	t.sub = sub
	close(t.ready)
	go h.pump(t)
}

func (h *Hub) pump(t *topic) {
	for payload := range t.sub.Payloads() {
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.log.Warn("relay: dropping undecodable payload", "channel", t.name, "error", err)
			continue
		}
		t.mu.Lock()
		for l := range t.leases {
			select {
			case l.ch <- msg:
			default:
				h.log.Warn("relay: lease buffer full, dropping message", "channel", t.name, "type", msg.Type)
			}
		}
		t.mu.Unlock()
	}

	// Broker side closed: end every remaining lease stream.
	t.mu.Lock()
	for l := range t.leases {
		delete(t.leases, l)
		close(l.ch)
	}
	t.mu.Unlock()
}

func (h *Hub) unref(t *topic) {
	h.mu.Lock()
	t.refs--
	last := t.refs == 0
	if last && h.topics[t.name] == t {
		delete(h.topics, t.name)
	}
	h.mu.Unlock()

	if last && t.sub != nil {
		if err := t.sub.Close(); err != nil {
			h.log.Warn("relay: closing subscription", "channel", t.name, "error", err)
		}
	}
}

// Refs reports the live lease count of channel.
func (h *Hub) Refs(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[channel]; ok {
		return t.refs
	}
	return 0
}

// Send publishes msg on channel through the broker. It makes Hub a Transport.
func (h *Hub) Send(ctx context.Context, channel string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return h.broker.Publish(ctx, channel, payload)
}

// Close drops every broker subscription. Outstanding leases see their
// message streams close.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	topics := h.topics
	h.topics = map[string]*topic{}
	h.mu.Unlock()

	for _, t := range topics {
		<-t.ready
		if t.sub != nil {
			_ = t.sub.Close()
		}
	}
}
