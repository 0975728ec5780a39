package relay

import "context"

// Endpoint is one participant's handle on the relay: leases for inbound
// channels and a retrying publisher for outbound messages.
type Endpoint struct {
	subscriber Subscriber
	publisher  *Publisher
}

func NewEndpoint(sub Subscriber, pub *Publisher) *Endpoint {
	return &Endpoint{subscriber: sub, publisher: pub}
}

func (e *Endpoint) Subscribe(ctx context.Context, channel string) (*Lease, error) {
	return e.subscriber.Subscribe(ctx, channel)
}

func (e *Endpoint) Publish(ctx context.Context, channel string, msg Message) error {
	return e.publisher.Publish(ctx, channel, msg)
}
