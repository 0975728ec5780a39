package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []Message
}

func (f *flakyTransport) Send(ctx context.Context, channel string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func newTestPublisher(t Transport, attempts int) (*Publisher, *[]time.Duration) {
	p := NewPublisher(t, RetryPolicy{Attempts: attempts, Backoff: 300 * time.Millisecond}, nil)
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return p, &slept
}

func bye() Message {
	return Message{Type: TypeBye, From: "alice", ConversationID: "c1"}
}

func TestPublisher_RetriesWithLinearBackoff(t *testing.T) {
	tr := &flakyTransport{failures: 2}
	p, slept := newTestPublisher(tr, 3)

	err := p.Publish(context.Background(), ConversationChannel("c1"), bye())
	require.NoError(t, err)
	require.Equal(t, 3, tr.calls)
	require.Equal(t, []time.Duration{300 * time.Millisecond, 600 * time.Millisecond}, *slept)
	require.Len(t, tr.sent, 1)
	require.NotEmpty(t, tr.sent[0].ID)
	require.False(t, tr.sent[0].SentAt.IsZero())
}

func TestPublisher_ExhaustedRetriesReturnDeliveryFailed(t *testing.T) {
	tr := &flakyTransport{failures: 10}
	p, slept := newTestPublisher(tr, 3)

	err := p.Publish(context.Background(), ConversationChannel("c1"), bye())
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.Equal(t, 3, tr.calls)
	require.Len(t, *slept, 2)
}

func TestPublisher_NotifySwallowsFailure(t *testing.T) {
	tr := &flakyTransport{failures: 10}
	p, _ := newTestPublisher(tr, 2)

	p.Notify(context.Background(), ParticipantChannel("bob"), Message{Type: TypeRinging, From: "alice"})
	require.Equal(t, 2, tr.calls)
}

func TestPublisher_RejectsInvalidMessage(t *testing.T) {
	tr := &flakyTransport{}
	p, _ := newTestPublisher(tr, 3)

	err := p.Publish(context.Background(), ConversationChannel("c1"), Message{Type: TypeOffer, From: "alice"})
	require.ErrorIs(t, err, ErrInvalidMessage)
	require.Zero(t, tr.calls)
}

func TestPublisher_StopsOnContextCancel(t *testing.T) {
	tr := &flakyTransport{failures: 10}
	p, _ := newTestPublisher(tr, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, ConversationChannel("c1"), bye())
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.Equal(t, 1, tr.calls)
}
