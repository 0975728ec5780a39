package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"call-coordinator/pkg/logger"

	"github.com/google/uuid"
)

// Transport performs one delivery attempt. A nil error is the acknowledgment.
type Transport interface {
	Send(ctx context.Context, channel string, msg Message) error
}

type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	out := p
	if out.Attempts <= 0 {
		out.Attempts = 3
	}
	if out.Backoff <= 0 {
		out.Backoff = 300 * time.Millisecond
	}
	return out
}

// Publisher delivers messages at-least-once: each attempt waits for the
// transport's acknowledgment and failures are retried with linear backoff
// (Backoff x attempt).
type Publisher struct {
	transport Transport
	policy    RetryPolicy
	log       *slog.Logger
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewPublisher(t Transport, policy RetryPolicy, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		transport: t,
		policy:    policy.withDefaults(),
		log:       log,
		clock:     time.Now,
		sleep:     sleepCtx,
	}
}

// Publish returns an error wrapping ErrDeliveryFailed once retries are exhausted.
func (p *Publisher) Publish(ctx context.Context, channel string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = p.clock().UTC()
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= p.policy.Attempts; attempt++ {
		lastErr = p.transport.Send(ctx, channel, msg)
		if lastErr == nil {
			return nil
		}
		p.logger(ctx).Debug("relay: publish attempt failed",
			"channel", channel,
			"type", msg.Type,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == p.policy.Attempts {
			break
		}
		if err := p.sleep(ctx, p.policy.Backoff*time.Duration(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	return fmt.Errorf("%w: %s on %s: %v", ErrDeliveryFailed, msg.Type, channel, lastErr)
}

// Notify is Publish with failures logged and swallowed.
func (p *Publisher) Notify(ctx context.Context, channel string, msg Message) {
	if err := p.Publish(ctx, channel, msg); err != nil {
		p.logger(ctx).Warn("relay: signaling delivery failed",
			"channel", channel,
			"type", msg.Type,
			"attempts", p.policy.Attempts,
			"error", err,
		)
	}
}

func (p *Publisher) logger(ctx context.Context) *slog.Logger {
	if l := logger.From(ctx); l != slog.Default() {
		return l
	}
	return p.log
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
