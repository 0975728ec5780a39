package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrAckTimeout   = errors.New("relay: ack timed out")
	ErrClientClosed = errors.New("relay: client closed")
)

// WSClient is the endpoint side of the gateway. Requests wait for the
// matching subscribed/ack reply; it satisfies Subscriber and Transport.
type WSClient struct {
	ws         *websocket.Conn
	log        *slog.Logger
	ackTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	subs    map[string]map[*Lease]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to the gateway at url (ws:// or wss://) with a bearer token.
func DialWS(ctx context.Context, url, accessToken string, ackTimeout time.Duration, log *slog.Logger) (*WSClient, error) {
	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	header := http.Header{}
	if accessToken != "" {
		header.Set("Authorization", "Bearer "+accessToken)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay gateway: %w", err)
	}
	return newWSClient(ws, ackTimeout, log), nil
}

func newWSClient(ws *websocket.Conn, ackTimeout time.Duration, log *slog.Logger) *WSClient {
	c := &WSClient{
		ws:         ws,
		log:        log,
		ackTimeout: ackTimeout,
		pending:    map[string]chan Frame{},
		subs:       map[string]map[*Lease]struct{}{},
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed once the connection is gone.
func (c *WSClient) Done() <-chan struct{} { return c.done }

// Subscribe registers the lease before asking the gateway, so messages
// delivered between the server-side subscribe and its ack are kept.
func (c *WSClient) Subscribe(ctx context.Context, channel string) (*Lease, error) {
	l := newLease(channel, c.release)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClientClosed
	default:
	}
	first := len(c.subs[channel]) == 0
	if first {
		c.subs[channel] = map[*Lease]struct{}{}
	}
	c.subs[channel][l] = struct{}{}
	c.mu.Unlock()

	if !first {
		return l, nil
	}
	if _, err := c.request(ctx, Frame{Op: OpSubscribe, Channel: channel}); err != nil {
		c.forget(l)
		if errors.Is(err, ErrAckTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrSubscribeTimeout, channel)
		}
		return nil, err
	}
	return l, nil
}

// forget drops a lease whose subscribe was never confirmed.
func (c *WSClient) forget(l *Lease) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.subs[l.channel]
	if _, ok := set[l]; !ok {
		return
	}
	delete(set, l)
	close(l.ch)
	if len(set) == 0 {
		delete(c.subs, l.channel)
	}
}

func (c *WSClient) release(l *Lease) {
	c.mu.Lock()
	set := c.subs[l.channel]
	if _, ok := set[l]; ok {
		delete(set, l)
		close(l.ch)
	}
	last := len(set) == 0
	if last {
		delete(c.subs, l.channel)
	}
	c.mu.Unlock()

	if last {
		// Best effort; the server drops subscriptions on disconnect anyway.
		_ = c.write(Frame{Op: OpUnsubscribe, Ref: uuid.NewString(), Channel: l.channel})
	}
}

// Send publishes one message and waits for the gateway's ack.
func (c *WSClient) Send(ctx context.Context, channel string, msg Message) error {
	_, err := c.request(ctx, Frame{Op: OpPublish, Channel: channel, Message: &msg})
	return err
}

func (c *WSClient) request(ctx context.Context, f Frame) (Frame, error) {
	f.Ref = uuid.NewString()
	reply := make(chan Frame, 1)

	c.mu.Lock()
	c.pending[f.Ref] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Ref)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return Frame{}, err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		if r.Op == OpError {
			return r, fmt.Errorf("relay: gateway rejected %s on %s: %s", f.Op, f.Channel, r.Error)
		}
		return r, nil
	case <-timer.C:
		return Frame{}, fmt.Errorf("%w: %s %s", ErrAckTimeout, f.Op, f.Channel)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, ErrClientClosed
	}
}

func (c *WSClient) write(f Frame) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("relay: write frame: %w", err)
	}
	return nil
}

func (c *WSClient) readLoop() {
	defer c.shutdown()
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("relay: gateway connection lost", "error", err)
			}
			return
		}

		if f.Op == OpMessage {
			if f.Message == nil {
				continue
			}
			c.mu.Lock()
			for l := range c.subs[f.Channel] {
				select {
				case l.ch <- *f.Message:
				default:
					c.log.Warn("relay: lease buffer full, dropping message", "channel", f.Channel, "type", f.Message.Type)
				}
			}
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[f.Ref]
		c.mu.Unlock()
		if ok {
			select {
			case reply <- f:
			default:
			}
		}
	}
}

func (c *WSClient) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		for ch, set := range c.subs {
			for l := range set {
				close(l.ch)
			}
			delete(c.subs, ch)
		}
		c.mu.Unlock()
		_ = c.ws.Close()
	})
}

// Close sends a close frame and tears the connection down.
func (c *WSClient) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}
