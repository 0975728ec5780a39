package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"call-coordinator/internal/auth"
	"call-coordinator/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 << 10
	outboundBuffer = 128
)

var ErrForbiddenChannel = errors.New("relay: channel not permitted")

// Authorizer decides whether participantID may use channel.
type Authorizer interface {
	AuthorizeChannel(ctx context.Context, participantID, channel string) error
}

// Gateway exposes the relay to endpoints over websockets.
type Gateway struct {
	hub       *Hub
	publisher *Publisher
	authz     Authorizer
	log       *slog.Logger
	upgrader  websocket.Upgrader
}

// NewGateway builds a gateway. allowedOrigins empty accepts any origin.
func NewGateway(hub *Hub, pub *Publisher, authz Authorizer, log *slog.Logger, allowedOrigins []string) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &Gateway{
		hub:       hub,
		publisher: pub,
		authz:     authz,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 65536,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
	}
}

// Handler upgrades an authenticated request (auth.RequireAccessToken must run first).
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := auth.UserID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.FromGin(c).Warn("relay: websocket upgrade failed", "error", err)
			return
		}
		l := logger.FromGin(c).With("participant_id", uid)
		// The request context ends with the handler; the connection owns its own.
		ctx := logger.With(context.WithoutCancel(c.Request.Context()), l)
		g.serve(ctx, ws, uid, l)
	}
}

type gatewayConn struct {
	g             *Gateway
	ws            *websocket.Conn
	participantID string
	log           *slog.Logger

	out  chan Frame
	done chan struct{}

	mu     sync.Mutex
	leases map[string]*Lease
	closed bool
	wg     sync.WaitGroup
}

func (g *Gateway) serve(ctx context.Context, ws *websocket.Conn, participantID string, l *slog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	conn := &gatewayConn{
		g:             g,
		ws:            ws,
		participantID: participantID,
		log:           l,
		out:           make(chan Frame, outboundBuffer),
		done:          make(chan struct{}),
		leases:        map[string]*Lease{},
	}
	l.Info("relay: endpoint connected")

	go conn.writeLoop()
	conn.readLoop(ctx)

	cancel()
	conn.releaseAll()
	close(conn.done)
	conn.wg.Wait()
	_ = ws.Close()
	l.Info("relay: endpoint disconnected")
}

func (c *gatewayConn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("relay: read failed", "error", err)
			}
			return
		}
		switch f.Op {
		case OpSubscribe:
			c.spawn(func() { c.subscribe(ctx, f) })
		case OpUnsubscribe:
			c.unsubscribe(f)
		case OpPublish:
			c.spawn(func() { c.publish(ctx, f) })
		default:
			c.send(Frame{Op: OpError, Ref: f.Ref, Error: "unknown op"})
		}
	}
}

func (c *gatewayConn) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *gatewayConn) subscribe(ctx context.Context, f Frame) {
	if err := c.g.authz.AuthorizeChannel(ctx, c.participantID, f.Channel); err != nil {
		c.send(Frame{Op: OpError, Ref: f.Ref, Channel: f.Channel, Error: errorText(err)})
		return
	}

	c.mu.Lock()
	_, already := c.leases[f.Channel]
	c.mu.Unlock()
	if already {
		c.send(Frame{Op: OpSubscribed, Ref: f.Ref, Channel: f.Channel})
		return
	}

	lease, err := c.g.hub.Subscribe(ctx, f.Channel)
	if err != nil {
		c.send(Frame{Op: OpError, Ref: f.Ref, Channel: f.Channel, Error: errorText(err)})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		lease.Release()
		return
	}
	if _, raced := c.leases[f.Channel]; raced {
		c.mu.Unlock()
		lease.Release()
		c.send(Frame{Op: OpSubscribed, Ref: f.Ref, Channel: f.Channel})
		return
	}
	c.leases[f.Channel] = lease
	c.mu.Unlock()

	c.send(Frame{Op: OpSubscribed, Ref: f.Ref, Channel: f.Channel})
	c.spawn(func() {
		for msg := range lease.Messages() {
			m := msg
			c.send(Frame{Op: OpMessage, Channel: lease.Channel(), Message: &m})
		}
	})
}

func (c *gatewayConn) unsubscribe(f Frame) {
	c.mu.Lock()
	lease, ok := c.leases[f.Channel]
	delete(c.leases, f.Channel)
	c.mu.Unlock()
	if ok {
		lease.Release()
	}
	c.send(Frame{Op: OpAck, Ref: f.Ref, Channel: f.Channel})
}

func (c *gatewayConn) publish(ctx context.Context, f Frame) {
	if f.Message == nil {
		c.send(Frame{Op: OpError, Ref: f.Ref, Channel: f.Channel, Error: "message required"})
		return
	}
	ref, err := ParseChannel(f.Channel)
	if err != nil {
		c.send(Frame{Op: OpError, Ref: f.Ref, Channel: f.Channel, Error: errorText(err)})
		return
	}
	// Participant channels carry control-plane notifications issued by the server.
	if !ref.IsConversation() {
		c.send(Frame{Op: OpError, Ref: f.Ref, Channel: f.Channel, Error: ErrForbiddenChannel.Error()})
		return
	}
	if err := c.g.authz.AuthorizeChannel(ctx, c.participantID, f.Channel); err != nil {
		c.send(Frame{Op: OpError, Ref: f.Ref, Channel: f.Channel, Error: errorText(err)})
		return
	}

	msg := *f.Message
	msg.From = c.participantID
	if msg.ConversationID == "" {
		msg.ConversationID = ref.ID
	}
	if err := c.g.publisher.Publish(ctx, f.Channel, msg); err != nil {
		c.log.Warn("relay: publish from endpoint failed", "channel", f.Channel, "type", msg.Type, "error", err)
		c.send(Frame{Op: OpError, Ref: f.Ref, Channel: f.Channel, Error: errorText(err)})
		return
	}
	c.send(Frame{Op: OpAck, Ref: f.Ref, Channel: f.Channel})
}

func (c *gatewayConn) send(f Frame) {
	select {
	case c.out <- f:
	case <-c.done:
	}
}

func (c *gatewayConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.log.Debug("relay: write failed", "error", err)
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *gatewayConn) releaseAll() {
	c.mu.Lock()
	leases := c.leases
	c.leases = map[string]*Lease{}
	c.closed = true
	c.mu.Unlock()
	for _, l := range leases {
		l.Release()
	}
}

func errorText(err error) string {
	switch {
	case errors.Is(err, ErrForbiddenChannel):
		return ErrForbiddenChannel.Error()
	case errors.Is(err, ErrInvalidChannel), errors.Is(err, ErrInvalidMessage):
		return err.Error()
	case errors.Is(err, ErrSubscribeTimeout):
		return ErrSubscribeTimeout.Error()
	case errors.Is(err, ErrDeliveryFailed):
		return ErrDeliveryFailed.Error()
	default:
		return "internal error"
	}
}
