// Command callclient runs one call endpoint against a coordinator: it
// drives the control API over HTTP and negotiates media over the relay
// gateway with a synthetic audio/video source.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/client"
	"call-coordinator/internal/relay"
	"call-coordinator/pkg/logger"
)

type options struct {
	apiURL         string
	token          string
	selfID         string
	conversationID string
	role           string
	callType       string
	grace          time.Duration
	ringTimeout    time.Duration
	logLevel       string
}

func main() {
	var o options
	flag.StringVar(&o.apiURL, "api", "http://localhost:8080", "coordinator base URL")
	flag.StringVar(&o.token, "token", os.Getenv("CALL_ACCESS_TOKEN"), "access token (defaults to $CALL_ACCESS_TOKEN)")
	flag.StringVar(&o.selfID, "self", "", "own participant id (token subject)")
	flag.StringVar(&o.conversationID, "conversation", "", "conversation id")
	flag.StringVar(&o.role, "role", string(client.RoleCaller), "caller or callee")
	flag.StringVar(&o.callType, "type", string(calls.CallTypeVideo), "audio or video")
	flag.DurationVar(&o.grace, "grace", 6*time.Second, "disconnect recovery window")
	flag.DurationVar(&o.ringTimeout, "ring-timeout", 2*time.Minute, "how long a callee waits for an incoming call")
	flag.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.Parse()

	log := logger.New("development", o.logLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, log); err != nil {
		log.Error("call client stopped", "err", err)
		os.Exit(1)
	}
}

func (o options) validate() error {
	var missing []string
	if o.token == "" {
		missing = append(missing, "-token")
	}
	if o.selfID == "" {
		missing = append(missing, "-self")
	}
	if o.conversationID == "" {
		missing = append(missing, "-conversation")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	if o.role != string(client.RoleCaller) && o.role != string(client.RoleCallee) {
		return fmt.Errorf("invalid -role %q", o.role)
	}
	if !calls.CallType(o.callType).Valid() {
		return fmt.Errorf("invalid -type %q", o.callType)
	}
	return nil
}

func run(ctx context.Context, o options, log *slog.Logger) error {
	if err := o.validate(); err != nil {
		return err
	}
	log = log.With("self_id", o.selfID, "conversation_id", o.conversationID)

	api := client.NewHTTPController(o.apiURL, o.token, nil)
	servers, err := api.ICEServers(ctx)
	if err != nil {
		return fmt.Errorf("fetch ice servers: %w", err)
	}

	ws, err := relay.DialWS(ctx, signalURL(o.apiURL), o.token, 0, log)
	if err != nil {
		return err
	}
	defer ws.Close()
	endpoint := relay.NewEndpoint(ws, relay.NewPublisher(ws, relay.RetryPolicy{}, log))

	cfg := client.Config{
		SelfID:         o.selfID,
		ConversationID: o.conversationID,
		CallType:       calls.CallType(o.callType),
		Role:           client.Role(o.role),
		WatchdogGrace:  o.grace,
		Signaler:       endpoint,
		Media:          client.SyntheticSource{StreamID: o.selfID, Log: log},
		NewPeer:        client.NewPionPeerFactory(servers, log),
		Controller:     api,
		Log:            log,
	}

	var m *client.Machine
	if cfg.Role == client.RoleCaller {
		res, err := api.StartCall(ctx, o.conversationID, cfg.CallType)
		if err != nil {
			return fmt.Errorf("start call: %w", err)
		}
		cfg.SessionID = res.Session.ID
		cfg.OfferOnAccept = true
		if m, err = startMachine(ctx, cfg); err != nil {
			return err
		}
		log.Info("ringing", "session_id", cfg.SessionID)
		if offered, err := offerIfAlreadyAccepted(ctx, api, m, o.conversationID, cfg.SessionID); err != nil {
			log.Warn("active call lookup failed", "err", err)
		} else if offered {
			log.Info("accepted before subscribe, offering")
		}
	} else {
		session, err := waitForRing(ctx, api, endpoint, o, log)
		if err != nil {
			return err
		}
		cfg.SessionID = session.ID
		cfg.CallType = session.CallType
		if m, err = startMachine(ctx, cfg); err != nil {
			return err
		}
		if _, err := api.Accept(ctx, o.conversationID, session.ID); err != nil {
			_ = m.Hangup()
			<-m.Done()
			return fmt.Errorf("accept call: %w", err)
		}
		log.Info("accepted", "session_id", session.ID)
	}

	return supervise(ctx, m, ws, log)
}

func startMachine(ctx context.Context, cfg client.Config) (*client.Machine, error) {
	m, err := client.NewMachine(cfg)
	if err != nil {
		return nil, err
	}
	// The machine outlives ctx so Hangup can still publish its bye.
	if err := m.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return m, nil
}

type activeLookup interface {
	Active(ctx context.Context, conversationID string) (*calls.Session, error)
}

type offerer interface {
	Call() error
}

// offerIfAlreadyAccepted covers an accept that landed before the machine
// subscribed to its participant channel.
func offerIfAlreadyAccepted(ctx context.Context, api activeLookup, m offerer, conversationID, sessionID string) (bool, error) {
	s, err := api.Active(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if s == nil || s.ID != sessionID || s.Status != calls.StatusConnected {
		return false, nil
	}
	return true, m.Call()
}

// waitForRing returns the conversation's ringing session addressed to the
// callee, either already active or announced on the participant channel.
func waitForRing(ctx context.Context, api *client.HTTPController, sig client.Signaler, o options, log *slog.Logger) (calls.Session, error) {
	lease, err := sig.Subscribe(ctx, relay.ParticipantChannel(o.selfID))
	if err != nil {
		return calls.Session{}, err
	}
	defer lease.Release()

	if s, err := api.Active(ctx, o.conversationID); err != nil {
		return calls.Session{}, err
	} else if s != nil && s.Status == calls.StatusRinging && s.CalleeID == o.selfID {
		return *s, nil
	}

	log.Info("waiting for incoming call")
	timer := time.NewTimer(o.ringTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return calls.Session{}, ctx.Err()
		case <-timer.C:
			return calls.Session{}, errors.New("no incoming call")
		case msg, ok := <-lease.Messages():
			if !ok {
				return calls.Session{}, relay.ErrClientClosed
			}
			if msg.Type != relay.TypeRinging || msg.ConversationID != o.conversationID {
				continue
			}
			s, err := api.Active(ctx, o.conversationID)
			if err != nil {
				return calls.Session{}, err
			}
			if s != nil && s.ID == msg.SessionID && s.Status == calls.StatusRinging {
				return *s, nil
			}
		}
	}
}

// supervise logs state changes and hangs up on interrupt or relay loss.
func supervise(ctx context.Context, m *client.Machine, ws *relay.WSClient, log *slog.Logger) error {
	interrupted := ctx.Done()
	lost := ws.Done()
	for {
		select {
		case s := <-m.Changes():
			log.Info("call state", "state", string(s))
		case n := <-m.Notifications():
			log.Info("call notification", "type", string(n.Type), "from", n.From)
		case <-interrupted:
			interrupted = nil
			log.Info("hanging up")
			_ = m.Hangup()
		case <-lost:
			lost = nil
			log.Warn("relay connection lost")
			_ = m.Hangup()
		case <-m.Done():
			if m.State() == client.StateFailed {
				return m.Err()
			}
			log.Info("call finished", "state", string(m.State()))
			return nil
		}
	}
}

func signalURL(apiURL string) string {
	u := strings.TrimRight(apiURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/signal"
}
