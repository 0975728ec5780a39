package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/relay"
)

const (
	defaultWatchdogGrace = 6 * time.Second
	sendTimeout          = 5 * time.Second
	eventBuffer          = 64
	outboxBuffer         = 256
)

type Config struct {
	SelfID         string
	ConversationID string
	SessionID      string
	CallType       calls.CallType
	Role           Role

	// OfferOnAccept makes a caller send its offer when the callee's
	// "accepted" notification arrives instead of waiting for Call.
	OfferOnAccept bool

	// WatchdogGrace bounds how long a disconnected peer may take to recover.
	WatchdogGrace time.Duration

	Signaler   Signaler
	Media      MediaSource
	NewPeer    PeerFactory
	Controller Controller
	Log        *slog.Logger
}

// Machine is one endpoint's call state machine. Every input (local
// actions, relay messages, peer callbacks, the watchdog) is funneled through
// a single goroutine, so no two transitions run concurrently.
type Machine struct {
	cfg Config
	log *slog.Logger

	events  chan event
	outbox  chan outbound
	changes chan State
	notes   chan relay.Message
	stopped chan struct{}
	done    chan struct{}

	started   atomic.Bool
	startOnce sync.Once

	// postMu orders posts against loop exit; closed rejects posts after it.
	postMu sync.Mutex
	closed bool

	mu    sync.RWMutex
	state State
	cause error

	ctx     context.Context
	cancel  context.CancelFunc
	sendCtx context.Context

	// Owned by the event loop.
	peer         PeerConnection
	media        Media
	leases       []*relay.Lease
	acquiring    bool
	offerOnReady bool
	pendingOffer *relay.SessionDescription
	remoteSDP    string
	queued       []relay.ICECandidate
	seen         map[string]struct{}
	watchdog     *time.Timer
	watchGen     uint64
	armed        bool
	audioOn      bool
	videoOn      bool
}

func NewMachine(cfg Config) (*Machine, error) {
	if cfg.SelfID == "" || cfg.ConversationID == "" {
		return nil, errors.New("client: self id and conversation id required")
	}
	if cfg.Signaler == nil || cfg.Media == nil || cfg.NewPeer == nil {
		return nil, errors.New("client: signaler, media source and peer factory required")
	}
	if cfg.CallType == "" {
		cfg.CallType = calls.CallTypeVideo
	}
	if !cfg.CallType.Valid() {
		return nil, fmt.Errorf("client: invalid call type %q", cfg.CallType)
	}
	if cfg.Role == "" {
		cfg.Role = RoleCallee
	}
	if cfg.WatchdogGrace <= 0 {
		cfg.WatchdogGrace = defaultWatchdogGrace
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		cfg: cfg,
		log: log.With(
			"component", "call_client",
			"self_id", cfg.SelfID,
			"conversation_id", cfg.ConversationID,
			"role", string(cfg.Role),
		),
		events:  make(chan event, eventBuffer),
		outbox:  make(chan outbound, outboxBuffer),
		changes: make(chan State, 16),
		notes:   make(chan relay.Message, 16),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateIdle,
		seen:    map[string]struct{}{},
		audioOn: true,
		videoOn: true,
	}, nil
}

/* ===================== PUBLIC API ===================== */

// Start subscribes to the conversation and participant channels and runs the
// event loop until the call reaches a terminal state or ctx is cancelled.
func (m *Machine) Start(ctx context.Context) error {
	err := errors.New("client: already started")
	m.startOnce.Do(func() { err = m.start(ctx) })
	return err
}

func (m *Machine) start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.sendCtx = context.WithoutCancel(ctx)

	for _, ch := range []string{relay.ConversationChannel(m.cfg.ConversationID), relay.ParticipantChannel(m.cfg.SelfID)} {
		lease, err := m.cfg.Signaler.Subscribe(ctx, ch)
		if err != nil {
			for _, l := range m.leases {
				l.Release()
			}
			m.leases = nil
			m.cancel()
			m.setState(StateFailed, err)
			close(m.stopped)
			close(m.done)
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
		m.leases = append(m.leases, lease)
	}

	m.started.Store(true)
	go m.sendLoop()
	for _, l := range m.leases {
		go m.forward(l)
	}
	go m.loop()
	return nil
}

// Call starts the caller side: acquire media, then send an offer.
func (m *Machine) Call() error { return m.submit(evCall{}) }

// Hangup ends the call locally. Safe to call at any time, any number of times.
func (m *Machine) Hangup() error { return m.submit(evHangup{}) }

// Renegotiate sends a fresh offer with an ICE restart, keeping media and
// the session in place.
func (m *Machine) Renegotiate() error { return m.submit(evRenegotiate{}) }

func (m *Machine) SetMuted(muted bool) error {
	on := !muted
	return m.submit(evToggle{audio: &on})
}

func (m *Machine) SetCameraOff(off bool) error {
	on := !off
	return m.submit(evToggle{video: &on})
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err is the reason the machine failed, if it did.
func (m *Machine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cause
}

// Changes streams state transitions. Slow readers miss intermediate states.
func (m *Machine) Changes() <-chan State { return m.changes }

// Notifications streams control-plane messages (ringing, accepted) received
// on the participant channel.
func (m *Machine) Notifications() <-chan relay.Message { return m.notes }

// Done is closed once the machine is terminal and its outbound queue
// (including the final bye) has drained.
func (m *Machine) Done() <-chan struct{} { return m.done }

/* ===================== EVENT LOOP ===================== */

type event any

type (
	evCall           struct{}
	evHangup         struct{}
	evRenegotiate    struct{}
	evMessage        struct{ msg relay.Message }
	evLocalCandidate struct{ candidate relay.ICECandidate }
	evPeerState      struct{ state PeerState }
	evWatchdog       struct{ gen uint64 }
	evMediaReady     struct {
		media Media
		err   error
	}
	evToggle struct{ audio, video *bool }
)

type outbound struct {
	what string
	run  func(ctx context.Context) error
}

func (m *Machine) submit(ev event) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	m.post(ev)
	return nil
}

// post hands ev to the loop; false once the loop has exited.
func (m *Machine) post(ev event) bool {
	m.postMu.Lock()
	defer m.postMu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-m.stopped:
		return false
	}
}

func (m *Machine) forward(l *relay.Lease) {
	for msg := range l.Messages() {
		if !m.post(evMessage{msg: msg}) {
			return
		}
	}
}

func (m *Machine) loop() {
	defer m.shutdown()
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-m.ctx.Done():
			m.finish(StateEnded, nil, false)
		}
		if m.State().IsTerminal() {
			return
		}
	}
}

// shutdown stops intake, then stops media from acquisitions that finished
// after the call ended.
func (m *Machine) shutdown() {
	close(m.stopped)
	m.postMu.Lock()
	m.closed = true
	m.postMu.Unlock()
	for {
		select {
		case ev := <-m.events:
			if e, ok := ev.(evMediaReady); ok && e.media != nil {
				e.media.Stop()
			}
		default:
			return
		}
	}
}

func (m *Machine) handle(ev event) {
	switch e := ev.(type) {
	case evCall:
		m.onCall()
	case evHangup:
		m.finish(StateEnded, nil, false)
	case evRenegotiate:
		m.onRenegotiate()
	case evMessage:
		m.onMessage(e.msg)
	case evMediaReady:
		m.onMediaReady(e.media, e.err)
	case evLocalCandidate:
		c := e.candidate
		m.send(relay.Message{Type: relay.TypeICECandidate, Candidate: &c})
	case evPeerState:
		m.onPeerState(e.state)
	case evWatchdog:
		if e.gen == m.watchGen && m.armed {
			m.log.Warn("peer did not recover before watchdog grace", "grace", m.cfg.WatchdogGrace)
			m.finish(StateEnded, nil, false)
		}
	case evToggle:
		if e.audio != nil {
			m.audioOn = *e.audio
		}
		if e.video != nil {
			m.videoOn = *e.video
		}
		m.applyToggles()
	}
}

func (m *Machine) onCall() {
	if m.State() != StateIdle {
		return
	}
	m.setState(StateConnecting, nil)
	m.offerOnReady = true
	m.acquire()
}

func (m *Machine) onRenegotiate() {
	if m.peer == nil || m.State().IsTerminal() {
		return
	}
	m.log.Info("renegotiating with ice restart")
	m.offer(true)
}

func (m *Machine) onMessage(msg relay.Message) {
	if msg.From == m.cfg.SelfID {
		return
	}
	if msg.SessionID != "" && m.cfg.SessionID != "" && msg.SessionID != m.cfg.SessionID {
		return
	}

	switch msg.Type {
	case relay.TypeOffer:
		if msg.SDP == nil || msg.SDP.SDP == m.remoteSDP {
			return
		}
		if m.peer != nil {
			m.answer(*msg.SDP)
			return
		}
		offer := *msg.SDP
		m.pendingOffer = &offer
		if m.State() == StateIdle {
			m.setState(StateConnecting, nil)
		}
		m.acquire()

	case relay.TypeAnswer:
		if m.peer == nil || msg.SDP == nil || msg.SDP.SDP == m.remoteSDP {
			return
		}
		if err := m.peer.SetRemoteDescription(*msg.SDP); err != nil {
			m.fail(err)
			return
		}
		m.remoteSDP = msg.SDP.SDP
		m.flushCandidates()

	case relay.TypeICECandidate:
		if msg.Candidate == nil {
			return
		}
		key := msg.Candidate.Key()
		if _, dup := m.seen[key]; dup {
			return
		}
		m.seen[key] = struct{}{}
		if m.peer == nil || m.remoteSDP == "" {
			m.queued = append(m.queued, *msg.Candidate)
			return
		}
		m.addCandidate(*msg.Candidate)

	case relay.TypeBye:
		m.log.Info("peer said bye")
		m.finish(StateEnded, nil, true)

	case relay.TypeRejected:
		if m.State() != StateConnected {
			m.finish(StateDeclined, nil, true)
		}

	case relay.TypeEnded:
		m.finish(StateEnded, nil, true)

	case relay.TypeAccepted:
		m.notify(msg)
		if m.cfg.Role == RoleCaller && m.cfg.OfferOnAccept {
			m.onCall()
		}

	case relay.TypeRinging:
		m.notify(msg)
	}
}

func (m *Machine) onMediaReady(media Media, err error) {
	m.acquiring = false
	if err != nil {
		m.finish(StateFailed, fmt.Errorf("%w: %v", ErrMediaDenied, err), false)
		return
	}
	m.media = media
	m.applyToggles()

	peer, err := m.cfg.NewPeer(m.ctx, PeerEvents{
		OnCandidate: func(c relay.ICECandidate) { m.post(evLocalCandidate{candidate: c}) },
		OnState:     func(s PeerState) { m.post(evPeerState{state: s}) },
	})
	if err != nil {
		m.fail(err)
		return
	}
	m.peer = peer
	if err := peer.AddMedia(media, m.cfg.CallType); err != nil {
		m.fail(err)
		return
	}

	if m.pendingOffer != nil {
		offer := *m.pendingOffer
		m.pendingOffer = nil
		m.answer(offer)
		return
	}
	if m.offerOnReady {
		m.offer(false)
	}
}

func (m *Machine) onPeerState(s PeerState) {
	switch s {
	case PeerConnected:
		m.disarm()
		if m.State() == StateConnecting {
			m.setState(StateConnected, nil)
		}
	case PeerDisconnected:
		m.arm()
	case PeerFailed:
		if m.armed {
			m.finish(StateEnded, nil, false)
			return
		}
		m.finish(StateFailed, ErrNegotiation, false)
	}
}

/* ===================== NEGOTIATION ===================== */

func (m *Machine) acquire() {
	if m.acquiring || m.media != nil {
		return
	}
	m.acquiring = true
	ctx, callType := m.ctx, m.cfg.CallType
	go func() {
		media, err := m.cfg.Media.Acquire(ctx, callType)
		if ctx.Err() != nil {
			if media != nil {
				media.Stop()
			}
			return
		}
		if !m.post(evMediaReady{media: media, err: err}) && media != nil {
			media.Stop()
		}
	}()
}

func (m *Machine) offer(iceRestart bool) {
	desc, err := m.peer.CreateOffer(iceRestart)
	if err == nil {
		err = m.peer.SetLocalDescription(desc)
	}
	if err != nil {
		m.fail(err)
		return
	}
	m.send(relay.Message{Type: relay.TypeOffer, SDP: &desc})
}

func (m *Machine) answer(offer relay.SessionDescription) {
	if err := m.peer.SetRemoteDescription(offer); err != nil {
		m.fail(err)
		return
	}
	m.remoteSDP = offer.SDP
	m.flushCandidates()

	desc, err := m.peer.CreateAnswer()
	if err == nil {
		err = m.peer.SetLocalDescription(desc)
	}
	if err != nil {
		m.fail(err)
		return
	}
	m.send(relay.Message{Type: relay.TypeAnswer, SDP: &desc})
}

func (m *Machine) flushCandidates() {
	queued := m.queued
	m.queued = nil
	for _, c := range queued {
		m.addCandidate(c)
	}
}

// addCandidate ignores rejects: late or malformed candidates are expected.
func (m *Machine) addCandidate(c relay.ICECandidate) {
	if err := m.peer.AddICECandidate(c); err != nil {
		m.log.Debug("ice candidate ignored", "error", err)
	}
}

func (m *Machine) fail(err error) {
	m.finish(StateFailed, fmt.Errorf("%w: %v", ErrNegotiation, err), false)
}

/* ===================== WATCHDOG ===================== */

func (m *Machine) arm() {
	if m.armed || m.State().IsTerminal() {
		return
	}
	m.watchGen++
	gen := m.watchGen
	m.armed = true
	m.watchdog = time.AfterFunc(m.cfg.WatchdogGrace, func() { m.post(evWatchdog{gen: gen}) })
	m.log.Info("peer disconnected, watchdog armed", "grace", m.cfg.WatchdogGrace)
}

func (m *Machine) disarm() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	if m.armed {
		m.watchGen++
		m.armed = false
	}
}

/* ===================== CLEANUP ===================== */

// finish enters a terminal state and releases everything the call holds.
// remote marks endings caused by the peer, which need no bye or end_call.
func (m *Machine) finish(state State, cause error, remote bool) {
	if m.State().IsTerminal() {
		return
	}
	m.setState(state, cause)
	m.disarm()
	m.cancel()

	if m.media != nil {
		m.media.Stop()
		m.media = nil
	}
	if m.peer != nil {
		if err := m.peer.Close(); err != nil {
			m.log.Debug("peer close", "error", err)
		}
		m.peer = nil
	}
	for _, l := range m.leases {
		l.Release()
	}
	m.leases = nil

	if !remote {
		m.send(relay.Message{Type: relay.TypeBye})
		if m.cfg.Controller != nil && m.cfg.SessionID != "" {
			conversationID, sessionID := m.cfg.ConversationID, m.cfg.SessionID
			m.outbox <- outbound{what: "end_call", run: func(ctx context.Context) error {
				return m.cfg.Controller.EndCall(ctx, conversationID, sessionID)
			}}
		}
	}
	close(m.outbox)

	attrs := []any{"state", string(state), "remote", remote}
	if cause != nil {
		attrs = append(attrs, "error", cause)
		m.log.Warn("call finished", attrs...)
		return
	}
	m.log.Info("call finished", attrs...)
}

/* ===================== OUTBOUND ===================== */

func (m *Machine) send(msg relay.Message) {
	msg.From = m.cfg.SelfID
	msg.SessionID = m.cfg.SessionID
	msg.ConversationID = m.cfg.ConversationID
	msg.CallType = string(m.cfg.CallType)
	channel := relay.ConversationChannel(m.cfg.ConversationID)
	m.outbox <- outbound{what: string(msg.Type), run: func(ctx context.Context) error {
		return m.cfg.Signaler.Publish(ctx, channel, msg)
	}}
}

// sendLoop publishes in order, off the event loop so retries never stall it.
func (m *Machine) sendLoop() {
	defer close(m.done)
	for out := range m.outbox {
		ctx, cancel := context.WithTimeout(m.sendCtx, sendTimeout)
		if err := out.run(ctx); err != nil {
			m.log.Warn("outbound signaling failed", "what", out.what, "error", err)
		}
		cancel()
	}
}

func (m *Machine) notify(msg relay.Message) {
	select {
	case m.notes <- msg:
	default:
	}
}

func (m *Machine) applyToggles() {
	if m.media == nil {
		return
	}
	m.media.SetAudioEnabled(m.audioOn)
	if m.media.HasVideo() {
		m.media.SetVideoEnabled(m.videoOn)
	}
}

func (m *Machine) setState(s State, cause error) {
	m.mu.Lock()
	m.state = s
	if cause != nil {
		m.cause = cause
	}
	m.mu.Unlock()
	select {
	case m.changes <- s:
	default:
	}
}
