package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/config"
	"call-coordinator/internal/relay"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ICEServers converts configured STUN/TURN urls into peer connection servers.
func ICEServers(cfg config.ICEConfig) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		out = append(out, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}
	if len(cfg.TURNURLs) > 0 {
		out = append(out, webrtc.ICEServer{
			URLs:       cfg.TURNURLs,
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}
	return out
}

// NewPionPeerFactory builds peer connections with the default codecs and
// interceptors. ICE's own disconnected timeout is kept above the watchdog
// grace so the machine, not pion, decides when a call is lost.
func NewPionPeerFactory(servers []webrtc.ICEServer, log *slog.Logger) PeerFactory {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, events PeerEvents) (PeerConnection, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
		registry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
			return nil, err
		}
		se := webrtc.SettingEngine{}
		se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		)
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
		if err != nil {
			return nil, err
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil || events.OnCandidate == nil {
				return
			}
			init := c.ToJSON()
			events.OnCandidate(relay.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if events.OnState != nil {
				events.OnState(peerState(s))
			}
		})
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
			go drain(track)
		})

		return &pionPeer{pc: pc}, nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

// AddMedia attaches local tracks; kinds the call carries without a local
// track get a recvonly transceiver so the SDP still has the m-line and the
// remote side's media can be received.
func (p *pionPeer) AddMedia(m Media, callType calls.CallType) error {
	var haveAudio, haveVideo bool
	if m != nil {
		for _, t := range m.Tracks() {
			if _, err := p.pc.AddTrack(t); err != nil {
				return fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			switch t.Kind() {
			case webrtc.RTPCodecTypeAudio:
				haveAudio = true
			case webrtc.RTPCodecTypeVideo:
				haveVideo = true
			}
		}
	}
	if !haveAudio {
		if err := p.recvOnly(webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}
	if !haveVideo && callType == calls.CallTypeVideo {
		if err := p.recvOnly(webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}
	return nil
}

func (p *pionPeer) recvOnly(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *pionPeer) CreateOffer(iceRestart bool) (relay.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	d, err := p.pc.CreateOffer(opts)
	if err != nil {
		return relay.SessionDescription{}, err
	}
	return fromPion(d), nil
}

func (p *pionPeer) CreateAnswer() (relay.SessionDescription, error) {
	d, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return relay.SessionDescription{}, err
	}
	return fromPion(d), nil
}

func (p *pionPeer) SetLocalDescription(d relay.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(d))
}

func (p *pionPeer) SetRemoteDescription(d relay.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(d))
}

func (p *pionPeer) AddICECandidate(c relay.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) Close() error { return p.pc.Close() }

func fromPion(d webrtc.SessionDescription) relay.SessionDescription {
	return relay.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toPion(d relay.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func peerState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed
	default:
		return PeerNew
	}
}

// drain reads remote RTP so the receive buffers never fill.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
