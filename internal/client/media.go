package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"call-coordinator/internal/calls"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const opusFrame = 20 * time.Millisecond

// opusSilence is a single Opus TOC + empty frame that decoders play as silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var errDeviceUnavailable = errors.New("device unavailable")

// SyntheticSource produces local tracks without capture hardware: an Opus
// track carrying silence and, for video calls, a VP8 track. DenyAudio and
// DenyVideo simulate refused permissions.
type SyntheticSource struct {
	StreamID  string
	DenyAudio bool
	DenyVideo bool
	Log       *slog.Logger
}

func (s SyntheticSource) Acquire(ctx context.Context, callType calls.CallType) (Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "call"
	}

	if s.DenyAudio {
		return nil, errDeviceUnavailable
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, err
	}

	m := &syntheticMedia{audio: audio, stop: make(chan struct{})}
	m.audioOn.Store(true)

	if callType == calls.CallTypeVideo {
		// Video is optional: fall back to audio-only rather than failing.
		if s.DenyVideo {
			log.Warn("video unavailable, continuing audio-only", "error", errDeviceUnavailable)
		} else if video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID); err != nil {
			log.Warn("video unavailable, continuing audio-only", "error", err)
		} else {
			m.video = video
			m.videoOn.Store(true)
		}
	}

	m.wg.Add(1)
	go m.pumpAudio()
	return m, nil
}

type syntheticMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (m *syntheticMedia) Tracks() []webrtc.TrackLocal {
	out := []webrtc.TrackLocal{m.audio}
	if m.video != nil {
		out = append(out, m.video)
	}
	return out
}

func (m *syntheticMedia) HasVideo() bool          { return m.video != nil }
func (m *syntheticMedia) SetAudioEnabled(on bool) { m.audioOn.Store(on) }
func (m *syntheticMedia) SetVideoEnabled(on bool) { m.videoOn.Store(on) }

func (m *syntheticMedia) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
	})
}

// pumpAudio writes one silent frame per Opus frame interval while unmuted.
// Writes before the track is bound to a connection are dropped by pion.
func (m *syntheticMedia) pumpAudio() {
	defer m.wg.Done()
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if !m.audioOn.Load() {
				continue
			}
			_ = m.audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame})
		}
	}
}
