package client

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/config"
)

func TestICEServersFromConfig(t *testing.T) {
	servers := ICEServers(config.ICEConfig{
		STUNURLs:       []string{"stun:stun.example.com:3478"},
		TURNURLs:       []string{"turn:turn.example.com:3478"},
		TURNUsername:   "u",
		TURNCredential: "p",
	})
	require.Len(t, servers, 2)
	require.Equal(t, "u", servers[1].Username)
	require.Equal(t, "p", servers[1].Credential)

	require.Empty(t, ICEServers(config.ICEConfig{}))
}

func TestPionPeer_OfferCarriesLocalMedia(t *testing.T) {
	ctx := context.Background()
	media, err := SyntheticSource{}.Acquire(ctx, calls.CallTypeVideo)
	require.NoError(t, err)
	defer media.Stop()
	require.True(t, media.HasVideo())
	require.Len(t, media.Tracks(), 2)

	peer, err := NewPionPeerFactory(nil, nil)(ctx, PeerEvents{})
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.AddMedia(media, calls.CallTypeVideo))
	offer, err := peer.CreateOffer(false)
	require.NoError(t, err)
	require.Equal(t, "offer", offer.Type)
	require.True(t, strings.Contains(offer.SDP, "m=audio"), "offer without audio section")
	require.True(t, strings.Contains(offer.SDP, "m=video"), "offer without video section")
}

func TestPionPeer_AudioFallbackStillReceivesVideo(t *testing.T) {
	ctx := context.Background()
	media, err := SyntheticSource{DenyVideo: true}.Acquire(ctx, calls.CallTypeVideo)
	require.NoError(t, err)
	defer media.Stop()
	require.False(t, media.HasVideo())

	peer, err := NewPionPeerFactory(nil, nil)(ctx, PeerEvents{})
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.AddMedia(media, calls.CallTypeVideo))
	offer, err := peer.CreateOffer(false)
	require.NoError(t, err)
	require.Contains(t, offer.SDP, "m=audio")
	require.Contains(t, offer.SDP, "m=video", "audio-only fallback must still offer to receive video")
	require.Contains(t, offer.SDP, "a=recvonly")

	audioOnly, err := NewPionPeerFactory(nil, nil)(ctx, PeerEvents{})
	require.NoError(t, err)
	defer audioOnly.Close()
	require.NoError(t, audioOnly.AddMedia(media, calls.CallTypeAudio))
	offer, err = audioOnly.CreateOffer(false)
	require.NoError(t, err)
	require.NotContains(t, offer.SDP, "m=video")
}

func TestPionPeers_AnswerOffer(t *testing.T) {
	ctx := context.Background()
	factory := NewPionPeerFactory(nil, nil)

	caller, err := factory(ctx, PeerEvents{})
	require.NoError(t, err)
	defer caller.Close()
	callee, err := factory(ctx, PeerEvents{})
	require.NoError(t, err)
	defer callee.Close()

	audio, err := SyntheticSource{}.Acquire(ctx, calls.CallTypeAudio)
	require.NoError(t, err)
	defer audio.Stop()
	require.NoError(t, caller.AddMedia(audio, calls.CallTypeAudio))
	require.NoError(t, callee.AddMedia(nil, calls.CallTypeAudio))

	offer, err := caller.CreateOffer(false)
	require.NoError(t, err)
	require.NoError(t, caller.SetLocalDescription(offer))

	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	require.Equal(t, "answer", answer.Type)
	require.NoError(t, callee.SetLocalDescription(answer))
	require.NoError(t, caller.SetRemoteDescription(answer))

	restart, err := caller.CreateOffer(true)
	require.NoError(t, err)
	require.NotEqual(t, offer.SDP, restart.SDP)
}

func TestSyntheticSource_Fallbacks(t *testing.T) {
	ctx := context.Background()

	media, err := SyntheticSource{DenyVideo: true}.Acquire(ctx, calls.CallTypeVideo)
	require.NoError(t, err)
	defer media.Stop()
	require.False(t, media.HasVideo())
	require.Len(t, media.Tracks(), 1)

	_, err = SyntheticSource{DenyAudio: true}.Acquire(ctx, calls.CallTypeAudio)
	require.Error(t, err)

	media.Stop()
	media.Stop()
}
