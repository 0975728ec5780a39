package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"call-coordinator/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type staticAuthorizer struct {
	members map[string][]string // conversation id -> participants
}

func (a staticAuthorizer) AuthorizeChannel(ctx context.Context, participantID, channel string) error {
	ref, err := ParseChannel(channel)
	if err != nil {
		return err
	}
	if ref.IsParticipant() {
		if ref.ID == participantID {
			return nil
		}
		return ErrForbiddenChannel
	}
	for _, p := range a.members[ref.ID] {
		if p == participantID {
			return nil
		}
	}
	return ErrForbiddenChannel
}

func newGatewayServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(NewMemoryBroker(), time.Second, nil)
	pub := NewPublisher(hub, RetryPolicy{Attempts: 1}, nil)
	gw := NewGateway(hub, pub, staticAuthorizer{members: map[string][]string{"c1": {"alice", "bob"}}}, nil, nil)

	r := gin.New()
	r.GET("/v1/signal", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), c.Query("uid"), "member")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, gw.Handler())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, uid string) *WSClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/signal?uid=" + uid
	c, err := DialWS(context.Background(), url, "", time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGateway_ConversationRoundTripOverwritesFrom(t *testing.T) {
	srv, _ := newGatewayServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	ctx := context.Background()

	bobLease, err := bob.Subscribe(ctx, ConversationChannel("c1"))
	require.NoError(t, err)
	defer bobLease.Release()

	pub := NewPublisher(alice, RetryPolicy{Attempts: 1}, nil)
	err = pub.Publish(ctx, ConversationChannel("c1"), Message{
		Type: TypeOffer,
		From: "mallory",
		SDP:  &SessionDescription{Type: "offer", SDP: "v=0"},
	})
	require.NoError(t, err)

	select {
	case msg := <-bobLease.Messages():
		require.Equal(t, TypeOffer, msg.Type)
		require.Equal(t, "alice", msg.From)
		require.Equal(t, "c1", msg.ConversationID)
		require.Equal(t, "v=0", msg.SDP.SDP)
	case <-time.After(2 * time.Second):
		t.Fatalf("bob did not receive the offer")
	}
}

func TestGateway_RejectsForeignChannels(t *testing.T) {
	srv, _ := newGatewayServer(t)
	mallory := dial(t, srv, "mallory")
	ctx := context.Background()

	_, err := mallory.Subscribe(ctx, ConversationChannel("c1"))
	require.Error(t, err)
	_, err = mallory.Subscribe(ctx, ParticipantChannel("bob"))
	require.Error(t, err)

	err = mallory.Send(ctx, ConversationChannel("c1"), Message{Type: TypeBye})
	require.Error(t, err)
}

func TestGateway_ParticipantChannelIsServerOnly(t *testing.T) {
	srv, _ := newGatewayServer(t)
	alice := dial(t, srv, "alice")

	err := alice.Send(context.Background(), ParticipantChannel("alice"), Message{Type: TypeRinging})
	require.Error(t, err)
}

func TestGateway_ReleasesHubLeasesOnDisconnect(t *testing.T) {
	srv, hub := newGatewayServer(t)
	bob := dial(t, srv, "bob")

	l, err := bob.Subscribe(context.Background(), ParticipantChannel("bob"))
	require.NoError(t, err)
	require.Equal(t, 1, hub.Refs(ParticipantChannel("bob")))

	require.NoError(t, bob.Close())
	_, open := <-l.Messages()
	require.False(t, open)

	require.Eventually(t, func() bool {
		return hub.Refs(ParticipantChannel("bob")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
