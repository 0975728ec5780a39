package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// scriptedGateway answers a subscribe with a message on the channel
// followed by the ack, the order a busy channel can produce. Subscribes to
// the "c-silent" conversation are never answered.
func scriptedGateway(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var f Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			switch f.Op {
			case OpSubscribe:
				if f.Channel == ConversationChannel("c-silent") {
					continue
				}
				msg := Message{ID: "m1", Type: TypeBye, From: "bob"}
				_ = ws.WriteJSON(Frame{Op: OpMessage, Channel: f.Channel, Message: &msg})
				_ = ws.WriteJSON(Frame{Op: OpSubscribed, Ref: f.Ref, Channel: f.Channel})
			case OpPublish:
				_ = ws.WriteJSON(Frame{Op: OpAck, Ref: f.Ref})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClient_KeepsMessagesArrivingBeforeSubscribeAck(t *testing.T) {
	c, err := DialWS(context.Background(), scriptedGateway(t), "", time.Second, nil)
	require.NoError(t, err)
	defer c.Close()

	lease, err := c.Subscribe(context.Background(), ConversationChannel("c1"))
	require.NoError(t, err)
	defer lease.Release()

	select {
	case msg := <-lease.Messages():
		require.Equal(t, "m1", msg.ID)
	case <-time.After(time.Second):
		t.Fatalf("message sent ahead of the subscribe ack was dropped")
	}
}

func TestWSClient_FailedSubscribeLeavesNoLease(t *testing.T) {
	c, err := DialWS(context.Background(), scriptedGateway(t), "", 50*time.Millisecond, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Subscribe(context.Background(), ConversationChannel("c-silent"))
	require.ErrorIs(t, err, ErrSubscribeTimeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotContains(t, c.subs, ConversationChannel("c-silent"))
}
