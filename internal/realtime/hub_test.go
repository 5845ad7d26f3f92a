package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub, streams []string) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(streams, w, r)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, []string{StreamCaptureState})

	require.Eventually(t, func() bool {
		return hub.SubscriberCount(StreamCaptureState) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Broadcast(StreamCaptureState, "state", map[string]string{"state": "recording"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var message Message
	require.NoError(t, conn.ReadJSON(&message))
	require.Equal(t, StreamCaptureState, message.Stream)
	require.Equal(t, "state", message.Event)
}

func TestUnknownStreamIgnored(t *testing.T) {
	hub := NewHub()
	dialHub(t, hub, []string{"secrets", StreamSessionLogs})

	require.Eventually(t, func() bool {
		return hub.SubscriberCount(StreamSessionLogs) == 1
	}, time.Second, 10*time.Millisecond)
	require.Zero(t, hub.SubscriberCount("secrets"))
}

func TestControlMessageSubscribes(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, nil)

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "subscribe", Streams: []string{StreamSessions}}))
	require.Eventually(t, func() bool {
		return hub.SubscriberCount(StreamSessions) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(controlMessage{Action: "unsubscribe", Streams: []string{StreamSessions}}))
	require.Eventually(t, func() bool {
		return hub.SubscriberCount(StreamSessions) == 0
	}, time.Second, 10*time.Millisecond)
}
