package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lpwatch/internal/position"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readView(t *testing.T, conn *websocket.Conn) ViewResponse {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp ViewResponse
	require.NoError(t, json.Unmarshal(payload, &resp))
	return resp
}

func TestStreamSendsCurrentThenBroadcasts(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialStream(t, srv.URL)

	first := readView(t, conn)
	require.Equal(t, "positions", first.Status)
	require.Equal(t, uint64(3), first.Generation)

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	s.hub.Broadcast(position.View{Status: position.StatusLoading, Generation: 4})

	next := readView(t, conn)
	require.Equal(t, "loading", next.Status)
	require.Equal(t, uint64(4), next.Generation)
	require.Empty(t, next.Positions)
}

func TestHubRunForwardsViewsAndDropsClosedClients(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	views := make(chan position.View, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.hub.Run(ctx, views) }()

	conn := dialStream(t, srv.URL)
	readView(t, conn)
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	views <- position.View{Status: position.StatusEmpty, Generation: 7}
	require.Equal(t, uint64(7), readView(t, conn).Generation)

	conn.Close()
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestHubRegisterQueuesCurrentBeforeBroadcasts(t *testing.T) {
	hub := NewHub(nil)
	c := &client{id: "c1", send: make(chan []byte, sendBufSize)}

	hub.mu.Lock()
	hub.register(c, position.View{Status: position.StatusLoading, Generation: 1})
	hub.mu.Unlock()
	require.Equal(t, 1, hub.ClientCount())

	hub.Broadcast(position.View{Status: position.StatusEmpty, Generation: 2})

	var first, second ViewResponse
	require.NoError(t, json.Unmarshal(<-c.send, &first))
	require.NoError(t, json.Unmarshal(<-c.send, &second))
	require.Equal(t, uint64(1), first.Generation)
	require.Equal(t, uint64(2), second.Generation)
	require.Equal(t, "empty", second.Status)
}

func TestStreamReadsCurrentAfterRegistration(t *testing.T) {
	hub := NewHub(nil)
	registered := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, func() position.View {
			registered <- len(hub.clients)
			return position.View{Status: position.StatusEmpty, Generation: 9}
		})
	}))
	defer srv.Close()

	conn := dialStream(t, srv.URL)
	require.Equal(t, uint64(9), readView(t, conn).Generation)
	require.Equal(t, 1, <-registered)
}

func TestHubRunStopsWhenViewsClosed(t *testing.T) {
	hub := NewHub(nil)
	views := make(chan position.View)
	close(views)

	require.NoError(t, hub.Run(context.Background(), views))
}
