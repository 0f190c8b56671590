package pushserver_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zet-transit/gtfs-live/internal/pushserver"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func recv(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestReplayOrdering(t *testing.T) {
	srv := pushserver.New([]string{"static-snapshot", "realtime-snapshot"}, nil)
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	require.NoError(t, srv.Publish("static-snapshot", "S1", 3))
	require.NoError(t, srv.Publish("realtime-snapshot", "R1", 10))
	require.NoError(t, srv.Publish("realtime-snapshot", "R2", 10))

	conn := dial(t, httpSrv.URL)

	require.Equal(t, "S1", recv(t, conn))
	require.Equal(t, "R1", recv(t, conn))
	require.Equal(t, "R2", recv(t, conn))

	require.NoError(t, srv.Publish("realtime-snapshot", "R3", 10))
	require.Equal(t, "R3", recv(t, conn))
}

func TestBoundedHistoryEvictsOldest(t *testing.T) {
	srv := pushserver.New([]string{"realtime-snapshot"}, nil)
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, srv.Publish("realtime-snapshot", string(rune('A'+i)), 2))
	}

	conn := dial(t, httpSrv.URL)
	require.Equal(t, "D", recv(t, conn))
	require.Equal(t, "E", recv(t, conn))
}

func TestUnknownTopicErrors(t *testing.T) {
	srv := pushserver.New([]string{"realtime-snapshot"}, nil)
	require.Error(t, srv.Publish("nonexistent", "x", 1))
}

func TestMultipleSubscribersEachReceiveOnce(t *testing.T) {
	srv := pushserver.New([]string{"realtime-snapshot"}, nil)
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	c1 := dial(t, httpSrv.URL)
	c2 := dial(t, httpSrv.URL)
	time.Sleep(50 * time.Millisecond) // let both upgrades land before publish

	require.NoError(t, srv.Publish("realtime-snapshot", "R1", 10))

	require.Equal(t, "R1", recv(t, c1))
	require.Equal(t, "R1", recv(t, c2))
}
