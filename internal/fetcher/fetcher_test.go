package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zet-transit/gtfs-live/internal/archive"
	"github.com/zet-transit/gtfs-live/internal/pushserver"
)

func silentLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return logrus.NewEntry(l)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestFetcher(t *testing.T, realtimeURL string) (*Fetcher, *archive.Store) {
	t.Helper()
	store, err := archive.Open(t.TempDir(), silentLog())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	push := pushserver.New([]string{TopicStaticSnapshot, TopicRealtimeSnapshot}, silentLog())
	t.Cleanup(push.Close)

	f := New(Config{
		RealtimeURL: realtimeURL,
		StaticURL:   "http://127.0.0.1:1/unused", // never reached: these tests call pollRealtime only
		RealtimeDt:  10 * time.Second,
		StaticDt:    time.Hour,
	}, store, push, silentLog())
	f.backoff = shortDelay
	return f, store
}

func TestPollRealtimeNewThenDedup(t *testing.T) {
	payload := []byte("same-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL)
	ctx := context.Background()

	d1, err := f.pollRealtime(ctx)
	require.NoError(t, err)
	require.Equal(t, 9*time.Second, d1, "first fetch is a new snapshot: long delay")

	d2, err := f.pollRealtime(ctx)
	require.NoError(t, err)
	require.Equal(t, shortDelay, d2, "second identical fetch should dedup to short delay")
}

func TestPollRealtimeNetworkErrorBacksOff(t *testing.T) {
	f, _ := newTestFetcher(t, "http://127.0.0.1:1/unreachable")
	ctx := context.Background()

	d1, err := f.pollRealtime(ctx)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, d1)

	d2, err := f.pollRealtime(ctx)
	require.NoError(t, err)
	require.Equal(t, 4*time.Second, d2)
}

func TestPollRealtimeBackoffCapped(t *testing.T) {
	f, _ := newTestFetcher(t, "http://127.0.0.1:1/unreachable")
	f.backoff = 40 * time.Second

	d, err := f.pollRealtime(context.Background())
	require.NoError(t, err)
	require.Equal(t, maxBackoff, d)
}
