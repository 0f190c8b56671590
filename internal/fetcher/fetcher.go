// Package fetcher implements the adaptive control loop that polls both
// upstream GTFS feeds, deduplicates identical payloads, archives every
// snapshot, and fans each valid one out over the push channel.
package fetcher

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zet-transit/gtfs-live/internal/archive"
	"github.com/zet-transit/gtfs-live/internal/pushserver"
	"github.com/zet-transit/gtfs-live/internal/snapshot"
)

// Topic names published on the push server, in replay order.
const (
	TopicStaticSnapshot   = "static-snapshot"
	TopicRealtimeSnapshot = "realtime-snapshot"

	realtimeMaxHistory = 10
	staticMaxHistory   = 3

	shortDelay = 1 * time.Second
	maxBackoff = 60 * time.Second
)

// Config holds the fetcher's tunable parameters.
type Config struct {
	RealtimeURL string
	StaticURL   string
	RealtimeDt  time.Duration
	StaticDt    time.Duration
}

// Fetcher is the single-threaded control loop described in the design: it
// owns the archive outright and publishes through a push server.
type Fetcher struct {
	cfg Config
	log *logrus.Entry

	archive *archive.Store
	push    *pushserver.Server

	httpClient *http.Client

	lastRealtimeRaw []byte
	lastStaticFetch *time.Time
	backoff         time.Duration
}

// New constructs a Fetcher over an already-open archive and push server.
func New(cfg Config, store *archive.Store, push *pushserver.Server, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		cfg:        cfg,
		log:        log.WithField("component", "fetcher"),
		archive:    store,
		push:       push,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Run executes the control loop until ctx is canceled. It sleeps in
// one-second increments so shutdown is observed promptly.
func (f *Fetcher) Run(ctx context.Context) error {
	f.log.WithFields(logrus.Fields{
		"realtime_url": f.cfg.RealtimeURL,
		"static_url":   f.cfg.StaticURL,
	}).Info("starting fetcher control loop")

	f.backoff = shortDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		delay, err := f.tick(ctx)
		if err != nil {
			return err
		}

		if !f.sleep(ctx, delay) {
			return nil
		}
	}
}

// tick runs one iteration of the control loop and returns the delay to
// sleep before the next one. A network error never aborts the loop, only
// extends the backoff; an archive write failure is fatal and propagates.
func (f *Fetcher) tick(ctx context.Context) (time.Duration, error) {
	delay, err := f.pollRealtime(ctx)
	if err != nil {
		return 0, err
	}

	if f.shouldPollStatic() {
		if err := f.pollStatic(ctx); err != nil {
			return 0, err
		}
		delay = 0
	}

	return delay, nil
}

func (f *Fetcher) pollRealtime(ctx context.Context) (time.Duration, error) {
	raw, err := f.fetch(ctx, f.cfg.RealtimeURL)
	if err != nil {
		f.log.WithError(err).Error("failed to fetch realtime feed")
		f.backoff = minDuration(f.backoff*2, maxBackoff)
		return f.backoff, nil
	}

	if f.lastRealtimeRaw != nil && bytes.Equal(raw, f.lastRealtimeRaw) {
		if err := f.archive.AppendRealtime(time.Now(), 0, nil, true); err != nil {
			return 0, errors.Wrap(err, "fetcher: archive write failed")
		}
		f.backoff = shortDelay
		return f.backoff, nil
	}

	fetchedAt := time.Now()
	snap := snapshot.ProcessRealtime(raw, fetchedAt, f.log)
	f.lastRealtimeRaw = raw

	if err := f.archive.AppendRealtime(fetchedAt, snap.SnapshotAt, snap.GzippedBytes, false); err != nil {
		return 0, errors.Wrap(err, "fetcher: archive write failed")
	}

	longDelay := f.cfg.RealtimeDt - time.Second
	if longDelay < time.Second {
		longDelay = time.Second
	}
	f.backoff = longDelay

	if snap.Valid() {
		if err := f.publishRealtime(snap); err != nil {
			f.log.WithError(err).Error("failed to publish realtime snapshot")
		}
	} else {
		f.log.Warn("realtime feed did not parse; archived but not published")
	}

	return f.backoff, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (f *Fetcher) shouldPollStatic() bool {
	if f.lastStaticFetch == nil {
		return true
	}
	return time.Since(*f.lastStaticFetch) > f.cfg.StaticDt
}

// pollStatic fetches and archives the static feed if due. Like pollRealtime,
// a network error is logged and swallowed; an archive write failure is
// fatal and propagates so the caller can shut down cleanly.
func (f *Fetcher) pollStatic(ctx context.Context) error {
	now := time.Now()
	f.lastStaticFetch = &now

	raw, err := f.fetch(ctx, f.cfg.StaticURL)
	if err != nil {
		f.log.WithError(err).Error("failed to fetch static feed")
		return nil
	}

	fetchedAt := time.Now()
	snap := snapshot.ProcessStatic(raw, fetchedAt, f.log)

	if err := f.archive.AppendStatic(fetchedAt, snap.GzippedBytes, snap.CalendarDate); err != nil {
		return errors.Wrap(err, "fetcher: archive write failed")
	}

	if !snap.Valid() {
		f.log.Warn("static feed did not parse; archived but not published")
		return nil
	}

	if err := f.publishStatic(snap); err != nil {
		f.log.WithError(err).Error("failed to publish static snapshot")
	}
	return nil
}

func (f *Fetcher) publishRealtime(snap snapshot.Realtime) error {
	frame, err := encodeFrame("realtime", snap.FetchedAt, snap.GzippedBytes)
	if err != nil {
		return err
	}
	return f.push.Publish(TopicRealtimeSnapshot, frame, realtimeMaxHistory)
}

func (f *Fetcher) publishStatic(snap snapshot.Static) error {
	frame, err := encodeFrame("static", snap.FetchedAt, snap.GzippedBytes)
	if err != nil {
		return err
	}
	return f.push.Publish(TopicStaticSnapshot, frame, staticMaxHistory)
}

type pushFrame struct {
	Kind        string  `json:"kind"`
	FetchedAt   float64 `json:"fetched_at"`
	GzippedData string  `json:"gzipped_data"`
}

func encodeFrame(kind string, fetchedAt time.Time, gzipped []byte) (string, error) {
	frame := pushFrame{
		Kind:        kind,
		FetchedAt:   float64(fetchedAt.UnixMilli()) / 1000,
		GzippedData: hex.EncodeToString(gzipped),
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

// sleep blocks for d, checking ctx.Done() every second so shutdown is
// observed promptly. Returns false if ctx was canceled during the sleep.
func (f *Fetcher) sleep(ctx context.Context, d time.Duration) bool {
	remaining := d
	for remaining > 0 {
		step := time.Second
		if remaining < step {
			step = remaining
		}
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		remaining -= step
	}
	return true
}

// Close closes the archive and push server owned by this fetcher.
func (f *Fetcher) Close() error {
	f.push.Close()
	return f.archive.Close()
}
