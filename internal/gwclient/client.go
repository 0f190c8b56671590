// Package gwclient implements the gateway's reconnecting subscriber to the
// fetcher's push channel.
package gwclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// maxFrameBytes caps an individual push frame at 50 MiB, matching the
// fetcher's largest plausible realtime payload.
const maxFrameBytes = 50 * 1024 * 1024

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// Frame mirrors the fetcher's push-channel wire format.
type Frame struct {
	Kind        string  `json:"kind"`
	FetchedAt   float64 `json:"fetched_at"`
	GzippedData string  `json:"gzipped_data"`
}

// Handler receives decoded frame payloads (still gzip-compressed; the hex
// decoding happens in this package, decompression is the handler's job
// since the realtime and static payloads decompress to different things).
type Handler interface {
	HandleRealtime(gzipped []byte)
	HandleStatic(gzipped []byte)
}

// Client is a long-lived subscriber connection with reconnect-with-backoff.
type Client struct {
	url     string
	handler Handler
	log     *logrus.Entry
}

// New constructs a Client for the given fetcher push-server URL.
func New(url string, handler Handler, log *logrus.Entry) *Client {
	return &Client{url: url, handler: handler, log: log.WithField("component", "gwclient")}
}

// Run connects, reads frames until disconnect, and reconnects with
// exponential backoff (1s doubling, capped at 60s) until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		c.log.WithError(err).WithField("retry_in", backoff).Error("fetcher connection lost; reconnecting")
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = minDuration(backoff*2, maxBackoff)
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	c.log.Info("connected to fetcher push channel")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.WithError(err).Error("failed to decode push frame")
		return
	}

	gzipped, err := hexDecode(frame.GzippedData)
	if err != nil {
		c.log.WithError(err).Error("failed to hex-decode push frame payload")
		return
	}

	switch frame.Kind {
	case "realtime":
		c.handler.HandleRealtime(gzipped)
	case "static":
		c.handler.HandleStatic(gzipped)
	default:
		c.log.WithField("kind", frame.Kind).Error("unknown push frame kind")
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
