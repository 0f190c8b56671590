// Command fetcher polls the upstream GTFS realtime and static feeds,
// archives every snapshot, and fans valid ones out over a loopback push
// channel for the gateway to subscribe to.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zet-transit/gtfs-live/internal/archive"
	"github.com/zet-transit/gtfs-live/internal/fetcher"
	"github.com/zet-transit/gtfs-live/internal/pushserver"
)

var (
	realtimeURL string
	staticURL   string
	realtimeDt  time.Duration
	staticDt    time.Duration
	archiveDir  string
	wsPort      int
	verbose     bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetcher",
		Short: "Poll GTFS realtime and static feeds and publish them over a push channel",
		RunE:  runFetcher,
	}

	cmd.Flags().StringVar(&realtimeURL, "realtime-url", "", "URL of the GTFS realtime protobuf feed (required)")
	cmd.Flags().StringVar(&staticURL, "static-url", "", "URL of the GTFS static zip feed (required)")
	cmd.Flags().DurationVar(&realtimeDt, "realtime-dt", 10*time.Second, "realtime polling interval")
	cmd.Flags().DurationVar(&staticDt, "static-dt", time.Hour, "static polling interval")
	cmd.Flags().StringVar(&archiveDir, "dir", "./snapshots", "directory for the rotating snapshot archive")
	cmd.Flags().IntVar(&wsPort, "ws-port", 8090, "loopback port the push server listens on")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	_ = cmd.MarkFlagRequired("realtime-url")
	_ = cmd.MarkFlagRequired("static-url")

	return cmd
}

func runFetcher(cmd *cobra.Command, args []string) error {
	log := logrus.StandardLogger()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	store, err := archive.Open(archiveDir, entry)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}

	push := pushserver.New([]string{fetcher.TopicStaticSnapshot, fetcher.TopicRealtimeSnapshot}, entry)

	cfg := fetcher.Config{
		RealtimeURL: realtimeURL,
		StaticURL:   staticURL,
		RealtimeDt:  realtimeDt,
		StaticDt:    staticDt,
	}
	f := fetcher.New(cfg, store, push, entry)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf("127.0.0.1:%d", wsPort)
	httpServer := &http.Server{Addr: addr, Handler: push}

	httpErr := make(chan error, 1)
	go func() {
		entry.WithField("addr", addr).Info("push server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
			return
		}
		httpErr <- nil
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- f.Run(ctx) }()

	var result error
	select {
	case result = <-runErr:
		cancel()
		_ = httpServer.Close()
		<-httpErr
	case result = <-httpErr:
		cancel()
		<-runErr
	}

	if closeErr := f.Close(); closeErr != nil {
		entry.WithError(closeErr).Error("error closing fetcher resources")
	}
	return result
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("fetcher exited with error")
	}
}
