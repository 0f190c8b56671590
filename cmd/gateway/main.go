// Command gateway subscribes to a fetcher's push channel, maintains the
// live vehicle world model, and serves versioned updates plus static
// shape bundles to map clients over WebSocket and HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zet-transit/gtfs-live/internal/gateway"
	"github.com/zet-transit/gtfs-live/internal/gwclient"
)

var (
	fetcherURL string
	host       string
	port       int
	verbose    bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Subscribe to a fetcher and serve live vehicle updates to map clients",
		RunE:  runGateway,
	}

	cmd.Flags().StringVar(&fetcherURL, "fetcher-url", "ws://127.0.0.1:8090/", "WebSocket URL of the fetcher's push channel")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "address the gateway's HTTP/WebSocket server binds to")
	cmd.Flags().IntVar(&port, "port", 8091, "port the gateway's HTTP/WebSocket server listens on")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	return cmd
}

func runGateway(cmd *cobra.Command, args []string) error {
	log := logrus.StandardLogger()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	svc := gateway.New(entry)
	client := gwclient.New(fetcherURL, svc, entry)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", svc.ServeWS)
	mux.HandleFunc("/ws-v1", svc.ServeWSV1)
	mux.HandleFunc("/static/", svc.ServeStatic)

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpErr := make(chan error, 1)
	go func() {
		entry.WithField("addr", addr).Info("gateway HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
			return
		}
		httpErr <- nil
	}()

	clientDone := make(chan struct{})
	go func() {
		entry.WithField("fetcher_url", fetcherURL).Info("connecting to fetcher")
		client.Run(ctx)
		close(clientDone)
	}()

	select {
	case err := <-httpErr:
		cancel()
		<-clientDone
		return err
	case <-ctx.Done():
		<-clientDone
		_ = httpServer.Close()
		<-httpErr
		return nil
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("gateway exited with error")
	}
}
