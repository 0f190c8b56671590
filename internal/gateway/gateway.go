// Package gateway ties the world model, static-index history, and wire
// encodings together into the stateful service that talks to map clients:
// two WebSocket endpoints (v0, v1) and the static-resource HTTP endpoint.
package gateway

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zet-transit/gtfs-live/internal/snapshot"
	"github.com/zet-transit/gtfs-live/internal/staticindex"
	"github.com/zet-transit/gtfs-live/internal/wire"
	"github.com/zet-transit/gtfs-live/internal/worldmodel"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is a single connected map client: a WebSocket connection plus its
// declared protocol version (0 or 1).
type client struct {
	conn    *websocket.Conn
	version int
	mu      sync.Mutex
}

func (c *client) send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Service is the gateway's stateful core. It implements gwclient.Handler
// so it can be driven directly by the fetcher subscriber.
type Service struct {
	log   *logrus.Entry
	state *worldmodel.State

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	latestMu   sync.Mutex
	latestV0   string
	latestV1   string
	haveLatest bool
}

// New constructs an empty Service.
func New(log *logrus.Entry) *Service {
	return &Service{
		log:     log.WithField("component", "gateway"),
		state:   worldmodel.New(),
		clients: make(map[*client]struct{}),
	}
}

// HandleRealtime decodes a gzipped realtime payload, merges it into the
// world model, pre-encodes both wire versions, and fans the update out to
// every connected client.
func (s *Service) HandleRealtime(gzipped []byte) {
	feed, err := snapshot.DecodeFeed(gzipped, s.log)
	if err != nil {
		s.log.WithError(err).Error("failed to decode realtime push frame")
		return
	}

	s.state.Ingest(feed, s.log)
	views, timestamp, staticKey := s.state.Views()

	v0, err := wire.EncodeV0(views)
	if err != nil {
		s.log.WithError(err).Error("failed to encode v0 message")
		return
	}
	v1, err := wire.EncodeV1(views, timestamp, staticKey)
	if err != nil {
		s.log.WithError(err).Error("failed to encode v1 message")
		return
	}

	s.latestMu.Lock()
	s.latestV0, s.latestV1 = v0, v1
	s.haveLatest = true
	s.latestMu.Unlock()

	start := time.Now()
	s.broadcast(v0, v1)
	s.log.WithFields(logrus.Fields{
		"vehicle_count": len(views),
		"send_time_ms":  time.Since(start).Milliseconds(),
		"v0_bytes":      len(v0),
		"v1_bytes":      len(v1),
	}).Debug("fanned out realtime update")
}

// HandleStatic decodes a gzipped static bundle, builds the trip/shape
// index, mints a minute-granular key, and appends it to the bounded
// static-snapshot history.
func (s *Service) HandleStatic(gzipped []byte) {
	index, err := staticindex.BuildFromGzippedZip(gzipped, s.log)
	if err != nil {
		s.log.WithError(err).Error("failed to build static index")
		return
	}

	shapes := make([]wire.ShapeView, 0, len(index.Shapes))
	for _, shape := range index.Shapes {
		shapes = append(shapes, wire.ShapeView{ID: shape.ID, Lats: shape.Lats, Lons: shape.Lons})
	}
	bundle, err := wire.EncodeShapeBundle(shapes)
	if err != nil {
		s.log.WithError(err).Error("failed to encode shape bundle")
		return
	}

	key := time.Now().Format("2006-01-02-15-04")
	s.state.AppendStatic(&worldmodel.StaticSnapshot{
		Key:              key,
		Index:            index,
		PreformattedJSON: bundle,
	})
	s.log.WithField("key", key).Info("ingested static snapshot")
}

func (s *Service) broadcast(v0, v1 string) {
	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	var dead []*client
	for _, c := range clients {
		msg := v1
		if c.version == 0 {
			msg = v0
		}
		if err := c.send(msg); err != nil {
			s.log.WithError(err).Warn("dropping client after failed send")
			dead = append(dead, c)
		}
	}

	if len(dead) == 0 {
		return
	}
	s.clientsMu.Lock()
	for _, c := range dead {
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()
}

func (s *Service) handleWS(w http.ResponseWriter, r *http.Request, version int) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade map client connection")
		return
	}
	c := &client{conn: conn, version: version}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	s.log.WithField("version", version).Info("map client connected")

	s.latestMu.Lock()
	haveLatest, v0, v1 := s.haveLatest, s.latestV0, s.latestV1
	s.latestMu.Unlock()
	if haveLatest {
		msg := v1
		if version == 0 {
			msg = v0
		}
		if err := c.send(msg); err != nil {
			s.log.WithError(err).Warn("failed to send initial message to new client")
		}
	}

	// Keepalive only: any frame the client sends is discarded.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	_ = conn.Close()
	s.log.Info("map client disconnected")
}

// ServeWS handles the v0 protocol endpoint (/ws).
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.handleWS(w, r, 0)
}

// ServeWSV1 handles the v1 protocol endpoint (/ws-v1).
func (s *Service) ServeWSV1(w http.ResponseWriter, r *http.Request) {
	s.handleWS(w, r, 1)
}

// ServeStatic handles GET /static/<key>.
func (s *Service) ServeStatic(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/static/")
	body, ok := s.state.StaticByKey(key)
	if !ok {
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("static data not found"))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}
