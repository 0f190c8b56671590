// Package pushserver implements a localhost-only, multi-topic push channel.
//
// Subscribers do not address the server; the server addresses all
// subscribers. Each topic keeps a bounded ring of recent frames so that a
// newly connected subscriber can replay a short backlog (in topic order,
// then insertion order) before seeing any live frame.
package pushserver

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is a multi-topic, multi-subscriber text-frame broadcaster.
//
// Two locks guard disjoint state: historyMu protects the per-topic ring
// buffers, subsMu protects the live subscriber set. Acquire order is
// subsMu then historyMu, never the reverse, matching the replay-then-join
// sequencing on connect.
type Server struct {
	log    *logrus.Entry
	topics []string

	historyMu sync.Mutex
	history   map[string][]string

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex // one writer at a time per connection
}

func (s *subscriber) send(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// New constructs a Server with the given ordered topic list. The order
// defines replay order for new subscribers.
func New(topics []string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	history := make(map[string][]string, len(topics))
	for _, topic := range topics {
		history[topic] = nil
	}
	return &Server{
		log:     log.WithField("component", "pushserver"),
		topics:  append([]string(nil), topics...),
		history: history,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Publish appends frame to topic's history (evicting the oldest entry past
// maxHistory) and pushes it to every currently connected subscriber. It
// returns an error if topic was not part of the configured topic set.
//
// subsMu is held across both the history append and the broadcast, same
// acquire order as ServeHTTP's connect path, so a subscriber connecting
// concurrently either sees frame in its replayed history (and is added to
// the broadcast set only after the broadcast below has already run) or
// connects first and gets frame from the broadcast alone — never both.
func (s *Server) Publish(topic, frame string, maxHistory int) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.historyMu.Lock()
	if _, ok := s.history[topic]; !ok {
		s.historyMu.Unlock()
		return errors.Errorf("pushserver: unknown topic %q", topic)
	}
	s.history[topic] = append(s.history[topic], frame)
	if over := len(s.history[topic]) - maxHistory; over > 0 {
		s.history[topic] = s.history[topic][over:]
	}
	s.historyMu.Unlock()

	for sub := range s.subs {
		if err := sub.send(frame); err != nil {
			s.log.WithError(err).Warn("dropping subscriber after failed send")
			delete(s.subs, sub)
			_ = sub.conn.Close()
		}
	}
	return nil
}

func (s *Server) removeSubscriber(sub *subscriber) {
	s.subsMu.Lock()
	delete(s.subs, sub)
	s.subsMu.Unlock()
	_ = sub.conn.Close()
}

// ServeHTTP upgrades the request to a WebSocket connection, replays the
// current history (topic order, then insertion order), adds the connection
// to the broadcast set, and then blocks discarding any frames the
// subscriber sends (this channel is push-only).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade subscriber connection")
		return
	}
	sub := &subscriber{conn: conn}

	s.subsMu.Lock()
	s.historyMu.Lock()
	for _, topic := range s.topics {
		for _, frame := range s.history[topic] {
			if err := sub.send(frame); err != nil {
				s.log.WithError(err).Warn("failed to replay history to new subscriber")
			}
		}
	}
	s.historyMu.Unlock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	s.log.Info("subscriber connected")
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.removeSubscriber(sub)
	s.log.Info("subscriber disconnected")
}

// Close closes every currently connected subscriber's connection.
func (s *Server) Close() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		_ = sub.conn.Close()
		delete(s.subs, sub)
	}
}
