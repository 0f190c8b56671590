package worldmodel

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zet-transit/gtfs-live/internal/snapshot"
	"github.com/zet-transit/gtfs-live/internal/staticindex"
	"github.com/zet-transit/gtfs-live/internal/wire"
)

// maxStaticHistory is the number of recent static snapshots the gateway
// keeps addressable for both shape-join lookups and /static/<key> serving.
const maxStaticHistory = 3

// StaticSnapshot is the gateway's cached, addressable view of one parsed
// static GTFS bundle.
type StaticSnapshot struct {
	Key              string
	Index            *staticindex.Index
	PreformattedJSON string
}

// State is the gateway's full in-memory world model: the current set of
// tracked vehicles, keyed by trip_id, plus the bounded static-snapshot
// history used to resolve shape_ids and answer /static/<key> requests.
//
// Every mutation happens inside a single critical section guarded by mu,
// matching the single-lock update model required by the concurrency
// design: a realtime ingest and a static ingest never interleave.
type State struct {
	mu sync.Mutex

	vehicles        map[string]*Vehicle // trip_id -> Vehicle
	timestamp       int64
	latestStaticKey *string

	staticHistory []*StaticSnapshot
}

// New constructs an empty world model.
func New() *State {
	return &State{vehicles: make(map[string]*Vehicle)}
}

// AppendStatic adds a new static snapshot to the bounded history, dropping
// the oldest entry past maxStaticHistory.
func (s *State) AppendStatic(snap *StaticSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staticHistory = append(s.staticHistory, snap)
	if over := len(s.staticHistory) - maxStaticHistory; over > 0 {
		s.staticHistory = s.staticHistory[over:]
	}
}

// StaticByKey returns the preformatted JSON for the static snapshot with
// matching key, if it is still in the bounded history.
func (s *State) StaticByKey(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.staticHistory {
		if snap.Key == key {
			return snap.PreformattedJSON, true
		}
	}
	return "", false
}

func (s *State) latestStatic() *StaticSnapshot {
	if len(s.staticHistory) == 0 {
		return nil
	}
	return s.staticHistory[len(s.staticHistory)-1]
}

// Ingest merges one parsed realtime feed into the world model: every
// existing vehicle's NoUpdateCounter is incremented, incoming vehicles are
// upserted by trip_id, and any vehicle missed for MaxNoUpdateCounter
// consecutive feeds is evicted.
func (s *State) Ingest(feed *snapshot.ParsedFeed, log *logrus.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := s.latestStatic()

	for _, v := range s.vehicles {
		v.NoUpdateCounter++
	}

	for _, pv := range feed.Vehicles {
		shapeID := shapeIDFor(latest, pv.TripID)
		v, ok := s.vehicles[pv.TripID]
		if !ok {
			v = newVehicle(pv.RouteID, shapeID)
			s.vehicles[pv.TripID] = v
		}
		v.update(pv.Timestamp, pv.Lat, pv.Lon, shapeID)
	}

	for tripID, v := range s.vehicles {
		if v.NoUpdateCounter >= MaxNoUpdateCounter {
			delete(s.vehicles, tripID)
		}
	}

	s.timestamp = feed.Timestamp
	if latest != nil {
		key := latest.Key
		s.latestStaticKey = &key
	} else {
		s.latestStaticKey = nil
	}

	log.WithField("vehicle_count", len(s.vehicles)).Debug("world model updated")
}

func shapeIDFor(latest *StaticSnapshot, tripID string) *string {
	if latest == nil {
		return nil
	}
	shapeID, ok := latest.Index.TripToShapeID[tripID]
	if !ok {
		return nil
	}
	return &shapeID
}

// Views returns a wire.VehicleView for every vehicle with NoUpdateCounter
// == 0 (i.e. updated on the most recent ingest), along with the feed
// timestamp and the key of the latest attached static snapshot.
func (s *State) Views() ([]wire.VehicleView, int64, *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]wire.VehicleView, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		if v.NoUpdateCounter != 0 {
			continue
		}
		views = append(views, wire.VehicleView{
			RouteID:          v.RouteID,
			ShapeID:          v.ShapeID,
			Timestamp:        v.Timestamp,
			Lats:             v.Lats,
			Lons:             v.Lons,
			DirectionRadians: v.DirectionRadians,
		})
	}
	return views, s.timestamp, s.latestStaticKey
}
