// Package snapshot implements the fetcher-side processing of both upstream
// feeds: decoding/validating/tagging a realtime payload, and the shallow
// parse of a static GTFS bundle needed to decide the calendar date.
package snapshot

import (
	"bytes"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
)

// Realtime is an immutable record of one fetched realtime payload.
type Realtime struct {
	RawBytes     []byte
	GzippedBytes []byte
	FetchedAt    time.Time
	SnapshotAt   int64 // feed-declared epoch seconds; 0 means invalid.
}

// Valid reports whether the feed's header timestamp was readable.
func (r Realtime) Valid() bool {
	return r.SnapshotAt > 0
}

// ProcessRealtime gzips raw, attempts a protobuf decode, and extracts the
// feed header's timestamp. On any decode failure the raw and gzipped bytes
// are still returned, with SnapshotAt left at zero, so the archive keeps a
// faithful copy of the payload even when the feed is unparseable.
func ProcessRealtime(raw []byte, fetchedAt time.Time, log *logrus.Entry) Realtime {
	gzipped := gzipBytes(raw, log)

	var timestamp int64
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(raw, feed); err != nil {
		log.WithError(err).Error("failed to parse realtime GTFS payload")
	} else if feed.GetHeader().Timestamp != nil {
		timestamp = int64(feed.GetHeader().GetTimestamp())
	}

	return Realtime{
		RawBytes:     raw,
		GzippedBytes: gzipped,
		FetchedAt:    fetchedAt,
		SnapshotAt:   timestamp,
	}
}

// ParsedVehicle is a single vehicle position read out of a decoded feed.
type ParsedVehicle struct {
	RouteID   int64
	TripID    string
	Timestamp int64
	Lat       float64
	Lon       float64
}

// ParsedFeed is the decoded realtime feed: every parseable vehicle plus the
// feed-level header timestamp.
type ParsedFeed struct {
	Vehicles  []ParsedVehicle
	Timestamp int64
}

// DecodeFeed parses gzip-compressed, protobuf-encoded realtime bytes into a
// ParsedFeed. Vehicles missing a required field are dropped with a log
// line; the feed itself is never rejected for a single bad vehicle.
func DecodeFeed(gzipped []byte, log *logrus.Entry) (*ParsedFeed, error) {
	raw, err := gunzipBytes(gzipped)
	if err != nil {
		return nil, err
	}

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(raw, feed); err != nil {
		return nil, err
	}

	vehicles := make([]ParsedVehicle, 0, len(feed.GetEntity()))
	for _, entity := range feed.GetEntity() {
		v := entity.GetVehicle()
		if v == nil {
			continue
		}
		pv, ok := parseVehicle(v)
		if !ok {
			log.Warn("dropping vehicle entity missing required fields")
			continue
		}
		vehicles = append(vehicles, pv)
	}

	return &ParsedFeed{
		Vehicles:  vehicles,
		Timestamp: int64(feed.GetHeader().GetTimestamp()),
	}, nil
}

func parseVehicle(v *gtfs.VehiclePosition) (ParsedVehicle, bool) {
	trip := v.GetTrip()
	pos := v.GetPosition()
	if trip == nil || pos == nil || trip.RouteId == nil || trip.TripId == nil || v.Timestamp == nil {
		return ParsedVehicle{}, false
	}
	routeID, err := parseRouteID(trip.GetRouteId())
	if err != nil {
		return ParsedVehicle{}, false
	}
	return ParsedVehicle{
		RouteID:   routeID,
		TripID:    trip.GetTripId(),
		Timestamp: int64(v.GetTimestamp()),
		Lat:       float64(pos.GetLatitude()),
		Lon:       float64(pos.GetLongitude()),
	}, true
}

func gzipBytes(raw []byte, log *logrus.Entry) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		log.WithError(err).Error("failed to gzip payload")
	}
	if err := w.Close(); err != nil {
		log.WithError(err).Error("failed to flush gzip writer")
	}
	return buf.Bytes()
}

func gunzipBytes(gzipped []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readAll(r)
}
