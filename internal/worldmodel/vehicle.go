// Package worldmodel maintains the gateway's in-memory map of currently
// tracked vehicles: trajectory tails, derived heading, staleness, and the
// bounded static-snapshot history used to attach route-shape identifiers.
package worldmodel

import (
	"github.com/zet-transit/gtfs-live/internal/geo"
)

// MaxTrajectoryLength bounds the number of positions retained per vehicle.
const MaxTrajectoryLength = 30

// MaxNoUpdateCounter is the number of consecutive missed feeds after which
// a vehicle is evicted.
const MaxNoUpdateCounter = 30

// DirectionThresholdMeters is the minimum haversine distance a past
// position must be from the newest one to be used for heading.
const DirectionThresholdMeters = 20.0

// Vehicle is a single tracked vehicle. Lats/Lons are head-newest: index 0
// is always the most recent position.
type Vehicle struct {
	RouteID          int64
	ShapeID          *string
	Timestamp        int64
	Lats             []float64
	Lons             []float64
	DirectionRadians *float64
	NoUpdateCounter  int
}

func newVehicle(routeID int64, shapeID *string) *Vehicle {
	return &Vehicle{RouteID: routeID, ShapeID: shapeID}
}

// update records a newly observed position, trimming the trajectory tail,
// recomputing heading, and attaching a late-arriving shape_id if the
// vehicle didn't have one yet.
func (v *Vehicle) update(timestamp int64, lat, lon float64, shapeID *string) {
	v.Lats = prepend(v.Lats, lat, MaxTrajectoryLength)
	v.Lons = prepend(v.Lons, lon, MaxTrajectoryLength)
	v.Timestamp = timestamp
	v.NoUpdateCounter = 0
	v.DirectionRadians = computeDirection(v.Lats, v.Lons)

	if v.ShapeID == nil && shapeID != nil {
		v.ShapeID = shapeID
	}
}

func prepend(values []float64, v float64, max int) []float64 {
	out := make([]float64, 0, max)
	out = append(out, v)
	out = append(out, values...)
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// computeDirection scans from the most recent position to older ones and
// returns the bearing from the first point farther than
// DirectionThresholdMeters away to the newest position. Returns nil if no
// such point exists (the
// vehicle is effectively stationary within GPS jitter).
func computeDirection(lats, lons []float64) *float64 {
	if len(lats) < 2 {
		return nil
	}
	newestLat, newestLon := lats[0], lons[0]
	for i := 1; i < len(lats); i++ {
		dist := geo.Haversine(newestLat, newestLon, lats[i], lons[i])
		if dist > DirectionThresholdMeters {
			angle := geo.Bearing(lats[i], lons[i], newestLat, newestLon)
			return &angle
		}
	}
	return nil
}
