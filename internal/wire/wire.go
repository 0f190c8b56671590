// Package wire implements the gateway's two versioned client-facing JSON
// encodings (v0, v1) and the coordinate/timestamp compression rules they
// share with the static shape bundle encoding.
package wire

import (
	"encoding/json"
	"math"
)

// Fixed reference point used to delta-encode every coordinate sent to map
// clients, for both vehicle positions (v1) and shape polylines.
const (
	RefLat                 = 45.815
	RefLon                 = 15.9819
	CoordNumDigits         = 6
	TrajectoryOutputLength = 6
)

// CompressCoords delta-encodes a sequence against ref, then against its own
// predecessor: round((v0-ref)*1e6), round((v1-v0)*1e6), ...
func CompressCoords(ref float64, values []float64) []int64 {
	factor := math.Pow(10, CoordNumDigits)
	out := make([]int64, len(values))
	prev := ref
	for i, v := range values {
		out[i] = round((v - prev) * factor)
		prev = v
	}
	return out
}

// DecompressCoords reverses CompressCoords, reconstructing the original
// sequence to within the rounding error of the encoding.
func DecompressCoords(ref float64, deltas []int64) []float64 {
	factor := math.Pow(10, CoordNumDigits)
	out := make([]float64, len(deltas))
	prev := ref
	for i, d := range deltas {
		v := prev + float64(d)/factor
		out[i] = v
		prev = v
	}
	return out
}

func round(v float64) int64 {
	if v >= 0 {
		return int64(v + 0.5)
	}
	return int64(v - 0.5)
}

// VehicleView is the subset of a tracked vehicle's state needed to encode
// both wire versions. Lats/Lons are head-newest (index 0 is most recent),
// matching the world model's internal storage order.
type VehicleView struct {
	RouteID          int64
	ShapeID          *string
	Timestamp        int64
	Lats             []float64
	Lons             []float64
	DirectionRadians *float64
}

func directionDegrees(radians *float64) *int {
	if radians == nil {
		return nil
	}
	deg := int(round(*radians * 180 / math.Pi))
	return &deg
}

func headNewest(values []float64, n int) []float64 {
	if len(values) > n {
		return values[:n]
	}
	return values
}

func reversed(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[len(values)-1-i] = v
	}
	return out
}

type v0Vehicle struct {
	RouteID          int64     `json:"routeId"`
	Timestamp        int64     `json:"timestamp"`
	Lat              []float64 `json:"lat"`
	Lon              []float64 `json:"lon"`
	DirectionDegrees *int      `json:"directionDegrees"`
}

// EncodeV0 renders the given vehicles as the v0 wire format: a JSON array,
// lat/lon given oldest-to-newest, directionDegrees an int or null.
func EncodeV0(vehicles []VehicleView) (string, error) {
	out := make([]v0Vehicle, len(vehicles))
	for i, v := range vehicles {
		out[i] = v0Vehicle{
			RouteID:          v.RouteID,
			Timestamp:        v.Timestamp,
			Lat:              reversed(headNewest(v.Lats, TrajectoryOutputLength)),
			Lon:              reversed(headNewest(v.Lons, TrajectoryOutputLength)),
			DirectionDegrees: directionDegrees(v.DirectionRadians),
		}
	}
	return compactJSON(out)
}

type v1Vehicles struct {
	RouteIDs         []int64     `json:"routeIds"`
	ShapeIDs         []*string   `json:"shapeIds"`
	Timestamps       []int64     `json:"timestamps"`
	CompressedLats   [][]int64   `json:"compressedLats"`
	CompressedLons   [][]int64   `json:"compressedLons"`
	DirectionDegrees []*int      `json:"directionDegrees"`
}

type v1Message struct {
	Vehicles        v1Vehicles `json:"vehicles"`
	Timestamp       int64      `json:"timestamp"`
	LatestStaticKey *string    `json:"latestStaticKey"`
}

// EncodeV1 renders the given vehicles as the v1 wire format: a
// structure-of-arrays object with delta-compressed coordinates and
// timestamps relative to refTimestamp.
func EncodeV1(vehicles []VehicleView, refTimestamp int64, latestStaticKey *string) (string, error) {
	v := v1Vehicles{
		RouteIDs:         make([]int64, len(vehicles)),
		ShapeIDs:         make([]*string, len(vehicles)),
		Timestamps:       make([]int64, len(vehicles)),
		CompressedLats:   make([][]int64, len(vehicles)),
		CompressedLons:   make([][]int64, len(vehicles)),
		DirectionDegrees: make([]*int, len(vehicles)),
	}
	for i, veh := range vehicles {
		v.RouteIDs[i] = veh.RouteID
		v.ShapeIDs[i] = veh.ShapeID
		v.Timestamps[i] = refTimestamp - veh.Timestamp
		v.CompressedLats[i] = CompressCoords(RefLat, headNewest(veh.Lats, TrajectoryOutputLength))
		v.CompressedLons[i] = CompressCoords(RefLon, headNewest(veh.Lons, TrajectoryOutputLength))
		v.DirectionDegrees[i] = directionDegrees(veh.DirectionRadians)
	}

	msg := v1Message{
		Vehicles:        v,
		Timestamp:       refTimestamp,
		LatestStaticKey: latestStaticKey,
	}
	return compactJSON(msg)
}

func compactJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
