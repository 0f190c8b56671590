// Package staticindex builds the gateway's join table from a static GTFS
// snapshot: trip_id -> shape_id, and shape_id -> ordered polyline.
package staticindex

import (
	"archive/zip"
	"bytes"
	"sort"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Shape is an ordered polyline identified by shape_id.
type Shape struct {
	ID   string
	Lats []float64
	Lons []float64
}

// Index is the gateway's derived view of a static snapshot: the trip to
// shape join table, plus every shape's polyline.
type Index struct {
	TripToShapeID map[string]string
	Shapes        map[string]Shape
}

type tripRow struct {
	TripID  string `csv:"trip_id"`
	ShapeID string `csv:"shape_id"`
}

// shapeRow keeps every column as a string: shapes.txt routinely carries
// truncated or blank coordinate rows, and gocsv's typed-field decode fails
// the whole table on the first one it can't convert. Columns are parsed
// individually in parseShapes so one bad row only drops that row.
type shapeRow struct {
	ShapeID  string `csv:"shape_id"`
	Lat      string `csv:"shape_pt_lat"`
	Lon      string `csv:"shape_pt_lon"`
	Sequence string `csv:"shape_pt_sequence"`
}

// BuildFromGzippedZip gunzips gzipped data, opens it as a zip archive, and
// parses trips.txt and shapes.txt into an Index. A malformed row in either
// table is skipped with a log line rather than failing the whole snapshot.
func BuildFromGzippedZip(gzipped []byte, log *logrus.Entry) (*Index, error) {
	raw, err := gunzip(gzipped)
	if err != nil {
		return nil, errors.Wrap(err, "staticindex: gunzip")
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, errors.Wrap(err, "staticindex: open zip")
	}

	tripToShapeID, err := parseTrips(zr, log)
	if err != nil {
		return nil, errors.Wrap(err, "staticindex: parse trips.txt")
	}

	shapes, err := parseShapes(zr, log)
	if err != nil {
		return nil, errors.Wrap(err, "staticindex: parse shapes.txt")
	}

	return &Index{TripToShapeID: tripToShapeID, Shapes: shapes}, nil
}

func parseTrips(zr *zip.Reader, log *logrus.Entry) (map[string]string, error) {
	f, err := zr.Open("trips.txt")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []tripRow
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return nil, err
	}

	tripToShapeID := make(map[string]string, len(rows))
	for _, row := range rows {
		if row.TripID == "" || row.ShapeID == "" {
			log.Warn("skipping trips.txt row missing trip_id or shape_id")
			continue
		}
		tripToShapeID[row.TripID] = row.ShapeID
	}
	return tripToShapeID, nil
}

func parseShapes(zr *zip.Reader, log *logrus.Entry) (map[string]Shape, error) {
	f, err := zr.Open("shapes.txt")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []shapeRow
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return nil, err
	}

	type point struct {
		lat, lon float64
		seq      int
	}
	unsorted := make(map[string][]point)
	for _, row := range rows {
		if row.ShapeID == "" {
			log.Warn("skipping shapes.txt row missing shape_id")
			continue
		}
		lat, err := strconv.ParseFloat(row.Lat, 64)
		if err != nil {
			log.WithField("shape_id", row.ShapeID).Warn("skipping shapes.txt row with unparseable shape_pt_lat")
			continue
		}
		lon, err := strconv.ParseFloat(row.Lon, 64)
		if err != nil {
			log.WithField("shape_id", row.ShapeID).Warn("skipping shapes.txt row with unparseable shape_pt_lon")
			continue
		}
		seq, err := strconv.Atoi(row.Sequence)
		if err != nil {
			log.WithField("shape_id", row.ShapeID).Warn("skipping shapes.txt row with unparseable shape_pt_sequence")
			continue
		}
		unsorted[row.ShapeID] = append(unsorted[row.ShapeID], point{lat, lon, seq})
	}

	shapes := make(map[string]Shape, len(unsorted))
	for id, points := range unsorted {
		sort.Slice(points, func(i, j int) bool { return points[i].seq < points[j].seq })
		lats := make([]float64, len(points))
		lons := make([]float64, len(points))
		for i, p := range points {
			lats[i] = p.lat
			lons[i] = p.lon
		}
		shapes[id] = Shape{ID: id, Lats: lats, Lons: lons}
	}
	return shapes, nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
