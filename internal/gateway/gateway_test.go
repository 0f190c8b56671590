package gateway_test

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/zet-transit/gtfs-live/internal/gateway"
)

func silentLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return logrus.NewEntry(l)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func realtimeFeed(t *testing.T, tripID, routeID string, ts uint64, lat, lon float32) []byte {
	t.Helper()
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(ts),
		},
		Entity: []*gtfs.FeedEntity{
			{
				Id: proto.String(tripID),
				Vehicle: &gtfs.VehiclePosition{
					Trip: &gtfs.TripDescriptor{
						TripId:  proto.String(tripID),
						RouteId: proto.String(routeID),
					},
					Position: &gtfs.Position{
						Latitude:  proto.Float32(lat),
						Longitude: proto.Float32(lon),
					},
					Timestamp: proto.Uint64(ts),
				},
			},
		},
	}
	raw, err := proto.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func staticZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	trips, err := zw.Create("trips.txt")
	require.NoError(t, err)
	_, err = trips.Write([]byte("trip_id,shape_id\nT1,S1\n"))
	require.NoError(t, err)

	shapes, err := zw.Create("shapes.txt")
	require.NoError(t, err)
	_, err = shapes.Write([]byte(
		"shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
			"S1,45.8,15.9,1\nS1,45.81,15.91,2\n"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestHandleRealtimeFansOutToConnectedClients(t *testing.T) {
	svc := gateway.New(silentLog())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", svc.ServeWS)
	mux.HandleFunc("/ws-v1", svc.ServeWSV1)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	var upgraderDialer websocket.Dialer
	connV0, _, err := upgraderDialer.Dial(wsURL+"/ws", nil)
	require.NoError(t, err)
	defer connV0.Close()

	connV1, _, err := upgraderDialer.Dial(wsURL+"/ws-v1", nil)
	require.NoError(t, err)
	defer connV1.Close()

	time.Sleep(50 * time.Millisecond) // let both connections register

	gzipped := gzipBytes(t, realtimeFeed(t, "T1", "42", 1700000000, 45.8, 15.9))
	svc.HandleRealtime(gzipped)

	require.NoError(t, connV0.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, v0Msg, err := connV0.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, connV1.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, v1Msg, err := connV1.ReadMessage()
	require.NoError(t, err)

	var v0 []struct {
		RouteID int64 `json:"routeId"`
	}
	require.NoError(t, json.Unmarshal(v0Msg, &v0))
	require.Len(t, v0, 1)
	require.EqualValues(t, 42, v0[0].RouteID)

	var v1 struct {
		Vehicles struct {
			RouteIDs []int64 `json:"routeIds"`
		} `json:"vehicles"`
	}
	require.NoError(t, json.Unmarshal(v1Msg, &v1))
	require.Len(t, v1.Vehicles.RouteIDs, 1)
	require.EqualValues(t, 42, v1.Vehicles.RouteIDs[0])
}

func TestNewClientReceivesLatestMessageImmediately(t *testing.T) {
	svc := gateway.New(silentLog())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", svc.ServeWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gzipped := gzipBytes(t, realtimeFeed(t, "T1", "7", 1700000000, 45.8, 15.9))
	svc.HandleRealtime(gzipped)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var v0 []struct {
		RouteID int64 `json:"routeId"`
	}
	require.NoError(t, json.Unmarshal(msg, &v0))
	require.Len(t, v0, 1)
	require.EqualValues(t, 7, v0[0].RouteID)
}

func TestHandleStaticAndServeStatic(t *testing.T) {
	svc := gateway.New(silentLog())
	srv := httptest.NewServer(http.HandlerFunc(svc.ServeStatic))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/static/missing-key")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	svc.HandleStatic(gzipBytes(t, staticZip(t)))

	// The key is minted internally from the wall clock at minute
	// granularity, so the test recomputes it from time.Now() below. A
	// realtime update is ingested against the new static snapshot first.
	svc.HandleRealtime(gzipBytes(t, realtimeFeed(t, "T1", "1", 1700000000, 45.8, 15.9)))

	key := time.Now().Format("2006-01-02-15-04")
	resp2, err := http.Get(srv.URL + "/static/" + key)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Equal(t, "public, max-age=31536000", resp2.Header.Get("Cache-Control"))

	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "\"ids\"")
}
