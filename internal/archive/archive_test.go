package archive_test

import (
	"database/sql"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/zet-transit/gtfs-live/internal/archive"
)

func silentLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return logrus.NewEntry(l)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAppendRealtimeDedupRow(t *testing.T) {
	dir := t.TempDir()
	store, err := archive.Open(dir, silentLog())
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	require.NoError(t, store.AppendRealtime(now, 1700000000, []byte("gzipped-1"), false))
	require.NoError(t, store.AppendRealtime(now, 1700000000, nil, true))
	require.NoError(t, store.AppendRealtime(now, 1700000000, nil, true))

	db, err := sql.Open("sqlite", store.Path())
	require.NoError(t, err)
	defer db.Close()

	var total, nonEmpty int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM realtime_snapshots`).Scan(&total))
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM realtime_snapshots WHERE length(gzipped_data) > 0`).Scan(&nonEmpty))

	require.Equal(t, 3, total)
	require.Equal(t, 1, nonEmpty)
}

func TestRotationAfterMaxCount(t *testing.T) {
	dir := t.TempDir()
	store, err := archive.OpenWithMaxCount(dir, silentLog(), 3)
	require.NoError(t, err)
	defer store.Close()

	firstPath := store.Path()
	now := time.Now()
	for i := 0; i < 2; i++ {
		require.NoError(t, store.AppendRealtime(now, int64(i), []byte("x"), false))
	}
	require.Equal(t, firstPath, store.Path())

	time.Sleep(1100 * time.Millisecond) // rotation filenames have second granularity
	require.NoError(t, store.AppendRealtime(now, 2, []byte("x"), false))
	require.NotEqual(t, firstPath, store.Path(), "archive should rotate after hitting maxCount new rows")
}

func TestAppendStaticDoesNotRotate(t *testing.T) {
	dir := t.TempDir()
	store, err := archive.OpenWithMaxCount(dir, silentLog(), 1)
	require.NoError(t, err)
	defer store.Close()

	firstPath := store.Path()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendStatic(time.Now(), []byte("x"), time.Now()))
	}
	require.Equal(t, firstPath, store.Path())
}
