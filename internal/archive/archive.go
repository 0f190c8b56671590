// Package archive implements the fetcher's append-only, rotating on-disk
// record store: two row tables (realtime, static) backed by a pure-Go
// SQLite database per rotation window.
package archive

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// MaxSnapshotCount is the number of *new* (non-deduplicated) realtime rows
// after which the current archive file is closed and a fresh one opened.
const MaxSnapshotCount = 10000

// Store is the fetcher's exclusive handle on the on-disk archive. It is
// not safe for concurrent use: the fetcher control loop is single
// threaded and owns the Store outright.
type Store struct {
	dir string
	log *logrus.Entry

	db               *sql.DB
	path             string
	newRealtimeCount int
	maxCount         int
}

// Open creates a fresh archive file under dir and opens its two tables.
func Open(dir string, log *logrus.Entry) (*Store, error) {
	return OpenWithMaxCount(dir, log, MaxSnapshotCount)
}

// OpenWithMaxCount is like Open but overrides the rotation threshold;
// exported for tests that need to exercise rotation without inserting
// MaxSnapshotCount rows.
func OpenWithMaxCount(dir string, log *logrus.Entry, maxCount int) (*Store, error) {
	s := &Store{dir: dir, log: log, maxCount: maxCount}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rotate() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.WithError(err).Warn("error closing previous archive file")
		}
	}

	name := fmt.Sprintf("snapshots_%s.db", time.Now().Format("20060102_150405"))
	path := filepath.Join(s.dir, name)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return errors.Wrapf(err, "archive: open %s", path)
	}
	if err := createTables(db); err != nil {
		return errors.Wrapf(err, "archive: create tables in %s", path)
	}

	s.log.WithField("path", path).Info("opened new archive file")
	s.db = db
	s.path = path
	s.newRealtimeCount = 0
	return nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS realtime_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fetched_at REAL NOT NULL,
			snapshot_at INTEGER NOT NULL,
			gzipped_data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS static_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fetched_at REAL NOT NULL,
			gzipped_data BLOB NOT NULL,
			calendar_date TEXT NOT NULL
		);
	`)
	return err
}

// AppendRealtime inserts one realtime row. When dedup is true, gzippedData
// is expected to be empty: the row marks continuity with the previously
// stored payload without re-storing it, and does not count toward
// rotation.
func (s *Store) AppendRealtime(fetchedAt time.Time, snapshotAt int64, gzippedData []byte, dedup bool) error {
	_, err := s.db.Exec(
		`INSERT INTO realtime_snapshots (fetched_at, snapshot_at, gzipped_data) VALUES (?, ?, ?)`,
		float64(fetchedAt.UnixMilli())/1000, snapshotAt, gzippedData,
	)
	if err != nil {
		return errors.Wrap(err, "archive: insert realtime row")
	}

	if dedup {
		return nil
	}

	s.newRealtimeCount++
	if s.newRealtimeCount >= s.maxCount {
		s.log.WithField("count", s.newRealtimeCount).Info("rotating archive after max snapshot count")
		return s.rotate()
	}
	return nil
}

// AppendStatic inserts one static row. Static rows never trigger rotation.
func (s *Store) AppendStatic(fetchedAt time.Time, gzippedData []byte, calendarDate time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO static_snapshots (fetched_at, gzipped_data, calendar_date) VALUES (?, ?, ?)`,
		float64(fetchedAt.UnixMilli())/1000, gzippedData, calendarDate.Format("2006-01-02"),
	)
	return errors.Wrap(err, "archive: insert static row")
}

// Close closes the currently open archive file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the path of the currently open archive file.
func (s *Store) Path() string {
	return s.path
}
