package snapshot

import (
	"archive/zip"
	"bytes"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
)

// InvalidCalendarDate is the sentinel "no valid calendar.txt row was seen".
var InvalidCalendarDate = time.Unix(0, 0).UTC()

// Static is an immutable record of one fetched static (zipped CSV bundle)
// payload.
type Static struct {
	RawBytes     []byte
	GzippedBytes []byte
	FetchedAt    time.Time
	CalendarDate time.Time // minimum start_date across calendar.txt rows.
}

// Valid reports whether a usable calendar.txt was found.
func (s Static) Valid() bool {
	return s.CalendarDate.After(InvalidCalendarDate)
}

type calendarRow struct {
	StartDate string `csv:"start_date"`
}

// ProcessStatic gzips raw and extracts the minimum start_date from
// calendar.txt. Any failure (corrupt zip, missing table, unparseable date)
// yields the sentinel CalendarDate while still preserving raw/gzipped
// bytes for the archive.
func ProcessStatic(raw []byte, fetchedAt time.Time, log *logrus.Entry) Static {
	gzipped := gzipBytes(raw, log)
	date, err := minCalendarStartDate(raw)
	if err != nil {
		log.WithError(err).Error("failed to parse static GTFS bundle")
		date = InvalidCalendarDate
	}
	return Static{
		RawBytes:     raw,
		GzippedBytes: gzipped,
		FetchedAt:    fetchedAt,
		CalendarDate: date,
	}
}

func minCalendarStartDate(raw []byte) (time.Time, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return InvalidCalendarDate, err
	}

	f, err := zr.Open("calendar.txt")
	if err != nil {
		return InvalidCalendarDate, err
	}
	defer f.Close()

	var rows []calendarRow
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return InvalidCalendarDate, err
	}

	min := InvalidCalendarDate
	found := false
	for _, row := range rows {
		d, err := time.Parse("20060102", row.StartDate)
		if err != nil {
			return InvalidCalendarDate, err
		}
		if !found || d.Before(min) {
			min = d
			found = true
		}
	}
	if !found {
		return InvalidCalendarDate, errNoValidRows
	}
	return min, nil
}
