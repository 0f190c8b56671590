package snapshot

import (
	"errors"
	"io"
	"strconv"
)

var errNoValidRows = errors.New("snapshot: no valid rows found")

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

func parseRouteID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
