// Package localtime converts user-supplied wall-clock times in a named IANA
// zone to absolute UTC instants and back.
package localtime

import (
	"fmt"
	"strings"
	"time"
)

// DefaultZone is used when the caller omits a timezone.
const DefaultZone = "UTC"

const (
	layoutMinute = "2006-01-02T15:04"
	layoutSecond = "2006-01-02T15:04:05"
)

// layouts accepted for wall-clock input, most specific first.
var layouts = []string{
	layoutSecond,
	layoutMinute,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// LoadZone resolves an IANA zone name. Empty means DefaultZone.
func LoadZone(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	return loc, nil
}

// Normalize interprets local as a wall-clock time in zone and returns the
// matching instant in UTC. Wall times that fall in a DST gap are shifted
// forward by the gap, as time.Date does.
func Normalize(local, zone string) (time.Time, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}

	local = strings.TrimSpace(local)
	if local == "" {
		return time.Time{}, fmt.Errorf("local time is empty")
	}

	// Full RFC 3339 carries its own offset; the zone is then display only.
	if t, err := time.Parse(time.RFC3339, local); err == nil {
		return t.UTC(), nil
	}

	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, local, loc)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a local date and time (expected YYYY-MM-DDTHH:MM)", local)
}

// Local renders instant as a wall-clock string in zone. The seconds are
// omitted when zero so values produced from minute-precision input read back
// unchanged.
func Local(instant time.Time, zone string) (string, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return "", err
	}
	t := instant.In(loc)
	if t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(layoutMinute), nil
	}
	return t.Format(layoutSecond), nil
}
