package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the plain wire format used everywhere: payloads,
// storage and crash messages all normalize to this before leaving a process.
const TimestampLayout = "2006-01-02 15:04:05"

var winDateRe = regexp.MustCompile(`^/Date\((\d+)\)/$`)

// FormatTimestamp renders t in the plain wire format.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ParseFlexible accepts the timestamp shapes seen on the wire:
//   - plain "YYYY-MM-DD HH:MM:SS"
//   - ISO with a T separator, with or without fractional seconds
//   - bare "YYYY-MM-DD"
//   - the legacy "/Date(ms)/" millisecond-epoch wrapper
//
// The zero time and false are returned for anything unrecognized.
func ParseFlexible(v string) (time.Time, bool) {
	s := strings.TrimSpace(v)
	if s == "" {
		return time.Time{}, false
	}

	if m := winDateRe.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}

	s = strings.Replace(s, "T", " ", 1)
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range []string{
		TimestampLayout,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
