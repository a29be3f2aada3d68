// Package partition encodes the (date, hour) buckets raw files are delivered
// in and enumerates them on disk.
package partition

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	datePrefix = "date="
	hourPrefix = "hour="
	dateLayout = "2006-01-02"
)

// Key identifies one partition. Date is midnight UTC.
type Key struct {
	Date time.Time
	Hour int
}

// NewKey builds a Key, truncating date to the calendar day.
func NewKey(date time.Time, hour int) Key {
	y, m, d := date.Date()
	return Key{Date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Hour: hour}
}

// ParseKey parses a pair of raw directory names.
func ParseKey(dateDir, hourDir string) (Key, error) {
	date, err := ParseDate(dateDir)
	if err != nil {
		return Key{}, err
	}
	hour, err := ParseHour(hourDir)
	if err != nil {
		return Key{}, err
	}
	return Key{Date: date, Hour: hour}, nil
}

// ParseDate strips the "date=" prefix and parses YYYY-MM-DD.
func ParseDate(dir string) (time.Time, error) {
	raw, ok := strings.CutPrefix(dir, datePrefix)
	if !ok {
		return time.Time{}, fmt.Errorf("partition date %q: missing %q prefix", dir, datePrefix)
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("partition date %q: %w", dir, err)
	}
	return t, nil
}

// ParseHour strips the "hour=" prefix and parses a zero-padded hour.
func ParseHour(dir string) (int, error) {
	raw, ok := strings.CutPrefix(dir, hourPrefix)
	if !ok {
		return 0, fmt.Errorf("partition hour %q: missing %q prefix", dir, hourPrefix)
	}
	if len(raw) != 2 {
		return 0, fmt.Errorf("partition hour %q: expected two digits", dir)
	}
	h, err := strconv.Atoi(raw)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("partition hour %q: not an hour of the day", dir)
	}
	return h, nil
}

// FormatDateDir is the inverse of ParseDate.
func FormatDateDir(date time.Time) string {
	return datePrefix + date.Format(dateLayout)
}

// FormatHourDir is the inverse of ParseHour.
func FormatHourDir(hour int) string {
	return fmt.Sprintf("%s%02d", hourPrefix, hour)
}

// DateString is the bare date used by processed and archive layouts.
func (k Key) DateString() string { return k.Date.Format(dateLayout) }

// HourString is the zero-padded hour used by processed and archive layouts.
func (k Key) HourString() string { return fmt.Sprintf("%02d", k.Hour) }

func (k Key) DateDir() string { return FormatDateDir(k.Date) }
func (k Key) HourDir() string { return FormatHourDir(k.Hour) }

func (k Key) String() string { return k.DateDir() + "/" + k.HourDir() }

// Before orders keys chronologically.
func (k Key) Before(o Key) bool {
	if !k.Date.Equal(o.Date) {
		return k.Date.Before(o.Date)
	}
	return k.Hour < o.Hour
}
