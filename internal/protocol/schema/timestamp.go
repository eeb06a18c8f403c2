package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var timestampPattern = regexp.MustCompile(
	`^(-?\d{4})-(\d{2})-(\d{2})T(\d{2}):(\d{2}):(\d{2})(\.\d{1,6})?(Z|[-+]\d{2}:\d{2})?$`,
)

// ParseTimestamp parses an XEP-0082 date-time. Missing zone means UTC.
// Out-of-range fields (month 13, Feb 30) are rejected.
func ParseTimestamp(raw string) (time.Time, bool) {
	m := timestampPattern.FindStringSubmatch(raw)
	if m == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	sec, _ := strconv.Atoi(m[6])

	nsec := 0
	if frac := m[7]; frac != "" {
		digits := frac[1:]
		n, _ := strconv.Atoi(digits)
		for i := len(digits); i < 9; i++ {
			n *= 10
		}
		nsec = n
	}

	loc := time.UTC
	if tz := m[8]; tz != "" && tz != "Z" {
		th, _ := strconv.Atoi(tz[1:3])
		tm, _ := strconv.Atoi(tz[4:6])
		if th > 23 || tm > 59 {
			return time.Time{}, false
		}
		offset := th*3600 + tm*60
		if tz[0] == '-' {
			offset = -offset
		}
		loc = time.FixedZone("", offset)
	}

	t := time.Date(year, time.Month(month), day, hour, minute, sec, nsec, loc)
	// time.Date normalizes overflow; a changed component means invalid input
	if t.Year() != year || int(t.Month()) != month || t.Day() != day ||
		t.Hour() != hour || t.Minute() != minute || t.Second() != sec {
		return time.Time{}, false
	}
	return t, true
}

// FormatTimestamp renders t with microsecond precision. UTC renders as "Z".
func FormatTimestamp(t time.Time) string {
	base := t.Format("2006-01-02T15:04:05.999999")
	_, offset := t.Zone()
	if offset == 0 {
		return base + "Z"
	}
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%s%c%02d:%02d", base, sign, offset/3600, (offset%3600)/60)
}
