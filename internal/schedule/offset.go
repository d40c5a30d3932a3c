// Package schedule converts blockage time windows between the compact
// "DDdHHhMMm" offset format used in bulk-upload files and absolute instants.
//
// Offsets are resolved against a reference Anchor (year, month). Day DD is
// the DD-th day of the anchor month; values past the end of the month roll
// over into the following month. Instants are naive: wall-clock fields are
// carried in time.UTC and never converted between zones.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// MaxDayOffset is the largest day value a two-digit token can carry.
const MaxDayOffset = 99

var tokenPattern = regexp.MustCompile(`^(\d{2})d(\d{2})h(\d{2})m$`)

// Anchor is the (year, month) every offset in a batch resolves against.
type Anchor struct {
	Year  int
	Month time.Month
}

// NewAnchor validates year and month and returns an Anchor.
func NewAnchor(year, month int) (Anchor, error) {
	if year < 1 {
		return Anchor{}, fmt.Errorf("%w: year %d", ErrInvalidAnchor, year)
	}
	if month < 1 || month > 12 {
		return Anchor{}, fmt.Errorf("%w: month %d", ErrInvalidAnchor, month)
	}
	return Anchor{Year: year, Month: time.Month(month)}, nil
}

func (a Anchor) String() string {
	return fmt.Sprintf("%04d-%02d", a.Year, int(a.Month))
}

// dayZero is midnight of the day before the first of the anchor month.
func (a Anchor) dayZero() time.Time {
	return time.Date(a.Year, a.Month, 0, 0, 0, 0, 0, time.UTC)
}

// DecodeOffset resolves token against the anchor.
func DecodeOffset(token string, anchor Anchor) (time.Time, error) {
	m := tokenPattern.FindStringSubmatch(token)
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedToken, token)
	}
	// The pattern guarantees two ASCII digits per group.
	days, _ := strconv.Atoi(m[1])
	hours, _ := strconv.Atoi(m[2])
	minutes, _ := strconv.Atoi(m[3])

	// 24h or 60m would alias another token and break the round trip.
	if hours > 23 {
		return time.Time{}, fmt.Errorf("%w: hour %02d out of range in %q", ErrMalformedToken, hours, token)
	}
	if minutes > 59 {
		return time.Time{}, fmt.Errorf("%w: minute %02d out of range in %q", ErrMalformedToken, minutes, token)
	}

	// DD is the calendar day: 01d is the 1st, 00d the day before it.
	return time.Date(anchor.Year, anchor.Month, days, hours, minutes, 0, 0, time.UTC), nil
}

// EncodeOffset is the inverse of DecodeOffset. Only the wall-clock fields of
// t are used; its location is ignored.
func EncodeOffset(t time.Time, anchor Anchor) (string, error) {
	naive := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	if naive.Second() != 0 || naive.Nanosecond() != 0 {
		return "", fmt.Errorf("%w: %s has sub-minute precision", ErrUnrepresentable, naive.Format(time.DateTime))
	}

	elapsed := naive.Sub(anchor.dayZero())
	if elapsed < 0 {
		return "", fmt.Errorf("%w: %s is before anchor %s", ErrUnrepresentable, naive.Format(time.DateTime), anchor)
	}

	days := int(elapsed / (24 * time.Hour))
	if days > MaxDayOffset {
		return "", fmt.Errorf("%w: %s is %d days past anchor %s", ErrUnrepresentable, naive.Format(time.DateTime), days, anchor)
	}

	return fmt.Sprintf("%02dd%02dh%02dm", days, naive.Hour(), naive.Minute()), nil
}
