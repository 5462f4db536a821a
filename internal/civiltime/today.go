// Package civiltime resolves the calendar day an org observes.
package civiltime

import (
	"strings"
	"time"
	_ "time/tzdata"
)

// DateLayout is the calendar date format used by report queries and cursors.
const DateLayout = "2006-01-02"

// Location returns the zone for a country code and whether the country was known.
// Unknown or empty countries resolve to UTC.
func Location(country string) (*time.Location, bool) {
	name, ok := countryZones[strings.ToUpper(strings.TrimSpace(country))]
	if !ok {
		return time.UTC, false
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, false
	}
	return location, true
}

// Today returns midnight UTC of the civil date observed in the country at instant now.
func Today(country string, now time.Time) time.Time {
	location, _ := Location(country)
	local := now.In(location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into midnight UTC.
func ParseDate(value string) (time.Time, error) {
	return time.Parse(DateLayout, value)
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(value time.Time) string {
	return value.Format(DateLayout)
}

// DaysBetween returns the number of whole days from earlier to later.
func DaysBetween(earlier, later time.Time) int {
	return int(later.Sub(earlier).Hours() / 24)
}
