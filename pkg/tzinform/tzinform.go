// Package tzinform derives phone-oriented timezone descriptions from
// the IANA timezone database: the standard UTC offset plus the DST
// recurrence rule expressed as month, week and weekday, which is the
// form desk phone configuration formats expect.
package tzinform

import (
	"errors"
	"fmt"
	"time"

	// Embedded timezone database fallback for hosts without a system
	// zoneinfo directory.
	_ "time/tzdata"
)

// ErrTimezoneNotFound is returned for names the timezone database does
// not know.
var ErrTimezoneNotFound = errors.New("timezone not found")

// DSTChange pinpoints one yearly DST transition. Week runs from 1 to
// 5, 5 meaning the last occurrence of Weekday in the month. Weekday
// runs from 1 (Sunday) to 7 (Saturday). Minutes is the wall clock time
// of the change in minutes after midnight, read on the offset in
// effect before the change.
type DSTChange struct {
	Month   int
	Week    int
	Weekday int
	Minutes int
}

// DSTInfo describes the DST rule of a timezone observing DST.
type DSTInfo struct {
	Start       DSTChange
	End         DSTChange
	SaveMinutes int
}

// Rule returns a canonical encoding of the DST rule, usable as a map
// key to group timezones sharing the same rule.
func (d *DSTInfo) Rule() string {
	return fmt.Sprintf("%d,M%d.%d.%d/%d,M%d.%d.%d/%d",
		d.SaveMinutes,
		d.Start.Month, d.Start.Week, d.Start.Weekday, d.Start.Minutes,
		d.End.Month, d.End.Week, d.End.Weekday, d.End.Minutes)
}

// Info is the phone-oriented description of a timezone.
// UTCOffsetMinutes is the standard time offset from UTC in minutes,
// positive east of Greenwich. DST is nil when the timezone does not
// observe daylight saving time.
type Info struct {
	UTCOffsetMinutes int
	DST              *DSTInfo
}

// Get returns the description of the named IANA timezone, following
// the rules in effect this year.
func Get(name string) (*Info, error) {
	if name == "" {
		return nil, fmt.Errorf("empty timezone name: %w", ErrTimezoneNotFound)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, ErrTimezoneNotFound)
	}
	year := time.Now().Year()
	jan := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
	jul := time.Date(year, time.July, 1, 0, 0, 0, 0, loc)
	next := time.Date(year+1, time.January, 1, 0, 0, 0, 0, loc)
	janOff := offsetAt(jan)
	julOff := offsetAt(jul)
	if janOff == julOff {
		return &Info{UTCOffsetMinutes: janOff / 60}, nil
	}
	stdOff, dstOff := janOff, julOff
	if stdOff > dstOff {
		stdOff, dstOff = julOff, janOff
	}
	info := &Info{
		UTCOffsetMinutes: stdOff / 60,
		DST:              &DSTInfo{SaveMinutes: (dstOff - stdOff) / 60},
	}
	first := findTransition(jan, jul)
	second := findTransition(jul, next)
	// A year opening on standard time enters DST at the first
	// transition. In the southern hemisphere the year opens on DST and
	// the first transition falls back to standard time.
	if offsetAt(first) == dstOff {
		info.DST.Start = changeAt(first, stdOff)
		info.DST.End = changeAt(second, dstOff)
	} else {
		info.DST.End = changeAt(first, dstOff)
		info.DST.Start = changeAt(second, stdOff)
	}
	return info, nil
}

// findTransition locates the first instant in (lo, hi] whose UTC
// offset differs from the offset at lo. lo and hi must have different
// offsets.
func findTransition(lo, hi time.Time) time.Time {
	loOff := offsetAt(lo)
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if offsetAt(mid) == loOff {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

func offsetAt(t time.Time) int {
	_, off := t.Zone()
	return off
}

// changeAt converts a transition instant into its recurrence rule
// form, reading the wall clock on the offset in effect before the
// change.
func changeAt(t time.Time, beforeOff int) DSTChange {
	wall := t.In(time.FixedZone("", beforeOff))
	day := wall.Day()
	week := (day-1)/7 + 1
	if day+7 > daysIn(wall.Year(), wall.Month()) {
		week = 5
	}
	return DSTChange{
		Month:   int(wall.Month()),
		Week:    week,
		Weekday: int(wall.Weekday()) + 1,
		Minutes: wall.Hour()*60 + wall.Minute(),
	}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
