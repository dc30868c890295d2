package availability

import (
	"fmt"
	"time"
)

// CalendarDate is a day with no time component. It is interpreted in
// whatever location the caller pairs it with.
type CalendarDate struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func ParseDate(s string) (CalendarDate, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return CalendarDate{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return CalendarDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// DateOf returns the calendar date of t as seen in loc.
func DateOf(t time.Time, loc *time.Location) CalendarDate {
	t = t.In(loc)
	return CalendarDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func (d CalendarDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d CalendarDate) IsZero() bool {
	return d == CalendarDate{}
}

// At returns the wall-clock instant hour:00 on d in loc. hour may be 24,
// which is midnight at the end of the day.
func (d CalendarDate) At(hour int, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, 0, 0, 0, loc)
}

func (d CalendarDate) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

func (d CalendarDate) AddDays(n int) CalendarDate {
	t := time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC)
	return CalendarDate{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// IsSelectableDay reports whether clients may pick d at all. Saturdays and
// Sundays are never offered; GenerateSlots does not apply this rule itself.
func IsSelectableDay(d CalendarDate) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}
