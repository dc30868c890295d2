package availability

import (
	"fmt"
	"time"
)

// Interval is a half-open [Start, End) span of absolute time. Busy intervals
// come from the calendar and from stored bookings.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) valid() bool {
	return !i.Start.IsZero() && !i.End.IsZero() && i.End.After(i.Start)
}

// Overlaps uses half-open semantics: touching intervals do not overlap.
func (i Interval) Overlaps(start, end time.Time) bool {
	return start.Before(i.End) && i.Start.Before(end)
}

type Slot struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Label          string    `json:"label"`
	ViewerTimezone string    `json:"viewer_timezone"`
}

const LabelLayout = "3:04 PM"

// GenerateSlots returns the bookable slots of day for cfg, rendered for a
// viewer in viewerTimezone. A slot is dropped when it starts at or before now,
// when it overlaps any valid busy interval, or when it would run past the end
// of the window. Busy intervals with a missing bound or non-positive length
// are ignored. The result is ascending by start and may be empty.
func GenerateSlots(day CalendarDate, busy []Interval, cfg Config, viewerTimezone string, now time.Time) ([]Slot, error) {
	windowStart, windowEnd, err := cfg.Window(day)
	if err != nil {
		return nil, err
	}
	if viewerTimezone == "" {
		viewerTimezone = cfg.ServiceTimezone
	}
	viewer, err := time.LoadLocation(viewerTimezone)
	if err != nil {
		return nil, fmt.Errorf("%w: viewer timezone %q: %v", ErrInvalidConfiguration, viewerTimezone, err)
	}

	usable := make([]Interval, 0, len(busy))
	for _, b := range busy {
		if b.valid() && b.Overlaps(windowStart, windowEnd) {
			usable = append(usable, b)
		}
	}

	step := cfg.SlotDuration()
	slots := []Slot{}
	for start := windowStart; !start.Add(step).After(windowEnd); start = start.Add(step) {
		end := start.Add(step)
		if !start.After(now) {
			continue
		}
		if overlapsAny(start, end, usable) {
			continue
		}
		slots = append(slots, Slot{
			Start:          start,
			End:            end,
			Label:          start.In(viewer).Format(LabelLayout),
			ViewerTimezone: viewerTimezone,
		})
	}
	return slots, nil
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}

// Contains reports whether start is the start of one of slots.
func Contains(slots []Slot, start time.Time) (Slot, bool) {
	for _, s := range slots {
		if s.Start.Equal(start) {
			return s, true
		}
	}
	return Slot{}, false
}
