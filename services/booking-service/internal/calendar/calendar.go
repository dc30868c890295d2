// Package calendar talks to the practitioner's calendar: it reports busy
// time for slot generation and records confirmed appointments as events.
package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
)

var (
	// ErrAvailabilityUnknown means busy time could not be fetched. Callers
	// must not treat it as an empty calendar.
	ErrAvailabilityUnknown = errors.New("availability unknown")
	ErrCalendarWriteFailed = errors.New("calendar write failed")
)

type BusySource interface {
	QueryBusy(ctx context.Context, from, to time.Time) ([]availability.Interval, error)
}

type Writer interface {
	CreateEvent(ctx context.Context, ev Event) (string, error)
}

type Event struct {
	Title         string
	Description   string
	Start         time.Time
	End           time.Time
	Timezone      string
	AttendeeName  string
	AttendeeEmail string
}

// Disabled is used when no calendar is configured (local development). It
// reports no busy time and records nothing.
type Disabled struct{}

func (Disabled) QueryBusy(context.Context, time.Time, time.Time) ([]availability.Interval, error) {
	return nil, nil
}

func (Disabled) CreateEvent(context.Context, Event) (string, error) {
	return "", nil
}
