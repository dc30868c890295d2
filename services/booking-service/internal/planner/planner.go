// Package planner feeds slot generation: it filters unselectable days and
// merges calendar busy time with appointments already stored.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/calendar"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/catalog"
)

var ErrSlotUnavailable = errors.New("slot is not available")

// BookedLister returns intervals held by stored, non-cancelled appointments.
type BookedLister interface {
	ListBookedIntervals(ctx context.Context, from, to time.Time) ([]availability.Interval, error)
}

type Planner struct {
	busy   calendar.BusySource
	booked BookedLister
}

func New(busy calendar.BusySource, booked BookedLister) *Planner {
	return &Planner{busy: busy, booked: booked}
}

// Slots returns the open slots of svc on day for a viewer in viewerTZ.
// Weekends yield no slots without consulting the calendar.
func (p *Planner) Slots(ctx context.Context, svc catalog.Service, day availability.CalendarDate, viewerTZ string, now time.Time) ([]availability.Slot, error) {
	if !availability.IsSelectableDay(day) {
		return []availability.Slot{}, nil
	}
	from, to, err := svc.Slots.Window(day)
	if err != nil {
		return nil, err
	}
	if !to.After(now) {
		return []availability.Slot{}, nil
	}

	busy, err := p.busy.QueryBusy(ctx, from, to)
	if err != nil {
		if !errors.Is(err, calendar.ErrAvailabilityUnknown) {
			err = fmt.Errorf("%w: %w", calendar.ErrAvailabilityUnknown, err)
		}
		return nil, err
	}
	booked, err := p.booked.ListBookedIntervals(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list booked intervals: %w", err)
	}

	all := make([]availability.Interval, 0, len(busy)+len(booked))
	all = append(all, busy...)
	all = append(all, booked...)
	return availability.GenerateSlots(day, all, svc.Slots, viewerTZ, now)
}

// CheckBookable confirms start is currently an open slot of svc and returns it.
func (p *Planner) CheckBookable(ctx context.Context, svc catalog.Service, start time.Time, now time.Time) (availability.Slot, error) {
	loc, err := svc.Slots.Location()
	if err != nil {
		return availability.Slot{}, err
	}
	slots, err := p.Slots(ctx, svc, availability.DateOf(start, loc), svc.Slots.ServiceTimezone, now)
	if err != nil {
		return availability.Slot{}, err
	}
	slot, ok := availability.Contains(slots, start)
	if !ok {
		return availability.Slot{}, ErrSlotUnavailable
	}
	return slot, nil
}
