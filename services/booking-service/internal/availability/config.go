package availability

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfiguration = errors.New("invalid slot configuration")

// Config describes the working-hours window of one service type. Hours are
// wall-clock hours in ServiceTimezone.
type Config struct {
	DayStartHour        int    `mapstructure:"day_start_hour" json:"day_start_hour"`
	DayEndHour          int    `mapstructure:"day_end_hour" json:"day_end_hour"`
	SlotDurationMinutes int    `mapstructure:"slot_duration_minutes" json:"slot_duration_minutes"`
	ServiceTimezone     string `mapstructure:"service_timezone" json:"service_timezone"`
}

func (c Config) Validate() error {
	_, err := c.location()
	return err
}

func (c Config) SlotDuration() time.Duration {
	return time.Duration(c.SlotDurationMinutes) * time.Minute
}

// Location returns the service timezone. It fails for the same inputs Validate does.
func (c Config) Location() (*time.Location, error) {
	return c.location()
}

func (c Config) location() (*time.Location, error) {
	switch {
	case c.DayStartHour < 0 || c.DayStartHour > 23:
		return nil, fmt.Errorf("%w: day_start_hour %d out of range", ErrInvalidConfiguration, c.DayStartHour)
	case c.DayEndHour < 1 || c.DayEndHour > 24:
		return nil, fmt.Errorf("%w: day_end_hour %d out of range", ErrInvalidConfiguration, c.DayEndHour)
	case c.DayStartHour >= c.DayEndHour:
		return nil, fmt.Errorf("%w: day_start_hour %d must be before day_end_hour %d", ErrInvalidConfiguration, c.DayStartHour, c.DayEndHour)
	case c.SlotDurationMinutes <= 0:
		return nil, fmt.Errorf("%w: slot_duration_minutes must be positive", ErrInvalidConfiguration)
	case c.ServiceTimezone == "":
		return nil, fmt.Errorf("%w: service_timezone is required", ErrInvalidConfiguration)
	}
	loc, err := time.LoadLocation(c.ServiceTimezone)
	if err != nil {
		return nil, fmt.Errorf("%w: service_timezone %q: %v", ErrInvalidConfiguration, c.ServiceTimezone, err)
	}
	return loc, nil
}

// Window returns the absolute [start, end) of working hours on day.
func (c Config) Window(day CalendarDate) (time.Time, time.Time, error) {
	loc, err := c.location()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return day.At(c.DayStartHour, loc), day.At(c.DayEndHour, loc), nil
}
