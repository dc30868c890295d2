package calendar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
)

type GoogleConfig struct {
	CalendarID string
	// InviteAttendees adds the client as an attendee. Service accounts
	// without domain-wide delegation cannot invite, so it is off by default
	// and the client is named in the description instead.
	InviteAttendees bool
}

// Google implements BusySource and Writer on the Calendar v3 API.
type Google struct {
	svc    *gcal.Service
	cfg    GoogleConfig
	tracer trace.Tracer
}

func NewGoogle(ctx context.Context, cfg GoogleConfig, opts ...option.ClientOption) (*Google, error) {
	if strings.TrimSpace(cfg.CalendarID) == "" {
		return nil, errors.New("calendar id is required")
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar client: %w", err)
	}
	return &Google{svc: svc, cfg: cfg, tracer: otel.Tracer("booking-service/calendar")}, nil
}

func (g *Google) QueryBusy(ctx context.Context, from, to time.Time) ([]availability.Interval, error) {
	ctx, span := g.tracer.Start(ctx, "calendar.freebusy")
	defer span.End()
	span.SetAttributes(attribute.String("calendar.time_min", from.UTC().Format(time.RFC3339)))

	resp, err := g.svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: from.UTC().Format(time.RFC3339),
		TimeMax: to.UTC().Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: g.cfg.CalendarID}},
	}).Context(ctx).Do()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "freebusy query failed")
		return nil, err
	}

	cal, ok := resp.Calendars[g.cfg.CalendarID]
	if !ok {
		return nil, fmt.Errorf("freebusy response missing calendar %q", g.cfg.CalendarID)
	}
	if len(cal.Errors) > 0 {
		return nil, fmt.Errorf("freebusy: %s", cal.Errors[0].Reason)
	}

	busy := make([]availability.Interval, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		if p == nil {
			continue
		}
		// Unparseable bounds stay zero; slot generation ignores such intervals.
		start, _ := time.Parse(time.RFC3339, p.Start)
		end, _ := time.Parse(time.RFC3339, p.End)
		busy = append(busy, availability.Interval{Start: start, End: end})
	}
	span.SetAttributes(attribute.Int("calendar.busy_count", len(busy)))
	return busy, nil
}

func (g *Google) CreateEvent(ctx context.Context, e Event) (string, error) {
	ctx, span := g.tracer.Start(ctx, "calendar.events.insert")
	defer span.End()

	ev := &gcal.Event{
		Summary:     e.Title,
		Description: e.Description,
		Start:       &gcal.EventDateTime{DateTime: e.Start.Format(time.RFC3339), TimeZone: e.Timezone},
		End:         &gcal.EventDateTime{DateTime: e.End.Format(time.RFC3339), TimeZone: e.Timezone},
	}
	if g.cfg.InviteAttendees && e.AttendeeEmail != "" {
		ev.Attendees = []*gcal.EventAttendee{{Email: e.AttendeeEmail, DisplayName: e.AttendeeName}}
	} else if e.AttendeeEmail != "" {
		ev.Description = strings.TrimSpace(fmt.Sprintf("%s\n\nClient: %s <%s>", e.Description, e.AttendeeName, e.AttendeeEmail))
	}

	created, err := g.svc.Events.Insert(g.cfg.CalendarID, ev).Context(ctx).Do()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "event insert failed")
		return "", fmt.Errorf("%w: %w", ErrCalendarWriteFailed, err)
	}
	return created.Id, nil
}

// IsTransient reports whether a calendar error is worth retrying: rate
// limiting, server errors and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return true
		case gerr.Code == http.StatusForbidden:
			for _, item := range gerr.Errors {
				if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
					return true
				}
			}
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
