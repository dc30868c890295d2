package availability

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"
	_ "time/tzdata"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return loc
}

func practiceConfig() Config {
	return Config{DayStartHour: 9, DayEndHour: 18, SlotDurationMinutes: 60, ServiceTimezone: "America/New_York"}
}

var wednesday = CalendarDate{Year: 2025, Month: time.March, Day: 12}

func TestGenerateSlots_FullDayNoBusy(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 3, 11, 12, 0, 0, 0, ny)

	slots, err := GenerateSlots(wednesday, nil, practiceConfig(), "America/New_York", now)
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	if len(slots) != 9 {
		t.Fatalf("expected 9 slots, got %d", len(slots))
	}
	if !slots[0].Start.Equal(time.Date(2025, 3, 12, 9, 0, 0, 0, ny)) {
		t.Fatalf("first slot starts at %s", slots[0].Start)
	}
	if slots[0].Label != "9:00 AM" {
		t.Fatalf("expected first label 9:00 AM, got %q", slots[0].Label)
	}
	if slots[8].Label != "5:00 PM" {
		t.Fatalf("expected last label 5:00 PM, got %q", slots[8].Label)
	}
	for i, s := range slots {
		if s.End.Sub(s.Start) != time.Hour {
			t.Fatalf("slot %d has length %s", i, s.End.Sub(s.Start))
		}
		if i > 0 && !slots[i-1].Start.Before(s.Start) {
			t.Fatalf("slots not ascending at %d", i)
		}
	}
}

func TestGenerateSlots_BusyHourRemoved(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 3, 11, 12, 0, 0, 0, ny)
	busy := []Interval{{
		Start: time.Date(2025, 3, 12, 10, 0, 0, 0, ny).UTC(),
		End:   time.Date(2025, 3, 12, 11, 0, 0, 0, ny).UTC(),
	}}

	slots, err := GenerateSlots(wednesday, busy, practiceConfig(), "America/New_York", now)
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	labels := map[string]bool{}
	for _, s := range slots {
		labels[s.Label] = true
	}
	if labels["10:00 AM"] {
		t.Fatalf("10:00 AM should be busy")
	}
	if !labels["9:00 AM"] || !labels["11:00 AM"] {
		t.Fatalf("neighbouring slots should be free: %v", labels)
	}
	if len(slots) != 8 {
		t.Fatalf("expected 8 slots, got %d", len(slots))
	}
}

func TestGenerateSlots_TodaySkipsPast(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 3, 12, 14, 30, 0, 0, ny)

	slots, err := GenerateSlots(wednesday, nil, practiceConfig(), "America/New_York", now)
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	want := []string{"3:00 PM", "4:00 PM", "5:00 PM"}
	if len(slots) != len(want) {
		t.Fatalf("expected %d slots, got %d", len(want), len(slots))
	}
	for i, s := range slots {
		if s.Label != want[i] {
			t.Fatalf("slot %d label %q, want %q", i, s.Label, want[i])
		}
	}
}

func TestGenerateSlots_SlotStartingNowIsExcluded(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 3, 12, 15, 0, 0, 0, ny)

	slots, err := GenerateSlots(wednesday, nil, practiceConfig(), "", now)
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	if len(slots) != 2 || slots[0].Label != "4:00 PM" {
		t.Fatalf("unexpected slots %+v", slots)
	}
}

func TestGenerateSlots_CountMatchesWindow(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, ny)

	for _, minutes := range []int{15, 25, 30, 45, 50, 60, 90, 120, 540, 600} {
		cfg := practiceConfig()
		cfg.SlotDurationMinutes = minutes
		slots, err := GenerateSlots(wednesday, nil, cfg, "UTC", now)
		if err != nil {
			t.Fatalf("%d min: %v", minutes, err)
		}
		want := (cfg.DayEndHour - cfg.DayStartHour) * 60 / minutes
		if len(slots) != want {
			t.Fatalf("%d min: expected %d slots, got %d", minutes, want, len(slots))
		}
		if len(slots) > 0 && slots[len(slots)-1].End.After(time.Date(2025, 3, 12, 18, 0, 0, 0, ny)) {
			t.Fatalf("%d min: last slot runs past the window", minutes)
		}
	}
}

func TestGenerateSlots_NeverOverlapsBusy(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, ny)
	rng := rand.New(rand.NewSource(7))
	cfg := Config{DayStartHour: 7, DayEndHour: 20, SlotDurationMinutes: 30, ServiceTimezone: "America/New_York"}

	for round := 0; round < 200; round++ {
		var busy []Interval
		for i := 0; i < rng.Intn(6); i++ {
			start := time.Date(2025, 3, 12, 6, 0, 0, 0, ny).Add(time.Duration(rng.Intn(15*60)) * time.Minute)
			busy = append(busy, Interval{Start: start, End: start.Add(time.Duration(1+rng.Intn(180)) * time.Minute)})
		}
		slots, err := GenerateSlots(wednesday, busy, cfg, "Europe/Berlin", now)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		for _, s := range slots {
			for _, b := range busy {
				if s.Start.Before(b.End) && s.End.After(b.Start) {
					t.Fatalf("round %d: slot %s-%s overlaps busy %s-%s", round, s.Start, s.End, b.Start, b.End)
				}
			}
		}
	}
}

func TestGenerateSlots_Deterministic(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 3, 12, 10, 5, 0, 0, ny)
	busy := []Interval{
		{Start: time.Date(2025, 3, 12, 13, 0, 0, 0, ny), End: time.Date(2025, 3, 12, 15, 0, 0, 0, ny)},
		{Start: time.Date(2025, 3, 12, 12, 30, 0, 0, ny), End: time.Date(2025, 3, 12, 13, 30, 0, 0, ny)},
	}

	first, err := GenerateSlots(wednesday, busy, practiceConfig(), "Asia/Tokyo", now)
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	second, _ := GenerateSlots(wednesday, busy, practiceConfig(), "Asia/Tokyo", now)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ between identical calls")
	}
}

func TestGenerateSlots_LabelsInViewerTimezone(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 3, 11, 0, 0, 0, 0, ny)

	slots, err := GenerateSlots(wednesday, nil, practiceConfig(), "Europe/London", now)
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	// New York is already on daylight time (UTC-4), London is still on GMT.
	if slots[0].Label != "1:00 PM" {
		t.Fatalf("expected 1:00 PM in London, got %q", slots[0].Label)
	}
	if slots[0].ViewerTimezone != "Europe/London" {
		t.Fatalf("viewer timezone not carried: %q", slots[0].ViewerTimezone)
	}
	if !slots[0].Start.Equal(time.Date(2025, 3, 12, 9, 0, 0, 0, ny)) {
		t.Fatalf("instant must not depend on the viewer: %s", slots[0].Start)
	}
}

func TestGenerateSlots_DaylightSavingTransitions(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, ny)
	cfg := Config{DayStartHour: 0, DayEndHour: 24, SlotDurationMinutes: 60, ServiceTimezone: "America/New_York"}

	spring, err := GenerateSlots(CalendarDate{Year: 2025, Month: time.March, Day: 9}, nil, cfg, "America/New_York", now)
	if err != nil {
		t.Fatalf("spring: %v", err)
	}
	if len(spring) != 23 {
		t.Fatalf("spring forward day should have 23 hourly slots, got %d", len(spring))
	}
	if spring[2].Label != "3:00 AM" {
		t.Fatalf("expected 2:00 AM to be skipped, third label %q", spring[2].Label)
	}

	fall, err := GenerateSlots(CalendarDate{Year: 2025, Month: time.November, Day: 2}, nil, cfg, "America/New_York", now)
	if err != nil {
		t.Fatalf("fall: %v", err)
	}
	if len(fall) != 25 {
		t.Fatalf("fall back day should have 25 hourly slots, got %d", len(fall))
	}
	if fall[1].Label != "1:00 AM" || fall[2].Label != "1:00 AM" {
		t.Fatalf("expected repeated 1:00 AM, got %q and %q", fall[1].Label, fall[2].Label)
	}
}

func TestGenerateSlots_IgnoresMalformedBusy(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 3, 11, 0, 0, 0, 0, ny)
	nine := time.Date(2025, 3, 12, 9, 0, 0, 0, ny)
	busy := []Interval{
		{Start: nine},
		{End: nine.Add(time.Hour)},
		{Start: nine.Add(2 * time.Hour), End: nine.Add(time.Hour)},
		{Start: nine.Add(3 * time.Hour), End: nine.Add(3 * time.Hour)},
	}

	slots, err := GenerateSlots(wednesday, busy, practiceConfig(), "America/New_York", now)
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	if len(slots) != 9 {
		t.Fatalf("malformed busy intervals should be ignored, got %d slots", len(slots))
	}
}

func TestGenerateSlots_HalfOpenBoundaries(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	now := time.Date(2025, 3, 11, 0, 0, 0, 0, ny)
	nine := time.Date(2025, 3, 12, 9, 0, 0, 0, ny)
	busy := []Interval{
		{Start: nine, End: nine.Add(time.Hour)},
		{Start: nine.Add(time.Hour), End: nine.Add(time.Hour)},
		{Start: nine.Add(2*time.Hour + 59*time.Minute), End: nine.Add(3*time.Hour + time.Minute)},
		{Start: nine, End: nine.Add(time.Hour)},
	}

	slots, err := GenerateSlots(wednesday, busy, practiceConfig(), "America/New_York", now)
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	got := make([]string, 0, len(slots))
	for _, s := range slots {
		got = append(got, s.Label)
	}
	want := []string{"10:00 AM", "1:00 PM", "2:00 PM", "3:00 PM", "4:00 PM", "5:00 PM"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGenerateSlots_DropsPartialFinalSlot(t *testing.T) {
	cfg := Config{DayStartHour: 9, DayEndHour: 10, SlotDurationMinutes: 25, ServiceTimezone: "UTC"}
	slots, err := GenerateSlots(wednesday, nil, cfg, "UTC", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	if len(slots) != 2 || slots[1].Label != "9:25 AM" {
		t.Fatalf("unexpected slots %+v", slots)
	}
}

func TestGenerateSlots_InvalidConfiguration(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := map[string]Config{
		"start after end":  {DayStartHour: 18, DayEndHour: 9, SlotDurationMinutes: 60, ServiceTimezone: "UTC"},
		"empty window":     {DayStartHour: 9, DayEndHour: 9, SlotDurationMinutes: 60, ServiceTimezone: "UTC"},
		"zero duration":    {DayStartHour: 9, DayEndHour: 18, SlotDurationMinutes: 0, ServiceTimezone: "UTC"},
		"hour overflow":    {DayStartHour: 9, DayEndHour: 25, SlotDurationMinutes: 60, ServiceTimezone: "UTC"},
		"unknown timezone": {DayStartHour: 9, DayEndHour: 18, SlotDurationMinutes: 60, ServiceTimezone: "Mars/Olympus"},
		"missing timezone": {DayStartHour: 9, DayEndHour: 18, SlotDurationMinutes: 60},
	}
	for name, cfg := range cases {
		if _, err := GenerateSlots(wednesday, nil, cfg, "UTC", now); !errors.Is(err, ErrInvalidConfiguration) {
			t.Fatalf("%s: expected ErrInvalidConfiguration, got %v", name, err)
		}
	}

	if _, err := GenerateSlots(wednesday, nil, practiceConfig(), "Nowhere/Land", now); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("bad viewer timezone: expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestIsSelectableDay(t *testing.T) {
	cases := map[string]bool{
		"2025-03-14": true,
		"2025-03-15": false,
		"2025-03-16": false,
		"2025-03-17": true,
	}
	for raw, want := range cases {
		d, err := ParseDate(raw)
		if err != nil {
			t.Fatalf("ParseDate(%s): %v", raw, err)
		}
		if got := IsSelectableDay(d); got != want {
			t.Fatalf("IsSelectableDay(%s) = %v, want %v", raw, got, want)
		}
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2025-12-31")
	if err != nil || d.String() != "2025-12-31" {
		t.Fatalf("ParseDate round trip: %v %v", d, err)
	}
	if d.AddDays(1).String() != "2026-01-01" {
		t.Fatalf("AddDays across year: %s", d.AddDays(1))
	}
	if _, err := ParseDate("12/31/2025"); err == nil {
		t.Fatalf("expected error for non ISO date")
	}
}
