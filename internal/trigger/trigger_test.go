package trigger

import (
	"math/rand"
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}
	return loc
}

func TestNextCronIsPureAndMonotone(t *testing.T) {
	spec := Spec{Kind: KindCron, Cron: "*/5 * * * *"}
	now := time.Date(2026, 1, 1, 12, 4, 59, 0, time.UTC)

	a, err := Next(spec, now, LastFireHint{})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	b, err := Next(spec, now, LastFireHint{})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("eval(spec,T) not pure: %v != %v", a, b)
	}
	want := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
	if !a.Equal(want) {
		t.Fatalf("got %v, want %v", a, want)
	}

	later, err := Next(spec, a, LastFireHint{})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !later.After(a) {
		t.Fatalf("not monotone: %v then %v", a, later)
	}
}

func TestNextIntervalFirstFireIsOneIntervalAway(t *testing.T) {
	spec := Spec{Kind: KindInterval, Interval: Duration(90 * time.Second)}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := Next(spec, now, LastFireHint{})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := now.Add(90 * time.Second)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextIntervalFromLastFire(t *testing.T) {
	spec := Spec{Kind: KindInterval, Interval: Duration(time.Minute)}
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := last.Add(30 * time.Second)

	got, err := Next(spec, now, LastFireHint{LastFire: last})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := last.Add(time.Minute)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextRandomWindowIsWithinBoundsAndOnceUnlessRepeat(t *testing.T) {
	spec := Spec{
		Kind:        KindRandomWindow,
		WindowStart: ClockTime{Hour: 9},
		WindowEnd:   ClockTime{Hour: 9, Minute: 30},
	}
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 50; i++ {
		got, err := Next(spec, now, LastFireHint{Rand: r})
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		start := spec.WindowStart.onDate(now, time.UTC)
		end := spec.WindowEnd.onDate(now, time.UTC)
		if got.Before(start) || got.After(end) {
			t.Fatalf("draw %v outside window [%v,%v]", got, start, end)
		}
	}

	// Once a window has fired, no further random fire until tomorrow.
	got, err := Next(spec, now, LastFireHint{WindowFired: true, Rand: r})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Day() == now.Day() {
		t.Fatalf("expected roll to tomorrow, got %v", got)
	}
}

func TestNextRandomWindowRollsToTomorrowWhenPastEnd(t *testing.T) {
	spec := Spec{
		Kind:        KindRandomWindow,
		WindowStart: ClockTime{Hour: 9},
		WindowEnd:   ClockTime{Hour: 9, Minute: 30},
	}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	got, err := Next(spec, now, LastFireHint{Rand: rand.New(rand.NewSource(2))})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Day() != now.AddDate(0, 0, 1).Day() {
		t.Fatalf("expected tomorrow, got %v", got)
	}
}

func TestNextWeekly(t *testing.T) {
	// 2026-01-01 is a Thursday.
	spec := Spec{
		Kind:     KindWeekly,
		Weekdays: []time.Weekday{time.Monday, time.Friday},
		Time:     ClockTime{Hour: 9},
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := Next(spec, now, LastFireHint{})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC) // Friday
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextMonthlyClampsShortMonths(t *testing.T) {
	spec := Spec{Kind: KindMonthly, DayOfMonth: 31, Time: ClockTime{Hour: 0}}
	now := time.Date(2026, 1, 31, 1, 0, 0, 0, time.UTC)

	got, err := Next(spec, now, LastFireHint{})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextSpecificDateNeverWhenPast(t *testing.T) {
	spec := Spec{Kind: KindSpecificDate, At: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := Next(spec, now, LastFireHint{})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !IsNever(got) {
		t.Fatalf("expected Never, got %v", got)
	}
}

func TestValidateRejectsBadSpecs(t *testing.T) {
	cases := []Spec{
		{Kind: KindCron, Cron: "not a cron"},
		{Kind: KindInterval, Interval: 0},
		{Kind: KindRandomWindow, WindowStart: ClockTime{Hour: 10}, WindowEnd: ClockTime{Hour: 9}},
		{Kind: KindWeekly},
		{Kind: KindMonthly, DayOfMonth: 32},
		{Kind: "bogus"},
	}
	for _, c := range cases {
		if err := c.Validate(); err == nil {
			t.Fatalf("expected error for %+v", c)
		}
	}
}
