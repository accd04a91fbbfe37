package recurrence

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestShouldOccurNilRule(t *testing.T) {
	t.Parallel()
	anchor := date(2024, time.January, 1)
	for _, d := range []time.Time{anchor, date(2024, time.March, 15), date(2030, time.December, 31)} {
		if !ShouldOccur(nil, d, anchor) {
			t.Fatalf("nil rule should occur on %v", d)
		}
	}
}

func TestShouldOccurDailyInterval(t *testing.T) {
	t.Parallel()
	anchor := date(2024, time.January, 1)
	tests := []struct {
		name     string
		interval int
		day      time.Time
		want     bool
	}{
		{name: "anchor day", interval: 1, day: anchor, want: true},
		{name: "next day", interval: 1, day: date(2024, time.January, 2), want: true},
		{name: "before anchor", interval: 1, day: date(2023, time.December, 31), want: false},
		{name: "every 3 on step", interval: 3, day: date(2024, time.January, 4), want: true},
		{name: "every 3 off step", interval: 3, day: date(2024, time.January, 5), want: false},
		{name: "zero interval treated as 1", interval: 0, day: date(2024, time.January, 9), want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := &Rule{Frequency: Daily, Interval: tt.interval}
			if got := ShouldOccur(r, tt.day, anchor); got != tt.want {
				t.Fatalf("ShouldOccur(%v) = %v, want %v", tt.day, got, tt.want)
			}
		})
	}
}

func TestShouldOccurCustomMatchesDaily(t *testing.T) {
	t.Parallel()
	anchor := date(2024, time.June, 10)
	r := &Rule{Frequency: Custom, Interval: 2}
	if !ShouldOccur(r, date(2024, time.June, 14), anchor) {
		t.Fatal("custom interval 2 should fire 4 days after anchor")
	}
	if ShouldOccur(r, date(2024, time.June, 13), anchor) {
		t.Fatal("custom interval 2 should not fire 3 days after anchor")
	}
}

func TestShouldOccurWeekly(t *testing.T) {
	t.Parallel()
	// 2024-01-01 is a Monday.
	anchor := date(2024, time.January, 1)

	withDays := &Rule{Frequency: Weekly, DaysOfWeek: []time.Weekday{time.Monday, time.Wednesday, time.Friday}}
	matched := 0
	for i := 0; i < 7; i++ {
		d := anchor.AddDate(0, 0, i)
		if ShouldOccur(withDays, d, anchor) {
			matched++
			switch d.Weekday() {
			case time.Monday, time.Wednesday, time.Friday:
			default:
				t.Fatalf("unexpected weekday match: %v", d.Weekday())
			}
		}
	}
	if matched != 3 {
		t.Fatalf("expected 3 matches in a 7-day window, got %d", matched)
	}

	noDays := &Rule{Frequency: Weekly}
	if !ShouldOccur(noDays, date(2024, time.January, 8), anchor) {
		t.Fatal("weekly without day set should fire on the anchor weekday")
	}
	if ShouldOccur(noDays, date(2024, time.January, 9), anchor) {
		t.Fatal("weekly without day set should not fire on other weekdays")
	}
}

func TestShouldOccurMonthlyClamp(t *testing.T) {
	t.Parallel()
	anchor := date(2024, time.January, 31)
	r := &Rule{Frequency: Monthly}

	tests := []struct {
		name string
		day  time.Time
		want bool
	}{
		{name: "same day next month clamped to feb 29", day: date(2024, time.February, 29), want: true},
		{name: "feb 28 leap year not the clamp day", day: date(2024, time.February, 28), want: false},
		{name: "non-leap feb clamps to 28", day: date(2025, time.February, 28), want: true},
		{name: "march 31 exact", day: date(2024, time.March, 31), want: true},
		{name: "april clamps to 30", day: date(2024, time.April, 30), want: true},
		{name: "april 29 no", day: date(2024, time.April, 29), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ShouldOccur(r, tt.day, anchor); got != tt.want {
				t.Fatalf("ShouldOccur(%v) = %v, want %v", tt.day, got, tt.want)
			}
		})
	}
}

func TestShouldOccurEndDate(t *testing.T) {
	t.Parallel()
	anchor := date(2024, time.January, 1)
	end := date(2024, time.January, 10)
	r := &Rule{Frequency: Daily, Interval: 1, EndDate: &end}
	if !ShouldOccur(r, end, anchor) {
		t.Fatal("end date itself is inclusive")
	}
	if ShouldOccur(r, end.AddDate(0, 0, 1), anchor) {
		t.Fatal("dates past the end date must not fire")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := (&Rule{Frequency: "hourly"}).Validate(); err == nil {
		t.Fatal("expected error for unknown frequency")
	}
	if err := (&Rule{Frequency: Weekly, DaysOfWeek: []time.Weekday{8}}).Validate(); err == nil {
		t.Fatal("expected error for out-of-range weekday")
	}
	var nilRule *Rule
	if err := nilRule.Validate(); err != nil {
		t.Fatalf("nil rule must validate: %v", err)
	}
}
