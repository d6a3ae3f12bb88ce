package quota

import (
	"testing"
	"time"
)

func TestNextPeriodClampsMonthEnd(t *testing.T) {
	cases := []struct {
		in, want time.Time
	}{
		{time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC), time.Date(2023, 2, 28, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 12, 15, 6, 0, 0, 0, time.UTC), time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := NextPeriod(tc.in); !got.Equal(tc.want) {
			t.Errorf("NextPeriod(%s)=%s want %s", tc.in, got, tc.want)
		}
	}
}

func TestExpiredBoundary(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if Expired(start, time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)) {
		t.Fatal("expired before month end")
	}
	if !Expired(start, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("not expired at next period")
	}
}

func TestCurrentSkipsIdleMonths(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Current(start, time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	if want := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Current=%s want %s", got, want)
	}
	if got := Current(start, start); !got.Equal(start) {
		t.Fatalf("Current at start=%s", got)
	}
}

func TestMonthStartUsesUTC(t *testing.T) {
	loc := time.FixedZone("east", 5*3600)
	got := MonthStart(time.Date(2024, 3, 1, 2, 0, 0, 0, loc))
	if want := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("MonthStart=%s want %s", got, want)
	}
}
