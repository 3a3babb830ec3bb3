package tracker

import (
	"testing"
	"time"
)

func TestParseSpec(t *testing.T) {
	cases := []struct {
		in      string
		kind    SpecKind
		every   time.Duration
		hh, mm  int
		wantErr bool
	}{
		{in: "300", kind: SpecInterval, every: 300 * time.Second},
		{in: "0.5", kind: SpecInterval, every: 500 * time.Millisecond},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute},
		{in: "2h30m", kind: SpecInterval, every: 150 * time.Minute},
		{in: "09:30", kind: SpecDaily, hh: 9, mm: 30},
		{in: "23:59", kind: SpecDaily, hh: 23, mm: 59},
		{in: "0:05", kind: SpecDaily, hh: 0, mm: 5},
		{in: "cron:*/5 * * * *", kind: SpecCron},
		{in: "@hourly", kind: SpecCron},
		{in: "0 30 * * * *", kind: SpecCron},

		{in: "", wantErr: true},
		{in: "0", wantErr: true},
		{in: "-15", wantErr: true},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "cron:not a cron", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			spec, err := ParseSpec(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSpec(%q) accepted, got %+v", tc.in, spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSpec(%q): %v", tc.in, err)
			}
			if spec.Kind != tc.kind {
				t.Fatalf("kind = %v, want %v", spec.Kind, tc.kind)
			}
			if tc.kind == SpecInterval && spec.Every != tc.every {
				t.Fatalf("every = %v, want %v", spec.Every, tc.every)
			}
			if tc.kind == SpecDaily && (spec.Hour != tc.hh || spec.Minute != tc.mm) {
				t.Fatalf("time = %02d:%02d, want %02d:%02d", spec.Hour, spec.Minute, tc.hh, tc.mm)
			}
		})
	}
}

func TestDailyNext(t *testing.T) {
	spec, err := ParseSpec("14:30")
	if err != nil {
		t.Fatal(err)
	}
	loc := time.UTC

	// Before the slot: today.
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, loc)
	if got := spec.Next(now); !got.Equal(time.Date(2026, 8, 28, 14, 30, 0, 0, loc)) {
		t.Fatalf("Next before slot = %v", got)
	}
	// Exactly at the slot: strictly after, so tomorrow.
	now = time.Date(2026, 8, 28, 14, 30, 0, 0, loc)
	if got := spec.Next(now); !got.Equal(time.Date(2026, 8, 29, 14, 30, 0, 0, loc)) {
		t.Fatalf("Next at slot = %v", got)
	}
	// After the slot: tomorrow.
	now = time.Date(2026, 8, 28, 20, 0, 0, 0, loc)
	if got := spec.Next(now); !got.Equal(time.Date(2026, 8, 29, 14, 30, 0, 0, loc)) {
		t.Fatalf("Next after slot = %v", got)
	}
}

func TestIntervalNext(t *testing.T) {
	spec, err := ParseSpec("90")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if got := spec.Next(now); got.Sub(now) != 90*time.Second {
		t.Fatalf("Next = %v from now", got.Sub(now))
	}
}

func TestCronNext(t *testing.T) {
	spec, err := ParseSpec("cron:0 0 12 * * *")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 8, 28, 13, 0, 0, 0, time.UTC)
	got := spec.Next(now)
	if got.Hour() != 12 || got.Day() != 29 {
		t.Fatalf("cron Next = %v", got)
	}
}
