package schedule

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return loc
}

func TestNextFire_Basic(t *testing.T) {
	after := time.Date(2025, 1, 1, 0, 2, 0, 0, time.UTC)
	got, err := NextFire("*/5 * * * *", "UTC", after)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if want := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("want %v got %v", want, got)
	}
}

func TestNextFire_WallClockInZone(t *testing.T) {
	sh := mustLoc(t, "Asia/Shanghai")
	// 02:00 wall time in Shanghai is 18:00 UTC the previous day.
	after := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	got, err := NextFire("0 2 * * *", "Asia/Shanghai", after)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := time.Date(2025, 6, 2, 2, 0, 0, 0, sh)
	if !got.Equal(want) {
		t.Fatalf("want %v got %v", want, got)
	}
}

func TestNextFire_SkipsSpringForwardGap(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	// 2025-03-09: 02:00-02:59 EST does not exist in New York.
	after := time.Date(2025, 3, 8, 12, 0, 0, 0, ny)
	got, err := NextFire("30 2 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := time.Date(2025, 3, 10, 2, 30, 0, 0, ny)
	if !got.Equal(want) {
		t.Fatalf("gap occurrence not skipped: want %v got %v", want, got)
	}
}

func TestNextFire_FoldFiresOnce(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	// 2025-11-02: 01:30 occurs twice in New York (EDT then EST).
	after := time.Date(2025, 11, 1, 12, 0, 0, 0, ny)

	first, err := NextFire("30 1 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	// First physical occurrence is still on EDT (UTC-4).
	if want := time.Date(2025, 11, 2, 5, 30, 0, 0, time.UTC); !first.Equal(want) {
		t.Fatalf("want first fold occurrence %v got %v", want, first.UTC())
	}

	// The next fire after the fold occurrence is the following day, not the
	// repeated 01:30 an hour later.
	second, err := NextFire("30 1 * * *", "America/New_York", first)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if want := time.Date(2025, 11, 3, 1, 30, 0, 0, ny); !second.Equal(want) {
		t.Fatalf("fold fired twice: want %v got %v", want, second)
	}
}

func TestNextFire_StrictlyAfter(t *testing.T) {
	after := time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)
	got, err := NextFire("0 3 * * *", "UTC", after)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if want := time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("want %v got %v", want, got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		expr string
		tz   string
		ok   bool
	}{
		{"0 2 * * *", "Asia/Shanghai", true},
		{"*/5 * * * *", "", true},
		{"0 0 2 * * *", "UTC", true},    // zero seconds field
		{"*/10 0 2 * * *", "UTC", true}, // seconds set includes 0
		{"30 0 2 * * *", "UTC", false},  // fires only at second 30, never sampled
		{"0 2 * * *", "Not/AZone", false},
		{"61 * * * *", "UTC", false},
		{"@every 5m", "UTC", false},
		{"", "UTC", false},
		{"* * *", "UTC", false},
	}
	for _, c := range cases {
		err := Validate(c.expr, c.tz)
		if c.ok && err != nil {
			t.Errorf("Validate(%q, %q) unexpected error: %v", c.expr, c.tz, err)
		}
		if !c.ok && err == nil {
			t.Errorf("Validate(%q, %q) expected error", c.expr, c.tz)
		}
	}
}
