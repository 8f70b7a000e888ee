package timex

import (
	"testing"
	"time"
)

func TestResetAndDrainTimer(t *testing.T) {
	tm := time.NewTimer(time.Hour)
	ResetTimer(tm, time.Millisecond)
	select {
	case <-tm.C:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after ResetTimer")
	}
	ResetTimer(tm, -1)
	select {
	case <-tm.C:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after negative ResetTimer")
	}
	DrainTimer(tm)
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"60s", time.Minute, true},
		{"1m30s", 90 * time.Second, true},
		{"15", 15 * time.Second, true},
		{"250ms", 250 * time.Millisecond, true},
		{"", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("%q: err=%v", tc.in, err)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("%q: got %v want %v", tc.in, got, tc.want)
		}
	}
}
