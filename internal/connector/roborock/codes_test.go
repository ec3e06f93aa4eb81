package roborock

import "testing"

func TestDecodeState(t *testing.T) {
	cases := map[int]string{
		1:  StatusCleaning,
		3:  StatusIdle,
		5:  StatusCleaning,
		6:  StatusReturning,
		8:  StatusCharging,
		10: StatusPaused,
		12: StatusError,
		99: StatusOffline, // unknown code falls back to offline
		-1: StatusOffline,
		0:  StatusOffline,
		14: StatusIdle,
		2:  StatusIdle,
	}
	for code, want := range cases {
		if got := decodeState(code); got != want {
			t.Errorf("decodeState(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestDecodeFanAndWater(t *testing.T) {
	if got := decodeFan(104); got != "max" {
		t.Errorf("decodeFan(104) = %q", got)
	}
	if got := decodeFan(0); got != "balanced" {
		t.Errorf("decodeFan(0) = %q, want balanced fallback", got)
	}
	if got := decodeWater(203); got != "high" {
		t.Errorf("decodeWater(203) = %q", got)
	}
	if got := decodeWater(0); got != "off" {
		t.Errorf("decodeWater(0) = %q, want off fallback", got)
	}
}

func TestLevelTablesRoundTrip(t *testing.T) {
	for name, code := range fanLevels {
		if got := decodeFan(code); got != name {
			t.Errorf("fan %q → %d → %q", name, code, got)
		}
	}
	for name, code := range waterLevels {
		if got := decodeWater(code); got != name {
			t.Errorf("water %q → %d → %q", name, code, got)
		}
	}
}
