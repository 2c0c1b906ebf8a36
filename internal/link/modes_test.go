package link

import "testing"

func TestModeName(t *testing.T) {
	testCases := []struct {
		modeID uint32
		name   string
		known  bool
	}{
		{ModeStabilize, "Stabilize", true},
		{ModeAltHold, "Alt Hold", true},
		{ModeAuto, "Auto", true},
		{ModeGuided, "Guided", true},
		{ModeLoiter, "Loiter", true},
		{ModeRTL, "RTL", true},
		{ModeLand, "Land", true},
		{1, "", false},  // Acro: deliberately not mapped
		{42, "", false}, // out of range
	}

	for _, tc := range testCases {
		name, ok := ModeName(tc.modeID)
		if ok != tc.known {
			t.Errorf("ModeName(%d): expected known=%v, got %v", tc.modeID, tc.known, ok)
		}
		if name != tc.name {
			t.Errorf("ModeName(%d): expected %q, got %q", tc.modeID, tc.name, name)
		}
	}
}
