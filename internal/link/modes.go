package link

// Flight mode custom-mode values. This mapping is a closed external-protocol
// contract and must not be altered.
const (
	ModeStabilize uint32 = 0
	ModeAltHold   uint32 = 2
	ModeAuto      uint32 = 3
	ModeGuided    uint32 = 4
	ModeLoiter    uint32 = 5
	ModeRTL       uint32 = 6
	ModeLand      uint32 = 9
)

var modeNames = map[uint32]string{
	ModeStabilize: "Stabilize",
	ModeAltHold:   "Alt Hold",
	ModeAuto:      "Auto",
	ModeGuided:    "Guided",
	ModeLoiter:    "Loiter",
	ModeRTL:       "RTL",
	ModeLand:      "Land",
}

// ModeName returns the display label for a custom-mode value, or ok=false
// for modes outside the supported set.
func ModeName(modeID uint32) (string, bool) {
	name, ok := modeNames[modeID]
	return name, ok
}
