package mavlink

import (
	"fmt"
	"math"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// dopUnknown is the protocol sentinel for an unknown dilution of precision.
const dopUnknown = 65535

// Decode validates one inbound telemetry message and converts it into an
// event. Messages that fail validation are dropped (ok=false): malformed
// telemetry must never reach the display layer. Message types without a
// dedicated decoder come back as a debug event so there is always a trace
// path. HEARTBEAT and COMMAND_ACK are link-control messages and are not
// decoded here; the link consumes them directly.
func Decode(msg message.Message, now time.Time) (Event, bool) {
	ts := float64(now.UnixNano()) / float64(time.Second)

	switch m := msg.(type) {
	case *common.MessageAttitude:
		roll := float64(m.Roll)
		pitch := float64(m.Pitch)
		yaw := float64(m.Yaw)
		if !finite(roll, pitch, yaw) ||
			math.Abs(roll) > math.Pi || math.Abs(pitch) > math.Pi || math.Abs(yaw) > math.Pi {
			return Event{}, false
		}
		return Event{Kind: KindAttitude, Fields: map[string]float64{
			"timestamp": ts,
			"roll":      roll,
			"pitch":     pitch,
			"yaw":       yaw,
		}}, true

	case *common.MessageVfrHud:
		airspeed := float64(m.Airspeed)
		groundspeed := float64(m.Groundspeed)
		alt := float64(m.Alt)
		heading := float64(m.Heading)
		if !finite(airspeed, groundspeed, alt) ||
			airspeed < 0 || groundspeed < 0 || heading < 0 || heading >= 360 {
			return Event{}, false
		}
		return Event{Kind: KindVfrHud, Fields: map[string]float64{
			"timestamp":   ts,
			"airspeed":    airspeed,
			"groundspeed": groundspeed,
			"alt":         alt,
			"heading":     heading,
		}}, true

	case *common.MessageGpsRawInt:
		lat := float64(m.Lat) / 1e7
		lon := float64(m.Lon) / 1e7
		if !finite(lat, lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return Event{}, false
		}

		hdop := -1.0
		if m.Eph != dopUnknown {
			hdop = float64(m.Eph) / 100.0
		}
		vdop := -1.0
		if m.Epv != dopUnknown {
			vdop = float64(m.Epv) / 100.0
		}
		return Event{Kind: KindGps, Fields: map[string]float64{
			"timestamp":  ts,
			"fix_type":   float64(m.FixType),
			"satellites": float64(m.SatellitesVisible),
			"lat":        lat,
			"lon":        lon,
			"hdop":       hdop,
			"vdop":       vdop,
		}}, true

	case *common.MessageGlobalPositionInt:
		lat := float64(m.Lat) / 1e7
		lon := float64(m.Lon) / 1e7
		alt := float64(m.RelativeAlt) / 1000.0
		if !finite(lat, lon, alt) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return Event{}, false
		}
		return Event{Kind: KindGpsPos, Fields: map[string]float64{
			"timestamp": ts,
			"lat":       lat,
			"lon":       lon,
			"alt":       alt,
		}}, true

	case *common.MessageSysStatus:
		voltage := float64(m.VoltageBattery) / 1000.0
		current := float64(m.CurrentBattery) / 100.0
		remaining := float64(m.BatteryRemaining)
		if voltage < 0 || current < -100 || remaining < 0 || remaining > 100 {
			return Event{}, false
		}
		return Event{Kind: KindSysStatus, Fields: map[string]float64{
			"timestamp": ts,
			"voltage":   voltage,
			"current":   current,
			"remaining": remaining,
		}}, true

	case *common.MessageStatustext:
		return Event{Kind: KindStatusText, Text: m.Text}, true

	default:
		return Event{Kind: KindDebug, Text: fmt.Sprintf("%T", msg)}, true
	}
}

// ResultName renders a command acknowledgment result for display.
func ResultName(result common.MAV_RESULT) string {
	switch result {
	case common.MAV_RESULT_ACCEPTED:
		return "ACCEPTED"
	case common.MAV_RESULT_TEMPORARILY_REJECTED:
		return "TEMPORARILY_REJECTED"
	case common.MAV_RESULT_DENIED:
		return "DENIED"
	case common.MAV_RESULT_UNSUPPORTED:
		return "UNSUPPORTED"
	case common.MAV_RESULT_FAILED:
		return "FAILED"
	case common.MAV_RESULT_IN_PROGRESS:
		return "IN_PROGRESS"
	case common.MAV_RESULT_CANCELLED:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
