package mavlink

import (
	"math"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

func TestDecode_Attitude(t *testing.T) {
	now := time.Now()

	ev, ok := Decode(&common.MessageAttitude{Roll: 0.1, Pitch: -0.05, Yaw: 1.2}, now)
	if !ok {
		t.Fatal("Expected valid attitude to decode")
	}
	if ev.Kind != KindAttitude {
		t.Errorf("Expected attitude event, got %s", ev.Kind)
	}
	if math.Abs(ev.Fields["roll"]-0.1) > 1e-6 || math.Abs(ev.Fields["yaw"]-1.2) > 1e-6 {
		t.Errorf("Unexpected attitude fields: %v", ev.Fields)
	}

	wantTS := float64(now.UnixNano()) / float64(time.Second)
	if math.Abs(ev.Fields["timestamp"]-wantTS) > 1e-6 {
		t.Errorf("Expected timestamp %v, got %v", wantTS, ev.Fields["timestamp"])
	}
}

func TestDecode_DropsInvalidTelemetry(t *testing.T) {
	nan := float32(math.NaN())

	testCases := []struct {
		name string
		msg  message.Message
	}{
		{"roll out of range", &common.MessageAttitude{Roll: 4.0}},
		{"pitch out of range", &common.MessageAttitude{Pitch: -3.5}},
		{"nan yaw", &common.MessageAttitude{Yaw: nan}},
		{"negative airspeed", &common.MessageVfrHud{Airspeed: -1}},
		{"heading at 360", &common.MessageVfrHud{Heading: 360}},
		{"negative heading", &common.MessageVfrHud{Heading: -1}},
		{"latitude out of range", &common.MessageGpsRawInt{Lat: 91_0000000}},
		{"longitude out of range", &common.MessageGlobalPositionInt{Lon: -181_0000000}},
		{"battery remaining unknown", &common.MessageSysStatus{BatteryRemaining: -1}},
		{"battery remaining over 100", &common.MessageSysStatus{BatteryRemaining: 101}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if ev, ok := Decode(tc.msg, time.Now()); ok {
				t.Errorf("Expected message to be dropped, got %s event %v", ev.Kind, ev.Fields)
			}
		})
	}
}

func TestDecode_GpsRaw(t *testing.T) {
	msg := &common.MessageGpsRawInt{
		FixType:           common.GPS_FIX_TYPE_3D_FIX,
		Lat:               37_7749000,
		Lon:               -122_4194000,
		Eph:               150,
		Epv:               65535, // unknown sentinel
		SatellitesVisible: 12,
	}

	ev, ok := Decode(msg, time.Now())
	if !ok {
		t.Fatal("Expected valid GPS message to decode")
	}
	if ev.Kind != KindGps {
		t.Fatalf("Expected gps event, got %s", ev.Kind)
	}

	if math.Abs(ev.Fields["lat"]-37.7749) > 1e-6 || math.Abs(ev.Fields["lon"]+122.4194) > 1e-6 {
		t.Errorf("Unexpected coordinates: lat=%v lon=%v", ev.Fields["lat"], ev.Fields["lon"])
	}
	if math.Abs(ev.Fields["hdop"]-1.5) > 1e-9 {
		t.Errorf("Expected hdop 1.5, got %v", ev.Fields["hdop"])
	}
	if ev.Fields["vdop"] != -1 {
		t.Errorf("Expected unknown vdop to map to -1, got %v", ev.Fields["vdop"])
	}
	if ev.Fields["satellites"] != 12 {
		t.Errorf("Expected 12 satellites, got %v", ev.Fields["satellites"])
	}
}

func TestDecode_GlobalPosition(t *testing.T) {
	msg := &common.MessageGlobalPositionInt{
		Lat:         -33_8688000,
		Lon:         151_2093000,
		RelativeAlt: 123456, // millimetres
	}

	ev, ok := Decode(msg, time.Now())
	if !ok {
		t.Fatal("Expected valid position message to decode")
	}
	if ev.Kind != KindGpsPos {
		t.Fatalf("Expected gps_pos event, got %s", ev.Kind)
	}
	if math.Abs(ev.Fields["alt"]-123.456) > 1e-9 {
		t.Errorf("Expected relative altitude 123.456m, got %v", ev.Fields["alt"])
	}
}

func TestDecode_SysStatus(t *testing.T) {
	msg := &common.MessageSysStatus{
		VoltageBattery:   12600, // millivolts
		CurrentBattery:   1540,  // centiamps
		BatteryRemaining: 87,
	}

	ev, ok := Decode(msg, time.Now())
	if !ok {
		t.Fatal("Expected valid system status to decode")
	}
	if math.Abs(ev.Fields["voltage"]-12.6) > 1e-9 {
		t.Errorf("Expected 12.6V, got %v", ev.Fields["voltage"])
	}
	if math.Abs(ev.Fields["current"]-15.4) > 1e-9 {
		t.Errorf("Expected 15.4A, got %v", ev.Fields["current"])
	}
	if ev.Fields["remaining"] != 87 {
		t.Errorf("Expected 87%% remaining, got %v", ev.Fields["remaining"])
	}
}

func TestDecode_StatusText(t *testing.T) {
	ev, ok := Decode(&common.MessageStatustext{Severity: common.MAV_SEVERITY_WARNING, Text: "PreArm: check failed"}, time.Now())
	if !ok {
		t.Fatal("Expected status text to decode")
	}
	if ev.Kind != KindStatusText || ev.Text != "PreArm: check failed" {
		t.Errorf("Unexpected event: kind=%s text=%q", ev.Kind, ev.Text)
	}
}

func TestDecode_UnhandledMessageBecomesDebug(t *testing.T) {
	ev, ok := Decode(&common.MessageParamValue{}, time.Now())
	if !ok {
		t.Fatal("Expected unhandled message to produce a debug event")
	}
	if ev.Kind != KindDebug {
		t.Errorf("Expected debug event, got %s", ev.Kind)
	}
}

func TestResultName(t *testing.T) {
	testCases := []struct {
		result common.MAV_RESULT
		name   string
	}{
		{common.MAV_RESULT_ACCEPTED, "ACCEPTED"},
		{common.MAV_RESULT_DENIED, "DENIED"},
		{common.MAV_RESULT_TEMPORARILY_REJECTED, "TEMPORARILY_REJECTED"},
		{common.MAV_RESULT(200), "UNKNOWN"},
	}

	for _, tc := range testCases {
		if got := ResultName(tc.result); got != tc.name {
			t.Errorf("ResultName(%d): expected %s, got %s", tc.result, tc.name, got)
		}
	}
}
