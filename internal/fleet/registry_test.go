package fleet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/asra-uav/gcs/internal/link"
	"github.com/asra-uav/gcs/internal/mavlink"
)

// testLinkFactory produces links whose transports never open; registry tests
// exercise bookkeeping, not the wire.
func testLinkFactory() *link.Link {
	factory := func(endpoint string, baud int) (link.Transport, error) {
		return nil, fmt.Errorf("no transport in tests")
	}
	return link.New(factory, link.WithLoopPeriod(time.Millisecond))
}

func newTestRegistry(t *testing.T, options ...func(r *Registry)) *Registry {
	t.Helper()

	r := NewRegistry(testLinkFactory, options...)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_Capacity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id1, err := r.Add(ctx, "/dev/ttyUSB0", 57600, "alpha")
	if err != nil {
		t.Fatalf("Failed to add first vehicle: %v", err)
	}
	if id1 != "drone_1" {
		t.Errorf("Expected id drone_1, got %s", id1)
	}

	id2, err := r.Add(ctx, "/dev/ttyUSB1", 57600, "bravo")
	if err != nil {
		t.Fatalf("Failed to add second vehicle: %v", err)
	}
	if id2 != "drone_2" {
		t.Errorf("Expected id drone_2, got %s", id2)
	}

	if r.CanAdd() {
		t.Error("Expected registry to be full at capacity 2")
	}

	// Third add fails without mutating anything.
	if _, err = r.Add(ctx, "/dev/ttyUSB2", 57600, "charlie"); !errors.Is(err, ErrCapacity) {
		t.Errorf("Expected ErrCapacity, got %v", err)
	}
	if n := r.Count(); n != 2 {
		t.Errorf("Expected 2 vehicles after rejected add, got %d", n)
	}

	// Removing frees a slot; numbering is never reused.
	if err = r.Remove(id1); err != nil {
		t.Fatalf("Failed to remove vehicle: %v", err)
	}
	if !r.CanAdd() {
		t.Error("Expected free slot after removal")
	}

	id3, err := r.Add(ctx, "/dev/ttyUSB2", 57600, "charlie")
	if err != nil {
		t.Fatalf("Failed to add after removal: %v", err)
	}
	if id3 != "drone_3" {
		t.Errorf("Expected id drone_3 (numbers never reused), got %s", id3)
	}
}

func TestRegistry_CustomCapacity(t *testing.T) {
	r := newTestRegistry(t, WithMaxVehicles(1))
	ctx := context.Background()

	if _, err := r.Add(ctx, "/dev/ttyUSB0", 57600, ""); err != nil {
		t.Fatalf("Failed to add vehicle: %v", err)
	}
	if _, err := r.Add(ctx, "/dev/ttyUSB1", 57600, ""); !errors.Is(err, ErrCapacity) {
		t.Errorf("Expected ErrCapacity at limit 1, got %v", err)
	}
}

func TestRegistry_VehicleInfo(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id1, err := r.Add(ctx, "/dev/ttyUSB0", 57600, "")
	if err != nil {
		t.Fatalf("Failed to add vehicle: %v", err)
	}
	id2, err := r.Add(ctx, "udp:127.0.0.1:14550", 115200, "sim")
	if err != nil {
		t.Fatalf("Failed to add vehicle: %v", err)
	}

	info1, err := r.VehicleInfo(id1)
	if err != nil {
		t.Fatalf("Failed to read vehicle info: %v", err)
	}
	if info1.Name != "/dev/ttyUSB0" {
		t.Errorf("Expected empty name to default to endpoint, got %q", info1.Name)
	}
	if info1.Color != "#FF0000" {
		t.Errorf("Expected first vehicle to be red, got %s", info1.Color)
	}
	if info1.Connected || info1.Armed {
		t.Error("Expected new vehicle to be disconnected and disarmed")
	}

	info2, err := r.VehicleInfo(id2)
	if err != nil {
		t.Fatalf("Failed to read vehicle info: %v", err)
	}
	if info2.Name != "sim" || info2.Baud != 115200 {
		t.Errorf("Unexpected second vehicle info: %+v", info2)
	}
	if info2.Color != "#0000FF" {
		t.Errorf("Expected second vehicle to be blue, got %s", info2.Color)
	}

	if got := len(r.Vehicles()); got != 2 {
		t.Errorf("Expected 2 snapshots, got %d", got)
	}
}

func TestRegistry_MarkConnected(t *testing.T) {
	r := newTestRegistry(t)

	id, err := r.Add(context.Background(), "/dev/ttyUSB0", 57600, "")
	if err != nil {
		t.Fatalf("Failed to add vehicle: %v", err)
	}

	r.MarkConnected(id, true)
	info, err := r.VehicleInfo(id)
	if err != nil {
		t.Fatalf("Failed to read vehicle info: %v", err)
	}
	if !info.Connected {
		t.Error("Expected vehicle to be marked connected")
	}

	r.MarkConnected(id, false)
	info, _ = r.VehicleInfo(id)
	if info.Connected {
		t.Error("Expected vehicle to be marked disconnected")
	}

	// Unknown ids are ignored, not invented.
	r.MarkConnected("drone_99", true)
	if n := r.Count(); n != 1 {
		t.Errorf("Expected 1 vehicle, got %d", n)
	}
}

func TestRegistry_TelemetryMerge(t *testing.T) {
	r := newTestRegistry(t)

	id, err := r.Add(context.Background(), "/dev/ttyUSB0", 57600, "")
	if err != nil {
		t.Fatalf("Failed to add vehicle: %v", err)
	}

	err = r.RouteTelemetry(id, "gps", map[string]float64{"lat": 1, "lon": 2, "hdop": 0.9})
	if err != nil {
		t.Fatalf("Failed to route telemetry: %v", err)
	}

	// A later update without hdop must not clobber it.
	err = r.RouteTelemetry(id, "gps", map[string]float64{"lat": 3, "lon": 4})
	if err != nil {
		t.Fatalf("Failed to route telemetry: %v", err)
	}

	record, err := r.Telemetry(id, "gps")
	if err != nil {
		t.Fatalf("Failed to read telemetry: %v", err)
	}
	if record["lat"] != 3 || record["lon"] != 4 {
		t.Errorf("Expected updated coordinates, got %v", record)
	}
	if record["hdop"] != 0.9 {
		t.Errorf("Expected hdop to survive partial update, got %v", record["hdop"])
	}

	// The returned record is a copy.
	record["lat"] = 99
	again, _ := r.Telemetry(id, "gps")
	if again["lat"] != 3 {
		t.Error("Expected Telemetry to return a defensive copy")
	}

	// Absent categories read as empty, not as errors.
	if record, err = r.Telemetry(id, "attitude"); err != nil || record != nil {
		t.Errorf("Expected nil record for absent category, got %v, %v", record, err)
	}
}

func TestRegistry_UnknownVehicle(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Remove("drone_99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from Remove, got %v", err)
	}
	if err := r.ConnectVehicle("drone_99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from ConnectVehicle, got %v", err)
	}
	if err := r.RouteTelemetry("drone_99", "gps", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from RouteTelemetry, got %v", err)
	}
	if _, err := r.PollEvents("drone_99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from PollEvents, got %v", err)
	}
	if err := r.SendCommand("drone_99", Command{Kind: CommandArmDisarm}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from SendCommand, got %v", err)
	}
}

func TestRegistry_CommandRouting(t *testing.T) {
	r := newTestRegistry(t)

	id, err := r.Add(context.Background(), "/dev/ttyUSB0", 57600, "")
	if err != nil {
		t.Fatalf("Failed to add vehicle: %v", err)
	}

	commands := []Command{
		{Kind: CommandArmDisarm},
		{Kind: CommandForceArm},
		{Kind: CommandSetMode, ModeID: 6},
		{Kind: CommandMissionStart},
		{Kind: CommandAbortLand},
	}
	for _, cmd := range commands {
		if err = r.SendCommand(id, cmd); err != nil {
			t.Errorf("Failed to send command %d: %v", cmd.Kind, err)
		}
	}

	if err = r.SendCommand(id, Command{Kind: CommandKind(42)}); err == nil {
		t.Error("Expected error for unknown command kind")
	}

	// The disconnected link reports every routed command as an error event.
	var events []mavlink.Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		drained, err := r.PollEvents(id)
		if err != nil {
			t.Fatalf("Failed to poll events: %v", err)
		}
		events = append(events, drained...)

		errorCount := 0
		for _, ev := range events {
			if ev.Kind == mavlink.KindError && ev.Text == "Not connected" {
				errorCount++
			}
		}
		if errorCount == len(commands) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d routed commands to surface as link errors, drained: %+v", len(commands), events)
}
