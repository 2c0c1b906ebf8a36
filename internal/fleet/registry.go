// Package fleet bounds and routes a set of concurrent vehicle links.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/asra-uav/gcs/internal/link"
	"github.com/asra-uav/gcs/internal/mavlink"
)

// DefaultMaxVehicles is the default registry capacity.
const DefaultMaxVehicles = 2

var (
	// ErrCapacity is returned by Add when the registry is full.
	ErrCapacity = errors.New("vehicle capacity reached")

	// ErrNotFound is returned for operations on an unknown vehicle id.
	ErrNotFound = errors.New("vehicle not found")
)

// palette is the fixed set of display colors assigned to vehicles,
// round-robin by current vehicle count.
var palette = []string{
	"#FF0000", // red
	"#0000FF", // blue
	"#00FF00", // green
	"#FFFF00", // yellow
	"#FF00FF", // magenta
	"#00FFFF", // cyan
}

// CommandKind enumerates the commands routable to a vehicle. The set is
// closed; dispatch is an exhaustive switch rather than name lookup.
type CommandKind int

const (
	CommandArmDisarm CommandKind = iota
	CommandForceArm
	CommandSetMode
	CommandMissionStart
	CommandAbortLand
)

// Command is one routable vehicle command.
type Command struct {
	Kind   CommandKind
	ModeID uint32 // CommandSetMode only
}

// LinkFactory builds a fresh, unconfigured link for a new vehicle.
type LinkFactory func() *link.Link

// WithMaxVehicles overrides the registry capacity.
func WithMaxVehicles(n int) func(r *Registry) {
	return func(r *Registry) {
		r.maxVehicles = n
	}
}

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) func(r *Registry) {
	return func(r *Registry) {
		r.logger = logger.With(slog.String("component", "fleet"))
	}
}

// vehicle is the registry's bookkeeping for one managed vehicle. The
// registry exclusively owns the id map; each vehicle exclusively owns its
// link worker.
type vehicle struct {
	id       string
	name     string
	endpoint string
	baud     int
	color    string

	connected bool
	telemetry map[string]map[string]float64

	link *link.Link
}

// Info is a point-in-time snapshot of one vehicle's identity and state.
type Info struct {
	ID        string
	Name      string
	Endpoint  string
	Baud      int
	Color     string
	Connected bool
	Armed     bool
}

// Registry maps vehicle ids to links, enforcing a maximum concurrent
// vehicle count and routing commands and telemetry by id.
type Registry struct {
	newLink     LinkFactory
	maxVehicles int
	logger      *slog.Logger

	mu         sync.Mutex
	vehicles   map[string]*vehicle
	nextNumber int
}

// NewRegistry creates a registry producing links through newLink.
func NewRegistry(newLink LinkFactory, options ...func(r *Registry)) *Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	r := Registry{
		newLink:     newLink,
		maxVehicles: DefaultMaxVehicles,
		logger:      logger,
		vehicles:    make(map[string]*vehicle),
		nextNumber:  1,
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Add registers a new vehicle and starts its link worker. Returns
// ErrCapacity, with no state mutated, when the registry is full. An empty
// name defaults to the endpoint.
func (r *Registry) Add(ctx context.Context, endpoint string, baud int, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.vehicles) >= r.maxVehicles {
		return "", fmt.Errorf("%w (max %d)", ErrCapacity, r.maxVehicles)
	}

	id := fmt.Sprintf("drone_%d", r.nextNumber)
	r.nextNumber++

	if name == "" {
		name = endpoint
	}
	color := palette[len(r.vehicles)%len(palette)]

	ln := r.newLink()
	ln.Configure(endpoint, baud)
	if err := ln.Start(ctx); err != nil {
		return "", fmt.Errorf("starting link worker: %w", err)
	}

	r.vehicles[id] = &vehicle{
		id:        id,
		name:      name,
		endpoint:  endpoint,
		baud:      baud,
		color:     color,
		telemetry: make(map[string]map[string]float64),
		link:      ln,
	}

	r.logger.Info("vehicle added",
		slog.String("id", id),
		slog.String("name", name),
		slog.String("endpoint", endpoint),
		slog.Int("baud", baud),
		slog.String("color", color))

	return id, nil
}

// Remove forces a disconnect, stops the link worker, and drops the vehicle.
// Remove does not return until the worker has stopped.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	v, ok := r.vehicles[id]
	if ok {
		delete(r.vehicles, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("removing %s: %w", id, ErrNotFound)
	}

	v.link.Disconnect()
	v.link.Stop()

	r.logger.Info("vehicle removed", slog.String("id", id))
	return nil
}

// ConnectVehicle asks the vehicle's link to connect. The registry's
// connected flag flips only once the link's success event is observed via
// MarkConnected, never optimistically.
func (r *Registry) ConnectVehicle(id string) error {
	v, err := r.vehicle(id)
	if err != nil {
		return err
	}
	v.link.Connect()
	return nil
}

// DisconnectVehicle asks the vehicle's link to disconnect.
func (r *Registry) DisconnectVehicle(id string) error {
	v, err := r.vehicle(id)
	if err != nil {
		return err
	}
	v.link.Disconnect()
	return nil
}

// MarkConnected records the link-confirmed connection state for a vehicle.
// Called by the event consumer when it observes the link's status event.
func (r *Registry) MarkConnected(id string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.vehicles[id]; ok {
		v.connected = connected
	}
}

// RouteTelemetry merges fields into the vehicle's record for a telemetry
// category. The merge is monotonic: present keys are updated, absent keys
// are untouched, and the record is never replaced wholesale.
func (r *Registry) RouteTelemetry(id, category string, fields map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.vehicles[id]
	if !ok {
		return fmt.Errorf("routing telemetry to %s: %w", id, ErrNotFound)
	}

	record, ok := v.telemetry[category]
	if !ok {
		record = make(map[string]float64, len(fields))
		v.telemetry[category] = record
	}
	for k, val := range fields {
		record[k] = val
	}
	return nil
}

// Telemetry returns a copy of the stored record for one telemetry category.
func (r *Registry) Telemetry(id, category string) (map[string]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.vehicles[id]
	if !ok {
		return nil, fmt.Errorf("reading telemetry of %s: %w", id, ErrNotFound)
	}

	record, ok := v.telemetry[category]
	if !ok {
		return nil, nil
	}
	out := make(map[string]float64, len(record))
	for k, val := range record {
		out[k] = val
	}
	return out, nil
}

// SendCommand routes one command to a vehicle's link.
func (r *Registry) SendCommand(id string, cmd Command) error {
	v, err := r.vehicle(id)
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case CommandArmDisarm:
		v.link.ArmDisarm(false)
	case CommandForceArm:
		v.link.ArmDisarm(true)
	case CommandSetMode:
		v.link.SetMode(cmd.ModeID)
	case CommandMissionStart:
		v.link.MissionStart()
	case CommandAbortLand:
		v.link.AbortLand()
	default:
		return fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
	return nil
}

// PollEvents drains the queued events of one vehicle's link. Never blocks.
func (r *Registry) PollEvents(id string) ([]mavlink.Event, error) {
	v, err := r.vehicle(id)
	if err != nil {
		return nil, err
	}
	return v.link.PollEvents(), nil
}

// CanAdd reports whether the registry has room for another vehicle.
func (r *Registry) CanAdd() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vehicles) < r.maxVehicles
}

// Count returns the number of managed vehicles.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vehicles)
}

// VehicleInfo returns a snapshot of one vehicle.
func (r *Registry) VehicleInfo(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.vehicles[id]
	if !ok {
		return Info{}, fmt.Errorf("reading %s: %w", id, ErrNotFound)
	}
	return r.infoLocked(v), nil
}

// Vehicles returns snapshots of all managed vehicles.
func (r *Registry) Vehicles() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.vehicles))
	for _, v := range r.vehicles {
		infos = append(infos, r.infoLocked(v))
	}
	return infos
}

// Close removes every vehicle, stopping all link workers.
func (r *Registry) Close() {
	r.mu.Lock()
	vehicles := make([]*vehicle, 0, len(r.vehicles))
	for _, v := range r.vehicles {
		vehicles = append(vehicles, v)
	}
	clear(r.vehicles)
	r.mu.Unlock()

	for _, v := range vehicles {
		v.link.Disconnect()
		v.link.Stop()
	}
}

func (r *Registry) infoLocked(v *vehicle) Info {
	return Info{
		ID:        v.id,
		Name:      v.name,
		Endpoint:  v.endpoint,
		Baud:      v.baud,
		Color:     v.color,
		Connected: v.connected,
		Armed:     v.link.IsArmed(),
	}
}

func (r *Registry) vehicle(id string) (*vehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.vehicles[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return v, nil
}
