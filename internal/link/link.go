package link

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/asra-uav/gcs/internal/mavlink"
)

const (
	defaultHeartbeatTimeout = 3 * time.Second
	defaultConnectTimeout   = 10 * time.Second
	defaultAckTimeout       = 3 * time.Second
	defaultLoopPeriod       = 10 * time.Millisecond

	heartbeatCheckInterval = time.Second
	dataRateInterval       = 5 * time.Second

	// forceArmMagic is the ArduPilot safety-interlock bypass value for
	// MAV_CMD_COMPONENT_ARM_DISARM param2.
	forceArmMagic = 21196

	controlQueueSize = 64
)

// Transport is the wire connection a link drives: a non-blocking inbound
// message feed plus outbound sends. The message channel closes when the
// transport dies.
type Transport interface {
	Messages() <-chan message.Message
	Send(msg message.Message) error
	Target() (sysID, compID byte)
	Close() error
}

// TransportFactory opens a transport for an endpoint. Injected so tests can
// drive the link against a scripted vehicle.
type TransportFactory func(endpoint string, baud int) (Transport, error)

// WithLogger sets the logger for the link.
func WithLogger(logger *slog.Logger) func(l *Link) {
	return func(l *Link) {
		l.logger = logger
	}
}

// WithHeartbeatTimeout sets how long the link tolerates heartbeat silence
// before declaring the connection lost.
func WithHeartbeatTimeout(d time.Duration) func(l *Link) {
	return func(l *Link) {
		l.heartbeatTimeout = d
	}
}

// WithConnectTimeout bounds how long a connect attempt waits for the first
// heartbeat.
func WithConnectTimeout(d time.Duration) func(l *Link) {
	return func(l *Link) {
		l.connectTimeout = d
	}
}

// WithAckTimeout bounds how long the worker waits for a command
// acknowledgment.
func WithAckTimeout(d time.Duration) func(l *Link) {
	return func(l *Link) {
		l.ackTimeout = d
	}
}

// WithLoopPeriod sets the worker loop sleep between iterations.
func WithLoopPeriod(d time.Duration) func(l *Link) {
	return func(l *Link) {
		l.loopPeriod = d
	}
}

type ctrlKind int

const (
	ctrlConnect ctrlKind = iota
	ctrlDisconnect
	ctrlArmDisarm
	ctrlSetMode
	ctrlMissionStart
	ctrlAbortLand
)

type ctrlRequest struct {
	kind   ctrlKind
	force  bool
	modeID uint32
}

// Link manages exactly one connection to a vehicle. All operations are
// asynchronous: the caller enqueues a request and returns immediately; the
// background worker executes it and reports the outcome through the event
// queue drained by PollEvents.
type Link struct {
	newTransport TransportFactory
	logger       *slog.Logger

	heartbeatTimeout time.Duration
	connectTimeout   time.Duration
	ackTimeout       time.Duration
	loopPeriod       time.Duration

	mu        sync.Mutex
	endpoint  string
	baud      int
	connected bool
	armed     bool

	events *eventQueue
	ctrl   chan ctrlRequest

	// Worker-owned state, touched only by the background loop.
	transport     Transport
	lastHeartbeat time.Time
	lastMode      uint32
	haveMode      bool
	rateCounts    map[string]int
	rateSince     map[string]time.Time

	isRunning atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a link that opens connections through newTransport.
func New(newTransport TransportFactory, options ...func(l *Link)) *Link {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	l := Link{
		newTransport:     newTransport,
		logger:           logger,
		heartbeatTimeout: defaultHeartbeatTimeout,
		connectTimeout:   defaultConnectTimeout,
		ackTimeout:       defaultAckTimeout,
		loopPeriod:       defaultLoopPeriod,
		events:           &eventQueue{},
		ctrl:             make(chan ctrlRequest, controlQueueSize),
		rateCounts:       make(map[string]int),
		rateSince:        make(map[string]time.Time),
	}

	for _, option := range options {
		option(&l)
	}

	return &l
}

// Configure stores the connection endpoint. Only valid while disconnected;
// it has no side effects beyond storing the parameters.
func (l *Link) Configure(endpoint string, baud int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connected {
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: "Cannot reconfigure while connected"})
		return
	}
	l.endpoint = endpoint
	l.baud = baud
}

// Connect asynchronously requests connection establishment.
func (l *Link) Connect() { l.enqueue(ctrlRequest{kind: ctrlConnect}) }

// Disconnect asynchronously tears the connection down. Idempotent.
func (l *Link) Disconnect() { l.enqueue(ctrlRequest{kind: ctrlDisconnect}) }

// ArmDisarm toggles the armed state based on the last known value. With
// force set, arming bypasses the autopilot's safety interlocks.
func (l *Link) ArmDisarm(force bool) { l.enqueue(ctrlRequest{kind: ctrlArmDisarm, force: force}) }

// SetMode requests a flight-mode change. The command is not acknowledged by
// the protocol; confirmation arrives later as a flight_mode event derived
// from the heartbeat.
func (l *Link) SetMode(modeID uint32) { l.enqueue(ctrlRequest{kind: ctrlSetMode, modeID: modeID}) }

// MissionStart sends a fire-and-forget mission start command.
func (l *Link) MissionStart() { l.enqueue(ctrlRequest{kind: ctrlMissionStart}) }

// AbortLand sends a fire-and-forget return-to-launch command.
func (l *Link) AbortLand() { l.enqueue(ctrlRequest{kind: ctrlAbortLand}) }

// PollEvents drains all events queued since the last poll. Never blocks.
func (l *Link) PollEvents() []mavlink.Event {
	return l.events.DrainAll()
}

// IsConnected reports the current connection state.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// IsArmed reports the last known armed state.
func (l *Link) IsArmed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.armed
}

// Start launches the background worker.
func (l *Link) Start(ctx context.Context) error {
	if !l.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("link is already running")
	}

	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// Stop disconnects, signals loop termination, and does not return until the
// worker has observably stopped.
func (l *Link) Stop() {
	if !l.isRunning.Load() {
		return // already stopped
	}

	l.cancel()
	l.wg.Wait()
	l.isRunning.Store(false)
}

func (l *Link) enqueue(req ctrlRequest) {
	select {
	case l.ctrl <- req:
	default:
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: "Control queue full, request dropped"})
	}
}

// run is the worker loop: drain one control request, check the heartbeat
// watchdog, attempt one non-blocking receive, sleep. The short sleep bounds
// CPU usage while keeping command latency low.
func (l *Link) run(ctx context.Context) {
	defer l.wg.Done()

	checkInterval := heartbeatCheckInterval
	if l.heartbeatTimeout < 2*heartbeatCheckInterval {
		checkInterval = l.heartbeatTimeout / 2
	}

	lastHeartbeatCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			l.doDisconnect()
			return
		default:
		}

		select {
		case req := <-l.ctrl:
			l.handleControl(req)
		default:
		}

		if time.Since(lastHeartbeatCheck) > checkInterval {
			lastHeartbeatCheck = time.Now()
			l.checkHeartbeat()
		}

		if l.transport != nil {
			select {
			case msg, ok := <-l.transport.Messages():
				if !ok {
					l.handleReceiveFailure("Receive error: transport closed")
				} else {
					l.processMessage(msg)
				}
			default:
			}
		}

		time.Sleep(l.loopPeriod)
	}
}

func (l *Link) handleControl(req ctrlRequest) {
	switch req.kind {
	case ctrlConnect:
		l.doConnect()
	case ctrlDisconnect:
		l.doDisconnect()
	case ctrlArmDisarm:
		l.doArmDisarm(req.force)
	case ctrlSetMode:
		l.doSetMode(req.modeID)
	case ctrlMissionStart:
		l.doCommand(common.MAV_CMD_MISSION_START, "Mission Start")
	case ctrlAbortLand:
		l.doCommand(common.MAV_CMD_NAV_RETURN_TO_LAUNCH, "Abort Landing (RTL)")
	}
}

func (l *Link) checkHeartbeat() {
	if l.transport == nil {
		return
	}

	l.mu.Lock()
	lost := l.connected && time.Since(l.lastHeartbeat) > l.heartbeatTimeout
	if lost {
		l.connected = false
		l.armed = false
	}
	l.mu.Unlock()

	if lost {
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: "Heartbeat timeout - connection lost"})
		l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: "Disconnected"})

		_ = l.transport.Close()
		l.transport = nil
		l.logger.Warn("heartbeat timeout", slog.String("endpoint", l.endpoint))
	}
}

func (l *Link) doConnect() {
	l.mu.Lock()
	endpoint, baud := l.endpoint, l.baud
	l.mu.Unlock()

	if endpoint == "" {
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: "No device configured"})
		return
	}

	if l.transport != nil {
		_ = l.transport.Close()
		l.transport = nil
	}

	l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: fmt.Sprintf("Connecting to %s @ %d", endpoint, baud)})

	transport, err := l.newTransport(endpoint, baud)
	if err != nil {
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: fmt.Sprintf("Connection failed: %s", err)})
		l.failConnect()
		return
	}

	if !l.awaitFirstHeartbeat(transport) {
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: "Connection failed: no heartbeat received"})
		_ = transport.Close()
		l.failConnect()
		return
	}

	l.transport = transport
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: "Connected"})

	l.requestDataStreams()
	l.logger.Info("connected", slog.String("endpoint", endpoint), slog.Int("baud", baud))
}

// failConnect resets shared state after a failed connect attempt. A connect
// issued while already connected has discarded the old transport by this
// point, so the link must not keep reporting connected with nothing to watch.
func (l *Link) failConnect() {
	l.mu.Lock()
	wasConnected := l.connected
	l.connected = false
	l.armed = false
	l.mu.Unlock()

	if wasConnected {
		l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: "Disconnected"})
	}
}

// awaitFirstHeartbeat blocks the worker (never the caller) until the vehicle
// announces itself, bounded by the connect timeout.
func (l *Link) awaitFirstHeartbeat(transport Transport) bool {
	deadline := time.After(l.connectTimeout)
	for {
		select {
		case msg, ok := <-transport.Messages():
			if !ok {
				return false
			}
			if hb, isHB := msg.(*common.MessageHeartbeat); isHB {
				l.handleHeartbeat(hb)
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// requestDataStreams subscribes the telemetry streams the display needs:
// extended status and VFR HUD at 2Hz, position and attitude at 10Hz.
func (l *Link) requestDataStreams() {
	sysID, compID := l.transport.Target()

	streams := []struct {
		id   common.MAV_DATA_STREAM
		rate uint16
	}{
		{common.MAV_DATA_STREAM_EXTENDED_STATUS, 2},
		{common.MAV_DATA_STREAM_POSITION, 10},
		{common.MAV_DATA_STREAM_EXTRA1, 10},
		{common.MAV_DATA_STREAM_EXTRA2, 2},
	}

	for _, s := range streams {
		err := l.transport.Send(&common.MessageRequestDataStream{
			TargetSystem:    sysID,
			TargetComponent: compID,
			ReqStreamId:     uint8(s.id),
			ReqMessageRate:  s.rate,
			StartStop:       1,
		})
		if err != nil {
			l.logger.Warn("data stream request failed", slog.Int("stream", int(s.id)), slog.String("error", err.Error()))
		}
	}
}

// doDisconnect always emits a Disconnected status, making disconnect
// idempotent from the caller's point of view.
func (l *Link) doDisconnect() {
	if l.transport != nil {
		if err := l.transport.Close(); err != nil {
			l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: fmt.Sprintf("Error closing connection: %s", err)})
		}
		l.transport = nil
	}

	l.mu.Lock()
	l.connected = false
	l.armed = false
	l.mu.Unlock()

	l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: "Disconnected"})
}

func (l *Link) doArmDisarm(force bool) {
	if l.transport == nil {
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: "Not connected"})
		return
	}

	armed := l.IsArmed()
	var param1, param2 float32
	switch {
	case armed:
		l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: "Sending Disarm command..."})
	case force:
		param1, param2 = 1, forceArmMagic
		l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: "Sending Force Arm command..."})
	default:
		param1 = 1
		l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: "Sending Arm command..."})
	}

	sysID, compID := l.transport.Target()
	err := l.transport.Send(&common.MessageCommandLong{
		TargetSystem:    sysID,
		TargetComponent: compID,
		Command:         common.MAV_CMD_COMPONENT_ARM_DISARM,
		Param1:          param1,
		Param2:          param2,
	})
	if err != nil {
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: fmt.Sprintf("Failed to send Arm/Disarm command: %s", err)})
		return
	}

	l.awaitAck(common.MAV_CMD_COMPONENT_ARM_DISARM, "Arm/Disarm")
}

// awaitAck blocks the worker loop on a bounded wait for the acknowledgment
// of one specific command. Telemetry arriving meanwhile is still processed
// so the display does not stall during the wait.
func (l *Link) awaitAck(cmd common.MAV_CMD, label string) {
	deadline := time.After(l.ackTimeout)
	for {
		select {
		case msg, ok := <-l.transport.Messages():
			if !ok {
				l.handleReceiveFailure("Receive error: transport closed")
				return
			}
			if ack, isAck := msg.(*common.MessageCommandAck); isAck && ack.Command == cmd {
				if ack.Result == common.MAV_RESULT_ACCEPTED {
					l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: fmt.Sprintf("%s command accepted by FCU.", label)})
				} else {
					l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: fmt.Sprintf("%s command rejected: %s", label, mavlink.ResultName(ack.Result))})
				}
				return
			}
			l.processMessage(msg)

		case <-deadline:
			l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: fmt.Sprintf("No acknowledgment for %s command.", label)})
			return
		}
	}
}

func (l *Link) doSetMode(modeID uint32) {
	if l.transport == nil {
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: "Not connected"})
		return
	}

	l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: fmt.Sprintf("Sending Set Mode command (Mode ID: %d)...", modeID)})

	sysID, _ := l.transport.Target()
	err := l.transport.Send(&common.MessageSetMode{
		TargetSystem: sysID,
		BaseMode:     common.MAV_MODE(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED),
		CustomMode:   modeID,
	})
	if err != nil {
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: fmt.Sprintf("Failed to set mode: %s", err)})
		return
	}

	// SET_MODE does not reliably generate COMMAND_ACK; the mode change shows
	// up in a later heartbeat instead.
	l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: fmt.Sprintf("Set mode command sent for mode %d. Waiting for confirmation...", modeID)})
}

func (l *Link) doCommand(cmd common.MAV_CMD, label string) {
	if l.transport == nil {
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: "Not connected"})
		return
	}

	l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: fmt.Sprintf("Sending %s command...", label)})

	sysID, compID := l.transport.Target()
	err := l.transport.Send(&common.MessageCommandLong{
		TargetSystem:    sysID,
		TargetComponent: compID,
		Command:         cmd,
	})
	if err != nil {
		l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: fmt.Sprintf("Failed to send %s command: %s", label, err)})
		return
	}

	l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: fmt.Sprintf("%s command sent.", label)})
}

func (l *Link) handleReceiveFailure(reason string) {
	l.events.Push(mavlink.Event{Kind: mavlink.KindError, Text: reason})

	if l.transport != nil {
		_ = l.transport.Close()
		l.transport = nil
	}

	l.mu.Lock()
	l.connected = false
	l.armed = false
	l.mu.Unlock()

	l.events.Push(mavlink.Event{Kind: mavlink.KindStatus, Text: "Disconnected"})
}

func (l *Link) processMessage(msg message.Message) {
	l.trackRate(msg)

	if hb, ok := msg.(*common.MessageHeartbeat); ok {
		l.handleHeartbeat(hb)
		return
	}

	if ev, ok := mavlink.Decode(msg, time.Now()); ok {
		l.events.Push(ev)
	}
}

func (l *Link) handleHeartbeat(hb *common.MessageHeartbeat) {
	l.lastHeartbeat = time.Now()

	l.mu.Lock()
	l.armed = hb.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
	l.mu.Unlock()

	if !l.haveMode || hb.CustomMode != l.lastMode {
		l.haveMode = true
		l.lastMode = hb.CustomMode
		if name, ok := ModeName(hb.CustomMode); ok {
			l.events.Push(mavlink.Event{Kind: mavlink.KindFlightMode, Text: name})
		}
	}
}

// trackRate counts inbound messages per type and periodically reports the
// observed rate for the display-critical streams.
func (l *Link) trackRate(msg message.Message) {
	name := messageName(msg)
	now := time.Now()

	if _, ok := l.rateSince[name]; !ok {
		l.rateSince[name] = now
	}
	l.rateCounts[name]++

	elapsed := now.Sub(l.rateSince[name])
	if elapsed < dataRateInterval {
		return
	}

	rate := float64(l.rateCounts[name]) / elapsed.Seconds()
	l.rateCounts[name] = 0
	l.rateSince[name] = now

	switch name {
	case "ATTITUDE", "VFR_HUD", "GPS_RAW_INT":
		l.events.Push(mavlink.Event{Kind: mavlink.KindDataRate, Fields: map[string]float64{name: rate}})
	}
}

func messageName(msg message.Message) string {
	switch msg.(type) {
	case *common.MessageHeartbeat:
		return "HEARTBEAT"
	case *common.MessageAttitude:
		return "ATTITUDE"
	case *common.MessageVfrHud:
		return "VFR_HUD"
	case *common.MessageGpsRawInt:
		return "GPS_RAW_INT"
	case *common.MessageGlobalPositionInt:
		return "GLOBAL_POSITION_INT"
	case *common.MessageSysStatus:
		return "SYS_STATUS"
	case *common.MessageStatustext:
		return "STATUSTEXT"
	default:
		return fmt.Sprintf("%T", msg)
	}
}
