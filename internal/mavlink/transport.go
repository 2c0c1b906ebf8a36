package mavlink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

const (
	// gcsSystemID is the MAVLink system id this ground station transmits as.
	gcsSystemID = 255

	inboundBuffer = 1024
)

// ErrClosed is returned by Send after the transport has been closed.
var ErrClosed = errors.New("transport closed")

// WithTransportLogger sets the logger for the transport.
func WithTransportLogger(logger *slog.Logger) func(t *Transport) {
	return func(t *Transport) {
		t.logger = logger.With(slog.String("endpoint", t.endpoint))
	}
}

// Transport owns one gomavlib node over a serial or network endpoint and
// pumps inbound frames into a message channel. The channel is closed when
// the underlying node shuts down; a receive of ok=false therefore means the
// transport is dead.
type Transport struct {
	endpoint string
	baud     int
	logger   *slog.Logger

	node *gomavlib.Node

	messages chan message.Message
	done     chan struct{}

	mu     sync.Mutex
	sysID  byte
	compID byte

	closeOnce sync.Once
}

// Open dials the endpoint and starts the inbound pump. Endpoint forms:
// "udp:host:port", "tcp:host:port", or a serial device path with baud.
func Open(endpoint string, baud int, options ...func(t *Transport)) (*Transport, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	t := Transport{
		endpoint: endpoint,
		baud:     baud,
		logger:   logger,
		messages: make(chan message.Message, inboundBuffer),
		done:     make(chan struct{}),
		sysID:    1,
		compID:   1,
	}

	for _, option := range options {
		option(&t)
	}

	conf, err := endpointConf(endpoint, baud)
	if err != nil {
		return nil, err
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:        []gomavlib.EndpointConf{conf},
		Dialect:          common.Dialect,
		OutVersion:       gomavlib.V2,
		OutSystemID:      gcsSystemID,
		OutComponentID:   1,
		HeartbeatDisable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening endpoint %s: %w", endpoint, err)
	}
	t.node = node

	go t.pump(node.Events())

	return &t, nil
}

func endpointConf(endpoint string, baud int) (gomavlib.EndpointConf, error) {
	switch {
	case strings.HasPrefix(endpoint, "udp:"):
		return gomavlib.EndpointUDPClient{Address: strings.TrimPrefix(endpoint, "udp:")}, nil
	case strings.HasPrefix(endpoint, "tcp:"):
		return gomavlib.EndpointTCPClient{Address: strings.TrimPrefix(endpoint, "tcp:")}, nil
	case endpoint == "":
		return nil, errors.New("no device configured")
	default:
		return gomavlib.EndpointSerial{Device: endpoint, Baud: baud}, nil
	}
}

// pump drains node events, recording the vehicle's system/component ids and
// forwarding messages. Exits, closing the message channel, once the node's
// event channel closes or Close is called. The done channel matters when the
// consumer has abandoned the transport with the buffer full: without it the
// forwarding send would block forever and leak the goroutine.
func (t *Transport) pump(events <-chan gomavlib.Event) {
	defer close(t.messages)

	for evt := range events {
		switch e := evt.(type) {
		case *gomavlib.EventFrame:
			t.mu.Lock()
			t.sysID = e.SystemID()
			t.compID = e.ComponentID()
			t.mu.Unlock()

			select {
			case t.messages <- e.Message():
			case <-t.done:
				return
			}

		case *gomavlib.EventParseError:
			t.logger.Debug("frame parse error", slog.String("error", e.Error.Error()))

		case *gomavlib.EventChannelClose:
			t.logger.Debug("channel closed")
		}
	}
}

// Messages returns the inbound message channel. The channel is closed when
// the transport shuts down.
func (t *Transport) Messages() <-chan message.Message {
	return t.messages
}

// Send writes one message to the endpoint.
func (t *Transport) Send(msg message.Message) error {
	if t.node == nil {
		return ErrClosed
	}
	if err := t.node.WriteMessageAll(msg); err != nil {
		return fmt.Errorf("sending %T: %w", msg, err)
	}
	return nil
}

// Target returns the vehicle system/component ids observed on the link,
// defaulting to (1, 1) until the first frame arrives.
func (t *Transport) Target() (sysID, compID byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sysID, t.compID
}

// Close shuts the node down and releases the pump. Safe to call multiple
// times.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.node != nil {
			t.node.Close()
		}
	})
	return nil
}
