package mavlink

import (
	"fmt"

	"go.bug.st/serial"
)

// ListPorts enumerates the serial devices present on this machine, for
// endpoint selection before a link is configured.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	return ports, nil
}
