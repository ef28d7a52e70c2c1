package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerialPort opens a real serial device.
func OpenSerialPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

var _ SerialPortOpener = OpenSerialPort
