package serialmux

import (
	"io"
)

// SerialPorter is the minimal surface SerialMux needs from a port, so tests
// can run without hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortOpener opens the port at path. cmd/locus swaps it for the
// fixture replayer in dev mode.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
