package harvester

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the byte stream to the motion controller. serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// openPort opens a real serial device. Tests replace it with a simulator.
var openPort = func(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(name, mode)
}
