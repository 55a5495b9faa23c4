// Package serial keeps a byte stream flowing from a serial device to
// subscribers.
//
// A Link owns one open Port. Bytes are normally pulled when the driver
// signals that data is available (Port.Ready). A watchdog timer catches the
// case where the driver stops signalling while bytes are still pending; the
// link then degrades to polling until the driver signals again with new
// data. Reconnection is left to the owner of the Link.
package serial

import (
	"errors"
	"fmt"
	"io"
	"slices"
)

var (
	// ErrHardwareUnavailable is returned by Link.Start when the device cannot be opened.
	ErrHardwareUnavailable = errors.New("serial device unavailable")
	// ErrNotConnected is returned by I/O calls on a link that is not open.
	ErrNotConnected = errors.New("serial link not connected")
	// ErrAlreadyOpen is returned by Link.Start on an open link.
	ErrAlreadyOpen = errors.New("serial link already open")
	// ErrClosed is returned by Port calls after Close.
	ErrClosed = errors.New("serial port closed")
)

// Parity represents parity mode.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityOdd  Parity = 'O'
	ParityEven Parity = 'E'
)

// ParseParity maps "none", "odd" and "even" (or N/O/E) to a Parity.
func ParseParity(s string) (Parity, error) {
	switch s {
	case "", "none", "N", "n":
		return ParityNone, nil
	case "odd", "O", "o":
		return ParityOdd, nil
	case "even", "E", "e":
		return ParityEven, nil
	}
	return 0, fmt.Errorf("invalid parity %q", s)
}

func (p Parity) String() string {
	switch p {
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	default:
		return "none"
	}
}

// StopBits represents stop bits configuration.
type StopBits byte

const (
	Stop1 StopBits = 1
	Stop2 StopBits = 2
)

// StandardBaudRates lists the rates every Port implementation accepts.
var StandardBaudRates = []int{
	1200, 2400, 4800, 9600, 19200, 38400, 57600,
	115200, 230400, 460800, 500000, 576000, 921600,
	1000000, 1152000, 1500000, 2000000,
}

// Config holds serial port configuration.
type Config struct {
	Device   string // device path (e.g., /dev/ttyUSB0)
	Baud     int
	DataBits int // 5-8, default 8
	Parity   Parity
	StopBits StopBits
}

// Validate reports the first unsupported setting.
func (c Config) Validate() error {
	if c.Device == "" {
		return errors.New("serial device path is required")
	}
	if !slices.Contains(StandardBaudRates, c.Baud) {
		return fmt.Errorf("unsupported baud rate %d", c.Baud)
	}
	if c.DataBits != 0 && (c.DataBits < 5 || c.DataBits > 8) {
		return fmt.Errorf("unsupported data bits %d", c.DataBits)
	}
	switch c.Parity {
	case 0, ParityNone, ParityOdd, ParityEven:
	default:
		return fmt.Errorf("unsupported parity %q", rune(c.Parity))
	}
	switch c.StopBits {
	case 0, Stop1, Stop2:
	default:
		return fmt.Errorf("unsupported stop bits %d", c.StopBits)
	}
	return nil
}

// Port is an open serial device.
//
// Read never blocks: it returns (0, nil) when nothing is pending. Buffered
// reports how many bytes the driver holds. Ready delivers a value each time
// the driver reports data available; delivery is best effort and may stop
// without notice, which is what the Link watchdog guards against.
type Port interface {
	io.ReadWriteCloser
	Buffered() (int, error)
	Ready() <-chan struct{}
}

// OpenFunc opens a Port. OpenPort is the platform implementation.
type OpenFunc func(Config) (Port, error)

// OpenPort opens a serial port with the specified configuration.
func OpenPort(c Config) (Port, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return openPort(c)
}
