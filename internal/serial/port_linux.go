//go:build linux

package serial

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// notifyTimeoutMs bounds each poll(2) call so Close is observed promptly.
	notifyTimeoutMs = 100
	// hangupBackoff throttles readiness events while the device reports POLLHUP/POLLERR.
	hangupBackoff = 250 * time.Millisecond
)

var baudRates = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
}

var dataBitFlags = map[int]uint32{
	5: unix.CS5,
	6: unix.CS6,
	7: unix.CS7,
	8: unix.CS8,
}

// unixPort is a termios-configured tty opened non-blocking. A notifier
// goroutine turns poll(2) readiness into Ready events.
type unixPort struct {
	fd     int
	device string

	ready  chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once
}

func openPort(cfg Config) (Port, error) {
	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	if err := configure(fd, cfg); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("configure %s: %w", cfg.Device, err)
	}
	// Discard whatever the driver buffered before we took the port.
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)

	p := &unixPort{
		fd:     fd,
		device: cfg.Device,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.wg.Go(p.notify)
	return p, nil
}

// configure puts the tty into raw mode with the requested framing.
func configure(fd int, cfg Config) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	speed, ok := baudRates[cfg.Baud]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", cfg.Baud)
	}
	bits := cfg.DataBits
	if bits == 0 {
		bits = 8
	}
	size, ok := dataBitFlags[bits]
	if !ok {
		return fmt.Errorf("unsupported data bits %d", bits)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.INPCK
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CBAUD | unix.CRTSCTS
	t.Cflag |= unix.CREAD | unix.CLOCAL | size | speed

	switch cfg.Parity {
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
		t.Iflag |= unix.INPCK
	case ParityEven:
		t.Cflag |= unix.PARENB
		t.Iflag |= unix.INPCK
	}
	if cfg.StopBits == Stop2 {
		t.Cflag |= unix.CSTOPB
	}

	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func (p *unixPort) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(p.fd, b)
		switch {
		case err == nil:
			return max(n, 0), nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		default:
			return 0, fmt.Errorf("read %s: %w", p.device, err)
		}
	}
}

func (p *unixPort) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		if p.closed.Load() {
			return written, ErrClosed
		}
		n, err := unix.Write(p.fd, b[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}} //nolint:gosec // G115: fd fits in int32
			if _, perr := unix.Poll(fds, notifyTimeoutMs); perr != nil && !errors.Is(perr, unix.EINTR) {
				return written, fmt.Errorf("poll %s: %w", p.device, perr)
			}
		default:
			return written, fmt.Errorf("write %s: %w", p.device, err)
		}
	}
	return written, nil
}

// Buffered returns the number of bytes waiting in the driver input queue.
func (p *unixPort) Buffered() (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	n, err := unix.IoctlGetInt(p.fd, unix.TIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("TIOCINQ %s: %w", p.device, err)
	}
	return n, nil
}

func (p *unixPort) Ready() <-chan struct{} {
	return p.ready
}

// notify waits for POLLIN and hands one event at a time to the reader.
func (p *unixPort) notify() {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}} //nolint:gosec // G115: fd fits in int32
	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, err := unix.Poll(fds, notifyTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if !p.sleep(hangupBackoff) {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}

		select {
		case p.ready <- struct{}{}:
		case <-p.done:
			return
		}

		// A hung-up device stays readable forever; the read path reports
		// the error, this just keeps the notifier from spinning.
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			if !p.sleep(hangupBackoff) {
				return
			}
		}
	}
}

func (p *unixPort) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.done:
		return false
	}
}

func (p *unixPort) Close() error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.done)
		p.wg.Wait()
		err = unix.Close(p.fd)
	})
	return err
}
