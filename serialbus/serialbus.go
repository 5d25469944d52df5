// Package serialbus reaches the FPGA bus through a UART bridge speaking the
// same line protocol as netbus.
package serialbus

import (
	"io"
	"time"

	"github.com/gentam/fpgaflash"
	"github.com/gentam/fpgaflash/internal/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var DefaultBaud = 1000000
var DefaultTTY = "/dev/ttyUSB1"

// ErrTimeout is returned when the bridge does not answer in time.
var ErrTimeout = errors.New("timed out reading from bus bridge")

// Bus is a fpgaflash.Bus backed by a serial port.
type Bus struct {
	*wire.Client
	port serial.Port
}

var _ fpgaflash.Bus = (*Bus)(nil)

// Open opens tty at baud 8N1. A zero baud or empty tty selects the default;
// a zero timeout waits forever for each reply.
func Open(tty string, baud int, timeout time.Duration) (*Bus, error) {
	if tty == "" {
		tty = DefaultTTY
	}
	if baud <= 0 {
		baud = DefaultBaud
	}
	port, err := serial.Open(tty, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "serialbus: open %s", tty)
	}
	if timeout <= 0 {
		timeout = serial.NoTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "serialbus: set read timeout")
	}
	// drop whatever the bridge printed before we attached
	if err := port.ResetInputBuffer(); err != nil {
		logrus.WithError(err).Debug("serialbus: reset input buffer")
	}
	return &Bus{
		Client: wire.NewClient(readWriter{timeoutReader{port}, port}),
		port:   port,
	}, nil
}

func (b *Bus) Close() error {
	return b.port.Close()
}

type readWriter struct {
	io.Reader
	io.Writer
}

// timeoutReader turns the (0, nil) a serial port returns on timeout into
// ErrTimeout, so a silent bridge does not look like an empty read.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, ErrTimeout
	}
	return n, err
}
