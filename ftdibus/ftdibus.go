// Package ftdibus reaches the FPGA bus through the SPI slave bridge found on
// iCE40 boards, using the FT2232H that also programs the board.
//
// Each register access is one chip-select framed transaction of 9 bytes:
//
//	op(1) | address(4, big endian) | data(4, big endian)
//
// op is 0x01 for a write and 0x02 for a read. On a read the bridge shifts
// the register value out while the host clocks the data slot.
package ftdibus

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gentam/fpgaflash"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

const (
	opWrite = 0x01
	opRead  = 0x02

	frameSize = 9
)

// DefaultClock is the MPSSE clock. [AN_135 3.2.1 Divisors]
const DefaultClock = 30 * physic.MegaHertz

// Pin is the part of gpio.PinOut the bridge needs for chip select.
type Pin interface {
	Out(l gpio.Level) error
}

// Bridge is a fpgaflash.Bus over SPI.
type Bridge struct {
	FTDI *ftdi.FT232H

	mu    sync.Mutex
	conn  spi.Conn
	cs    Pin
	reset gpio.PinIO // ADBUS7 Reset, only set by Open
}

var _ fpgaflash.Bus = (*Bridge)(nil)

var hostInitialized atomic.Bool

// Open finds the FT2232H and opens its MPSSE SPI port at clock. A zero
// clock selects DefaultClock.
func Open(clock physic.Frequency) (*Bridge, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, errors.Wrap(err, "host initialization failed")
		}
	}
	if clock == 0 {
		clock = DefaultClock
	}

	ft, err := findFT2232H()
	if err != nil {
		return nil, err
	}

	port, err := ft.SPI()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get SPI port")
	}

	// [FTDI AN_114|1.2]> FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	conn, err := port.Connect(clock, spi.Mode0, 8)
	if err != nil {
		return nil, errors.Wrap(err, "spi connect")
	}

	// [EB82|Appendix A. Sheet 2 of 5 (USB to SPI/RS232)] / [icebreaker-sch.pdf]
	// ADBUS0 | iCE_SCK
	// ADBUS1 | iCE_MOSI
	// ADBUS2 | iCE_MISO
	// ADBUS4 | iCE_SS_B
	// ADBUS7 | iCE_CRESET
	b := New(conn, ft.D4)
	b.FTDI = ft
	b.reset = ft.D7
	return b, nil
}

// New returns a bridge on an already connected SPI port with a separately
// driven chip select.
func New(conn spi.Conn, cs Pin) *Bridge {
	return &Bridge{conn: conn, cs: cs}
}

func findFT2232H() (*ftdi.FT232H, error) {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}
	return nil, errors.New("FT2232H not found")
}

// ResetFPGA asserts (low) or deasserts (high) the FPGA reset line. Releasing
// reset makes the FPGA load its configuration from the flash again.
func (b *Bridge) ResetFPGA(l gpio.Level) error {
	if b.reset == nil {
		return errors.New("ftdibus: no reset line")
	}
	return b.reset.Out(l)
}

// tx wraps SPI transaction with CS assertion.
func (b *Bridge) tx(buf []byte) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err = b.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := b.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	err = b.conn.Tx(buf, buf)
	return
}

func frame(op byte, addr, v uint32) []byte {
	buf := make([]byte, frameSize)
	buf[0] = op
	binary.BigEndian.PutUint32(buf[1:], addr)
	binary.BigEndian.PutUint32(buf[5:], v)
	return buf
}

// ReadRegister implements fpgaflash.Bus.
func (b *Bridge) ReadRegister(addr uint32) (uint32, error) {
	buf := frame(opRead, addr, 0)
	if err := b.tx(buf); err != nil {
		return 0, errors.Wrapf(err, "ftdibus: read 0x%08X", addr)
	}
	return binary.BigEndian.Uint32(buf[5:]), nil
}

// WriteRegister implements fpgaflash.Bus.
func (b *Bridge) WriteRegister(addr, v uint32) error {
	return errors.Wrapf(b.tx(frame(opWrite, addr, v)), "ftdibus: write 0x%08X", addr)
}

func (b *Bridge) String() string {
	return fmt.Sprintf("ftdibus(%s)", b.conn)
}
