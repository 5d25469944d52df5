package fpgaflash

import (
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"
)

// Bus is the register interface of the FPGA. The caller owns it; SPI and
// Flash only borrow it.
type Bus interface {
	ReadRegister(addr uint32) (uint32, error)
	WriteRegister(addr, v uint32) error
}

// Bit fields of the flash configuration register.
const (
	CfgSCK         = 1 << 0 // SPI clock
	CfgMOSI        = 1 << 1 // data to the flash
	CfgMISO        = 1 << 2 // data from the flash, read only
	CfgCSn         = 1 << 3 // chip select, active low
	CfgUserRequest = 1 << 4 // arbitration request/release
	CfgUserGrant   = 1 << 5 // set while the host owns the SPI pins, read only
)

// SPI is a software SPI master driving the flash pins through the
// configuration register. Every shift must happen between AcquireBus and
// ReleaseBus; Start acquires implicitly.
type SPI struct {
	bus   Bus
	reg   uint32
	owned bool

	grantAttempts uint
	pollInterval  time.Duration
	log           logrus.FieldLogger
}

var _ spi.Conn = (*SPI)(nil)

// NewSPI returns a SPI master on the configuration register of bus.
func NewSPI(bus Bus, opts ...Option) *SPI {
	if bus == nil {
		panic("bus cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newSPI(bus, cfg)
}

func newSPI(bus Bus, cfg Config) *SPI {
	return &SPI{
		bus:           bus,
		reg:           cfg.Register,
		grantAttempts: cfg.GrantAttempts,
		pollInterval:  cfg.PollInterval,
		log:           cfg.Logger,
	}
}

func (s *SPI) read() (uint32, error) {
	v, err := s.bus.ReadRegister(s.reg)
	return v, errors.Wrapf(err, "read R_FLASHCFG@0x%08X", s.reg)
}

func (s *SPI) write(v uint32) error {
	return errors.Wrapf(s.bus.WriteRegister(s.reg, v), "write R_FLASHCFG@0x%08X", s.reg)
}

// Owned reports whether the host currently holds the SPI pins.
func (s *SPI) Owned() bool { return s.owned }

// AcquireBus requests direct control of the flash pins and waits for the
// grant. The request is written once, with chip select and clock idle high,
// and the grant bit is then polled a bounded number of times.
func (s *SPI) AcquireBus() error {
	v, err := s.read()
	if err != nil {
		return err
	}
	if v&CfgUserGrant == 0 {
		if err := s.write(CfgUserRequest | CfgCSn | CfgSCK); err != nil {
			return err
		}
		err := retry.Do(func() error {
			v, err := s.read()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if v&CfgUserGrant == 0 {
				return ErrBusArbitrationTimeout
			}
			return nil
		},
			retry.Attempts(s.grantAttempts),
			retry.Delay(s.pollInterval),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
		)
		if errors.Is(err, ErrBusArbitrationTimeout) {
			s.withdraw()
		}
		if err != nil {
			return err
		}
	}
	s.owned = true
	s.log.Debug("spi bus acquired")
	return nil
}

// withdraw gives back a grant that arrived after the poll gave up, so the
// FPGA is not left with its flash path disabled.
func (s *SPI) withdraw() {
	v, err := s.read()
	if err != nil || v&CfgUserGrant == 0 {
		return
	}
	if err := s.write(CfgUserRequest | CfgSCK | CfgCSn); err != nil {
		s.log.WithError(err).Error("release late grant")
		return
	}
	s.log.Debug("late grant released")
}

// ReleaseBus hands the flash back to the memory-mapped read path. It does
// nothing if the bus is not held.
func (s *SPI) ReleaseBus() error {
	if !s.owned {
		return nil
	}
	if err := s.write(CfgUserRequest | CfgSCK | CfgCSn); err != nil {
		return err
	}
	s.owned = false
	s.log.Debug("spi bus released")
	return nil
}

// Start asserts chip select, acquiring the bus first if needed.
func (s *SPI) Start() error {
	if !s.owned {
		if err := s.AcquireBus(); err != nil {
			return err
		}
	}
	if err := s.write(CfgSCK); err != nil {
		return err
	}
	return s.write(0)
}

// Stop deasserts chip select, leaving the clock high.
func (s *SPI) Stop() error {
	if !s.owned {
		return ErrBusNotOwned
	}
	if err := s.write(CfgSCK); err != nil {
		return err
	}
	return s.write(CfgSCK | CfgCSn)
}

// SendByte shifts b out MSB first and returns the byte shifted in on the
// same clocks.
func (s *SPI) SendByte(b byte) (byte, error) {
	r, err := s.shift(uint32(b)<<24, 8)
	return byte(r), err
}

// SendWord shifts w out MSB first and returns the 32 bits shifted in.
func (s *SPI) SendWord(w uint32) (uint32, error) {
	return s.shift(w, 32)
}

// shift clocks the top n bits of d out. MOSI is set while the clock is low
// and MISO is sampled after the rising edge.
func (s *SPI) shift(d uint32, n int) (uint32, error) {
	if !s.owned {
		return 0, ErrBusNotOwned
	}
	var r uint32
	for i := 0; i < n; i++ {
		var out uint32
		if d&(1<<31) != 0 {
			out = CfgMOSI
		}
		d <<= 1
		if err := s.write(out); err != nil {
			return 0, err
		}
		if err := s.write(out | CfgSCK); err != nil {
			return 0, err
		}
		v, err := s.read()
		if err != nil {
			return 0, err
		}
		r <<= 1
		if v&CfgMISO != 0 {
			r |= 1
		}
	}
	return r, nil
}

// ExitMultiIO clocks 32 zero bits with chip select asserted, which brings a
// flash out of any dual or quad I/O continuous read mode.
func (s *SPI) ExitMultiIO() error {
	if !s.owned {
		return ErrBusNotOwned
	}
	seq := []uint32{CfgCSn | CfgSCK, CfgSCK}
	for i := 0; i < 32; i++ {
		seq = append(seq, 0, CfgSCK)
	}
	seq = append(seq, CfgCSn|CfgSCK)
	for _, v := range seq {
		if err := s.write(v); err != nil {
			return err
		}
	}
	return nil
}

// Tx runs one full-duplex transaction framed by chip select. r may be nil.
func (s *SPI) Tx(w, r []byte) (err error) {
	if r != nil && len(r) != len(w) {
		return errors.Errorf("spi: tx buffers differ in length (%d != %d)", len(w), len(r))
	}
	if err = s.Start(); err != nil {
		return err
	}
	defer func() {
		if stopErr := s.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	return s.txBytes(w, r)
}

func (s *SPI) txBytes(w, r []byte) error {
	for i, b := range w {
		v, err := s.SendByte(b)
		if err != nil {
			return err
		}
		if r != nil {
			r[i] = v
		}
	}
	return nil
}

// TxPackets sends packets, keeping chip select asserted across a packet
// when KeepCS is set. Only 8 bit words are supported.
func (s *SPI) TxPackets(pkts []spi.Packet) error {
	selected := false
	for _, p := range pkts {
		if p.BitsPerWord != 0 && p.BitsPerWord != 8 {
			return errors.Errorf("spi: %d bits per word not supported", p.BitsPerWord)
		}
		if p.R != nil && len(p.R) != len(p.W) {
			return errors.Errorf("spi: packet buffers differ in length (%d != %d)", len(p.W), len(p.R))
		}
		if !selected {
			if err := s.Start(); err != nil {
				return err
			}
			selected = true
		}
		if err := s.txBytes(p.W, p.R); err != nil {
			if stopErr := s.Stop(); stopErr != nil {
				s.log.WithError(stopErr).Error("stop after failed packet")
			}
			return err
		}
		if !p.KeepCS {
			if err := s.Stop(); err != nil {
				return err
			}
			selected = false
		}
	}
	return nil
}

// Duplex implements conn.Conn.
func (s *SPI) Duplex() conn.Duplex { return conn.Full }

func (s *SPI) String() string {
	return fmt.Sprintf("fpgaflash.SPI(R_FLASHCFG@0x%08X)", s.reg)
}
