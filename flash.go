package fpgaflash

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BusMode tells whether the flash is reachable through the FPGA's
// memory-mapped path (Online) or held by the host for direct SPI commands
// (Offline).
type BusMode int

const (
	Online BusMode = iota
	Offline
)

func (m BusMode) String() string {
	switch m {
	case Online:
		return "online"
	case Offline:
		return "offline"
	}
	return fmt.Sprintf("BusMode(%d)", int(m))
}

// Stats counts the work done by a Flash since it was created.
type Stats struct {
	SectorsErased   int
	SectorsSkipped  int
	PagesProgrammed int
	PagesSkipped    int // all 0xFF, nothing to program
}

// Flash programs the SPI flash behind the FPGA bus. It is not safe for
// concurrent use: the bus is assumed to be exclusively owned for the
// duration of every call.
type Flash struct {
	spi  *SPI
	geo  Geometry
	cfg  Config
	log  logrus.FieldLogger
	mode BusMode
	held bool // offline by an explicit TakeOffline

	id    [3]byte // JEDEC ID of the flash chip
	pr    *flashParams
	stats Stats
}

// NewFlash returns a Flash for the device described by geo. The bus starts
// and must stay Online between calls.
func NewFlash(bus Bus, geo Geometry, opts ...Option) (*Flash, error) {
	if bus == nil {
		return nil, errors.New("bus cannot be nil")
	}
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Flash{
		spi: newSPI(bus, cfg),
		geo: geo,
		cfg: cfg,
		log: cfg.Logger,
	}, nil
}

// Flash commands:
//   - [N25Q32|Table 16: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
const (
	flashCmdPowerUp            = 0xAB // Release Power Down
	flashCmdPowerDown          = 0xB9
	flashCmdReadID             = 0x9F
	flashCmdRead               = 0x03
	flashCmdWriteEnable        = 0x06
	flashCmdWriteDisable       = 0x04
	flashCmdPageProgram        = 0x02
	flashCmdErase4KB           = 0x20 // Subsector Erase / Sector Erase (4KB)
	flashCmdErase32KB          = 0x52 // Block Erase (32KB)
	flashCmdErase64KB          = 0xD8 // Sector Erase / Block Erase (64KB)
	flashCmdEraseChip          = 0xC7 // Bulk Erase / Chip Erase
	flashCmdReadStatusRegister = 0x05
)

// SPI returns the underlying bit-banged SPI master.
func (f *Flash) SPI() *SPI { return f.spi }

// Geometry returns the configured device layout.
func (f *Flash) Geometry() Geometry { return f.geo }

// Mode returns the current bus mode.
func (f *Flash) Mode() BusMode { return f.mode }

// Stats returns the counters accumulated so far.
func (f *Flash) Stats() Stats { return f.stats }

// TakeOffline grabs the SPI pins from the FPGA, takes the flash out of any
// multi-I/O mode and wakes it from deep power down. Operations called until
// RestoreOnline reuse this offline state.
func (f *Flash) TakeOffline() error {
	if f.mode != Online {
		return errors.Wrapf(ErrBusMode, "take offline while %s", f.mode)
	}
	if err := f.takeOffline(); err != nil {
		return err
	}
	f.held = true
	return nil
}

func (f *Flash) takeOffline() error {
	if err := f.spi.AcquireBus(); err != nil {
		return errors.Wrap(err, "take offline")
	}
	err := f.spi.ExitMultiIO()
	if err == nil {
		err = f.bytecmd(flashCmdPowerUp)
	}
	if err != nil {
		if relErr := f.spi.ReleaseBus(); relErr != nil {
			f.log.WithError(relErr).Error("release bus after failed take offline")
		}
		return errors.Wrap(err, "take offline")
	}
	time.Sleep(f.tRES1())
	f.mode = Offline
	f.log.Debug("flash offline")
	return nil
}

// RestoreOnline disables writes and hands the flash back to the FPGA. The
// bus is released even when write-disable fails. If the release itself
// fails the mode stays Offline and the next operation retries it.
func (f *Flash) RestoreOnline() error {
	if f.mode != Offline {
		return errors.Wrapf(ErrBusMode, "restore online while %s", f.mode)
	}
	f.held = false
	return f.restoreOnline()
}

func (f *Flash) restoreOnline() error {
	err := f.writeDisable()
	if relErr := f.spi.ReleaseBus(); relErr != nil {
		return errors.Wrap(relErr, "restore online")
	}
	f.mode = Online
	f.log.Debug("flash online")
	return errors.Wrap(err, "restore online")
}

// session runs fn with the bus offline. If the caller already took the bus
// offline it is left that way, otherwise it is restored on every return
// path.
func (f *Flash) session(fn func() error) (err error) {
	if f.held {
		return fn()
	}
	if f.mode == Offline {
		// an earlier restore failed to release the bus
		if err = f.restoreOnline(); err != nil {
			return err
		}
	}
	if err = f.takeOffline(); err != nil {
		return err
	}
	defer func() {
		if restoreErr := f.restoreOnline(); restoreErr != nil {
			if err == nil {
				err = restoreErr
				return
			}
			f.log.WithError(restoreErr).Error("restore online after failure")
		}
	}()
	return fn()
}

// tx runs one chip-select framed transaction, replacing buf with the bytes
// shifted in.
func (f *Flash) tx(buf []byte) error {
	return f.spi.Tx(buf, buf)
}

func (f *Flash) bytecmd(cmd byte) error {
	return f.tx([]byte{cmd})
}

func (f *Flash) writeEnable() error {
	return f.bytecmd(flashCmdWriteEnable)
}

func (f *Flash) writeDisable() error {
	return f.bytecmd(flashCmdWriteDisable)
}

func cmdAddr(cmd byte, addr uint32, extra int) []byte {
	buf := make([]byte, 4+extra)
	buf[0] = cmd
	buf[1] = byte(addr >> 16)
	buf[2] = byte(addr >> 8)
	buf[3] = byte(addr)
	return buf
}

// PowerDown puts the flash into deep power down. The next TakeOffline wakes
// it again.
func (f *Flash) PowerDown() error {
	return f.session(func() error {
		if err := f.bytecmd(flashCmdPowerDown); err != nil {
			return err
		}
		time.Sleep(f.tDP())
		return nil
	})
}

// ReadID returns the JEDEC ID of the flash chip and selects its timing
// parameters. It returns a non-empty name for known IDs.
func (f *Flash) ReadID() (id [3]byte, name string, err error) {
	buf := make([]byte, 4)
	buf[0] = flashCmdReadID

	if err = f.session(func() error { return f.tx(buf) }); err != nil {
		return
	}

	f.id = [3]byte(buf[1:])
	f.pr = nil
	if params, ok := knownFlash[f.id]; ok {
		f.pr = &params
	}
	return f.id, FlashName(f.id), nil
}

// Read returns n bytes starting at flash offset addr.
func (f *Flash) Read(addr uint32, n int) ([]byte, error) {
	if err := f.checkRange(addr, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	err := f.session(func() error { return f.read(addr, out) })
	return out, err
}

// ReadArray fills buf with big-endian words read from addr.
func (f *Flash) ReadArray(addr uint32, buf []uint32) error {
	if err := f.checkRange(addr, 4*len(buf)); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	return f.session(func() error { return f.readWords(addr, buf) })
}

// read issues READ at addr and shifts len(p) bytes into p.
func (f *Flash) read(addr uint32, p []byte) error {
	buf := cmdAddr(flashCmdRead, addr, len(p))
	if err := f.tx(buf); err != nil {
		return errors.Wrapf(err, "read 0x%06X+%d", addr, len(p))
	}
	copy(p, buf[4:])
	return nil
}

func (f *Flash) readWords(addr uint32, buf []uint32) error {
	b := make([]byte, 4*len(buf))
	if err := f.read(addr, b); err != nil {
		return err
	}
	for i := range buf {
		buf[i] = binary.BigEndian.Uint32(b[4*i:])
	}
	return nil
}

func (f *Flash) checkRange(addr uint32, n int) error {
	if n < 0 || uint64(addr)+uint64(n) > uint64(f.geo.DeviceSize) {
		return contractf("range 0x%06X+%d outside %d byte device", addr, n, f.geo.DeviceSize)
	}
	return nil
}

// busyWait polls the status register in one continuous READ STATUS
// transaction until write-in-progress clears, giving up after the number of
// polls that covers timeout.
func (f *Flash) busyWait(timeout time.Duration) (err error) {
	if err = f.spi.Start(); err != nil {
		return err
	}
	defer func() {
		if stopErr := f.spi.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	if _, err = f.spi.SendByte(flashCmdReadStatusRegister); err != nil {
		return err
	}
	return retry.Do(func() error {
		sr, err := f.spi.SendByte(flashCmdReadStatusRegister)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if StatusRegister(sr).Busy() {
			return ErrBusyTimeout
		}
		return nil
	},
		retry.Attempts(f.busyAttempts(timeout)),
		retry.Delay(f.cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// EraseSector erases the sector containing addr. With verify, every word of
// the sector must read back as 0xFFFFFFFF.
func (f *Flash) EraseSector(addr uint32, verify bool) error {
	if err := f.checkRange(addr, 1); err != nil {
		return err
	}
	return f.session(func() error { return f.eraseSector(f.geo.SectorOf(addr), verify) })
}

func (f *Flash) eraseSector(sector uint32, verify bool) error {
	op, err := f.geo.eraseOpcode()
	if err != nil {
		return err
	}
	f.log.WithField("sector", fmt.Sprintf("0x%06X", sector)).Info("erasing sector")

	if err := f.writeEnable(); err != nil {
		return &SectorEraseError{Sector: sector, Err: err}
	}
	if err := f.tx(cmdAddr(op, sector, 0)); err != nil {
		return &SectorEraseError{Sector: sector, Err: err}
	}
	if err := f.busyWait(f.tErase()); err != nil {
		return &SectorEraseError{Sector: sector, Err: err}
	}
	f.stats.SectorsErased++

	if !verify {
		return nil
	}
	return f.verifyErased(sector)
}

// verifyErased checks every word of the sector at base for 0xFFFFFFFF.
func (f *Flash) verifyErased(sector uint32) error {
	page := make([]uint32, f.geo.PageSize/4)
	for p := sector; p < sector+f.geo.SectorSize; p += f.geo.PageSize {
		if err := f.readWords(p, page); err != nil {
			return &SectorEraseError{Sector: sector, Err: err}
		}
		for i, w := range page {
			if w != 0xFFFFFFFF {
				return &SectorEraseError{Sector: sector, Address: p + uint32(4*i), Actual: w}
			}
		}
	}
	return nil
}

// EraseChip bulk erases the entire chip. With verify, every sector is read
// back, which takes as long as reading the whole device.
func (f *Flash) EraseChip(verify bool) error {
	return f.session(func() error {
		f.log.Info("erasing chip")
		if err := f.writeEnable(); err != nil {
			return errors.Wrap(err, "erase chip")
		}
		if err := f.bytecmd(flashCmdEraseChip); err != nil {
			return errors.Wrap(err, "erase chip")
		}
		if err := f.busyWait(f.tEraseChip()); err != nil {
			return errors.Wrap(err, "erase chip")
		}
		f.stats.SectorsErased += int(f.geo.DeviceSize / f.geo.SectorSize)
		if !verify {
			return nil
		}
		for s := uint32(0); s < f.geo.DeviceSize; s += f.geo.SectorSize {
			if err := f.verifyErased(s); err != nil {
				return err
			}
		}
		return nil
	})
}

// PageProgram programs data at addr. The range must be non-empty and lie
// within a single page; anything else is rejected before touching the bus.
// Programming can only clear bits, so on a page that was not erased each
// byte ends up as old&data.
func (f *Flash) PageProgram(addr uint32, data []byte, verify bool) error {
	if err := f.checkPage(addr, len(data)); err != nil {
		return err
	}
	return f.session(func() error { return f.pageProgram(addr, data, verify) })
}

func (f *Flash) checkPage(addr uint32, n int) error {
	switch {
	case n <= 0:
		return contractf("page program of %d bytes", n)
	case n > int(f.geo.PageSize):
		return contractf("page program of %d bytes exceeds %d byte page", n, f.geo.PageSize)
	case f.geo.PageOf(addr) != f.geo.PageOf(addr+uint32(n)-1):
		return contractf("page program 0x%06X+%d crosses a page boundary", addr, n)
	}
	return f.checkRange(addr, n)
}

func (f *Flash) pageProgram(addr uint32, data []byte, verify bool) error {
	if erased(data) {
		f.stats.PagesSkipped++
	} else {
		f.log.WithField("page", fmt.Sprintf("0x%06X", addr)).Debugf("programming %d bytes", len(data))
		if err := f.writeEnable(); err != nil {
			return &PageProgramError{Address: addr, Err: err}
		}
		buf := cmdAddr(flashCmdPageProgram, addr, len(data))
		copy(buf[4:], data)
		if err := f.tx(buf); err != nil {
			return &PageProgramError{Address: addr, Err: err}
		}
		if err := f.busyWait(f.tPP()); err != nil {
			return &PageProgramError{Address: addr, Err: err}
		}
		f.stats.PagesProgrammed++
	}

	if !verify {
		return nil
	}
	got := make([]byte, len(data))
	if err := f.read(addr, got); err != nil {
		return &PageProgramError{Address: addr, Err: err}
	}
	for i := range data {
		if got[i] != data[i] {
			return &PageProgramError{
				Address:  addr + uint32(i),
				Offset:   i,
				Expected: data[i],
				Actual:   got[i],
			}
		}
	}
	return nil
}

func erased(data []byte) bool {
	for _, b := range data {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// StatusRegister represents the status register of the flash chip.
//
//	Bits| [N25Q32|Table 9]                     | [W25Q128|7.1 Status Registers]
//	----+--------------------------------------+-------------------------------
//	7   | Status register write enable/disable | SRP: Status Register Protect
//	6   | Reserved                             | SEC: Sector protect
//	5   | Top/bottom                           | TB: Top/Bottom protect
//	4:2 | Block protect 2-0                    | BP2-0: Block Protect bit 2-0
//	1   | Write enable latch                   | WEL: Write Enable Latch
//	0   | Write in progress                    | BUSY: Erase/Write in progress
type StatusRegister byte

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) SectorProtect() bool         { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool             { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect() byte          { return byte(sr>>2) & 0x7 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&(1<<1) != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&(1<<0) != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	s := []string{}
	if sr.StatusRegisterProtect() {
		s = append(s, "SRP")
	}
	if sr.SectorProtect() {
		s = append(s, "SEC")
	}
	if sr.TopBottom() {
		s = append(s, "TB")
	}
	if bp := sr.BlockProtect(); bp != 0 {
		s = append(s, fmt.Sprintf("BP=%d", bp))
	}
	if sr.WriteEnabled() {
		s = append(s, "WEL")
	}
	if sr.Busy() {
		s = append(s, "BUSY")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

// ReadStatusRegister reads the status register once.
func (f *Flash) ReadStatusRegister() (StatusRegister, error) {
	buf := []byte{flashCmdReadStatusRegister, 0}
	if err := f.session(func() error { return f.tx(buf) }); err != nil {
		return 0, err
	}
	return StatusRegister(buf[1]), nil
}
