// Package flashsim simulates the FPGA side of the flash configuration
// register with a SPI NOR flash behind it. It implements fpgaflash.Bus and
// follows the clock edges written to the register, so every command the
// programmer sends goes through the same bit-level protocol as on hardware.
//
// The arbiter grants the pins on a write carrying CfgUserRequest while the
// bus is not granted, and releases them on such a write while it is granted.
package flashsim

import (
	"fmt"
	"sync"

	"github.com/gentam/fpgaflash"
	"github.com/pkg/errors"
)

const (
	cmdRead        = 0x03
	cmdPageProgram = 0x02
	cmdErase4KB    = 0x20
	cmdErase32KB   = 0x52
	cmdErase64KB   = 0xD8
	cmdEraseChip   = 0xC7
	cmdReadStatus  = 0x05
	cmdWriteEnable = 0x06
	cmdWriteDis    = 0x04
	cmdReadID      = 0x9F
	cmdPowerUp     = 0xAB
	cmdPowerDown   = 0xB9
)

const pinMask = fpgaflash.CfgSCK | fpgaflash.CfgMOSI | fpgaflash.CfgCSn

// Device is a simulated FPGA flash controller. The zero value is not usable;
// call New.
type Device struct {
	mu sync.Mutex

	// Register is the bus address of R_FLASHCFG.
	Register uint32
	// ID is returned by READ ID.
	ID [3]byte
	// GrantDelay is the number of register reads before a request is
	// granted. A negative value never grants.
	GrantDelay int
	// BusyPolls is the number of status reads that report busy after an
	// erase or program.
	BusyPolls int
	// StuckBusy keeps write-in-progress set forever.
	StuckBusy bool

	geo       fpgaflash.Geometry
	mem       []byte
	stuckHigh map[uint32]byte // bits that never clear
	stuckLow  map[uint32]byte // bits that never set

	pins      uint32
	miso      bool
	granted   bool
	pending   bool
	countdown int

	// current transaction
	selected bool
	bits     int
	in, out  byte
	n        int
	cmd      byte
	addr     uint32
	data     []byte

	wel   bool
	busy  int
	sleep bool

	erases     map[uint32]int
	chipErases int
	programs   int
	violations []string
}

// New returns an erased device with the given geometry, mapped at the
// default register address.
func New(geo fpgaflash.Geometry) *Device {
	d := &Device{
		Register:  fpgaflash.DefaultFlashCfgRegister,
		ID:        [3]byte{0xEF, 0x70, 0x18},
		BusyPolls: 2,
		geo:       geo,
		mem:       make([]byte, geo.DeviceSize),
		stuckHigh: map[uint32]byte{},
		stuckLow:  map[uint32]byte{},
		pins:      fpgaflash.CfgSCK | fpgaflash.CfgCSn,
		erases:    map[uint32]int{},
	}
	for i := range d.mem {
		d.mem[i] = 0xFF
	}
	return d
}

// ReadRegister implements fpgaflash.Bus.
func (d *Device) ReadRegister(addr uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if addr != d.Register {
		return 0, errors.Errorf("flashsim: no register at 0x%08X", addr)
	}
	if d.pending {
		if d.countdown == 0 {
			d.pending = false
			d.granted = true
		} else if d.countdown > 0 {
			d.countdown--
		}
	}
	v := d.pins
	if d.miso {
		v |= fpgaflash.CfgMISO
	}
	if d.granted {
		v |= fpgaflash.CfgUserGrant
	}
	return v, nil
}

// WriteRegister implements fpgaflash.Bus.
func (d *Device) WriteRegister(addr, v uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if addr != d.Register {
		return errors.Errorf("flashsim: no register at 0x%08X", addr)
	}
	if v&fpgaflash.CfgUserRequest != 0 {
		if d.granted {
			if d.selected {
				d.deselect()
			}
			d.granted = false
			d.pins = fpgaflash.CfgSCK | fpgaflash.CfgCSn
		} else if !d.pending {
			d.pending = true
			d.countdown = d.GrantDelay
		}
		return nil
	}
	if !d.granted {
		d.violations = append(d.violations, fmt.Sprintf("pin write 0x%02X without grant", v))
		return nil
	}

	prev := d.pins
	v &= pinMask
	d.pins = v

	csn := v&fpgaflash.CfgCSn != 0
	switch {
	case prev&fpgaflash.CfgCSn != 0 && !csn:
		d.selectChip()
	case prev&fpgaflash.CfgCSn == 0 && csn:
		d.deselect()
	}
	if !d.selected {
		return nil
	}

	sck, prevSCK := v&fpgaflash.CfgSCK != 0, prev&fpgaflash.CfgSCK != 0
	switch {
	case prevSCK && !sck:
		// falling edge: present the next output bit
		d.miso = d.out&0x80 != 0
	case !prevSCK && sck:
		// rising edge: sample MOSI
		d.in <<= 1
		if v&fpgaflash.CfgMOSI != 0 {
			d.in |= 1
		}
		d.out <<= 1
		d.bits++
		if d.bits == 8 {
			d.bits = 0
			d.byteDone(d.in)
		}
	}
	return nil
}

func (d *Device) selectChip() {
	d.selected = true
	d.bits, d.n = 0, 0
	d.in, d.out = 0, 0
	d.cmd, d.addr = 0, 0
	d.data = d.data[:0]
}

func (d *Device) byteDone(b byte) {
	n := d.n
	d.n++
	d.out = 0

	if n == 0 {
		d.cmd = b
		if d.sleep && b != cmdPowerUp {
			d.cmd = 0
			return
		}
		if d.busy > 0 && b != cmdReadStatus {
			d.cmd = 0
			return
		}
		switch b {
		case cmdReadStatus:
			d.out = d.status()
		case cmdReadID:
			d.out = d.ID[0]
		case cmdWriteEnable:
			d.wel = true
		case cmdWriteDis:
			d.wel = false
		case cmdPowerUp:
			d.sleep = false
		}
		return
	}

	switch d.cmd {
	case cmdReadStatus:
		d.out = d.status()
	case cmdReadID:
		if n < 3 {
			d.out = d.ID[n]
		}
	case cmdRead, cmdPageProgram, cmdErase4KB, cmdErase32KB, cmdErase64KB:
		if n <= 3 {
			d.addr = d.addr<<8 | uint32(b)
			if n == 3 && d.cmd == cmdRead {
				d.out = d.mem[d.addr%d.geo.DeviceSize]
			}
			return
		}
		switch d.cmd {
		case cmdRead:
			d.addr++
			d.out = d.mem[d.addr%d.geo.DeviceSize]
		case cmdPageProgram:
			d.data = append(d.data, b)
		}
	}
}

func (d *Device) deselect() {
	d.selected = false
	d.miso = false
	if d.n == 0 {
		return
	}
	switch d.cmd {
	case cmdPowerDown:
		d.sleep = true
	case cmdPageProgram:
		if d.wel && d.n >= 4 && len(d.data) > 0 {
			d.program(d.addr, d.data)
		}
	case cmdErase4KB, cmdErase32KB, cmdErase64KB:
		if d.wel && d.n == 4 {
			d.erase(d.cmd, d.addr)
		}
	case cmdEraseChip:
		if d.wel && d.n == 1 {
			for a := range d.mem {
				d.set(uint32(a), 0xFF)
			}
			d.chipErases++
			d.wel = false
			d.busy = d.BusyPolls
		}
	}
}

// program wraps within the page like a real PAGE PROGRAM.
func (d *Device) program(addr uint32, data []byte) {
	page := addr - addr%d.geo.PageSize
	off := addr % d.geo.PageSize
	for i, b := range data {
		a := page + (off+uint32(i))%d.geo.PageSize
		d.set(a, d.mem[a]&b)
	}
	d.programs++
	d.wel = false
	d.busy = d.BusyPolls
}

func (d *Device) erase(cmd byte, addr uint32) {
	size := uint32(64 << 10)
	switch cmd {
	case cmdErase4KB:
		size = 4 << 10
	case cmdErase32KB:
		size = 32 << 10
	}
	base := addr - addr%size
	for a := base; a < base+size && a < d.geo.DeviceSize; a++ {
		d.set(a, 0xFF)
	}
	d.erases[base]++
	d.wel = false
	d.busy = d.BusyPolls
}

func (d *Device) set(a uint32, v byte) {
	d.mem[a] = (v | d.stuckHigh[a]) &^ d.stuckLow[a]
}

func (d *Device) status() byte {
	var s byte
	if d.busy > 0 || d.StuckBusy {
		s |= 1
		if d.busy > 0 {
			d.busy--
		}
	}
	if d.wel {
		s |= 2
	}
	return s
}

// Load writes b into the array at addr, bypassing the SPI protocol.
func (d *Device) Load(addr uint32, b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range b {
		d.set(addr+uint32(i), v)
	}
}

// Contents returns a copy of n bytes at addr.
func (d *Device) Contents(addr uint32, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.mem[addr:addr+uint32(n)]...)
}

// StickHigh makes the given bits of the byte at addr read as 1 forever,
// modelling a cell that no longer programs.
func (d *Device) StickHigh(addr uint32, bits byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stuckHigh[addr] |= bits
	d.mem[addr] |= bits
}

// StickLow makes the given bits of the byte at addr read as 0 forever,
// modelling a cell that no longer erases.
func (d *Device) StickLow(addr uint32, bits byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stuckLow[addr] |= bits
	d.mem[addr] &^= bits
}

// Granted reports whether the host currently holds the SPI pins.
func (d *Device) Granted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.granted
}

// Erases returns how often the sector at base was erased.
func (d *Device) Erases(base uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.erases[base]
}

// TotalErases returns the number of erase commands executed.
func (d *Device) TotalErases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.erases {
		n += c
	}
	return n
}

// ChipErases returns the number of bulk erase commands executed.
func (d *Device) ChipErases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chipErases
}

// Programs returns the number of page program commands executed.
func (d *Device) Programs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.programs
}

// WriteEnabled reports the write enable latch.
func (d *Device) WriteEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wel
}

// Violations lists pin writes made without holding the grant.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}
