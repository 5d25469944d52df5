package fpgaflash

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gopkg.in/yaml.v3"
)

// Geometry describes the fixed layout of the flash device. It is never
// probed from the device.
type Geometry struct {
	SectorSize uint32 `yaml:"sector_size"` // erase granularity
	PageSize   uint32 `yaml:"page_size"`   // program granularity
	DeviceSize uint32 `yaml:"device_size"`
	BusBase    uint32 `yaml:"bus_base"` // where the flash is mapped on the FPGA bus
}

// DefaultGeometry matches a 16 MiB part with 64 KiB sectors and 256 byte
// pages mapped at 0x01000000, like the W25Q128 on most ZipCPU boards.
var DefaultGeometry = Geometry{
	SectorSize: 64 << 10,
	PageSize:   256,
	DeviceSize: 16 << 20,
	BusBase:    0x01000000,
}

const maxAddr24 = 1 << 24

// Validate checks that pages tile sectors and sectors tile the device.
func (g Geometry) Validate() error {
	switch {
	case g.PageSize == 0 || g.SectorSize == 0 || g.DeviceSize == 0:
		return errors.Errorf("geometry: sizes must be non-zero (%+v)", g)
	case g.PageSize%4 != 0:
		return errors.Errorf("geometry: page size %d is not a whole number of words", g.PageSize)
	case g.SectorSize%g.PageSize != 0:
		return errors.Errorf("geometry: page size %d does not divide sector size %d", g.PageSize, g.SectorSize)
	case g.DeviceSize%g.SectorSize != 0:
		return errors.Errorf("geometry: sector size %d does not divide device size %d", g.SectorSize, g.DeviceSize)
	case g.DeviceSize > maxAddr24:
		return errors.Errorf("geometry: device size 0x%X exceeds 24-bit addressing", g.DeviceSize)
	}
	if _, err := g.eraseOpcode(); err != nil {
		return err
	}
	return nil
}

// PageOf returns the base address of the page containing addr.
func (g Geometry) PageOf(addr uint32) uint32 { return alignDown(addr, g.PageSize) }

// SectorOf returns the base address of the sector containing addr.
func (g Geometry) SectorOf(addr uint32) uint32 { return alignDown(addr, g.SectorSize) }

// Sectors returns the number of sectors touched by [addr, addr+n).
func (g Geometry) Sectors(addr, n uint32) int {
	if n == 0 {
		return 0
	}
	first := g.SectorOf(addr)
	last := g.SectorOf(addr + n - 1)
	return int((last-first)/g.SectorSize) + 1
}

// Offset converts a bus address into a flash offset. Addresses below
// BusBase are taken to be flash offsets already.
func (g Geometry) Offset(addr uint32) (uint32, error) {
	if g.BusBase != 0 && addr >= g.BusBase {
		addr -= g.BusBase
	}
	if addr >= g.DeviceSize {
		return 0, contractf("address 0x%X beyond device size 0x%X", addr, g.DeviceSize)
	}
	return addr, nil
}

// [W25Q128|8.1.2 Instruction Set Table 1]
func (g Geometry) eraseOpcode() (byte, error) {
	switch g.SectorSize {
	case 4 << 10:
		return flashCmdErase4KB, nil
	case 32 << 10:
		return flashCmdErase32KB, nil
	case 64 << 10:
		return flashCmdErase64KB, nil
	}
	return 0, errors.Errorf("geometry: no erase command for %d byte sectors", g.SectorSize)
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dKiB device, %dKiB sectors, %dB pages @0x%08X",
		g.DeviceSize>>10, g.SectorSize>>10, g.PageSize, g.BusBase)
}

// LoadGeometry reads a YAML geometry file. Fields left out keep the values of
// DefaultGeometry.
func LoadGeometry(path string) (Geometry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Geometry{}, errors.Wrap(err, "read geometry")
	}
	return ParseGeometry(b)
}

// ParseGeometry decodes YAML geometry and validates it.
func ParseGeometry(b []byte) (Geometry, error) {
	g := DefaultGeometry
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil && err != io.EOF {
		return Geometry{}, errors.Wrap(err, "decode geometry")
	}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

func alignDown[T constraints.Unsigned](v, align T) T {
	return v - v%align
}
