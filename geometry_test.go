package fpgaflash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeometryValidate(t *testing.T) {
	require.NoError(t, DefaultGeometry.Validate())

	for _, tt := range []struct {
		name string
		mod  func(*Geometry)
	}{
		{"zero page", func(g *Geometry) { g.PageSize = 0 }},
		{"odd page", func(g *Geometry) { g.PageSize = 254 }},
		{"page does not divide sector", func(g *Geometry) { g.PageSize = 384 }},
		{"sector does not divide device", func(g *Geometry) { g.DeviceSize = 100 << 10 }},
		{"beyond 24 bits", func(g *Geometry) { g.DeviceSize = 32 << 20 }},
		{"no erase command", func(g *Geometry) { g.SectorSize = 8 << 10 }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			g := DefaultGeometry
			tt.mod(&g)
			assert.Error(t, g.Validate())
		})
	}
}

func TestGeometryAddressing(t *testing.T) {
	g := Geometry{SectorSize: 4 << 10, PageSize: 256, DeviceSize: 1 << 20, BusBase: 0x01000000}

	assert.Equal(t, uint32(0x1200), g.PageOf(0x12FF))
	assert.Equal(t, uint32(0x1000), g.SectorOf(0x1FFF))
	assert.Equal(t, 0, g.Sectors(0x1000, 0))
	assert.Equal(t, 1, g.Sectors(0x1000, 0x1000))
	assert.Equal(t, 2, g.Sectors(0x1FFF, 2))

	off, err := g.Offset(0x01000100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), off)

	off, err = g.Offset(0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2000), off)

	_, err = g.Offset(0x01100000)
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestParseGeometry(t *testing.T) {
	g, err := ParseGeometry([]byte("sector_size: 4096\ndevice_size: 0x400000\n"))
	require.NoError(t, err)
	assert.Equal(t, Geometry{
		SectorSize: 4096,
		PageSize:   256,
		DeviceSize: 4 << 20,
		BusBase:    DefaultGeometry.BusBase,
	}, g)

	g, err = ParseGeometry(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultGeometry, g)

	_, err = ParseGeometry([]byte("sectorsize: 4096\n"))
	assert.Error(t, err, "unknown field accepted")

	_, err = ParseGeometry([]byte("page_size: 100\n"))
	assert.Error(t, err)
}

func TestLoadGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sector_size: 32768\nbus_base: 0\n"), 0644))

	g, err := LoadGeometry(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(32<<10), g.SectorSize)
	assert.Zero(t, g.BusBase)

	op, err := g.eraseOpcode()
	require.NoError(t, err)
	assert.Equal(t, byte(flashCmdErase32KB), op)

	_, err = LoadGeometry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
