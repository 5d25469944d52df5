package fpgaflash_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/gentam/fpgaflash"
	"github.com/gentam/fpgaflash/flashsim"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGeometry keeps the simulated array small: 8 sectors of 16 pages.
var testGeometry = fpgaflash.Geometry{
	SectorSize: 4 << 10,
	PageSize:   256,
	DeviceSize: 32 << 10,
	BusBase:    0x01000000,
}

func newTestFlash(t *testing.T, opts ...fpgaflash.Option) (*fpgaflash.Flash, *flashsim.Device) {
	t.Helper()
	sim := flashsim.New(testGeometry)
	opts = append([]fpgaflash.Option{
		fpgaflash.WithPollInterval(0),
		fpgaflash.WithBusyAttempts(16),
	}, opts...)
	f, err := fpgaflash.NewFlash(sim, testGeometry, opts...)
	require.NoError(t, err)
	return f, sim
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed
	}
	return b
}

func assertOnline(t *testing.T, f *fpgaflash.Flash, sim *flashsim.Device) {
	t.Helper()
	assert.Equal(t, fpgaflash.Online, f.Mode())
	assert.False(t, sim.Granted(), "bus still granted to the host")
	assert.False(t, f.SPI().Owned())
	assert.Empty(t, sim.Violations())
}

func TestNewFlash(t *testing.T) {
	_, err := fpgaflash.NewFlash(nil, testGeometry)
	assert.Error(t, err)

	bad := testGeometry
	bad.PageSize = 300
	_, err = fpgaflash.NewFlash(flashsim.New(testGeometry), bad)
	assert.Error(t, err)
}

func TestWriteReadBack(t *testing.T) {
	f, sim := newTestFlash(t)
	data := pattern(3*256+17, 0x5A)

	require.NoError(t, f.Write(0x123, data, true))
	assert.Equal(t, data, sim.Contents(0x123, len(data)))

	got, err := f.Read(0x123, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assertOnline(t, f, sim)
}

func TestWriteIsIdempotent(t *testing.T) {
	f, sim := newTestFlash(t)
	data := pattern(2*int(testGeometry.SectorSize)+100, 0x33)

	require.NoError(t, f.Write(0x800, data, true))
	erases, programs := sim.TotalErases(), sim.Programs()

	require.NoError(t, f.Write(0x800, data, true))
	assert.Equal(t, erases, sim.TotalErases(), "second write erased")
	assert.Equal(t, programs, sim.Programs(), "second write programmed")
	assert.Equal(t, 3, f.Stats().SectorsSkipped)
	assertOnline(t, f, sim)
}

func TestWriteErasesOnlyWhenNeeded(t *testing.T) {
	f, sim := newTestFlash(t)

	// bits only go from 1 to 0: no erase
	sim.Load(0x1000, bytes.Repeat([]byte{0x0F}, 16))
	require.NoError(t, f.Write(0x1000, bytes.Repeat([]byte{0x0E}, 16), true))
	assert.Zero(t, sim.TotalErases())
	assert.Equal(t, bytes.Repeat([]byte{0x0E}, 16), sim.Contents(0x1000, 16))

	// 0x0F -> 0xF0 needs bits set: exactly one erase of that sector
	require.NoError(t, f.Write(0x1000, bytes.Repeat([]byte{0xF0}, 16), true))
	assert.Equal(t, 1, sim.Erases(0x1000))
	assert.Equal(t, 1, sim.TotalErases())
	assert.Equal(t, bytes.Repeat([]byte{0xF0}, 16), sim.Contents(0x1000, 16))
	assertOnline(t, f, sim)
}

func TestWriteMinimalErase(t *testing.T) {
	f, sim := newTestFlash(t)
	ss := int(testGeometry.SectorSize)

	// sector 1 holds zeros, sector 2 is blank, sector 3 already matches
	want := pattern(3*ss, 0xA5)
	sim.Load(uint32(ss), make([]byte, ss))
	sim.Load(uint32(3*ss), want[2*ss:])

	require.NoError(t, f.Write(uint32(ss), want, true))
	assert.Equal(t, 1, sim.Erases(uint32(ss)))
	assert.Zero(t, sim.Erases(uint32(2*ss)))
	assert.Zero(t, sim.Erases(uint32(3*ss)))
	assert.Equal(t, want, sim.Contents(uint32(ss), len(want)))

	st := f.Stats()
	assert.Equal(t, 1, st.SectorsErased)
	assert.Equal(t, 1, st.SectorsSkipped)
}

func TestWriteZeroSector(t *testing.T) {
	f, sim := newTestFlash(t)
	ss := int(testGeometry.SectorSize)

	require.NoError(t, f.Write(0, make([]byte, ss), true))
	assert.Zero(t, sim.TotalErases())

	words := make([]uint32, ss/4)
	for i := range words {
		words[i] = 0xDEADBEEF
	}
	require.NoError(t, f.ReadArray(0, words))
	for i, w := range words {
		if !assert.Zero(t, w, "word %d", i) {
			break
		}
	}
	assertOnline(t, f, sim)
}

func TestWriteEmptyAndOutOfRange(t *testing.T) {
	f, sim := newTestFlash(t)

	require.NoError(t, f.Write(0x10, nil, true))
	assert.False(t, sim.Granted())

	err := f.Write(testGeometry.DeviceSize-4, make([]byte, 8), true)
	assert.ErrorIs(t, err, fpgaflash.ErrContractViolation)

	_, err = f.Read(testGeometry.DeviceSize, 1)
	assert.ErrorIs(t, err, fpgaflash.ErrContractViolation)
	assert.Zero(t, sim.Programs())
	assertOnline(t, f, sim)
}

func TestWritePreserve(t *testing.T) {
	f, sim := newTestFlash(t, fpgaflash.WithPreserve(true))
	old := pattern(int(testGeometry.SectorSize), 0x11)
	sim.Load(0, old)

	data := bytes.Repeat([]byte{0xFF}, 32)
	require.NoError(t, f.Write(0x400, data, true))
	assert.Equal(t, 1, sim.Erases(0))

	want := append([]byte(nil), old...)
	copy(want[0x400:], data)
	assert.Equal(t, want, sim.Contents(0, len(want)))
}

func TestWriteWithoutPreserveLeavesSectorErased(t *testing.T) {
	f, sim := newTestFlash(t)
	sim.Load(0, pattern(int(testGeometry.SectorSize), 0x11))

	require.NoError(t, f.Write(0x400, bytes.Repeat([]byte{0xFF}, 32), true))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 0x400), sim.Contents(0, 0x400))
}

func TestWriteProgress(t *testing.T) {
	var seen []fpgaflash.Progress
	f, sim := newTestFlash(t, fpgaflash.WithProgress(func(p fpgaflash.Progress) {
		seen = append(seen, p)
	}))
	sim.Load(0x1001, []byte{0x00})

	require.NoError(t, f.Write(0xF00, pattern(0x1200, 0), false))
	require.Len(t, seen, 3)
	assert.Equal(t, fpgaflash.Progress{Sector: 0x0000, Current: 1, Total: 3}, seen[0])
	assert.Equal(t, fpgaflash.Progress{Sector: 0x1000, Current: 2, Total: 3, Erased: true}, seen[1])
	assert.Equal(t, 3, seen[2].Current)
}

func TestPageProgramClearsBitsOnly(t *testing.T) {
	f, sim := newTestFlash(t)
	sim.Load(0x200, []byte{0xF0, 0x0F, 0xAA, 0x55})

	data := []byte{0x3C, 0x3C, 0xFF, 0x00}
	require.NoError(t, f.PageProgram(0x200, data, false))
	assert.Equal(t, []byte{0x30, 0x0C, 0xAA, 0x00}, sim.Contents(0x200, 4))

	// the same request with verify reports the first mismatch
	sim.Load(0x200, []byte{0xF0})
	err := f.PageProgram(0x200, data, true)
	var pe *fpgaflash.PageProgramError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint32(0x200), pe.Address)
	assert.Equal(t, byte(0x3C), pe.Expected)
	assert.Equal(t, byte(0x30), pe.Actual)
	assertOnline(t, f, sim)
}

func TestPageProgramContract(t *testing.T) {
	f, sim := newTestFlash(t)

	for _, tt := range []struct {
		name string
		addr uint32
		n    int
	}{
		{"empty", 0x100, 0},
		{"larger than a page", 0x100, 257},
		{"crosses page", 0x1F0, 32},
		{"past device end", testGeometry.DeviceSize - 1, 2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := f.PageProgram(tt.addr, make([]byte, tt.n), true)
			assert.ErrorIs(t, err, fpgaflash.ErrContractViolation)
		})
	}
	require.NoError(t, f.PageProgram(0x1F0, make([]byte, 16), true))
	assert.Equal(t, 1, sim.Programs())
}

func TestPageProgramSkipsBlankData(t *testing.T) {
	f, sim := newTestFlash(t)
	require.NoError(t, f.PageProgram(0, bytes.Repeat([]byte{0xFF}, 256), true))
	assert.Zero(t, sim.Programs())
	assert.Equal(t, 1, f.Stats().PagesSkipped)
}

func TestWriteStuckBit(t *testing.T) {
	f, sim := newTestFlash(t)
	sim.StickHigh(0x2345, 0x01)

	err := f.Write(0x2300, make([]byte, 0x100), true)
	var pe *fpgaflash.PageProgramError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint32(0x2345), pe.Address)
	assert.Equal(t, byte(0x00), pe.Expected)
	assert.Equal(t, byte(0x01), pe.Actual)
	assertOnline(t, f, sim)
}

func TestEraseVerifyFailure(t *testing.T) {
	f, sim := newTestFlash(t)
	sim.Load(0x3000, make([]byte, 16))
	sim.StickLow(0x3009, 0x80)

	err := f.EraseSector(0x3010, true)
	var se *fpgaflash.SectorEraseError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint32(0x3000), se.Sector)
	assert.Equal(t, uint32(0x3008), se.Address)
	assert.Equal(t, uint32(0xFF7FFFFF), se.Actual)
	assertOnline(t, f, sim)
}

func TestEraseBusyTimeout(t *testing.T) {
	f, sim := newTestFlash(t, fpgaflash.WithBusyAttempts(3))
	sim.StuckBusy = true

	err := f.EraseSector(0, false)
	var se *fpgaflash.SectorEraseError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, fpgaflash.ErrBusyTimeout)
	assertOnline(t, f, sim)
}

func TestArbitrationTimeout(t *testing.T) {
	f, sim := newTestFlash(t, fpgaflash.WithGrantAttempts(5))
	sim.GrantDelay = -1

	err := f.Write(0, []byte{0}, true)
	assert.ErrorIs(t, err, fpgaflash.ErrBusArbitrationTimeout)
	assert.Equal(t, fpgaflash.Online, f.Mode())
	assert.Empty(t, sim.Violations())
	assert.Equal(t, byte(0xFF), sim.Contents(0, 1)[0])
}

func TestSlowGrant(t *testing.T) {
	f, sim := newTestFlash(t, fpgaflash.WithGrantAttempts(20))
	sim.GrantDelay = 10

	require.NoError(t, f.Write(0, []byte{0x42}, true))
	assert.Equal(t, []byte{0x42}, sim.Contents(0, 1))
	assertOnline(t, f, sim)
}

func TestBusModeTransitions(t *testing.T) {
	f, sim := newTestFlash(t)

	assert.ErrorIs(t, f.RestoreOnline(), fpgaflash.ErrBusMode)
	require.NoError(t, f.TakeOffline())
	assert.Equal(t, fpgaflash.Offline, f.Mode())
	assert.True(t, sim.Granted())
	assert.ErrorIs(t, f.TakeOffline(), fpgaflash.ErrBusMode)

	// operations reuse an explicit offline session
	require.NoError(t, f.Write(0x10, []byte{1, 2, 3}, true))
	assert.True(t, sim.Granted())

	require.NoError(t, f.RestoreOnline())
	assert.False(t, sim.WriteEnabled())
	assertOnline(t, f, sim)
	assert.Equal(t, "offline", fpgaflash.Offline.String())
}

func TestReadID(t *testing.T) {
	f, sim := newTestFlash(t)

	id, name, err := f.ReadID()
	require.NoError(t, err)
	assert.Equal(t, [3]byte{0xEF, 0x70, 0x18}, id)
	assert.Equal(t, "Winbond W25Q 128Mb", name)

	sim.ID = [3]byte{0x01, 0x02, 0x03}
	id, name, err = f.ReadID()
	require.NoError(t, err)
	assert.Equal(t, [3]byte{0x01, 0x02, 0x03}, id)
	assert.Empty(t, name)
	assertOnline(t, f, sim)
}

func TestPowerDown(t *testing.T) {
	f, sim := newTestFlash(t)
	require.NoError(t, f.PowerDown())

	// the next session wakes the flash up
	require.NoError(t, f.Write(0, []byte{0x12, 0x34}, true))
	assert.Equal(t, []byte{0x12, 0x34}, sim.Contents(0, 2))
}

func TestReadStatusRegister(t *testing.T) {
	f, _ := newTestFlash(t)
	sr, err := f.ReadStatusRegister()
	require.NoError(t, err)
	assert.False(t, sr.Busy())
	assert.False(t, sr.WriteEnabled())

	assert.Equal(t, "00000000", fpgaflash.StatusRegister(0).String())
	assert.Equal(t, "10001011 SRP,BP=2,WEL,BUSY", fpgaflash.StatusRegister(0x8B).String())
}

func TestLogging(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.Level = logrus.DebugLevel
	f, sim := newTestFlash(t, fpgaflash.WithLogger(log))
	sim.Load(0x1000, []byte{0x00})

	require.NoError(t, f.Write(0x1000, []byte{0xFF, 0x00}, true))

	var erasing *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "erasing sector" {
			erasing = e
		}
	}
	require.NotNil(t, erasing)
	assert.Equal(t, logrus.InfoLevel, erasing.Level)
	assert.Equal(t, "0x001000", erasing.Data["sector"])
	assert.Equal(t, "flash online", hook.LastEntry().Message)
}

func TestErrorMessages(t *testing.T) {
	err := &fpgaflash.SectorEraseError{Sector: 0x10000, Err: fpgaflash.ErrBusyTimeout}
	assert.Equal(t, "erase sector 0x010000: flash busy timeout", err.Error())
	assert.True(t, errors.Is(err, fpgaflash.ErrBusyTimeout))

	pe := &fpgaflash.PageProgramError{Address: 0x100, Offset: 4, Expected: 0x12, Actual: 0x13}
	assert.Contains(t, pe.Error(), "0x000100")
	assert.Nil(t, pe.Unwrap())
}

func TestDefaultPollingIsBounded(t *testing.T) {
	sim := flashsim.New(testGeometry)
	sim.GrantDelay = -1
	f, err := fpgaflash.NewFlash(sim, testGeometry,
		fpgaflash.WithGrantAttempts(3),
		fpgaflash.WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = f.Read(0, 1)
	assert.ErrorIs(t, err, fpgaflash.ErrBusArbitrationTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLateGrantIsReleased(t *testing.T) {
	f, sim := newTestFlash(t, fpgaflash.WithGrantAttempts(3))
	// granted on the first read after the poll gives up
	sim.GrantDelay = 3

	err := f.Write(0, []byte{0}, true)
	assert.ErrorIs(t, err, fpgaflash.ErrBusArbitrationTimeout)
	assertOnline(t, f, sim)

	sim.GrantDelay = 0
	require.NoError(t, f.Write(0, []byte{0}, true))
	assert.Equal(t, []byte{0}, sim.Contents(0, 1))
	assertOnline(t, f, sim)
}

// flakyRelease fails the next n writes that would hand the pins back.
type flakyRelease struct {
	*flashsim.Device
	n int
}

func (b *flakyRelease) WriteRegister(addr, v uint32) error {
	if v&fpgaflash.CfgUserRequest != 0 && b.Granted() && b.n > 0 {
		b.n--
		return errors.New("bus write failed")
	}
	return b.Device.WriteRegister(addr, v)
}

func TestFailedReleaseIsRetried(t *testing.T) {
	sim := flashsim.New(testGeometry)
	bus := &flakyRelease{Device: sim, n: 1}
	f, err := fpgaflash.NewFlash(bus, testGeometry,
		fpgaflash.WithPollInterval(0), fpgaflash.WithBusyAttempts(16))
	require.NoError(t, err)

	err = f.Write(0x20, []byte{0x55}, true)
	assert.ErrorContains(t, err, "bus write failed")
	assert.Equal(t, fpgaflash.Offline, f.Mode())
	assert.True(t, sim.Granted())

	got, err := f.Read(0x20, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55}, got)
	assertOnline(t, f, sim)
}

func TestEraseSector(t *testing.T) {
	f, sim := newTestFlash(t)
	ss := int(testGeometry.SectorSize)
	old := pattern(3*ss, 0x3C)
	sim.Load(0, old)

	require.NoError(t, f.EraseSector(uint32(ss)+0x123, true))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, ss), sim.Contents(uint32(ss), ss))
	assert.Equal(t, old[:ss], sim.Contents(0, ss))
	assert.Equal(t, old[2*ss:], sim.Contents(uint32(2*ss), ss))
	assert.Equal(t, 1, sim.TotalErases())
	assert.Equal(t, 1, f.Stats().SectorsErased)
	assertOnline(t, f, sim)

	err := f.EraseSector(testGeometry.DeviceSize, true)
	assert.ErrorIs(t, err, fpgaflash.ErrContractViolation)
}

func TestEraseChip(t *testing.T) {
	f, sim := newTestFlash(t)
	sim.Load(0x10, pattern(int(testGeometry.DeviceSize)-0x20, 0x01))

	require.NoError(t, f.EraseChip(true))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, int(testGeometry.DeviceSize)),
		sim.Contents(0, int(testGeometry.DeviceSize)))
	assert.Equal(t, 1, sim.ChipErases())
	assert.Zero(t, sim.TotalErases())
	assertOnline(t, f, sim)
}

func TestFlashName(t *testing.T) {
	assert.Equal(t, "Micron N25Q 32Mb", fpgaflash.FlashName([3]byte{0x20, 0xBA, 0x16}))
	assert.Empty(t, fpgaflash.FlashName([3]byte{0xFF, 0xFF, 0xFF}))
}
