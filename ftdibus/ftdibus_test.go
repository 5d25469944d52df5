package ftdibus

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// fakeBridge answers read frames with regs[addr] and stores write frames.
type fakeBridge struct {
	regs   map[uint32]uint32
	frames [][]byte
	cs     []gpio.Level
}

func (f *fakeBridge) Out(l gpio.Level) error {
	f.cs = append(f.cs, l)
	return nil
}

func (f *fakeBridge) Tx(w, r []byte) error {
	f.frames = append(f.frames, append([]byte(nil), w...))
	addr := binary.BigEndian.Uint32(w[1:])
	switch w[0] {
	case opWrite:
		f.regs[addr] = binary.BigEndian.Uint32(w[5:])
	case opRead:
		copy(r, w)
		binary.BigEndian.PutUint32(r[5:], f.regs[addr])
	}
	return nil
}

func (f *fakeBridge) TxPackets(p []spi.Packet) error { return nil }
func (f *fakeBridge) Duplex() conn.Duplex            { return conn.Full }
func (f *fakeBridge) String() string                 { return "fake" }

func TestBridgeRegisters(t *testing.T) {
	fake := &fakeBridge{regs: map[uint32]uint32{}}
	b := New(fake, fake)

	require.NoError(t, b.WriteRegister(0x404, 0xDEADBEEF))
	assert.Equal(t, []byte{opWrite, 0, 0, 0x04, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, fake.frames[0])

	v, err := b.ReadRegister(0x404)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v)
	assert.Equal(t, byte(opRead), fake.frames[1][0])

	// every frame is framed by chip select
	assert.Equal(t, []gpio.Level{gpio.Low, gpio.High, gpio.Low, gpio.High}, fake.cs)
	assert.Equal(t, "ftdibus(fake)", b.String())

	assert.Error(t, b.ResetFPGA(gpio.Low))
}
