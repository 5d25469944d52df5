package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"periph.io/x/host/v3/ftdi"
)

func TestWriteInfo(t *testing.T) {
	var buf bytes.Buffer
	writeInfo(&buf,
		&ftdi.Info{Type: "FT2232H", VenID: 0x0403, DevID: 0x6010},
		&ftdi.EEPROM{Manufacturer: "Lattice", Desc: "Dual RS232-HS", Serial: "FT1234"})

	out := buf.String()
	t.Log(out)
	assert.Contains(t, out, "Type:            FT2232H\n")
	assert.Contains(t, out, "Vendor ID:       0x0403\n")
	assert.Contains(t, out, "Device ID:       0x6010\n")
	assert.Contains(t, out, "Manufacturer:    Lattice\n")
	assert.Contains(t, out, "Serial:          FT1234\n")
}
