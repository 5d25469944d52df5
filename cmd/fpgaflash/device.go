package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/gentam/fpgaflash"
	"github.com/gentam/fpgaflash/ftdibus"
	"github.com/gentam/fpgaflash/netbus"
	"github.com/gentam/fpgaflash/serialbus"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
)

// deviceFlags selects the bus backend and the flash geometry. Every command
// that talks to a board registers them.
type deviceFlags struct {
	host     string
	port     int
	tty      string
	baud     int
	useFTDI  bool
	register uint
	attempts uint

	geometryFile string
	sectorSize   uint
	pageSize     uint
	deviceSize   uint
	busBase      uint

	verbose bool
}

func (d *deviceFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&d.host, "n", "localhost", "network host of the bus bridge")
	fs.IntVar(&d.port, "p", netbus.DefaultPort, "network port of the bus bridge")
	fs.StringVar(&d.tty, "tty", "", "use the serial bus bridge on this tty instead of the network")
	fs.IntVar(&d.baud, "baud", serialbus.DefaultBaud, "serial baud rate")
	fs.BoolVar(&d.useFTDI, "ftdi", false, "use the FT2232H SPI bus bridge instead of the network")
	fs.UintVar(&d.register, "reg", fpgaflash.DefaultFlashCfgRegister, "bus address of R_FLASHCFG")
	fs.UintVar(&d.attempts, "attempts", 1000, "bus arbitration polls before giving up")

	fs.StringVar(&d.geometryFile, "geometry", "", "YAML geometry file (overrides the size flags)")
	fs.UintVar(&d.sectorSize, "sector", uint(fpgaflash.DefaultGeometry.SectorSize), "sector size in bytes")
	fs.UintVar(&d.pageSize, "page", uint(fpgaflash.DefaultGeometry.PageSize), "page size in bytes")
	fs.UintVar(&d.deviceSize, "size", uint(fpgaflash.DefaultGeometry.DeviceSize), "device size in bytes")
	fs.UintVar(&d.busBase, "base", uint(fpgaflash.DefaultGeometry.BusBase), "bus address the flash is mapped at")

	fs.BoolVar(&d.verbose, "v", false, "log every sector and page")
}

func (d *deviceFlags) geometry() (fpgaflash.Geometry, error) {
	if d.geometryFile != "" {
		return fpgaflash.LoadGeometry(d.geometryFile)
	}
	g := fpgaflash.Geometry{
		SectorSize: uint32(d.sectorSize),
		PageSize:   uint32(d.pageSize),
		DeviceSize: uint32(d.deviceSize),
		BusBase:    uint32(d.busBase),
	}
	return g, g.Validate()
}

// board is an open bus together with the flash behind it.
type board struct {
	Flash  *fpgaflash.Flash
	bridge *ftdibus.Bridge // nil unless -ftdi
	close  func() error
}

func (b *board) Close() {
	if b.close != nil {
		b.close()
	}
}

// Reboot pulses the FPGA reset so it reloads its configuration from flash.
// Only the FTDI bridge has a reset line.
func (b *board) Reboot() error {
	if b.bridge == nil {
		return errors.New("reboot needs -ftdi")
	}
	if err := b.bridge.ResetFPGA(gpio.Low); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	return b.bridge.ResetFPGA(gpio.High)
}

func (d *deviceFlags) open(log *logrus.Logger, opts ...fpgaflash.Option) (*board, error) {
	geo, err := d.geometry()
	if err != nil {
		return nil, err
	}

	b := &board{}
	var bus fpgaflash.Bus
	switch {
	case d.useFTDI:
		br, err := ftdibus.Open(0)
		if err != nil {
			return nil, err
		}
		bus, b.bridge = br, br
	case d.tty != "":
		sb, err := serialbus.Open(d.tty, d.baud, 2*time.Second)
		if err != nil {
			return nil, err
		}
		bus, b.close = sb, sb.Close
	default:
		nb, err := netbus.Dial(fmt.Sprintf("%s:%d", d.host, d.port), 5*time.Second)
		if err != nil {
			return nil, err
		}
		bus, b.close = nb, nb.Close
	}

	opts = append([]fpgaflash.Option{
		fpgaflash.WithLogger(log),
		fpgaflash.WithRegister(uint32(d.register)),
		fpgaflash.WithGrantAttempts(d.attempts),
	}, opts...)
	b.Flash, err = fpgaflash.NewFlash(bus, geo, opts...)
	if err != nil {
		b.Close()
		return nil, err
	}
	log.WithField("geometry", geo.String()).Debug("board open")
	return b, nil
}
