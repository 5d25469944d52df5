package main

import (
	"flag"
	"net"
	"os"

	"github.com/gentam/fpgaflash"
	"github.com/gentam/fpgaflash/flashsim"
	"github.com/gentam/fpgaflash/netbus"
	"github.com/sirupsen/logrus"
)

// simCommand serves a simulated board so the other commands can be tried
// without hardware: fpgaflash sim & fpgaflash write -f image.bin
func simCommand(args []string) {
	fs := flag.NewFlagSet("sim", flag.ExitOnError)
	var (
		dev    deviceFlags
		listen string
		image  string
	)
	dev.bind(fs)
	fs.StringVar(&listen, "listen", "localhost:8363", "address to serve the bus on")
	fs.StringVar(&image, "image", "", "preload the flash with this file")
	fs.Parse(args)

	log := newLogger(dev.verbose)
	geo, err := dev.geometry()
	if err != nil {
		fatalf("%v", err)
	}
	sim := flashsim.New(geo)
	sim.Register = uint32(dev.register)
	if image != "" {
		data, err := os.ReadFile(image)
		if err != nil {
			fatalf("failed to read image: %v", err)
		}
		if len(data) > int(geo.DeviceSize) {
			fatalf("image of %d bytes does not fit %d byte flash", len(data), geo.DeviceSize)
		}
		sim.Load(0, data)
	}

	l, err := net.Listen("tcp", listen)
	if err != nil {
		fatalf("listen: %v", err)
	}
	log.WithFields(logrus.Fields{
		"addr":     l.Addr().String(),
		"geometry": geo.String(),
		"flash":    fpgaflash.FlashName(sim.ID),
	}).Info("serving simulated board")
	if err := netbus.Serve(l, sim, log); err != nil {
		fatalf("%v", err)
	}
}
