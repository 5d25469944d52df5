package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gentam/fpgaflash"
)

func writeCommand(args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	var (
		dev      deviceFlags
		filename string
		addr     uint
		verify   bool
		preserve bool
		reboot   bool
	)
	dev.bind(fs)
	fs.StringVar(&filename, "f", "", "input file")
	fs.UintVar(&addr, "a", 0, "flash offset or bus address to write at")
	fs.BoolVar(&verify, "verify", true, "read back erased sectors and programmed pages")
	fs.BoolVar(&preserve, "preserve", false, "keep bytes of erased sectors that lie outside the file")
	fs.BoolVar(&reboot, "reboot", false, "reset the FPGA after writing (-ftdi only)")
	fs.Parse(args)

	if filename == "" {
		fatalUsage("input file is required")
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		fatalf("failed to read file: %v", err)
	}

	log := newLogger(dev.verbose)
	b, err := dev.open(log,
		fpgaflash.WithPreserve(preserve),
		fpgaflash.WithProgress(func(p fpgaflash.Progress) {
			fmt.Fprintf(os.Stderr, "\rsector %d/%d", p.Current, p.Total)
		}),
	)
	if err != nil {
		fatalf("%v", err)
	}
	defer b.Close()

	off, err := b.Flash.Geometry().Offset(uint32(addr))
	if err != nil {
		fatalf("%v", err)
	}
	if _, name, err := b.Flash.ReadID(); err == nil && name != "" {
		log.WithField("flash", name).Info("flash identified")
	}

	if err := b.Flash.Write(off, data, verify); err != nil {
		fmt.Fprintln(os.Stderr)
		fatalf("write flash failed: %v", err)
	}
	st := b.Flash.Stats()
	fmt.Fprintf(os.Stderr, "\nwrote %d bytes at 0x%06X: %d sectors erased, %d unchanged, %d pages programmed\n",
		len(data), off, st.SectorsErased, st.SectorsSkipped, st.PagesProgrammed)

	if reboot {
		if err := b.Reboot(); err != nil {
			fatalf("reboot failed: %v", err)
		}
	}
}
