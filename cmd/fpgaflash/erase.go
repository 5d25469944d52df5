package main

import (
	"flag"
)

func eraseCommand(args []string) {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	var (
		dev    deviceFlags
		addr   uint
		verify bool
		all    bool
	)
	dev.bind(fs)
	fs.UintVar(&addr, "a", 0, "any address within the sector to erase")
	fs.BoolVar(&verify, "verify", true, "check that the sector reads back as 0xFF")
	fs.BoolVar(&all, "all", false, "bulk erase the entire chip")
	fs.Parse(args)

	log := newLogger(dev.verbose)
	b, err := dev.open(log)
	if err != nil {
		fatalf("%v", err)
	}
	defer b.Close()

	if all {
		if err := b.Flash.EraseChip(verify); err != nil {
			fatalf("bulk erase failed: %v", err)
		}
		return
	}

	off, err := b.Flash.Geometry().Offset(uint32(addr))
	if err != nil {
		fatalf("%v", err)
	}
	if err := b.Flash.EraseSector(off, verify); err != nil {
		fatalf("erase failed: %v", err)
	}
}
