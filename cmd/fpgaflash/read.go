package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
)

func readCommand(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	var (
		dev        deviceFlags
		addr       uint
		nread      int
		idOnly     bool
		statusOnly bool
		outFile    string
	)
	dev.bind(fs)
	fs.UintVar(&addr, "a", 0, "flash offset or bus address to read from")
	fs.IntVar(&nread, "c", 256, "number of bytes to read")
	fs.BoolVar(&idOnly, "id", false, "just print flash ID")
	fs.BoolVar(&statusOnly, "s", false, "just print flash status register")
	fs.StringVar(&outFile, "o", "", "output file (default: hexdump)")
	fs.Parse(args)

	log := newLogger(dev.verbose)
	b, err := dev.open(log)
	if err != nil {
		fatalf("%v", err)
	}
	defer b.Close()

	if statusOnly {
		sr, err := b.Flash.ReadStatusRegister()
		if err != nil {
			fatalf("read flash status register failed: %v", err)
		}
		fmt.Println(sr)
		return
	}

	flashID, name, err := b.Flash.ReadID()
	if err != nil {
		fatalf("read flash ID failed: %v", err)
	}
	if idOnly {
		fmt.Printf("%X\t%s\n", flashID, name)
		return
	}
	if name == "" {
		fmt.Fprintf(os.Stderr, "unknown flash ID (%X)\n", flashID)
	}

	off, err := b.Flash.Geometry().Offset(uint32(addr))
	if err != nil {
		fatalf("%v", err)
	}
	data, err := b.Flash.Read(off, nread)
	if err != nil {
		fatalf("read flash failed: %v", err)
	}
	if outFile == "" {
		fmt.Println(hex.Dump(data))
		return
	}
	if err := os.WriteFile(outFile, data, 0644); err != nil {
		fmt.Fprintln(os.Stderr, "write file failed:", err)
	}
}
