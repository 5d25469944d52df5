package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gentam/fpgaflash/ftdibus"
	"periph.io/x/host/v3/ftdi"
)

func infoCommand(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)

	br, err := ftdibus.Open(0)
	if err != nil {
		fatalf("%v", err)
	}
	ft := br.FTDI

	// Reference: https://github.com/periph/cmd/tree/main/ftdi-list
	i := ftdi.Info{}
	ft.Info(&i)
	ee := ftdi.EEPROM{}
	if err := ft.EEPROM(&ee); err != nil {
		fatalf("failed to read EEPROM: %v", err)
	}
	writeInfo(os.Stdout, &i, &ee)

	if len(ee.Raw) > 0 {
		h := ee.AsHeader()
		fmt.Printf("MaxPower:        %dmA\n", h.MaxPower)
		fmt.Printf("SelfPowered:     %x\n", h.SelfPowered)
		fmt.Printf("RemoteWakeup:    %x\n", h.RemoteWakeup)
		fmt.Printf("PullDownEnable:  %x\n", h.PullDownEnable)
	}

	for _, p := range ft.Header() {
		fmt.Printf("%s: %s\n", p, p.Function())
	}
}

func writeInfo(w io.Writer, i *ftdi.Info, ee *ftdi.EEPROM) {
	fmt.Fprintf(w, "Type:            %s\n", i.Type)
	fmt.Fprintf(w, "Vendor ID:       %#04x\n", i.VenID)
	fmt.Fprintf(w, "Device ID:       %#04x\n", i.DevID)
	fmt.Fprintf(w, "Manufacturer:    %s\n", ee.Manufacturer)
	fmt.Fprintf(w, "ManufacturerID:  %s\n", ee.ManufacturerID)
	fmt.Fprintf(w, "Desc:            %s\n", ee.Desc)
	fmt.Fprintf(w, "Serial:          %s\n", ee.Serial)
}
