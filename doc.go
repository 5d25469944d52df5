// Package fpgaflash programs a SPI NOR flash that sits behind an FPGA bus.
//
// The flash is reached through a single configuration register on the bus.
// Writing the register toggles chip select, clock and MOSI; reading it samples
// MISO and the arbitration grant. SPI drives that register as a bit-banged SPI
// master and Flash builds the flash command set on top of it.
//
// Flash.Write only erases a sector when some bit that must end up 1 is 0, and
// starts programming at the first byte that differs:
//
//	f, err := fpgaflash.NewFlash(bus, fpgaflash.DefaultGeometry)
//	if err != nil {
//		return err
//	}
//	err = f.Write(0x100000, image, true)
//
// # References:
//
// SPI Flash
//   - [N25Q32]: N25Q032A Micron Serial NOR Flash Memory datasheet (could not find the official public URL)
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - [FTDI-AN_135]: FTDI MPSSE Basics (https://ftdichip.com/wp-content/uploads/2020/08/AN_135_MPSSE_Basics.pdf)
package fpgaflash
