package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func fatalUsage(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(2)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
	fpgaflash <command> [arguments]

Commands:
	read	 read flash memory, ID or status register
	write	 write a file to flash, erasing only what must be erased
	id	 print the flash JEDEC ID (same as read -id)
	status	 print the flash status register (same as read -s)
	erase	 erase one sector, or the whole chip with -all
	info	 print FT2232H and EEPROM information
	sim	 serve a simulated board over TCP

Run "fpgaflash <command> -h" for the arguments of a command.
`)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	switch cmd := flag.Arg(0); cmd {
	case "read":
		readCommand(flag.Args()[1:])
	case "write":
		writeCommand(flag.Args()[1:])
	case "id":
		readCommand(append([]string{"-id"}, flag.Args()[1:]...))
	case "status":
		readCommand(append([]string{"-s"}, flag.Args()[1:]...))
	case "erase":
		eraseCommand(flag.Args()[1:])
	case "info":
		infoCommand(flag.Args()[1:])
	case "sim":
		simCommand(flag.Args()[1:])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n", cmd)
		usage()
	}
}

func newLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	if verbose {
		log.Level = logrus.DebugLevel
	}
	return log
}
