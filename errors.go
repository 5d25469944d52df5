package fpgaflash

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBusArbitrationTimeout is returned when the FPGA never grants direct
	// SPI control to the host.
	ErrBusArbitrationTimeout = errors.New("bus arbitration timed out")

	// ErrBusNotOwned is returned when a byte or word is shifted without first
	// acquiring the bus.
	ErrBusNotOwned = errors.New("spi shift without bus ownership")

	// ErrBusyTimeout is returned when the flash status register keeps
	// reporting write-in-progress.
	ErrBusyTimeout = errors.New("flash busy timeout")

	// ErrContractViolation marks a request the caller must never make: zero
	// length, crossing a page boundary or running past the end of the device.
	ErrContractViolation = errors.New("contract violation")

	// ErrBusMode is returned for a bus mode transition that is not legal from
	// the current mode.
	ErrBusMode = errors.New("illegal bus mode transition")
)

// SectorEraseError reports a sector that did not read back as erased, or
// whose erase never completed.
type SectorEraseError struct {
	Sector  uint32
	Address uint32 // first non-erased word
	Actual  uint32
	Err     error // underlying cause, nil for a verification mismatch
}

func (e *SectorEraseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("erase sector 0x%06X: %v", e.Sector, e.Err)
	}
	return fmt.Sprintf("erase sector 0x%06X: word at 0x%06X is 0x%08X, want 0xFFFFFFFF",
		e.Sector, e.Address, e.Actual)
}

func (e *SectorEraseError) Unwrap() error { return e.Err }

// PageProgramError reports the first byte of a page that did not read back
// as programmed, or a program cycle that never completed.
type PageProgramError struct {
	Address  uint32 // flash address of the mismatching byte, or of the page
	Offset   int    // offset of the mismatch within the request
	Expected byte
	Actual   byte
	Err      error
}

func (e *PageProgramError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("program page at 0x%06X: %v", e.Address, e.Err)
	}
	return fmt.Sprintf("program verify failed at 0x%06X (offset %d): flash 0x%02X != goal 0x%02X",
		e.Address, e.Offset, e.Actual, e.Expected)
}

func (e *PageProgramError) Unwrap() error { return e.Err }

func contractf(format string, args ...any) error {
	return errors.Wrapf(ErrContractViolation, format, args...)
}
