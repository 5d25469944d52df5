package fpgaflash

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultFlashCfgRegister is the bus address of R_FLASHCFG on the reference
// board map.
const DefaultFlashCfgRegister = 0x00000404

// Config holds the tuning of a Flash. The geometry is passed separately to
// NewFlash since it describes the device rather than the driver.
type Config struct {
	// Logger receives debug output for every sector and page (optional).
	Logger logrus.FieldLogger

	// Register is the bus address of the flash configuration register.
	Register uint32

	// GrantAttempts bounds how many times the register is polled for the
	// arbitration grant.
	GrantAttempts uint

	// BusyAttempts bounds the status polls of a single erase or program.
	// Zero derives the bound from the chip's timing table.
	BusyAttempts uint

	// PollInterval is the delay between two polls of either kind.
	PollInterval time.Duration

	// Preserve keeps the bytes of an erased sector that fall outside the
	// written range.
	Preserve bool

	// Progress is called once per sector during Write (optional).
	Progress ProgressCallback
}

// Progress describes how far a Write has come.
type Progress struct {
	Sector  uint32 // base address of the sector just processed
	Current int    // 1-based index of the sector
	Total   int
	Erased  bool
	Skipped bool // already matched, nothing was done
}

// ProgressCallback is called after each sector of a Write.
type ProgressCallback func(Progress)

func defaultConfig() Config {
	l := logrus.New()
	l.Out = io.Discard
	return Config{
		Logger:        l,
		Register:      DefaultFlashCfgRegister,
		GrantAttempts: 1000,
		PollInterval:  100 * time.Microsecond,
	}
}

// Option is a functional option for configuring a Flash.
type Option func(*Config)

// WithLogger sets the logger used for sector and page events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithRegister sets the bus address of the flash configuration register.
func WithRegister(addr uint32) Option {
	return func(c *Config) {
		c.Register = addr
	}
}

// WithGrantAttempts bounds the arbitration poll. Zero is ignored: the poll
// is never allowed to spin forever.
func WithGrantAttempts(n uint) Option {
	return func(c *Config) {
		if n > 0 {
			c.GrantAttempts = n
		}
	}
}

// WithBusyAttempts fixes the number of status polls per erase or program
// instead of deriving it from the timing table.
func WithBusyAttempts(n uint) Option {
	return func(c *Config) {
		c.BusyAttempts = n
	}
}

// WithPollInterval sets the delay between polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.PollInterval = d
		}
	}
}

// WithPreserve makes Write restore the parts of an erased sector that lie
// outside the written range.
func WithPreserve(preserve bool) Option {
	return func(c *Config) {
		c.Preserve = preserve
	}
}

// WithProgress sets a callback that is invoked after every sector.
func WithProgress(cb ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}
