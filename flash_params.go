package fpgaflash

import "time"

type flashParams struct {
	name string

	tRES1      time.Duration
	tDP        time.Duration
	tPP        time.Duration
	tErase4KB  time.Duration
	tErase32KB time.Duration
	tErase64KB time.Duration
	tEraseChip time.Duration
}

var (
	flashIDMicronN25Q32   = [3]byte{0x20, 0xBA, 0x16}
	flashIDWinbondW25Q128 = [3]byte{0xEF, 0x70, 0x18}
	flashIDWinbondW25Q80  = [3]byte{0xEF, 0x40, 0x14}
)

var knownFlash = map[[3]byte]flashParams{
	flashIDMicronN25Q32: {
		name: "Micron N25Q 32Mb",

		// [N25Q32|Table 38: AC Characteristics and Operating Conditions]
		tRES1:      30 * time.Microsecond,
		tDP:        3 * time.Microsecond,
		tPP:        5 * time.Millisecond,
		tErase4KB:  800 * time.Millisecond,
		tErase32KB: 3 * time.Second, // no 32KB erase, fall back to 64KB
		tErase64KB: 3 * time.Second,
		tEraseChip: 60 * time.Second,
	},

	flashIDWinbondW25Q128: {
		name: "Winbond W25Q 128Mb",

		// [W25Q128|9.6 AC Electrical Characteristics]
		tRES1:      3 * time.Microsecond,
		tDP:        3 * time.Microsecond,
		tPP:        3 * time.Millisecond,
		tErase4KB:  400 * time.Millisecond,
		tErase32KB: 1600 * time.Millisecond,
		tErase64KB: 2000 * time.Millisecond,
		tEraseChip: 200 * time.Second,
	},

	flashIDWinbondW25Q80: {
		name: "Winbond W25Q 8Mb",

		tRES1:      3 * time.Microsecond,
		tDP:        3 * time.Microsecond,
		tPP:        3 * time.Millisecond,
		tErase4KB:  400 * time.Millisecond,
		tErase32KB: 1600 * time.Millisecond,
		tErase64KB: 2000 * time.Millisecond,
		tEraseChip: 6 * time.Second,
	},
}

// FlashName returns the part name for a JEDEC ID, or "" when unknown.
func FlashName(id [3]byte) string {
	return knownFlash[id].name
}

func (f *Flash) paramOrMax(get func(*flashParams) time.Duration) time.Duration {
	// get parameter if configured
	if f.pr != nil {
		return get(f.pr)
	}

	// fall back to maximum duration from all known flash parameters
	var tmax time.Duration
	for _, param := range knownFlash {
		tmax = max(tmax, get(&param))
	}
	return tmax
}

func (f *Flash) tRES1() time.Duration {
	return f.paramOrMax(func(p *flashParams) time.Duration { return p.tRES1 })
}
func (f *Flash) tDP() time.Duration {
	return f.paramOrMax(func(p *flashParams) time.Duration { return p.tDP })
}
func (f *Flash) tPP() time.Duration {
	return f.paramOrMax(func(p *flashParams) time.Duration { return p.tPP })
}
func (f *Flash) tErase() time.Duration {
	switch f.geo.SectorSize {
	case 4 << 10:
		return f.paramOrMax(func(p *flashParams) time.Duration { return p.tErase4KB })
	case 32 << 10:
		return f.paramOrMax(func(p *flashParams) time.Duration { return p.tErase32KB })
	}
	return f.paramOrMax(func(p *flashParams) time.Duration { return p.tErase64KB })
}

func (f *Flash) tEraseChip() time.Duration {
	return f.paramOrMax(func(p *flashParams) time.Duration { return p.tEraseChip })
}

// busyAttempts bounds the status polls for an operation lasting at most
// timeout. Every poll is a full status byte shift plus the poll interval, so
// the bound is generous by construction.
func (f *Flash) busyAttempts(timeout time.Duration) uint {
	if f.cfg.BusyAttempts > 0 {
		return f.cfg.BusyAttempts
	}
	interval := max(f.cfg.PollInterval, 10*time.Microsecond)
	return uint(timeout/interval) + 1
}
