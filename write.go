package fpgaflash

import (
	"fmt"

	"github.com/pkg/errors"
)

// SectorState is the result of comparing the flash contents of one sector
// against the bytes that should end up there.
type SectorState struct {
	Base uint32 // first compared address

	// NeedsErase is set when some byte has a bit that is 1 in the goal but
	// 0 on the flash; programming cannot set bits.
	NeedsErase bool

	FirstEraseOffset int // first byte needing an erase, -1 if none
	FirstDiffOffset  int // first byte differing at all, -1 if none
}

// Matches reports whether the flash already holds the goal.
func (s SectorState) Matches() bool { return s.FirstDiffOffset < 0 }

func diffSector(base uint32, cur, want []byte) SectorState {
	st := SectorState{Base: base, FirstEraseOffset: -1, FirstDiffOffset: -1}
	for i := range want {
		if cur[i] == want[i] {
			continue
		}
		if st.FirstDiffOffset < 0 {
			st.FirstDiffOffset = i
		}
		if cur[i]&want[i] != want[i] {
			st.NeedsErase = true
			st.FirstEraseOffset = i
			break
		}
	}
	return st
}

// Write makes the flash hold data at addr. Each sector is read back first;
// it is erased only if some bit must go from 0 to 1, and programming starts
// at the first byte that differs. With verify, erased sectors and programmed
// pages are read back. A failure aborts the write and may leave it partially
// done, but the bus is always handed back to the FPGA.
func (f *Flash) Write(addr uint32, data []byte, verify bool) error {
	if err := f.checkRange(addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.session(func() error { return f.write(addr, data, verify) })
}

func (f *Flash) write(addr uint32, data []byte, verify bool) error {
	end := addr + uint32(len(data))
	total := f.geo.Sectors(addr, uint32(len(data)))

	for i, s := 1, f.geo.SectorOf(addr); s < end; i, s = i+1, s+f.geo.SectorSize {
		base := max(addr, s)
		want := data[base-addr : min(end, s+f.geo.SectorSize)-addr]
		log := f.log.WithField("sector", fmt.Sprintf("0x%06X", s))

		cur := make([]byte, len(want))
		if err := f.read(base, cur); err != nil {
			return errors.Wrapf(err, "read back sector 0x%06X", s)
		}

		st := diffSector(base, cur, want)
		if st.Matches() {
			log.Debug("sector already matches")
			f.stats.SectorsSkipped++
			f.progress(Progress{Sector: s, Current: i, Total: total, Skipped: true})
			continue
		}

		image, imageBase := want, base
		from := base + uint32(st.FirstDiffOffset)
		if st.NeedsErase {
			log.WithField("offset", st.FirstEraseOffset).Debug("erase needed")
			if f.cfg.Preserve {
				merged, err := f.mergeSector(s, base, want)
				if err != nil {
					return err
				}
				image, imageBase = merged, s
			}
			if err := f.eraseSector(s, verify); err != nil {
				return err
			}
			// everything from the start of the image is blank now
			from = imageBase
		} else {
			log.WithField("offset", st.FirstDiffOffset).Debug("no erase needed")
		}

		if err := f.programRange(from, imageBase, image, verify); err != nil {
			return err
		}
		f.progress(Progress{Sector: s, Current: i, Total: total, Erased: st.NeedsErase})
	}
	return nil
}

// mergeSector returns the whole sector s with want laid over it at base.
func (f *Flash) mergeSector(s, base uint32, want []byte) ([]byte, error) {
	img := make([]byte, f.geo.SectorSize)
	if err := f.read(s, img); err != nil {
		return nil, errors.Wrapf(err, "read sector 0x%06X for preserve", s)
	}
	copy(img[base-s:], want)
	return img, nil
}

// programRange programs image[from-base:] page by page, clipping each chunk
// to its page boundary.
func (f *Flash) programRange(from, base uint32, image []byte, verify bool) error {
	end := base + uint32(len(image))
	for p := from; p < end; {
		n := min(end, f.geo.PageOf(p)+f.geo.PageSize) - p
		if err := f.pageProgram(p, image[p-base:p-base+n], verify); err != nil {
			return err
		}
		p += n
	}
	return nil
}

func (f *Flash) progress(p Progress) {
	if f.cfg.Progress != nil {
		f.cfg.Progress(p)
	}
}
