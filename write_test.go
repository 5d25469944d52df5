package fpgaflash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffSector(t *testing.T) {
	for _, tt := range []struct {
		name      string
		cur, want []byte
		st        SectorState
	}{
		{"equal", []byte{1, 2, 3}, []byte{1, 2, 3},
			SectorState{FirstEraseOffset: -1, FirstDiffOffset: -1}},
		{"clear bits only", []byte{0xFF, 0x0F, 0xFF}, []byte{0xFF, 0x0E, 0x00},
			SectorState{FirstEraseOffset: -1, FirstDiffOffset: 1}},
		{"set a bit", []byte{0xFF, 0x0F, 0x0F}, []byte{0xFF, 0x0E, 0xF0},
			SectorState{NeedsErase: true, FirstEraseOffset: 2, FirstDiffOffset: 1}},
		{"erase at first diff", []byte{0x00, 0x00}, []byte{0x01, 0x00},
			SectorState{NeedsErase: true, FirstEraseOffset: 0, FirstDiffOffset: 0}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tt.st.Base = 0x1000
			st := diffSector(0x1000, tt.cur, tt.want)
			assert.Equal(t, tt.st, st)
			assert.Equal(t, tt.st.FirstDiffOffset < 0, st.Matches())
		})
	}
}
