package ghist

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BinWidth is the fixed element width of a compressed bin index, in bytes.
type BinWidth uint8

const (
	Width8  BinWidth = 1
	Width16 BinWidth = 2
	Width32 BinWidth = 4
)

// String returns the string representation of the BinWidth.
func (w BinWidth) String() string {
	switch w {
	case Width8:
		return "8-bit"
	case Width16:
		return "16-bit"
	case Width32:
		return "32-bit"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(w))
	}
}

// FitBinWidth returns the narrowest width able to store maxValue.
func FitBinWidth(maxValue uint32) BinWidth {
	switch {
	case maxValue <= math.MaxUint8:
		return Width8
	case maxValue <= math.MaxUint16:
		return Width16
	default:
		return Width32
	}
}

// Index is a packed array of bin ids stored at a fixed 1, 2 or 4 byte
// width, with an optional per-position offset table. When offsets are
// installed, position i stores a local bin id and reads add
// offsets[i%len(offsets)], so a dense matrix whose features each have few
// bins packs into narrow elements even when the global id range is wide.
// The decoder for the configured width is selected once at construction,
// not re-dispatched per access.
type Index struct {
	data    []byte
	offsets []uint32
	width   BinWidth
	at      func(data []byte, i int) uint32
	set     func(data []byte, i int, v uint32)
}

// NewIndex creates an index of n elements stored at width w. Panics if w
// is not one of the three defined widths.
func NewIndex(n int, w BinWidth) *Index {
	x := &Index{}
	x.setWidth(w)
	x.data = make([]byte, n*int(w))
	return x
}

func (x *Index) setWidth(w BinWidth) {
	switch w {
	case Width8:
		x.at = atUint8
		x.set = setUint8
	case Width16:
		x.at = atUint16
		x.set = setUint16
	case Width32:
		x.at = atUint32
		x.set = setUint32
	default:
		panic(fmt.Sprintf("ghist: invalid bin width %d", uint8(w)))
	}
	x.width = w
}

// Width returns the configured element width.
func (x *Index) Width() BinWidth {
	return x.width
}

// Size returns the number of stored elements.
func (x *Index) Size() int {
	return len(x.data) / int(x.width)
}

// Offsets returns the installed offset table, or nil. Read-only.
func (x *Index) Offsets() []uint32 {
	return x.offsets
}

// Resize changes the element count. When an offset table is installed the
// new count must stay a whole number of rows, i.e. divisible by the offset
// stride; anything else means data and offsets no longer describe the same
// row/feature topology and is rejected.
func (x *Index) Resize(n int) error {
	if len(x.offsets) != 0 && n%len(x.offsets) != 0 {
		return fmt.Errorf("index: %d elements is not a whole number of rows for offset stride %d", n, len(x.offsets))
	}
	nbytes := n * int(x.width)
	if cap(x.data) >= nbytes {
		x.data = x.data[:nbytes]
	} else {
		grown := make([]byte, nbytes)
		copy(grown, x.data)
		x.data = grown
	}
	return nil
}

// SetOffsets installs the per-position offset table, one entry per
// feature. Stored elements then hold local bin ids and reads add
// offsets[i%len(offsets)]. The element count must be a whole multiple of
// the stride.
func (x *Index) SetOffsets(offsets []uint32) error {
	if len(offsets) == 0 {
		return fmt.Errorf("index: empty offset table")
	}
	if x.Size()%len(offsets) != 0 {
		return fmt.Errorf("index: %d elements is not a whole number of rows for offset stride %d", x.Size(), len(offsets))
	}
	x.offsets = offsets
	return nil
}

// At returns the global bin id at position i.
func (x *Index) At(i int) uint32 {
	v := x.at(x.data, i)
	if x.offsets != nil {
		v += x.offsets[i%len(x.offsets)]
	}
	return v
}

// Set stores the raw element v at position i. With offsets installed v is
// the local bin id. v must fit the configured width.
func (x *Index) Set(i int, v uint32) {
	x.set(x.data, i, v)
}

func atUint8(data []byte, i int) uint32 {
	return uint32(data[i])
}

func atUint16(data []byte, i int) uint32 {
	return uint32(binary.LittleEndian.Uint16(data[2*i:]))
}

func atUint32(data []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(data[4*i:])
}

func setUint8(data []byte, i int, v uint32) {
	data[i] = uint8(v)
}

func setUint16(data []byte, i int, v uint32) {
	binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
}

func setUint32(data []byte, i int, v uint32) {
	binary.LittleEndian.PutUint32(data[4*i:], v)
}
