package game

import (
	"fmt"
	"strings"
)

// Board is a 4x4 2048 position packed into a single uint64.
// Each cell occupies 4 bits and holds the base-2 exponent of its tile
// (0 = empty, k = tile with value 2^k). Cell 0 is the top-left corner;
// cells run row-major, with cell i stored at bits [4i, 4i+4).
type Board uint64

// LaneWidth is the number of float32 slots one board occupies in a
// device lane buffer.
const LaneWidth = 16

// MaxExponent is the largest representable tile exponent (tile 32768).
const MaxExponent = 15

// Direction is a move direction. The zero value is Up; the enumeration
// order (Up, Right, Down, Left) is the tie-break order used by move
// selection.
type Direction int

const (
	Up Direction = iota
	Right
	Down
	Left
	NumDirections
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Right:
		return "right"
	case Down:
		return "down"
	case Left:
		return "left"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Cell returns the exponent stored at cell index i (0..15).
func (b Board) Cell(i int) uint8 {
	return uint8(b>>(4*uint(i))) & 0xF
}

// WithCell returns a copy of b with cell i set to exponent e.
func (b Board) WithCell(i int, e uint8) Board {
	if e > MaxExponent {
		panic(fmt.Sprintf("game: exponent %d out of range at cell %d", e, i))
	}
	shift := 4 * uint(i)
	return b&^(Board(0xF)<<shift) | Board(e)<<shift
}

// Row returns the packed 16-bit row r (0..3), low nibble = leftmost cell.
func (b Board) Row(r int) uint16 {
	return uint16(b >> (16 * uint(r)))
}

// WithRow returns a copy of b with row r replaced by the packed row.
func (b Board) WithRow(r int, row uint16) Board {
	shift := 16 * uint(r)
	return b&^(Board(0xFFFF)<<shift) | Board(row)<<shift
}

// Transpose mirrors the board across its main diagonal, turning columns
// into rows. Done entirely with bit masks, no per-cell loop.
func (b Board) Transpose() Board {
	x := uint64(b)
	a1 := x & 0xF0F00F0FF0F00F0F
	a2 := x & 0x0000F0F00000F0F0
	a3 := x & 0x0F0F00000F0F0000
	a := a1 | (a2 << 12) | (a3 >> 12)
	b1 := a & 0xFF00FF0000FF00FF
	b2 := a & 0x00FF00FF00000000
	b3 := a & 0x00000000FF00FF00
	return Board(b1 | (b2 >> 24) | (b3 << 24))
}

// CountEmpty returns the number of empty cells.
func (b Board) CountEmpty() int {
	x := uint64(b)
	x |= (x >> 2) & 0x3333333333333333
	x |= x >> 1
	x = ^x & 0x1111111111111111
	x += x >> 32
	x += x >> 16
	x += x >> 8
	x += x >> 4
	return int(x & 0xF)
}

// MaxTile returns the value (not exponent) of the largest tile, 0 for an
// empty board.
func (b Board) MaxTile() int {
	var max uint8
	for i := 0; i < 16; i++ {
		if e := b.Cell(i); e > max {
			max = e
		}
	}
	if max == 0 {
		return 0
	}
	return 1 << max
}

// FromMatrix builds a board from a row-major matrix of actual tile
// values (0, 2, 4, 8, ...). Panics on a value that is not zero or a
// representable power of two; board construction errors are programmer
// errors, not runtime conditions.
func FromMatrix(m [4][4]int) Board {
	var b Board
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			v := m[r][c]
			if v == 0 {
				continue
			}
			e := uint8(0)
			for x := v; x > 1; x >>= 1 {
				e++
			}
			if 1<<e != v || e > MaxExponent {
				panic(fmt.Sprintf("game: %d is not a representable tile value", v))
			}
			b = b.WithCell(r*4+c, e)
		}
	}
	return b
}

// ToMatrix expands the board into a row-major matrix of actual tile
// values.
func (b Board) ToMatrix() [4][4]int {
	var m [4][4]int
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			if e := b.Cell(r*4 + c); e != 0 {
				m[r][c] = 1 << e
			}
		}
	}
	return m
}

// ToLane writes the board's 16 exponents into dst as float32 values,
// the layout device kernels consume. dst must have room for LaneWidth
// values.
func (b Board) ToLane(dst []float32) {
	_ = dst[LaneWidth-1]
	for i := 0; i < 16; i++ {
		dst[i] = float32(b.Cell(i))
	}
}

// FromLane rebuilds a board from 16 float32 exponents. Values must be
// integral and within [0, MaxExponent]; anything else is a contract
// violation and panics.
func FromLane(src []float32) Board {
	_ = src[LaneWidth-1]
	var b Board
	for i := 0; i < 16; i++ {
		e := src[i]
		if e != float32(uint8(e)) || e < 0 || e > MaxExponent {
			panic(fmt.Sprintf("game: lane value %v at slot %d is not a tile exponent", e, i))
		}
		b |= Board(uint8(e)) << (4 * uint(i))
	}
	return b
}

// String renders the board as a 4x4 grid of tile values.
func (b Board) String() string {
	var sb strings.Builder
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			if e := b.Cell(r*4 + c); e == 0 {
				sb.WriteString("     .")
			} else {
				fmt.Fprintf(&sb, "%6d", 1<<e)
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
