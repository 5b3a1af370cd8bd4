package game

// Move resolution is table-driven: every possible 16-bit row state has
// its slide-left result and score precomputed once at startup. Right
// moves reuse the left table through bit reversal; vertical moves reuse
// the horizontal tables through transposition.

const tableSize = 65536

var (
	rowLeftTable  [tableSize]uint16
	rowRightTable [tableSize]uint16
	rowScoreTable [tableSize]uint32
)

func init() {
	for row := 0; row < tableSize; row++ {
		left, score := slideRowLeft(uint16(row))
		rowLeftTable[row] = left
		rowScoreTable[row] = score
		rev := ReverseRow(uint16(row))
		rowRightTable[row] = ReverseRow(rowLeftTable[rev])
	}
}

// slideRowLeft is the direct simulation used to build the tables:
// strip zeros, merge equal adjacent exponents left-to-right (a merged
// cell cannot merge again in the same pass), pad with zeros.
func slideRowLeft(row uint16) (uint16, uint32) {
	var cells [4]uint8
	n := 0
	for i := 0; i < 4; i++ {
		if e := uint8(row>>(4*uint(i))) & 0xF; e != 0 {
			cells[n] = e
			n++
		}
	}

	var out uint16
	var score uint32
	pos := 0
	for i := 0; i < n; i++ {
		e := cells[i]
		if i+1 < n && cells[i+1] == e && e < MaxExponent {
			e++
			score += 1 << e
			i++
		}
		out |= uint16(e) << (4 * uint(pos))
		pos++
	}
	return out, score
}

// ReverseRow reverses the cell order of a packed row.
func ReverseRow(row uint16) uint16 {
	return row>>12 | row>>4&0x00F0 | row<<4&0x0F00 | row<<12
}

// ResolveRow returns the slide-left result and score for a packed row.
func ResolveRow(row uint16) (uint16, uint32) {
	return rowLeftTable[row], rowScoreTable[row]
}

// ResolveRowRight returns the slide-right result and score for a packed
// row.
func ResolveRowRight(row uint16) (uint16, uint32) {
	return rowRightTable[row], rowScoreTable[ReverseRow(row)]
}

func slideLeft(b Board) (Board, uint32) {
	var out Board
	var score uint32
	for r := 0; r < 4; r++ {
		row := b.Row(r)
		out |= Board(rowLeftTable[row]) << (16 * uint(r))
		score += rowScoreTable[row]
	}
	return out, score
}

func slideRight(b Board) (Board, uint32) {
	var out Board
	var score uint32
	for r := 0; r < 4; r++ {
		row := b.Row(r)
		out |= Board(rowRightTable[row]) << (16 * uint(r))
		score += rowScoreTable[ReverseRow(row)]
	}
	return out, score
}

// Slide applies a move to the board without spawning a tile, returning
// the afterstate and the score gained. The board is unchanged (and the
// score 0) when the move does not slide or merge anything.
func Slide(b Board, d Direction) (Board, uint32) {
	switch d {
	case Left:
		return slideLeft(b)
	case Right:
		return slideRight(b)
	case Up:
		t, score := slideLeft(b.Transpose())
		return t.Transpose(), score
	case Down:
		t, score := slideRight(b.Transpose())
		return t.Transpose(), score
	}
	panic("game: invalid direction")
}

// IsTerminal reports whether the board has no legal move: no empty cell
// and no two equal horizontally or vertically adjacent exponents.
func (b Board) IsTerminal() bool {
	if b.CountEmpty() > 0 {
		return false
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			e := b.Cell(r*4 + c)
			if c < 3 && b.Cell(r*4+c+1) == e {
				return false
			}
			if r < 3 && b.Cell((r+1)*4+c) == e {
				return false
			}
		}
	}
	return true
}
