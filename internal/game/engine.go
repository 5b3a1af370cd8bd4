package game

import "math/rand"

// MoveResult is the outcome of applying one move to a board.
type MoveResult struct {
	Board      Board
	ScoreDelta uint32
	Moved      bool
}

// Apply resolves a move and reports whether it changed the board. The
// returned board is the afterstate only; the caller decides whether to
// spawn. This is the capability a UI consumes.
func Apply(b Board, d Direction) MoveResult {
	after, score := Slide(b, d)
	return MoveResult{Board: after, ScoreDelta: score, Moved: after != b}
}

// SpawnTile places a new tile at a uniformly random empty cell: a 2 with
// probability 0.9, otherwise a 4. Returns the board unchanged when no
// cell is empty.
func SpawnTile(b Board, rng *rand.Rand) Board {
	empty := b.CountEmpty()
	if empty == 0 {
		return b
	}
	target := rng.Intn(empty)
	e := uint8(1)
	if rng.Float64() < 0.1 {
		e = 2
	}
	for i := 0; i < 16; i++ {
		if b.Cell(i) != 0 {
			continue
		}
		if target == 0 {
			return b.WithCell(i, e)
		}
		target--
	}
	panic("game: empty-cell count out of sync")
}

// NewGame returns a fresh board with two spawned tiles.
func NewGame(rng *rand.Rand) Board {
	b := SpawnTile(0, rng)
	return SpawnTile(b, rng)
}

// HasMove reports whether any of the four directions would change the
// board.
func HasMove(b Board) bool {
	return !b.IsTerminal()
}
