package ntuple

import "fmt"

// Pattern is an ordered list of board-cell indices (0..15) defining one
// feature tuple. Patterns are fixed at network construction.
type Pattern []uint8

// SymmetryCount is the number of board-preserving transforms weights are
// shared across: identity, three rotations, mirror, mirror + three
// rotations.
const SymmetryCount = 8

// maxPatternLen bounds the weight table at 16^8 entries.
const maxPatternLen = 8

// Validate checks the pattern shape. Invalid patterns are construction
// errors, surfaced before any training starts.
func (p Pattern) Validate() error {
	if len(p) == 0 || len(p) > maxPatternLen {
		return fmt.Errorf("ntuple: pattern length %d out of range [1,%d]", len(p), maxPatternLen)
	}
	var seen [16]bool
	for _, c := range p {
		if c > 15 {
			return fmt.Errorf("ntuple: pattern cell %d out of range", c)
		}
		if seen[c] {
			return fmt.Errorf("ntuple: pattern repeats cell %d", c)
		}
		seen[c] = true
	}
	return nil
}

// TableSize returns the weight table size for the pattern, 16^len.
func (p Pattern) TableSize() int {
	size := 1
	for range p {
		size *= 16
	}
	return size
}

// transformCell maps a cell index through symmetry s (0 = identity,
// 1..3 = clockwise rotations, 4 = horizontal mirror, 5..7 = mirror then
// rotations).
func transformCell(s int, cell uint8) uint8 {
	r := cell / 4
	c := cell % 4
	if s >= 4 {
		c = 3 - c
	}
	for i := 0; i < s%4; i++ {
		r, c = c, 3-r
	}
	return r*4 + c
}

// symmetryPaths precomputes, for each of the 8 symmetries, the board
// cells the pattern reads. Built once per pattern, read-only after.
func symmetryPaths(p Pattern) [SymmetryCount][]uint8 {
	var paths [SymmetryCount][]uint8
	for s := 0; s < SymmetryCount; s++ {
		cells := make([]uint8, len(p))
		for i, c := range p {
			cells[i] = transformCell(s, c)
		}
		paths[s] = cells
	}
	return paths
}

// DefaultPatterns returns the ten 4-cell tuples the trainer uses unless
// configured otherwise: the four rows, four 2x2 squares along the top
// and center, and two L-shaped corners. Each covers its rotated and
// mirrored images through weight sharing.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{0, 1, 2, 3},
		{4, 5, 6, 7},
		{8, 9, 10, 11},
		{12, 13, 14, 15},
		{0, 1, 4, 5},
		{1, 2, 5, 6},
		{2, 3, 6, 7},
		{5, 6, 9, 10},
		{0, 1, 2, 4},
		{4, 5, 6, 8},
	}
}
