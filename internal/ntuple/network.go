package ntuple

import (
	"fmt"
	"math"

	"github.com/hailam/tupletrain/internal/game"
)

// Network is an N-Tuple value function over 2048 boards. It owns the
// master float64 weight tables and the gradient accumulation buffer;
// no other component touches either directly. Device engines execute
// against a lower-precision mirror obtained through MirrorWeights and
// kept in sync by explicit transfer.
type Network struct {
	patterns []Pattern
	paths    [][SymmetryCount][]uint8
	offsets  []uint32
	total    int

	weights []float64
	grads   []float32
}

// TermSpec describes one pattern x symmetry term for kernel execution:
// the cells to read and the flat offset of the pattern's table.
type TermSpec struct {
	Offset uint32
	Cells  []uint8
}

// New builds a network over the given patterns with every weight set to
// initial (0 for a cold start, a positive constant for optimistic
// initialization).
func New(patterns []Pattern, initial float64) (*Network, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("ntuple: no patterns")
	}
	n := &Network{
		patterns: make([]Pattern, len(patterns)),
		paths:    make([][SymmetryCount][]uint8, len(patterns)),
		offsets:  make([]uint32, len(patterns)),
	}
	total := 0
	for i, p := range patterns {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		n.patterns[i] = append(Pattern(nil), p...)
		n.paths[i] = symmetryPaths(p)
		n.offsets[i] = uint32(total)
		total += p.TableSize()
	}
	n.total = total
	n.weights = make([]float64, total)
	n.grads = make([]float32, total)
	if initial != 0 {
		for i := range n.weights {
			n.weights[i] = initial
		}
	}
	return n, nil
}

// Patterns returns the network's patterns.
func (n *Network) Patterns() []Pattern { return n.patterns }

// TotalWeights returns the summed size of all weight tables.
func (n *Network) TotalWeights() int { return n.total }

// TermsPerBoard returns the number of additive terms one evaluation
// sums: patterns x symmetries.
func (n *Network) TermsPerBoard() int { return len(n.patterns) * SymmetryCount }

// Terms flattens the pattern x symmetry structure for device kernels.
func (n *Network) Terms() []TermSpec {
	terms := make([]TermSpec, 0, n.TermsPerBoard())
	for p := range n.patterns {
		for s := 0; s < SymmetryCount; s++ {
			terms = append(terms, TermSpec{Offset: n.offsets[p], Cells: n.paths[p][s]})
		}
	}
	return terms
}

// packIndex reads the tile exponents at the given cells and packs them
// base-16, first cell least significant.
func packIndex(b game.Board, cells []uint8) uint32 {
	var idx uint32
	for i := len(cells) - 1; i >= 0; i-- {
		idx = idx<<4 | uint32(b.Cell(int(cells[i])))
	}
	return idx
}

// Evaluate returns the value of a board: the sum of the weight entries
// selected by every pattern under every symmetry.
func (n *Network) Evaluate(b game.Board) float64 {
	var v float64
	for p := range n.patterns {
		base := n.offsets[p]
		for s := 0; s < SymmetryCount; s++ {
			v += n.weights[base+packIndex(b, n.paths[p][s])]
		}
	}
	return v
}

// TermIndices writes the flat weight index of every term for the board
// into dst, which must have TermsPerBoard capacity. This is the kernel
// contract: devices compute indices, the host accumulates.
func (n *Network) TermIndices(b game.Board, dst []uint32) []uint32 {
	dst = dst[:0]
	for p := range n.patterns {
		base := n.offsets[p]
		for s := 0; s < SymmetryCount; s++ {
			dst = append(dst, base+packIndex(b, n.paths[p][s]))
		}
	}
	return dst
}

// AccumulateGradient adds tdError to the gradient slot of every term
// index for the board. Coinciding symmetries hit the same slot more
// than once; the duplicate reinforcement is intended.
func (n *Network) AccumulateGradient(b game.Board, tdError float64) {
	e := float32(tdError)
	for p := range n.patterns {
		base := n.offsets[p]
		for s := 0; s < SymmetryCount; s++ {
			n.grads[base+packIndex(b, n.paths[p][s])] += e
		}
	}
}

// AccumulateAtIndices performs the same update from indices a device
// kernel already computed. Strictly sequential; the caller must not
// invoke it from more than one goroutine.
func (n *Network) AccumulateAtIndices(indices []uint32, tdError float64) {
	e := float32(tdError)
	for _, idx := range indices {
		n.grads[idx] += e
	}
}

// ApplyGradients folds the accumulated gradients into the weights at
// the given learning rate, then zeroes the gradient buffer.
func (n *Network) ApplyGradients(learningRate float64) {
	for i, g := range n.grads {
		if g != 0 {
			n.weights[i] += float64(g) * learningRate
			n.grads[i] = 0
		}
	}
}

// MirrorWeights copies the master weights into a float32 device mirror.
// dst must be TotalWeights long.
func (n *Network) MirrorWeights(dst []float32) {
	if len(dst) != n.total {
		panic(fmt.Sprintf("ntuple: mirror size %d, want %d", len(dst), n.total))
	}
	for i, w := range n.weights {
		dst[i] = float32(w)
	}
}

// ClampWeights clamps every weight into [min, max] and returns how many
// entries were touched. Used by numerical-overflow recovery; the bounds
// the trainer passes are +/-1e6, chosen because legitimate 2048 values
// stay well under that.
func (n *Network) ClampWeights(min, max float64) int {
	clamped := 0
	for i, w := range n.weights {
		switch {
		case math.IsNaN(w):
			n.weights[i] = 0
			clamped++
		case w < min:
			n.weights[i] = min
			clamped++
		case w > max:
			n.weights[i] = max
			clamped++
		}
	}
	return clamped
}

// WeightTables exports per-pattern copies of the weight tables in the
// portable float64 form.
func (n *Network) WeightTables() [][]float64 {
	tables := make([][]float64, len(n.patterns))
	for p, pat := range n.patterns {
		base := n.offsets[p]
		tables[p] = append([]float64(nil), n.weights[base:base+uint32(pat.TableSize())]...)
	}
	return tables
}

// RestoreWeights loads previously exported tables. The pattern count
// and every table size must match exactly; a mismatch is a hard
// failure, never coerced.
func (n *Network) RestoreWeights(tables [][]float64) error {
	if len(tables) != len(n.patterns) {
		return fmt.Errorf("ntuple: have %d weight tables, network expects %d", len(tables), len(n.patterns))
	}
	for p, pat := range n.patterns {
		if len(tables[p]) != pat.TableSize() {
			return fmt.Errorf("ntuple: table %d has %d entries, pattern expects %d",
				p, len(tables[p]), pat.TableSize())
		}
	}
	for p := range tables {
		copy(n.weights[n.offsets[p]:], tables[p])
	}
	return nil
}

// GradientTable exports a copy of the raw gradient buffer, used when a
// checkpoint must capture unapplied gradients.
func (n *Network) GradientTable() []float32 {
	return append([]float32(nil), n.grads...)
}

// RestoreGradients loads a previously exported gradient buffer.
func (n *Network) RestoreGradients(grads []float32) error {
	if len(grads) != n.total {
		return fmt.Errorf("ntuple: gradient buffer has %d entries, want %d", len(grads), n.total)
	}
	copy(n.grads, grads)
	return nil
}
