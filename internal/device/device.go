// Package device abstracts batch kernel execution over game lanes.
// Two engines implement the same contract: a parallel engine that
// shards lanes across cores, and a sequential software engine. Higher
// layers never branch on which one is active; the contract guarantees
// identical results, only throughput differs.
package device

import (
	"errors"
	"fmt"

	"github.com/hailam/tupletrain/internal/game"
	"github.com/hailam/tupletrain/internal/ntuple"
)

// Backend tags which engine implementation is active.
type Backend string

const (
	BackendParallel Backend = "parallel"
	BackendSoftware Backend = "software"
)

// Kernel identifies a dispatchable computation.
type Kernel int

const (
	// KernelEvaluate computes the network value of every lane's board.
	KernelEvaluate Kernel = iota
	// KernelTupleIndices computes every lane's flat weight indices, one
	// per pattern x symmetry term. The host accumulates gradients from
	// these sequentially; devices never touch gradient memory.
	KernelTupleIndices
)

// String returns the kernel name used in logs and timing histograms.
func (k Kernel) String() string {
	switch k {
	case KernelEvaluate:
		return "evaluate"
	case KernelTupleIndices:
		return "tuple_indices"
	}
	return fmt.Sprintf("Kernel(%d)", int(k))
}

// Info describes the active engine.
type Info struct {
	Accelerated bool    // true when running the parallel backend
	Name        string  // human readable
	Backend     Backend // machine readable tag
	Shards      int     // lane shards the engine executes across
}

// Request carries the lane inputs and outputs of one dispatch call.
// The caller owns all slices; output slices are resized as needed.
type Request struct {
	Boards []game.Board

	// Values receives one value per lane for KernelEvaluate.
	Values []float64

	// Indices receives one index slice per lane for KernelTupleIndices.
	Indices [][]uint32
}

// Engine is the kernel-dispatch contract. Dispatch is synchronous and
// blocking: it does not return until every lane has completed. There is
// no timeout; the software path has bounded, predictable cost, and
// bounded retries live in the recovery layer.
type Engine interface {
	// Info reports which backend is active.
	Info() Info

	// SyncWeights refreshes the engine's float32 weight mirror from the
	// network's master tables. Must be called after every gradient
	// application before the next evaluate dispatch.
	SyncWeights(n *ntuple.Network) error

	// Dispatch executes the kernel across all lanes in req.
	Dispatch(kernel Kernel, req *Request) error

	// UpdateLaneCount resizes the engine's lane buffers.
	UpdateLaneCount(lanes int) error

	// Dispose releases all engine buffers. Further dispatches fail with
	// ErrDisposed.
	Dispose() error
}

var (
	// ErrDisposed is returned by any call after Dispose.
	ErrDisposed = errors.New("device: engine disposed")

	// ErrNotSynced is returned when a dispatch runs before the first
	// weight sync.
	ErrNotSynced = errors.New("device: weight mirror never synced")

	// ErrUnknownKernel is returned for a kernel id outside the contract.
	ErrUnknownKernel = errors.New("device: unknown kernel")
)

// core holds the buffers and kernel implementations shared by both
// engines. Each engine only decides how lanes are scheduled; the
// per-lane arithmetic is this one code path, which is what keeps the
// two backends behaviorally identical.
type core struct {
	terms     []ntuple.TermSpec
	termCount int
	mirror    []float32
	lanes     []float32
	laneCount int
	synced    bool
	disposed  bool
}

func newCore(n *ntuple.Network, laneCount int) *core {
	return &core{
		terms:     n.Terms(),
		termCount: n.TermsPerBoard(),
		mirror:    make([]float32, n.TotalWeights()),
		lanes:     make([]float32, laneCount*game.LaneWidth),
		laneCount: laneCount,
	}
}

func (c *core) syncWeights(n *ntuple.Network) error {
	if c.disposed {
		return ErrDisposed
	}
	if n.TotalWeights() != len(c.mirror) {
		return fmt.Errorf("device: network has %d weights, mirror holds %d", n.TotalWeights(), len(c.mirror))
	}
	n.MirrorWeights(c.mirror)
	c.synced = true
	return nil
}

func (c *core) updateLaneCount(lanes int) error {
	if c.disposed {
		return ErrDisposed
	}
	if lanes <= 0 {
		return fmt.Errorf("device: lane count %d must be positive", lanes)
	}
	c.laneCount = lanes
	c.lanes = make([]float32, lanes*game.LaneWidth)
	return nil
}

func (c *core) dispose() {
	c.disposed = true
	c.mirror = nil
	c.lanes = nil
	c.terms = nil
}

// stage packs the boards into the flat float32 lane buffer, growing it
// when a request exceeds the nominal lane count (validation runs may).
func (c *core) stage(boards []game.Board) error {
	if c.disposed {
		return ErrDisposed
	}
	if !c.synced {
		return ErrNotSynced
	}
	if need := len(boards) * game.LaneWidth; need > len(c.lanes) {
		c.lanes = make([]float32, need)
	}
	for i, b := range boards {
		b.ToLane(c.lanes[i*game.LaneWidth : (i+1)*game.LaneWidth])
	}
	return nil
}

// evaluateLane sums the mirror entries selected by every term for one
// lane. float32 table reads, float64 accumulation, fixed term order:
// the result is identical regardless of which engine ran the lane.
func (c *core) evaluateLane(lane int) float64 {
	cells := c.lanes[lane*game.LaneWidth:]
	var v float64
	for _, t := range c.terms {
		idx := t.Offset + packLaneIndex(cells, t.Cells)
		v += float64(c.mirror[idx])
	}
	return v
}

// indexLane writes the flat weight index of every term for one lane.
func (c *core) indexLane(lane int, dst []uint32) []uint32 {
	cells := c.lanes[lane*game.LaneWidth:]
	dst = dst[:0]
	for _, t := range c.terms {
		dst = append(dst, t.Offset+packLaneIndex(cells, t.Cells))
	}
	return dst
}

// packLaneIndex packs the exponents at the term's cells base-16, first
// cell least significant, matching the host network's indexing.
func packLaneIndex(cells []float32, path []uint8) uint32 {
	var idx uint32
	for i := len(path) - 1; i >= 0; i-- {
		idx = idx<<4 | uint32(cells[path[i]])
	}
	return idx
}

// prepare validates a request and sizes its output slices.
func (c *core) prepare(kernel Kernel, req *Request) error {
	if err := c.stage(req.Boards); err != nil {
		return err
	}
	switch kernel {
	case KernelEvaluate:
		if cap(req.Values) < len(req.Boards) {
			req.Values = make([]float64, len(req.Boards))
		}
		req.Values = req.Values[:len(req.Boards)]
	case KernelTupleIndices:
		if cap(req.Indices) < len(req.Boards) {
			req.Indices = append(req.Indices, make([][]uint32, len(req.Boards)-len(req.Indices))...)
		}
		req.Indices = req.Indices[:len(req.Boards)]
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKernel, int(kernel))
	}
	return nil
}

// runLanes executes the kernel for lanes [lo, hi).
func (c *core) runLanes(kernel Kernel, req *Request, lo, hi int) {
	switch kernel {
	case KernelEvaluate:
		for i := lo; i < hi; i++ {
			req.Values[i] = c.evaluateLane(i)
		}
	case KernelTupleIndices:
		for i := lo; i < hi; i++ {
			if cap(req.Indices[i]) < c.termCount {
				req.Indices[i] = make([]uint32, 0, c.termCount)
			}
			req.Indices[i] = c.indexLane(i, req.Indices[i])
		}
	}
}

// MemoryBytes estimates the engine's buffer footprint: the float32
// mirror plus the staged lane buffer.
func (c *core) MemoryBytes() uint64 {
	return uint64(len(c.mirror))*4 + uint64(len(c.lanes))*4
}
