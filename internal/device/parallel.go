package device

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hailam/tupletrain/internal/ntuple"
)

// parallelEngine shards lanes across worker goroutines, one contiguous
// range per shard. Each shard runs the same per-lane kernel code as the
// software engine and writes only its own lanes' outputs, so no
// synchronization beyond the errgroup join is needed and results are
// bit-identical to the sequential path.
type parallelEngine struct {
	core   *core
	shards int
}

func newParallelEngine(n *ntuple.Network, laneCount, shards int) *parallelEngine {
	if shards < 1 {
		shards = runtime.NumCPU()
	}
	return &parallelEngine{core: newCore(n, laneCount), shards: shards}
}

func (e *parallelEngine) Info() Info {
	return Info{
		Accelerated: true,
		Name:        fmt.Sprintf("parallel x%d lane shards", e.shards),
		Backend:     BackendParallel,
		Shards:      e.shards,
	}
}

func (e *parallelEngine) SyncWeights(n *ntuple.Network) error {
	return e.core.syncWeights(n)
}

func (e *parallelEngine) Dispatch(kernel Kernel, req *Request) error {
	if err := e.core.prepare(kernel, req); err != nil {
		return err
	}

	lanes := len(req.Boards)
	shards := e.shards
	if shards > lanes {
		shards = lanes
	}
	if shards <= 1 {
		e.core.runLanes(kernel, req, 0, lanes)
		return nil
	}

	per := (lanes + shards - 1) / shards
	var g errgroup.Group
	for s := 0; s < shards; s++ {
		lo := s * per
		hi := lo + per
		if hi > lanes {
			hi = lanes
		}
		if lo >= hi {
			break
		}
		g.Go(func() error {
			e.core.runLanes(kernel, req, lo, hi)
			return nil
		})
	}
	return g.Wait()
}

func (e *parallelEngine) UpdateLaneCount(lanes int) error {
	return e.core.updateLaneCount(lanes)
}

func (e *parallelEngine) Dispose() error {
	e.core.dispose()
	return nil
}

// MemoryBytes reports the engine's buffer footprint.
func (e *parallelEngine) MemoryBytes() uint64 { return e.core.MemoryBytes() }
