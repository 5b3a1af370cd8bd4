package device

import "github.com/hailam/tupletrain/internal/ntuple"

// softwareEngine runs every lane sequentially on the calling goroutine.
// It is the fallback target of every recovery path and the reference
// scheduler for the conformance tests.
type softwareEngine struct {
	core *core
}

func newSoftwareEngine(n *ntuple.Network, laneCount int) *softwareEngine {
	return &softwareEngine{core: newCore(n, laneCount)}
}

func (e *softwareEngine) Info() Info {
	return Info{
		Accelerated: false,
		Name:        "software (sequential lanes)",
		Backend:     BackendSoftware,
		Shards:      1,
	}
}

func (e *softwareEngine) SyncWeights(n *ntuple.Network) error {
	return e.core.syncWeights(n)
}

func (e *softwareEngine) Dispatch(kernel Kernel, req *Request) error {
	if err := e.core.prepare(kernel, req); err != nil {
		return err
	}
	e.core.runLanes(kernel, req, 0, len(req.Boards))
	return nil
}

func (e *softwareEngine) UpdateLaneCount(lanes int) error {
	return e.core.updateLaneCount(lanes)
}

func (e *softwareEngine) Dispose() error {
	e.core.dispose()
	return nil
}

// MemoryBytes reports the engine's buffer footprint.
func (e *softwareEngine) MemoryBytes() uint64 { return e.core.MemoryBytes() }
