package device

import (
	"os"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/hailam/tupletrain/internal/ntuple"
)

// Selection picks which engine Open constructs.
type Selection string

const (
	// SelectAuto probes for parallel capacity and falls back silently.
	SelectAuto Selection = "auto"
	// SelectParallel forces the parallel engine.
	SelectParallel Selection = "parallel"
	// SelectSoftware forces the sequential engine.
	SelectSoftware Selection = "software"
)

// Env var overriding the shard count, mainly for tests and benchmarks.
const shardEnv = "TUPLETRAIN_SHARDS"

// Sized is implemented by both engines; the perf monitor uses it for
// the memory breakdown without widening the Engine contract.
type Sized interface {
	MemoryBytes() uint64
}

// Open constructs an engine. It never fails: any probe problem results
// in the software engine, with a warning rather than an error, so the
// caller does not special-case availability.
func Open(sel Selection, laneCount int, n *ntuple.Network, log zerolog.Logger) Engine {
	if laneCount < 1 {
		laneCount = 1
	}

	switch sel {
	case SelectSoftware:
		log.Info().Str("backend", string(BackendSoftware)).Msg("device selected explicitly")
		return newSoftwareEngine(n, laneCount)
	case SelectParallel, SelectAuto, "":
		shards := probeShards(log)
		if shards < 2 && sel != SelectParallel {
			log.Warn().Int("shards", shards).Msg("no parallel capacity detected, using software engine")
			return newSoftwareEngine(n, laneCount)
		}
		if shards < 1 {
			shards = 1
		}
		eng := newParallelEngine(n, laneCount, shards)
		log.Info().Str("backend", string(BackendParallel)).Int("shards", shards).Msg("device opened")
		return eng
	default:
		log.Warn().Str("selection", string(sel)).Msg("unknown device selection, using software engine")
		return newSoftwareEngine(n, laneCount)
	}
}

// probeShards determines the usable shard count. Probing must never
// panic or error; anything suspicious degrades to zero shards.
func probeShards(log zerolog.Logger) int {
	if v := os.Getenv(shardEnv); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			return s
		}
		log.Warn().Str(shardEnv, v).Msg("ignoring unparseable shard override")
	}
	procs := runtime.GOMAXPROCS(0)
	cpus := runtime.NumCPU()
	if cpus < procs {
		return cpus
	}
	return procs
}

// NewSoftware exposes the fallback engine constructor to the recovery
// layer, which swaps to it after unrecoverable device failures.
func NewSoftware(n *ntuple.Network, laneCount int) Engine {
	return newSoftwareEngine(n, laneCount)
}
