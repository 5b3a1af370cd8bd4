package checkpoint

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/hailam/tupletrain/internal/device"
	"github.com/hailam/tupletrain/internal/game"
	"github.com/hailam/tupletrain/internal/ntuple"
)

// ValidationConfig tunes a consistency check between the device path
// and the host reference evaluation.
type ValidationConfig struct {
	Samples              int
	MaxErrorThreshold    float64 // max absolute evaluation difference
	ConsistencyThreshold float64 // min fraction of identical best moves
	KeepDiagnostics      bool
}

// DefaultValidationConfig returns the documented thresholds.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		Samples:              64,
		MaxErrorThreshold:    1e-2,
		ConsistencyThreshold: 0.8,
	}
}

// SampleDiag records one validation sample for failure diagnosis.
type SampleDiag struct {
	Board       game.Board
	DeviceValue float64
	HostValue   float64
	DeviceMove  game.Direction
	HostMove    game.Direction
}

// ValidationResult is the outcome of one validation run.
type ValidationResult struct {
	Samples         int
	MaxError        float64
	AvgError        float64
	MoveConsistency float64
	Passed          bool
	Diagnostics     []SampleDiag
}

// RandomValidationBoard draws a board weighted toward mid-game density:
// 6 to 12 tiles, exponents biased low the way real positions are.
func RandomValidationBoard(rng *rand.Rand) game.Board {
	tiles := 6 + rng.Intn(7)
	cells := rng.Perm(16)
	var b game.Board
	for _, c := range cells[:tiles] {
		// Geometric-ish bias: mostly small exponents, tail to 10.
		e := uint8(1)
		for e < 10 && rng.Float64() < 0.55 {
			e++
		}
		b = b.WithCell(c, e)
	}
	return b
}

// Validate draws random boards and evaluates each via the device path
// and via the host-only reference implementation of the same algorithm,
// then compares best-move choices under full 4-direction lookahead.
// Passing requires both the max-error and move-consistency thresholds.
func Validate(eng device.Engine, n *ntuple.Network, cfg ValidationConfig, rng *rand.Rand) (*ValidationResult, error) {
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultValidationConfig().Samples
	}
	if cfg.MaxErrorThreshold <= 0 {
		cfg.MaxErrorThreshold = DefaultValidationConfig().MaxErrorThreshold
	}
	if cfg.ConsistencyThreshold <= 0 {
		cfg.ConsistencyThreshold = DefaultValidationConfig().ConsistencyThreshold
	}

	boards := make([]game.Board, cfg.Samples)
	for i := range boards {
		boards[i] = RandomValidationBoard(rng)
	}

	req := &device.Request{Boards: boards}
	if err := eng.Dispatch(device.KernelEvaluate, req); err != nil {
		return nil, fmt.Errorf("validation dispatch: %w", err)
	}

	res := &ValidationResult{Samples: cfg.Samples}
	var errSum float64
	consistent := 0

	for i, b := range boards {
		hostV := n.Evaluate(b)
		diff := math.Abs(req.Values[i] - hostV)
		errSum += diff
		if diff > res.MaxError {
			res.MaxError = diff
		}

		devMove, err := bestMoveDevice(eng, n, b)
		if err != nil {
			return nil, err
		}
		hostMove := bestMoveHost(n, b)
		if devMove == hostMove {
			consistent++
		}

		if cfg.KeepDiagnostics {
			res.Diagnostics = append(res.Diagnostics, SampleDiag{
				Board:       b,
				DeviceValue: req.Values[i],
				HostValue:   hostV,
				DeviceMove:  devMove,
				HostMove:    hostMove,
			})
		}
	}

	res.AvgError = errSum / float64(cfg.Samples)
	res.MoveConsistency = float64(consistent) / float64(cfg.Samples)
	res.Passed = res.MaxError < cfg.MaxErrorThreshold &&
		res.MoveConsistency >= cfg.ConsistencyThreshold
	return res, nil
}

// bestMoveHost picks the direction maximizing reward + V(afterstate)
// on the reference path. Ties and the no-valid-move case resolve to the
// first direction in enumeration order.
func bestMoveHost(n *ntuple.Network, b game.Board) game.Direction {
	best := game.Up
	bestV := math.Inf(-1)
	for d := game.Up; d < game.NumDirections; d++ {
		mv := game.Apply(b, d)
		if !mv.Moved {
			continue
		}
		v := float64(mv.ScoreDelta) + n.Evaluate(mv.Board)
		if v > bestV {
			bestV = v
			best = d
		}
	}
	return best
}

// bestMoveDevice is the same policy with afterstate values computed by
// the device engine.
func bestMoveDevice(eng device.Engine, n *ntuple.Network, b game.Board) (game.Direction, error) {
	var afters [4]game.Board
	var rewards [4]float64
	var valid [4]bool
	boards := make([]game.Board, 0, 4)
	for d := game.Up; d < game.NumDirections; d++ {
		mv := game.Apply(b, d)
		afters[d] = mv.Board
		rewards[d] = float64(mv.ScoreDelta)
		valid[d] = mv.Moved
		if mv.Moved {
			boards = append(boards, mv.Board)
		}
	}
	if len(boards) == 0 {
		return game.Up, nil
	}

	req := &device.Request{Boards: boards}
	if err := eng.Dispatch(device.KernelEvaluate, req); err != nil {
		return game.Up, fmt.Errorf("lookahead dispatch: %w", err)
	}

	best := game.Up
	bestV := math.Inf(-1)
	vi := 0
	for d := game.Up; d < game.NumDirections; d++ {
		if !valid[d] {
			continue
		}
		v := rewards[d] + req.Values[vi]
		vi++
		if v > bestV {
			bestV = v
			best = d
		}
	}
	return best, nil
}
