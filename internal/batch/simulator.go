// Package batch drives many independent 2048 games in lockstep. All
// per-lane state lives in flat slices reused across steps; lanes are
// reset in place when a game ends, never reallocated per episode.
package batch

import (
	"fmt"
	"math/rand"

	"github.com/hailam/tupletrain/internal/game"
)

// Simulator owns a batch of independent game lanes.
type Simulator struct {
	boards []game.Board
	scores []float64
	over   []bool
	moves  []int32
	rng    *rand.Rand
}

// StepResult reports one step's outcome per lane. Afterstates hold the
// board after merges but before the spawned tile; that pre-spawn state
// is what the value function is trained against. For a rejected move
// (Moved=false) the afterstate is the unchanged board and the reward 0.
type StepResult struct {
	Afterstates []game.Board
	Rewards     []float64
	Moved       []bool
	Ended       []bool
}

// New creates a simulator with the given lane count. Every lane starts
// a fresh game with two spawned tiles.
func New(lanes int, rng *rand.Rand) *Simulator {
	s := &Simulator{rng: rng}
	s.Resize(lanes)
	return s
}

// Lanes returns the current lane count.
func (s *Simulator) Lanes() int { return len(s.boards) }

// Board returns lane i's current board.
func (s *Simulator) Board(i int) game.Board { return s.boards[i] }

// Score returns lane i's accumulated score.
func (s *Simulator) Score(i int) float64 { return s.scores[i] }

// Over reports whether lane i has no legal move left.
func (s *Simulator) Over(i int) bool { return s.over[i] }

// MoveCount returns the number of committed moves in lane i's current
// episode.
func (s *Simulator) MoveCount(i int) int32 { return s.moves[i] }

// Resize grows or shrinks the batch in place. Surviving lanes keep
// their games; new lanes start fresh. Used by the capacity manager.
func (s *Simulator) Resize(lanes int) {
	if lanes <= 0 {
		panic(fmt.Sprintf("batch: lane count %d must be positive", lanes))
	}
	old := len(s.boards)
	if lanes <= old {
		s.boards = s.boards[:lanes]
		s.scores = s.scores[:lanes]
		s.over = s.over[:lanes]
		s.moves = s.moves[:lanes]
		return
	}
	s.boards = append(s.boards, make([]game.Board, lanes-old)...)
	s.scores = append(s.scores, make([]float64, lanes-old)...)
	s.over = append(s.over, make([]bool, lanes-old)...)
	s.moves = append(s.moves, make([]int32, lanes-old)...)
	for i := old; i < lanes; i++ {
		s.ResetLane(i)
	}
}

// ResetLane starts a fresh episode in lane i: new board with two tiles,
// score and move count zeroed.
func (s *Simulator) ResetLane(i int) {
	s.boards[i] = game.NewGame(s.rng)
	s.scores[i] = 0
	s.over[i] = false
	s.moves[i] = 0
}

// Step applies one move per lane. For each lane whose move changed the
// board: the afterstate is committed, the reward accumulated, the move
// count incremented and a tile spawned; the lane's Over flag is then
// recomputed. A move that changes nothing is not an error, just a
// Moved=false signal to the caller. Finished or already-over lanes are
// left for the caller to reset.
func (s *Simulator) Step(dirs []game.Direction, res *StepResult) {
	lanes := len(s.boards)
	if len(dirs) != lanes {
		panic(fmt.Sprintf("batch: %d directions for %d lanes", len(dirs), lanes))
	}
	res.resize(lanes)

	for i := 0; i < lanes; i++ {
		res.Ended[i] = false
		if s.over[i] {
			res.Afterstates[i] = s.boards[i]
			res.Rewards[i] = 0
			res.Moved[i] = false
			continue
		}

		mv := game.Apply(s.boards[i], dirs[i])
		res.Afterstates[i] = mv.Board
		res.Rewards[i] = float64(mv.ScoreDelta)
		res.Moved[i] = mv.Moved
		if !mv.Moved {
			continue
		}

		s.scores[i] += float64(mv.ScoreDelta)
		s.moves[i]++
		s.boards[i] = game.SpawnTile(mv.Board, s.rng)
		if s.boards[i].IsTerminal() {
			s.over[i] = true
			res.Ended[i] = true
		}
	}
}

func (r *StepResult) resize(lanes int) {
	if cap(r.Afterstates) < lanes {
		r.Afterstates = make([]game.Board, lanes)
		r.Rewards = make([]float64, lanes)
		r.Moved = make([]bool, lanes)
		r.Ended = make([]bool, lanes)
	}
	r.Afterstates = r.Afterstates[:lanes]
	r.Rewards = r.Rewards[:lanes]
	r.Moved = r.Moved[:lanes]
	r.Ended = r.Ended[:lanes]
}

// Boards exposes the current boards slice for batched evaluation. The
// slice is owned by the simulator; callers must not retain it across a
// Resize.
func (s *Simulator) Boards() []game.Board { return s.boards }

// MemoryBytes estimates the simulator's per-lane state footprint.
func (s *Simulator) MemoryBytes() uint64 {
	lanes := uint64(len(s.boards))
	return lanes * (8 + 8 + 1 + 4)
}
