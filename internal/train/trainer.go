// Package train runs the TD-learning control loop: afterstate-policy
// move selection, batched evaluation, gradient accumulation, recovery,
// and periodic validation and checkpointing.
package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hailam/tupletrain/internal/batch"
	"github.com/hailam/tupletrain/internal/checkpoint"
	"github.com/hailam/tupletrain/internal/device"
	"github.com/hailam/tupletrain/internal/game"
	"github.com/hailam/tupletrain/internal/ntuple"
	"github.com/hailam/tupletrain/internal/perf"
	"github.com/hailam/tupletrain/internal/recovery"
	"github.com/hailam/tupletrain/internal/storage"
)

// Weight bounds applied during numerical-overflow recovery. Game scores
// top out near 4e5, so value magnitudes beyond 1e6 mean divergence, not
// learning.
const (
	weightClampMin = -1e6
	weightClampMax = 1e6
	tdErrorClamp   = 1e4
)

const scoreWindowSize = 100

// Trainer owns one training run.
type Trainer struct {
	cfg   Config
	log   zerolog.Logger
	runID uuid.UUID
	rng   *rand.Rand

	net   *ntuple.Network
	sim   *batch.Simulator
	eng   device.Engine
	store storage.Store

	rec *recovery.Manager
	adj *recovery.BatchSizeAdjuster
	mon *perf.Monitor

	episode uint64
	steps   uint64
	lr      float64

	// Per-lane TD state: the previous afterstate's value and the weight
	// indices it touched. Indices are cached from the previous step's
	// kernel dispatch so gradient accumulation never recomputes them on
	// the host.
	prevValue   []float64
	prevIndices [][]uint32
	hasPrev     []bool

	pendingGradSteps int
	fellBack         bool

	recentScores []float64
	milestones   map[uint8]uint64

	// Reused per-step buffers.
	dirs    []game.Direction
	stepRes batch.StepResult
	evalReq device.Request
	idxReq  device.Request

	lastValidation uint64
	lastCheckpoint uint64
}

// New builds a trainer. The device engine is opened here via its probe;
// this never fails on missing accelerator capacity, only on invalid
// configuration.
func New(cfg Config, store storage.Store, log zerolog.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	net, err := ntuple.New(ntuple.DefaultPatterns(), cfg.OptimisticInit)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:        cfg,
		log:        log,
		runID:      uuid.New(),
		rng:        rng,
		net:        net,
		store:      store,
		lr:         cfg.LearningRate,
		milestones: make(map[uint8]uint64),
	}

	t.eng = device.Open(cfg.Device, cfg.BatchSize, net, log)
	if err := t.eng.SyncWeights(net); err != nil {
		return nil, err
	}
	t.sim = batch.New(cfg.BatchSize, rng)

	t.rec = recovery.NewManager(recovery.Config{
		MinBatchSize: cfg.MinBatchSize,
	})
	t.adj = recovery.NewBatchSizeAdjuster(recovery.AdjusterConfig{
		MinBatchSize: cfg.MinBatchSize,
		MaxBatchSize: cfg.MaxBatchSize,
	}, cfg.BatchSize, nil)
	t.mon = perf.NewMonitor(log, 0)

	t.resizeLaneState(cfg.BatchSize)

	if cfg.Resume {
		if err := t.resume(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Network exposes the trained network for export.
func (t *Trainer) Network() *ntuple.Network { return t.net }

// Episode returns the completed-episode counter.
func (t *Trainer) Episode() uint64 { return t.episode }

// Monitor exposes the performance monitor for reporting.
func (t *Trainer) Monitor() *perf.Monitor { return t.mon }

// RunID identifies this training run in logs and checkpoints.
func (t *Trainer) RunID() uuid.UUID { return t.runID }

// Report renders the run's performance summary.
func (t *Trainer) Report() string {
	info := t.eng.Info()
	var devBytes uint64
	if sized, ok := t.eng.(device.Sized); ok {
		devBytes = sized.MemoryBytes()
	}
	netBytes := uint64(t.net.TotalWeights()) * 12 // float64 weights plus float32 gradients
	mem := t.mon.Memory(netBytes, devBytes, t.sim.MemoryBytes())
	return t.mon.Report(info.Shards, mem)
}

// Metadata summarizes the run for the exported weight file.
func (t *Trainer) Metadata() ntuple.Metadata {
	meta := ntuple.Metadata{TrainedGames: t.episode}
	var sum float64
	for _, s := range t.recentScores {
		sum += s
	}
	if len(t.recentScores) > 0 {
		meta.AvgScore = sum / float64(len(t.recentScores))
	}
	var maxExp uint8
	for e := range t.milestones {
		if e > maxExp {
			maxExp = e
		}
	}
	if maxExp > 0 {
		meta.MaxTile = 1 << maxExp
	}
	if t.episode > 0 {
		meta.Rate2048 = t.milestoneRate(11)
		meta.Rate4096 = t.milestoneRate(12)
		meta.Rate8192 = t.milestoneRate(13)
	}
	return meta
}

// milestoneRate is the fraction of episodes whose best tile reached at
// least the given exponent.
func (t *Trainer) milestoneRate(exp uint8) float64 {
	var reached uint64
	for e, count := range t.milestones {
		if e >= exp {
			reached += count
		}
	}
	return float64(reached) / float64(t.episode)
}

// Run executes the training loop until the episode budget is met or ctx
// is cancelled. Cancellation is honored between steps, never
// mid-dispatch, and always attempts a final checkpoint.
func (t *Trainer) Run(ctx context.Context) error {
	t.log.Info().
		Str("run_id", t.runID.String()).
		Uint64("episodes", t.cfg.Episodes).
		Int("batch", t.sim.Lanes()).
		Str("device", t.eng.Info().Name).
		Msg("training started")

	for t.episode < t.cfg.Episodes {
		select {
		case <-ctx.Done():
			t.log.Warn().Msg("interrupted, saving final checkpoint")
			if err := t.saveCheckpoint(); err != nil {
				t.log.Error().Err(err).Msg("final checkpoint failed")
			}
			return ctx.Err()
		default:
		}

		start := time.Now()
		err := t.step()
		if err == nil {
			t.mon.RecordStep(t.sim.Lanes(), time.Since(start))
			t.rec.RecordSuccess()
			if size, grown := t.adj.RecordSuccess(); grown {
				t.log.Info().Int("batch", size).Msg("batch size grown")
				t.resize(size)
			}
			if err := t.maybeValidate(); err != nil {
				return err
			}
			t.maybeCheckpoint()
			continue
		}

		if recoverErr := t.recover(err); recoverErr != nil {
			if ckErr := t.saveCheckpoint(); ckErr != nil {
				t.log.Error().Err(ckErr).Msg("final checkpoint failed")
			}
			return recoverErr
		}
	}

	if err := t.saveCheckpoint(); err != nil {
		return fmt.Errorf("final checkpoint: %w", err)
	}
	t.log.Info().Uint64("episodes", t.episode).Msg("training complete")
	return nil
}

// step runs one batch step: select moves, advance the simulator,
// evaluate afterstates, accumulate TD updates, handle finished lanes.
func (t *Trainer) step() error {
	lanes := t.sim.Lanes()
	t.selectMoves()

	t.sim.Step(t.dirs, &t.stepRes)

	// Evaluate this step's afterstates and compute their tuple indices
	// in one pass each; the indices double as next step's gradient
	// targets.
	t.evalReq.Boards = t.stepRes.Afterstates
	kt := time.Now()
	if err := t.eng.Dispatch(device.KernelEvaluate, &t.evalReq); err != nil {
		return fmt.Errorf("evaluate dispatch: %w", err)
	}
	t.mon.RecordKernel(device.KernelEvaluate.String(), time.Since(kt))

	t.idxReq.Boards = t.stepRes.Afterstates
	kt = time.Now()
	if err := t.eng.Dispatch(device.KernelTupleIndices, &t.idxReq); err != nil {
		return fmt.Errorf("index dispatch: %w", err)
	}
	t.mon.RecordKernel(device.KernelTupleIndices.String(), time.Since(kt))

	// Host-side sequential accumulation; the no-atomics contract.
	for i := 0; i < lanes; i++ {
		if !t.stepRes.Moved[i] {
			// A lane can only sit on a finished board here if a prior
			// step aborted between the simulator commit and the episode
			// bookkeeping. Settle it now.
			if t.sim.Over(i) {
				t.finishEpisode(i)
				t.hasPrev[i] = false
				t.sim.ResetLane(i)
			}
			continue
		}
		v := t.evalReq.Values[i]
		if !isFinite(v) {
			return fmt.Errorf("lane %d value %v: %w", i, v, recovery.ErrOverflow)
		}

		if t.hasPrev[i] {
			tdErr := clampTD(t.stepRes.Rewards[i] + v - t.prevValue[i])
			t.net.AccumulateAtIndices(t.prevIndices[i], tdErr)
		}

		if t.stepRes.Ended[i] {
			// Terminal value is zero by definition; bootstrap the last
			// afterstate against it, then recycle the lane.
			t.net.AccumulateAtIndices(t.idxReq.Indices[i], clampTD(0-v))
			t.finishEpisode(i)
			t.hasPrev[i] = false
			t.sim.ResetLane(i)
			continue
		}

		t.prevValue[i] = v
		t.prevIndices[i] = append(t.prevIndices[i][:0], t.idxReq.Indices[i]...)
		t.hasPrev[i] = true
	}

	t.steps++
	t.pendingGradSteps++
	if t.pendingGradSteps >= t.cfg.GradWindow {
		t.net.ApplyGradients(t.lr)
		t.pendingGradSteps = 0
		if err := t.eng.SyncWeights(t.net); err != nil {
			return fmt.Errorf("weight sync: %w", err)
		}
	}
	return nil
}

// selectMoves runs the afterstate-maximizing policy per lane: the
// direction maximizing reward + V(afterstate), ties to the first
// direction in enumeration order. The 4-way lookahead is a host-side
// trial; four extra dispatches per step would cost more than the
// lookup.
func (t *Trainer) selectMoves() {
	for i := 0; i < t.sim.Lanes(); i++ {
		b := t.sim.Board(i)
		best := game.Up
		bestV := math.Inf(-1)
		for d := game.Up; d < game.NumDirections; d++ {
			mv := game.Apply(b, d)
			if !mv.Moved {
				continue
			}
			v := float64(mv.ScoreDelta) + t.net.Evaluate(mv.Board)
			if v > bestV {
				bestV = v
				best = d
			}
		}
		t.dirs[i] = best
	}
}

// finishEpisode records bookkeeping for a lane whose game just ended.
func (t *Trainer) finishEpisode(lane int) {
	score := t.sim.Score(lane)
	if len(t.recentScores) == scoreWindowSize {
		copy(t.recentScores, t.recentScores[1:])
		t.recentScores = t.recentScores[:scoreWindowSize-1]
	}
	t.recentScores = append(t.recentScores, score)

	var maxExp uint8
	board := t.sim.Board(lane)
	for c := 0; c < 16; c++ {
		if e := board.Cell(c); e > maxExp {
			maxExp = e
		}
	}
	t.milestones[maxExp]++

	t.episode++
	if t.cfg.DecayEnabled {
		if newLR := t.cfg.LearningRateAt(t.episode); newLR != t.lr {
			t.lr = newLR
			t.log.Info().Float64("lr", t.lr).Uint64("episode", t.episode).Msg("learning rate decayed")
		}
	}

	if t.episode%1000 == 0 {
		t.log.Info().
			Uint64("episode", t.episode).
			Float64("score", score).
			Int("max_tile", 1<<maxExp).
			Float64("rate_2048", t.milestoneRate(11)).
			Msg("milestone")
	}
}

// recover applies the recovery table to a failed step. Returns a
// non-nil error only when training cannot continue.
func (t *Trainer) recover(err error) error {
	d := t.rec.Decide(err, t.sim.Lanes())
	t.log.Warn().
		Err(err).
		Str("class", d.Type.String()).
		Str("action", d.Action.String()).
		Int("attempt", d.Attempt).
		Msg("step failed")

	if d.Checkpoint {
		if ckErr := t.saveCheckpoint(); ckErr != nil {
			t.log.Error().Err(ckErr).Msg("emergency checkpoint failed")
		}
	}

	// An aborted step leaves per-lane TD state unreliable; restart the
	// bootstrap rather than learn from half-applied updates.
	t.dropInFlight()

	// Any failure restarts the growth controller's success window; a
	// batch that just failed has not earned a grow.
	t.adj.SetSize(t.sim.Lanes())

	switch d.Action {
	case recovery.ActionRetry:
		return nil
	case recovery.ActionReduceBatch:
		t.log.Warn().Int("batch", d.NewBatchSize).Msg("reducing batch size")
		t.adj.SetSize(d.NewBatchSize)
		t.resize(d.NewBatchSize)
		return nil
	case recovery.ActionClamp:
		clamped := t.net.ClampWeights(weightClampMin, weightClampMax)
		t.log.Warn().Int("clamped", clamped).Msg("clamped weights after numerical overflow")
		return t.eng.SyncWeights(t.net)
	case recovery.ActionRetryWithCheckpoint:
		return nil
	case recovery.ActionFallback:
		return t.fallback()
	}
	return fmt.Errorf("unhandled recovery action %v for %w", d.Action, err)
}

// fallback permanently replaces the active engine with the software
// device for the rest of the run.
func (t *Trainer) fallback() error {
	if t.fellBack {
		return fmt.Errorf("software device also failing, aborting run")
	}
	t.fellBack = true
	old := t.eng.Info()
	if err := t.eng.Dispose(); err != nil {
		t.log.Warn().Err(err).Msg("disposing failed device")
	}
	t.eng = device.NewSoftware(t.net, t.sim.Lanes())
	if err := t.eng.SyncWeights(t.net); err != nil {
		return err
	}
	t.log.Warn().
		Str("from", old.Name).
		Str("to", t.eng.Info().Name).
		Msg("fell back to software device")
	return nil
}

// dropInFlight clears per-lane TD state and pending gradients.
func (t *Trainer) dropInFlight() {
	for i := range t.hasPrev {
		t.hasPrev[i] = false
	}
	if t.pendingGradSteps > 0 {
		// Discard rather than apply: the buffer may hold updates from
		// the failed step.
		t.net.ApplyGradients(0)
		t.pendingGradSteps = 0
	}
}

// resize changes the batch size across the simulator, engine, and
// per-lane state.
func (t *Trainer) resize(lanes int) {
	t.sim.Resize(lanes)
	if err := t.eng.UpdateLaneCount(lanes); err != nil {
		t.log.Warn().Err(err).Msg("engine resize failed")
	}
	t.resizeLaneState(lanes)
}

func (t *Trainer) resizeLaneState(lanes int) {
	for len(t.prevValue) < lanes {
		t.prevValue = append(t.prevValue, 0)
		t.prevIndices = append(t.prevIndices, nil)
		t.hasPrev = append(t.hasPrev, false)
		t.dirs = append(t.dirs, game.Up)
	}
	t.prevValue = t.prevValue[:lanes]
	t.prevIndices = t.prevIndices[:lanes]
	t.hasPrev = t.hasPrev[:lanes]
	t.dirs = t.dirs[:lanes]
}

// maybeValidate runs the device-vs-reference consistency check on its
// episode schedule and applies the configured failure strategy.
// Repeated consecutive failures force a fallback regardless.
func (t *Trainer) maybeValidate() error {
	if t.cfg.ValidationInterval == 0 || t.fellBack {
		return nil
	}
	if t.episode-t.lastValidation < t.cfg.ValidationInterval {
		return nil
	}
	t.lastValidation = t.episode

	cfg := checkpoint.DefaultValidationConfig()
	if t.cfg.ValidationSamples > 0 {
		cfg.Samples = t.cfg.ValidationSamples
	}
	res, err := checkpoint.Validate(t.eng, t.net, cfg, t.rng)
	if err != nil {
		t.log.Error().Err(err).Msg("validation run failed to execute")
		return nil
	}
	if res.Passed {
		t.rec.RecordValidationSuccess()
		t.log.Info().
			Float64("max_err", res.MaxError).
			Float64("consistency", res.MoveConsistency).
			Msg("validation passed")
		return nil
	}

	d := t.rec.Decide(recovery.ErrValidation, t.sim.Lanes())
	t.log.Warn().
		Float64("max_err", res.MaxError).
		Float64("avg_err", res.AvgError).
		Float64("consistency", res.MoveConsistency).
		Int("consecutive", d.Attempt).
		Msg("validation failed")

	if d.Action == recovery.ActionFallback {
		return t.fallback()
	}

	switch t.cfg.FailureStrategy {
	case StrategyIgnore:
	case StrategyWarn, "":
		// Already logged above.
	case StrategyFallback:
		return t.fallback()
	case StrategyError:
		if err := t.saveCheckpoint(); err != nil {
			t.log.Error().Err(err).Msg("checkpoint before abort failed")
		}
		return fmt.Errorf("validation failed (max error %g, consistency %g): %w",
			res.MaxError, res.MoveConsistency, recovery.ErrValidation)
	}
	return nil
}

// maybeCheckpoint persists on the episode schedule. The cursor advances
// only on a successful write.
func (t *Trainer) maybeCheckpoint() {
	if t.cfg.CheckpointInterval == 0 {
		return
	}
	if t.episode-t.lastCheckpoint < t.cfg.CheckpointInterval {
		return
	}
	if err := t.saveCheckpoint(); err != nil {
		t.log.Error().Err(err).Msg("checkpoint failed, will retry next step")
		return
	}
	t.lastCheckpoint = t.episode
}

// saveCheckpoint captures and persists the full training state.
func (t *Trainer) saveCheckpoint() error {
	dev := checkpoint.DeviceState{
		BatchSize:        uint32(t.sim.Lanes()),
		PendingGradSteps: uint32(t.pendingGradSteps),
	}
	if t.pendingGradSteps > 0 {
		dev.Gradients = t.net.GradientTable()
	}
	snap := checkpoint.Capture(t.runID, t.episode, t.steps, t.lr,
		t.recentScores, t.milestones, t.net, dev)
	if err := checkpoint.Save(t.store, t.cfg.CheckpointName, snap); err != nil {
		return err
	}
	t.log.Info().Uint64("episode", t.episode).Msg("checkpoint saved")
	return nil
}

// resume restores a previous run's state from the checkpoint store.
func (t *Trainer) resume() error {
	snap, err := checkpoint.Load(t.store, t.cfg.CheckpointName)
	if errors.Is(err, storage.ErrNotFound) {
		t.log.Info().Msg("no checkpoint found, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if err := snap.Restore(t.net); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	t.runID = snap.RunID
	t.episode = snap.Episode
	t.steps = snap.TotalSteps
	t.lr = snap.LearningRate
	t.recentScores = append(t.recentScores[:0], snap.RecentScores...)
	t.milestones = snap.Milestones
	t.lastCheckpoint = snap.Episode
	t.lastValidation = snap.Episode
	t.pendingGradSteps = int(snap.Device.PendingGradSteps)

	if size := int(snap.Device.BatchSize); size > 0 && size != t.sim.Lanes() {
		t.adj.SetSize(size)
		t.resize(size)
	}
	if err := t.eng.SyncWeights(t.net); err != nil {
		return err
	}
	t.log.Info().
		Uint64("episode", t.episode).
		Float64("lr", t.lr).
		Msg("resumed from checkpoint")
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clampTD(err float64) float64 {
	if err > tdErrorClamp {
		return tdErrorClamp
	}
	if err < -tdErrorClamp {
		return -tdErrorClamp
	}
	return err
}
