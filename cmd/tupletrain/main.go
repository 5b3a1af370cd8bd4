package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hailam/tupletrain/internal/device"
	"github.com/hailam/tupletrain/internal/storage"
	"github.com/hailam/tupletrain/internal/train"
)

var (
	episodes    = flag.Uint64("episodes", 100000, "episode budget for this run")
	lr          = flag.Float64("lr", 0.1, "initial learning rate")
	decay       = flag.Bool("decay", true, "enable learning rate decay")
	decayRate   = flag.Float64("decay-rate", 0.9, "learning rate multiplier per decay interval")
	decayEvery  = flag.Uint64("decay-interval", 10000, "episodes per decay step")
	batch       = flag.Int("batch", 128, "starting batch size (concurrent games)")
	minBatch    = flag.Int("min-batch", 1, "batch size floor")
	maxBatch    = flag.Int("max-batch", 4096, "batch size ceiling")
	gradWindow  = flag.Int("grad-window", 1, "steps between gradient applications")
	ckptEvery   = flag.Uint64("checkpoint-interval", 1000, "episodes between checkpoints, 0 disables")
	ckptName    = flag.String("checkpoint-name", "train", "checkpoint name within the store")
	validEvery  = flag.Uint64("validation-interval", 5000, "episodes between validation runs, 0 disables")
	validN      = flag.Int("validation-samples", 64, "boards per validation run")
	onValidFail = flag.String("on-validation-failure", "warn", "ignore, warn, fallback or error")
	optimistic  = flag.Float64("optimistic", 0, "initial weight constant, positive to encourage exploration")
	deviceSel   = flag.String("device", "auto", "auto, parallel or software")
	seed        = flag.Int64("seed", 0, "rng seed, 0 for time-based")
	resume      = flag.Bool("resume", false, "resume from the latest checkpoint")
	dataDir     = flag.String("data-dir", "", "override the checkpoint/weights directory")
	weightsOut  = flag.String("weights-out", "", "weight file to export on completion")
	verbose     = flag.Bool("v", false, "debug logging")
	cpuprofile  = flag.String("cpuprofile", "", "write cpu profile to file")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()
	if !*verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	profilePath := *cpuprofile
	if profilePath == "" {
		profilePath = os.Getenv("CPUPROFILE")
	}
	if profilePath != "" {
		f, err := os.Create(profilePath)
		if err != nil {
			log.Fatal().Err(err).Msg("could not create CPU profile")
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
		log.Info().Str("path", profilePath).Msg("CPU profiling enabled")
	}

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("training failed")
	}
}

func run(log zerolog.Logger) error {
	cfg := train.Config{
		Episodes:           *episodes,
		LearningRate:       *lr,
		DecayEnabled:       *decay,
		DecayRate:          *decayRate,
		DecayInterval:      *decayEvery,
		BatchSize:          *batch,
		MinBatchSize:       *minBatch,
		MaxBatchSize:       *maxBatch,
		GradWindow:         *gradWindow,
		CheckpointInterval: *ckptEvery,
		CheckpointName:     *ckptName,
		ValidationInterval: *validEvery,
		ValidationSamples:  *validN,
		FailureStrategy:    train.FailureStrategy(*onValidFail),
		OptimisticInit:     *optimistic,
		Device:             device.Selection(*deviceSel),
		Seed:               *seed,
		Resume:             *resume,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := *dataDir
	if dir == "" {
		var err error
		dir, err = storage.CheckpointDir()
		if err != nil {
			return fmt.Errorf("checkpoint dir: %w", err)
		}
	}
	store, err := storage.OpenBadger(dir)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()
	log.Info().Str("dir", dir).Msg("checkpoint store open")

	tr, err := train.New(cfg, store, log)
	if err != nil {
		return err
	}

	// A first interrupt requests a graceful stop; the trainer finishes
	// the in-flight step and checkpoints. A second one kills the
	// process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := tr.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	fmt.Fprint(os.Stderr, tr.Report())

	out := *weightsOut
	if out == "" {
		wdir, err := storage.WeightsDir()
		if err != nil {
			return fmt.Errorf("weights dir: %w", err)
		}
		out = filepath.Join(wdir, fmt.Sprintf("tuples-%s.ntw", tr.RunID()))
	}
	if err := tr.Network().SaveWeights(out, tr.Metadata()); err != nil {
		return fmt.Errorf("export weights: %w", err)
	}
	log.Info().Str("path", out).Uint64("episodes", tr.Episode()).Msg("weights exported")
	return nil
}
