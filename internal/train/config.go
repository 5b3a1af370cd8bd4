package train

import (
	"fmt"
	"math"

	"github.com/hailam/tupletrain/internal/device"
)

// FailureStrategy is how the trainer reacts to a failed validation run.
// Repeated consecutive failures force a fallback regardless of the
// configured strategy.
type FailureStrategy string

const (
	StrategyIgnore   FailureStrategy = "ignore"
	StrategyWarn     FailureStrategy = "warn"
	StrategyFallback FailureStrategy = "fallback"
	StrategyError    FailureStrategy = "error"
)

// Config is the immutable training configuration, passed by value.
type Config struct {
	Episodes     uint64  // total completed-episode budget
	LearningRate float64 // initial learning rate

	DecayEnabled  bool
	DecayRate     float64 // multiplier per decay interval
	DecayInterval uint64  // episodes per decay step

	BatchSize    int
	MinBatchSize int
	MaxBatchSize int

	GradWindow int // steps between gradient applications

	CheckpointInterval uint64 // episodes between checkpoints
	CheckpointName     string
	ValidationInterval uint64 // episodes between validation runs
	ValidationSamples  int
	FailureStrategy    FailureStrategy

	OptimisticInit float64 // initial weight constant, 0 for cold start
	Device         device.Selection
	Seed           int64
	Resume         bool
}

// DefaultConfig returns a workable baseline configuration.
func DefaultConfig() Config {
	return Config{
		Episodes:           100000,
		LearningRate:       0.1,
		DecayEnabled:       true,
		DecayRate:          0.9,
		DecayInterval:      10000,
		BatchSize:          128,
		MinBatchSize:       1,
		MaxBatchSize:       4096,
		GradWindow:         1,
		CheckpointInterval: 1000,
		CheckpointName:     "train",
		ValidationInterval: 5000,
		ValidationSamples:  64,
		FailureStrategy:    StrategyWarn,
		Device:             device.SelectAuto,
	}
}

// Validate checks the configuration before any resources are created.
func (c Config) Validate() error {
	if c.Episodes == 0 {
		return fmt.Errorf("train: episode budget must be positive")
	}
	if c.LearningRate <= 0 || math.IsNaN(c.LearningRate) {
		return fmt.Errorf("train: learning rate %v must be positive", c.LearningRate)
	}
	if c.DecayEnabled {
		if c.DecayRate <= 0 || c.DecayRate > 1 {
			return fmt.Errorf("train: decay rate %v must be in (0,1]", c.DecayRate)
		}
		if c.DecayInterval == 0 {
			return fmt.Errorf("train: decay interval must be positive when decay is enabled")
		}
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("train: batch size %d must be positive", c.BatchSize)
	}
	if c.MinBatchSize <= 0 || c.MinBatchSize > c.BatchSize {
		return fmt.Errorf("train: min batch size %d must be in [1,%d]", c.MinBatchSize, c.BatchSize)
	}
	if c.MaxBatchSize < c.BatchSize {
		return fmt.Errorf("train: max batch size %d below batch size %d", c.MaxBatchSize, c.BatchSize)
	}
	if c.GradWindow <= 0 {
		return fmt.Errorf("train: gradient window %d must be positive", c.GradWindow)
	}
	if c.CheckpointName == "" {
		return fmt.Errorf("train: checkpoint name must not be empty")
	}
	switch c.FailureStrategy {
	case StrategyIgnore, StrategyWarn, StrategyFallback, StrategyError, "":
	default:
		return fmt.Errorf("train: unknown failure strategy %q", c.FailureStrategy)
	}
	return nil
}

// LearningRateAt returns lr0 * decay^floor(episode/interval) when decay
// is enabled, lr0 otherwise.
func (c Config) LearningRateAt(episode uint64) float64 {
	if !c.DecayEnabled {
		return c.LearningRate
	}
	return c.LearningRate * math.Pow(c.DecayRate, float64(episode/c.DecayInterval))
}
