package recovery

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// AdjusterConfig tunes the adaptive batch-size controller.
type AdjusterConfig struct {
	MinBatchSize      int
	MaxBatchSize      int
	GrowthFactor      float64 // applied after SuccessWindow clean steps
	ShrinkFactor      float64 // applied on any failure signal
	SuccessWindow     int     // consecutive successes before a grow attempt
	PressureThreshold float64 // grow only while memory use stays below this
}

// DefaultAdjusterConfig returns the documented defaults.
func DefaultAdjusterConfig() AdjusterConfig {
	return AdjusterConfig{
		MinBatchSize:      1,
		MaxBatchSize:      4096,
		GrowthFactor:      1.25,
		ShrinkFactor:      0.5,
		SuccessWindow:     100,
		PressureThreshold: 0.85,
	}
}

// MemoryPressureFunc reports current memory use as a 0..1 fraction.
// Swappable so tests can steer the controller deterministically.
type MemoryPressureFunc func() float64

// BatchSizeAdjuster is a continuous control loop over the batch size,
// independent of error-driven recovery: it grows the batch after a
// window of clean steps while memory pressure allows, and shrinks
// immediately on any failure signal.
type BatchSizeAdjuster struct {
	cfg       AdjusterConfig
	pressure  MemoryPressureFunc
	size      int
	successes int
}

// NewBatchSizeAdjuster creates the controller at the given starting
// size. A nil pressure function uses the system probe.
func NewBatchSizeAdjuster(cfg AdjusterConfig, start int, pressure MemoryPressureFunc) *BatchSizeAdjuster {
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 1
	}
	if cfg.MaxBatchSize < cfg.MinBatchSize {
		cfg.MaxBatchSize = cfg.MinBatchSize
	}
	if cfg.GrowthFactor <= 1 {
		cfg.GrowthFactor = 1.25
	}
	if cfg.ShrinkFactor <= 0 || cfg.ShrinkFactor >= 1 {
		cfg.ShrinkFactor = 0.5
	}
	if cfg.SuccessWindow <= 0 {
		cfg.SuccessWindow = 100
	}
	if cfg.PressureThreshold <= 0 || cfg.PressureThreshold > 1 {
		cfg.PressureThreshold = 0.85
	}
	if pressure == nil {
		pressure = SystemMemoryPressure
	}
	size := clamp(start, cfg.MinBatchSize, cfg.MaxBatchSize)
	return &BatchSizeAdjuster{cfg: cfg, pressure: pressure, size: size}
}

// Size returns the controller's current batch size.
func (a *BatchSizeAdjuster) Size() int { return a.size }

// SetSize overrides the size, used when error recovery resizes the
// batch out from under the controller.
func (a *BatchSizeAdjuster) SetSize(n int) {
	a.size = clamp(n, a.cfg.MinBatchSize, a.cfg.MaxBatchSize)
	a.successes = 0
}

// RecordSuccess notes one clean step. After SuccessWindow consecutive
// successes it attempts a grow; the attempt is skipped (and the window
// restarted) when memory pressure is at or above the threshold.
// Returns the new size and whether it changed.
func (a *BatchSizeAdjuster) RecordSuccess() (int, bool) {
	a.successes++
	if a.successes < a.cfg.SuccessWindow {
		return a.size, false
	}
	a.successes = 0

	if a.size >= a.cfg.MaxBatchSize {
		return a.size, false
	}
	if a.pressure() >= a.cfg.PressureThreshold {
		return a.size, false
	}

	grown := int(float64(a.size) * a.cfg.GrowthFactor)
	if grown <= a.size {
		grown = a.size + 1
	}
	if grown > a.cfg.MaxBatchSize {
		grown = a.cfg.MaxBatchSize
	}
	a.size = grown
	return a.size, true
}

// RecordFailure shrinks immediately and restarts the success window.
// Returns the new size and whether it changed.
func (a *BatchSizeAdjuster) RecordFailure() (int, bool) {
	a.successes = 0
	shrunk := int(float64(a.size) * a.cfg.ShrinkFactor)
	if shrunk < a.cfg.MinBatchSize {
		shrunk = a.cfg.MinBatchSize
	}
	changed := shrunk != a.size
	a.size = shrunk
	return a.size, changed
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// SystemMemoryPressure samples this process's RSS against total system
// memory. Probe failures report zero pressure rather than blocking
// growth on unreadable systems.
func SystemMemoryPressure() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return 0
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return float64(vm.Used) / float64(vm.Total)
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return float64(vm.Used) / float64(vm.Total)
	}
	return float64(info.RSS) / float64(vm.Total)
}
