// Package perf collects kernel timings, throughput and memory estimates
// for a training run and flags performance degradation.
package perf

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
)

// bucketBounds are the histogram bucket upper bounds for kernel timing.
var bucketBounds = []time.Duration{
	50 * time.Microsecond,
	200 * time.Microsecond,
	1 * time.Millisecond,
	5 * time.Millisecond,
	20 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
}

// Histogram is a fixed-bucket duration histogram.
type Histogram struct {
	Counts   []uint64
	Overflow uint64
	Total    time.Duration
	Min      time.Duration
	Max      time.Duration
	Samples  uint64
}

func newHistogram() *Histogram {
	return &Histogram{Counts: make([]uint64, len(bucketBounds))}
}

// Record adds one sample.
func (h *Histogram) Record(d time.Duration) {
	h.Samples++
	h.Total += d
	if h.Samples == 1 || d < h.Min {
		h.Min = d
	}
	if d > h.Max {
		h.Max = d
	}
	for i, bound := range bucketBounds {
		if d <= bound {
			h.Counts[i]++
			return
		}
	}
	h.Overflow++
}

// Mean returns the average sample duration.
func (h *Histogram) Mean() time.Duration {
	if h.Samples == 0 {
		return 0
	}
	return h.Total / time.Duration(h.Samples)
}

// MemoryBreakdown estimates where the run's memory lives.
type MemoryBreakdown struct {
	NetworkBytes   uint64 // float64 master weights + float32 gradients
	DeviceBytes    uint64 // float32 mirror + staged lanes
	SimulatorBytes uint64 // per-lane game state
	SystemUsed     uint64 // whole-system used memory at sample time
	SystemTotal    uint64
}

// Stats is a point-in-time summary of the run's performance.
type Stats struct {
	Steps          uint64
	Moves          uint64
	Elapsed        time.Duration
	MovesPerSecond float64
	Shards         int
	Speedup        float64 // observed lane time vs 1-shard estimate
	Utilization    float64 // speedup / shards
	Degraded       bool
}

// Monitor accumulates timings for one training run. Not safe for
// concurrent use; the trainer loop is single-threaded.
type Monitor struct {
	log     zerolog.Logger
	started time.Time

	kernels map[string]*Histogram
	steps   uint64
	moves   uint64

	stepTotal time.Duration
	bestStep  time.Duration
	recent    [32]time.Duration
	recentIdx int

	degradeFactor float64
	degraded      bool
}

// NewMonitor creates a monitor. degradeFactor is how many times slower
// the recent average step may be than the best observed step before a
// degradation warning fires (0 uses 3x).
func NewMonitor(log zerolog.Logger, degradeFactor float64) *Monitor {
	if degradeFactor <= 1 {
		degradeFactor = 3
	}
	return &Monitor{
		log:           log,
		started:       time.Now(),
		kernels:       make(map[string]*Histogram),
		degradeFactor: degradeFactor,
	}
}

// RecordKernel adds one kernel execution sample.
func (m *Monitor) RecordKernel(name string, d time.Duration) {
	h, ok := m.kernels[name]
	if !ok {
		h = newHistogram()
		m.kernels[name] = h
	}
	h.Record(d)
}

// Kernel returns the histogram for a kernel name, nil when never seen.
func (m *Monitor) Kernel(name string) *Histogram { return m.kernels[name] }

// RecordStep adds one full training step covering the given lane count.
func (m *Monitor) RecordStep(lanes int, d time.Duration) {
	m.steps++
	m.moves += uint64(lanes)
	m.stepTotal += d

	if m.bestStep == 0 || d < m.bestStep {
		m.bestStep = d
	}
	m.recent[m.recentIdx] = d
	m.recentIdx = (m.recentIdx + 1) % len(m.recent)

	if m.steps >= uint64(len(m.recent)) {
		var sum time.Duration
		for _, r := range m.recent {
			sum += r
		}
		avg := sum / time.Duration(len(m.recent))
		wasDegraded := m.degraded
		m.degraded = avg > time.Duration(float64(m.bestStep)*m.degradeFactor)
		if m.degraded && !wasDegraded {
			m.log.Warn().
				Dur("recent_avg", avg).
				Dur("best", m.bestStep).
				Msg("step time degraded")
		}
	}
}

// Snapshot computes the current stats given the active shard count.
func (m *Monitor) Snapshot(shards int) Stats {
	elapsed := time.Since(m.started)
	s := Stats{
		Steps:   m.steps,
		Moves:   m.moves,
		Elapsed: elapsed,
		Shards:  shards,
	}
	if elapsed > 0 {
		s.MovesPerSecond = float64(m.moves) / elapsed.Seconds()
	}

	// Speedup estimate: sequential cost is approximated by the summed
	// kernel time had it run on one shard.
	if m.stepTotal > 0 && shards > 1 {
		var kernelTotal time.Duration
		for _, h := range m.kernels {
			kernelTotal += h.Total
		}
		sequential := time.Duration(float64(kernelTotal) * float64(shards))
		if kernelTotal > 0 {
			s.Speedup = float64(sequential) / float64(m.stepTotal)
			if s.Speedup > float64(shards) {
				s.Speedup = float64(shards)
			}
			s.Utilization = s.Speedup / float64(shards)
		}
	} else {
		s.Speedup = 1
		s.Utilization = 1
	}
	s.Degraded = m.degraded
	return s
}

// Memory samples the current memory breakdown. Component sizes come
// from the caller because only it knows the live objects.
func (m *Monitor) Memory(networkBytes, deviceBytes, simBytes uint64) MemoryBreakdown {
	b := MemoryBreakdown{
		NetworkBytes:   networkBytes,
		DeviceBytes:    deviceBytes,
		SimulatorBytes: simBytes,
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		b.SystemUsed = vm.Used
		b.SystemTotal = vm.Total
	}
	return b
}

// Report renders a human-readable summary.
func (m *Monitor) Report(shards int, memory MemoryBreakdown) string {
	s := m.Snapshot(shards)
	var sb strings.Builder

	fmt.Fprintf(&sb, "steps %d, moves %d, %.0f moves/s over %s\n",
		s.Steps, s.Moves, s.MovesPerSecond, s.Elapsed.Round(time.Second))
	fmt.Fprintf(&sb, "shards %d, speedup %.2fx, utilization %.0f%%\n",
		s.Shards, s.Speedup, s.Utilization*100)
	fmt.Fprintf(&sb, "memory: network %s, device %s, simulator %s, system %s/%s\n",
		humanize.IBytes(memory.NetworkBytes),
		humanize.IBytes(memory.DeviceBytes),
		humanize.IBytes(memory.SimulatorBytes),
		humanize.IBytes(memory.SystemUsed),
		humanize.IBytes(memory.SystemTotal))

	for name, h := range m.kernels {
		fmt.Fprintf(&sb, "kernel %s: n=%d mean=%s min=%s max=%s\n",
			name, h.Samples, h.Mean(), h.Min, h.Max)
	}
	if s.Degraded {
		sb.WriteString("warning: step time degraded relative to best observed\n")
	}
	return sb.String()
}
