package perf

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHistogramBuckets(t *testing.T) {
	h := newHistogram()
	h.Record(10 * time.Microsecond)
	h.Record(100 * time.Microsecond)
	h.Record(2 * time.Second)

	if h.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", h.Samples)
	}
	if h.Counts[0] != 1 || h.Counts[1] != 1 {
		t.Errorf("bucket counts = %v", h.Counts)
	}
	if h.Overflow != 1 {
		t.Errorf("Overflow = %d, want 1", h.Overflow)
	}
	if h.Min != 10*time.Microsecond || h.Max != 2*time.Second {
		t.Errorf("Min/Max = %v/%v", h.Min, h.Max)
	}
}

func TestThroughput(t *testing.T) {
	m := NewMonitor(zerolog.Nop(), 0)
	for i := 0; i < 10; i++ {
		m.RecordStep(64, time.Millisecond)
	}
	s := m.Snapshot(1)
	if s.Steps != 10 || s.Moves != 640 {
		t.Errorf("Steps %d Moves %d, want 10 and 640", s.Steps, s.Moves)
	}
	if s.MovesPerSecond <= 0 {
		t.Error("MovesPerSecond not positive")
	}
}

func TestDegradationWarning(t *testing.T) {
	m := NewMonitor(zerolog.Nop(), 2)

	// Fast baseline, then a sustained slowdown beyond 2x.
	for i := 0; i < 32; i++ {
		m.RecordStep(1, time.Millisecond)
	}
	if m.Snapshot(1).Degraded {
		t.Fatal("degraded with uniform step times")
	}
	for i := 0; i < 32; i++ {
		m.RecordStep(1, 10*time.Millisecond)
	}
	if !m.Snapshot(1).Degraded {
		t.Fatal("sustained 10x slowdown not flagged")
	}
}

func TestReportMentionsKernels(t *testing.T) {
	m := NewMonitor(zerolog.Nop(), 0)
	m.RecordKernel("evaluate", time.Millisecond)
	m.RecordStep(8, 2*time.Millisecond)

	report := m.Report(4, m.Memory(1<<20, 1<<19, 1<<10))
	for _, want := range []string{"evaluate", "moves/s", "memory:"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

func TestSpeedupCappedByShards(t *testing.T) {
	m := NewMonitor(zerolog.Nop(), 0)
	m.RecordKernel("evaluate", 100*time.Millisecond)
	m.RecordStep(64, time.Millisecond)
	s := m.Snapshot(8)
	if s.Speedup > 8 {
		t.Errorf("Speedup %v exceeds shard count", s.Speedup)
	}
	if s.Utilization > 1 {
		t.Errorf("Utilization %v exceeds 1", s.Utilization)
	}
}
