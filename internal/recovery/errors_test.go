package recovery

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, Unknown},
		{"wrapped oom sentinel", fmt.Errorf("dispatch: %w", ErrOutOfMemory), OutOfMemory},
		{"oom message", errors.New("buffer allocation failed"), OutOfMemory},
		{"device lost message", errors.New("GPU device lost during submit"), DeviceLost},
		{"init message", errors.New("failed to initialize adapter"), InitializationError},
		{"nan message", errors.New("value is NaN after update"), NumericalOverflow},
		{"validation message", errors.New("validation mismatch on sample 3"), ValidationError},
		{"kernel message", errors.New("kernel launch timed out"), KernelError},
		{"opaque", errors.New("something odd"), Unknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

// TestOOMCascade pins the documented scenario: batch 64, halving with a
// floor of 1, proposes 32, 16, ..., 1, then fallback.
func TestOOMCascade(t *testing.T) {
	m := NewManager(Config{MinBatchSize: 1})

	size := 64
	want := []int{32, 16, 8, 4, 2, 1}
	for _, next := range want {
		d := m.Decide(ErrOutOfMemory, size)
		if d.Action != ActionReduceBatch {
			t.Fatalf("at size %d: action %v, want reduce_batch", size, d.Action)
		}
		if d.NewBatchSize != next {
			t.Fatalf("at size %d: proposed %d, want %d", size, d.NewBatchSize, next)
		}
		if !d.Checkpoint {
			t.Fatalf("at size %d: reduce without checkpoint", size)
		}
		size = d.NewBatchSize
	}

	d := m.Decide(ErrOutOfMemory, size)
	if d.Action != ActionFallback {
		t.Fatalf("at the floor: action %v, want fallback", d.Action)
	}
}

func TestKernelErrorBoundedRetry(t *testing.T) {
	m := NewManager(Config{MaxRetries: 3})

	for i := 1; i <= 3; i++ {
		d := m.Decide(ErrKernel, 32)
		if d.Action != ActionRetry {
			t.Fatalf("attempt %d: action %v, want retry", i, d.Action)
		}
		if d.Attempt != i {
			t.Fatalf("attempt %d reported as %d", i, d.Attempt)
		}
	}
	if d := m.Decide(ErrKernel, 32); d.Action != ActionFallback {
		t.Fatalf("after retry budget: action %v, want fallback", d.Action)
	}
}

func TestRetryStreakResetsOnSuccess(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.Decide(ErrKernel, 32)
	m.Decide(ErrKernel, 32)
	m.RecordSuccess()
	if d := m.Decide(ErrKernel, 32); d.Attempt != 1 {
		t.Errorf("attempt after success = %d, want 1", d.Attempt)
	}
}

func TestDeviceLostImmediateFallback(t *testing.T) {
	m := NewManager(DefaultConfig())
	for _, err := range []error{ErrDeviceLost, ErrInit} {
		d := m.Decide(err, 32)
		if d.Action != ActionFallback || !d.Checkpoint {
			t.Errorf("%v: decision %+v, want checkpointed fallback", err, d)
		}
	}
}

func TestOverflowClampThenFallback(t *testing.T) {
	m := NewManager(Config{MaxConsecutiveOverflows: 2})
	if d := m.Decide(ErrOverflow, 32); d.Action != ActionClamp {
		t.Fatalf("first overflow: %v, want clamp", d.Action)
	}
	if d := m.Decide(ErrOverflow, 32); d.Action != ActionClamp {
		t.Fatalf("second overflow: %v, want clamp", d.Action)
	}
	if d := m.Decide(ErrOverflow, 32); d.Action != ActionFallback {
		t.Fatalf("third overflow: %v, want fallback", d.Action)
	}
}

// TestValidationEscalation pins the scenario: three consecutive
// validation failures with the limit at three force a fallback.
func TestValidationEscalation(t *testing.T) {
	m := NewManager(Config{MaxConsecutiveValidErrs: 3})

	for i := 1; i <= 2; i++ {
		d := m.Decide(ErrValidation, 32)
		if d.Action != ActionRetryWithCheckpoint {
			t.Fatalf("failure %d: action %v, want retry_with_checkpoint", i, d.Action)
		}
		if !d.Checkpoint {
			t.Fatalf("failure %d: no checkpoint requested", i)
		}
	}
	if d := m.Decide(ErrValidation, 32); d.Action != ActionFallback {
		t.Fatalf("third failure: action %v, want fallback", d.Action)
	}
}

// Steps succeed between validation runs, so only a passing validation
// may clear the validation streak.
func TestValidationStreakSurvivesStepSuccess(t *testing.T) {
	m := NewManager(Config{MaxConsecutiveValidErrs: 3})
	m.Decide(ErrValidation, 32)
	m.Decide(ErrValidation, 32)
	m.RecordSuccess()
	if d := m.Decide(ErrValidation, 32); d.Action != ActionFallback {
		t.Errorf("third failure after step success: action %v, want fallback", d.Action)
	}

	m.RecordValidationSuccess()
	if d := m.Decide(ErrValidation, 32); d.Attempt != 1 {
		t.Errorf("attempt after validation success = %d, want 1", d.Attempt)
	}
}

func TestAdjusterGrowth(t *testing.T) {
	pressure := 0.2
	a := NewBatchSizeAdjuster(AdjusterConfig{
		MinBatchSize:      1,
		MaxBatchSize:      100,
		GrowthFactor:      1.25,
		ShrinkFactor:      0.5,
		SuccessWindow:     10,
		PressureThreshold: 0.85,
	}, 64, func() float64 { return pressure })

	for i := 0; i < 9; i++ {
		if _, changed := a.RecordSuccess(); changed {
			t.Fatal("grew before the success window filled")
		}
	}
	size, changed := a.RecordSuccess()
	if !changed || size != 80 {
		t.Fatalf("after window: size %d changed %v, want 80 grown", size, changed)
	}

	// The cap binds.
	for i := 0; i < 10; i++ {
		size, _ = a.RecordSuccess()
	}
	if size != 100 {
		t.Fatalf("size %d, want capped at 100", size)
	}
}

func TestAdjusterRespectsPressure(t *testing.T) {
	pressure := 0.95
	a := NewBatchSizeAdjuster(AdjusterConfig{
		MinBatchSize:      1,
		MaxBatchSize:      1000,
		SuccessWindow:     5,
		GrowthFactor:      1.25,
		ShrinkFactor:      0.5,
		PressureThreshold: 0.85,
	}, 64, func() float64 { return pressure })

	for i := 0; i < 5; i++ {
		if _, changed := a.RecordSuccess(); changed {
			t.Fatal("grew under memory pressure")
		}
	}

	pressure = 0.3
	for i := 0; i < 5; i++ {
		a.RecordSuccess()
	}
	if a.Size() != 80 {
		t.Fatalf("size %d after pressure cleared, want 80", a.Size())
	}
}

func TestAdjusterShrinksOnFailure(t *testing.T) {
	a := NewBatchSizeAdjuster(DefaultAdjusterConfig(), 64, func() float64 { return 0 })

	size, changed := a.RecordFailure()
	if !changed || size != 32 {
		t.Fatalf("after failure: size %d, want 32", size)
	}
	for i := 0; i < 10; i++ {
		size, _ = a.RecordFailure()
	}
	if size != 1 {
		t.Fatalf("size %d after repeated failures, want floored at 1", size)
	}
}
