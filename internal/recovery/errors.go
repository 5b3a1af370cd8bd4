// Package recovery classifies runtime failures and decides how training
// continues: retry, shrink the batch, clamp weights, or abandon the
// active device for the software fallback. It also owns the adaptive
// batch-size controller that runs independently of error handling.
package recovery

import (
	"errors"
	"strings"
)

// ErrorType is the failure classification driving the recovery table.
type ErrorType int

const (
	Unknown ErrorType = iota
	OutOfMemory
	KernelError
	DeviceLost
	InitializationError
	NumericalOverflow
	ValidationError
)

// String returns the classification name.
func (t ErrorType) String() string {
	switch t {
	case OutOfMemory:
		return "out_of_memory"
	case KernelError:
		return "kernel_error"
	case DeviceLost:
		return "device_lost"
	case InitializationError:
		return "initialization_error"
	case NumericalOverflow:
		return "numerical_overflow"
	case ValidationError:
		return "validation_error"
	}
	return "unknown"
}

// Sentinel errors components can wrap to get an exact classification
// without relying on message text.
var (
	ErrOutOfMemory   = errors.New("out of memory")
	ErrKernel        = errors.New("kernel execution failed")
	ErrDeviceLost    = errors.New("device lost")
	ErrInit          = errors.New("device initialization failed")
	ErrOverflow      = errors.New("numerical overflow")
	ErrValidation    = errors.New("validation mismatch")
)

// Classify inspects a failure and assigns an ErrorType. Wrapped
// sentinels are checked first; otherwise the message text is searched,
// because errors crossing the device boundary arrive as opaque strings.
func Classify(err error) ErrorType {
	if err == nil {
		return Unknown
	}
	switch {
	case errors.Is(err, ErrOutOfMemory):
		return OutOfMemory
	case errors.Is(err, ErrKernel):
		return KernelError
	case errors.Is(err, ErrDeviceLost):
		return DeviceLost
	case errors.Is(err, ErrInit):
		return InitializationError
	case errors.Is(err, ErrOverflow):
		return NumericalOverflow
	case errors.Is(err, ErrValidation):
		return ValidationError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "out of memory", "oom", "allocation failed", "cannot allocate"):
		return OutOfMemory
	case containsAny(msg, "device lost", "device removed", "device disposed"):
		return DeviceLost
	case containsAny(msg, "initialization", "failed to initialize", "probe failed"):
		return InitializationError
	case containsAny(msg, "overflow", "nan", "infinite", "not finite"):
		return NumericalOverflow
	case containsAny(msg, "validation", "mismatch", "inconsistent"):
		return ValidationError
	case containsAny(msg, "kernel", "dispatch", "shader", "pipeline"):
		return KernelError
	}
	return Unknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Action is what the trainer should do next.
type Action int

const (
	// ActionRetry repeats the failed step unchanged.
	ActionRetry Action = iota
	// ActionReduceBatch retries after halving the batch size.
	ActionReduceBatch
	// ActionClamp clamps network weights, then retries.
	ActionClamp
	// ActionRetryWithCheckpoint saves an emergency checkpoint, then
	// retries.
	ActionRetryWithCheckpoint
	// ActionFallback abandons the active device for the software
	// engine, permanently for the rest of the run.
	ActionFallback
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionReduceBatch:
		return "reduce_batch"
	case ActionClamp:
		return "clamp"
	case ActionRetryWithCheckpoint:
		return "retry_with_checkpoint"
	case ActionFallback:
		return "fallback"
	}
	return "unknown"
}

// Decision is one recovery step: the action, the batch size to use
// next, and whether in-flight progress will be discarded (which obliges
// the trainer to checkpoint first).
type Decision struct {
	Type          ErrorType
	Action        Action
	NewBatchSize  int
	Checkpoint    bool
	Attempt       int
}

// Config bounds the recovery behavior.
type Config struct {
	MaxRetries              int // bounded retry budget per failure streak
	MinBatchSize            int
	MaxConsecutiveOverflows int
	MaxConsecutiveValidErrs int
}

// DefaultConfig mirrors the documented recovery table defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		MinBatchSize:            1,
		MaxConsecutiveOverflows: 3,
		MaxConsecutiveValidErrs: 3,
	}
}

// Manager applies the recovery table. It tracks consecutive failures of
// each type; any successful step resets the streaks.
type Manager struct {
	cfg Config

	retries      int
	overflows    int
	validErrs    int
}

// NewManager creates a recovery manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 1
	}
	if cfg.MaxConsecutiveOverflows <= 0 {
		cfg.MaxConsecutiveOverflows = 3
	}
	if cfg.MaxConsecutiveValidErrs <= 0 {
		cfg.MaxConsecutiveValidErrs = 3
	}
	return &Manager{cfg: cfg}
}

// RecordSuccess resets the per-step failure streaks. The validation
// streak counts consecutive validation runs, not steps, so only a
// passing validation clears it.
func (m *Manager) RecordSuccess() {
	m.retries = 0
	m.overflows = 0
}

// RecordValidationSuccess resets the consecutive-validation-failure
// streak.
func (m *Manager) RecordValidationSuccess() {
	m.validErrs = 0
}

// Decide maps a failure to the next recovery step given the current
// batch size.
//
// The table:
//
//	OutOfMemory          halve batch (floor MinBatchSize); at the floor,
//	                     fall back
//	KernelError/Unknown  bounded retry, then fall back
//	DeviceLost/Init      immediate fallback, not retryable
//	NumericalOverflow    clamp and continue, bounded, then fall back
//	ValidationError      retry with checkpoint, escalating to fallback
//
// Every decision that discards in-flight progress sets Checkpoint.
func (m *Manager) Decide(err error, batchSize int) Decision {
	t := Classify(err)
	d := Decision{Type: t, NewBatchSize: batchSize}

	switch t {
	case OutOfMemory:
		if batchSize <= m.cfg.MinBatchSize {
			d.Action = ActionFallback
			d.Checkpoint = true
			return d
		}
		half := batchSize / 2
		if half < m.cfg.MinBatchSize {
			half = m.cfg.MinBatchSize
		}
		d.Action = ActionReduceBatch
		d.NewBatchSize = half
		d.Checkpoint = true
		return d

	case DeviceLost, InitializationError:
		d.Action = ActionFallback
		d.Checkpoint = true
		return d

	case NumericalOverflow:
		m.overflows++
		d.Attempt = m.overflows
		if m.overflows > m.cfg.MaxConsecutiveOverflows {
			d.Action = ActionFallback
			d.Checkpoint = true
			return d
		}
		d.Action = ActionClamp
		return d

	case ValidationError:
		m.validErrs++
		d.Attempt = m.validErrs
		if m.validErrs >= m.cfg.MaxConsecutiveValidErrs {
			d.Action = ActionFallback
			d.Checkpoint = true
			return d
		}
		d.Action = ActionRetryWithCheckpoint
		d.Checkpoint = true
		return d

	default: // KernelError, Unknown
		m.retries++
		d.Attempt = m.retries
		if m.retries > m.cfg.MaxRetries {
			d.Action = ActionFallback
			d.Checkpoint = true
			return d
		}
		d.Action = ActionRetry
		return d
	}
}
