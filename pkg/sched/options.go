// Package sched maps recorded per-thread execution traces onto a configurable
// number of output streams, modeling OS context switching: priorities,
// quanta, blocking system calls, direct-switch requests, and regions of
// interest. A schedule can be recorded to a side stream and replayed exactly,
// or the as-traced schedule can be reproduced.
package sched

import (
	"errors"

	"github.com/rdseq/iontrace/pkg/memtrace"
)

// Status is the per-call result of Stream.Next and friends.
type Status int

const (
	// StatusOK means a record was delivered.
	StatusOK Status = iota
	// StatusWait means no record is ready; the consumer should call again.
	StatusWait
	// StatusIdle means the output models an idle core this call.
	StatusIdle
	// StatusSkipped is internal: the caller loops without delivering.
	StatusSkipped
	// StatusEOF means this output has no further records.
	StatusEOF
	// StatusNotImplemented means the operation is unsupported in this mode.
	StatusNotImplemented
	// StatusInvalid means an internal logic error or invalid request.
	StatusInvalid
	// StatusRegionInvalid means a region of interest was out of bounds.
	StatusRegionInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWait:
		return "wait"
	case StatusIdle:
		return "idle"
	case StatusSkipped:
		return "skipped"
	case StatusEOF:
		return "eof"
	case StatusNotImplemented:
		return "not_implemented"
	case StatusRegionInvalid:
		return "region_invalid"
	default:
		return "invalid"
	}
}

// Error kinds returned from initialization and stream operations.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrFileOpen         = errors.New("file open failed")
	ErrFileRead         = errors.New("file read failed")
	ErrFileWrite        = errors.New("file write failed")
	ErrRangeInvalid     = errors.New("invalid range")
	ErrRegionInvalid    = errors.New("invalid region of interest")
	ErrNotImplemented   = errors.New("not implemented")
	ErrInternal         = errors.New("internal scheduler error")
)

// MappingMode selects how inputs are assigned to outputs.
type MappingMode int

const (
	// MapToAnyOutput dispatches dynamically from a shared ready queue.
	MapToAnyOutput MappingMode = iota
	// MapToConsistentOutput statically partitions inputs across outputs.
	MapToConsistentOutput
	// MapToRecordedOutput reproduces the as-traced schedule: one output
	// interleaves by oldest timestamp; multiple outputs require the
	// companion as-traced schedule stream.
	MapToRecordedOutput
	// MapAsPreviously replays a schedule recorded by a prior run.
	MapAsPreviously
)

func (m MappingMode) String() string {
	switch m {
	case MapToAnyOutput:
		return "any"
	case MapToConsistentOutput:
		return "consistent"
	case MapToRecordedOutput:
		return "recorded"
	case MapAsPreviously:
		return "replay"
	default:
		return "unknown"
	}
}

// DependencyMode selects cross-input ordering constraints.
type DependencyMode int

const (
	// DependencyIgnore imposes no timestamp ordering.
	DependencyIgnore DependencyMode = iota
	// DependencyTimestamps prefers inputs with smaller relative timestamps
	// and enforces timestamp ordering across outputs during replay.
	DependencyTimestamps
)

// QuantumUnit selects how a scheduling quantum is measured.
type QuantumUnit int

const (
	// QuantumInstructions measures the quantum in instructions.
	QuantumInstructions QuantumUnit = iota
	// QuantumTime measures the quantum in consumer-supplied time units.
	QuantumTime
)

// SwitchKind distinguishes the kernel switch sequences injected at input
// transitions.
type SwitchKind int

const (
	SwitchInvalid SwitchKind = iota
	SwitchThread
	SwitchProcess
)

// Options configures a Scheduler. Use DefaultOptions as a starting point;
// New validates the combination.
type Options[R any] struct {
	Mapping    MappingMode
	Dependency DependencyMode

	QuantumUnit           QuantumUnit
	QuantumDurationInstrs uint64
	QuantumDurationUs     uint64
	// TimeUnitsPerUs scales consumer-supplied time units to microseconds.
	TimeUnitsPerUs float64

	// SyscallSwitchThresholdUs is the syscall latency at which a plain
	// syscall is modeled as blocking.
	SyscallSwitchThresholdUs uint64
	// BlockingSwitchThresholdUs is the latency threshold for syscalls
	// flagged maybe-blocking.
	BlockingSwitchThresholdUs uint64
	// BlockTimeMultiplier scales observed latency into modeled block time.
	BlockTimeMultiplier float64
	// BlockTimeMaxUs caps modeled block time.
	BlockTimeMaxUs uint64

	// HonorDirectSwitches enables direct-switch, unschedule, and schedule
	// markers.
	HonorDirectSwitches bool
	// RandomizeNextInput picks a uniformly random runnable entry instead of
	// the queue head.
	RandomizeNextInput bool
	// RandomSeed seeds the randomized pick for reproducibility.
	RandomSeed int64
	// ReadInputsInInit reads each input's headers (and first timestamp when
	// needed) during New. Required for timestamp dependencies.
	ReadInputsInInit bool
	// SingleLockstepOutput interleaves all outputs' records onto one stream
	// in rotation.
	SingleLockstepOutput bool

	// RecordSchedule retains schedule segments for WriteRecordedSchedule.
	RecordSchedule bool
	// ReplaySchedule supplies a previously recorded schedule, one segment
	// list per output, for MapAsPreviously.
	ReplaySchedule [][]memtrace.Segment
	// ReplayAsTraced supplies the as-traced per-cpu schedule stream for
	// MapToRecordedOutput with multiple outputs, and for resolving
	// times-of-interest.
	ReplayAsTraced []memtrace.CPUEntry

	// KernelSwitchSequences holds record sequences injected at each
	// input-to-input transition, keyed by switch kind.
	KernelSwitchSequences map[SwitchKind][]R
}

// DefaultOptions returns options modeling a plain dynamic schedule.
func DefaultOptions[R any]() Options[R] {
	return Options[R]{
		Mapping:                   MapToAnyOutput,
		Dependency:                DependencyIgnore,
		QuantumUnit:               QuantumInstructions,
		QuantumDurationInstrs:     10 * 1000 * 1000,
		QuantumDurationUs:         5000,
		TimeUnitsPerUs:            100,
		SyscallSwitchThresholdUs:  30000,
		BlockingSwitchThresholdUs: 500,
		BlockTimeMultiplier:       10,
		BlockTimeMaxUs:            250000,
		HonorDirectSwitches:       true,
		ReadInputsInInit:          true,
	}
}

func (o *Options[R]) validate() error {
	if o.Mapping == MapToRecordedOutput {
		// Reproducing the observed interleaving is inherently
		// timestamp-ordered.
		o.Dependency = DependencyTimestamps
	}
	if o.TimeUnitsPerUs <= 0 {
		return errors.New("time units per microsecond must be > 0")
	}
	if o.QuantumDurationUs == 0 {
		return errors.New("quantum duration must be > 0")
	}
	if o.QuantumUnit == QuantumInstructions && o.QuantumDurationInstrs == 0 {
		return errors.New("instruction quantum duration must be > 0")
	}
	if o.BlockTimeMultiplier == 0 {
		return errors.New("block time multiplier must be != 0")
	}
	if o.BlockTimeMaxUs == 0 {
		return errors.New("block time max must be > 0")
	}
	if o.Mapping == MapAsPreviously {
		// Re-recording while replaying is allowed: it normalizes a schedule
		// file's timestamps.
		if o.ReplaySchedule == nil {
			return errors.New("replay mapping requires a recorded schedule")
		}
	} else if o.ReplaySchedule != nil {
		return errors.New("recorded schedule supplied without replay mapping")
	}
	if o.Dependency == DependencyTimestamps && !o.ReadInputsInInit {
		return errors.New("timestamp dependencies require reading inputs during init")
	}
	return nil
}
