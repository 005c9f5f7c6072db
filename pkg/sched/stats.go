package sched

// Stat identifies one per-output scheduling statistic.
type Stat int

const (
	// StatSwitchInputToInput counts context switches between two inputs.
	StatSwitchInputToInput Stat = iota
	// StatSwitchInputToIdle counts switches from an input to the idle state.
	StatSwitchInputToIdle
	// StatSwitchIdleToInput counts switches from idle back to an input.
	StatSwitchIdleToInput
	// StatSwitchNop counts re-dispatches that kept the same input.
	StatSwitchNop
	// StatQuantumPreempts counts switches forced by quantum expiry.
	StatQuantumPreempts
	// StatDirectSwitchAttempts counts direct-switch markers processed.
	StatDirectSwitchAttempts
	// StatDirectSwitchSuccesses counts direct switches that reached their
	// target.
	StatDirectSwitchSuccesses
	// StatMigrations counts inputs resuming on a different output than they
	// last ran on.
	StatMigrations

	numStats
)

func (s Stat) String() string {
	switch s {
	case StatSwitchInputToInput:
		return "switch_input_to_input"
	case StatSwitchInputToIdle:
		return "switch_input_to_idle"
	case StatSwitchIdleToInput:
		return "switch_idle_to_input"
	case StatSwitchNop:
		return "switch_nop"
	case StatQuantumPreempts:
		return "quantum_preempts"
	case StatDirectSwitchAttempts:
		return "direct_switch_attempts"
	case StatDirectSwitchSuccesses:
		return "direct_switch_successes"
	case StatMigrations:
		return "migrations"
	default:
		return "unknown"
	}
}
