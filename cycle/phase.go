package cycle

import "time"

// Phase is one operating phase of a cycling run
type Phase int

const (
	// Charge is constant-current charge up to the charge voltage
	Charge Phase = iota
	// FloatCharge is constant-voltage charge until the current tapers off
	FloatCharge
	// Discharge is constant-current discharge down to the discharge voltage
	Discharge
	// Shutdown returns the instrument to a safe state
	Shutdown
)

// Phases is the order phases run in
var Phases = []Phase{Charge, FloatCharge, Discharge}

func (p Phase) String() string {
	switch p {
	case Charge:
		return "charge"
	case FloatCharge:
		return "float"
	case Discharge:
		return "discharge"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Mode is the regulation mode of the power instrument
type Mode int

const (
	// CurrentMode regulates output current
	CurrentMode Mode = iota
	// VoltageMode regulates output voltage
	VoltageMode
)

func (m Mode) String() string {
	if m == VoltageMode {
		return "voltage"
	}
	return "current"
}

// Mode returns the control mode a phase runs in
func (p Phase) Mode() Mode {
	if p == FloatCharge {
		return VoltageMode
	}
	return CurrentMode
}

// Outcome is how a phase ended
type Outcome int

const (
	// Completed means the termination predicate fired
	Completed Outcome = iota
	// Skipped means the phase never started, because the stop signal was
	// already set or the phase is disabled
	Skipped
	// TimedOut means the hard phase timeout elapsed first
	TimedOut
	// Stopped means the stop signal arrived during the phase
	Stopped
	// Aborted means phase setup failed or the instrument link broke
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Skipped:
		return "skipped"
	case TimedOut:
		return "timed out"
	case Stopped:
		return "stopped"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// PhaseResult records how a phase went
type PhaseResult struct {
	Phase   Phase
	Outcome Outcome

	// Reason is a human readable termination reason
	Reason string

	// Samples is the number of records emitted, Dropped the number of
	// iterations lost to protocol timeouts
	Samples int
	Dropped int

	// Charge is the running charge at phase exit, Ah
	Charge float64

	Elapsed time.Duration
	Err     error
}

// Report is the outcome of a whole run
type Report struct {
	Results  []PhaseResult
	Startup  error
	Shutdown error
}

// Result returns the result for phase p and whether it ran through the state
// machine at all
func (r Report) Result(p Phase) (PhaseResult, bool) {
	for _, res := range r.Results {
		if res.Phase == p {
			return res, true
		}
	}
	return PhaseResult{}, false
}

// MarshalText encodes the phase by name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
