package cycle

import (
	"fmt"
	"time"

	"github.com/nasa-jpl/battcycle/util"
)

// TestParameters describe the pack under test and the cycle to run on it.
// They are fixed for the duration of a run.
type TestParameters struct {
	// NominalCapacity is the rated capacity, Ah
	NominalCapacity float64 `koanf:"NominalCapacity" yaml:"NominalCapacity"`

	// ChargeRate and DischargeRate are C-rates, fractions of capacity per hour
	ChargeRate    float64 `koanf:"ChargeRate" yaml:"ChargeRate"`
	DischargeRate float64 `koanf:"DischargeRate" yaml:"DischargeRate"`

	// ChargeVoltage ends Charge, V
	ChargeVoltage float64 `koanf:"ChargeVoltage" yaml:"ChargeVoltage"`

	// FloatVoltage is held during FloatCharge, V
	FloatVoltage float64 `koanf:"FloatVoltage" yaml:"FloatVoltage"`

	// FloatCurrent ends FloatCharge once the taper falls to it, A
	FloatCurrent float64 `koanf:"FloatCurrent" yaml:"FloatCurrent"`

	// DischargeVoltage ends Discharge, V
	DischargeVoltage float64 `koanf:"DischargeVoltage" yaml:"DischargeVoltage"`
}

// DefaultParameters match the 17 Ah pack the rig was built around
func DefaultParameters() TestParameters {
	return TestParameters{
		NominalCapacity:  17,
		ChargeRate:       0.2,
		DischargeRate:    0.2,
		ChargeVoltage:    4.0,
		FloatVoltage:     4.0,
		FloatCurrent:     0.34,
		DischargeVoltage: 3.65,
	}
}

// Validate checks that every rate, voltage, and the capacity is strictly
// positive and that the discharge limit sits below the charge limit.
// Failures wrap ErrConfigurationInvalid.
func (p TestParameters) Validate() error {
	positive := []struct {
		name string
		v    float64
	}{
		{"nominal capacity", p.NominalCapacity},
		{"charge rate", p.ChargeRate},
		{"discharge rate", p.DischargeRate},
		{"charge voltage", p.ChargeVoltage},
		{"float voltage", p.FloatVoltage},
		{"float current", p.FloatCurrent},
		{"discharge voltage", p.DischargeVoltage},
	}
	for _, f := range positive {
		// written so NaN fails too
		if !(f.v > 0) {
			return fmt.Errorf("%w: %s must be > 0, got %v", ErrConfigurationInvalid, f.name, f.v)
		}
	}
	if p.DischargeVoltage >= p.ChargeVoltage {
		return fmt.Errorf("%w: discharge voltage %v must be below charge voltage %v",
			ErrConfigurationInvalid, p.DischargeVoltage, p.ChargeVoltage)
	}
	return nil
}

// ChargeCurrent is the Charge setpoint, positive, A
func (p TestParameters) ChargeCurrent() float64 {
	return p.ChargeRate * p.NominalCapacity
}

// DischargeCurrent is the Discharge setpoint, negative, A
func (p TestParameters) DischargeCurrent() float64 {
	return -p.DischargeRate * p.NominalCapacity
}

// rate is the C-rate that paces phase
func (p TestParameters) rate(phase Phase) float64 {
	if phase == Discharge {
		return p.DischargeRate
	}
	return p.ChargeRate
}

// Timing holds the pacing constants of a run
type Timing struct {
	// intervals between samples; a throttle on the polling rate, not a
	// precision timer
	ChargeInterval    time.Duration `koanf:"ChargeInterval" yaml:"ChargeInterval"`
	FloatInterval     time.Duration `koanf:"FloatInterval" yaml:"FloatInterval"`
	DischargeInterval time.Duration `koanf:"DischargeInterval" yaml:"DischargeInterval"`

	// hard timeouts are factor × the time it takes to move the nominal
	// capacity at the phase's C-rate
	ChargeTimeoutFactor    float64 `koanf:"ChargeTimeoutFactor" yaml:"ChargeTimeoutFactor"`
	FloatTimeoutFactor     float64 `koanf:"FloatTimeoutFactor" yaml:"FloatTimeoutFactor"`
	DischargeTimeoutFactor float64 `koanf:"DischargeTimeoutFactor" yaml:"DischargeTimeoutFactor"`

	// RetryDelay is the pause before the single retry of a phase-entry command
	RetryDelay time.Duration `koanf:"RetryDelay" yaml:"RetryDelay"`
}

// DefaultTiming returns the pacing the rig normally runs with
func DefaultTiming() Timing {
	return Timing{
		ChargeInterval:         500 * time.Millisecond,
		FloatInterval:          time.Second,
		DischargeInterval:      500 * time.Millisecond,
		ChargeTimeoutFactor:    1.5,
		FloatTimeoutFactor:     1.5,
		DischargeTimeoutFactor: 1.3,
		RetryDelay:             250 * time.Millisecond,
	}
}

// Validate checks that every timeout factor is strictly positive and that no
// interval or retry delay is negative.  Failures wrap ErrConfigurationInvalid.
func (t Timing) Validate() error {
	for _, p := range Phases {
		// written so NaN fails too
		if f := t.factor(p); !(f > 0) {
			return fmt.Errorf("%w: %s timeout factor must be > 0, got %v", ErrConfigurationInvalid, p, f)
		}
		if t.Interval(p) < 0 {
			return fmt.Errorf("%w: %s interval must not be negative", ErrConfigurationInvalid, p)
		}
	}
	if t.RetryDelay < 0 {
		return fmt.Errorf("%w: retry delay must not be negative", ErrConfigurationInvalid)
	}
	return nil
}

// Interval is the inter-sample interval of phase
func (t Timing) Interval(phase Phase) time.Duration {
	switch phase {
	case Charge:
		return t.ChargeInterval
	case FloatCharge:
		return t.FloatInterval
	default:
		return t.DischargeInterval
	}
}

func (t Timing) factor(phase Phase) float64 {
	switch phase {
	case Charge:
		return t.ChargeTimeoutFactor
	case FloatCharge:
		return t.FloatTimeoutFactor
	default:
		return t.DischargeTimeoutFactor
	}
}

// Timeout is the hard timeout of phase for the given parameters: factor
// times the time it takes to move the nominal capacity at the phase's
// C-rate, factor × 3600 / rate seconds.  Capacity cancels against the
// C-rate; factor × capacity / rate would come out in Ah·h, not time.
func (t Timing) Timeout(phase Phase, p TestParameters) time.Duration {
	return util.SecsToDuration(t.factor(phase) * 3600 / p.rate(phase))
}

// Plan says which phases run.  Disabled phases are reported as Skipped, the
// order of the rest is unchanged.
type Plan struct {
	Charge    bool `koanf:"Charge" yaml:"Charge"`
	Float     bool `koanf:"Float" yaml:"Float"`
	Discharge bool `koanf:"Discharge" yaml:"Discharge"`
}

// FullCycle runs every phase
func FullCycle() Plan {
	return Plan{Charge: true, Float: true, Discharge: true}
}

// Enabled reports whether phase runs under the plan
func (p Plan) Enabled(phase Phase) bool {
	switch phase {
	case Charge:
		return p.Charge
	case FloatCharge:
		return p.Float
	case Discharge:
		return p.Discharge
	}
	return false
}
