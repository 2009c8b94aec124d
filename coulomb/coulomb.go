// Package coulomb does the charge bookkeeping of a battery test: rectangular
// integration of current over time, the incremental charge/voltage ratio, and
// state of charge.
//
// Time is elapsed seconds on a monotonic clock, current is signed amperes with
// positive meaning charge flowing into the pack, charge is ampere-hours.
package coulomb

import "math"

const secondsPerHour = 3600

// Undefined is the sentinel for a quantity that has no value at a sample,
// plotting treats it as "omit point"
func Undefined() float64 {
	return math.NaN()
}

// IsUndefined reports whether x is the Undefined sentinel
func IsUndefined(x float64) bool {
	return math.IsNaN(x)
}

// Integrate returns the charge delivered by current over (prevTime, time],
// in Ah
func Integrate(prevTime, time, current float64) float64 {
	return current * (time - prevTime) / secondsPerHour
}

// Accumulate adds a charge increment to a running total
func Accumulate(running, delta float64) float64 {
	return running + delta
}

// Ratio is the incremental charge per volt, dQ/dV in Ah/V.  It is Undefined
// when deltaVoltage is exactly zero.
func Ratio(deltaCharge, deltaVoltage float64) float64 {
	if deltaVoltage == 0.0 {
		return Undefined()
	}
	return deltaCharge / deltaVoltage
}

// SoC is the state of charge in percent.  It is only defined while
// discharging, where running charge is negative and counts down from 100% at
// full toward 0% as it approaches -nominal.  Outside discharge it is Undefined.
func SoC(running, nominal float64, discharging bool) float64 {
	if !discharging {
		return Undefined()
	}
	return 100 * (1 + running/nominal)
}

// Counter holds the integrator state a sampling loop carries between samples:
// the previous timestamp, the previous voltage, and the running charge.
type Counter struct {
	PrevTime    float64
	PrevVoltage float64
	Charge      float64
}

// Step is the result of feeding one sample to a Counter
type Step struct {
	DeltaTime    float64
	DeltaCharge  float64
	DeltaVoltage float64
	Ratio        float64
}

// Add feeds a (time, voltage, current) sample to the counter and advances
// its baselines
func (c *Counter) Add(time, voltage, current float64) Step {
	dq := Integrate(c.PrevTime, time, current)
	dv := voltage - c.PrevVoltage
	s := Step{
		DeltaTime:    time - c.PrevTime,
		DeltaCharge:  dq,
		DeltaVoltage: dv,
		Ratio:        Ratio(dq, dv),
	}
	c.Charge = Accumulate(c.Charge, dq)
	c.PrevTime = time
	c.PrevVoltage = voltage
	return s
}
