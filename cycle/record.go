package cycle

import "github.com/nasa-jpl/battcycle/coulomb"

// Columns is the column schema of a SampleRecord, in the order Values
// returns them
var Columns = []string{"Time", "Discharge_time", "Voltage", "Current", "Charge", "Ah_V", "SoC"}

// SampleRecord is one polled observation.  Quantities without a value at this
// sample carry coulomb.Undefined.
type SampleRecord struct {
	Phase Phase `json:"phase"`

	// Time is seconds since the start of the run
	Time float64 `json:"time"`

	// DischargeTime is seconds since the start of Discharge, Undefined in
	// other phases
	DischargeTime float64 `json:"dischargeTime"`

	Voltage float64 `json:"voltage"`

	// Current is signed, positive into the pack
	Current float64 `json:"current"`

	// Charge is the running charge of the current phase, Ah
	Charge float64 `json:"charge"`

	// AhPerV is the incremental charge/voltage ratio
	AhPerV float64 `json:"ahPerV"`

	// SoC is state of charge in percent, Undefined outside Discharge
	SoC float64 `json:"soc"`
}

// Values returns the record's columns in the order of Columns
func (r SampleRecord) Values() []float64 {
	return []float64{r.Time, r.DischargeTime, r.Voltage, r.Current, r.Charge, r.AhPerV, r.SoC}
}

// Sink receives telemetry.  OnSample and OnProgress are called once per
// emitted sample, in that order.  A sink must return well within the sample
// interval or the sampling cadence skews.
type Sink interface {
	OnSample(SampleRecord)
	OnProgress(fraction float64)
}

// PhaseObserver is implemented by sinks that want to know when a phase starts
type PhaseObserver interface {
	OnPhase(Phase)
}

type discardSink struct{}

func (discardSink) OnSample(SampleRecord) {}
func (discardSink) OnProgress(float64)    {}

func undefinedUnless(ok bool, v float64) float64 {
	if ok {
		return v
	}
	return coulomb.Undefined()
}
