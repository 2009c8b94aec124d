// Package boss drives a bipolar programmable supply/load over its ASCII
// command set.  The instrument sources or sinks current into the pack in
// current mode, or holds a terminal voltage in voltage mode, and can measure
// both quantities at the output.
//
// Every command is answered.  Setup commands echo themselves, measurements
// answer with a number, and each reply is followed by an "ok" line.
package boss

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/battcycle/comm"
	"github.com/nasa-jpl/battcycle/cycle"
	"github.com/nasa-jpl/battcycle/mathx"
)

const (
	// BacktalkOff stops unsolicited status output
	BacktalkOff = "SB0"

	// Remote puts the front panel under bus control
	Remote = "SR"

	// Local returns control to the front panel
	Local = "SL"

	// CurrentMode regulates the output current
	CurrentMode = "SI"

	// VoltageMode regulates the output voltage
	VoltageMode = "SV"

	// Zero is the current setpoint of a safe output
	Zero = "PC0"

	// MeasureVoltage and MeasureCurrent read the output, V and A
	MeasureVoltage = "MV"
	MeasureCurrent = "MI"

	// QueryMode asks which regulation mode is active
	QueryMode = "?M"

	// DefaultLimit is the rail limit code for one quarter of full scale
	DefaultLimit = 0x40

	// resolution of a programmed setpoint
	resolution = 0.001
)

// Ack is the acknowledgement line that trails every reply.  ">" is the prompt
// some firmware prints after it.
var Ack = []string{"ok", ">"}

// SetLimit programs the rail limit as a full-scale code, 0x00-0xFF
func SetLimit(code int) string {
	return fmt.Sprintf("PL+%02X", int(mathx.Clamp(float64(code), 0, 0xFF)))
}

// SetCurrent programs the current setpoint, positive into the pack
func SetCurrent(amps float64) string {
	return fmt.Sprintf("PC%+.3f", mathx.Round(amps, resolution))
}

// SetVoltage programs the voltage setpoint
func SetVoltage(volts float64) string {
	return fmt.Sprintf("PV%+.3f", mathx.Round(volts, resolution))
}

// Limits are the rail limit codes used in each phase
type Limits struct {
	Charge    int `koanf:"Charge" yaml:"Charge"`
	Float     int `koanf:"Float" yaml:"Float"`
	Discharge int `koanf:"Discharge" yaml:"Discharge"`
}

// DefaultLimits uses DefaultLimit in every phase
func DefaultLimits() Limits {
	return Limits{Charge: DefaultLimit, Float: DefaultLimit, Discharge: DefaultLimit}
}

// Dialect renders the command text for the cycle sequencer
type Dialect struct {
	Limits Limits

	// StayRemote leaves the instrument in remote mode after shutdown
	StayRemote bool
}

// Startup satisfies cycle.Dialect
func (d Dialect) Startup() []string {
	return []string{BacktalkOff, Remote}
}

// SelectMode satisfies cycle.Dialect
func (d Dialect) SelectMode(m cycle.Mode) string {
	if m == cycle.VoltageMode {
		return VoltageMode
	}
	return CurrentMode
}

// ProgramLimit satisfies cycle.Dialect
func (d Dialect) ProgramLimit(p cycle.Phase) string {
	switch p {
	case cycle.FloatCharge:
		return SetLimit(d.Limits.Float)
	case cycle.Discharge:
		return SetLimit(d.Limits.Discharge)
	default:
		return SetLimit(d.Limits.Charge)
	}
}

// ProgramCurrent satisfies cycle.Dialect
func (d Dialect) ProgramCurrent(amps float64) string { return SetCurrent(amps) }

// ProgramVoltage satisfies cycle.Dialect
func (d Dialect) ProgramVoltage(volts float64) string { return SetVoltage(volts) }

// Zero satisfies cycle.Dialect
func (d Dialect) Zero() string { return Zero }

// Local satisfies cycle.Dialect
func (d Dialect) Local() string {
	if d.StayRemote {
		return ""
	}
	return Local
}

// Supply reads the pack through the instrument's output measurements
type Supply struct {
	Ch  cycle.Channel
	log logrus.FieldLogger
}

// NewSupply returns a Supply talking over ch
func NewSupply(ch cycle.Channel, log logrus.FieldLogger) *Supply {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Supply{Ch: ch, log: log}
}

// Voltage satisfies cycle.VoltageReader
func (s *Supply) Voltage() (float64, error) {
	return s.measure(MeasureVoltage)
}

// Current satisfies cycle.CurrentReader
func (s *Supply) Current() (float64, error) {
	return s.measure(MeasureCurrent)
}

// Mode returns "I" or "V" for the active regulation mode
func (s *Supply) Mode() (string, error) {
	resp, err := s.Ch.Query(QueryMode)
	s.drain(QueryMode)
	if err != nil {
		return "", err
	}
	resp = strings.ToUpper(strings.TrimSpace(resp))
	switch {
	case strings.HasSuffix(resp, "I"):
		return "I", nil
	case strings.HasSuffix(resp, "V"):
		return "V", nil
	}
	return "", fmt.Errorf("%w: mode %q", comm.ErrGarbled, resp)
}

// measure queries cmd and always drains the trailing acknowledgement, so a
// late or garbled reply cannot be read as the next measurement
func (s *Supply) measure(cmd string) (float64, error) {
	f, err := s.Ch.QueryFloat(cmd)
	s.drain(cmd)
	return f, err
}

func (s *Supply) drain(cmd string) {
	n, err := s.Ch.Drain()
	if err != nil {
		s.log.WithField("cmd", cmd).WithError(err).Warn("drain after measurement failed")
		return
	}
	if n > 1 {
		s.log.WithField("cmd", cmd).WithField("lines", n).Debug("extra residue after measurement")
	}
}
