package cycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// Channel is a request/response link to an instrument
type Channel interface {
	// Write sends a command with no expectation of a reply
	Write(cmd string) error

	// Query sends a command and blocks for one reply line
	Query(cmd string) (string, error)

	// QueryFloat sends a command and parses a single numeric reply
	QueryFloat(cmd string) (float64, error)

	// Drain discards buffered input until the remote goes quiet and returns
	// the number of lines discarded
	Drain() (int, error)
}

// Dialect renders the power instrument's command text
type Dialect interface {
	// Startup commands put the instrument under remote control
	Startup() []string

	// SelectMode switches between current and voltage regulation
	SelectMode(Mode) string

	// ProgramLimit sets the rail limit used during phase
	ProgramLimit(Phase) string

	// ProgramCurrent and ProgramVoltage set the output setpoint
	ProgramCurrent(amps float64) string
	ProgramVoltage(volts float64) string

	// Zero is the safe output setpoint
	Zero() string

	// Local returns the instrument to front panel control, "" if there is no
	// such command
	Local() string
}

// Sequencer issues the ordered setup commands of each phase
type Sequencer struct {
	Ch      Channel
	Dialect Dialect

	// RetryDelay is the pause before the single retry of a failed command
	RetryDelay time.Duration

	log logrus.FieldLogger
}

// NewSequencer returns a Sequencer driving ch with d
func NewSequencer(ch Channel, d Dialect, retryDelay time.Duration, log logrus.FieldLogger) *Sequencer {
	return &Sequencer{Ch: ch, Dialect: d, RetryDelay: retryDelay, log: orDiscard(log)}
}

// Startup sends the dialect's startup commands and resynchronizes
func (s *Sequencer) Startup() error {
	for _, cmd := range s.Dialect.Startup() {
		s.log.WithField("cmd", cmd).Info("startup")
		if err := s.Ch.Write(cmd); err != nil {
			return fmt.Errorf("startup %s: %w", cmd, err)
		}
		if err := s.drain(); err != nil {
			return err
		}
	}
	return nil
}

// EnterPhase programs the instrument for phase: drain, select the control
// mode, drain, program the rail limit, drain, program the setpoint, drain.
// A command whose echo times out is retried once; a second failure returns
// ErrInstrumentUnresponsive.
func (s *Sequencer) EnterPhase(phase Phase, p TestParameters) error {
	log := s.log.WithField("phase", phase)
	if err := s.drain(); err != nil {
		return err
	}

	mode := phase.Mode()
	log.WithField("mode", mode).Info("selecting control mode")
	if err := s.send(s.Dialect.SelectMode(mode)); err != nil {
		return err
	}
	if err := s.drain(); err != nil {
		return err
	}

	log.Info("programming limit")
	if err := s.send(s.Dialect.ProgramLimit(phase)); err != nil {
		return err
	}
	if err := s.drain(); err != nil {
		return err
	}

	var setpoint string
	switch phase {
	case Charge:
		log.Infof("charging at %.3f A", p.ChargeCurrent())
		setpoint = s.Dialect.ProgramCurrent(p.ChargeCurrent())
	case FloatCharge:
		log.Infof("floating at %.3f V", p.FloatVoltage)
		setpoint = s.Dialect.ProgramVoltage(p.FloatVoltage)
	case Discharge:
		log.Infof("discharging at %.3f A", -p.DischargeCurrent())
		setpoint = s.Dialect.ProgramCurrent(p.DischargeCurrent())
	default:
		return fmt.Errorf("no setpoint for phase %s", phase)
	}
	if err := s.send(setpoint); err != nil {
		return err
	}
	return s.drain()
}

// Shutdown returns the output to zero in current mode and hands the
// instrument back to local control.  Every step is attempted even if an
// earlier one failed; the failures are joined.
func (s *Sequencer) Shutdown() error {
	log := s.log.WithField("phase", Shutdown)
	var errs []error
	step := func(what, cmd string) {
		if cmd == "" {
			return
		}
		log.WithField("cmd", cmd).Info(what)
		if err := s.send(cmd); err != nil {
			log.WithError(err).Warn(what + " failed, continuing")
			errs = append(errs, err)
		}
		if _, err := s.Ch.Drain(); err != nil {
			log.WithError(err).Warn("drain failed, continuing")
		}
	}
	step("selecting current mode", s.Dialect.SelectMode(CurrentMode))
	step("setting current to zero", s.Dialect.Zero())
	step("returning local control", s.Dialect.Local())
	return errors.Join(errs...)
}

// send issues cmd and reads its echo, retrying once on a protocol timeout
func (s *Sequencer) send(cmd string) error {
	attempt := 0
	op := func() error {
		attempt++
		echo, err := s.Ch.Query(cmd)
		if err == nil {
			s.log.WithField("cmd", cmd).WithField("echo", echo).Debug("echo")
			return nil
		}
		if transient(err) {
			s.log.WithField("cmd", cmd).WithField("attempt", attempt).WithError(err).Warn("no echo")
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.RetryDelay), 1)
	err := backoff.Retry(op, b)
	if err == nil {
		return nil
	}
	if transient(err) {
		return fmt.Errorf("%w: %s failed %d times: %v", ErrInstrumentUnresponsive, cmd, attempt, err)
	}
	return fmt.Errorf("%s: %w", cmd, err)
}

func (s *Sequencer) drain() error {
	n, err := s.Ch.Drain()
	if err != nil {
		return fmt.Errorf("draining stale input: %w", err)
	}
	if n > 0 {
		s.log.WithField("lines", n).Debug("purged stale input")
	}
	return nil
}
