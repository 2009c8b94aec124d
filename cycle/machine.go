// Package cycle runs a battery cycling test: an ordered sequence of charge,
// float charge, and discharge phases, each a sampling loop that polls the
// pack, counts coulombs, pushes telemetry, and watches for its termination
// condition, followed unconditionally by a shutdown that leaves the power
// instrument at a safe setpoint.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/battcycle/coulomb"
	"github.com/nasa-jpl/battcycle/util"
)

// VoltageReader reads the pack voltage
type VoltageReader interface {
	Voltage() (float64, error)
}

// CurrentReader reads the pack current, positive into the pack
type CurrentReader interface {
	Current() (float64, error)
}

// Throttle bounds the polling rate of a sampling loop
type Throttle interface {
	Wait(ctx context.Context) error
}

// ThrottleFunc makes a Throttle for an interval
type ThrottleFunc func(interval time.Duration) Throttle

// RateThrottle spaces calls to Wait at least interval apart, measured from
// the previous return
func RateThrottle(interval time.Duration) Throttle {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	lim := rate.NewLimiter(rate.Every(interval), 1)
	// spend the initial token so the first wait is a full interval
	lim.Allow()
	return lim
}

// Config is everything a Machine needs
type Config struct {
	Params TestParameters
	Timing Timing
	Plan   Plan

	Sequencer *Sequencer
	Volts     VoltageReader
	Amps      CurrentReader

	Sink Sink
	Stop StopSignal
	Log  logrus.FieldLogger

	// Elapsed is a monotonic clock reading time since it was made.  Nil uses
	// the wall clock's monotonic reading from the start of Run.
	Elapsed func() time.Duration

	// Throttle makes the inter-sample throttle, nil uses RateThrottle
	Throttle ThrottleFunc
}

// Machine is the phase state machine
type Machine struct {
	Config

	log logrus.FieldLogger
}

// New validates cfg and returns a Machine.  Invalid parameters return an
// error wrapping ErrConfigurationInvalid, before any instrument I/O.
func New(cfg Config) (*Machine, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Timing.Validate(); err != nil {
		return nil, err
	}
	if cfg.Sequencer == nil || cfg.Volts == nil || cfg.Amps == nil {
		return nil, errors.New("cycle: sequencer, voltage reader and current reader are required")
	}
	if cfg.Sink == nil {
		cfg.Sink = discardSink{}
	}
	if cfg.Stop == nil {
		cfg.Stop = never{}
	}
	if cfg.Throttle == nil {
		cfg.Throttle = RateThrottle
	}
	return &Machine{Config: cfg, log: orDiscard(cfg.Log)}, nil
}

// run holds state that crosses phase boundaries
type run struct {
	elapsed     func() time.Duration
	prevVoltage float64
	skipRest    string
}

// Run drives every phase in order and then Shutdown.  Shutdown runs exactly
// once on every path out of Run, including a panic in a sink.
func (m *Machine) Run(ctx context.Context) (rep Report) {
	r := &run{elapsed: m.Elapsed}
	if r.elapsed == nil {
		start := time.Now()
		r.elapsed = func() time.Duration { return time.Since(start) }
	}

	defer func() {
		p := recover()
		m.observe(Shutdown)
		m.log.WithField("phase", Shutdown).Info("entering shutdown")
		rep.Shutdown = m.Sequencer.Shutdown()
		if rep.Shutdown != nil {
			m.log.WithError(rep.Shutdown).Error("shutdown incomplete, check the instrument output")
		}
		if p != nil {
			panic(p)
		}
	}()

	if !stopped(ctx, m.Stop) {
		if err := m.Sequencer.Startup(); err != nil {
			m.log.WithError(err).Error("startup failed, aborting every phase")
			rep.Startup = err
		}
	}

	for _, phase := range Phases {
		var res PhaseResult
		switch {
		case rep.Startup != nil:
			res = PhaseResult{Phase: phase, Outcome: Aborted, Reason: "startup failed", Err: rep.Startup}
		case !m.Plan.Enabled(phase):
			res = PhaseResult{Phase: phase, Outcome: Skipped, Reason: "disabled"}
			m.log.WithField("phase", phase).Info("phase disabled, skipping")
		case r.skipRest != "":
			res = PhaseResult{Phase: phase, Outcome: Skipped, Reason: r.skipRest}
			m.log.WithField("phase", phase).Warnf("%s, skipping phase", r.skipRest)
		case stopped(ctx, m.Stop):
			r.skipRest = "stop requested"
			res = PhaseResult{Phase: phase, Outcome: Skipped, Reason: r.skipRest}
			m.log.WithField("phase", phase).Warn("stop flag set, skipping phase")
		default:
			res = m.runPhase(ctx, phase, r)
			switch res.Outcome {
			case Stopped:
				r.skipRest = "stop requested"
			case Aborted:
				r.skipRest = "earlier phase aborted"
			}
		}
		rep.Results = append(rep.Results, res)
	}
	return rep
}

func (m *Machine) runPhase(ctx context.Context, phase Phase, r *run) (res PhaseResult) {
	log := m.log.WithField("phase", phase)
	res.Phase = phase
	m.observe(phase)
	log.Info("entering phase")

	if err := m.Sequencer.EnterPhase(phase, m.Params); err != nil {
		res.Outcome, res.Reason, res.Err = Aborted, "setup failed", err
		log.WithError(err).Error("phase setup failed, proceeding to shutdown path")
		return res
	}

	timeout := m.Timing.Timeout(phase, m.Params)
	start := r.elapsed()
	ctr := coulomb.Counter{PrevTime: start.Seconds(), PrevVoltage: r.prevVoltage}
	throttle := m.Throttle(m.Timing.Interval(phase))
	log.WithField("timeout", timeout).Debug("phase timeout set")

	defer func() {
		res.Charge = ctr.Charge
		res.Elapsed = r.elapsed() - start
		r.prevVoltage = ctr.PrevVoltage
		entry := log.WithField("outcome", res.Outcome).
			WithField("samples", res.Samples).
			WithField("dropped", res.Dropped).
			WithField("charge", fmt.Sprintf("%.4f Ah", res.Charge))
		switch res.Outcome {
		case Completed:
			entry.Info(res.Reason)
		case Aborted:
			entry.WithError(res.Err).Error(res.Reason)
		default:
			entry.Warn(res.Reason)
		}
	}()

	for {
		v, i, err := m.read()
		switch {
		case err == nil:
			now := r.elapsed()
			step := ctr.Add(now.Seconds(), v, i)
			rec := m.record(phase, now, now-start, v, i, step.Ratio, ctr.Charge)
			m.Sink.OnSample(rec)
			m.Sink.OnProgress(util.DurationToSecs(now-start) / timeout.Seconds())
			res.Samples++
			if done, why := terminated(phase, m.Params, v, i); done {
				res.Outcome, res.Reason = Completed, why
				return res
			}
		case transient(err):
			res.Dropped++
			log.WithError(err).Warn("dropped sample")
		default:
			res.Outcome, res.Reason, res.Err = Aborted, "instrument link failed", err
			return res
		}

		// the limiter refuses waits that would outlive the context, which
		// ends the phase the same as a cancellation
		if err := throttle.Wait(ctx); err != nil || stopped(ctx, m.Stop) {
			res.Outcome, res.Reason = Stopped, "caught the stop flag"
			return res
		}
		if r.elapsed()-start > timeout {
			res.Outcome, res.Reason = TimedOut, fmt.Sprintf("no termination within %s", timeout)
			return res
		}
	}
}

// read polls voltage then current
func (m *Machine) read() (float64, float64, error) {
	v, err := m.Volts.Voltage()
	if err != nil {
		return 0, 0, err
	}
	i, err := m.Amps.Current()
	if err != nil {
		return 0, 0, err
	}
	return v, i, nil
}

func (m *Machine) record(phase Phase, now, inPhase time.Duration, v, i, ratio, charge float64) SampleRecord {
	discharging := phase == Discharge
	return SampleRecord{
		Phase:         phase,
		Time:          now.Seconds(),
		DischargeTime: undefinedUnless(discharging, inPhase.Seconds()),
		Voltage:       v,
		Current:       i,
		Charge:        charge,
		AhPerV:        ratio,
		SoC:           coulomb.SoC(charge, m.Params.NominalCapacity, discharging),
	}
}

// terminated evaluates the termination predicate of phase
func terminated(phase Phase, p TestParameters, v, i float64) (bool, string) {
	switch phase {
	case Charge:
		return v >= p.ChargeVoltage, "pack charged"
	case FloatCharge:
		return i <= p.FloatCurrent, "float current tapered off"
	case Discharge:
		return v <= p.DischargeVoltage, "pack discharged"
	}
	return false, ""
}

func (m *Machine) observe(p Phase) {
	if o, ok := m.Sink.(PhaseObserver); ok {
		o.OnPhase(p)
	}
}

func orDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log != nil {
		return log
	}
	l := logrus.New()
	l.Out = io.Discard
	return l
}
