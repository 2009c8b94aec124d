package boss

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/battcycle/comm"
	"github.com/nasa-jpl/battcycle/cycle"
)

var fast = comm.LineOptions{Timeout: 50 * time.Millisecond, Poll: time.Millisecond, Ignore: Ack}

func TestSetpointFormatting(t *testing.T) {
	assert.Equal(t, "PC+15.180", SetCurrent(0.6*25.3))
	assert.Equal(t, "PC-3.400", SetCurrent(-0.2*17))
	assert.Equal(t, "PV+4.000", SetVoltage(4))
	assert.Equal(t, "PL+40", SetLimit(DefaultLimit))
	assert.Equal(t, "PL+FF", SetLimit(0x1FF))
	assert.Equal(t, "PL+00", SetLimit(-3))
}

func TestDialect(t *testing.T) {
	d := Dialect{Limits: Limits{Charge: 0x40, Float: 0x20, Discharge: 0x80}}
	assert.Equal(t, []string{"SB0", "SR"}, d.Startup())
	assert.Equal(t, "SV", d.SelectMode(cycle.VoltageMode))
	assert.Equal(t, "SI", d.SelectMode(cycle.CurrentMode))
	assert.Equal(t, "PL+40", d.ProgramLimit(cycle.Charge))
	assert.Equal(t, "PL+20", d.ProgramLimit(cycle.FloatCharge))
	assert.Equal(t, "PL+80", d.ProgramLimit(cycle.Discharge))
	assert.Equal(t, "PC0", d.Zero())
	assert.Equal(t, "SL", d.Local())
	d.StayRemote = true
	assert.Equal(t, "", d.Local())
}

func remoteMock(t *testing.T) (*Mock, *comm.Line, *cycle.Sequencer) {
	t.Helper()
	m := NewMock(DefaultPack(), 1)
	l := comm.NewLine(m, comm.DefaultTerminators, fast, nil)
	seq := cycle.NewSequencer(l, Dialect{Limits: DefaultLimits()}, 0, nil)
	require.NoError(t, seq.Startup())
	return m, l, seq
}

func TestSupplyMeasuresRegulatedCurrent(t *testing.T) {
	m, l, seq := remoteMock(t)
	require.NoError(t, seq.EnterPhase(cycle.Charge, cycle.DefaultParameters()))
	s := NewSupply(l, nil)

	i, err := s.Current()
	require.NoError(t, err)
	assert.InDelta(t, 3.4, i, 1e-9)

	v, err := s.Voltage()
	require.NoError(t, err)
	assert.InDelta(t, m.Pack().OCV()+3.4*0.01, v, 1e-3)

	mode, err := s.Mode()
	require.NoError(t, err)
	assert.Equal(t, "I", mode)
}

func TestSupplyRecoversFromLostReply(t *testing.T) {
	m, l, _ := remoteMock(t)
	s := NewSupply(l, nil)
	m.Mute(MeasureVoltage, 1)

	_, err := s.Voltage()
	assert.True(t, errors.Is(err, comm.ErrTimeout))

	// the exchange after the loss lines up again
	i, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, 0.0, i)
}

func TestVoltageModeTapers(t *testing.T) {
	m, l, seq := remoteMock(t)
	p := cycle.DefaultParameters()
	p.FloatVoltage = m.Pack().OCV() + 0.002
	require.NoError(t, seq.EnterPhase(cycle.FloatCharge, p))
	s := NewSupply(l, nil)
	i, err := s.Current()
	require.NoError(t, err)
	assert.InDelta(t, 0.2, i, 1e-2)
	mode, err := s.Mode()
	require.NoError(t, err)
	assert.Equal(t, "V", mode)
}

func TestShutdownOverMock(t *testing.T) {
	_, l, seq := remoteMock(t)
	require.NoError(t, seq.EnterPhase(cycle.Discharge, cycle.DefaultParameters()))
	require.NoError(t, seq.Shutdown())
	i, err := NewSupply(l, nil).Current()
	require.NoError(t, err)
	assert.Equal(t, 0.0, i)
}

// stepClock advances the mock's wall clock by the sample interval at every
// throttle wait, so a run takes no real time beyond the line polls
type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time { return c.t }

type stepWait struct {
	c  *stepClock
	dt time.Duration
}

func (w stepWait) Wait(ctx context.Context) error {
	w.c.t = w.c.t.Add(w.dt)
	return ctx.Err()
}

func TestFullCycleAgainstMock(t *testing.T) {
	m := NewMock(DefaultPack(), 100)
	clk := &stepClock{t: m.start}
	m.wallNow = clk.now
	l := comm.NewLine(m, comm.DefaultTerminators, fast, nil)
	s := NewSupply(l, nil)
	var soc []float64
	sink := cycleSink(func(r cycle.SampleRecord) {
		if r.Phase == cycle.Discharge {
			soc = append(soc, r.SoC)
		}
	})

	mach, err := cycle.New(cycle.Config{
		Params:    cycle.DefaultParameters(),
		Timing:    cycle.DefaultTiming(),
		Plan:      cycle.FullCycle(),
		Sequencer: cycle.NewSequencer(l, Dialect{Limits: DefaultLimits()}, 0, nil),
		Volts:     s,
		Amps:      s,
		Sink:      sink,
		Elapsed:   m.Elapsed,
		Throttle: func(iv time.Duration) cycle.Throttle {
			return stepWait{c: clk, dt: iv}
		},
	})
	require.NoError(t, err)

	rep := mach.Run(context.Background())

	require.NoError(t, rep.Startup)
	require.NoError(t, rep.Shutdown)
	for _, res := range rep.Results {
		assert.Equal(t, cycle.Completed, res.Outcome, res.Phase.String())
		assert.Zero(t, res.Dropped)
	}
	assert.Greater(t, rep.Results[0].Charge, 0.0)
	assert.Greater(t, rep.Results[1].Charge, 0.0)
	dis := rep.Results[2]
	assert.InDelta(t, -3.4*dis.Elapsed.Hours(), dis.Charge, 1e-9)
	require.NotEmpty(t, soc)
	assert.InDelta(t, 100*(1+dis.Charge/17), soc[len(soc)-1], 1e-9)

	// the pack was left with the output off
	i, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, 0.0, i)
}

type cycleSink func(cycle.SampleRecord)

func (f cycleSink) OnSample(r cycle.SampleRecord) { f(r) }
func (f cycleSink) OnProgress(float64)            {}
