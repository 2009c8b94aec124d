package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nasa-jpl/battcycle/util"
)

var errExhausted = errors.New("sample script exhausted")

// fakeChannel answers every query with an echo of the command, except for
// commands scheduled to time out
type fakeChannel struct {
	ops      []string
	timeouts map[string]int
	dead     bool
}

func (f *fakeChannel) Write(cmd string) error {
	f.ops = append(f.ops, "W:"+cmd)
	return nil
}

func (f *fakeChannel) Query(cmd string) (string, error) {
	f.ops = append(f.ops, "Q:"+cmd)
	if f.dead {
		return "", fmt.Errorf("%s: %w", cmd, ErrProtocolTimeout)
	}
	if f.timeouts[cmd] > 0 {
		f.timeouts[cmd]--
		return "", fmt.Errorf("%s: %w", cmd, ErrProtocolTimeout)
	}
	return cmd, nil
}

func (f *fakeChannel) QueryFloat(cmd string) (float64, error) {
	return 0, errors.New("sequencer should not parse numbers")
}

func (f *fakeChannel) Drain() (int, error) {
	f.ops = append(f.ops, "D")
	return 0, nil
}

// queries returns the commands queried, in order
func (f *fakeChannel) queries() []string {
	var out []string
	for _, op := range f.ops {
		if len(op) > 2 && op[:2] == "Q:" {
			out = append(out, op[2:])
		}
	}
	return out
}

type fakeDialect struct{}

func (fakeDialect) Startup() []string { return []string{"SB0", "SR"} }

func (fakeDialect) SelectMode(m Mode) string {
	if m == VoltageMode {
		return "SV"
	}
	return "SI"
}

func (fakeDialect) ProgramLimit(Phase) string           { return "PL+40" }
func (fakeDialect) ProgramCurrent(amps float64) string  { return fmt.Sprintf("PC%+.3f", amps) }
func (fakeDialect) ProgramVoltage(volts float64) string { return fmt.Sprintf("PV%+.3f", volts) }
func (fakeDialect) Zero() string                        { return "PC0" }
func (fakeDialect) Local() string                       { return "SL" }

type sample struct {
	t, v, i float64
	err     error
}

// fakePack replays a sample script.  Reading the voltage moves the clock to
// the sample's timestamp; reading the current moves to the next sample.
type fakePack struct {
	samples []sample
	idx     int
	now     float64
}

func (p *fakePack) Voltage() (float64, error) {
	if p.idx >= len(p.samples) {
		return 0, errExhausted
	}
	s := p.samples[p.idx]
	p.now = s.t
	if s.err != nil {
		p.idx++
		return 0, s.err
	}
	return s.v, nil
}

func (p *fakePack) Current() (float64, error) {
	s := p.samples[p.idx]
	p.idx++
	return s.i, nil
}

func (p *fakePack) elapsed() time.Duration {
	return util.SecsToDuration(p.now)
}

// ramp makes n samples dt apart starting one interval after t0
func ramp(t0, dt float64, n int, v0, dv, i float64) []sample {
	out := make([]sample, n)
	for k := range out {
		out[k] = sample{t: t0 + dt*float64(k+1), v: v0 + dv*float64(k+1), i: i}
	}
	return out
}

type recordingSink struct {
	records  []SampleRecord
	progress []float64
	phases   []Phase
	hook     func(SampleRecord)
}

func (s *recordingSink) OnSample(r SampleRecord) {
	s.records = append(s.records, r)
	if s.hook != nil {
		s.hook(r)
	}
}

func (s *recordingSink) OnProgress(f float64) { s.progress = append(s.progress, f) }
func (s *recordingSink) OnPhase(p Phase)      { s.phases = append(s.phases, p) }

func (s *recordingSink) in(p Phase) []SampleRecord {
	var out []SampleRecord
	for _, r := range s.records {
		if r.Phase == p {
			out = append(out, r)
		}
	}
	return out
}

type noWait struct{}

func (noWait) Wait(ctx context.Context) error { return ctx.Err() }

func noThrottle(time.Duration) Throttle { return noWait{} }
