package main

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/battcycle/cycle"
)

func TestDefaultsWithoutFile(t *testing.T) {
	c, err := loadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
}

func TestFileOverridesDefaults(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "battcycle.yml")
	yml := `
Test:
  NominalCapacity: 25.3
  ChargeRate: 0.6
Timing:
  ChargeInterval: 2s
Phases:
  Float: false
`
	require.NoError(t, os.WriteFile(fn, []byte(yml), 0644))
	c, err := loadConfig(fn)
	require.NoError(t, err)
	assert.Equal(t, 25.3, c.Test.NominalCapacity)
	assert.Equal(t, 0.6, c.Test.ChargeRate)
	assert.Equal(t, 2*time.Second, c.Timing.ChargeInterval)
	assert.False(t, c.Phases.Float)
	assert.True(t, c.Phases.Charge)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultConfig().Test.DischargeVoltage, c.Test.DischargeVoltage)
	assert.Equal(t, "/dev/ttyUSB0", c.Boss.Addr)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "battcycle.yml")
	require.NoError(t, os.WriteFile(fn, []byte("Test:\n  ChargeRate: 0.6\n"), 0644))
	t.Setenv("BATTCYCLE_TEST__CHARGERATE", "0.5")
	t.Setenv("BATTCYCLE_BOSS__ADDR", "10.0.0.5:2006")
	t.Setenv("BATTCYCLE_NOT__A__KEY", "1")
	c, err := loadConfig(fn)
	require.NoError(t, err)
	assert.Equal(t, 0.5, c.Test.ChargeRate)
	assert.Equal(t, "10.0.0.5:2006", c.Boss.Addr)
}

func TestBrokenFileIsAnError(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "battcycle.yml")
	require.NoError(t, os.WriteFile(fn, []byte("Test: [unterminated"), 0644))
	_, err := loadConfig(fn)
	assert.Error(t, err)
}

func TestMkconfRoundTrips(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "battcycle.yml")
	require.NoError(t, mkconf(fn))
	b, err := os.ReadFile(fn)
	require.NoError(t, err)
	assert.Contains(t, string(b), "NominalCapacity: 17")

	c, err := loadConfig(fn)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
}

func TestValidate(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())

	c.Test.ChargeRate = 0
	assert.ErrorIs(t, c.Validate(), cycle.ErrConfigurationInvalid)

	c = DefaultConfig()
	c.Timing.FloatTimeoutFactor = 0
	assert.ErrorIs(t, c.Validate(), cycle.ErrConfigurationInvalid)

	c = DefaultConfig()
	c.Fluke.Enabled = true
	c.Fluke.Measures = "resistance"
	assert.ErrorIs(t, c.Validate(), cycle.ErrConfigurationInvalid)

	// the meter setting does not matter while the meter is off
	c.Fluke.Enabled = false
	assert.NoError(t, c.Validate())
}

// listener stands in for an instrument behind a terminal server and counts
// the connections it sees
type listener struct {
	net.Listener
	accepted int32
	done     chan struct{}
}

func listen(t *testing.T) *listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := &listener{Listener: ln, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&l.accepted, 1)
			conn.Close()
		}
	}()
	return l
}

func (l *listener) connections() int {
	l.Close()
	<-l.done
	return int(atomic.LoadInt32(&l.accepted))
}

func TestRunRejectsInvalidConfigBeforeOpeningPorts(t *testing.T) {
	cases := map[string]string{
		"test parameters": "Test:\n  DischargeVoltage: 9\n",
		"timeout factor":  "Timing:\n  DischargeTimeoutFactor: 0\n",
		"interval":        "Timing:\n  ChargeInterval: -1s\n",
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			supply, meter := listen(t), listen(t)
			dir := t.TempDir()
			results := filepath.Join(dir, "results")
			yml := fmt.Sprintf(`Boss:
  Addr: %s
  Serial: false
Fluke:
  Enabled: true
  Link:
    Addr: %s
    Serial: false
Output:
  Dir: %s
HTTP:
  Addr: ""
Spinner: false
%s`, supply.Addr(), meter.Addr(), results, bad)
			fn := filepath.Join(dir, "battcycle.yml")
			require.NoError(t, os.WriteFile(fn, []byte(yml), 0644))

			err := run(fn, false)
			assert.ErrorIs(t, err, cycle.ErrConfigurationInvalid)
			assert.Zero(t, supply.connections())
			assert.Zero(t, meter.connections())
			_, err = os.Stat(results)
			assert.True(t, os.IsNotExist(err), "no results directory")
		})
	}
}

func TestMockRig(t *testing.T) {
	log, _ := test.NewNullLogger()
	c := DefaultConfig()
	c.Boss.Timeout = 50 * time.Millisecond
	c.Boss.Poll = 5 * time.Millisecond
	c.Fluke.Enabled = true // ignored under --mock

	r, err := openRig(c, true, log)
	require.NoError(t, err)
	assert.Nil(t, r.meter)
	require.NotNil(t, r.elapsed)

	require.NoError(t, r.supply.Startup())
	v, err := r.volts.Voltage()
	require.NoError(t, err)
	assert.InDelta(t, c.Mock.Pack.OCV(), v, 1e-3)
	i, err := r.amps.Current()
	require.NoError(t, err)
	assert.Equal(t, 0.0, i)
	require.NoError(t, r.supply.Shutdown())
	assert.NoError(t, r.Close())
}

func TestPrintSummary(t *testing.T) {
	rep := cycle.Report{
		Results: []cycle.PhaseResult{
			{Phase: cycle.Charge, Outcome: cycle.Completed, Samples: 10, Charge: 1.25, Elapsed: 90 * time.Minute, Reason: "voltage limit"},
			{Phase: cycle.FloatCharge, Outcome: cycle.Stopped, Samples: 3, Dropped: 1},
			{Phase: cycle.Discharge, Outcome: cycle.Skipped},
		},
		Shutdown: errors.New("PC0: no reply"),
	}
	var buf bytes.Buffer
	printSummary(&buf, rep)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "PHASE"))
	assert.Contains(t, lines[1], "+1.2500")
	assert.Contains(t, lines[1], "1h30m0s")
	assert.Contains(t, lines[4], "PC0: no reply")
}

func TestExitError(t *testing.T) {
	assert.NoError(t, exitError(cycle.Report{Results: []cycle.PhaseResult{
		{Phase: cycle.Charge, Outcome: cycle.Completed},
		{Phase: cycle.FloatCharge, Outcome: cycle.TimedOut},
		{Phase: cycle.Discharge, Outcome: cycle.Stopped},
	}}))

	link := errors.New("link down")
	err := exitError(cycle.Report{
		Startup: link,
		Results: []cycle.PhaseResult{
			{Phase: cycle.Charge, Outcome: cycle.Aborted, Err: link},
			{Phase: cycle.FloatCharge, Outcome: cycle.Skipped},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, link)
	assert.Equal(t, 1, strings.Count(err.Error(), "link down"))

	lost := errors.New("garbage on the line")
	err = exitError(cycle.Report{Results: []cycle.PhaseResult{
		{Phase: cycle.Discharge, Outcome: cycle.Aborted, Err: lost},
	}})
	assert.ErrorIs(t, err, lost)
	assert.Contains(t, err.Error(), "discharge")
}

func TestSpinnerAndLogUseSeparateStreams(t *testing.T) {
	assert.Equal(t, os.Stderr, log.Out)
	assert.Equal(t, os.Stdout, spinnerOut)
}
