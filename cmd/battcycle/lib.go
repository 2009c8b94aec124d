package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/battcycle/boss"
	"github.com/nasa-jpl/battcycle/comm"
	"github.com/nasa-jpl/battcycle/cycle"
	"github.com/nasa-jpl/battcycle/fluke"
	"github.com/nasa-jpl/battcycle/generichttp"
	"github.com/nasa-jpl/battcycle/telemetry"
)

// Link holds the connection parameters of one instrument
type Link struct {
	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:2006 for a device connected to port 6
	// on a digi portserver, or /dev/ttyUSB0 for an RS232 device on a serial cable
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `koanf:"Serial" yaml:"Serial"`

	// Baud is the serial line rate, ignored over TCP
	Baud int `koanf:"Baud" yaml:"Baud"`

	// Timeout bounds the wait for a required reply
	Timeout time.Duration `koanf:"Timeout" yaml:"Timeout"`

	// Poll is the window of a single read and the quiet period that ends a
	// drain
	Poll time.Duration `koanf:"Poll" yaml:"Poll"`

	Terminators comm.Terminators `koanf:"Terminators" yaml:"Terminators"`
}

// MeterSetup configures the optional Fluke meter
type MeterSetup struct {
	Enabled bool `koanf:"Enabled" yaml:"Enabled"`
	Link    Link `koanf:"Link" yaml:"Link"`

	// Measures is "voltage" or "current"; the supply reads the other
	Measures string `koanf:"Measures" yaml:"Measures"`

	// Gain scales every reading
	Gain float64 `koanf:"Gain" yaml:"Gain"`

	// Settle is how long a failed reading waits for the meter's late reply
	Settle time.Duration `koanf:"Settle" yaml:"Settle"`
}

// Output says where results files go
type Output struct {
	Dir    string `koanf:"Dir" yaml:"Dir"`
	Prefix string `koanf:"Prefix" yaml:"Prefix"`
}

// HTTP configures the live view, an empty Addr disables it
type HTTP struct {
	Addr  string `koanf:"Addr" yaml:"Addr"`
	Depth int    `koanf:"Depth" yaml:"Depth"`
}

// MockSetup configures the simulated instrument used by run --mock
type MockSetup struct {
	Pack  boss.Pack `koanf:"Pack" yaml:"Pack"`
	Speed float64   `koanf:"Speed" yaml:"Speed"`
}

// Config is everything a run is built from
type Config struct {
	Boss       Link        `koanf:"Boss" yaml:"Boss"`
	Limits     boss.Limits `koanf:"Limits" yaml:"Limits"`
	StayRemote bool        `koanf:"StayRemote" yaml:"StayRemote"`

	Fluke MeterSetup `koanf:"Fluke" yaml:"Fluke"`

	Test   cycle.TestParameters `koanf:"Test" yaml:"Test"`
	Timing cycle.Timing         `koanf:"Timing" yaml:"Timing"`
	Phases cycle.Plan           `koanf:"Phases" yaml:"Phases"`

	Output  Output    `koanf:"Output" yaml:"Output"`
	HTTP    HTTP      `koanf:"HTTP" yaml:"HTTP"`
	Mock    MockSetup `koanf:"Mock" yaml:"Mock"`
	Spinner bool      `koanf:"Spinner" yaml:"Spinner"`
}

// DefaultConfig is the rig as built: the supply behind a USB serial adapter,
// no meter, a full cycle on a 17 Ah pack
func DefaultConfig() Config {
	return Config{
		Boss: Link{
			Addr:        "/dev/ttyUSB0",
			Serial:      true,
			Baud:        9600,
			Timeout:     comm.DefaultTimeout,
			Poll:        comm.DefaultPoll,
			Terminators: comm.DefaultTerminators,
		},
		Limits: boss.DefaultLimits(),
		Fluke: MeterSetup{
			Link: Link{
				Addr:        "/dev/ttyUSB1",
				Serial:      true,
				Baud:        9600,
				Timeout:     comm.DefaultTimeout,
				Poll:        comm.DefaultPoll,
				Terminators: fluke.DefaultTerminators,
			},
			Measures: "voltage",
			Gain:     1,
			Settle:   fluke.DefaultSettle,
		},
		Test:    cycle.DefaultParameters(),
		Timing:  cycle.DefaultTiming(),
		Phases:  cycle.FullCycle(),
		Output:  Output{Dir: "results", Prefix: "battcycle-"},
		HTTP:    HTTP{Addr: ":8000", Depth: telemetry.DefaultDepth},
		Mock:    MockSetup{Pack: boss.DefaultPack(), Speed: 60},
		Spinner: true,
	}
}

// Validate checks everything a run can reject without touching an
// instrument
func (c Config) Validate() error {
	if err := c.Test.Validate(); err != nil {
		return err
	}
	if err := c.Timing.Validate(); err != nil {
		return err
	}
	if c.Fluke.Enabled {
		switch strings.ToLower(c.Fluke.Measures) {
		case "voltage", "current":
		default:
			return fmt.Errorf("%w: Fluke.Measures must be voltage or current, got %q",
				cycle.ErrConfigurationInvalid, c.Fluke.Measures)
		}
	}
	return nil
}

func (l Link) options(ignore []string) comm.LineOptions {
	return comm.LineOptions{Timeout: l.Timeout, Poll: l.Poll, Ignore: ignore}
}

// rig is the opened instruments of a run
type rig struct {
	supply  *cycle.Sequencer
	volts   cycle.VoltageReader
	amps    cycle.CurrentReader
	meter   *fluke.Meter
	elapsed func() time.Duration
	closers []func() error
}

func (r *rig) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// openRig opens the supply, and the meter when enabled.  With mock set the
// supply is simulated and the meter is ignored.
func openRig(c Config, mock bool, log logrus.FieldLogger) (*rig, error) {
	r := &rig{}
	var (
		line *comm.Line
		err  error
	)
	if mock {
		m := boss.NewMock(c.Mock.Pack, c.Mock.Speed)
		line = comm.NewLine(m, c.Boss.Terminators, c.Boss.options(boss.Ack), log.WithField("addr", "mock"))
		r.elapsed = m.Elapsed
		r.closers = append(r.closers, m.Close)
		log.WithField("speed", c.Mock.Speed).Warn("running against the simulated instrument")
	} else {
		rd := comm.NewRemoteDevice(c.Boss.Addr, c.Boss.Serial, c.Boss.Baud, c.Boss.Poll, log)
		line, err = rd.Line(c.Boss.Terminators, c.Boss.options(boss.Ack))
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, rd.Close)
	}
	dialect := boss.Dialect{Limits: c.Limits, StayRemote: c.StayRemote}
	r.supply = cycle.NewSequencer(line, dialect, c.Timing.RetryDelay, log)
	s := boss.NewSupply(line, log)
	r.volts, r.amps = s, s

	if c.Fluke.Enabled && !mock {
		rd := comm.NewRemoteDevice(c.Fluke.Link.Addr, c.Fluke.Link.Serial, c.Fluke.Link.Baud, c.Fluke.Link.Poll, log)
		fl, err := rd.Line(c.Fluke.Link.Terminators, c.Fluke.Link.options(nil))
		if err != nil {
			r.Close()
			return nil, err
		}
		r.closers = append(r.closers, rd.Close)
		m := fluke.New(fl, log.WithField("instrument", "fluke"))
		m.Gain = c.Fluke.Gain
		if c.Fluke.Settle > 0 {
			m.Settle = c.Fluke.Settle
		}
		if id, err := m.Identify(); err == nil {
			log.WithField("idn", id).Info("meter found")
		}
		if err := m.Remote(); err != nil {
			r.Close()
			return nil, err
		}
		r.closers = append(r.closers, m.Local)
		r.meter = m
		if strings.EqualFold(c.Fluke.Measures, "current") {
			r.amps = m
		} else {
			r.volts = m
		}
	}
	return r, nil
}

// serve starts the live view and returns a func that stops it
func serve(addr string, nodes map[string]generichttp.HTTPer, log logrus.FieldLogger) func() {
	mux := generichttp.NewMux(nodes, middleware.Recoverer)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.WithField("addr", addr).Info("live view listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("live view stopped")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// printSummary writes one line per phase
func printSummary(w io.Writer, rep cycle.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tOUTCOME\tSAMPLES\tDROPPED\tCHARGE (Ah)\tELAPSED\tREASON")
	for _, r := range rep.Results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%+.4f\t%s\t%s\n",
			r.Phase, r.Outcome, r.Samples, r.Dropped, r.Charge, r.Elapsed.Round(time.Second), r.Reason)
	}
	tw.Flush()
	if rep.Startup != nil {
		fmt.Fprintf(w, "startup failed: %v\n", rep.Startup)
	}
	if rep.Shutdown != nil {
		fmt.Fprintf(w, "shutdown incomplete, check the instrument output: %v\n", rep.Shutdown)
	}
}

// exitError summarizes a report as an error, nil if nothing was aborted and
// shutdown completed
func exitError(rep cycle.Report) error {
	var errs []error
	if rep.Startup != nil {
		errs = append(errs, rep.Startup)
	}
	for _, r := range rep.Results {
		if r.Outcome == cycle.Aborted && r.Err != nil && !errors.Is(r.Err, rep.Startup) {
			errs = append(errs, fmt.Errorf("%s: %w", r.Phase, r.Err))
		}
	}
	if rep.Shutdown != nil {
		errs = append(errs, rep.Shutdown)
	}
	return errors.Join(errs...)
}
