// Command battcycle runs charge / float / discharge cycles on a battery pack
// through a programmable supply, logging every sample to a results file and
// serving the run live over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	arg "github.com/alexflint/go-arg"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/battcycle/cycle"
	"github.com/nasa-jpl/battcycle/fluke"
	"github.com/nasa-jpl/battcycle/generichttp"
	"github.com/nasa-jpl/battcycle/telemetry"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// EnvPrefix marks environment variables that override the config file,
	// e.g. BATTCYCLE_TEST__CHARGERATE=0.5
	EnvPrefix = "BATTCYCLE_"

	log = logrus.New()

	// spinnerOut is where the progress line is drawn.  The log writes to
	// stderr, so the two never share a line.
	spinnerOut io.Writer = os.Stdout
)

type runCmd struct {
	Mock bool `arg:"--mock" help:"drive the simulated instrument instead of the configured ports"`
}

type mkconfCmd struct{}

type confCmd struct{}

type versionCmd struct{}

type argSpec struct {
	Run     *runCmd     `arg:"subcommand:run" help:"run the configured cycle"`
	Mkconf  *mkconfCmd  `arg:"subcommand:mkconf" help:"write the effective configuration to the config file"`
	Conf    *confCmd    `arg:"subcommand:conf" help:"print the effective configuration"`
	Version *versionCmd `arg:"subcommand:version" help:"print the version"`

	Config   string `arg:"-c, --config" default:"battcycle.yml" help:"configuration file"`
	LogLevel string `arg:"-l, --log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

func (argSpec) Description() string {
	return `battcycle drives a battery pack through charge, float charge and discharge
with a programmable supply, counting coulombs as it goes.  Every run ends with
the supply returned to a zero current setpoint, whatever happened before.

Configuration comes from the defaults, then the config file, then environment
variables prefixed ` + EnvPrefix + ` with __ separating levels.`
}

func setLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
		return
	}
	log.SetLevel(lvl)
}

// setupconfig layers the defaults, the config file, and the environment
func setupconfig(fn string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, err
	}
	if err := k.Load(file.Provider(fn), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		log.WithField("file", fn).Debug("no config file, using defaults")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey(k)), nil); err != nil {
		return nil, err
	}
	return k, nil
}

// envKey maps BATTCYCLE_TEST__CHARGERATE onto the existing key
// Test.ChargeRate.  Variables naming no known key are ignored.
func envKey(k *koanf.Koanf) func(string) string {
	keys := k.Keys()
	return func(s string) string {
		s = strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "__", ".")
		for _, key := range keys {
			if strings.EqualFold(key, s) {
				return key
			}
		}
		log.WithField("var", EnvPrefix+s).Warn("environment variable matches no configuration key")
		return ""
	}
}

func loadConfig(fn string) (Config, error) {
	c := Config{}
	k, err := setupconfig(fn)
	if err != nil {
		return c, err
	}
	err = k.Unmarshal("", &c)
	return c, err
}

func mkconf(fn string) error {
	c, err := loadConfig(fn)
	if err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

func printconf(fn string) error {
	c, err := loadConfig(fn)
	if err != nil {
		return err
	}
	return yml.NewEncoder(os.Stdout).Encode(c)
}

func pversion() {
	fmt.Printf("battcycle version %v\n", Version)
}

func run(fn string, mock bool) error {
	c, err := loadConfig(fn)
	if err != nil {
		return err
	}
	// before any port is touched
	if err := c.Validate(); err != nil {
		return err
	}

	stop := &cycle.Flag{}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for s := range sigs {
			log.WithField("signal", s).Warn("stop requested, finishing the current sample")
			stop.Set()
		}
	}()

	r, err := openRig(c, mock, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.WithError(err).Warn("closing instruments")
		}
	}()

	results, fn2, err := telemetry.CreateCSV(c.Output.Dir, c.Output.Prefix, c.Test, c.Phases, log)
	if err != nil {
		return err
	}
	defer results.Close()
	log.WithField("file", fn2).Info("writing results")

	live := telemetry.NewLiveView(stop, c.HTTP.Depth)
	sinks := telemetry.Multi{results, telemetry.LogSink{Log: log}, live}
	if c.HTTP.Addr != "" {
		nodes := map[string]generichttp.HTTPer{"/": live}
		if r.meter != nil {
			nodes["/meter"] = fluke.NewHTTPWrapper(r.meter)
		}
		shutdown := serve(c.HTTP.Addr, nodes, log)
		defer shutdown()
	}
	var sp *telemetry.Spinner
	if c.Spinner {
		sp, err = telemetry.NewSpinner(spinnerOut)
		if err != nil {
			return err
		}
		sinks = append(sinks, sp)
	}

	m, err := cycle.New(cycle.Config{
		Params:    c.Test,
		Timing:    c.Timing,
		Plan:      c.Phases,
		Sequencer: r.supply,
		Volts:     r.volts,
		Amps:      r.amps,
		Sink:      sinks,
		Stop:      stop,
		Log:       log,
		Elapsed:   r.elapsed,
	})
	if err != nil {
		return err
	}
	if sp != nil {
		if err := sp.Start(); err != nil {
			return err
		}
	}
	rep := m.Run(context.Background())
	if sp != nil {
		sp.Stop()
	}
	printSummary(os.Stdout, rep)
	if err := results.Err(); err != nil {
		log.WithError(err).Error("results file is incomplete")
	}
	return exitError(rep)
}

func main() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	var args argSpec
	p := arg.MustParse(&args)
	setLogLevel(args.LogLevel)

	var err error
	switch {
	case args.Run != nil:
		err = run(args.Config, args.Run.Mock)
	case args.Mkconf != nil:
		err = mkconf(args.Config)
	case args.Conf != nil:
		err = printconf(args.Config)
	case args.Version != nil:
		pversion()
	default:
		p.WriteHelp(os.Stdout)
	}
	if err != nil {
		log.Fatal(err)
	}
}
