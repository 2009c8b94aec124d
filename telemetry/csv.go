package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/battcycle/cycle"
)

// CSV writes the sample stream as a results file: a block of # comment
// lines describing the run, the column header, then one row per sample.
// Undefined values are written as nan.  Every row is flushed as it is
// written so a crash loses at most the row in flight.
type CSV struct {
	mu  sync.Mutex
	w   *csv.Writer
	c   io.Closer
	err error
	log logrus.FieldLogger
}

// NewCSV writes the parameter block and header to w and returns a CSV
// appending rows to it
func NewCSV(w io.Writer, p cycle.TestParameters, plan cycle.Plan, log logrus.FieldLogger) (*CSV, error) {
	if err := writeParameters(w, p, plan); err != nil {
		return nil, err
	}
	c := &CSV{w: csv.NewWriter(w), log: log}
	if err := c.w.Write(cycle.Columns); err != nil {
		return nil, err
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return nil, err
	}
	if cl, ok := w.(io.Closer); ok {
		c.c = cl
	}
	return c, nil
}

// CreateCSV makes a new results file in dir named prefix plus the start
// time, and returns it with its path
func CreateCSV(dir, prefix string, p cycle.TestParameters, plan cycle.Plan, log logrus.FieldLogger) (*CSV, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	fn := filepath.Join(dir, prefix+time.Now().Format("2006-01-02T15-04-05")+".csv")
	f, err := os.OpenFile(fn, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", err
	}
	c, err := NewCSV(f, p, plan, log)
	if err != nil {
		f.Close()
		return nil, "", err
	}
	return c, fn, nil
}

func writeParameters(w io.Writer, p cycle.TestParameters, plan cycle.Plan) error {
	lines := []string{
		"#Procedure: <battcycle>",
		"#Parameters:",
		fmt.Sprintf("#\tNominal capacity: %g Ah", p.NominalCapacity),
		fmt.Sprintf("#\tCharge rate: %g C", p.ChargeRate),
		fmt.Sprintf("#\tDischarge rate: %g C", p.DischargeRate),
		fmt.Sprintf("#\tCharge limit: %g V", p.ChargeVoltage),
		fmt.Sprintf("#\tFloat voltage: %g V", p.FloatVoltage),
		fmt.Sprintf("#\tFloat cutoff: %g A", p.FloatCurrent),
		fmt.Sprintf("#\tDischarge limit: %g V", p.DischargeVoltage),
		fmt.Sprintf("#\tPhases: charge=%t float=%t discharge=%t", plan.Charge, plan.Float, plan.Discharge),
		"#Data:",
	}
	for _, l := range lines {
		if _, err := io.WriteString(w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// FormatValue renders a column value, nan for Undefined
func FormatValue(x float64) string {
	if math.IsNaN(x) {
		return "nan"
	}
	return strconv.FormatFloat(x, 'g', -1, 64)
}

// OnSample satisfies cycle.Sink.  The first write error is kept and logged;
// later rows are dropped.
func (c *CSV) OnSample(r cycle.SampleRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	vals := r.Values()
	row := make([]string, len(vals))
	for i, v := range vals {
		row[i] = FormatValue(v)
	}
	if err := c.w.Write(row); err != nil {
		c.fail(err)
		return
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.fail(err)
	}
}

func (c *CSV) fail(err error) {
	c.err = err
	if c.log != nil {
		c.log.WithError(err).Error("results file write failed, no further rows will be written")
	}
}

// OnProgress satisfies cycle.Sink
func (c *CSV) OnProgress(float64) {}

// Err returns the first write error
func (c *CSV) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close flushes and closes the underlying file, if it is one
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	err := c.w.Error()
	if c.c != nil {
		if cerr := c.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
