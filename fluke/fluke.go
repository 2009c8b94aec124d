// Package fluke talks to Fluke 8845A/8846A bench multimeters over SCPI.
//
// On a split rig the meter reads one of the pack quantities, usually the
// voltage at the cell terminals, while the supply reads the other.
package fluke

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/battcycle/comm"
	"github.com/nasa-jpl/battcycle/scpi"
)

// DefaultTerminators are the RS-232 line endings of the 8845A
var DefaultTerminators = comm.Terminators{Tx: "\n", Rx: "\r\n"}

// ErrOverload is generated when the meter reports an overrange reading
var ErrOverload = errors.New("meter overload")

// DefaultSettle is how long a failed reading waits for a late reply.  An
// autoranging MEAS? on the 8846A can take most of a second.
const DefaultSettle = time.Second

// overload is the magnitude the meter reports for an overrange input
const overload = 9.9e37

// Conn is the link a Meter is driven over.  *comm.Line satisfies it.
type Conn interface {
	scpi.Conn

	// DrainQuiet discards input until quiet passes with nothing arriving
	DrainQuiet(quiet time.Duration) (int, error)
}

// Meter is an 8845A or 8846A.  It is safe for concurrent use; a reading and
// the resync that follows a failed one are a single exchange.
type Meter struct {
	scpi.SCPI

	// Gain scales every reading, e.g. a shunt ratio or -1 to flip the sign
	// convention of a current measurement
	Gain float64

	// Settle is the quiet period that ends the drain after a failed reading
	Settle time.Duration

	mu   sync.Mutex
	conn Conn
	log  logrus.FieldLogger
}

// New returns a Meter driven over conn with unity gain
func New(conn Conn, log logrus.FieldLogger) *Meter {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Meter{
		SCPI:   scpi.SCPI{Conn: conn},
		Gain:   1,
		Settle: DefaultSettle,
		conn:   conn,
		log:    log,
	}
}

// Remote locks the front panel for bus control
func (m *Meter) Remote() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Info("meter to remote")
	return m.Write("SYST:REM")
}

// Local returns the front panel to the user
func (m *Meter) Local() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Info("meter to local")
	return m.Write("SYST:LOC")
}

// Identify returns the *IDN? string
func (m *Meter) Identify() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SCPI.Identify()
}

// Voltage satisfies cycle.VoltageReader with a DC voltage measurement
func (m *Meter) Voltage() (float64, error) {
	return m.measure("MEAS:VOLT:DC?")
}

// Current satisfies cycle.CurrentReader with a DC current measurement
func (m *Meter) Current() (float64, error) {
	return m.measure("MEAS:CURR:DC?")
}

// measure takes one reading.  A reading that times out or does not parse is
// followed by a drain, so the meter's late answer is not taken as the reply
// to the next query.
func (m *Meter) measure(cmd string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, err := m.ReadString(cmd)
	if err == nil {
		var f float64
		f, err = ParseReading(resp)
		if err == nil {
			return f * m.Gain, nil
		}
		err = fmt.Errorf("%s: %w", cmd, err)
	}
	if errors.Is(err, comm.ErrTimeout) || errors.Is(err, comm.ErrGarbled) {
		n, derr := m.conn.DrainQuiet(m.Settle)
		if derr != nil {
			m.log.WithError(derr).Warn("drain after failed reading")
		} else if n > 0 {
			m.log.WithField("lines", n).Debug("discarded late reply")
		}
	}
	return 0, err
}

// ParseReading parses a reading such as +3.91234E+00.  Only the first comma
// separated field is used, so readings with units or a channel appended
// parse too.  Overrange readings return an error wrapping both ErrOverload
// and comm.ErrGarbled.
func ParseReading(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		s = s[:idx]
	}
	f, err := comm.ParseFloat(s)
	if err != nil {
		return 0, err
	}
	if math.Abs(f) >= overload {
		return 0, fmt.Errorf("%w: %w", comm.ErrGarbled, ErrOverload)
	}
	return f, nil
}
