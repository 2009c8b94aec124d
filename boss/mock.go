package boss

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/battcycle/comm"
	"github.com/nasa-jpl/battcycle/mathx"
)

// Pack is a crude cell model: open-circuit voltage linear in state of charge
// behind a series resistance
type Pack struct {
	// Capacity is the full charge, Ah
	Capacity float64 `koanf:"Capacity" yaml:"Capacity"`

	// Charge is the charge stored, Ah
	Charge float64 `koanf:"Charge" yaml:"Charge"`

	// Empty and Full are the open-circuit voltages at 0% and 100%
	Empty float64 `koanf:"Empty" yaml:"Empty"`
	Full  float64 `koanf:"Full" yaml:"Full"`

	// Resistance is the series resistance, ohm
	Resistance float64 `koanf:"Resistance" yaml:"Resistance"`
}

// DefaultPack is a half charged 17 Ah cell
func DefaultPack() Pack {
	return Pack{Capacity: 17, Charge: 8.5, Empty: 3.4, Full: 4.1, Resistance: 0.01}
}

// OCV is the open-circuit voltage.  It keeps rising past full so that an
// overcharge is visible.
func (p Pack) OCV() float64 {
	soc := math.Max(0, p.Charge/p.Capacity)
	return p.Empty + (p.Full-p.Empty)*soc
}

// Mock is an in-memory stand-in for the instrument, speaking its command set
// byte for byte.  It regulates current or voltage into a Pack and runs its
// own clock, optionally faster than the wall clock.
type Mock struct {
	mu sync.Mutex

	pack Pack

	// FullScale is the current at limit code 0xFF, A
	FullScale float64

	// Speed multiplies the wall clock
	Speed float64

	remote      bool
	voltageMode bool
	limit       int
	setAmps     float64
	setVolts    float64

	start    time.Time
	lastSim  time.Duration
	wallNow  func() time.Time
	deadline time.Time

	partial []byte
	rx      bytes.Buffer
	mute    map[string]int
	closed  bool
}

// NewMock returns a Mock holding pack, running speed times faster than the
// wall clock
func NewMock(pack Pack, speed float64) *Mock {
	if speed <= 0 {
		speed = 1
	}
	return &Mock{
		pack:      pack,
		FullScale: 20,
		Speed:     speed,
		limit:     DefaultLimit,
		start:     time.Now(),
		wallNow:   time.Now,
		mute:      map[string]int{},
	}
}

// Elapsed is the mock's clock, the wall time since NewMock scaled by Speed
func (m *Mock) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed()
}

func (m *Mock) elapsed() time.Duration {
	return time.Duration(float64(m.wallNow().Sub(m.start)) * m.Speed)
}

// Mute drops the reply to the next n occurrences of cmd
func (m *Mock) Mute(cmd string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mute[cmd] += n
}

// Pack returns the current state of the pack
func (m *Mock) Pack() Pack {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	return m.pack
}

// Write accepts command bytes from the host
func (m *Mock) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	m.partial = append(m.partial, b...)
	for {
		idx := bytes.Index(m.partial, []byte("\r\n"))
		if idx < 0 {
			break
		}
		cmd := strings.TrimSpace(string(m.partial[:idx]))
		m.partial = m.partial[idx+2:]
		m.handle(cmd)
	}
	return len(b), nil
}

// Read hands queued reply bytes to the host.  With nothing queued it waits
// out the read deadline and reports a timeout.
func (m *Mock) Read(b []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.EOF
	}
	if m.rx.Len() > 0 {
		defer m.mu.Unlock()
		return m.rx.Read(b)
	}
	wait := time.Until(m.deadline)
	m.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
	return 0, comm.TimeoutError{}
}

// SetReadDeadline bounds the wait of an empty Read
func (m *Mock) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = t
	return nil
}

// Close ends the session
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Mock) reply(lines ...string) {
	for _, l := range lines {
		m.rx.WriteString(l + "\r\n")
	}
}

func (m *Mock) handle(cmd string) {
	m.advance()
	if m.mute[cmd] > 0 {
		m.mute[cmd]--
		return
	}
	switch {
	case cmd == "":
		return
	case cmd == BacktalkOff:
	case cmd == Remote:
		m.remote = true
	case cmd == Local:
		m.remote = false
	case cmd == CurrentMode:
		m.voltageMode = false
	case cmd == VoltageMode:
		m.voltageMode = true
	case cmd == MeasureVoltage:
		m.reply(fmt.Sprintf("%.4f", m.terminal()), "ok")
		return
	case cmd == MeasureCurrent:
		m.reply(fmt.Sprintf("%.4f", m.current()), "ok")
		return
	case cmd == QueryMode:
		mode := "MI"
		if m.voltageMode {
			mode = "MV"
		}
		m.reply(mode, "ok")
		return
	case strings.HasPrefix(cmd, "PL"):
		code, err := strconv.ParseInt(strings.TrimPrefix(cmd[2:], "+"), 16, 32)
		if err != nil || !m.remote {
			m.reply("E01", "ok")
			return
		}
		m.limit = int(code)
	case strings.HasPrefix(cmd, "PC"), strings.HasPrefix(cmd, "PV"):
		f, err := strconv.ParseFloat(cmd[2:], 64)
		if err != nil || !m.remote {
			m.reply("E01", "ok")
			return
		}
		if cmd[1] == 'C' {
			m.setAmps = f
		} else {
			m.setVolts = f
		}
	default:
		m.reply("E00", "ok")
		return
	}
	m.reply(cmd, "ok")
}

// rail is the current limit, A
func (m *Mock) rail() float64 {
	return m.FullScale * float64(m.limit) / 0x100
}

// current is the output current under the present regulation, into the pack
func (m *Mock) current() float64 {
	if !m.remote {
		return 0
	}
	rail := m.rail()
	if m.voltageMode {
		i := (m.setVolts - m.pack.OCV()) / m.pack.Resistance
		return mathx.Clamp(i, -rail, rail)
	}
	return mathx.Clamp(m.setAmps, -rail, rail)
}

func (m *Mock) terminal() float64 {
	return m.pack.OCV() + m.current()*m.pack.Resistance
}

// advance integrates the output current into the pack up to now
func (m *Mock) advance() {
	now := m.elapsed()
	dt := (now - m.lastSim).Seconds()
	m.lastSim = now
	if dt <= 0 {
		return
	}
	m.pack.Charge += m.current() * dt / 3600
}
