package comm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds the wait for a required reply
	DefaultTimeout = 2 * time.Second

	// DefaultPoll is the window of a single read, and the quiet period that
	// ends a drain
	DefaultPoll = 150 * time.Millisecond

	// DefaultMaxDrain is the number of lines a single drain may discard
	DefaultMaxDrain = 64

	readChunk = 256
)

// LineOptions configures a Line.  Zero values take the package defaults.
type LineOptions struct {
	// Timeout bounds the wait for a required reply
	Timeout time.Duration

	// Poll is the window of a single read
	Poll time.Duration

	// Ignore holds acknowledgement or prompt lines the remote emits on its
	// own; they are skipped while waiting for a reply
	Ignore []string

	// MaxDrain caps the lines discarded by one drain
	MaxDrain int

	// EmptyReadIsTimeout is set for transports that report an expired read
	// window as a zero byte read or io.EOF rather than a timeout error
	EmptyReadIsTimeout bool
}

type deadliner interface {
	SetReadDeadline(time.Time) error
}

// Line is a line-oriented request/response channel.  It is safe for
// concurrent use; exchanges are serialized so one request is in flight at a
// time.
type Line struct {
	mu      sync.Mutex
	rw      io.ReadWriter
	term    Terminators
	opts    LineOptions
	pending []byte
	log     logrus.FieldLogger

	now func() time.Time
}

// NewLine wraps rw in a Line
func NewLine(rw io.ReadWriter, term Terminators, opts LineOptions, log logrus.FieldLogger) *Line {
	if term.Tx == "" {
		term.Tx = DefaultTerminators.Tx
	}
	if term.Rx == "" {
		term.Rx = DefaultTerminators.Rx
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Poll == 0 {
		opts.Poll = DefaultPoll
	}
	if opts.MaxDrain == 0 {
		opts.MaxDrain = DefaultMaxDrain
	}
	return &Line{
		rw:   rw,
		term: term,
		opts: opts,
		log:  orDiscard(log),
		now:  time.Now,
	}
}

// Write sends a command with no expectation of a reply
func (l *Line) Write(cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(cmd)
}

func (l *Line) write(cmd string) error {
	if l.rw == nil {
		return ErrNotConnected
	}
	l.log.WithField("cmd", cmd).Debug("tx")
	_, err := io.WriteString(l.rw, cmd+l.term.Tx)
	return err
}

// Query sends a command and blocks for exactly one reply line.  Empty lines
// and lines in the ignore list do not count as the reply.
func (l *Line) Query(cmd string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.write(cmd); err != nil {
		return "", err
	}
	deadline := l.now().Add(l.opts.Timeout)
	for {
		line, err := l.readLine(deadline)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return "", fmt.Errorf("%s: %w", cmd, err)
			}
			return "", err
		}
		if line == "" || l.ignored(line) {
			l.log.WithField("cmd", cmd).WithField("echo", line).Debug("skipped acknowledgement")
			continue
		}
		l.log.WithField("cmd", cmd).WithField("echo", line).Debug("rx")
		return line, nil
	}
}

// QueryFloat sends a command expecting a single numeric reply.  The first
// whitespace or comma delimited token of the reply is parsed.
func (l *Line) QueryFloat(cmd string) (float64, error) {
	resp, err := l.Query(cmd)
	if err != nil {
		return 0, err
	}
	return ParseFloat(resp)
}

// ParseFloat parses the first whitespace or comma delimited token of s
func ParseFloat(s string) (float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty reply", ErrGarbled)
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrGarbled, s)
	}
	return f, nil
}

// Drain discards everything the remote has sent or is sending, reading until
// a single poll window passes with no data.  It returns the number of lines
// discarded, counting a trailing partial line as one.
func (l *Line) Drain() (int, error) {
	return l.DrainQuiet(l.opts.Poll)
}

// DrainQuiet is Drain with a caller chosen quiet period.  Every arrival
// restarts the period, so a reply that trails a timed-out query by up to
// quiet is discarded rather than read as the answer to the next one.
func (l *Line) DrainQuiet(quiet time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if quiet < l.opts.Poll {
		quiet = l.opts.Poll
	}
	discarded := 0
	quietEnd := l.now().Add(quiet)
	for {
		for {
			idx := bytes.Index(l.pending, []byte(l.term.Rx))
			if idx < 0 {
				break
			}
			l.log.WithField("echo", string(l.pending[:idx])).Debug("drained")
			l.pending = l.pending[idx+len(l.term.Rx):]
			discarded++
		}
		if discarded > l.opts.MaxDrain {
			l.pending = nil
			return discarded, ErrDrainOverflow
		}
		window := l.now().Add(l.opts.Poll)
		if window.After(quietEnd) {
			window = quietEnd
		}
		n, err := l.poll(window)
		if err != nil {
			return discarded, err
		}
		if n > 0 {
			quietEnd = l.now().Add(quiet)
			continue
		}
		if !l.now().Before(quietEnd) {
			break
		}
		// readers that report an expired window early must not spin
		time.Sleep(time.Until(window))
	}
	if len(l.pending) > 0 {
		l.log.WithField("echo", string(l.pending)).Debug("drained partial line")
		l.pending = nil
		discarded++
	}
	if discarded > 0 {
		l.log.WithField("lines", discarded).Debug("residue purged from buffer")
	}
	return discarded, nil
}

// readLine returns the next complete line with the terminator stripped,
// waiting until deadline for it to arrive
func (l *Line) readLine(deadline time.Time) (string, error) {
	rx := []byte(l.term.Rx)
	for {
		if idx := bytes.Index(l.pending, rx); idx >= 0 {
			line := string(l.pending[:idx])
			l.pending = l.pending[idx+len(rx):]
			return strings.TrimSpace(line), nil
		}
		if !l.now().Before(deadline) {
			return "", ErrTimeout
		}
		window := l.now().Add(l.opts.Poll)
		if window.After(deadline) {
			window = deadline
		}
		if _, err := l.poll(window); err != nil {
			return "", err
		}
	}
}

// poll performs a single read bounded by window, appending whatever arrives
// to the pending buffer.  An expired window is reported as zero bytes and a
// nil error.
func (l *Line) poll(window time.Time) (int, error) {
	if l.rw == nil {
		return 0, ErrNotConnected
	}
	if d, ok := l.rw.(deadliner); ok {
		if err := d.SetReadDeadline(window); err != nil {
			return 0, err
		}
	}
	buf := make([]byte, readChunk)
	n, err := l.rw.Read(buf)
	l.pending = append(l.pending, buf[:n]...)
	if err == nil {
		if n == 0 && !l.opts.EmptyReadIsTimeout {
			// a reader with no notion of time returned nothing; wait out the
			// window so callers do not spin
			time.Sleep(time.Until(window))
		}
		return n, nil
	}
	if isTimeout(err) || (l.opts.EmptyReadIsTimeout && errors.Is(err, io.EOF)) {
		return n, nil
	}
	return n, err
}

func (l *Line) ignored(line string) bool {
	for _, s := range l.opts.Ignore {
		if line == s {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// TimeoutError is a net.Error reporting an expired read window.  In-memory
// transports return it when they have nothing to give.
type TimeoutError struct{}

func (TimeoutError) Error() string   { return "read window expired" }
func (TimeoutError) Timeout() bool   { return true }
func (TimeoutError) Temporary() bool { return true }
