/*Package comm provides the transport and line protocol used to talk to the
battery rig's instruments.

Most usages of this package will boil down to:
	1.  make a RemoteDevice for the serial port or TCP bridge the instrument
		sits behind and Open it.
	2.  wrap the device in a Line with the instrument's terminators and the
		acknowledgement lines it is known to emit.
	3.  drive the instrument with Write, Query, QueryFloat, and Drain.

Drain is the resynchronization primitive.  Some instruments echo an extra
acknowledgement after certain commands, or leave a reply from an earlier
exchange sitting in the buffer; a Line never assumes a fixed number of reads
per command, it drains until the remote goes quiet instead.
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTimeout is generated when a required reply does not arrive within
	// the read bound of the Line
	ErrTimeout = errors.New("protocol timeout: no reply within read bound")

	// ErrGarbled is generated when a reply arrives but cannot be parsed as
	// the value that was asked for
	ErrGarbled = errors.New("garbled reply")

	// ErrDrainOverflow is generated when a drain discards more lines than the
	// Line allows, which means the remote is streaming and will not go quiet
	ErrDrainOverflow = errors.New("drain did not reach an empty buffer")
)

// Terminators holds the transmission and receipt terminators for a device.
// Rx may be more than one byte long.
type Terminators struct {
	Tx string `koanf:"Tx" yaml:"Tx"`
	Rx string `koanf:"Rx" yaml:"Rx"`
}

// DefaultTerminators is CRLF in both directions
var DefaultTerminators = Terminators{Tx: "\r\n", Rx: "\r\n"}

/*RemoteDevice has an address and can be opened over serial or TCP.

Poll is the window of a single read.  On a serial port it is burned into the
port configuration as the read timeout; on TCP it becomes a per-read deadline
set by the Line.
*/
type RemoteDevice struct {
	sync.Mutex

	Addr     string
	IsSerial bool
	Baud     int
	Poll     time.Duration
	Conn     io.ReadWriteCloser

	log logrus.FieldLogger
}

// NewRemoteDevice creates a new RemoteDevice instance
func NewRemoteDevice(addr string, isSerial bool, baud int, poll time.Duration, log logrus.FieldLogger) *RemoteDevice {
	if baud == 0 {
		baud = 9600
	}
	if poll == 0 {
		poll = DefaultPoll
	}
	return &RemoteDevice{
		Addr:     addr,
		IsSerial: isSerial,
		Baud:     baud,
		Poll:     poll,
		log:      orDiscard(log).WithField("addr", addr),
	}
}

// SerialConf yields a pointer to a serial config object for use with serial.OpenPort
func (rd *RemoteDevice) SerialConf() *serial.Config {
	return &serial.Config{
		Name:        rd.Addr,
		Baud:        rd.Baud,
		ReadTimeout: rd.Poll,
	}
}

// Open the connection, setting the Conn variable
func (rd *RemoteDevice) Open() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn != nil {
		return nil
	}
	// serial adapters and terminal servers both dislike being
	// connection thrashed, so back off between attempts
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") || strings.Contains(errS, "no such") {
				return backoff.Permanent(err)
			}
			rd.log.WithError(err).Debug("open failed, retrying")
			return err
		}
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("opening %s: %w", rd.Addr, err)
	}
	rd.log.Info("connection open")
	return nil
}

func (rd *RemoteDevice) open() error {
	var (
		err  error
		conn io.ReadWriteCloser
	)
	if rd.IsSerial {
		conn, err = serial.OpenPort(rd.SerialConf())
	} else {
		conn, err = net.DialTimeout("tcp", rd.Addr, 3*time.Second)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
	}
	return err
}

// Line opens the device if needed and wraps it in a Line.  A serial port
// reports an expired read window as an empty read, the Line is told so.
func (rd *RemoteDevice) Line(term Terminators, opts LineOptions) (*Line, error) {
	if err := rd.Open(); err != nil {
		return nil, err
	}
	if opts.Poll == 0 {
		opts.Poll = rd.Poll
	}
	opts.EmptyReadIsTimeout = rd.IsSerial
	return NewLine(rd.Conn, term, opts, rd.log), nil
}

func orDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log != nil {
		return log
	}
	l := logrus.New()
	l.Out = io.Discard
	return l
}
