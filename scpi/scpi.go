// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nasa-jpl/battcycle/comm"
)

// Conn is the line-oriented link a SCPI device is driven over.  *comm.Line
// satisfies it.
type Conn interface {
	Write(cmd string) error
	Query(cmd string) (string, error)
}

// ErrDevice is wrapped by errors popped from the device's error queue
var ErrDevice = errors.New("device error")

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Conn Conn

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	return s.write(s.Handshaking, cmds...)
}

func (s *SCPI) write(handshake bool, cmds ...string) error {
	if s.Conn == nil {
		return comm.ErrNotConnected
	}
	str := strings.Join(cmds, ";:")
	if !handshake {
		return s.Conn.Write(str)
	}
	resp, err := s.Conn.Query("*CLS;:" + str + ";:SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return deviceError(resp)
}

// ReadString sends a query to the device and returns the reply, with the
// line terminator removed
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	return s.readString(s.Handshaking, cmds...)
}

func (s *SCPI) readString(handshake bool, cmds ...string) (string, error) {
	if s.Conn == nil {
		return "", comm.ErrNotConnected
	}
	str := strings.Join(cmds, ";:")
	if !handshake {
		return s.Conn.Query(str)
	}
	resp, err := s.Conn.Query("*CLS;:" + str + ";:SYSTem:ERRor?")
	if err != nil {
		return "", err
	}
	// the error query's reply is the last ;-delimited field
	idx := strings.LastIndex(resp, ";")
	if idx < 0 {
		return "", fmt.Errorf("%w: no error status in %q", comm.ErrGarbled, resp)
	}
	if err := deviceError(resp[idx+1:]); err != nil {
		return "", err
	}
	return resp[:idx], nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return comm.ParseFloat(resp)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string.  Handshaking is not used.
func (s *SCPI) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		return s.readString(false, str)
	}
	return "", s.write(false, str)
}

// Identify returns the *IDN? string
func (s *SCPI) Identify() (string, error) {
	return s.Raw("*IDN?")
}

// Reset issues *RST and clears the status registers
func (s *SCPI) Reset() error {
	return s.Write("*RST", "*CLS")
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.Raw("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return deviceError(str)
}

// AllErrors returns all errors from the device as a list.  The queue is
// bounded on real hardware; a link failure also ends the walk.
func (s *SCPI) AllErrors() []error {
	var errs []error
	for {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if !errors.Is(err, ErrDevice) {
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}

// deviceError turns an error queue entry such as `-113,"Undefined header"`
// into an error, nil for `+0,"No error"`
func deviceError(s string) error {
	s = strings.TrimSpace(s)
	code := s
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		code = s[:idx]
	}
	n, err := strconv.Atoi(strings.TrimPrefix(code, "+"))
	if err != nil {
		return fmt.Errorf("%w: error status %q", comm.ErrGarbled, s)
	}
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDevice, s)
}
