package cycle

import (
	"errors"

	"github.com/nasa-jpl/battcycle/comm"
)

var (
	// ErrProtocolTimeout is a single expected reply that did not arrive
	// within the transport's read bound
	ErrProtocolTimeout = comm.ErrTimeout

	// ErrInstrumentUnresponsive is generated when a phase-entry command fails
	// twice in a row
	ErrInstrumentUnresponsive = errors.New("instrument unresponsive")

	// ErrConfigurationInvalid is generated when TestParameters fail validation
	ErrConfigurationInvalid = errors.New("configuration invalid")
)

// transient reports whether err should cost a single sample rather than the
// phase: a missing reply, or a reply that arrived out of step with the query
func transient(err error) bool {
	return errors.Is(err, comm.ErrTimeout) || errors.Is(err, comm.ErrGarbled)
}
