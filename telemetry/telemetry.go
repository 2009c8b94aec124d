// Package telemetry holds the consumers of a cycle's sample stream: the
// result file, the log, the live HTTP view and the terminal spinner.  Each
// satisfies cycle.Sink; Multi fans one stream out to several.
package telemetry

import (
	"github.com/nasa-jpl/battcycle/cycle"
)

// Multi forwards every call to each of its sinks in order
type Multi []cycle.Sink

// OnSample satisfies cycle.Sink
func (m Multi) OnSample(r cycle.SampleRecord) {
	for _, s := range m {
		s.OnSample(r)
	}
}

// OnProgress satisfies cycle.Sink
func (m Multi) OnProgress(f float64) {
	for _, s := range m {
		s.OnProgress(f)
	}
}

// OnPhase satisfies cycle.PhaseObserver, for the sinks that want it
func (m Multi) OnPhase(p cycle.Phase) {
	for _, s := range m {
		if o, ok := s.(cycle.PhaseObserver); ok {
			o.OnPhase(p)
		}
	}
}
