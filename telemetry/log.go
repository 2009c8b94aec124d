package telemetry

import (
	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/battcycle/cycle"
)

// LogSink writes every record to a logger at debug level
type LogSink struct {
	Log logrus.FieldLogger
}

// OnSample satisfies cycle.Sink
func (l LogSink) OnSample(r cycle.SampleRecord) {
	l.Log.WithFields(logrus.Fields{
		"phase":   r.Phase,
		"time":    r.Time,
		"voltage": r.Voltage,
		"current": r.Current,
		"charge":  r.Charge,
	}).Debug("sample")
}

// OnProgress satisfies cycle.Sink
func (l LogSink) OnProgress(float64) {}
