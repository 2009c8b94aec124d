package telemetry

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/battcycle/cycle"
)

// Spinner shows the phase, progress and latest reading on one terminal line
type Spinner struct {
	mu       sync.Mutex
	sp       *yacspin.Spinner
	phase    cycle.Phase
	progress float64
	last     cycle.SampleRecord
	seen     bool
}

// NewSpinner makes a Spinner drawing to w.  It does not draw until Start.
func NewSpinner(w io.Writer) (*Spinner, error) {
	cfg := yacspin.Config{
		Frequency:       250 * time.Millisecond,
		Writer:          w,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " ",
		SuffixAutoColon: true,
		Message:         "starting",
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
		StopMessage:     "done",
	}
	sp, err := yacspin.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Spinner{sp: sp}, nil
}

// Start begins drawing
func (s *Spinner) Start() error {
	return s.sp.Start()
}

// Stop ends drawing and leaves the final line on screen
func (s *Spinner) Stop() error {
	return s.sp.Stop()
}

// OnPhase satisfies cycle.PhaseObserver
func (s *Spinner) OnPhase(p cycle.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	s.progress = 0
	s.seen = false
	s.sp.Suffix(" " + p.String())
	s.sp.Message(s.line())
}

// OnSample satisfies cycle.Sink
func (s *Spinner) OnSample(r cycle.SampleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = r
	s.seen = true
}

// OnProgress satisfies cycle.Sink
func (s *Spinner) OnProgress(f float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = f
	s.sp.Message(s.line())
}

// Line is the message currently shown
func (s *Spinner) Line() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.line()
}

func (s *Spinner) line() string {
	if !s.seen {
		return "waiting for first sample"
	}
	return fmt.Sprintf("%5.1f%% of timeout  %.3f V  %+.3f A  %+.4f Ah",
		100*s.progress, s.last.Voltage, s.last.Current, s.last.Charge)
}
