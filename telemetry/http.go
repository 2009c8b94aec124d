package telemetry

import (
	"errors"
	"net/http"
	"sync"

	"github.com/nasa-jpl/battcycle/cycle"
	"github.com/nasa-jpl/battcycle/generichttp"
)

// DefaultDepth is the number of records a LiveView keeps
const DefaultDepth = 3600

// Sample is the JSON form of a SampleRecord, undefined values are null
type Sample struct {
	Phase         cycle.Phase `json:"phase"`
	Time          *float64    `json:"time"`
	DischargeTime *float64    `json:"dischargeTime"`
	Voltage       *float64    `json:"voltage"`
	Current       *float64    `json:"current"`
	Charge        *float64    `json:"charge"`
	AhPerV        *float64    `json:"ahPerV"`
	SoC           *float64    `json:"soc"`
}

// NewSample converts r
func NewSample(r cycle.SampleRecord) Sample {
	return Sample{
		Phase:         r.Phase,
		Time:          generichttp.Finite(r.Time),
		DischargeTime: generichttp.Finite(r.DischargeTime),
		Voltage:       generichttp.Finite(r.Voltage),
		Current:       generichttp.Finite(r.Current),
		Charge:        generichttp.Finite(r.Charge),
		AhPerV:        generichttp.Finite(r.AhPerV),
		SoC:           generichttp.Finite(r.SoC),
	}
}

// LiveView keeps the recent history of a run and serves it over HTTP, along
// with a route that raises the stop flag
type LiveView struct {
	mu       sync.RWMutex
	ring     []cycle.SampleRecord
	next     int
	full     bool
	progress float64
	phase    cycle.Phase
	started  bool

	stop *cycle.Flag

	// RouteTable maps method/paths to http handlers
	RouteTable generichttp.RouteTable
}

// NewLiveView returns a LiveView keeping depth records.  stop may be nil, in
// which case the stop routes are not bound.
func NewLiveView(stop *cycle.Flag, depth int) *LiveView {
	if depth <= 0 {
		depth = DefaultDepth
	}
	lv := &LiveView{ring: make([]cycle.SampleRecord, depth), stop: stop}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/sample"}:   lv.Sample,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/history"}:  lv.History,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/progress"}: generichttp.GetFloat(lv.Progress),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/phase"}:    generichttp.GetString(lv.Phase),
	}
	if stop != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/stop"}] = generichttp.GetBool(func() (bool, error) {
			return stop.ShouldStop(), nil
		})
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = generichttp.SetBool(lv.requestStop)
	}
	lv.RouteTable = rt
	return lv
}

// RT satisfies generichttp.HTTPer
func (lv *LiveView) RT() generichttp.RouteTable {
	return lv.RouteTable
}

// OnSample satisfies cycle.Sink
func (lv *LiveView) OnSample(r cycle.SampleRecord) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.ring[lv.next] = r
	lv.next++
	if lv.next == len(lv.ring) {
		lv.next = 0
		lv.full = true
	}
}

// OnProgress satisfies cycle.Sink
func (lv *LiveView) OnProgress(f float64) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.progress = f
}

// OnPhase satisfies cycle.PhaseObserver
func (lv *LiveView) OnPhase(p cycle.Phase) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.phase = p
	lv.started = true
	lv.progress = 0
}

// Records returns the kept records, oldest first
func (lv *LiveView) Records() []cycle.SampleRecord {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	if !lv.full {
		return append([]cycle.SampleRecord(nil), lv.ring[:lv.next]...)
	}
	out := make([]cycle.SampleRecord, 0, len(lv.ring))
	out = append(out, lv.ring[lv.next:]...)
	return append(out, lv.ring[:lv.next]...)
}

// Progress is the fraction of the current phase's timeout used so far
func (lv *LiveView) Progress() (float64, error) {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.progress, nil
}

// Phase is the name of the phase running, "idle" before the first
func (lv *LiveView) Phase() (string, error) {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	if !lv.started {
		return "idle", nil
	}
	return lv.phase.String(), nil
}

// Sample replies with the latest record, 404 before the first
func (lv *LiveView) Sample(w http.ResponseWriter, r *http.Request) {
	lv.mu.RLock()
	n := lv.next
	if n == 0 && lv.full {
		n = len(lv.ring)
	}
	if n == 0 {
		lv.mu.RUnlock()
		http.Error(w, "no sample yet", http.StatusNotFound)
		return
	}
	last := lv.ring[n-1]
	lv.mu.RUnlock()
	generichttp.EncodeAndRespond(w, NewSample(last))
}

// History replies with every kept record, oldest first
func (lv *LiveView) History(w http.ResponseWriter, r *http.Request) {
	recs := lv.Records()
	out := make([]Sample, len(recs))
	for i, rec := range recs {
		out[i] = NewSample(rec)
	}
	generichttp.EncodeAndRespond(w, out)
}

func (lv *LiveView) requestStop(b bool) error {
	if !b {
		return errors.New("a stop cannot be withdrawn")
	}
	lv.stop.Set()
	return nil
}
