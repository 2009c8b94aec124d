package cycle

import (
	"context"
	"sync/atomic"
)

// StopSignal is the cooperative stop request.  It is polled between samples
// and at phase entry, never during an instrument exchange.
type StopSignal interface {
	ShouldStop() bool
}

// Flag is a StopSignal safe to set from any goroutine
type Flag struct {
	stop atomic.Bool
}

// Set raises the flag
func (f *Flag) Set() {
	f.stop.Store(true)
}

// Reset lowers the flag
func (f *Flag) Reset() {
	f.stop.Store(false)
}

// ShouldStop reports whether the flag is raised
func (f *Flag) ShouldStop() bool {
	return f.stop.Load()
}

type never struct{}

func (never) ShouldStop() bool { return false }

// stopped folds context cancellation into the stop signal
func stopped(ctx context.Context, s StopSignal) bool {
	return ctx.Err() != nil || s.ShouldStop()
}
