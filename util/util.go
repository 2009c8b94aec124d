// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// SecsToDuration converts a floating point number of seconds to a time.Duration,
// rounded to the nearest nanosecond.  Values beyond the range of a Duration
// saturate.
func SecsToDuration(secs float64) time.Duration {
	ns := math.Round(secs * 1e9)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	if ns <= math.MinInt64 {
		return time.Duration(math.MinInt64)
	}
	return time.Duration(ns)
}

// DurationToSecs is the inverse of SecsToDuration
func DurationToSecs(d time.Duration) float64 {
	return d.Seconds()
}
