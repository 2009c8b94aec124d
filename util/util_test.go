package util_test

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/nasa-jpl/battcycle/util"
)

func ExampleSecsToDuration() {
	fmt.Println(util.SecsToDuration(1.5 * 3600 / 0.6))
	// Output: 2h30m0s
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestSecsToDurationSaturates(t *testing.T) {
	if out := util.SecsToDuration(math.Inf(1)); out != time.Duration(math.MaxInt64) {
		t.Errorf("expected +Inf to saturate, got %v", out)
	}
}
