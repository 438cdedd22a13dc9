package testutil

import (
	"time"

	"github.com/juju/clock/testclock"
)

// Epoch is the fixed start time for test clocks. It sits on a minute
// boundary so aligned ticks are easy to reason about.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewClock returns a test clock starting at Epoch.
func NewClock() *testclock.Clock {
	return testclock.NewClock(Epoch)
}
