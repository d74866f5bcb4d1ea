// Package clock abstracts time for the supervisor's sampling loop so tests
// can drive it tick by tick instead of sleeping.
package clock

import "time"

// Clock is the subset of the time package the supervisor depends on.
type Clock interface {
	// Now returns the current time. Real clocks carry a monotonic reading,
	// so Sub between two Now values is immune to wall-clock steps.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. A non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker struct {
	// C is buffered with capacity 1; ticks that find it full are dropped.
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }
