// Package ratecontrol retunes the feed polling interval from the share of
// duplicate events observed since the previous evaluation.
package ratecontrol

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultControlPeriod is how often the controller is evaluated.
	DefaultControlPeriod = 120 * time.Second

	// DefaultMinDelay is the smallest polling interval, in seconds.
	DefaultMinDelay = 1
)

// Band limits for the duplicate ratio.
const (
	lowWatermark  = 0.3
	highWatermark = 0.5
)

// Adjustment maps a duplicate ratio to a signed change of the polling delay:
//
//	[0, 0.3)   -1  more new events than expected, poll faster
//	[0.3, 0.5]  0  stable
//	(0.5, 1)   +1  mostly duplicates, poll slower
//
// A ratio of exactly 1, NaN or anything outside [0, 1] leaves the delay alone.
func Adjustment(ratio float64) int {
	switch {
	case ratio >= 0 && ratio < lowWatermark:
		return -1
	case ratio >= lowWatermark && ratio <= highWatermark:
		return 0
	case ratio > highWatermark && ratio < 1:
		return 1
	default:
		return 0
	}
}

// Ratio returns dupl/(dupl+new). It is NaN when both are zero.
func Ratio(dupl, new int) float64 {
	total := dupl + new
	if total == 0 {
		return math.NaN()
	}
	return float64(dupl) / float64(total)
}

// Decision describes one evaluation of the controller.
type Decision struct {
	New        int
	Duplicates int
	Ratio      float64
	Adjustment int
	Previous   int // delay before the evaluation, seconds
	Delay      int // delay after the evaluation, seconds
	Clamped    bool
}

// Changed reports whether the poll timer has to be rearmed.
func (d Decision) Changed() bool {
	return d.Delay != d.Previous
}

// Controller owns the polling delay and the new/duplicate accumulators.
// It is not safe for concurrent use; a single goroutine must own it.
type Controller struct {
	delay    int
	minDelay int
	newMsgs  int
	duplMsgs int
}

// Option configures a Controller.
type Option func(*Controller)

// WithMinDelay sets the lower bound for the delay, in seconds.
func WithMinDelay(secs int) Option {
	return func(c *Controller) {
		if secs > 0 {
			c.minDelay = secs
		}
	}
}

// New creates a controller polling every initialDelay seconds.
func New(initialDelay int, opts ...Option) (*Controller, error) {
	c := &Controller{
		delay:    initialDelay,
		minDelay: DefaultMinDelay,
		// Seeded with 1 so the very first evaluation never divides 0 by 0.
		newMsgs:  1,
		duplMsgs: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if initialDelay < c.minDelay {
		return nil, fmt.Errorf("initial delay %ds is below the minimum of %ds", initialDelay, c.minDelay)
	}
	return c, nil
}

// Record adds one cycle's counts to the accumulators.
func (c *Controller) Record(newCount, dupCount int) {
	if newCount > 0 {
		c.newMsgs += newCount
	}
	if dupCount > 0 {
		c.duplMsgs += dupCount
	}
}

// Delay returns the current polling delay in seconds.
func (c *Controller) Delay() int {
	return c.delay
}

// Interval returns the current polling delay as a duration.
func (c *Controller) Interval() time.Duration {
	return time.Duration(c.delay) * time.Second
}

// Pending returns the accumulated counts since the last evaluation.
func (c *Controller) Pending() (newCount, dupCount int) {
	return c.newMsgs, c.duplMsgs
}

// Evaluate computes the duplicate ratio, resets the accumulators and applies
// the resulting adjustment to the delay.
func (c *Controller) Evaluate() Decision {
	d := Decision{
		New:        c.newMsgs,
		Duplicates: c.duplMsgs,
		Ratio:      Ratio(c.duplMsgs, c.newMsgs),
		Previous:   c.delay,
	}
	d.Adjustment = Adjustment(d.Ratio)

	c.newMsgs, c.duplMsgs = 0, 0

	if d.Adjustment != 0 {
		next := c.delay + d.Adjustment
		if next < c.minDelay {
			next = c.minDelay
			d.Clamped = true
		}
		c.delay = next
	}
	d.Delay = c.delay
	return d
}
