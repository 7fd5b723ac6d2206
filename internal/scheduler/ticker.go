package scheduler

import "time"

// Ticker delivers periodic firings. It mirrors *time.Ticker so tests can
// drive the loop by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

// NewTimeTicker returns a Ticker backed by time.NewTicker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }

func (t timeTicker) Stop() { t.t.Stop() }
