// Package scheduler drives poll cycles on an adaptive interval and retunes
// the interval on a fixed control period.
package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/lsm/feedmirror/internal/mirror"
	"github.com/lsm/feedmirror/internal/observability"
	"github.com/lsm/feedmirror/internal/ratecontrol"
)

// Cycler runs one poll cycle.
type Cycler interface {
	RunCycle(ctx context.Context) mirror.Result
}

// Status is a point-in-time copy of the loop state.
type Status struct {
	DelaySecs         int        `json:"delay_secs"`
	PendingNew        int        `json:"pending_new"`
	PendingDuplicates int        `json:"pending_duplicates"`
	InFlight          bool       `json:"in_flight"`
	Cycles            uint64     `json:"cycles"`
	Skipped           uint64     `json:"skipped"`
	LastResult        Result     `json:"last_result"`
	LastCycleAt       *time.Time `json:"last_cycle_at,omitempty"`
	LastDecision      *Decision  `json:"last_decision,omitempty"`
}

// Result is the JSON form of a cycle result.
type Result struct {
	New        int `json:"new"`
	Duplicates int `json:"duplicates"`
}

// Decision is the JSON form of a controller evaluation. Ratio is nil for an
// empty window.
type Decision struct {
	At         time.Time `json:"at"`
	New        int       `json:"new"`
	Duplicates int       `json:"duplicates"`
	Ratio      *float64  `json:"ratio"`
	Adjustment int       `json:"adjustment"`
	DelaySecs  int       `json:"delay_secs"`
	Clamped    bool      `json:"clamped"`
}

// Loop owns the rate controller and both tickers. All controller access
// happens on the goroutine running Run.
type Loop struct {
	runner        Cycler
	ctrl          *ratecontrol.Controller
	controlPeriod time.Duration
	newTicker     TickerFunc
	now           func() time.Time
	logger        *slog.Logger
	metrics       *observability.Metrics

	status  atomic.Pointer[Status]
	cycles  uint64
	skipped uint64
	last    Result
	lastAt  *time.Time
	lastDec *Decision
}

// Option configures a Loop.
type Option func(*Loop)

// WithControlPeriod sets how often the controller is evaluated.
func WithControlPeriod(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.controlPeriod = d
		}
	}
}

// WithTickerFunc replaces the ticker factory.
func WithTickerFunc(fn TickerFunc) Option {
	return func(l *Loop) { l.newTicker = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// New creates a loop. ctrl must not be used by anyone else afterwards.
func New(runner Cycler, ctrl *ratecontrol.Controller, opts ...Option) *Loop {
	l := &Loop{
		runner:        runner,
		ctrl:          ctrl,
		controlPeriod: ratecontrol.DefaultControlPeriod,
		newTicker:     NewTimeTicker,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.publishStatus(false)
	return l
}

// Status returns the latest snapshot. Safe for concurrent use.
func (l *Loop) Status() Status {
	return *l.status.Load()
}

// Run polls until ctx is done. Cycles never overlap: a poll firing while a
// cycle is in flight is skipped. On cancellation Run stops both tickers,
// waits for the in-flight cycle, records its result and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	poll := l.newTicker(l.ctrl.Interval())
	control := l.newTicker(l.controlPeriod)
	l.setIntervalGauge()

	l.logger.Info("scheduler started",
		"delay_secs", l.ctrl.Delay(),
		"control_period", l.controlPeriod.String(),
	)

	// done is nil while no cycle is running.
	var done chan mirror.Result

	for {
		select {
		case <-ctx.Done():
			poll.Stop()
			control.Stop()
			if done != nil {
				l.logger.Info("waiting for in-flight cycle")
				l.record(<-done)
			}
			l.publishStatus(false)
			l.logger.Info("scheduler stopped", "delay_secs", l.ctrl.Delay(), "cycles", l.cycles)
			return nil

		case <-poll.C():
			if done != nil {
				l.skipped++
				if l.metrics != nil {
					l.metrics.CyclesTotal.WithLabelValues(observability.CycleSkipped).Inc()
				}
				l.logger.Warn("previous cycle still running, skipping poll", "delay_secs", l.ctrl.Delay())
				l.publishStatus(true)
				continue
			}
			done = make(chan mirror.Result, 1)
			go func(out chan<- mirror.Result) {
				out <- l.runner.RunCycle(ctx)
			}(done)
			l.publishStatus(true)

		case res := <-done:
			done = nil
			l.record(res)
			l.publishStatus(false)

		case <-control.C():
			if l.evaluate() {
				poll.Stop()
				poll = l.newTicker(l.ctrl.Interval())
			}
			l.publishStatus(done != nil)
		}
	}
}

func (l *Loop) record(res mirror.Result) {
	l.ctrl.Record(res.New, res.Duplicates)
	l.cycles++
	l.last = Result{New: res.New, Duplicates: res.Duplicates}
	at := l.now()
	l.lastAt = &at
}

// evaluate runs the controller and reports whether the poll ticker must be
// rearmed.
func (l *Loop) evaluate() bool {
	d := l.ctrl.Evaluate()

	dec := &Decision{
		At:         l.now(),
		New:        d.New,
		Duplicates: d.Duplicates,
		Adjustment: d.Adjustment,
		DelaySecs:  d.Delay,
		Clamped:    d.Clamped,
	}
	if !math.IsNaN(d.Ratio) {
		ratio := d.Ratio
		dec.Ratio = &ratio
	}
	l.lastDec = dec

	l.logger.Info("poll statistics",
		"new", d.New,
		"duplicates", d.Duplicates,
		"ratio", ratioValue(d.Ratio),
	)
	if d.Ratio == 1 {
		l.logger.Debug("every event was a duplicate, keeping delay", "delay_secs", d.Delay)
	}
	if d.Clamped {
		l.logger.Warn("poll delay at minimum", "delay_secs", d.Delay, "adjustment", d.Adjustment)
	}

	if l.metrics != nil {
		if !math.IsNaN(d.Ratio) {
			l.metrics.DuplicateRatio.Set(d.Ratio)
		}
		if d.Changed() {
			l.metrics.IntervalAdjustments.WithLabelValues(direction(d.Delay - d.Previous)).Inc()
		}
	}

	if !d.Changed() {
		return false
	}
	l.logger.Info("setting poll delay", "delay_secs", d.Delay, "previous_secs", d.Previous)
	l.setIntervalGauge()
	return true
}

func (l *Loop) setIntervalGauge() {
	if l.metrics != nil {
		l.metrics.PollInterval.Set(float64(l.ctrl.Delay()))
	}
}

func (l *Loop) publishStatus(inFlight bool) {
	pendingNew, pendingDup := l.ctrl.Pending()
	l.status.Store(&Status{
		DelaySecs:         l.ctrl.Delay(),
		PendingNew:        pendingNew,
		PendingDuplicates: pendingDup,
		InFlight:          inFlight,
		Cycles:            l.cycles,
		Skipped:           l.skipped,
		LastResult:        l.last,
		LastCycleAt:       l.lastAt,
		LastDecision:      l.lastDec,
	})
}

func direction(delta int) string {
	if delta > 0 {
		return "up"
	}
	return "down"
}

// ratioValue keeps NaN out of the JSON log handler.
func ratioValue(r float64) any {
	if math.IsNaN(r) {
		return "n/a"
	}
	return r
}
