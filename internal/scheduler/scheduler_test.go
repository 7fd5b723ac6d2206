package scheduler

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lsm/feedmirror/internal/mirror"
	"github.com/lsm/feedmirror/internal/observability"
	"github.com/lsm/feedmirror/internal/ratecontrol"
)

type fakeTicker struct {
	period time.Duration
	ch     chan time.Time

	mu      sync.Mutex
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }

func (f *fakeTicker) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeTicker) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fire blocks until the loop receives the tick.
func (f *fakeTicker) fire(t *testing.T) {
	t.Helper()
	select {
	case f.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatalf("ticker %v was not consumed", f.period)
	}
}

type tickerFactory struct {
	created chan *fakeTicker
}

func newTickerFactory() *tickerFactory {
	return &tickerFactory{created: make(chan *fakeTicker, 16)}
}

func (tf *tickerFactory) new(d time.Duration) Ticker {
	ft := &fakeTicker{period: d, ch: make(chan time.Time)}
	tf.created <- ft
	return ft
}

func (tf *tickerFactory) next(t *testing.T) *fakeTicker {
	t.Helper()
	select {
	case ft := <-tf.created:
		return ft
	case <-time.After(2 * time.Second):
		t.Fatal("no ticker created")
		return nil
	}
}

// scriptedCycler blocks each cycle until the test releases a result.
type scriptedCycler struct {
	started chan context.Context
	results chan mirror.Result
}

func newScriptedCycler() *scriptedCycler {
	return &scriptedCycler{
		started: make(chan context.Context, 4),
		results: make(chan mirror.Result),
	}
}

func (c *scriptedCycler) RunCycle(ctx context.Context) mirror.Result {
	c.started <- ctx
	return <-c.results
}

func (c *scriptedCycler) waitStarted(t *testing.T) context.Context {
	t.Helper()
	select {
	case ctx := <-c.started:
		return ctx
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not start")
		return nil
	}
}

func (c *scriptedCycler) finish(t *testing.T, res mirror.Result) {
	t.Helper()
	select {
	case c.results <- res:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle result not consumed")
	}
}

type harness struct {
	loop    *Loop
	cycler  *scriptedCycler
	factory *tickerFactory
	poll    *fakeTicker
	control *fakeTicker
	cancel  context.CancelFunc
	done    chan error
}

func start(t *testing.T, delay int, opts ...Option) *harness {
	t.Helper()
	ctrl, err := ratecontrol.New(delay)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{cycler: newScriptedCycler(), factory: newTickerFactory(), done: make(chan error, 1)}
	opts = append([]Option{WithTickerFunc(h.factory.new), WithControlPeriod(120 * time.Second)}, opts...)
	h.loop = New(h.cycler, ctrl, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.loop.Run(ctx) }()

	h.poll = h.factory.next(t)
	h.control = h.factory.next(t)
	t.Cleanup(cancel)
	return h
}

func (h *harness) cycle(t *testing.T, res mirror.Result) {
	t.Helper()
	before := h.loop.Status().Cycles
	h.poll.fire(t)
	h.cycler.waitStarted(t)
	h.cycler.finish(t, res)
	waitFor(t, func() bool { return h.loop.Status().Cycles == before+1 })
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoop_TickerPeriods(t *testing.T) {
	h := start(t, 60)
	if h.poll.period != 60*time.Second {
		t.Errorf("expected 60s poll ticker, got %v", h.poll.period)
	}
	if h.control.period != 120*time.Second {
		t.Errorf("expected 120s control ticker, got %v", h.control.period)
	}
	h.stop(t)
}

func TestLoop_StableWindowKeepsDelay(t *testing.T) {
	h := start(t, 60)

	// First window only holds the (1,1) seed.
	h.control.fire(t)
	waitFor(t, func() bool { return h.loop.Status().LastDecision != nil })

	h.cycle(t, mirror.Result{New: 8, Duplicates: 2})
	h.cycle(t, mirror.Result{New: 0, Duplicates: 5})

	st := h.loop.Status()
	if st.PendingNew != 8 || st.PendingDuplicates != 7 {
		t.Fatalf("expected pending (8,7), got (%d,%d)", st.PendingNew, st.PendingDuplicates)
	}

	h.control.fire(t)
	waitFor(t, func() bool { return h.loop.Status().LastDecision.New == 8 })

	st = h.loop.Status()
	dec := st.LastDecision
	if dec.Duplicates != 7 || dec.Ratio == nil || math.Abs(*dec.Ratio-7.0/15.0) > 1e-9 {
		t.Fatalf("unexpected decision %+v", dec)
	}
	if dec.Adjustment != 0 || st.DelaySecs != 60 {
		t.Fatalf("expected delay to stay at 60, got %d (adjustment %d)", st.DelaySecs, dec.Adjustment)
	}
	if st.PendingNew != 0 || st.PendingDuplicates != 0 {
		t.Fatalf("expected accumulators reset, got (%d,%d)", st.PendingNew, st.PendingDuplicates)
	}
	if h.poll.isStopped() {
		t.Fatal("poll ticker must not be rearmed without a change")
	}
	h.stop(t)
}

func TestLoop_MostlyDuplicatesRearmsPollTicker(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	h := start(t, 60, WithMetrics(m))

	h.control.fire(t)
	waitFor(t, func() bool { return h.loop.Status().LastDecision != nil })

	h.cycle(t, mirror.Result{New: 2, Duplicates: 8})
	h.control.fire(t)

	rearmed := h.factory.next(t)
	if rearmed.period != 61*time.Second {
		t.Fatalf("expected 61s ticker, got %v", rearmed.period)
	}
	if !h.poll.isStopped() {
		t.Fatal("old poll ticker must be stopped before rearming")
	}
	waitFor(t, func() bool { return h.loop.Status().DelaySecs == 61 })

	if got := testutil.ToFloat64(m.PollInterval); got != 61 {
		t.Errorf("expected interval gauge 61, got %v", got)
	}
	if got := testutil.ToFloat64(m.IntervalAdjustments.WithLabelValues("up")); got != 1 {
		t.Errorf("expected one upward adjustment, got %v", got)
	}

	// The new ticker drives cycles from now on.
	h.poll = rearmed
	h.cycle(t, mirror.Result{New: 1})
	h.stop(t)
}

func TestLoop_SkipsOverlappingPoll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	h := start(t, 5, WithMetrics(m))

	h.poll.fire(t)
	h.cycler.waitStarted(t)
	h.poll.fire(t)
	waitFor(t, func() bool { return h.loop.Status().Skipped == 1 })

	select {
	case <-h.cycler.started:
		t.Fatal("a second cycle started while one was in flight")
	default:
	}

	h.cycler.finish(t, mirror.Result{New: 1})
	waitFor(t, func() bool { return h.loop.Status().Cycles == 1 })

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues(observability.CycleSkipped)); got != 1 {
		t.Errorf("expected skipped=1, got %v", got)
	}
	h.stop(t)
}

func TestLoop_ShutdownWaitsForInFlightCycle(t *testing.T) {
	h := start(t, 30)

	h.poll.fire(t)
	cycleCtx := h.cycler.waitStarted(t)
	h.cancel()

	select {
	case <-cycleCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cycle context was not cancelled")
	}
	select {
	case <-h.done:
		t.Fatal("loop exited before the in-flight cycle finished")
	case <-time.After(20 * time.Millisecond):
	}

	h.cycler.finish(t, mirror.Result{New: 1})
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}

	st := h.loop.Status()
	if st.Cycles != 1 || st.InFlight {
		t.Fatalf("expected the in-flight cycle recorded, got %+v", st)
	}
	if !h.poll.isStopped() || !h.control.isStopped() {
		t.Fatal("expected both tickers stopped")
	}
}

func TestLoop_ClampsAtMinimum(t *testing.T) {
	h := start(t, 1)

	h.control.fire(t)
	waitFor(t, func() bool { return h.loop.Status().LastDecision != nil })
	h.cycle(t, mirror.Result{New: 10})
	h.control.fire(t)
	waitFor(t, func() bool { return h.loop.Status().LastDecision.New == 10 })

	st := h.loop.Status()
	if !st.LastDecision.Clamped || st.DelaySecs != 1 {
		t.Fatalf("expected clamp at 1s, got %+v", st.LastDecision)
	}
	if h.poll.isStopped() {
		t.Fatal("poll ticker must not be rearmed on a clamp")
	}
	h.stop(t)
}

func TestStatus_JSON(t *testing.T) {
	h := start(t, 60)
	h.control.fire(t)
	waitFor(t, func() bool { return h.loop.Status().LastDecision != nil })
	// An empty window has no ratio.
	h.control.fire(t)
	waitFor(t, func() bool { return h.loop.Status().LastDecision.New == 0 })
	h.stop(t)

	b, err := json.Marshal(h.loop.Status())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out["delay_secs"] != float64(60) {
		t.Errorf("expected delay_secs 60, got %v", out["delay_secs"])
	}
	dec := out["last_decision"].(map[string]any)
	if dec["ratio"] != nil {
		t.Errorf("expected null ratio for empty window, got %v", dec["ratio"])
	}
}
