// Package mirror runs one fetch, dedupe, persist and publish pass over the feed.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/feedmirror/internal/dlq"
	"github.com/lsm/feedmirror/internal/feed"
	"github.com/lsm/feedmirror/internal/observability"
	"github.com/lsm/feedmirror/internal/publish"
	"github.com/lsm/feedmirror/internal/store"
	"github.com/lsm/feedmirror/internal/tracing"
)

// DefaultOperationTimeout bounds each fetch, store and publish call.
const DefaultOperationTimeout = 30 * time.Second

// Result holds the counts of one cycle.
type Result struct {
	New        int
	Duplicates int
}

// Runner executes cycles. It holds no state between cycles; dedup is by the
// store alone.
type Runner struct {
	fetcher   feed.Fetcher
	store     store.Store
	publisher publish.Publisher

	deadLetter *dlq.Handler
	exchange   string
	backend    string
	opTimeout  time.Duration

	logger  *observability.TraceLogger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = observability.NewTraceLogger(l)
		}
	}
}

// WithTracer sets the tracer used for cycle and store spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithDeadLetter re-publishes events whose publish failed through h.
// exchange names the primary exchange in the failure headers.
func WithDeadLetter(h *dlq.Handler, exchange string) Option {
	return func(r *Runner) {
		r.deadLetter = h
		r.exchange = exchange
	}
}

// WithOperationTimeout bounds every collaborator call.
func WithOperationTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.opTimeout = d
		}
	}
}

// WithStoreBackend names the store backend on spans.
func WithStoreBackend(name string) Option {
	return func(r *Runner) { r.backend = name }
}

// NewRunner creates a runner over the given collaborators.
func NewRunner(f feed.Fetcher, s store.Store, p publish.Publisher, opts ...Option) *Runner {
	r := &Runner{
		fetcher:   f,
		store:     s,
		publisher: p,
		opTimeout: DefaultOperationTimeout,
		logger:    observability.NewTraceLogger(slog.Default()),
		tracer:    tracing.Noop("mirror"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.backend != "" {
		r.logger = r.logger.With("store", r.backend)
	}
	return r
}

// RunCycle runs one cycle and never fails: an aborted cycle is logged and
// contributes Result{}.
func (r *Runner) RunCycle(ctx context.Context) Result {
	res, err := r.Run(ctx)
	if err != nil {
		var ce *CycleError
		if errors.As(err, &ce) {
			r.logger.Error(ctx, "cycle failed", "stage", string(ce.Stage), "event_id", ce.EventID, "error", ce.Err)
		} else {
			r.logger.Error(ctx, "cycle failed", "error", err)
		}
		return Result{}
	}
	return res
}

// Run runs one cycle. Errors are *CycleError and come with a zero Result.
//
// Cancelling ctx does not abort the event being processed: every call runs
// on a detached context bounded by the operation timeout. The cycle stops
// before the next event and returns the counts so far.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, r.tracer, tracing.SpanCycle)
	defer span.End()

	res, interrupted, err := r.run(ctx)
	r.observe(start, interrupted, err)

	if err != nil {
		tracing.SetSpanError(span, err)
		return Result{}, err
	}
	span.SetAttributes(tracing.NewCountAttr(res.New), tracing.DupCountAttr(res.Duplicates))
	tracing.SetSpanOK(span)

	r.logger.Info(ctx, "cycle complete",
		"new", res.New,
		"duplicates", res.Duplicates,
		"interrupted", interrupted,
		"duration", time.Since(start).String(),
	)
	return res, nil
}

func (r *Runner) run(ctx context.Context) (res Result, interrupted bool, err error) {
	if ctx.Err() != nil {
		return res, true, nil
	}

	events, err := r.fetch(ctx)
	if err != nil {
		return res, false, &CycleError{Stage: StageFetch, Err: err}
	}
	r.logger.Debug(ctx, "fetched batch", "events", len(events))

	for _, ev := range events {
		if ctx.Err() != nil {
			r.logger.Info(ctx, "cycle interrupted", "processed", res.New+res.Duplicates, "remaining", len(events)-res.New-res.Duplicates)
			return res, true, nil
		}

		isNew, err := r.process(ctx, ev)
		if err != nil {
			return res, false, err
		}
		if isNew {
			res.New++
		} else {
			res.Duplicates++
		}
	}

	// An aborted or interrupted batch is not committed so the next poll sees
	// the same events again.
	if c, ok := r.fetcher.(feed.Committer); ok {
		c.Commit()
	}
	return res, false, nil
}

func (r *Runner) fetch(ctx context.Context) ([]feed.Event, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	return r.fetcher.Fetch(opCtx)
}

// process handles a single event. The store insert always precedes publish.
func (r *Runner) process(ctx context.Context, ev feed.Event) (bool, error) {
	exists, err := r.exists(ctx, ev.ID)
	if err != nil {
		return false, &CycleError{Stage: StageStore, EventID: ev.ID, Err: err}
	}
	if exists {
		r.logger.Debug(ctx, "event already stored", "event_id", ev.ID)
		r.countEvent(observability.OutcomeDuplicate)
		return false, nil
	}

	if err := r.insert(ctx, ev); err != nil {
		return false, &CycleError{Stage: StageStore, EventID: ev.ID, Err: err}
	}

	payload, err := ev.Payload()
	if err != nil {
		return false, &CycleError{Stage: StagePublish, EventID: ev.ID, Err: fmt.Errorf("serialize: %w", err)}
	}
	msg := publish.Message{
		EventID:    ev.ID,
		RoutingKey: publish.RoutingKey(ev.Type),
		Payload:    payload,
		Persistent: true,
	}
	if err := r.publish(ctx, msg); err != nil {
		r.deadLetterMessage(ctx, msg, err)
		return false, &CycleError{Stage: StagePublish, EventID: ev.ID, Err: err}
	}

	r.countEvent(observability.OutcomeNew)
	r.logger.Debug(ctx, "event mirrored", "event_id", ev.ID, "routing_key", msg.RoutingKey)
	return true, nil
}

func (r *Runner) exists(ctx context.Context, id string) (bool, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	opCtx, span := tracing.StartSpan(opCtx, r.tracer, tracing.SpanStoreExists,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.EventIDAttr(id), tracing.StoreBackendAttr(r.backend)),
	)
	defer span.End()

	found, err := r.store.Exists(opCtx, id)
	if err != nil {
		tracing.SetSpanError(span, err)
		return false, err
	}
	tracing.SetSpanOK(span)
	return found, nil
}

func (r *Runner) insert(ctx context.Context, ev feed.Event) error {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	opCtx, span := tracing.StartSpan(opCtx, r.tracer, tracing.SpanStoreInsert,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			tracing.EventIDAttr(ev.ID),
			tracing.EventTypeAttr(ev.Type),
			tracing.StoreBackendAttr(r.backend),
		),
	)
	defer span.End()

	if err := r.store.Insert(opCtx, ev); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (r *Runner) publish(ctx context.Context, msg publish.Message) error {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	return r.publisher.Publish(opCtx, msg)
}

// deadLetterMessage parks an event that was stored but never published; the
// store would otherwise suppress it forever.
func (r *Runner) deadLetterMessage(ctx context.Context, msg publish.Message, cause error) {
	if r.deadLetter == nil {
		return
	}
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	err := r.deadLetter.Send(opCtx, msg, dlq.FailureInfo{
		OriginalExchange: r.exchange,
		Stage:            string(StagePublish),
		Err:              cause,
		Attempts:         1,
	})
	if err != nil {
		r.logger.Error(ctx, "dead-letter publish failed", "event_id", msg.EventID, "routing_key", msg.RoutingKey, "error", err)
		return
	}
	r.countEvent(observability.OutcomeDeadLettered)
	r.logger.Warn(ctx, "event dead-lettered", "event_id", msg.EventID, "routing_key", msg.RoutingKey)
}

func (r *Runner) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.opTimeout)
}

func (r *Runner) countEvent(outcome string) {
	if r.metrics != nil {
		r.metrics.EventsTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *Runner) observe(start time.Time, interrupted bool, err error) {
	if r.metrics == nil {
		return
	}
	status := observability.CycleOK
	switch {
	case errors.Is(err, ErrFetch):
		status = observability.CycleFetchError
	case errors.Is(err, ErrStore):
		status = observability.CycleStoreError
	case errors.Is(err, ErrPublish):
		status = observability.CyclePublishError
	case interrupted:
		status = observability.CycleInterrupted
	}
	r.metrics.CyclesTotal.WithLabelValues(status).Inc()
	r.metrics.CycleDuration.Observe(time.Since(start).Seconds())
}
