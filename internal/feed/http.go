package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lsm/feedmirror/internal/circuitbreaker"
	"github.com/lsm/feedmirror/internal/tracing"
)

// ErrUnexpectedStatus is returned for non-2xx, non-304 upstream responses.
var ErrUnexpectedStatus = errors.New("unexpected upstream status")

const defaultMaxBodyBytes = 16 << 20

// HTTPConfig holds the configuration of an HTTPFetcher.
type HTTPConfig struct {
	URL               string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64 // zero disables client-side limiting
	Burst             int
	MaxBodyBytes      int64
	Fields            Fields
	Breaker           circuitbreaker.Config
}

// HTTPFetcher polls a JSON feed over HTTP. It sends conditional requests with
// the ETag of the last committed batch so that unchanged feeds cost no
// upstream quota.
type HTTPFetcher struct {
	client  *http.Client
	cfg     HTTPConfig
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	etag    string
	pending string
}

// NewHTTPFetcher creates a fetcher for cfg.URL.
func NewHTTPFetcher(cfg HTTPConfig, logger *slog.Logger) (*HTTPFetcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Fields.ID == "" || cfg.Fields.Type == "" {
		def := DefaultFields()
		if cfg.Fields.ID == "" {
			cfg.Fields.ID = def.ID
		}
		if cfg.Fields.Type == "" {
			cfg.Fields.Type = def.Type
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &HTTPFetcher{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cfg:    cfg,
		logger: logger,
		tracer: tracing.Noop("feed"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	f.breaker = circuitbreaker.New(cfg.Breaker, circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("feed circuit breaker state change", "url", cfg.URL, "from", from.String(), "to", to.String())
	}))
	return f, nil
}

// SetTracer sets the tracer for the fetcher.
func (f *HTTPFetcher) SetTracer(tracer trace.Tracer) {
	f.tracer = tracer
}

// BreakerState exposes the circuit breaker state for health reporting.
func (f *HTTPFetcher) BreakerState() circuitbreaker.State {
	return f.breaker.State()
}

// Fetch returns the current batch of events. A 304 Not Modified response
// yields an empty batch.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]Event, error) {
	ctx, span := tracing.StartSpan(ctx, f.tracer, tracing.SpanFeedFetch,
		trace.WithAttributes(tracing.FeedURLAttr(f.cfg.URL)),
	)
	defer span.End()

	var events []Event
	err := f.breaker.Execute(func() error {
		var err error
		events, err = f.fetch(ctx, span)
		return err
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, fmt.Errorf("fetch %s: %w", f.cfg.URL, err)
	}

	span.SetAttributes(tracing.EventCountAttr(len(events)))
	tracing.SetSpanOK(span)
	return events, nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, span trace.Span) ([]Event, error) {
	f.setPending("")
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if etag := f.lastETag(); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	span.SetAttributes(tracing.HTTPStatusAttr(resp.StatusCode))

	if resp.StatusCode == http.StatusNotModified {
		f.logger.Debug("feed not modified", "url", f.cfg.URL)
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformed, f.cfg.MaxBodyBytes)
	}

	events, err := Decode(body, f.cfg.Fields)
	if err != nil {
		return nil, err
	}

	f.setPending(resp.Header.Get("ETag"))
	return events, nil
}

// Commit makes the ETag of the last decoded batch the one sent on the next
// request. Without a commit the batch is fetched again.
func (f *HTTPFetcher) Commit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending != "" {
		f.etag = f.pending
		f.pending = ""
	}
}

func (f *HTTPFetcher) lastETag() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.etag
}

func (f *HTTPFetcher) setPending(etag string) {
	f.mu.Lock()
	f.pending = etag
	f.mu.Unlock()
}
