// Package dlq re-publishes events whose delivery failed to a dead-letter
// exchange, annotated with the failure.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lsm/feedmirror/internal/publish"
)

// Failure headers attached to dead-lettered messages.
const (
	HeaderOriginalExchange = "x-feedmirror-original-exchange"
	HeaderOriginalKey      = "x-feedmirror-original-routing-key"
	HeaderStage            = "x-feedmirror-stage"
	HeaderError            = "x-feedmirror-error"
	HeaderAttempts         = "x-feedmirror-attempts"
	HeaderFailedAt         = "x-feedmirror-failed-at"
)

// FailureInfo describes why an event could not be delivered.
type FailureInfo struct {
	OriginalExchange string
	Stage            string
	Err              error
	Attempts         int
}

// Handler publishes failed messages through a dead-letter publisher.
type Handler struct {
	publisher publish.Publisher
	keyFn     func(routingKey string) string
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithRoutingKeyFunc overrides the routing key used on the dead-letter
// exchange. By default the original key is kept.
func WithRoutingKeyFunc(fn func(routingKey string) string) Option {
	return func(h *Handler) {
		h.keyFn = fn
	}
}

// NewHandler creates a handler over pub.
func NewHandler(pub publish.Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		keyFn:     func(key string) string { return key },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send dead-letters msg. The message stays persistent regardless of how it
// was originally published.
func (h *Handler) Send(ctx context.Context, msg publish.Message, info FailureInfo) error {
	headers := make(map[string]string, len(msg.Headers)+6)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderOriginalExchange] = info.OriginalExchange
	headers[HeaderOriginalKey] = msg.RoutingKey
	headers[HeaderStage] = info.Stage
	headers[HeaderAttempts] = strconv.Itoa(info.Attempts)
	headers[HeaderFailedAt] = h.now().UTC().Format(time.RFC3339)
	if info.Err != nil {
		headers[HeaderError] = info.Err.Error()
	}

	out := publish.Message{
		EventID:    msg.EventID,
		RoutingKey: h.keyFn(msg.RoutingKey),
		Payload:    msg.Payload,
		Persistent: true,
		Headers:    headers,
	}
	if err := h.publisher.Publish(ctx, out); err != nil {
		return fmt.Errorf("dlq publish %s: %w", out.RoutingKey, err)
	}
	return nil
}

// Close releases the dead-letter publisher.
func (h *Handler) Close() error {
	return h.publisher.Close()
}
