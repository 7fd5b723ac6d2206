// Package amqp publishes events to a durable AMQP 0-9-1 topic exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/feedmirror/internal/publish"
	"github.com/lsm/feedmirror/internal/retry"
	"github.com/lsm/feedmirror/internal/tracing"
)

// ErrNacked is returned when the broker negatively acknowledges a message.
var ErrNacked = errors.New("message nacked by broker")

// channel is the subset of *amqp.Channel used by Publisher.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

type session struct {
	conn io.Closer
	ch   channel
}

// Config holds AMQP publisher configuration.
type Config struct {
	URL      string
	Exchange string
}

// Publisher publishes to a topic exchange with publisher confirms. It
// re-dials lazily after the connection or channel is lost.
type Publisher struct {
	mu       sync.Mutex
	sess     *session
	dial     func() (*session, error)
	exchange string
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewPublisher dials the broker, declares the exchange and enables confirms.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, retry.Permanent(fmt.Errorf("amqp url is required"))
	}
	if cfg.Exchange == "" {
		return nil, retry.Permanent(fmt.Errorf("exchange is required"))
	}
	if _, err := amqp.ParseURI(cfg.URL); err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse amqp url: %w", err))
	}
	dial := func() (*session, error) {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}
		return &session{conn: conn, ch: ch}, nil
	}
	return newPublisher(cfg.Exchange, dial, logger)
}

func newPublisher(exchange string, dial func() (*session, error), logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		dial:     dial,
		exchange: exchange,
		logger:   logger,
		tracer:   tracing.Noop("amqp-publisher"),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetTracer sets the tracer for the publisher.
func (p *Publisher) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

// connect must be called with p.mu held or before the publisher is shared.
func (p *Publisher) connect() error {
	sess, err := p.dial()
	if err != nil {
		return err
	}
	// durable, not auto-deleted
	if err := sess.ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		sess.close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	if err := sess.ch.Confirm(false); err != nil {
		sess.close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	p.sess = sess
	p.logger.Info("connected to amqp broker", "exchange", p.exchange)
	return nil
}

// Publish sends msg to the exchange and waits for the broker confirm.
func (p *Publisher) Publish(ctx context.Context, msg publish.Message) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			tracing.DestinationAttr(p.exchange),
			tracing.RoutingKeyAttr(msg.RoutingKey),
			tracing.EventIDAttr(msg.EventID),
		),
	)
	defer span.End()

	if err := p.publish(ctx, msg); err != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("amqp publish %s: %w", msg.RoutingKey, err)
	}
	tracing.SetSpanOK(span)
	return nil
}

func (p *Publisher) publish(ctx context.Context, msg publish.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess == nil {
		p.logger.Info("reconnecting to amqp broker", "exchange", p.exchange)
		if err := p.connect(); err != nil {
			return err
		}
	}

	conf, err := p.sess.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, msg.RoutingKey, false, false, toPublishing(msg))
	if err != nil {
		p.drop()
		return err
	}
	if conf == nil {
		return nil
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		p.drop()
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

func toPublishing(msg publish.Message) amqp.Publishing {
	headers := amqp.Table{"event-id": msg.EventID}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Payload,
	}
}

// drop discards the current session so the next publish re-dials.
func (p *Publisher) drop() {
	if p.sess != nil {
		p.sess.close()
		p.sess = nil
	}
}

func (s *session) close() {
	_ = s.ch.Close()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess == nil {
		return nil
	}
	var errs []error
	if err := p.sess.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if p.sess.conn != nil {
		if err := p.sess.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	p.sess = nil
	return errors.Join(errs...)
}
