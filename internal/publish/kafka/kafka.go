// Package kafka publishes events to a Kafka topic named after the exchange,
// keyed by routing key.
package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/feedmirror/internal/publish"
	"github.com/lsm/feedmirror/internal/tracing"
)

// Record headers set on every message.
const (
	HeaderRoutingKey  = "routing-key"
	HeaderEventID     = "event-id"
	HeaderMessageID   = "message-id"
	HeaderContentType = "content-type"
)

// producer abstracts the kgo client methods used by Publisher.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher writes messages to a single topic.
type Publisher struct {
	client producer
	topic  string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewPublisher creates a publisher for topic. Durability comes from the
// client default of acks=all with idempotent writes.
func NewPublisher(cluster ClusterConfig, topic string, logger *slog.Logger) (*Publisher, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if err := cluster.Validate(); err != nil {
		return nil, fmt.Errorf("kafka cluster: %w", err)
	}
	opts, err := clientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("kafka cluster options: %w", err)
	}
	opts = append(opts, kgo.DefaultProduceTopic(topic), kgo.RequiredAcks(kgo.AllISRAcks()))

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}
	return newPublisher(client, topic, logger), nil
}

func newPublisher(client producer, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client: client,
		topic:  topic,
		logger: logger,
		tracer: tracing.Noop("kafka-publisher"),
	}
}

// SetTracer sets the tracer for the publisher.
func (p *Publisher) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

// Publish produces msg synchronously.
func (p *Publisher) Publish(ctx context.Context, msg publish.Message) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			tracing.DestinationAttr(p.topic),
			tracing.RoutingKeyAttr(msg.RoutingKey),
			tracing.EventIDAttr(msg.EventID),
		),
	)
	defer span.End()

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(msg.RoutingKey),
		Value: msg.Payload,
		Headers: []kgo.RecordHeader{
			{Key: HeaderRoutingKey, Value: []byte(msg.RoutingKey)},
			{Key: HeaderEventID, Value: []byte(msg.EventID)},
			{Key: HeaderMessageID, Value: []byte(uuid.NewString())},
			{Key: HeaderContentType, Value: []byte("application/json")},
		},
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("kafka publish %s: %w", msg.RoutingKey, err)
	}
	tracing.SetSpanOK(span)
	return nil
}

// Close flushes and closes the client.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}
