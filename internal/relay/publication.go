package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/eventrail/internal/storage"
	"github.com/md-rashed-zaman/eventrail/libs/kafkax"
	otelx "github.com/md-rashed-zaman/eventrail/libs/otel"
)

// MessageWriter is the slice of kafka.Writer the publication handler needs.
// The writer must be topic-less; the handler sets the topic per message.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publication publishes feed documents to Kafka: topic is the event type,
// key is the subject, headers carry the event metadata and the trace context
// recorded when the event was written. Redelivery after a checkpoint failure
// republishes the same event IDs, so consumers deduplicate on event_id.
type Publication struct {
	writer MessageWriter
	filter func(*storage.Document) bool
	logger *slog.Logger
	tracer trace.Tracer
}

// NewPublication builds the handler. filter may be nil; outbox and event
// records are always the only candidates.
func NewPublication(writer MessageWriter, filter func(*storage.Document) bool, logger *slog.Logger) *Publication {
	return &Publication{
		writer: writer,
		filter: filter,
		logger: logger,
		tracer: otel.Tracer("eventrail/relay"),
	}
}

func (p *Publication) Name() string { return "publication" }

func (p *Publication) Handle(ctx context.Context, docs []*storage.Document) error {
	for _, doc := range docs {
		if doc.Kind != storage.KindOutbox && doc.Kind != storage.KindEvent {
			continue
		}
		if p.filter != nil && !p.filter(doc) {
			continue
		}
		if err := p.publish(ctx, doc); err != nil {
			return fmt.Errorf("publish event %s: %w", doc.ID, err)
		}
	}
	return nil
}

func (p *Publication) publish(ctx context.Context, doc *storage.Document) error {
	ctx = otelx.ContextWithTraceContext(ctx, doc.Traceparent, doc.Tracestate)
	ctx, span := p.tracer.Start(ctx, "relay.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", doc.Type),
			attribute.String("event.id", doc.ID),
			attribute.String("event.subject", doc.Subject),
		))
	defer span.End()

	meta := kafkax.EventMeta{
		EventID:       doc.ID,
		EventType:     doc.Type,
		Subject:       doc.Subject,
		Sequence:      doc.Sequence,
		CorrelationID: doc.CorrelationID,
	}
	headers := kafkax.InjectTraceHeaders(ctx, meta.Headers())

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   doc.Type,
		Key:     []byte(doc.Subject),
		Value:   doc.Data,
		Headers: headers,
		Time:    doc.Time,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		p.logger.Error("event publish failed", "event_id", doc.ID, "event_type", doc.Type, "err", err)
		return err
	}
	p.logger.Debug("event published", "event_id", doc.ID, "event_type", doc.Type, "subject", doc.Subject, "sequence", doc.Sequence)
	return nil
}
