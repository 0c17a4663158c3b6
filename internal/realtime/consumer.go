package realtime

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/restro77/settlement-service/pkg/idempotency"
	"github.com/restro77/settlement-service/pkg/tracing"
)

// Consumer reads settlement events off the outbox topic and feeds the hub.
// Delivery to the hub is at-most-once per kafka offset, deduplicated through
// the idempotency store across restarts.
type Consumer struct {
	log    *slog.Logger
	reader *kafka.Reader
	hub    *Hub
	idem   *idempotency.Store
	tracer trace.Tracer
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, hub *Hub, idem *idempotency.Store) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Consumer{
		log:    log,
		reader: r,
		hub:    hub,
		idem:   idem,
		tracer: otel.Tracer("realtime-consumer"),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
		seen, err := c.idem.Seen(ctx, key)
		if err != nil {
			c.log.Error("idempotency check failed", "err", err)
			continue
		}
		if seen {
			c.log.Info("duplicate message skipped", "key", key)
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
		_, span := c.tracer.Start(msgCtx, "BroadcastSettlementEvent")

		eventType := headerValue(msg.Headers, "event_type")
		c.hub.Broadcast(Message{
			OrderID: string(msg.Key),
			Type:    eventType,
			Payload: msg.Value,
		})
		c.log.Info("settlement event broadcast", "order_id", string(msg.Key), "type", eventType)

		span.End()
		_ = c.reader.CommitMessages(ctx, msg)
	}
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
