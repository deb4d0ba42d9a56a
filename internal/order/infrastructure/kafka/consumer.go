package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/orderlab/commerce-backend/internal/order/domain"
	"github.com/orderlab/commerce-backend/pkg/idempotency"
	"github.com/orderlab/commerce-backend/pkg/metrics"
	"github.com/orderlab/commerce-backend/pkg/tracing"
)

// Consumer drives the async command entry point: it reads order command
// envelopes, dedupes redeliveries, and hands each message to the dispatch
// handler. Failed commands are logged and committed; retry and dead-letter
// policy belong to the transport configuration, not this core.
type Consumer struct {
	log     *slog.Logger
	reader  *kafka.Reader
	handler *Handler
	idem    *idempotency.Store
	metrics *metrics.ConsumerMetrics
	tracer  trace.Tracer
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, handler *Handler, idem *idempotency.Store, m *metrics.ConsumerMetrics) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Consumer{
		log:     log,
		reader:  r,
		handler: handler,
		idem:    idem,
		metrics: m,
		tracer:  otel.Tracer("order-command-consumer"),
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
		msgCtx, span := c.tracer.Start(msgCtx, "ConsumeOrderCommand")

		action := envelopeAction(msg.Value)
		err = c.handler.Handle(msgCtx, msg.Value)
		switch {
		case err == nil:
			c.metrics.Commands.WithLabelValues(action, "ok").Inc()
		case isDomainError(err):
			c.log.Warn("order command rejected", "action", action, "err", err)
			c.metrics.Commands.WithLabelValues(action, "rejected").Inc()
		default:
			c.log.Error("order command failed", "action", action, "err", err)
			c.metrics.Commands.WithLabelValues(action, "error").Inc()
		}

		span.End()
		_ = c.reader.CommitMessages(ctx, msg)
	}
}

func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidArgument) ||
		errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrConflict)
}

// envelopeAction peeks at the action for metrics labels without failing on
// malformed payloads.
func envelopeAction(value []byte) string {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil || env.Action == "" {
		return "unknown"
	}
	return env.Action
}
