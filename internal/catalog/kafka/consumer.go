package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/orderlab/commerce-backend/internal/catalog/application"
	"github.com/orderlab/commerce-backend/internal/catalog/domain"
	orderdomain "github.com/orderlab/commerce-backend/internal/order/domain"
	"github.com/orderlab/commerce-backend/pkg/idempotency"
	"github.com/orderlab/commerce-backend/pkg/tracing"
)

// Envelope mirrors the order command envelope on the product topic.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

const (
	ActionCreate         = "create"
	ActionUpdate         = "update"
	ActionMarkOutOfStock = "mark_out_of_stock"
)

// Consumer processes catalog commands: product create, update and
// mark_out_of_stock.
type Consumer struct {
	log    *slog.Logger
	reader *kafka.Reader
	svc    *application.Service
	idem   *idempotency.Store
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, svc *application.Service, idem *idempotency.Store) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Consumer{log: log, reader: r, svc: svc, idem: idem}
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
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
		if err := c.handle(msgCtx, msg.Value); err != nil {
			c.log.Error("catalog command failed", "err", err)
		}
		_ = c.reader.CommitMessages(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return orderdomain.NewInvalidArgument("malformed catalog envelope: %v", err)
	}

	switch env.Action {
	case ActionCreate:
		var p domain.Product
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return orderdomain.NewInvalidArgument("malformed product payload: %v", err)
		}
		created, err := c.svc.CreateProduct(ctx, p)
		if err != nil {
			return err
		}
		c.log.Info("product created from command", "product_id", created.ID, "name", created.Name)
		return nil

	case ActionUpdate:
		var p struct {
			ID string `json:"id"`
			domain.ProductPatch
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return orderdomain.NewInvalidArgument("malformed product payload: %v", err)
		}
		if p.ID == "" {
			return orderdomain.NewInvalidArgument("product id is required")
		}
		updated, err := c.svc.UpdateProduct(ctx, p.ID, p.ProductPatch)
		if err != nil {
			return err
		}
		if updated == nil {
			return orderdomain.NewNotFound("product", p.ID)
		}
		c.log.Info("product updated from command", "product_id", updated.ID)
		return nil

	case ActionMarkOutOfStock:
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return orderdomain.NewInvalidArgument("malformed product payload: %v", err)
		}
		if p.ID == "" {
			return orderdomain.NewInvalidArgument("product id is required")
		}
		updated, err := c.svc.MarkOutOfStock(ctx, p.ID)
		if err != nil {
			return err
		}
		if updated == nil {
			return orderdomain.NewNotFound("product", p.ID)
		}
		c.log.Info("product marked out of stock", "product_id", updated.ID)
		return nil

	default:
		return orderdomain.NewInvalidArgument("unknown action %q", env.Action)
	}
}
