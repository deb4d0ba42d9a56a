package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/orderlab/commerce-backend/internal/order/application"
	"github.com/orderlab/commerce-backend/internal/order/domain"
)

// Envelope is the command message schema consumed from the order topic.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

const (
	ActionCreate       = "create"
	ActionUpdate       = "update"
	ActionUpdateStatus = "update_status"
)

// knownActions is the closed command set; the dispatch table is validated
// against it at construction.
var knownActions = map[string]bool{
	ActionCreate:       true,
	ActionUpdate:       true,
	ActionUpdateStatus: true,
}

type handlerFunc func(ctx context.Context, data json.RawMessage) error

// Handler routes decoded command envelopes to the same Order Service
// operations the HTTP entry point calls, so both paths produce equivalent
// outcomes for the same logical command.
type Handler struct {
	log      *slog.Logger
	svc      *application.Service
	handlers map[string]handlerFunc
}

func NewHandler(log *slog.Logger, svc *application.Service) (*Handler, error) {
	h := &Handler{log: log, svc: svc}
	h.handlers = map[string]handlerFunc{
		ActionCreate:       h.handleCreate,
		ActionUpdate:       h.handleUpdate,
		ActionUpdateStatus: h.handleUpdateStatus,
	}
	for action := range h.handlers {
		if !knownActions[action] {
			return nil, fmt.Errorf("dispatch table registers unknown action %q", action)
		}
	}
	return h, nil
}

// Handle decodes one raw message and dispatches it. Malformed envelopes and
// domain failures are returned as errors for the caller to log and count;
// they never panic the consuming process.
func (h *Handler) Handle(ctx context.Context, value []byte) error {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return domain.NewInvalidArgument("malformed command envelope: %v", err)
	}
	handle, ok := h.handlers[env.Action]
	if !ok {
		return domain.NewInvalidArgument("unknown action %q", env.Action)
	}
	return handle(ctx, env.Data)
}

func (h *Handler) handleCreate(ctx context.Context, data json.RawMessage) error {
	var in application.CreateOrderInput
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.NewInvalidArgument("malformed create payload: %v", err)
	}

	o, err := h.svc.CreateOrder(ctx, in)
	if err != nil {
		return err
	}
	h.log.Info("order created from command",
		"order_id", o.ID, "user_id", o.UserID, "total", o.Total.String(), "items", len(o.Items))
	return nil
}

// updateStatusPayload requires the target order id explicitly: unlike the
// HTTP path there is no request path to carry it.
type updateStatusPayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func (h *Handler) handleUpdateStatus(ctx context.Context, data json.RawMessage) error {
	var p updateStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.NewInvalidArgument("malformed update_status payload: %v", err)
	}
	if p.OrderID == "" {
		return domain.NewInvalidArgument("order_id is required")
	}
	if p.Status == "" {
		return domain.NewInvalidArgument("status is required")
	}

	o, err := h.svc.UpdateOrder(ctx, p.OrderID, application.UpdateOrderInput{Status: &p.Status})
	if err != nil {
		return err
	}
	h.log.Info("order status updated from command", "order_id", o.ID, "status", o.Status)
	return nil
}

type updatePayload struct {
	OrderID string            `json:"order_id"`
	Status  *string           `json:"status,omitempty"`
	Items   []domain.ItemSpec `json:"items,omitempty"`
}

func (h *Handler) handleUpdate(ctx context.Context, data json.RawMessage) error {
	var p updatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.NewInvalidArgument("malformed update payload: %v", err)
	}
	if p.OrderID == "" {
		return domain.NewInvalidArgument("order_id is required")
	}

	o, err := h.svc.UpdateOrder(ctx, p.OrderID, application.UpdateOrderInput{Status: p.Status, Items: p.Items})
	if err != nil {
		return err
	}
	h.log.Info("order updated from command",
		"order_id", o.ID, "status", o.Status, "items", len(o.Items))
	return nil
}
