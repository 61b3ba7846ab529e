package messaging

import (
	"context"
	"errors"
	"log/slog"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

// InboundFunc handles one inbound message.
type InboundFunc func(ctx context.Context, msg models.InboundMessage) error

// InboundRouter drains a service's inbound channel into the engine.
type InboundRouter struct {
	svc    Service
	handle InboundFunc
}

// NewInboundRouter creates a router for svc.
func NewInboundRouter(svc Service, handle InboundFunc) *InboundRouter {
	return &InboundRouter{svc: svc, handle: handle}
}

// Run forwards inbound messages until the channel closes or ctx is done. Handler
// errors are logged; the loop keeps going.
func (r *InboundRouter) Run(ctx context.Context) {
	in := r.svc.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				slog.Info("InboundRouter.Run: inbound channel closed")
				return
			}
			r.dispatch(ctx, msg)
		}
	}
}

func (r *InboundRouter) dispatch(ctx context.Context, msg models.InboundMessage) {
	err := r.handle(ctx, msg)
	switch {
	case err == nil:
	case models.IsValidationError(err):
		slog.Warn("InboundRouter: dropping invalid message", "messageID", msg.MessageID, "error", err)
	case errors.Is(err, models.ErrConversationClosed):
		slog.Debug("InboundRouter: message for closed conversation", "messageID", msg.MessageID)
	default:
		slog.Error("InboundRouter: failed to handle message", "messageID", msg.MessageID, "phone", msg.Phone, "error", err)
	}
}
