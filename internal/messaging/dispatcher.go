package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
)

// DefaultPollInterval is how often the dispatcher checks the outbox.
const DefaultPollInterval = time.Second

// Dispatcher is the Outbound Dispatcher. Messages are written to the outbox under
// an idempotency key and delivered by an OutboxSender through the Service, so a key
// is delivered at most once even across retries and restarts.
type Dispatcher struct {
	repo   store.OutboxRepo
	svc    Service
	sender *store.OutboxSender
}

// NewDispatcher creates a dispatcher polling repo every poll interval.
func NewDispatcher(repo store.OutboxRepo, svc Service, poll time.Duration, opts ...store.OutboxSenderOption) *Dispatcher {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	d := &Dispatcher{repo: repo, svc: svc}
	d.sender = store.NewOutboxSender(repo, d.Deliver, poll, opts...)
	return d
}

// Send queues msg for delivery. It reports false when the idempotency key was
// already queued.
func (d *Dispatcher) Send(ctx context.Context, msg models.OutboundMessage) (string, bool, error) {
	if msg.Kind == "" {
		msg.Kind = models.OutboundManual
	}
	id, inserted, err := d.repo.EnqueueOutboxMessage(ctx, msg)
	if err != nil {
		return "", false, &models.PersistenceError{Op: "enqueue outbound", Err: err}
	}
	if !inserted {
		slog.Debug("Dispatcher.Send: idempotency key already queued", "key", msg.IdempotencyKey, "id", id)
	}
	return id, inserted, nil
}

// Deliver sends one claimed outbox message through the service.
func (d *Dispatcher) Deliver(ctx context.Context, msg store.OutboxMessage) (string, error) {
	payload, err := msg.Payload()
	if err != nil {
		return "", fmt.Errorf("decode outbox payload %s: %w", msg.ID, err)
	}
	providerID, err := d.svc.SendMessage(ctx, payload.To, payload.Body)
	if err != nil {
		return "", err
	}
	slog.Debug("Dispatcher.Deliver: delivered", "id", msg.ID, "conversationID", msg.ConversationID, "kind", msg.Kind, "providerID", providerID)
	return providerID, nil
}

// RecoverState requeues messages left in sending by a previous process. It runs
// once at startup, before Run.
func (d *Dispatcher) RecoverState(ctx context.Context) error {
	return d.sender.RecoverStaleMessages(ctx)
}

// Run delivers due messages until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.sender.Run(ctx)
}

// Flush delivers everything currently due.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.sender.Poll(ctx)
}
