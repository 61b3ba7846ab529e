package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxMessage represents a durable outgoing message record. DedupeKey carries the
// engine-assigned idempotency key and is unique across all rows.
type OutboxMessage struct {
	ID                string       `json:"id"`
	ConversationID    string       `json:"conversation_id"`
	Kind              string       `json:"kind"`
	PayloadJSON       string       `json:"payload_json"`
	Status            OutboxStatus `json:"status"`
	Attempts          int          `json:"attempts"`
	NextAttemptAt     *time.Time   `json:"next_attempt_at"`
	DedupeKey         string       `json:"dedupe_key"`
	LockedAt          *time.Time   `json:"locked_at"`
	LastError         string       `json:"last_error"`
	ProviderMessageID string       `json:"provider_message_id"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// OutboxPayload is the JSON body stored for each outbox message.
type OutboxPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Payload decodes the message payload.
func (m OutboxMessage) Payload() (OutboxPayload, error) {
	var p OutboxPayload
	err := json.Unmarshal([]byte(m.PayloadJSON), &p)
	return p, err
}

// OutboxRepo defines the interface for durable outbox message persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a message keyed by its idempotency key. When the key
	// already exists the existing ID is returned with inserted=false.
	EnqueueOutboxMessage(ctx context.Context, msg models.OutboundMessage) (id string, inserted bool, err error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as delivered by the gateway.
	MarkOutboxMessageSent(ctx context.Context, id, providerMessageID string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	FailOutboxMessage(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error

	// GiveUpOutboxMessage marks a message permanently failed.
	GiveUpOutboxMessage(ctx context.Context, id, errMsg string) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)

	// ListOutboxMessages returns a conversation's outbox rows in creation order.
	ListOutboxMessages(ctx context.Context, conversationID string) ([]OutboxMessage, error)
}

func encodeOutboxPayload(msg models.OutboundMessage) (string, error) {
	b, err := json.Marshal(OutboxPayload{To: msg.To, Body: msg.Body})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
