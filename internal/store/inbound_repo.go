package store

import (
	"context"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

// InboundRecord is a logged inbound message. The message id is the deduplication key.
type InboundRecord struct {
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	SenderType     models.SenderType `json:"sender_type"`
	Text           string            `json:"text"`
	ReceivedAt     time.Time         `json:"received_at"`
	ProcessedAt    *time.Time        `json:"processed_at"`
}

// InboundRepo records inbound messages for deduplication and crash replay.
type InboundRepo interface {
	// RecordInbound inserts a new inbound record. Returns false if the message id was
	// already recorded (duplicate delivery).
	RecordInbound(ctx context.Context, rec InboundRecord) (bool, error)

	// MarkProcessed sets processed_at for the given message ids.
	MarkProcessed(ctx context.Context, messageIDs ...string) error

	// ListUnprocessedInbound returns records never marked processed, oldest first.
	ListUnprocessedInbound(ctx context.Context, limit int) ([]InboundRecord, error)
}
