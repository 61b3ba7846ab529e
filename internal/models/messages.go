package models

import (
	"strings"
	"time"
)

// SenderType identifies who produced a message on the channel.
type SenderType string

const (
	SenderLead     SenderType = "lead"
	SenderBot      SenderType = "bot"
	SenderOperator SenderType = "operator"
)

// InboundMessage is a message delivered by the messaging gateway.
type InboundMessage struct {
	ConversationID string     `json:"conversation_id,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	MessageID      string     `json:"message_id"`
	Text           string     `json:"text,omitempty"`
	Attachment     string     `json:"attachment,omitempty"`
	ContactName    string     `json:"contact_name,omitempty"`
	SenderType     SenderType `json:"sender_type,omitempty"`
	ReceivedAt     time.Time  `json:"received_at"`
}

// Validate checks the fields required to attribute a message to a conversation.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.ConversationID) == "" && strings.TrimSpace(m.Phone) == "" {
		return &ValidationError{Field: "conversation_id|phone", Reason: "conversation or lead identity is required"}
	}
	if strings.TrimSpace(m.MessageID) == "" {
		return &ValidationError{Field: "message_id", Reason: "message id is required"}
	}
	switch m.SenderType {
	case "", SenderLead, SenderBot, SenderOperator:
	default:
		return &ValidationError{Field: "sender_type", Reason: "unknown sender type " + string(m.SenderType)}
	}
	return nil
}

// Sender returns the sender type, defaulting to the lead.
func (m *InboundMessage) Sender() SenderType {
	if m.SenderType == "" {
		return SenderLead
	}
	return m.SenderType
}

// FragmentText is the text the buffer stores for this message. Attachments without a
// caption are represented by a marker so the router still sees the turn.
func (m *InboundMessage) FragmentText() string {
	text := strings.TrimSpace(m.Text)
	if text == "" && m.Attachment != "" {
		return "[attachment:" + m.Attachment + "]"
	}
	return text
}

// OutboundKind classifies messages written to the outbox.
type OutboundKind string

const (
	OutboundReply    OutboundKind = "reply"
	OutboundHandoff  OutboundKind = "handoff"
	OutboundFollowup OutboundKind = "followup"
	OutboundManual   OutboundKind = "manual"
)

// OutboundMessage is a message the engine wants delivered. IdempotencyKey is assigned
// by the engine; the dispatcher never delivers the same key twice.
type OutboundMessage struct {
	ConversationID string       `json:"conversation_id"`
	To             string       `json:"to"`
	Body           string       `json:"body"`
	Kind           OutboundKind `json:"kind"`
	IdempotencyKey string       `json:"idempotency_key"`
}
