// Package events publishes domain events emitted by the conversation engine after
// state is committed. Publishing is best effort: a failed publish is logged and
// never rolls back or retries the turn that produced it.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeStepChanged        = "conversation.step_changed.v1"
	TypeHandoff            = "conversation.handoff.v1"
	TypeConversationClosed = "conversation.closed.v1"
	TypeFollowupSent       = "followup.sent.v1"
	TypeTurnDropped        = "turn.dropped.v1"
)

// Producer identifies this service in event metadata.
const Producer = "crmportilho-engine"

// Meta is the envelope header shared by all events.
type Meta struct {
	CorrelationID *string   `json:"correlation_id,omitempty"`
	ID            string    `json:"id"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope wraps an event payload.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// StepChanged is published when a turn moves a conversation to another step.
type StepChanged struct {
	ConversationID string            `json:"conversation_id"`
	LeadID         string            `json:"lead_id"`
	FromStepID     string            `json:"from_step_id"`
	ToStepID       string            `json:"to_step_id"`
	FlowID         string            `json:"flow_id"`
	FlowVersion    int               `json:"flow_version"`
	CollectedData  map[string]string `json:"collected_data,omitempty"`
}

// Handoff is published when a conversation is handed to a human.
type Handoff struct {
	ConversationID string    `json:"conversation_id"`
	LeadID         string    `json:"lead_id"`
	Phone          string    `json:"phone"`
	Protocol       string    `json:"protocol"`
	StepID         string    `json:"step_id"`
	Reason         string    `json:"reason"`
	At             time.Time `json:"at"`
}

// ConversationClosed is published when a conversation closes.
type ConversationClosed struct {
	ConversationID string    `json:"conversation_id"`
	LeadID         string    `json:"lead_id"`
	StepID         string    `json:"step_id"`
	By             string    `json:"by"`
	At             time.Time `json:"at"`
}

// FollowupSent is published when a follow-up is committed for delivery.
type FollowupSent struct {
	ConversationID    string    `json:"conversation_id"`
	FollowupMessageID string    `json:"followup_message_id"`
	SentAt            time.Time `json:"sent_at"`
}

// TurnDropped is published when a turn is abandoned after exhausting retries.
type TurnDropped struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	Error          string   `json:"error"`
}

// Publisher sends envelopes under a routing key equal to the event type.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// NewEnvelope wraps data with fresh metadata. correlationID may be empty.
func NewEnvelope(eventType, correlationID string, data any) Envelope {
	producer := Producer
	meta := Meta{
		ID:       uuid.NewString(),
		Producer: &producer,
		Time:     time.Now().UTC(),
		Type:     eventType,
	}
	if correlationID != "" {
		meta.CorrelationID = &correlationID
	}
	return Envelope{Meta: meta, Data: data}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Envelope) error { return nil }
func (Nop) Close() error                                    { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(_ context.Context, _ string, msg Envelope) error {
	r.mu.Lock()
	r.events = append(r.events, msg)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded envelopes.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}

// OfType returns the recorded envelopes with the given type.
func (r *Recorder) OfType(eventType string) []Envelope {
	var out []Envelope
	for _, e := range r.Events() {
		if e.Meta.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
