package models

import "time"

// FollowupMessage is a configured re-engagement message, read-only to the scheduler.
type FollowupMessage struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Body         string `json:"body" yaml:"body"`
	DelayMinutes int    `json:"delay_minutes" yaml:"delayMinutes"`
	IsActive     bool   `json:"is_active" yaml:"active"`
}

// Delay returns DelayMinutes as a duration.
func (m FollowupMessage) Delay() time.Duration {
	return time.Duration(m.DelayMinutes) * time.Minute
}

// FollowupSent records that a follow-up was sent for a conversation. The
// (ConversationID, FollowupMessageID) pair is unique.
type FollowupSent struct {
	ConversationID       string    `json:"conversation_id"`
	FollowupMessageID    string    `json:"followup_message_id"`
	SentAt               time.Time `json:"sent_at"`
	LastActivitySnapshot time.Time `json:"last_activity_snapshot"`
}
