package models

import (
	"strings"
	"time"
)

// HandoffState tracks whether the bot still owns a conversation.
// The only legal transition is HandoffNone -> HandoffPermanent.
type HandoffState string

const (
	HandoffNone      HandoffState = "none"
	HandoffPermanent HandoffState = "permanent"
)

// ConversationStatus is the lifecycle status of a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// HandoffReason records which trigger moved a conversation to a human.
type HandoffReason string

const (
	HandoffReasonKeyword       HandoffReason = "keyword"
	HandoffReasonCategory      HandoffReason = "requires_human_step"
	HandoffReasonAIError       HandoffReason = "ai_error"
	HandoffReasonAIRequested   HandoffReason = "ai_requested"
	HandoffReasonOperator      HandoffReason = "operator_outbound"
	HandoffReasonMissingTarget HandoffReason = "missing_step"
)

// Conversation is the durable state of a lead's session with the bot.
type Conversation struct {
	ID             string             `json:"id"`
	LeadID         string             `json:"lead_id"`
	Phone          string             `json:"phone"`
	Protocol       string             `json:"protocol"`
	CurrentStepID  string             `json:"current_step_id"`
	CollectedData  map[string]string  `json:"collected_data,omitempty"`
	HandoffState   HandoffState       `json:"handoff_state"`
	HandoffReason  HandoffReason      `json:"handoff_reason,omitempty"`
	HandoffAt      *time.Time         `json:"handoff_at,omitempty"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	Status         ConversationStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// IsHandedOff reports whether the conversation is permanently owned by a human.
func (c *Conversation) IsHandedOff() bool {
	return c.HandoffState == HandoffPermanent
}

// IsActive reports whether the conversation is open.
func (c *Conversation) IsActive() bool {
	return c.Status == ConversationActive
}

// Clone returns a deep copy so callers can mutate state without touching a shared record.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	if c.CollectedData != nil {
		cp.CollectedData = make(map[string]string, len(c.CollectedData))
		for k, v := range c.CollectedData {
			cp.CollectedData[k] = v
		}
	}
	if c.HandoffAt != nil {
		at := *c.HandoffAt
		cp.HandoffAt = &at
	}
	return &cp
}

// MarkHandoff moves the conversation to HandoffPermanent. It returns false when the
// conversation was already handed off; the original reason is kept in that case.
func (c *Conversation) MarkHandoff(reason HandoffReason, at time.Time) bool {
	if c.IsHandedOff() {
		return false
	}
	c.HandoffState = HandoffPermanent
	c.HandoffReason = reason
	c.HandoffAt = &at
	return true
}

// MergeData copies non-empty values from data into CollectedData.
func (c *Conversation) MergeData(data map[string]string) {
	if len(data) == 0 {
		return
	}
	if c.CollectedData == nil {
		c.CollectedData = make(map[string]string, len(data))
	}
	for k, v := range data {
		if k == "" || v == "" {
			continue
		}
		c.CollectedData[k] = v
	}
}

// Touch advances LastActivityAt; it never moves it backwards.
func (c *Conversation) Touch(at time.Time) {
	if at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
}

// ContactNameKey is the collected-data key holding the name from the lead's
// messaging profile.
const ContactNameKey = "contact_name"

// LeadName returns the name the lead gave, collected as "name" or "nome", and
// falls back to the messaging profile name.
func (c *Conversation) LeadName() string {
	for _, key := range []string{"name", "nome", ContactNameKey} {
		if v := c.dataValue(key); v != "" {
			return v
		}
	}
	return ""
}

func (c *Conversation) dataValue(key string) string {
	for k, v := range c.CollectedData {
		if strings.EqualFold(k, key) {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// PlaceholderContext returns the values available to template expansion:
// collected data plus the conversation's own identity fields. name and
// first_name come from LeadName unless the collected data already has them.
func (c *Conversation) PlaceholderContext() map[string]string {
	ctx := make(map[string]string, len(c.CollectedData)+5)
	for k, v := range c.CollectedData {
		ctx[k] = v
	}
	ctx["protocol"] = c.Protocol
	ctx["phone"] = c.Phone
	ctx["conversation_id"] = c.ID
	if name := c.LeadName(); name != "" {
		if c.dataValue("name") == "" {
			ctx["name"] = name
		}
		if c.dataValue("first_name") == "" {
			ctx["first_name"] = strings.Fields(name)[0]
		}
	}
	return ctx
}
