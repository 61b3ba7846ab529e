package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/util"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, lead_id, phone, protocol, current_step_id, collected_data, handoff_state,
	handoff_reason, handoff_at, last_activity_at, status, created_at, updated_at`

const outboxColumns = `id, conversation_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key,
	locked_at, last_error, provider_message_id, created_at, updated_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime maps a nil time pointer to a NULL column value.
func nilIfZeroTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func encodeData(data map[string]string) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal collected data: %w", err)
	}
	return string(b), nil
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var dataJSON string
	var handoffState, status, reason string
	var handoffAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.LeadID, &c.Phone, &c.Protocol, &c.CurrentStepID, &dataJSON, &handoffState,
		&reason, &handoffAt, &c.LastActivityAt, &status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.HandoffState = models.HandoffState(handoffState)
	c.HandoffReason = models.HandoffReason(reason)
	c.Status = models.ConversationStatus(status)
	if handoffAt.Valid {
		at := handoffAt.Time
		c.HandoffAt = &at
	}
	if dataJSON != "" && dataJSON != "{}" {
		if err := json.Unmarshal([]byte(dataJSON), &c.CollectedData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal collected data for %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func scanConversations(rows *sql.Rows) ([]models.Conversation, error) {
	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation failed: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation rows iteration failed: %w", err)
	}
	return out, nil
}

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var lastError, providerID sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Kind, &m.PayloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &m.DedupeKey, &lockedAt, &lastError, &providerID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.LastError = lastError.String
	m.ProviderMessageID = providerID.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

func scanOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows iteration failed: %w", err)
	}
	return msgs, nil
}

func scanInboundRecords(rows *sql.Rows) ([]InboundRecord, error) {
	var out []InboundRecord
	for rows.Next() {
		var r InboundRecord
		var sender string
		var processedAt sql.NullTime
		if err := rows.Scan(&r.MessageID, &r.ConversationID, &sender, &r.Text, &r.ReceivedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan inbound record failed: %w", err)
		}
		r.SenderType = models.SenderType(sender)
		if processedAt.Valid {
			r.ProcessedAt = &processedAt.Time
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbound rows iteration failed: %w", err)
	}
	return out, nil
}

// flowLoader holds the dialect-specific step and transition queries so both SQL
// backends share flow assembly.
type flowLoader struct {
	db    *sql.DB
	steps string
	edges string
}

func (l flowLoader) load(ctx context.Context, row *sql.Row) (*models.Flow, error) {
	var f models.Flow
	err := row.Scan(&f.ID, &f.Name, &f.Version, &f.GlobalPrompt, &f.InitialStepID, &f.Active, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load flow failed: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, l.steps, f.ID)
	if err != nil {
		return nil, fmt.Errorf("load steps for flow %s failed: %w", f.ID, err)
	}
	for rows.Next() {
		var s models.Step
		if err := rows.Scan(&s.ID, &s.Name, &s.Objective, &s.Prompt, &s.RoutingInstructions, &s.BufferSeconds, &s.IsAI, &s.Category); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan step failed: %w", err)
		}
		f.Steps = append(f.Steps, s)
	}
	err = rows.Err()
	// Release the connection before the next query; SQLite runs on a single one.
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("step rows iteration failed: %w", err)
	}

	edges, err := l.db.QueryContext(ctx, l.edges, f.ID)
	if err != nil {
		return nil, fmt.Errorf("load transitions for flow %s failed: %w", f.ID, err)
	}
	defer edges.Close()
	for edges.Next() {
		var from string
		var t models.Transition
		if err := edges.Scan(&from, &t.Label, &t.TargetStepID); err != nil {
			return nil, fmt.Errorf("scan transition failed: %w", err)
		}
		if s, ok := f.Step(from); ok {
			s.Transitions = append(s.Transitions, t)
		}
	}
	if err := edges.Err(); err != nil {
		return nil, fmt.Errorf("transition rows iteration failed: %w", err)
	}
	return &f, nil
}

// dbtx is satisfied by *sql.DB and *sql.Tx so enqueue helpers can run inside a
// caller's transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func outboxDedupeKey(msg models.OutboundMessage) string {
	if msg.IdempotencyKey != "" {
		return msg.IdempotencyKey
	}
	return util.GenerateRandomID("idem_", 24)
}

// followupEligible reports whether a conversation may still receive a follow-up
// chosen when its last activity was snapshot. Postgres keeps microseconds, so
// both sides are compared at that precision.
func followupEligible(status models.ConversationStatus, handoff models.HandoffState, last, snapshot time.Time) bool {
	if status != models.ConversationActive || handoff != models.HandoffNone {
		return false
	}
	return !last.Truncate(time.Microsecond).After(snapshot.Truncate(time.Microsecond))
}
