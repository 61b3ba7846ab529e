package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

// sqlRepos implements the flow, follow-up and inbound repositories for both SQL
// backends. Queries are written with ? placeholders and rebound for Postgres.
type sqlRepos struct {
	db       *sql.DB
	postgres bool
	name     string
}

func (r sqlRepos) q(query string) string {
	if !r.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r sqlRepos) enqueue(ctx context.Context, q dbtx, msg models.OutboundMessage, now time.Time) (string, bool, error) {
	if r.postgres {
		return enqueueOutboxPostgres(ctx, q, msg, now)
	}
	return enqueueOutboxSQLite(ctx, q, msg, now)
}

func (r sqlRepos) loader() flowLoader {
	return flowLoader{
		db: r.db,
		steps: r.q(`SELECT step_id, name, objective, prompt, routing_instructions, buffer_seconds, is_ai, category
			FROM steps WHERE flow_id = ? ORDER BY position ASC`),
		edges: r.q(`SELECT from_step_id, label, target_step_id FROM transitions WHERE flow_id = ? ORDER BY from_step_id, position ASC`),
	}
}

const flowColumns = `id, name, version, global_prompt, initial_step_id, active, updated_at`

// SaveFlow upserts a flow and replaces its steps and transitions. The version is
// bumped on every save.
func (r sqlRepos) SaveFlow(ctx context.Context, f *models.Flow) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin save flow: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var version int
	err = tx.QueryRowContext(ctx, r.q(`SELECT version FROM flows WHERE id = ?`), f.ID).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		version = 1
		_, err = tx.ExecContext(ctx,
			r.q(`INSERT INTO flows (`+flowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			f.ID, f.Name, version, f.GlobalPrompt, f.InitialStepID, f.Active, now)
	case err == nil:
		version++
		_, err = tx.ExecContext(ctx,
			r.q(`UPDATE flows SET name = ?, version = ?, global_prompt = ?, initial_step_id = ?, active = ?, updated_at = ? WHERE id = ?`),
			f.Name, version, f.GlobalPrompt, f.InitialStepID, f.Active, now, f.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}

	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM transitions WHERE flow_id = ?`), f.ID); err != nil {
		return 0, fmt.Errorf("failed to clear transitions for %s: %w", f.ID, err)
	}
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM steps WHERE flow_id = ?`), f.ID); err != nil {
		return 0, fmt.Errorf("failed to clear steps for %s: %w", f.ID, err)
	}
	for i, s := range f.Steps {
		_, err := tx.ExecContext(ctx,
			r.q(`INSERT INTO steps (flow_id, step_id, position, name, objective, prompt, routing_instructions, buffer_seconds, is_ai, category)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			f.ID, s.ID, i, s.Name, s.Objective, s.Prompt, s.RoutingInstructions, s.BufferSeconds, s.IsAI, s.Category)
		if err != nil {
			return 0, fmt.Errorf("failed to insert step %s: %w", s.ID, err)
		}
		for j, t := range s.Transitions {
			_, err := tx.ExecContext(ctx,
				r.q(`INSERT INTO transitions (flow_id, from_step_id, position, label, target_step_id) VALUES (?, ?, ?, ?, ?)`),
				f.ID, s.ID, j, t.Label, t.TargetStepID)
			if err != nil {
				return 0, fmt.Errorf("failed to insert transition %s->%s: %w", s.ID, t.TargetStepID, err)
			}
		}
	}
	if f.Active {
		if _, err := tx.ExecContext(ctx, r.q(`UPDATE flows SET active = ? WHERE id <> ?`), false, f.ID); err != nil {
			return 0, fmt.Errorf("failed to deactivate other flows: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit flow %s: %w", f.ID, err)
	}
	f.Version = version
	f.UpdatedAt = now
	slog.Debug(r.name+".SaveFlow", "flowID", f.ID, "version", version, "steps", len(f.Steps), "active", f.Active)
	return version, nil
}

func (r sqlRepos) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+flowColumns+` FROM flows WHERE id = ?`), id)
	return r.loader().load(ctx, row)
}

func (r sqlRepos) GetActiveFlow(ctx context.Context) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx,
		r.q(`SELECT `+flowColumns+` FROM flows WHERE active = ? ORDER BY updated_at DESC LIMIT 1`), true)
	return r.loader().load(ctx, row)
}

func (r sqlRepos) ActivateFlow(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin activate flow: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, r.q(`UPDATE flows SET active = ?, updated_at = ? WHERE id = ?`), true, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to activate flow %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrFlowNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, r.q(`UPDATE flows SET active = ? WHERE id <> ?`), false, id); err != nil {
		return fmt.Errorf("failed to deactivate other flows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activate flow: %w", err)
	}
	slog.Info(r.name+".ActivateFlow: flow activated", "flowID", id)
	return nil
}

// RenameStep renames a step key and cascades the change to transitions, the flow's
// initial step and, for the active flow, every conversation currently on that step.
func (r sqlRepos) RenameStep(ctx context.Context, flowID, oldID, newID string) error {
	if oldID == "" || newID == "" {
		return fmt.Errorf("%w: step ids must not be empty", models.ErrInvalidFlow)
	}
	if oldID == newID {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rename step: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM steps WHERE flow_id = ? AND step_id = ?`), flowID, newID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: step %q already exists", models.ErrInvalidFlow, newID)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check step %s: %w", newID, err)
	}

	result, err := tx.ExecContext(ctx, r.q(`UPDATE steps SET step_id = ? WHERE flow_id = ? AND step_id = ?`), newID, flowID, oldID)
	if err != nil {
		return fmt.Errorf("failed to rename step %s: %w", oldID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrStepNotFound, oldID)
	}

	stmts := []struct {
		query string
		args  []any
	}{
		{`UPDATE transitions SET from_step_id = ? WHERE flow_id = ? AND from_step_id = ?`, []any{newID, flowID, oldID}},
		{`UPDATE transitions SET target_step_id = ? WHERE flow_id = ? AND target_step_id = ?`, []any{newID, flowID, oldID}},
		{`UPDATE flows SET initial_step_id = ? WHERE id = ? AND initial_step_id = ?`, []any{newID, flowID, oldID}},
		{`UPDATE flows SET version = version + 1, updated_at = ? WHERE id = ?`, []any{time.Now().UTC(), flowID}},
		{`UPDATE conversations SET current_step_id = ?
		  WHERE current_step_id = ? AND EXISTS (SELECT 1 FROM flows WHERE id = ? AND active = ?)`, []any{newID, oldID, flowID, true}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, r.q(st.query), st.args...); err != nil {
			return fmt.Errorf("failed to cascade rename %s->%s: %w", oldID, newID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rename step: %w", err)
	}
	slog.Info(r.name+".RenameStep: step renamed", "flowID", flowID, "from", oldID, "to", newID)
	return nil
}

func (r sqlRepos) SaveFollowupMessage(ctx context.Context, m models.FollowupMessage) error {
	if m.ID == "" {
		return fmt.Errorf("follow-up message id is required")
	}
	_, err := r.db.ExecContext(ctx,
		r.q(`INSERT INTO followup_messages (id, name, body, delay_minutes, is_active) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, body = excluded.body,
		   delay_minutes = excluded.delay_minutes, is_active = excluded.is_active`),
		m.ID, m.Name, m.Body, m.DelayMinutes, m.IsActive)
	if err != nil {
		return fmt.Errorf("failed to save follow-up message %s: %w", m.ID, err)
	}
	return nil
}

func (r sqlRepos) ListActiveFollowupMessages(ctx context.Context) ([]models.FollowupMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT id, name, body, delay_minutes, is_active FROM followup_messages WHERE is_active = ? ORDER BY delay_minutes ASC, id ASC`), true)
	if err != nil {
		return nil, fmt.Errorf("failed to list follow-up messages: %w", err)
	}
	defer rows.Close()

	var out []models.FollowupMessage
	for rows.Next() {
		var m models.FollowupMessage
		if err := rows.Scan(&m.ID, &m.Name, &m.Body, &m.DelayMinutes, &m.IsActive); err != nil {
			return nil, fmt.Errorf("scan follow-up message failed: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("follow-up rows iteration failed: %w", err)
	}
	return out, nil
}

func (r sqlRepos) CommitFollowup(ctx context.Context, sent models.FollowupSent, outbound models.OutboundMessage) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin commit follow-up: %w", err)
	}
	defer tx.Rollback()

	eligible, err := r.followupEligible(ctx, tx, sent)
	if err != nil {
		return false, err
	}
	if !eligible {
		slog.Debug(r.name+".CommitFollowup: conversation no longer eligible", "conversationID", sent.ConversationID, "followupID", sent.FollowupMessageID)
		return false, nil
	}

	result, err := tx.ExecContext(ctx,
		r.q(`INSERT INTO followup_sent (conversation_id, followup_message_id, sent_at, last_activity_snapshot)
		 VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		sent.ConversationID, sent.FollowupMessageID, sent.SentAt.UTC(), sent.LastActivitySnapshot.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record follow-up %s/%s: %w", sent.ConversationID, sent.FollowupMessageID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		slog.Debug(r.name+".CommitFollowup: already sent", "conversationID", sent.ConversationID, "followupID", sent.FollowupMessageID)
		return false, nil
	}
	if _, _, err := r.enqueue(ctx, tx, outbound, time.Now().UTC()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit follow-up: %w", err)
	}
	return true, nil
}

// followupEligible re-reads the conversation inside the commit transaction. On
// Postgres the row stays locked until commit, so a concurrent hand-off or touch
// either lands first and is seen here, or waits for the follow-up to commit.
func (r sqlRepos) followupEligible(ctx context.Context, tx *sql.Tx, sent models.FollowupSent) (bool, error) {
	query := `SELECT status, handoff_state, last_activity_at FROM conversations WHERE id = ?`
	if r.postgres {
		query += ` FOR UPDATE`
	}
	var status, handoff string
	var last time.Time
	err := tx.QueryRowContext(ctx, r.q(query), sent.ConversationID).Scan(&status, &handoff, &last)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check follow-up eligibility for %s: %w", sent.ConversationID, err)
	}
	return followupEligible(models.ConversationStatus(status), models.HandoffState(handoff), last, sent.LastActivitySnapshot), nil
}

func (r sqlRepos) GetFollowupSent(ctx context.Context, conversationID, followupMessageID string) (*models.FollowupSent, error) {
	var s models.FollowupSent
	err := r.db.QueryRowContext(ctx,
		r.q(`SELECT conversation_id, followup_message_id, sent_at, last_activity_snapshot FROM followup_sent
		 WHERE conversation_id = ? AND followup_message_id = ?`),
		conversationID, followupMessageID,
	).Scan(&s.ConversationID, &s.FollowupMessageID, &s.SentAt, &s.LastActivitySnapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get follow-up sent: %w", err)
	}
	return &s, nil
}

func (r sqlRepos) RecordInbound(ctx context.Context, rec InboundRecord) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		r.q(`INSERT INTO inbound_messages (message_id, conversation_id, sender_type, body, received_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		rec.MessageID, rec.ConversationID, string(rec.SenderType), rec.Text, rec.ReceivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record inbound %s: %w", rec.MessageID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inbound rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug(r.name+".RecordInbound: duplicate", "messageID", rec.MessageID)
	}
	return n > 0, nil
}

func (r sqlRepos) MarkProcessed(ctx context.Context, messageIDs ...string) error {
	now := time.Now().UTC()
	for _, id := range messageIDs {
		if _, err := r.db.ExecContext(ctx,
			r.q(`UPDATE inbound_messages SET processed_at = ? WHERE message_id = ? AND processed_at IS NULL`), now, id); err != nil {
			return fmt.Errorf("failed to mark inbound %s processed: %w", id, err)
		}
	}
	return nil
}

func (r sqlRepos) ListUnprocessedInbound(ctx context.Context, limit int) ([]InboundRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT message_id, conversation_id, sender_type, body, received_at, processed_at FROM inbound_messages
		 WHERE processed_at IS NULL ORDER BY received_at ASC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed inbound: %w", err)
	}
	defer rows.Close()
	return scanInboundRecords(rows)
}
