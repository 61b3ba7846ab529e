package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/util"
)

// Compile-time check that PostgresStore implements OutboxRepo.
var _ OutboxRepo = (*PostgresStore)(nil)

func enqueueOutboxPostgres(ctx context.Context, q dbtx, msg models.OutboundMessage, now time.Time) (string, bool, error) {
	payload, err := encodeOutboxPayload(msg)
	if err != nil {
		return "", false, fmt.Errorf("encode outbox payload failed: %w", err)
	}
	key := outboxDedupeKey(msg)
	id := util.GenerateRandomID("outbox_", 32)

	var insertedID string
	err = q.QueryRowContext(ctx,
		`INSERT INTO outbox_messages (id, conversation_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $6)
		 ON CONFLICT (dedupe_key) DO NOTHING
		 RETURNING id`,
		id, msg.ConversationID, string(msg.Kind), payload, key, now,
	).Scan(&insertedID)
	if err == nil {
		slog.Debug("PostgresStore.EnqueueOutboxMessage", "id", insertedID, "conversationID", msg.ConversationID, "kind", msg.Kind)
		return insertedID, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("enqueue outbox message failed: %w", err)
	}

	var existingID string
	if err := q.QueryRowContext(ctx, `SELECT id FROM outbox_messages WHERE dedupe_key = $1`, key).Scan(&existingID); err != nil {
		return "", false, fmt.Errorf("outbox dedupe lookup failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", key, "existingID", existingID)
	return existingID, false, nil
}

func (s *PostgresStore) EnqueueOutboxMessage(ctx context.Context, msg models.OutboundMessage) (string, bool, error) {
	return enqueueOutboxPostgres(ctx, s.db, msg, time.Now().UTC())
}

func (s *PostgresStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()
	return scanOutboxMessages(rows)
}

func (s *PostgresStore) MarkOutboxMessageSent(ctx context.Context, id, providerMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'sent', provider_message_id = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		nilIfEmpty(providerMessageID), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GiveUpOutboxMessage(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("give up outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) ListOutboxMessages(ctx context.Context, conversationID string) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages failed: %w", err)
	}
	defer rows.Close()
	return scanOutboxMessages(rows)
}
