package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	sqlRepos
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{sqlRepos: sqlRepos{db: db, postgres: true, name: "PostgresStore"}, db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	data, err := encodeData(c.CollectedData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.LeadID, c.Phone, c.Protocol, c.CurrentStepID, data, string(c.HandoffState),
		string(c.HandoffReason), nilIfZeroTime(c.HandoffAt), c.LastActivityAt.UTC(), string(c.Status), now, now,
	)
	if err != nil {
		slog.Error("PostgresStore CreateConversation failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to insert conversation %s: %w", c.ID, err)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	slog.Debug("PostgresStore CreateConversation succeeded", "conversationID", c.ID, "phone", c.Phone)
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) GetActiveConversationByPhone(ctx context.Context, phone string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE phone = $1 AND status = 'active'`, phone)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active conversation for %s: %w", phone, err)
	}
	return c, nil
}

func (s *PostgresStore) GetLatestConversationByPhone(ctx context.Context, phone string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE phone = $1 ORDER BY created_at DESC LIMIT 1`, phone)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest conversation for %s: %w", phone, err)
	}
	return c, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = GREATEST(last_activity_at, $1), updated_at = $2 WHERE id = $3`,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch conversation %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkHandoff(ctx context.Context, id string, reason models.HandoffReason, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET handoff_state = 'permanent', handoff_reason = $1, handoff_at = $2, updated_at = $3
		 WHERE id = $4 AND handoff_state <> 'permanent'`,
		string(reason), at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark handoff for %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("handoff rows affected check failed: %w", err)
	}
	slog.Debug("PostgresStore MarkHandoff", "conversationID", id, "reason", reason, "changed", n > 0)
	return n > 0, nil
}

func (s *PostgresStore) CloseConversation(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'closed', updated_at = $1 WHERE id = $2 AND status <> 'closed'`,
		at.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to close conversation %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) CommitTurn(ctx context.Context, c *models.Conversation, outbound []models.OutboundMessage) error {
	data, err := encodeData(c.CollectedData)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit turn: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE conversations SET
			current_step_id = $1,
			collected_data = $2,
			handoff_state = CASE WHEN handoff_state = 'permanent' THEN handoff_state ELSE $3 END,
			handoff_reason = CASE WHEN handoff_state = 'permanent' THEN handoff_reason ELSE $4 END,
			handoff_at = CASE WHEN handoff_state = 'permanent' THEN handoff_at ELSE $5 END,
			status = CASE WHEN status = 'closed' THEN status ELSE $6 END,
			last_activity_at = GREATEST(last_activity_at, $7),
			updated_at = $8
		 WHERE id = $9`,
		c.CurrentStepID, data, string(c.HandoffState), string(c.HandoffReason), nilIfZeroTime(c.HandoffAt),
		string(c.Status), c.LastActivityAt.UTC(), now, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrConversationNotFound, c.ID)
	}
	for _, msg := range outbound {
		if _, _, err := enqueueOutboxPostgres(ctx, tx, msg, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn for %s: %w", c.ID, err)
	}
	slog.Debug("PostgresStore CommitTurn succeeded", "conversationID", c.ID, "step", c.CurrentStepID, "outbound", len(outbound))
	return nil
}

func (s *PostgresStore) ListFollowupCandidates(ctx context.Context, followupID string, cutoff time.Time, limit int) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c
		 WHERE c.status = 'active' AND c.handoff_state = 'none' AND c.last_activity_at < $1
		   AND NOT EXISTS (
		     SELECT 1 FROM followup_sent s WHERE s.conversation_id = c.id AND s.followup_message_id = $2
		   )
		 ORDER BY c.last_activity_at ASC LIMIT $3`,
		cutoff.UTC(), followupID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list follow-up candidates: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}
