package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on a single SQLite file. All times are bound in UTC
// so that textual comparisons in SQL order correctly.
type SQLiteStore struct {
	sqlRepos
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serialises writers and keeps PRAGMAs in effect.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{sqlRepos: sqlRepos{db: db, postgres: false, name: "SQLiteStore"}, db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	data, err := encodeData(c.CollectedData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.LeadID, c.Phone, c.Protocol, c.CurrentStepID, data, string(c.HandoffState),
		string(c.HandoffReason), nilIfZeroTime(c.HandoffAt), c.LastActivityAt.UTC(), string(c.Status), now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to insert conversation %s: %w", c.ID, err)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	slog.Debug("SQLiteStore CreateConversation succeeded", "conversationID", c.ID, "phone", c.Phone)
	return nil
}

func (s *SQLiteStore) getOne(ctx context.Context, query string, args ...any) (*models.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := s.getOne(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) GetActiveConversationByPhone(ctx context.Context, phone string) (*models.Conversation, error) {
	c, err := s.getOne(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE phone = ? AND status = 'active'`, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to get active conversation for %s: %w", phone, err)
	}
	return c, nil
}

func (s *SQLiteStore) GetLatestConversationByPhone(ctx context.Context, phone string) (*models.Conversation, error) {
	c, err := s.getOne(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE phone = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest conversation for %s: %w", phone, err)
	}
	return c, nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = MAX(last_activity_at, ?), updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch conversation %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkHandoff(ctx context.Context, id string, reason models.HandoffReason, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET handoff_state = 'permanent', handoff_reason = ?, handoff_at = ?, updated_at = ?
		 WHERE id = ? AND handoff_state <> 'permanent'`,
		string(reason), at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark handoff for %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("handoff rows affected check failed: %w", err)
	}
	slog.Debug("SQLiteStore MarkHandoff", "conversationID", id, "reason", reason, "changed", n > 0)
	return n > 0, nil
}

func (s *SQLiteStore) CloseConversation(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'closed', updated_at = ? WHERE id = ? AND status <> 'closed'`,
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

func (s *SQLiteStore) CommitTurn(ctx context.Context, c *models.Conversation, outbound []models.OutboundMessage) error {
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
	// SQLite evaluates every SET expression against the pre-update row, so the
	// handoff_state guard sees the stored value in all three columns.
	result, err := tx.ExecContext(ctx,
		`UPDATE conversations SET
			current_step_id = ?,
			collected_data = ?,
			handoff_state = CASE WHEN handoff_state = 'permanent' THEN handoff_state ELSE ? END,
			handoff_reason = CASE WHEN handoff_state = 'permanent' THEN handoff_reason ELSE ? END,
			handoff_at = CASE WHEN handoff_state = 'permanent' THEN handoff_at ELSE ? END,
			status = CASE WHEN status = 'closed' THEN status ELSE ? END,
			last_activity_at = MAX(last_activity_at, ?),
			updated_at = ?
		 WHERE id = ?`,
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
		if _, _, err := enqueueOutboxSQLite(ctx, tx, msg, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn for %s: %w", c.ID, err)
	}
	slog.Debug("SQLiteStore CommitTurn succeeded", "conversationID", c.ID, "step", c.CurrentStepID, "outbound", len(outbound))
	return nil
}

func (s *SQLiteStore) ListFollowupCandidates(ctx context.Context, followupID string, cutoff time.Time, limit int) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c
		 WHERE c.status = 'active' AND c.handoff_state = 'none' AND c.last_activity_at < ?
		   AND NOT EXISTS (
		     SELECT 1 FROM followup_sent s WHERE s.conversation_id = c.id AND s.followup_message_id = ?
		   )
		 ORDER BY c.last_activity_at ASC LIMIT ?`,
		cutoff.UTC(), followupID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list follow-up candidates: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}
