// Package store provides storage backends for the conversation engine.
//
// PostgresStore (lib/pq) and SQLiteStore (go-sqlite3) persist conversations, flow
// definitions, follow-up configuration and sent-log, the inbound message log and the
// outbox. InMemoryStore implements the same contract for tests and ephemeral runs.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3"
// for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// ConversationRepo is the Conversation State Store.
type ConversationRepo interface {
	// CreateConversation inserts a new conversation.
	CreateConversation(ctx context.Context, c *models.Conversation) error

	// GetConversation returns the conversation or nil when it does not exist.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// GetActiveConversationByPhone returns the open conversation for a phone, or nil.
	GetActiveConversationByPhone(ctx context.Context, phone string) (*models.Conversation, error)

	// GetLatestConversationByPhone returns the most recent conversation for a phone in
	// any status, or nil.
	GetLatestConversationByPhone(ctx context.Context, phone string) (*models.Conversation, error)

	// TouchConversation advances last_activity_at; it never moves it backwards.
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// MarkHandoff moves the conversation to permanent hand-off. It returns false when
	// it was already handed off (or does not exist).
	MarkHandoff(ctx context.Context, id string, reason models.HandoffReason, at time.Time) (bool, error)

	// CloseConversation sets status closed. It returns false when already closed.
	CloseConversation(ctx context.Context, id string, at time.Time) (bool, error)

	// CommitTurn atomically writes the conversation state produced by one orchestration
	// cycle together with the messages it emits. Hand-off and closed status are never
	// reverted and last_activity_at never moves backwards.
	CommitTurn(ctx context.Context, c *models.Conversation, outbound []models.OutboundMessage) error

	// ListFollowupCandidates returns active, non-handed-off conversations whose last
	// activity is before cutoff and that have no sent-log row for followupID.
	ListFollowupCandidates(ctx context.Context, followupID string, cutoff time.Time, limit int) ([]models.Conversation, error)
}

// FlowRepo persists flow definitions. The engine only reads through it; writes come
// from seeding and administrative tooling.
type FlowRepo interface {
	// SaveFlow upserts a flow with all steps and transitions and returns its new version.
	SaveFlow(ctx context.Context, f *models.Flow) (int, error)

	// GetFlow returns a flow snapshot or nil.
	GetFlow(ctx context.Context, id string) (*models.Flow, error)

	// GetActiveFlow returns the active flow snapshot or nil.
	GetActiveFlow(ctx context.Context) (*models.Flow, error)

	// ActivateFlow makes id the single active flow.
	ActivateFlow(ctx context.Context, id string) error

	// RenameStep renames a step and rewrites every edge and conversation pointer that
	// references it in one transaction.
	RenameStep(ctx context.Context, flowID, oldID, newID string) error
}

// FollowupRepo stores follow-up configuration and the sent-log.
type FollowupRepo interface {
	SaveFollowupMessage(ctx context.Context, m models.FollowupMessage) error
	ListActiveFollowupMessages(ctx context.Context) ([]models.FollowupMessage, error)

	// CommitFollowup inserts the sent-log row and enqueues the outbound message in one
	// transaction. It returns false, with nothing enqueued, when the pair already exists
	// or when the conversation was closed, handed off or active again after
	// sent.LastActivitySnapshot.
	CommitFollowup(ctx context.Context, sent models.FollowupSent, outbound models.OutboundMessage) (bool, error)

	GetFollowupSent(ctx context.Context, conversationID, followupMessageID string) (*models.FollowupSent, error)
}

// Store is the full persistence contract used by the engine.
type Store interface {
	ConversationRepo
	FlowRepo
	FollowupRepo
	InboundRepo
	OutboxRepo
	Close() error
}

// New opens the backend matching the configured DSN. An empty DSN or "memory"
// returns an InMemoryStore.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "" || cfg.DSN == "memory":
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}
