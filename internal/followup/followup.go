// Package followup implements the Follow-up Scheduler sweep: conversations that
// have been silent longer than a follow-up's delay receive it at most once.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/events"
	"github.com/workspacemrqz/crmportilho-sub001/internal/flow"
	"github.com/workspacemrqz/crmportilho-sub001/internal/metrics"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
)

// Default sweep settings. Commit retries match the engine's persistence retries.
const (
	DefaultBatchSize     = 200
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 200 * time.Millisecond
)

// Repo is the store surface the sweeper needs.
type Repo interface {
	ListActiveFollowupMessages(ctx context.Context) ([]models.FollowupMessage, error)
	ListFollowupCandidates(ctx context.Context, followupID string, cutoff time.Time, limit int) ([]models.Conversation, error)
	CommitFollowup(ctx context.Context, sent models.FollowupSent, outbound models.OutboundMessage) (bool, error)
}

var _ Repo = (store.Store)(nil)

// Opts holds configuration options for the Sweeper.
type Opts struct {
	BatchSize     int
	RetryAttempts int
	RetryBackoff  time.Duration
	Publisher     events.Publisher
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// Option is a functional option for configuring the Sweeper.
type Option func(*Opts)

// WithBatchSize caps the candidates listed per follow-up message in one sweep.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithRetry sets how often a failed commit is attempted and the first backoff,
// which doubles after each attempt.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(o *Opts) {
		o.RetryAttempts = attempts
		o.RetryBackoff = backoff
	}
}

// WithPublisher sets the publisher for followup.sent events.
func WithPublisher(p events.Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}

// WithMetrics records sent follow-ups on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Sweeper finds silent conversations and commits their follow-ups.
type Sweeper struct {
	repo          Repo
	batchSize     int
	retryAttempts int
	retryBackoff  time.Duration
	events        events.Publisher
	metrics       *metrics.Metrics
	now           func() time.Time
	running       atomic.Bool
}

// NewSweeper creates a Sweeper over repo.
func NewSweeper(repo Repo, opts ...Option) *Sweeper {
	cfg := Opts{BatchSize: DefaultBatchSize, RetryAttempts: DefaultRetryAttempts, RetryBackoff: DefaultRetryBackoff}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Sweeper{
		repo:          repo,
		batchSize:     cfg.BatchSize,
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff,
		events:        cfg.Publisher,
		metrics:       cfg.Metrics,
		now:           cfg.Clock,
	}
}

// Result summarizes one sweep. Skipped counts pairs that were already sent, or
// conversations that stopped being eligible between listing and commit.
type Result struct {
	Sent    int
	Skipped int
	Failed  int
}

// Sweep runs one pass. Sweeps never overlap within a process; a sweep started while
// another is running returns immediately. Across processes the sent-log's unique
// constraint guarantees a follow-up is committed at most once per conversation.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("Sweeper.Sweep: previous sweep still running, skipping")
		return res, nil
	}
	defer s.running.Store(false)

	msgs, err := s.repo.ListActiveFollowupMessages(ctx)
	if err != nil {
		return res, &models.PersistenceError{Op: "list follow-up messages", Err: err}
	}
	now := s.now()
	for _, m := range msgs {
		if m.DelayMinutes <= 0 {
			continue
		}
		if err := s.sweepMessage(ctx, m, now, &res); err != nil {
			return res, err
		}
	}
	if res.Sent > 0 || res.Failed > 0 {
		slog.Info("Sweeper.Sweep: done", "sent", res.Sent, "skipped", res.Skipped, "failed", res.Failed)
	}
	return res, nil
}

func (s *Sweeper) sweepMessage(ctx context.Context, m models.FollowupMessage, now time.Time, res *Result) error {
	cutoff := now.Add(-m.Delay())
	candidates, err := s.repo.ListFollowupCandidates(ctx, m.ID, cutoff, s.batchSize)
	if err != nil {
		return &models.PersistenceError{Op: "list follow-up candidates", Err: err}
	}
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		conv := &candidates[i]
		sent := models.FollowupSent{
			ConversationID:       conv.ID,
			FollowupMessageID:    m.ID,
			SentAt:               now,
			LastActivitySnapshot: conv.LastActivityAt,
		}
		out := models.OutboundMessage{
			ConversationID: conv.ID,
			To:             conv.Phone,
			Body:           flow.Expand(m.Body, conv.PlaceholderContext()),
			Kind:           models.OutboundFollowup,
			IdempotencyKey: Key(conv.ID, m.ID),
		}
		inserted, err := s.commit(ctx, sent, out)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Failed++
			slog.Error("Sweeper.sweepMessage: follow-up dropped after retries", "conversationID", conv.ID, "followupID", m.ID, "error", err)
		case !inserted:
			res.Skipped++
		default:
			res.Sent++
			s.metrics.FollowupSent()
			env := events.NewEnvelope(events.TypeFollowupSent, conv.ID, events.FollowupSent{
				ConversationID:    conv.ID,
				FollowupMessageID: m.ID,
				SentAt:            now,
			})
			if err := s.events.Publish(ctx, events.TypeFollowupSent, env); err != nil {
				slog.Warn("Sweeper.sweepMessage: event not published", "conversationID", conv.ID, "error", err)
			}
		}
	}
	return nil
}

// commit calls CommitFollowup, retrying persistence failures with exponential
// backoff. The sent-log unique constraint makes a retry after an ambiguous
// failure safe.
func (s *Sweeper) commit(ctx context.Context, sent models.FollowupSent, out models.OutboundMessage) (bool, error) {
	backoff := s.retryBackoff
	for attempt := 1; ; attempt++ {
		inserted, err := s.repo.CommitFollowup(ctx, sent, out)
		if err == nil {
			return inserted, nil
		}
		err = &models.PersistenceError{Op: "commit follow-up", Err: err}
		if attempt >= s.retryAttempts || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		slog.Warn("Sweeper.commit: persistence failure, retrying", "conversationID", sent.ConversationID, "attempt", attempt, "backoff", backoff, "error", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, err
		case <-t.C:
		}
		backoff *= 2
	}
}

// Key is the idempotency key of a follow-up delivery.
func Key(conversationID, followupID string) string {
	return fmt.Sprintf("followup:%s:%s", conversationID, followupID)
}
