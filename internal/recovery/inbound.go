package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
)

// DefaultReplayLimit caps how many unprocessed inbound messages are replayed at
// startup.
const DefaultReplayLimit = 1000

// Replayer re-buffers a logged inbound message.
type Replayer interface {
	Replay(ctx context.Context, rec store.InboundRecord) error
}

// InboundReplayer feeds inbound messages that were logged but never folded into a
// committed turn back into the engine. Messages stay unprocessed until their turn
// commits, so a crash between buffering and commit loses nothing.
type InboundReplayer struct {
	repo     store.InboundRepo
	replayer Replayer
	limit    int
}

// NewInboundReplayer creates an InboundReplayer. A non-positive limit uses
// DefaultReplayLimit.
func NewInboundReplayer(repo store.InboundRepo, replayer Replayer, limit int) *InboundReplayer {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	return &InboundReplayer{repo: repo, replayer: replayer, limit: limit}
}

// RecoverState implements Recoverable.
func (r *InboundReplayer) RecoverState(ctx context.Context) error {
	recs, err := r.repo.ListUnprocessedInbound(ctx, r.limit)
	if err != nil {
		return fmt.Errorf("list unprocessed inbound: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}
	if len(recs) == r.limit {
		slog.Warn("InboundReplayer.RecoverState: replay limit reached, older messages remain unprocessed", "limit", r.limit)
	}

	var failed int
	for _, rec := range recs {
		if err := r.replayer.Replay(ctx, rec); err != nil {
			slog.Error("InboundReplayer.RecoverState: replay failed", "messageID", rec.MessageID, "conversationID", rec.ConversationID, "error", err)
			failed++
		}
	}
	slog.Info("InboundReplayer.RecoverState: replayed inbound messages", "count", len(recs)-failed, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("replay failed for %d of %d messages", failed, len(recs))
	}
	return nil
}
