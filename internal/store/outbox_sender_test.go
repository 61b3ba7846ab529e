package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

func TestOutboxSender_Basic(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, _, err := s.EnqueueOutboxMessage(ctx, models.OutboundMessage{ConversationID: "c1", To: "+1", Body: "hi", Kind: models.OutboundReply, IdempotencyKey: "k1"}); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	var sent atomic.Int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) (string, error) {
		sent.Add(1)
		return "provider-1", nil
	}, 50*time.Millisecond)

	sender.Poll(ctx)
	sender.Poll(ctx)

	if sent.Load() != 1 {
		t.Fatalf("expected exactly one send, got %d", sent.Load())
	}
	msgs, err := s.ListOutboxMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("ListOutboxMessages failed: %v", err)
	}
	if msgs[0].Status != OutboxStatusSent || msgs[0].ProviderMessageID != "provider-1" {
		t.Errorf("unexpected outbox row: %+v", msgs[0])
	}
}

func TestOutboxSender_GivesUpAfterMaxAttempts(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if _, _, err := s.EnqueueOutboxMessage(ctx, models.OutboundMessage{ConversationID: "c1", To: "+1", Body: "hi", IdempotencyKey: "k1"}); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	var results atomic.Int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) (string, error) {
		return "", errors.New("gateway down")
	}, time.Second, WithMaxAttempts(2), WithResultHook(func(OutboxMessage, error) { results.Add(1) }))

	sender.Poll(ctx)
	msgs, _ := s.ListOutboxMessages(ctx, "c1")
	if msgs[0].Status != OutboxStatusQueued || msgs[0].Attempts != 1 {
		t.Fatalf("expected queued retry after first failure, got %+v", msgs[0])
	}

	// Force the retry due.
	past := time.Now().Add(-time.Second)
	s.mu.Lock()
	s.outbox[0].NextAttemptAt = &past
	s.mu.Unlock()

	sender.Poll(ctx)
	msgs, _ = s.ListOutboxMessages(ctx, "c1")
	if msgs[0].Status != OutboxStatusFailed {
		t.Fatalf("expected failed after max attempts, got %s", msgs[0].Status)
	}
	if results.Load() != 2 {
		t.Errorf("expected 2 result callbacks, got %d", results.Load())
	}
}

func TestOutboxSender_RecoverStaleMessages(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if _, _, err := s.EnqueueOutboxMessage(ctx, models.OutboundMessage{ConversationID: "c1", To: "+1", Body: "hi", IdempotencyKey: "k1"}); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if _, err := s.ClaimDueOutboxMessages(ctx, time.Now().Add(-time.Hour), 10); err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}

	sender := NewOutboxSender(s, func(context.Context, OutboxMessage) (string, error) { return "id", nil }, time.Second)
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}
	msgs, _ := s.ListOutboxMessages(ctx, "c1")
	if msgs[0].Status != OutboxStatusQueued {
		t.Errorf("expected requeued message, got %s", msgs[0].Status)
	}
}
