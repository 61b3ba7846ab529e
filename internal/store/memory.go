package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/util"
)

// InMemoryStore is a process-local Store. It is used by tests and when no DSN is
// configured; state is lost on restart.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	flows         map[string]*models.Flow
	followups     map[string]models.FollowupMessage
	followupSent  map[[2]string]models.FollowupSent
	inbound       map[string]*InboundRecord
	outbox        []*OutboxMessage
	seq           int64
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.Conversation),
		flows:         make(map[string]*models.Flow),
		followups:     make(map[string]models.FollowupMessage),
		followupSent:  make(map[[2]string]models.FollowupSent),
		inbound:       make(map[string]*InboundRecord),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateConversation(_ context.Context, c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	if c.IsActive() {
		for _, other := range s.conversations {
			if other.Phone == c.Phone && other.IsActive() {
				return fmt.Errorf("active conversation for %s already exists", c.Phone)
			}
		}
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.seq++
	stored := c.Clone()
	// Nanosecond offset keeps created_at ordering stable for conversations created
	// within the same clock tick.
	stored.CreatedAt = now.Add(time.Duration(s.seq))
	s.conversations[c.ID] = stored
	return nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *InMemoryStore) GetActiveConversationByPhone(_ context.Context, phone string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.Phone == phone && c.IsActive() {
			return c.Clone(), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetLatestConversationByPhone(_ context.Context, phone string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Conversation
	for _, c := range s.conversations {
		if c.Phone != phone {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return latest.Clone(), nil
}

func (s *InMemoryStore) TouchConversation(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		c.Touch(at)
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) MarkHandoff(_ context.Context, id string, reason models.HandoffReason, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return false, nil
	}
	changed := c.MarkHandoff(reason, at)
	if changed {
		c.UpdatedAt = time.Now().UTC()
	}
	return changed, nil
}

func (s *InMemoryStore) CloseConversation(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || !c.IsActive() {
		return false, nil
	}
	c.Status = models.ConversationClosed
	c.UpdatedAt = at
	return true, nil
}

func (s *InMemoryStore) CommitTurn(_ context.Context, c *models.Conversation, outbound []models.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.conversations[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrConversationNotFound, c.ID)
	}
	next := c.Clone()
	if stored.IsHandedOff() {
		next.HandoffState, next.HandoffReason, next.HandoffAt = stored.HandoffState, stored.HandoffReason, stored.HandoffAt
	}
	if !stored.IsActive() {
		next.Status = stored.Status
	}
	if stored.LastActivityAt.After(next.LastActivityAt) {
		next.LastActivityAt = stored.LastActivityAt
	}
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.conversations[c.ID] = next
	for _, msg := range outbound {
		s.enqueueLocked(msg)
	}
	return nil
}

func (s *InMemoryStore) ListFollowupCandidates(_ context.Context, followupID string, cutoff time.Time, limit int) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if !c.IsActive() || c.IsHandedOff() || !c.LastActivityAt.Before(cutoff) {
			continue
		}
		if _, sent := s.followupSent[[2]string{c.ID, followupID}]; sent {
			continue
		}
		out = append(out, *c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) SaveFlow(_ context.Context, f *models.Flow) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	version := 1
	if prev, ok := s.flows[f.ID]; ok {
		version = prev.Version + 1
	}
	f.Version = version
	f.UpdatedAt = time.Now().UTC()
	if f.Active {
		for _, other := range s.flows {
			other.Active = false
		}
	}
	s.flows[f.ID] = f.Clone()
	return version, nil
}

func (s *InMemoryStore) GetFlow(_ context.Context, id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flows[id].Clone(), nil
}

func (s *InMemoryStore) GetActiveFlow(_ context.Context) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.flows {
		if f.Active {
			return f.Clone(), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ActivateFlow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.flows[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrFlowNotFound, id)
	}
	for _, f := range s.flows {
		f.Active = false
	}
	target.Active = true
	target.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) RenameStep(_ context.Context, flowID, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrFlowNotFound, flowID)
	}
	if oldID == newID {
		return nil
	}
	next := f.Clone()
	if err := next.RenameStep(oldID, newID); err != nil {
		return err
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.flows[flowID] = next
	if next.Active {
		for _, c := range s.conversations {
			if c.CurrentStepID == oldID {
				c.CurrentStepID = newID
			}
		}
	}
	return nil
}

func (s *InMemoryStore) SaveFollowupMessage(_ context.Context, m models.FollowupMessage) error {
	if m.ID == "" {
		return fmt.Errorf("follow-up message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followups[m.ID] = m
	return nil
}

func (s *InMemoryStore) ListActiveFollowupMessages(_ context.Context) ([]models.FollowupMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FollowupMessage
	for _, m := range s.followups {
		if m.IsActive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DelayMinutes != out[j].DelayMinutes {
			return out[i].DelayMinutes < out[j].DelayMinutes
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) CommitFollowup(_ context.Context, sent models.FollowupSent, outbound models.OutboundMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{sent.ConversationID, sent.FollowupMessageID}
	if _, ok := s.followupSent[key]; ok {
		return false, nil
	}
	c, ok := s.conversations[sent.ConversationID]
	if !ok || !followupEligible(c.Status, c.HandoffState, c.LastActivityAt, sent.LastActivitySnapshot) {
		return false, nil
	}
	s.followupSent[key] = sent
	s.enqueueLocked(outbound)
	return true, nil
}

func (s *InMemoryStore) GetFollowupSent(_ context.Context, conversationID, followupMessageID string) (*models.FollowupSent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sent, ok := s.followupSent[[2]string{conversationID, followupMessageID}]
	if !ok {
		return nil, nil
	}
	return &sent, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, rec InboundRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[rec.MessageID]; ok {
		return false, nil
	}
	r := rec
	r.ProcessedAt = nil
	s.inbound[rec.MessageID] = &r
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range messageIDs {
		if r, ok := s.inbound[id]; ok && r.ProcessedAt == nil {
			at := now
			r.ProcessedAt = &at
		}
	}
	return nil
}

func (s *InMemoryStore) ListUnprocessedInbound(_ context.Context, limit int) ([]InboundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []InboundRecord
	for _, r := range s.inbound {
		if r.ProcessedAt == nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) enqueueLocked(msg models.OutboundMessage) (string, bool) {
	key := outboxDedupeKey(msg)
	for _, m := range s.outbox {
		if m.DedupeKey == key {
			return m.ID, false
		}
	}
	payload, _ := encodeOutboxPayload(msg)
	now := time.Now().UTC()
	m := &OutboxMessage{
		ID:             util.GenerateRandomID("outbox_", 32),
		ConversationID: msg.ConversationID,
		Kind:           string(msg.Kind),
		PayloadJSON:    payload,
		Status:         OutboxStatusQueued,
		DedupeKey:      key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.outbox = append(s.outbox, m)
	return m.ID, true
}

func (s *InMemoryStore) EnqueueOutboxMessage(_ context.Context, msg models.OutboundMessage) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, inserted := s.enqueueLocked(msg)
	return id, inserted, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(_ context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for _, m := range s.outbox {
		if limit > 0 && len(out) >= limit {
			break
		}
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) findOutboxLocked(id string) *OutboxMessage {
	for _, m := range s.outbox {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(_ context.Context, id, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findOutboxLocked(id); m != nil {
		m.Status = OutboxStatusSent
		m.ProviderMessageID = providerMessageID
		m.LockedAt = nil
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(_ context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findOutboxLocked(id); m != nil {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		next := nextAttemptAt
		m.NextAttemptAt = &next
		m.LockedAt = nil
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) GiveUpOutboxMessage(_ context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findOutboxLocked(id); m != nil {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListOutboxMessages(_ context.Context, conversationID string) ([]OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OutboxMessage
	for _, m := range s.outbox {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	return out, nil
}
