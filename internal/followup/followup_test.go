package followup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workspacemrqz/crmportilho-sub001/internal/events"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
)

func seedConversation(t *testing.T, st store.Store, id string, lastActivity time.Time) {
	t.Helper()
	require.NoError(t, st.CreateConversation(context.Background(), &models.Conversation{
		ID:             id,
		LeadID:         "lead_" + id,
		Phone:          "+55119" + id,
		Protocol:       "P-" + id,
		CurrentStepID:  "welcome",
		CollectedData:  map[string]string{"nome": "Ana"},
		HandoffState:   models.HandoffNone,
		Status:         models.ConversationActive,
		LastActivityAt: lastActivity,
	}))
}

func TestSweepSendsOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveFollowupMessage(ctx, models.FollowupMessage{
		ID: "f480", Name: "Lembrete", Body: "Oi {{NOME}}, ainda quer a cotação? Protocolo {{protocol}}", DelayMinutes: 480, IsActive: true,
	}))
	seedConversation(t, st, "old", now.Add(-500*time.Minute))
	seedConversation(t, st, "recent", now.Add(-10*time.Minute))

	rec := &events.Recorder{}
	s := NewSweeper(st, WithClock(func() time.Time { return now }), WithPublisher(rec))

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)

	sent, err := st.GetFollowupSent(ctx, "old", "f480")
	require.NoError(t, err)
	require.NotNil(t, sent)
	assert.True(t, sent.LastActivitySnapshot.Equal(now.Add(-500*time.Minute)))

	msgs, err := st.ListOutboxMessages(ctx, "old")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	p, err := msgs[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, "Oi Ana, ainda quer a cotação? Protocolo P-old", p.Body)
	assert.Equal(t, Key("old", "f480"), msgs[0].DedupeKey)

	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	msgs, err = st.ListOutboxMessages(ctx, "old")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Len(t, rec.OfType(events.TypeFollowupSent), 1)
}

func TestSweepExpandsLeadName(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Now()
	require.NoError(t, st.SaveFollowupMessage(ctx, models.FollowupMessage{ID: "f1", Body: "{Name}, ainda está por aí? {missing}", DelayMinutes: 60, IsActive: true}))
	require.NoError(t, st.CreateConversation(ctx, &models.Conversation{
		ID:             "c",
		LeadID:         "lead_c",
		Phone:          "+5511900000001",
		Protocol:       "P-c",
		CurrentStepID:  "welcome",
		CollectedData:  map[string]string{models.ContactNameKey: "Carla Dias"},
		HandoffState:   models.HandoffNone,
		Status:         models.ConversationActive,
		LastActivityAt: now.Add(-2 * time.Hour),
	}))

	res, err := NewSweeper(st).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
	msgs, err := st.ListOutboxMessages(ctx, "c")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	p, err := msgs[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, "Carla Dias, ainda está por aí? {missing}", p.Body)
}

func TestSweepSkipsHandedOffAndClosed(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Now()
	require.NoError(t, st.SaveFollowupMessage(ctx, models.FollowupMessage{ID: "f1", Body: "oi", DelayMinutes: 60, IsActive: true}))
	require.NoError(t, st.SaveFollowupMessage(ctx, models.FollowupMessage{ID: "off", Body: "x", DelayMinutes: 1, IsActive: false}))
	seedConversation(t, st, "handed", now.Add(-2*time.Hour))
	seedConversation(t, st, "closed", now.Add(-2*time.Hour))
	_, err := st.MarkHandoff(ctx, "handed", models.HandoffReasonKeyword, now)
	require.NoError(t, err)
	_, err = st.CloseConversation(ctx, "closed", now)
	require.NoError(t, err)

	res, err := NewSweeper(st).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
}

func TestSweepMultipleFollowups(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Now()
	require.NoError(t, st.SaveFollowupMessage(ctx, models.FollowupMessage{ID: "f1", Body: "1", DelayMinutes: 60, IsActive: true}))
	require.NoError(t, st.SaveFollowupMessage(ctx, models.FollowupMessage{ID: "f2", Body: "2", DelayMinutes: 240, IsActive: true}))
	seedConversation(t, st, "c", now.Add(-5*time.Hour))

	res, err := NewSweeper(st).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
}

// Concurrent sweepers model separate processes sharing one store.
func TestConcurrentSweepersCommitOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Now()
	require.NoError(t, st.SaveFollowupMessage(ctx, models.FollowupMessage{ID: "f1", Body: "oi", DelayMinutes: 30, IsActive: true}))
	for _, id := range []string{"a", "b", "c", "d"} {
		seedConversation(t, st, id, now.Add(-time.Hour))
	}

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := NewSweeper(st).Sweep(ctx)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.Sent
	}
	assert.Equal(t, 4, total)
	for _, id := range []string{"a", "b", "c", "d"} {
		msgs, err := st.ListOutboxMessages(ctx, id)
		require.NoError(t, err)
		assert.Len(t, msgs, 1, id)
	}
}

// handoffAfterList hands every listed conversation off before the sweeper gets to
// commit, the way an operator message arriving mid-sweep would.
type handoffAfterList struct {
	store.Store
}

func (r handoffAfterList) ListFollowupCandidates(ctx context.Context, followupID string, cutoff time.Time, limit int) ([]models.Conversation, error) {
	cands, err := r.Store.ListFollowupCandidates(ctx, followupID, cutoff, limit)
	for _, c := range cands {
		if _, err := r.Store.MarkHandoff(ctx, c.ID, models.HandoffReasonOperator, time.Now()); err != nil {
			return nil, err
		}
	}
	return cands, err
}

func TestSweepSkipsConversationHandedOffDuringSweep(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Now()
	require.NoError(t, st.SaveFollowupMessage(ctx, models.FollowupMessage{ID: "f1", Body: "oi", DelayMinutes: 60, IsActive: true}))
	seedConversation(t, st, "c", now.Add(-2*time.Hour))

	res, err := NewSweeper(handoffAfterList{st}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)

	sent, err := st.GetFollowupSent(ctx, "c", "f1")
	require.NoError(t, err)
	assert.Nil(t, sent)
	msgs, err := st.ListOutboxMessages(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// flakyCommit fails CommitFollowup until it has been called more than failures times.
type flakyCommit struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyCommit) CommitFollowup(ctx context.Context, sent models.FollowupSent, out models.OutboundMessage) (bool, error) {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.failures
	r.mu.Unlock()
	if fail {
		return false, errors.New("database is locked")
	}
	return r.Store.CommitFollowup(ctx, sent, out)
}

func TestSweepRetriesCommit(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Now()
	require.NoError(t, st.SaveFollowupMessage(ctx, models.FollowupMessage{ID: "f1", Body: "oi", DelayMinutes: 60, IsActive: true}))
	seedConversation(t, st, "c", now.Add(-2*time.Hour))

	repo := &flakyCommit{Store: st, failures: 2}
	res, err := NewSweeper(repo, WithRetry(3, time.Millisecond)).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)
	assert.Equal(t, 3, repo.calls)
}

func TestSweepDropsAfterRetries(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Now()
	require.NoError(t, st.SaveFollowupMessage(ctx, models.FollowupMessage{ID: "f1", Body: "oi", DelayMinutes: 60, IsActive: true}))
	seedConversation(t, st, "c", now.Add(-2*time.Hour))

	repo := &flakyCommit{Store: st, failures: 10}
	res, err := NewSweeper(repo, WithRetry(2, time.Millisecond)).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)
	assert.Equal(t, 2, repo.calls)

	// The next sweep picks the conversation up again.
	repo.failures = 0
	res, err = NewSweeper(repo).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}
