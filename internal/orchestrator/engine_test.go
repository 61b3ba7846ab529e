package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workspacemrqz/crmportilho-sub001/internal/buffer"
	"github.com/workspacemrqz/crmportilho-sub001/internal/events"
	"github.com/workspacemrqz/crmportilho-sub001/internal/flow"
	"github.com/workspacemrqz/crmportilho-sub001/internal/handoff"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/router"
	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
)

// fakeRouter records every request and answers with fn.
type fakeRouter struct {
	mu   sync.Mutex
	reqs []router.Request
	fn   func(req router.Request) (*router.Decision, error)
}

func (r *fakeRouter) Route(_ context.Context, req router.Request) (*router.Decision, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if r.fn == nil {
		return &router.Decision{ReplyText: "ok"}, nil
	}
	return r.fn(req)
}

func (r *fakeRouter) calls() []router.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]router.Request(nil), r.reqs...)
}

// flakyStore fails CommitTurn a fixed number of times.
type flakyStore struct {
	*store.InMemoryStore
	failures atomic.Int32
}

func (s *flakyStore) CommitTurn(ctx context.Context, c *models.Conversation, outbound []models.OutboundMessage) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return s.InMemoryStore.CommitTurn(ctx, c, outbound)
}

func testFlow() *models.Flow {
	return &models.Flow{
		ID:            "seguros",
		Name:          "Seguros",
		GlobalPrompt:  "Você é o assistente da corretora.",
		InitialStepID: "welcome",
		Active:        true,
		Steps: []models.Step{
			{
				ID:     "welcome",
				Name:   "Boas-vindas",
				Prompt: "Olá! Como posso ajudar?",
				IsAI:   true,
				RoutingInstructions: "Se o cliente pedir um atendente humano, transfira. " +
					"Se já for cliente, vá para identify.",
				Transitions: []models.Transition{
					{Label: "is_client", TargetStepID: "identify"},
					{Label: "quote", TargetStepID: "cotacao"},
				},
			},
			{
				ID:          "identify",
				Name:        "Identificação",
				Transitions: []models.Transition{{Label: "is_client", TargetStepID: "atendimento_cliente"}},
			},
			{
				ID:          "atendimento_cliente",
				Name:        "Atendimento ao cliente",
				Prompt:      "Bem-vindo de volta, {{Nome}}! Seu protocolo é {{protocol}}.",
				IsAI:        true,
				Transitions: []models.Transition{{Label: "done", TargetStepID: "fim"}},
			},
			{
				ID:       "cotacao",
				Name:     "Cotação",
				Prompt:   "Vou chamar um corretor para sua cotação.",
				Category: "human",
				IsAI:     true,
			},
			{
				ID:     "fim",
				Name:   "Encerramento",
				Prompt: "Obrigado, {{nome}}! Até logo.",
			},
			{
				ID:          "quebrado",
				Name:        "Quebrado",
				Transitions: []models.Transition{{Label: "x", TargetStepID: "nao_existe"}},
			},
		},
	}
}

type harness struct {
	engine   *Engine
	store    store.Store
	router   *fakeRouter
	recorder *events.Recorder
}

func newHarness(t *testing.T, st store.Store, r router.Router, opts ...Option) *harness {
	t.Helper()
	if st == nil {
		st = store.NewInMemoryStore()
	}
	fr, _ := r.(*fakeRouter)
	if r == nil {
		fr = &fakeRouter{}
		r = fr
	}
	registry := flow.NewRegistry(st)
	_, err := registry.Publish(context.Background(), testFlow())
	require.NoError(t, err)

	rec := &events.Recorder{}
	opts = append([]Option{
		WithPublisher(rec),
		WithRetry(3, time.Millisecond),
		WithBufferOptions(
			buffer.WithFirstMessageWindow(30*time.Millisecond),
			buffer.WithWindow(100*time.Millisecond),
			buffer.WithMaxWait(time.Second),
		),
	}, opts...)
	e := NewEngine(st, registry, r, handoff.New(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &harness{engine: e, store: st, router: fr, recorder: rec}
}

// seed creates a conversation on step.
func (h *harness) seed(t *testing.T, step string) *models.Conversation {
	t.Helper()
	now := time.Now()
	conv := &models.Conversation{
		ID:             "conv_" + step,
		LeadID:         "lead_1",
		Phone:          "+5511999990000",
		Protocol:       "20260101-000001",
		CurrentStepID:  step,
		HandoffState:   models.HandoffNone,
		Status:         models.ConversationActive,
		LastActivityAt: now.Add(-time.Minute),
	}
	require.NoError(t, h.store.CreateConversation(context.Background(), conv))
	return conv
}

func (h *harness) outbox(t *testing.T, convID string) []store.OutboxMessage {
	t.Helper()
	msgs, err := h.store.ListOutboxMessages(context.Background(), convID)
	require.NoError(t, err)
	return msgs
}

func body(t *testing.T, m store.OutboxMessage) string {
	t.Helper()
	p, err := m.Payload()
	require.NoError(t, err)
	return p.Body
}

func (h *harness) conversation(t *testing.T, id string) *models.Conversation {
	t.Helper()
	conv, err := h.store.GetConversation(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, conv)
	return conv
}

func TestBurstBecomesOneTurn(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, models.InboundMessage{Phone: "+5511988887777", MessageID: "m1", Text: "Quero"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Buffered)

	time.Sleep(10 * time.Millisecond)
	_, err = h.engine.HandleInbound(ctx, models.InboundMessage{Phone: "+5511988887777", MessageID: "m2", Text: "fazer seguro"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.router.calls()) == 1 && !h.engine.Pending(res.ConversationID) }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	calls := h.router.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Quero fazer seguro", calls[0].Text)
	assert.Equal(t, "welcome", calls[0].Step.ID)
	assert.Equal(t, []string{"identify", "cotacao"}, calls[0].TargetIDs())

	unprocessed, err := h.store.ListUnprocessedInbound(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestDeterministicStepSkipsAI(t *testing.T) {
	h := newHarness(t, nil, nil)
	conv := h.seed(t, "identify")
	require.NoError(t, h.store.CommitTurn(context.Background(), func() *models.Conversation {
		c := conv.Clone()
		c.CollectedData = map[string]string{"nome": "Ana"}
		return c
	}(), nil))

	res, err := h.engine.ProcessTurn(context.Background(), conv.ID, "sou cliente", []string{"m1"})
	require.NoError(t, err)
	assert.Equal(t, "atendimento_cliente", res.ToStepID)
	assert.Empty(t, h.router.calls())

	got := h.conversation(t, conv.ID)
	assert.Equal(t, "atendimento_cliente", got.CurrentStepID)
	msgs := h.outbox(t, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Bem-vindo de volta, Ana! Seu protocolo é 20260101-000001.", body(t, msgs[0]))
	assert.Equal(t, "reply:"+conv.ID+":m1", msgs[0].DedupeKey)
	assert.Len(t, h.recorder.OfType(events.TypeStepChanged), 1)
}

func TestAIRequestedHandoffIsPermanent(t *testing.T) {
	r := &fakeRouter{fn: func(req router.Request) (*router.Decision, error) {
		return &router.Decision{ReplyText: "Claro, vou chamar alguém da equipe.", Handoff: true}, nil
	}}
	h := newHarness(t, nil, r)
	conv := h.seed(t, "welcome")
	ctx := context.Background()

	res, err := h.engine.ProcessTurn(ctx, conv.ID, "prefiro conversar com alguém da equipe", []string{"m1"})
	require.NoError(t, err)
	assert.Equal(t, models.HandoffReasonAIRequested, res.HandoffReason)
	assert.True(t, h.conversation(t, conv.ID).IsHandedOff())

	r.fn = func(router.Request) (*router.Decision, error) {
		return &router.Decision{ReplyText: "de volta ao bot", NextStepID: "identify"}, nil
	}
	res, err = h.engine.ProcessTurn(ctx, conv.ID, "na verdade deixa pra lá", []string{"m2"})
	require.NoError(t, err)
	assert.Equal(t, "skipped", res.Outcome)

	got := h.conversation(t, conv.ID)
	assert.Equal(t, models.HandoffPermanent, got.HandoffState)
	assert.Equal(t, "welcome", got.CurrentStepID)
	assert.Len(t, r.calls(), 1)
	msgs := h.outbox(t, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Claro, vou chamar alguém da equipe.", body(t, msgs[0]))
	assert.Len(t, h.recorder.OfType(events.TypeHandoff), 1)
}

type blockingGenerator struct{}

func (blockingGenerator) GenerateJSON(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestAITimeoutHandsOff(t *testing.T) {
	h := newHarness(t, nil, router.New(blockingGenerator{}, router.WithTimeout(20*time.Millisecond)))
	conv := h.seed(t, "welcome")

	res, err := h.engine.ProcessTurn(context.Background(), conv.ID, "oi", []string{"m1"})
	require.NoError(t, err)
	var aiErr *models.AIError
	require.True(t, errors.As(res.AIError, &aiErr))
	assert.Equal(t, models.AIErrorTimeout, aiErr.Kind)
	assert.Equal(t, models.HandoffReasonAIError, res.HandoffReason)

	got := h.conversation(t, conv.ID)
	assert.True(t, got.IsHandedOff())
	msgs := h.outbox(t, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, handoff.DefaultMessage, body(t, msgs[0]))
	assert.Equal(t, string(models.OutboundHandoff), msgs[0].Kind)
}

func TestMissingTargetHandsOff(t *testing.T) {
	h := newHarness(t, nil, nil)
	conv := h.seed(t, "quebrado")

	res, err := h.engine.ProcessTurn(context.Background(), conv.ID, "oi", []string{"m1"})
	require.NoError(t, err)
	assert.Equal(t, models.HandoffReasonMissingTarget, res.HandoffReason)
	assert.Equal(t, "quebrado", h.conversation(t, conv.ID).CurrentStepID)
}

func TestRequiresHumanCategory(t *testing.T) {
	r := &fakeRouter{fn: func(router.Request) (*router.Decision, error) {
		return &router.Decision{NextStepID: "cotacao"}, nil
	}}
	h := newHarness(t, nil, r)
	conv := h.seed(t, "welcome")

	res, err := h.engine.ProcessTurn(context.Background(), conv.ID, "quero uma cotação", []string{"m1"})
	require.NoError(t, err)
	assert.Equal(t, models.HandoffReasonCategory, res.HandoffReason)
	got := h.conversation(t, conv.ID)
	assert.Equal(t, "cotacao", got.CurrentStepID)
	assert.True(t, got.IsHandedOff())
	msgs := h.outbox(t, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Vou chamar um corretor para sua cotação.", body(t, msgs[0]))
}

func TestTerminalStepClosesConversation(t *testing.T) {
	r := &fakeRouter{fn: func(router.Request) (*router.Decision, error) {
		return &router.Decision{NextStepID: "fim", CollectedData: map[string]string{"nome": "Bia"}}, nil
	}}
	h := newHarness(t, nil, r)
	conv := h.seed(t, "atendimento_cliente")

	res, err := h.engine.ProcessTurn(context.Background(), conv.ID, "era só isso", []string{"m1"})
	require.NoError(t, err)
	assert.Equal(t, "closed", res.Outcome)
	got := h.conversation(t, conv.ID)
	assert.Equal(t, models.ConversationClosed, got.Status)
	assert.Equal(t, "Bia", got.CollectedData["nome"])
	msgs := h.outbox(t, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Obrigado, Bia! Até logo.", body(t, msgs[0]))
	assert.Len(t, h.recorder.OfType(events.TypeConversationClosed), 1)
}

func TestEmptyTextIsProcessed(t *testing.T) {
	h := newHarness(t, nil, nil)
	conv := h.seed(t, "welcome")

	_, err := h.engine.ProcessTurn(context.Background(), conv.ID, "", []string{"m1"})
	require.NoError(t, err)
	calls := h.router.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "", calls[0].Text)
}

func TestKeywordOnInboundHandsOff(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, models.InboundMessage{Phone: "+5511911112222", MessageID: "k1", Text: "Quero falar com um ATENDENTE"})
	require.NoError(t, err)
	assert.True(t, res.HandedOff)
	assert.False(t, res.Buffered)

	got := h.conversation(t, res.ConversationID)
	assert.Equal(t, models.HandoffReasonKeyword, got.HandoffReason)
	msgs := h.outbox(t, res.ConversationID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "handoff:"+res.ConversationID, msgs[0].DedupeKey)

	res, err = h.engine.HandleInbound(ctx, models.InboundMessage{Phone: "+5511911112222", MessageID: "k2", Text: "alô?"})
	require.NoError(t, err)
	assert.True(t, res.HandedOff)
	assert.Empty(t, h.router.calls())
}

func TestOperatorOutboundHandsOff(t *testing.T) {
	h := newHarness(t, nil, nil)
	conv := h.seed(t, "welcome")

	res, err := h.engine.HandleInbound(context.Background(), models.InboundMessage{
		ConversationID: conv.ID, MessageID: "op1", Text: "Oi, aqui é a Carla", SenderType: models.SenderOperator,
	})
	require.NoError(t, err)
	assert.True(t, res.HandedOff)
	got := h.conversation(t, conv.ID)
	assert.Equal(t, models.HandoffReasonOperator, got.HandoffReason)
	assert.Empty(t, h.outbox(t, conv.ID))
}

func TestSendOperatorMessage(t *testing.T) {
	h := newHarness(t, nil, nil)
	conv := h.seed(t, "welcome")
	ctx := context.Background()

	require.NoError(t, h.engine.SendOperatorMessage(ctx, conv.ID, "Olá, sou a Carla"))
	assert.True(t, h.conversation(t, conv.ID).IsHandedOff())
	msgs := h.outbox(t, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(models.OutboundManual), msgs[0].Kind)

	err := h.engine.SendOperatorMessage(ctx, conv.ID, "  ")
	assert.True(t, models.IsValidationError(err))
}

func TestHandleInboundDuplicateAndInvalid(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.engine.HandleInbound(ctx, models.InboundMessage{MessageID: "x"})
	assert.True(t, models.IsValidationError(err))

	first, err := h.engine.HandleInbound(ctx, models.InboundMessage{Phone: "+5511933334444", MessageID: "d1", Text: "oi"})
	require.NoError(t, err)
	again, err := h.engine.HandleInbound(ctx, models.InboundMessage{Phone: "+5511933334444", MessageID: "d1", Text: "oi"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.ConversationID, again.ConversationID)

	require.Eventually(t, func() bool { return len(h.router.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandleInboundUnknownConversation(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.engine.HandleInbound(context.Background(), models.InboundMessage{ConversationID: "nope", MessageID: "m"})
	assert.True(t, errors.Is(err, models.ErrConversationNotFound))
}

func TestNewConversationReusesLead(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	first, err := h.engine.HandleInbound(ctx, models.InboundMessage{Phone: "+5511955556666", MessageID: "a1", Text: "oi"})
	require.NoError(t, err)
	closed, err := h.engine.CloseConversation(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationClosed, closed.Status)

	second, err := h.engine.HandleInbound(ctx, models.InboundMessage{Phone: "+5511955556666", MessageID: "a2", Text: "oi de novo"})
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.ConversationID, second.ConversationID)

	a := h.conversation(t, first.ConversationID)
	b := h.conversation(t, second.ConversationID)
	assert.Equal(t, a.LeadID, b.LeadID)
	assert.NotEmpty(t, b.Protocol)
	assert.Equal(t, "welcome", b.CurrentStepID)
}

func TestContactNameFeedsPlaceholders(t *testing.T) {
	r := &fakeRouter{fn: func(router.Request) (*router.Decision, error) {
		return &router.Decision{ReplyText: "Olá {first_name}, tudo bem? Protocolo {PROTOCOL}."}, nil
	}}
	h := newHarness(t, nil, r)
	ctx := context.Background()

	res, err := h.engine.HandleInbound(ctx, models.InboundMessage{
		Phone: "+5511944443333", MessageID: "n1", Text: "oi", ContactName: " Ana Souza ",
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	conv := h.conversation(t, res.ConversationID)
	assert.Equal(t, "Ana Souza", conv.CollectedData[models.ContactNameKey])

	require.Eventually(t, func() bool { return len(h.outbox(t, conv.ID)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Olá Ana, tudo bem? Protocolo "+conv.Protocol+".", body(t, h.outbox(t, conv.ID)[0]))
}

func TestCloseConversationIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	conv := h.seed(t, "welcome")
	ctx := context.Background()

	_, err := h.engine.CloseConversation(ctx, conv.ID)
	require.NoError(t, err)
	_, err = h.engine.CloseConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, h.recorder.OfType(events.TypeConversationClosed), 1)

	_, err = h.engine.CloseConversation(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrConversationNotFound))

	res, err := h.engine.ProcessTurn(ctx, conv.ID, "oi", nil)
	require.NoError(t, err)
	assert.Equal(t, "skipped", res.Outcome)
}

func TestPersistenceFailureIsRetried(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore()}
	h := newHarness(t, st, nil)
	conv := h.seed(t, "identify")
	st.failures.Store(2)

	h.engine.handleTurn(context.Background(), buffer.Turn{
		ConversationID: conv.ID,
		Fragments:      []buffer.Fragment{{MessageID: "m1", Text: "sim"}},
	})
	assert.Equal(t, "atendimento_cliente", h.conversation(t, conv.ID).CurrentStepID)
	assert.Len(t, h.outbox(t, conv.ID), 1)
	assert.Empty(t, h.recorder.OfType(events.TypeTurnDropped))
}

func TestPersistenceFailureExhaustedDropsTurn(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore()}
	h := newHarness(t, st, nil)
	conv := h.seed(t, "identify")
	st.failures.Store(100)

	h.engine.handleTurn(context.Background(), buffer.Turn{
		ConversationID: conv.ID,
		Fragments:      []buffer.Fragment{{MessageID: "m1", Text: "sim"}},
	})
	assert.Equal(t, "identify", h.conversation(t, conv.ID).CurrentStepID)
	assert.Empty(t, h.outbox(t, conv.ID))
	dropped := h.recorder.OfType(events.TypeTurnDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, []string{"m1"}, dropped[0].Data.(events.TurnDropped).MessageIDs)
}

func TestReplay(t *testing.T) {
	h := newHarness(t, nil, nil)
	conv := h.seed(t, "welcome")
	ctx := context.Background()
	rec := store.InboundRecord{MessageID: "r1", ConversationID: conv.ID, SenderType: models.SenderLead, Text: "oi", ReceivedAt: time.Now()}
	_, err := h.store.RecordInbound(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, h.engine.Replay(ctx, rec))
	h.engine.Flush(conv.ID)
	require.Eventually(t, func() bool { return len(h.router.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
}
