// Package testutil provides shared fixtures for tests that drive the engine from
// the outside: a sample flow, a scripted router and seeding helpers.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/buffer"
	"github.com/workspacemrqz/crmportilho-sub001/internal/flow"
	"github.com/workspacemrqz/crmportilho-sub001/internal/handoff"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/orchestrator"
	"github.com/workspacemrqz/crmportilho-sub001/internal/router"
	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
)

// TestPhone is the lead phone used by SeedConversation.
const TestPhone = "+5511999990000"

// SampleFlow returns a small insurance flow: welcome routes by AI to a quote step
// or to the client area, and the quote step ends the conversation.
func SampleFlow() *models.Flow {
	return &models.Flow{
		ID:            "seguros",
		Name:          "Seguros",
		GlobalPrompt:  "Você é o assistente da corretora.",
		InitialStepID: "welcome",
		Steps: []models.Step{
			{
				ID:     "welcome",
				Name:   "Boas-vindas",
				Prompt: "Olá! Como posso ajudar?",
				IsAI:   true,
				Transitions: []models.Transition{
					{Label: "quote", TargetStepID: "cotacao"},
					{Label: "is_client", TargetStepID: "atendimento_cliente"},
				},
			},
			{
				ID:     "cotacao",
				Name:   "Cotação",
				Prompt: "Vamos cotar seu seguro, {{nome}}.",
			},
			{
				ID:       "atendimento_cliente",
				Name:     "Atendimento ao cliente",
				Category: "human",
				IsAI:     true,
			},
		},
	}
}

// Router is a scripted router.Router. It records every request and answers with
// Fn, or with an empty stay decision when Fn is nil.
type Router struct {
	Fn func(req router.Request) (*router.Decision, error)

	mu   sync.Mutex
	reqs []router.Request
}

var _ router.Router = (*Router)(nil)

// Route implements router.Router.
func (r *Router) Route(_ context.Context, req router.Request) (*router.Decision, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if r.Fn == nil {
		return &router.Decision{}, nil
	}
	return r.Fn(req)
}

// Requests returns a copy of the recorded requests.
func (r *Router) Requests() []router.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]router.Request(nil), r.reqs...)
}

// Env is an engine over an in-memory store with SampleFlow published.
type Env struct {
	Store    *store.InMemoryStore
	Registry *flow.Registry
	Router   *Router
	Engine   *orchestrator.Engine
}

// NewEnv builds an Env. Buffer windows default to one hour so turns only run on an
// explicit Flush; pass orchestrator.WithBufferOptions to override.
func NewEnv(t *testing.T, opts ...orchestrator.Option) *Env {
	t.Helper()
	st := store.NewInMemoryStore()
	registry := flow.NewRegistry(st)
	if _, err := registry.Publish(context.Background(), SampleFlow()); err != nil {
		t.Fatalf("publish sample flow: %v", err)
	}
	r := &Router{}
	opts = append([]orchestrator.Option{
		orchestrator.WithRetry(1, time.Millisecond),
		orchestrator.WithBufferOptions(
			buffer.WithFirstMessageWindow(time.Hour),
			buffer.WithWindow(time.Hour),
			buffer.WithMaxWait(time.Hour),
		),
	}, opts...)
	engine := orchestrator.NewEngine(st, registry, r, handoff.New(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return &Env{Store: st, Registry: registry, Router: r, Engine: engine}
}

// SeedConversation creates an active conversation for TestPhone on step.
func SeedConversation(t *testing.T, st store.ConversationRepo, id, step string) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{
		ID:             id,
		LeadID:         "lead_1",
		Phone:          TestPhone,
		Protocol:       "20260101-000001",
		CurrentStepID:  step,
		HandoffState:   models.HandoffNone,
		Status:         models.ConversationActive,
		LastActivityAt: time.Now().Add(-time.Minute),
	}
	if err := st.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("seed conversation %s: %v", id, err)
	}
	return conv
}

// OutboxBodies returns the bodies queued for a conversation, in queue order.
func OutboxBodies(t *testing.T, st store.OutboxRepo, conversationID string) []string {
	t.Helper()
	msgs, err := st.ListOutboxMessages(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	var bodies []string
	for _, m := range msgs {
		p, err := m.Payload()
		if err != nil {
			t.Fatalf("decode outbox payload %s: %v", m.ID, err)
		}
		bodies = append(bodies, p.Body)
	}
	return bodies
}

// DecodeAPIResponse decodes the standard response envelope from rr.
func DecodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return resp
}
