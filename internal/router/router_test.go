package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

type fakeGenerator struct {
	reply  string
	err    error
	delay  time.Duration
	system string
	user   string
}

func (f *fakeGenerator) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.system, f.user = systemPrompt, userPrompt
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func sampleRequest() Request {
	return Request{
		GlobalPrompt: "Be concise.",
		Step: models.Step{
			ID: "product", Name: "Product", Objective: "Find the product", IsAI: true,
			RoutingInstructions: "auto -> auto",
		},
		ValidTargets: []Target{{ID: "auto", Label: "car"}, {ID: "life", Label: "life"}},
		Text:         "quero seguro para meu carro",
	}
}

func aiKind(t *testing.T, err error) models.AIErrorKind {
	t.Helper()
	var ae *models.AIError
	require.True(t, errors.As(err, &ae), "expected AIError, got %v", err)
	return ae.Kind
}

func TestRouteValidDecision(t *testing.T) {
	gen := &fakeGenerator{reply: `{"replyText":"Perfeito!","nextStepId":"auto","collectedData":{"produto":"auto","idade":32}}`}
	d, err := New(gen).Route(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "Perfeito!", d.ReplyText)
	assert.Equal(t, "auto", d.NextStepID)
	assert.Equal(t, "auto", d.CollectedData["produto"])
	assert.Equal(t, "32", d.CollectedData["idade"])

	assert.Contains(t, gen.system, "Be concise.")
	assert.Contains(t, gen.user, `"routingInstructions": "auto -> auto"`)
	assert.Contains(t, gen.user, `"message": "quero seguro para meu carro"`)
}

func TestRouteNullNextStepStays(t *testing.T) {
	d, err := New(&fakeGenerator{reply: `{"replyText":"Qual o modelo?","nextStepId":null}`}).Route(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Empty(t, d.NextStepID)
}

func TestRouteRejectsOutOfSetStep(t *testing.T) {
	_, err := New(&fakeGenerator{reply: `{"replyText":"x","nextStepId":"payment"}`}).Route(context.Background(), sampleRequest())
	assert.Equal(t, models.AIErrorInvalidStep, aiKind(t, err))
}

func TestRouteMalformed(t *testing.T) {
	for _, raw := range []string{"not json", "", `{"foo":1}`, `["a"]`} {
		_, err := New(&fakeGenerator{reply: raw}).Route(context.Background(), sampleRequest())
		assert.Equal(t, models.AIErrorMalformed, aiKind(t, err), "raw=%q", raw)
	}
}

func TestRouteTimeout(t *testing.T) {
	gen := &fakeGenerator{reply: `{"replyText":"late"}`, delay: time.Second}
	start := time.Now()
	_, err := New(gen, WithTimeout(30*time.Millisecond)).Route(context.Background(), sampleRequest())
	assert.Equal(t, models.AIErrorTimeout, aiKind(t, err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRouteTransportError(t *testing.T) {
	_, err := New(&fakeGenerator{err: errors.New("connection refused")}).Route(context.Background(), sampleRequest())
	assert.Equal(t, models.AIErrorTransport, aiKind(t, err))
}

func TestParseDecisionStripsFences(t *testing.T) {
	d, err := ParseDecision("```json\n{\"replyText\":\"ok\",\"nextStepId\":\"life\",\"handoff\":\"true\"}\n```", []string{"life"})
	require.NoError(t, err)
	assert.Equal(t, "life", d.NextStepID)
	assert.True(t, d.Handoff)
}

func TestParseDecisionHandoffOnly(t *testing.T) {
	d, err := ParseDecision(`{"handoff":true}`, nil)
	require.NoError(t, err)
	assert.True(t, d.Handoff)
}

func TestTargetsFor(t *testing.T) {
	f := &models.Flow{ID: "f", Steps: []models.Step{
		{ID: "a", IsAI: true},
		{ID: "b", Transitions: []models.Transition{{Label: "go", TargetStepID: "c"}, {Label: "dup", TargetStepID: "c"}}},
		{ID: "c", Name: "C"},
	}}
	a, _ := f.Step("a")
	b, _ := f.Step("b")
	c, _ := f.Step("c")

	assert.Equal(t, []Target{{ID: "b"}, {ID: "c", Label: "C"}}, TargetsFor(f, a))
	assert.Equal(t, []Target{{ID: "c", Label: "go"}}, TargetsFor(f, b))
	assert.Empty(t, TargetsFor(f, c))
}

func TestBuildUserPromptEmptyTargets(t *testing.T) {
	out, err := BuildUserPrompt(Request{Step: models.Step{ID: "x"}})
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"validTargets": []`))
}
