package models

import (
	"errors"
	"testing"
	"time"
)

func testFlow() *Flow {
	return &Flow{
		ID: "seguro",
		Steps: []Step{
			{ID: "boas_vindas", IsAI: true, Transitions: []Transition{{Label: "is_client", TargetStepID: "atendimento_cliente"}, {Label: "new", TargetStepID: "cotacao"}}},
			{ID: "atendimento_cliente", Transitions: []Transition{{Label: "next", TargetStepID: "boas_vindas"}}},
			{ID: "cotacao", IsAI: true, Transitions: []Transition{{Label: "again", TargetStepID: "cotacao"}}},
			{ID: "fim"},
		},
	}
}

func TestStepClassification(t *testing.T) {
	f := testFlow()
	cases := map[string]struct{ deterministic, terminal bool }{
		"boas_vindas":         {false, false},
		"atendimento_cliente": {true, false},
		"cotacao":             {false, false},
		"fim":                 {false, true},
	}
	for id, want := range cases {
		s, ok := f.Step(id)
		if !ok {
			t.Fatalf("step %s not found", id)
		}
		if s.IsDeterministic() != want.deterministic {
			t.Errorf("%s: IsDeterministic = %v, want %v", id, s.IsDeterministic(), want.deterministic)
		}
		if s.IsTerminal() != want.terminal {
			t.Errorf("%s: IsTerminal = %v, want %v", id, s.IsTerminal(), want.terminal)
		}
	}
}

func TestFlowValidate(t *testing.T) {
	if err := testFlow().Validate(); err != nil {
		t.Fatalf("expected valid flow, got %v", err)
	}

	dup := testFlow()
	dup.Steps = append(dup.Steps, Step{ID: "fim"})
	if err := dup.Validate(); !errors.Is(err, ErrInvalidFlow) {
		t.Errorf("expected ErrInvalidFlow for duplicate ids, got %v", err)
	}

	badInitial := testFlow()
	badInitial.InitialStepID = "missing"
	if err := badInitial.Validate(); !errors.Is(err, ErrInvalidFlow) {
		t.Errorf("expected ErrInvalidFlow for unknown initial step, got %v", err)
	}
}

func TestFlowRenameStepCascadesEdges(t *testing.T) {
	f := testFlow()
	f.InitialStepID = "boas_vindas"
	if err := f.RenameStep("boas_vindas", "inicio"); err != nil {
		t.Fatalf("RenameStep failed: %v", err)
	}
	if _, ok := f.Step("boas_vindas"); ok {
		t.Error("old step id still present")
	}
	if _, ok := f.Step("inicio"); !ok {
		t.Error("new step id missing")
	}
	back, _ := f.Step("atendimento_cliente")
	if back.Transitions[0].TargetStepID != "inicio" {
		t.Errorf("back-edge not rewritten: %q", back.Transitions[0].TargetStepID)
	}
	if f.InitialStepID != "inicio" {
		t.Errorf("initial step not rewritten: %q", f.InitialStepID)
	}
	if len(f.DanglingTransitions()) != 0 {
		t.Errorf("unexpected dangling transitions: %v", f.DanglingTransitions())
	}
}

func TestFlowRenameStepRejectsCollision(t *testing.T) {
	f := testFlow()
	if err := f.RenameStep("cotacao", "fim"); !errors.Is(err, ErrInvalidFlow) {
		t.Errorf("expected ErrInvalidFlow, got %v", err)
	}
	if err := f.RenameStep("nope", "x"); !errors.Is(err, ErrStepNotFound) {
		t.Errorf("expected ErrStepNotFound, got %v", err)
	}
}

func TestConversationHandoffIsMonotonic(t *testing.T) {
	c := &Conversation{HandoffState: HandoffNone}
	now := time.Now()
	if !c.MarkHandoff(HandoffReasonKeyword, now) {
		t.Fatal("first MarkHandoff should report a change")
	}
	if c.MarkHandoff(HandoffReasonAIError, now.Add(time.Minute)) {
		t.Error("second MarkHandoff should be a no-op")
	}
	if c.HandoffReason != HandoffReasonKeyword {
		t.Errorf("reason overwritten: %s", c.HandoffReason)
	}
}

func TestConversationTouchNeverMovesBackwards(t *testing.T) {
	now := time.Now()
	c := &Conversation{LastActivityAt: now}
	c.Touch(now.Add(-time.Hour))
	if !c.LastActivityAt.Equal(now) {
		t.Errorf("LastActivityAt moved backwards to %v", c.LastActivityAt)
	}
}

func TestInboundMessageValidate(t *testing.T) {
	m := InboundMessage{MessageID: "m1"}
	if !IsValidationError(m.Validate()) {
		t.Error("expected ValidationError without identity")
	}
	m.Phone = "5511999999999"
	if err := m.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	m.SenderType = "robot"
	if !IsValidationError(m.Validate()) {
		t.Error("expected ValidationError for unknown sender type")
	}
}

func TestErrorTaxonomyUnwraps(t *testing.T) {
	base := errors.New("boom")
	var err error = &PersistenceError{Op: "commit", Err: base}
	if !IsPersistenceError(err) || !errors.Is(err, base) {
		t.Error("PersistenceError should be classifiable and unwrap")
	}
	err = &AIError{Kind: AIErrorTimeout, Err: base}
	if !IsAIError(err) || !errors.Is(err, base) {
		t.Error("AIError should be classifiable and unwrap")
	}
}

func TestPlaceholderContextLeadName(t *testing.T) {
	tests := []struct {
		name      string
		data      map[string]string
		wantName  string
		wantFirst string
	}{
		{"profile name only", map[string]string{ContactNameKey: "Ana Souza"}, "Ana Souza", "Ana"},
		{"collected nome wins over profile", map[string]string{ContactNameKey: "Ana S.", "Nome": "Ana Paula Souza"}, "Ana Paula Souza", "Ana"},
		{"collected name kept as is", map[string]string{"name": "Bia", ContactNameKey: "Beatriz"}, "Bia", "Bia"},
		{"unknown", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Conversation{ID: "c1", Protocol: "P", Phone: "+55", CollectedData: tt.data}
			ctx := c.PlaceholderContext()
			if got := c.LeadName(); got != tt.wantName {
				t.Errorf("LeadName() = %q, want %q", got, tt.wantName)
			}
			if tt.wantName == "" {
				if _, ok := ctx["name"]; ok {
					t.Errorf("unexpected name in context: %v", ctx)
				}
				return
			}
			if ctx["first_name"] != tt.wantFirst {
				t.Errorf("first_name = %q, want %q", ctx["first_name"], tt.wantFirst)
			}
			if tt.data["name"] == "" && ctx["name"] != tt.wantName {
				t.Errorf("name = %q, want %q", ctx["name"], tt.wantName)
			}
		})
	}
}
