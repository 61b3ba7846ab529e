package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
)

const sampleYAML = `
flow:
  id: insurance
  name: Insurance intake
  globalPrompt: You are a polite insurance assistant.
  initialStep: welcome
  steps:
    - id: welcome
      name: Welcome
      prompt: "Olá! Seu protocolo é {{protocol}}."
      transitions:
        - label: continue
          target: product
    - id: product
      name: Product
      isAI: true
      bufferSeconds: 10
      objective: Find out which product the lead wants
      routingInstructions: Auto goes to auto, anything else to other.
      transitions:
        - label: auto
          target: auto
        - label: other
          target: human
    - id: auto
      name: Auto
      prompt: Obrigado, {{nome}}!
    - id: human
      name: Human
      isAI: true
      category: human
followups:
  - id: f1
    name: Nudge
    body: Ainda está aí, {{nome}}?
    delayMinutes: 30
    active: true
`

func TestParseYAML(t *testing.T) {
	def, err := Parse([]byte(sampleYAML), false)
	require.NoError(t, err)
	assert.Equal(t, "insurance", def.Flow.ID)
	assert.Equal(t, "welcome", def.Flow.InitialStepID)
	require.Len(t, def.Flow.Steps, 4)

	product, ok := def.Flow.Step("product")
	require.True(t, ok)
	assert.True(t, product.IsAI)
	assert.Equal(t, 10, product.BufferSeconds)
	assert.Equal(t, []string{"auto", "human"}, product.TargetIDs())

	welcome, _ := def.Flow.Step("welcome")
	assert.True(t, welcome.IsDeterministic())
	auto, _ := def.Flow.Step("auto")
	assert.True(t, auto.IsTerminal())

	require.Len(t, def.Followups, 1)
	assert.True(t, def.Followups[0].IsActive)
	assert.Equal(t, 30, def.Followups[0].DelayMinutes)
}

func TestParseRejectsDuplicateSteps(t *testing.T) {
	_, err := Parse([]byte("flow:\n  id: x\n  steps:\n    - id: a\n    - id: a\n"), false)
	assert.True(t, errors.Is(err, models.ErrInvalidFlow))
}

func TestParseRejectsBadFollowup(t *testing.T) {
	_, err := Parse([]byte("flow:\n  id: x\n  steps:\n    - id: a\nfollowups:\n  - id: f\n    delayMinutes: 0\n"), false)
	assert.True(t, errors.Is(err, models.ErrInvalidFlow))
}

func TestLoadFileAndSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	def, err := LoadFile(path)
	require.NoError(t, err)

	st := store.NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, Seed(ctx, st, def))

	active, err := st.GetActiveFlow(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "insurance", active.ID)
	assert.Equal(t, 1, active.Version)

	followups, err := st.ListActiveFollowupMessages(ctx)
	require.NoError(t, err)
	assert.Len(t, followups, 1)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
