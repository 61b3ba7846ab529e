package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(TypeHandoff, "conv_1", Handoff{ConversationID: "conv_1", Reason: "keyword"})
	assert.NotEmpty(t, env.Meta.ID)
	require.NotNil(t, env.Meta.CorrelationID)
	assert.Equal(t, "conv_1", *env.Meta.CorrelationID)
	require.NotNil(t, env.Meta.Producer)
	assert.Equal(t, Producer, *env.Meta.Producer)

	b, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	meta := decoded["meta"].(map[string]any)
	assert.Equal(t, TypeHandoff, meta["type"])
	data := decoded["data"].(map[string]any)
	assert.Equal(t, "keyword", data["reason"])
}

func TestNewEnvelopeWithoutCorrelation(t *testing.T) {
	env := NewEnvelope(TypeTurnDropped, "", TurnDropped{})
	assert.Nil(t, env.Meta.CorrelationID)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, TypeHandoff, NewEnvelope(TypeHandoff, "", nil)))
	require.NoError(t, r.Publish(ctx, TypeStepChanged, NewEnvelope(TypeStepChanged, "", nil)))
	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType(TypeHandoff), 1)
	assert.NoError(t, Nop{}.Publish(ctx, "x", Envelope{}))
}
