package model

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
)

func TestResolvePricing(t *testing.T) {
	assert.Equal(t, Pricing{InputPerM: 0.15, OutputPerM: 0.60}, ResolvePricing("gpt-4o-mini"))
	assert.Equal(t, Pricing{InputPerM: 0.15, OutputPerM: 0.60}, ResolvePricing("gpt-4o-mini-2024-07-18"))
	assert.Equal(t, Pricing{InputPerM: 2.50, OutputPerM: 10.00}, ResolvePricing("gpt-4o-2024-08-06"))
	assert.Equal(t, Pricing{}, ResolvePricing("unknown-model"))
}

func TestComputeCost(t *testing.T) {
	in, out, total := ComputeCost(&schema.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 500_000}, Pricing{InputPerM: 1, OutputPerM: 2})
	assert.InDelta(t, 1.0, in, 1e-9)
	assert.InDelta(t, 1.0, out, 1e-9)
	assert.InDelta(t, 2.0, total, 1e-9)

	in, out, total = ComputeCost(nil, Pricing{InputPerM: 1})
	assert.Zero(t, in+out+total)
}

func TestEnsureMessageID(t *testing.T) {
	m := schema.UserMessage("hi")
	id := EnsureMessageID(m)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, MessageID(m))
	assert.Equal(t, id, EnsureMessageID(m))
	assert.Empty(t, MessageID(nil))
}

func TestAgentStateHelpers(t *testing.T) {
	s := &AgentState{ConnectedToolkits: map[string]bool{"gmail": true, "googledrive": false}}
	assert.Equal(t, []string{"gmail"}, s.ConnectedSlugs([]string{"googledrive", "gmail"}))

	assert.Nil(t, s.LastMessage())
	s.AppendMessages(schema.UserMessage("a"), nil, schema.AssistantMessage("b", nil))
	assert.Len(t, s.Messages, 2)
	assert.Equal(t, "b", s.LastMessage().Content)
	assert.NotEmpty(t, MessageID(s.Messages[0]))
}
