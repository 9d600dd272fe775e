package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamAccumulator_ToolCallDeltas(t *testing.T) {
	acc := NewStreamAccumulator()
	acc.Add(StreamChunk{Choices: []StreamChoice{{Delta: MessageDelta{Role: "assistant", Content: "Looking "}}}})
	acc.Add(StreamChunk{Choices: []StreamChoice{{Delta: MessageDelta{ToolCalls: []ToolCallDelta{
		{Index: 0, ID: "call_1", Function: &FunctionCallDelta{Name: "search", Arguments: `{"que`}},
	}}}}})
	acc.Add(StreamChunk{Choices: []StreamChoice{{Delta: MessageDelta{Content: "up", ToolCalls: []ToolCallDelta{
		{Index: 0, Function: &FunctionCallDelta{Arguments: `ry":"x"}`}},
		{Index: 1, ID: "call_2", Function: &FunctionCallDelta{Name: "fetch_url", Arguments: `{}`}},
	}}}}})
	acc.Add(StreamChunk{Usage: &Usage{TotalTokens: 9}})

	msg := acc.Message()
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "Looking up", msg.Content)
	require.Len(t, msg.ToolCalls, 2)
	assert.Equal(t, `{"query":"x"}`, msg.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "fetch_url", msg.ToolCalls[1].Function.Name)
	assert.True(t, acc.HasToolCalls())
	assert.Equal(t, 9, acc.Response().Usage.TotalTokens)
}

func TestExtractThinkingContent(t *testing.T) {
	thinking, content := ExtractThinkingContent("<think>plan A</think>Answer <think>plan B</think>here")
	assert.Equal(t, "plan A\n\nplan B", thinking)
	assert.Equal(t, "Answer here", content)

	thinking, content = ExtractThinkingContent("plain")
	assert.Empty(t, thinking)
	assert.Equal(t, "plain", content)
}

func TestThinkTagParser_SplitAcrossChunks(t *testing.T) {
	var text, reasoning strings.Builder
	p := NewThinkTagParser(
		func(s string) { reasoning.WriteString(s) },
		func(s string) { text.WriteString(s) },
	)

	for _, chunk := range []string{"Hello <thi", "nk>secret reas", "oning</th", "ink> world, this is the answer."} {
		p.Write(chunk)
	}
	p.Flush()

	assert.Equal(t, "Hello  world, this is the answer.", text.String())
	assert.Equal(t, "secret reasoning", reasoning.String())
}

func TestThinkTagParser_NilCallbacks(t *testing.T) {
	p := NewThinkTagParser(nil, nil)
	p.Write("<think>x</think>y")
	p.Flush()
}
