package llm

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagesIncludeHistoryInOrder(t *testing.T) {
	m := NewOpenAIModel("", "", "test-model")

	msgs := m.messages(ChatRequest{
		Input: "and now?",
		History: []Turn{
			{User: "first question", Assistant: "first answer"},
			{User: "second question", Assistant: "second answer"},
		},
	})

	require.Len(t, msgs, 6)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)

	assert.Equal(t, "first question", msgs[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, "first answer", msgs[2].Content)
	assert.Equal(t, "second question", msgs[3].Content)
	assert.Equal(t, "second answer", msgs[4].Content)

	last := msgs[len(msgs)-1]
	assert.Equal(t, openai.ChatMessageRoleUser, last.Role)
	assert.Equal(t, "/nothink and now?", last.Content)
}

func TestMessagesWithoutHistory(t *testing.T) {
	m := NewOpenAIModel("", "", "test-model")

	msgs := m.messages(ChatRequest{Input: "hello"})
	require.Len(t, msgs, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "/nothink hello", msgs[1].Content)
}
