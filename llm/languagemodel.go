package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

const (
	// Turn prefix keeping hybrid-reasoning models from thinking out
	// loud on voice replies. The stream filter catches the ones that
	// think anyway.
	noThinkPrefix = "/nothink "

	streamSystemPrompt = "You are a voice assistant. Answer the user's " +
		"questions briefly and naturally, using the earlier turns of the " +
		"conversation for context."

	defaultMaxTokens   = 2000
	defaultTemperature = 0.7
)

// FallbackReply substitutes for a completion whose visible text came
// back empty, so the user never sees a blank reply.
const FallbackReply = "Sorry, I could not come up with an answer to that."

// Turn is one user/assistant exchange from the conversation history.
type Turn struct {
	User      string
	Assistant string
}

// ChatRequest is a completion request assembled from the recognized
// utterance plus prior turns.
type ChatRequest struct {
	Input   string
	History []Turn
}

// ChatChunk is one increment of a streamed reply.
type ChatChunk struct {
	Err     error
	Content string
}

// LanguageModel streams completions for recognized speech.
type LanguageModel interface {
	ChatStream(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error)
}

// OpenAIModel talks to any OpenAI-compatible completion endpoint.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

func NewOpenAIModel(apiKey, baseURL, model string) *OpenAIModel {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIModel{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (m *OpenAIModel) messages(req ChatRequest) []openai.ChatCompletionMessage {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: streamSystemPrompt,
		},
	}
	for _, turn := range req.History {
		messages = append(messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: turn.User,
			},
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: turn.Assistant,
			},
		)
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: noThinkPrefix + req.Input,
	})
}

// ChatStream starts a streamed completion. Stream errors arrive on the
// channel; the channel closes when the reply is complete.
func (m *OpenAIModel) ChatStream(
	ctx context.Context,
	req ChatRequest,
) (<-chan ChatChunk, error) {
	stream, err := m.client.CreateChatCompletionStream(
		ctx,
		openai.ChatCompletionRequest{
			Model:       m.model,
			Messages:    m.messages(req),
			MaxTokens:   defaultMaxTokens,
			Temperature: defaultTemperature,
			Stream:      true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}

	out := make(chan ChatChunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case out <- ChatChunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			content := resp.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			select {
			case out <- ChatChunk{Content: content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
