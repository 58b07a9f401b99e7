package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/khub/knowledgehub/hub/types"
)

// OpenAIChat is the ChatModel adapter for OpenAI-compatible chat endpoints.
// Every call is bounded by the configured timeout and honors caller
// cancellation; errors are mapped onto the engine taxonomy.
type OpenAIChat struct {
	client      *openai.Client
	model       string
	timeout     time.Duration
	temperature float32
}

func NewOpenAIChat(client *openai.Client, model string, timeout time.Duration) *OpenAIChat {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIChat{
		client:      client,
		model:       model,
		timeout:     timeout,
		temperature: 0.3,
	}
}

func (m *OpenAIChat) Chat(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       m.model,
		Temperature: m.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return "", types.ErrCancelled
		case errors.Is(err, context.DeadlineExceeded):
			return "", fmt.Errorf("%w after %s", types.ErrGenerationTimeout, m.timeout)
		default:
			return "", fmt.Errorf("%w: %v", types.ErrGeneration, err)
		}
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: model returned no choices", types.ErrGeneration)
	}
	return resp.Choices[0].Message.Content, nil
}
