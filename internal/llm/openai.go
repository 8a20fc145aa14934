package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ignite/inbox-intel/internal/config"
)

type openaiBackend struct {
	client *openai.Client
	cfg    config.LLMConfig
}

func newOpenAIBackend(cfg config.LLMConfig) *openaiBackend {
	return &openaiBackend{client: openai.NewClient(cfg.APIKey), cfg: cfg}
}

func (b *openaiBackend) completeJSON(ctx context.Context, model, system, user string) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: b.cfg.Temperature,
		MaxTokens:   b.cfg.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
