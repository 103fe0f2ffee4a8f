package critique

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompleter talks to any OpenAI-compatible chat completion endpoint.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

func NewOpenAICompleter(apiKey, model, baseURL string) (*OpenAICompleter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai api key is missing")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompleter{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (o *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens: critiqueMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// NewCompleter picks the backend named by provider. An unknown provider or
// missing key returns nil, which makes the generator always fall back.
func NewCompleter(provider, anthropicKey, anthropicModel, openaiKey, openaiModel, openaiBaseURL string) (Completer, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "anthropic", "claude":
		c, err := NewAnthropicCompleter(anthropicKey, anthropicModel)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "openai":
		c, err := NewOpenAICompleter(openaiKey, openaiModel, openaiBaseURL)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
