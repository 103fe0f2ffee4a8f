package critique

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIVersion  = "2023-06-01"
	anthropicMessagesURL = "https://api.anthropic.com/v1/messages"
	critiqueMaxTokens    = 150
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AnthropicCompleter calls the Messages API over plain HTTP.
type AnthropicCompleter struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
}

func NewAnthropicCompleter(apiKey, model string) (*AnthropicCompleter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic api key is missing")
	}
	if model == "" {
		model = "claude-3-haiku-20240307"
	}
	return &AnthropicCompleter{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		endpoint:   anthropicMessagesURL,
		apiKey:     apiKey,
		model:      model,
	}, nil
}

// WithEndpoint points the completer at another Messages URL.
func (a *AnthropicCompleter) WithEndpoint(endpoint string) *AnthropicCompleter {
	a.endpoint = endpoint
	return a
}

func (a *AnthropicCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	payload, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		MaxTokens: critiqueMaxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded anthropicResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode anthropic response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("anthropic error: %s - %s", decoded.Error.Type, decoded.Error.Message)
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", errors.New("anthropic returned no text content")
	}
	slog.Debug("critique: anthropic answered", "model", a.model, "chars", text.Len())
	return text.String(), nil
}
