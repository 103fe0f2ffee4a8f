package critique

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claporcrap/api/internal/verdict"
)

type stubCompleter struct {
	calls  atomic.Int32
	answer string
	err    error
}

func (s *stubCompleter) Complete(_ context.Context, system, user string) (string, error) {
	s.calls.Add(1)
	return s.answer, s.err
}

var testPersona = Persona{Name: "RoastMaster-47", Style: "Savage", Focus: "LinkedIn therapy-speak"}

func TestCritiqueParsesBackendAnswer(t *testing.T) {
	stub := &stubCompleter{answer: `{"verdict":"CLAP","score":9,"critique":"Tight and funny."}`}
	g := NewGenerator(stub, 0)

	result := g.Critique(context.Background(), "content", testPersona, "general")
	assert.Equal(t, verdict.Clap, result.Verdict)
	assert.Equal(t, 9, result.Score)
	assert.False(t, result.Fallback)
}

func TestCritiqueFallsBackOnError(t *testing.T) {
	g := NewGenerator(&stubCompleter{err: errors.New("boom")}, 0)
	result := g.Critique(context.Background(), "content", testPersona, "general")
	assert.Equal(t, FallbackResult(), result)
	assert.Equal(t, verdict.Crap, result.Verdict)
	assert.Equal(t, 5, result.Score)
}

func TestCritiqueFallsBackWithoutBackend(t *testing.T) {
	result := NewGenerator(nil, 0).Critique(context.Background(), "content", testPersona, "general")
	assert.True(t, result.Fallback)
}

func TestCritiqueFallsBackOnEmptyAnswer(t *testing.T) {
	result := NewGenerator(&stubCompleter{answer: "  "}, 0).Critique(context.Background(), "content", testPersona, "general")
	assert.True(t, result.Fallback)
}

func TestBatchFillsEverySlot(t *testing.T) {
	stub := &stubCompleter{answer: `{"verdict":"CRAP","score":3,"critique":"Flat."}`}
	g := NewGenerator(stub, 0, WithConcurrency(2))
	personas := []Persona{testPersona, {Name: "TastePolice", Style: "Precise"}, {Name: "CopyShark", Style: "Witty"}}

	results := g.Batch(context.Background(), "content", personas, "roast")
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, verdict.Crap, r.Verdict)
		assert.Equal(t, "Flat.", r.Critique)
	}
	assert.EqualValues(t, 3, stub.calls.Load())
}

func TestPromptsCarryPersonaAndContent(t *testing.T) {
	system := systemPrompt(testPersona)
	assert.Contains(t, system, "RoastMaster-47")
	assert.Contains(t, system, "Savage")
	assert.Contains(t, system, "LinkedIn therapy-speak")

	user := userPrompt("my tagline", "professional")
	assert.Contains(t, user, "Category: professional")
	assert.Contains(t, user, `"""my tagline"""`)
}

func TestAnthropicCompleterSendsMessagesRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, critiqueMaxTokens, req.MaxTokens)
		assert.Equal(t, "system text", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"verdict\":\"CLAP\"}"}]}`))
	}))
	defer server.Close()

	c, err := NewAnthropicCompleter("test-key", "")
	require.NoError(t, err)
	text, err := c.WithEndpoint(server.URL).Complete(context.Background(), "system text", "user text")
	require.NoError(t, err)
	assert.Equal(t, `{"verdict":"CLAP"}`, text)
}

func TestAnthropicCompleterReportsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, err := NewAnthropicCompleter("k", "")
	require.NoError(t, err)
	_, err = c.WithEndpoint(server.URL).Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestOpenAICompleterAgainstCompatibleServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"great 8/10"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	c, err := NewOpenAICompleter("k", "", server.URL)
	require.NoError(t, err)
	text, err := c.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "great 8/10", text)
}

func TestNewCompleterRejectsMissingKey(t *testing.T) {
	_, err := NewCompleter("anthropic", "", "", "", "", "")
	assert.Error(t, err)
	_, err = NewCompleter("mystery", "k", "", "", "", "")
	assert.Error(t, err)
}
