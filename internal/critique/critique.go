// Package critique produces CLAP/CRAP opinions on content from an LLM
// speaking as a critic persona.
package critique

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"claporcrap/api/internal/metrics"
	"claporcrap/api/internal/verdict"
)

type Persona struct {
	Name  string `yaml:"name" json:"name"`
	Style string `yaml:"style" json:"style"`
	Focus string `yaml:"focus" json:"focus,omitempty"`
}

type Result struct {
	Verdict  verdict.Kind
	Score    int
	Critique string
	// Fallback is set when the neutral result replaced a failed generation.
	Fallback bool
}

func FallbackResult() Result {
	kind, score, text := verdict.Fallback()
	return Result{Verdict: kind, Score: score, Critique: text, Fallback: true}
}

// Completer sends one system+user prompt pair to a language model.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Generator never fails: any backend error, timeout or unparseable answer
// becomes FallbackResult.
type Generator struct {
	completer   Completer
	limiter     *rate.Limiter
	timeout     time.Duration
	concurrency int
}

type Option func(*Generator)

func WithTimeout(timeout time.Duration) Option {
	return func(g *Generator) { g.timeout = timeout }
}

func WithConcurrency(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

// NewGenerator paces backend calls to requestsPerSecond; zero or less disables pacing.
// A nil completer yields a generator that always falls back.
func NewGenerator(completer Completer, requestsPerSecond float64, opts ...Option) *Generator {
	g := &Generator{
		completer:   completer,
		timeout:     30 * time.Second,
		concurrency: 5,
	}
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Critique(ctx context.Context, content string, persona Persona, category string) Result {
	if g == nil || g.completer == nil {
		metrics.CritiqueRequests.WithLabelValues("fallback").Inc()
		return FallbackResult()
	}

	started := time.Now()
	defer func() { metrics.CritiqueLatency.Observe(time.Since(started).Seconds()) }()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			slog.Warn("critique: rate limiter wait failed", "persona", persona.Name, "error", err)
			metrics.CritiqueRequests.WithLabelValues("fallback").Inc()
			return FallbackResult()
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.completer.Complete(callCtx, systemPrompt(persona), userPrompt(content, category))
	if err != nil {
		slog.Warn("critique: generation failed", "persona", persona.Name, "error", err)
		metrics.CritiqueRequests.WithLabelValues("fallback").Inc()
		return FallbackResult()
	}

	result, ok := Parse(text)
	if !ok {
		slog.Warn("critique: unparseable answer", "persona", persona.Name)
		metrics.CritiqueRequests.WithLabelValues("fallback").Inc()
		return FallbackResult()
	}
	metrics.CritiqueRequests.WithLabelValues("ok").Inc()
	return result
}

// Batch critiques content once per persona concurrently. Results line up
// with personas and every slot is filled.
func (g *Generator) Batch(ctx context.Context, content string, personas []Persona, category string) []Result {
	results := make([]Result, len(personas))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.concurrencyLimit())
	for i, persona := range personas {
		group.Go(func() error {
			results[i] = g.Critique(groupCtx, content, persona, category)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (g *Generator) concurrencyLimit() int {
	if g == nil || g.concurrency <= 0 {
		return 5
	}
	return g.concurrency
}

func systemPrompt(persona Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a Critic Agent in ClapOrCrap, the internet's most savage and honest content judgment arena.\n\n", persona.Name)
	fmt.Fprintf(&b, "Your judging style: %s\n", persona.Style)
	if strings.TrimSpace(persona.Focus) != "" {
		fmt.Fprintf(&b, "Your specialty: %s\n", persona.Focus)
	}
	b.WriteString(`
RULES:
- Be honest. Brutal if necessary. Never fake-nice.
- Be specific. Point to exact problems.
- Be entertaining. The best critiques are quotable.
- Be helpful. Even roasts should teach something.
- Never be cruel about the person, only the content.
- Never use slurs or personal attacks.

You must respond with EXACTLY this JSON format, nothing else:
{
    "verdict": "CLAP" or "CRAP",
    "score": [number 1-10],
    "critique": "[15-30 word critique]"
}`)
	return b.String()
}

func userPrompt(content, category string) string {
	return fmt.Sprintf("Category: %s\n\nContent to judge:\n\"\"\"%s\"\"\"\n\nProvide your verdict as JSON.", category, content)
}
