package critique

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claporcrap/api/internal/verdict"
)

func TestParseJSONObject(t *testing.T) {
	result, ok := Parse(`Sure! {"verdict": "CLAP", "score": 8, "critique": "Crisp hook, earns the scroll."} hope that helps`)
	require.True(t, ok)
	assert.Equal(t, verdict.Clap, result.Verdict)
	assert.Equal(t, 8, result.Score)
	assert.Equal(t, "Crisp hook, earns the scroll.", result.Critique)
}

func TestParseJSONStringScoreAndFeedbackField(t *testing.T) {
	result, ok := Parse(`{"verdict":"clap","score":"7","feedback":"Solid."}`)
	require.True(t, ok)
	assert.Equal(t, verdict.Clap, result.Verdict)
	assert.Equal(t, 7, result.Score)
	assert.Equal(t, "Solid.", result.Critique)
}

func TestParseJSONClampsAndDefaults(t *testing.T) {
	result, ok := Parse(`{"verdict":"meh","score":42,"critique":"Overcooked."}`)
	require.True(t, ok)
	assert.Equal(t, verdict.Crap, result.Verdict)
	assert.Equal(t, 10, result.Score)

	result, ok = Parse(`{"verdict":"CRAP","critique":"No score given."}`)
	require.True(t, ok)
	assert.Equal(t, verdict.DefaultScore, result.Score)
}

func TestParseHeuristicText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		verdict verdict.Kind
		score   int
	}{
		{name: "clap token with fraction", text: "Great opener, 9/10 would read again", verdict: verdict.Clap, score: 9},
		{name: "both tokens is crap", text: "good idea, bad execution. score: 4", verdict: verdict.Crap, score: 4},
		{name: "emoji", text: "👍 rating: 7", verdict: verdict.Clap, score: 7},
		{name: "out of ten", text: "terrible, 2 out of 10", verdict: verdict.Crap, score: 2},
		{name: "no tokens", text: "I have thoughts.", verdict: verdict.Crap, score: verdict.DefaultScore},
		{name: "clamped", text: "excellent 15/10", verdict: verdict.Clap, score: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := Parse(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.verdict, result.Verdict)
			assert.Equal(t, tt.score, result.Score)
			assert.Equal(t, strings.TrimSpace(tt.text), result.Critique)
		})
	}
}

func TestParseTruncatesCritique(t *testing.T) {
	result, ok := Parse(strings.Repeat("a", 250))
	require.True(t, ok)
	assert.Len(t, result.Critique, verdict.MaxCritiqueLength)
}

func TestParseEmpty(t *testing.T) {
	_, ok := Parse("   ")
	assert.False(t, ok)
}
