// Package verdict holds the CLAP/CRAP value rules shared by critique
// generation, feedback parsing and judgment aggregation.
package verdict

import (
	"math"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	Clap Kind = "CLAP"
	Crap Kind = "CRAP"
)

const (
	MinScore          = 1
	MaxScore          = 10
	DefaultScore      = 5
	MaxCritiqueLength = 200
)

// FallbackCritique is recorded when a critic could not produce an opinion.
const FallbackCritique = "Technical difficulties. This content escaped judgment... for now."

// Normalize maps anything other than an explicit CLAP to CRAP.
func Normalize(raw string) Kind {
	if strings.EqualFold(strings.TrimSpace(raw), string(Clap)) {
		return Clap
	}
	return Crap
}

func (k Kind) Valid() bool {
	return k == Clap || k == Crap
}

func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// TruncateCritique trims whitespace and caps the text at MaxCritiqueLength characters.
func TruncateCritique(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= MaxCritiqueLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:MaxCritiqueLength]))
}

// Fallback is the neutral result used whenever generation fails.
func Fallback() (Kind, int, string) {
	return Crap, DefaultScore, FallbackCritique
}

type Entry struct {
	Kind  Kind
	Score int
}

type Aggregates struct {
	ClapPercentage float64
	CrapPercentage float64
	AverageScore   float64
	TotalVerdicts  int
	FinalVerdict   Kind
}

// Aggregate computes judgment totals. Percentages always sum to exactly 100
// once at least one entry exists; ties go to CRAP.
func Aggregate(entries []Entry) Aggregates {
	if len(entries) == 0 {
		return Aggregates{}
	}
	craps := 0
	scoreSum := 0
	for _, entry := range entries {
		if entry.Kind != Clap {
			craps++
		}
		scoreSum += entry.Score
	}
	total := len(entries)
	crapPct := Round2(float64(craps) / float64(total) * 100)
	final := Clap
	if crapPct >= 50 {
		final = Crap
	}
	return Aggregates{
		ClapPercentage: Round2(100 - crapPct),
		CrapPercentage: crapPct,
		AverageScore:   Round2(float64(scoreSum) / float64(total)),
		TotalVerdicts:  total,
		FinalVerdict:   final,
	}
}

func Round2(value float64) float64 {
	return math.Round(value*100) / 100
}
