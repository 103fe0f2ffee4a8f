package critique

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"claporcrap/api/internal/verdict"
)

var (
	jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	clapPattern       = regexp.MustCompile(`(?i)clap|good|great|excellent|👍|✅`)
	crapPattern       = regexp.MustCompile(`(?i)crap|bad|terrible|poor|👎|❌`)
	scorePattern      = regexp.MustCompile(`(?i)(\d+)/10|score[:\s]+(\d+)|rating[:\s]+(\d+)|(\d+)\s*out\s*of\s*10`)
)

// Parse turns free text into an opinion. A JSON object with verdict, score
// and critique (or feedback) wins; otherwise the text is scanned for
// verdict tokens and a score out of 10. It reports false when no critique
// text remains.
func Parse(text string) (Result, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, false
	}

	if match := jsonObjectPattern.FindString(text); match != "" {
		if result, ok := parseJSON(match, text); ok {
			return result, result.Critique != ""
		}
	}

	kind := verdict.Crap
	if clapPattern.MatchString(text) && !crapPattern.MatchString(text) {
		kind = verdict.Clap
	}

	critiqueText := verdict.TruncateCritique(text)
	if critiqueText == "" {
		return Result{}, false
	}
	return Result{
		Verdict:  kind,
		Score:    scanScore(text),
		Critique: critiqueText,
	}, true
}

func parseJSON(raw, original string) (Result, bool) {
	var payload struct {
		Verdict  string `json:"verdict"`
		Score    any    `json:"score"`
		Critique string `json:"critique"`
		Feedback string `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Result{}, false
	}
	text := payload.Critique
	if strings.TrimSpace(text) == "" {
		text = payload.Feedback
	}
	if strings.TrimSpace(text) == "" {
		text = original
	}
	return Result{
		Verdict:  verdict.Normalize(payload.Verdict),
		Score:    verdict.ClampScore(jsonScore(payload.Score)),
		Critique: verdict.TruncateCritique(text),
	}, true
}

func jsonScore(value any) int {
	switch v := value.(type) {
	case float64:
		if v == 0 || math.IsNaN(v) {
			return verdict.DefaultScore
		}
		return int(math.Round(v))
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || parsed == 0 {
			return verdict.DefaultScore
		}
		return int(math.Round(parsed))
	default:
		return verdict.DefaultScore
	}
}

func scanScore(text string) int {
	match := scorePattern.FindStringSubmatch(text)
	if match == nil {
		return verdict.DefaultScore
	}
	for _, group := range match[1:] {
		if group == "" {
			continue
		}
		parsed, err := strconv.Atoi(group)
		if err != nil {
			break
		}
		return verdict.ClampScore(parsed)
	}
	return verdict.DefaultScore
}
