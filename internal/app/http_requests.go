package app

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"claporcrap/api/internal/store"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type submitContentRequest struct {
	ContentText string `json:"content_text" validate:"required"`
	Category    string `json:"category"`
}

type castVoteRequest struct {
	JudgmentID string `json:"judgment_id" validate:"required"`
	VerdictID  string `json:"verdict_id" validate:"required"`
	VoterID    string `json:"voter_id"`
}

type registerCriticRequest struct {
	AgentID             string `json:"agent_id" validate:"required"`
	Name                string `json:"name" validate:"required,max=100"`
	Style               string `json:"style" validate:"omitempty,oneof=Savage Precise Witty Fair Clinical Balanced"`
	OwnerProductURL     string `json:"owner_product_url" validate:"omitempty,url"`
	OwnerProductTagline string `json:"owner_product_tagline" validate:"max=280"`
}

type submitVerdictRequest struct {
	JudgmentID string `json:"judgment_id" validate:"required"`
	Verdict    string `json:"verdict" validate:"required"`
	Score      int    `json:"score" validate:"required"`
	Critique   string `json:"critique" validate:"required"`
}

type seedRequest struct {
	Count int `json:"count" validate:"gte=0,lte=500"`
}

type issueChallengesRequest struct {
	ChallengerID   string   `json:"challenger_id" validate:"required"`
	JudgmentID     string   `json:"judgment_id" validate:"required"`
	TargetAgentIDs []string `json:"target_agent_ids" validate:"omitempty,dive,required"`
}

type feedbackRequestBody struct {
	UserAgentID  string `json:"user_agent_id" validate:"required"`
	ContentText  string `json:"content_text" validate:"required"`
	Title        string `json:"title" validate:"max=200"`
	Category     string `json:"category"`
	Duration     int    `json:"duration" validate:"required,gt=0,lte=43200"`
	DurationUnit string `json:"duration_unit" validate:"omitempty,oneof=minutes hours days"`
}

// validateRequest runs the struct tags and reports the first failing field
// as a validation error.
func validateRequest(body any) error {
	err := validate.Struct(body)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return validationError("invalid request body")
	}
	fe := fieldErrs[0]
	return validationError(fieldMessage(fe))
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "url":
		return field + " must be a valid URL"
	default:
		return field + " is invalid"
	}
}

func judgmentJSON(j store.Judgment) map[string]any {
	return map[string]any{
		"id":                 j.ID,
		"content_text":       j.ContentText,
		"category":           j.Category,
		"status":             j.Status,
		"clap_percentage":    j.ClapPercentage,
		"crap_percentage":    j.CrapPercentage,
		"average_score":      j.AverageScore,
		"total_verdicts":     j.TotalVerdicts,
		"total_votes":        j.TotalVotes,
		"final_verdict":      nullableString(j.FinalVerdict),
		"judging_started_at": formatTime(j.JudgingStartedAt),
		"voting_started_at":  formatTimePtr(j.VotingStartedAt),
		"voting_ends_at":     formatTimePtr(j.VotingEndsAt),
		"completed_at":       formatTimePtr(j.CompletedAt),
		"created_at":         formatTime(j.CreatedAt),
	}
}

func verdictJSON(v store.Verdict) map[string]any {
	payload := map[string]any{
		"id":           v.ID,
		"judgment_id":  v.JudgmentID,
		"critic_id":    nullableString(v.CriticID),
		"persona_name": v.PersonaName,
		"verdict":      v.Verdict,
		"score":        v.Score,
		"critique":     v.Critique,
		"vote_count":   v.VoteCount,
		"is_winner":    v.IsWinner,
		"created_at":   formatTime(v.CreatedAt),
	}
	if v.CriticName != "" {
		payload["critic_name"] = v.CriticName
		payload["critic_style"] = v.CriticStyle
		payload["critic_rank"] = v.CriticRank
	}
	return payload
}

// criticJSON never includes key material.
func criticJSON(c store.Critic) map[string]any {
	return map[string]any{
		"id":                    c.ID,
		"agent_id":              c.AgentID,
		"moltbook_agent_id":     nullableString(c.MoltbookAgentID),
		"name":                  c.Name,
		"style":                 c.Style,
		"focus":                 nullableString(c.Focus),
		"owner_product_url":     nullableString(c.OwnerProductURL),
		"owner_product_tagline": nullableString(c.OwnerProductTagline),
		"total_judgments":       c.TotalJudgments,
		"wins":                  c.Wins,
		"win_rate":              c.WinRate,
		"points":                c.Points,
		"rank":                  c.Rank,
		"current_streak":        c.CurrentStreak,
		"best_streak":           c.BestStreak,
		"agents_recruited":      c.AgentsRecruited,
		"is_active":             c.IsActive,
		"created_at":            formatTime(c.CreatedAt),
		"updated_at":            formatTime(c.UpdatedAt),
	}
}

func agentStateJSON(state *store.AgentState) any {
	if state == nil {
		return nil
	}
	return map[string]any{
		"status":         state.Status,
		"last_heartbeat": formatTimePtr(state.LastHeartbeat),
		"lifetime_posts": state.LifetimePosts,
	}
}

func feedbackRequestJSON(r store.FeedbackRequest) map[string]any {
	return map[string]any{
		"id":                          r.ID,
		"user_agent_id":               r.UserAgentID,
		"content_text":                r.ContentText,
		"title":                       r.Title,
		"category":                    r.Category,
		"moltbook_post_id":            nullableString(r.MoltbookPostID),
		"collection_duration_minutes": r.CollectionDurationMinutes,
		"collection_ends_at":          formatTime(r.CollectionEndsAt),
		"estimated_cost":              r.EstimatedCost,
		"status":                      r.Status,
		"created_at":                  formatTime(r.CreatedAt),
	}
}

func feedbackResponseJSON(r store.FeedbackResponse) map[string]any {
	return map[string]any{
		"id":                  r.ID,
		"moltbook_agent_id":   r.MoltbookAgentID,
		"moltbook_agent_name": r.MoltbookAgentName,
		"verdict":             r.Verdict,
		"score":               r.Score,
		"critique":            r.Critique,
		"created_at":          formatTime(r.CreatedAt),
	}
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
