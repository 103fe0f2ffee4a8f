package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"claporcrap/api/internal/auth"
	"claporcrap/api/internal/search"
	"claporcrap/api/internal/store"
)

type HTTPServer struct {
	service          *Service
	corsOrigin       string
	metrics          http.Handler
	feedbackInterval time.Duration
	judgmentInterval time.Duration
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:          service,
		corsOrigin:       corsOrigin,
		metrics:          promhttp.Handler(),
		feedbackInterval: feedbackStreamInterval,
		judgmentInterval: judgmentStreamInterval,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	// Timed triggers
	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/cron/") {
		s.handleCron(w, r, strings.TrimPrefix(r.URL.Path, "/api/cron/"))
		return
	}

	// Judgments
	if r.Method == http.MethodPost && r.URL.Path == "/api/content/submit" {
		s.handleSubmitContent(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/judgments/recent" {
		summaries, err := s.service.RecentJudgments(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(summaries))
		for _, summary := range summaries {
			item := judgmentJSON(summary.Judgment)
			item["top_critique"] = nullableString(summary.TopCritique)
			item["top_critic_name"] = nullableString(summary.TopCriticName)
			items = append(items, item)
		}
		writeJSON(w, http.StatusOK, map[string]any{"judgments": items})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/judgments/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		writeJSON(w, http.StatusOK, s.service.SearchJudgments(r.Context(), search.Query{
			Text:       strings.TrimSpace(query.Get("q")),
			FilterType: search.ResultType(query.Get("type")),
			Category:   strings.TrimSpace(query.Get("category")),
			Limit:      limit,
			Offset:     offset,
		}))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/judgments/stream" {
		judgmentID := strings.TrimSpace(r.URL.Query().Get("id"))
		if judgmentID == "" {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "missing judgment ID", nil)
			return
		}
		s.streamJudgment(w, r, judgmentID)
		return
	}

	parts := splitPath(r.URL.Path)

	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "judgments" {
		detail, err := s.service.GetJudgment(r.Context(), parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := judgmentJSON(detail.Judgment)
		verdicts := make([]map[string]any, 0, len(detail.Verdicts))
		for _, v := range detail.Verdicts {
			verdicts = append(verdicts, verdictJSON(v))
		}
		payload["verdicts"] = verdicts
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/votes/cast" {
		s.handleCastVote(w, r)
		return
	}

	// Critics
	if r.Method == http.MethodPost && r.URL.Path == "/api/critics/register" {
		s.handleRegisterCritic(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/critics/pending" {
		critic, ok := s.requireCritic(w, r)
		if !ok {
			return
		}
		judgment, err := s.service.PendingJudgment(r.Context(), critic)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if judgment == nil {
			writeJSON(w, http.StatusOK, map[string]any{"message": "No pending judgments"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":           judgment.ID,
			"content_text": judgment.ContentText,
			"category":     judgment.Category,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/critics/by-moltbook-id" {
		critic, err := s.service.CriticByMoltbookID(r.Context(), r.URL.Query().Get("moltbook_agent_id"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		moltbookID := critic.MoltbookAgentID
		if moltbookID == "" {
			moltbookID = critic.AgentID
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"critic_id":         critic.ID,
			"agent_id":          critic.AgentID,
			"name":              critic.Name,
			"style":             critic.Style,
			"moltbook_agent_id": moltbookID,
			"exists":            true,
		})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "critics" && parts[3] == "profile" {
		profile, err := s.service.CriticProfile(r.Context(), parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := criticJSON(profile.Critic)
		hits := make([]map[string]any, 0, len(profile.GreatestHits))
		for _, v := range profile.GreatestHits {
			hits = append(hits, verdictJSON(v))
		}
		payload["greatest_hits"] = hits
		payload["agent_state"] = agentStateJSON(profile.AgentState)
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/verdicts/submit" {
		s.handleSubmitVerdict(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/leaderboard" {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		critics, err := s.service.Leaderboard(r.Context(), r.URL.Query().Get("style"), limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(critics))
		for _, critic := range critics {
			items = append(items, criticJSON(critic))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"critics":    items,
			"updated_at": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/agents/seed" {
		s.handleSeedAgents(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/challenges/issue" {
		s.handleIssueChallenges(w, r)
		return
	}

	// Feedback
	if r.Method == http.MethodPost && r.URL.Path == "/api/feedback/request" {
		s.handleFeedbackRequest(w, r)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "feedback" && parts[2] == "results" {
		results, err := s.service.FeedbackResults(r.Context(), parts[3])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		responses := make([]map[string]any, 0, len(results.Responses))
		for _, response := range results.Responses {
			responses = append(responses, feedbackResponseJSON(response))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"feedback_request": feedbackRequestJSON(results.Request),
			"responses":        responses,
			"summary":          results.Summary,
		})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "feedback" && parts[2] == "stream" {
		s.streamFeedback(w, r, parts[3])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCron(w http.ResponseWriter, r *http.Request, job string) {
	secret := s.service.cfg.CronSecret
	if secret != "" && !auth.SecretMatches(secret, bearerToken(r)) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	var sweep string
	switch job {
	case "heartbeat":
		sweep = SweepHeartbeat
	case "collect-feedback":
		sweep = SweepFeedback
	case "challenges":
		sweep = SweepChallenges
	case "finalize":
		sweep = SweepFinalize
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	result, err := s.service.RunSweep(r.Context(), sweep)
	if err != nil {
		slog.Error("cron: sweep failed", "sweep", sweep, "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "sweep "+sweep+" failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"sweep":     result.Sweep,
		"processed": result.Processed,
		"finalized": result.Finalized,
		"expired":   result.Expired,
		"skipped":   result.Skipped,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleSubmitContent(w http.ResponseWriter, r *http.Request) {
	var body submitContentRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}
	result, err := s.service.CreateJudgment(r.Context(), body.ContentText, body.Category)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"judgment_id":     result.JudgmentID,
		"status":          result.Status,
		"critics_judging": result.CriticsJudging,
		"voting_ends_at":  nil,
		"stream_url":      result.StreamURL,
	})
}

func (s *HTTPServer) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var body castVoteRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}
	judgment, err := s.service.CastVote(r.Context(), body.JudgmentID, body.VerdictID, body.VoterID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"judgment": judgmentJSON(judgment),
	})
}

func (s *HTTPServer) handleRegisterCritic(w http.ResponseWriter, r *http.Request) {
	var body registerCriticRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}
	registered, err := s.service.RegisterCritic(r.Context(), RegisterCriticInput{
		AgentID:             body.AgentID,
		Name:                body.Name,
		Style:               body.Style,
		OwnerProductURL:     body.OwnerProductURL,
		OwnerProductTagline: body.OwnerProductTagline,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"critic_id": registered.Critic.ID,
		"api_key":   registered.APIKey,
		"message":   registrationWelcome,
	})
}

func (s *HTTPServer) handleSubmitVerdict(w http.ResponseWriter, r *http.Request) {
	critic, ok := s.requireCritic(w, r)
	if !ok {
		return
	}
	var body submitVerdictRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}
	recorded, err := s.service.SubmitVerdict(r.Context(), critic, SubmitVerdictInput{
		JudgmentID: body.JudgmentID,
		Verdict:    body.Verdict,
		Score:      body.Score,
		Critique:   body.Critique,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"verdict_id": recorded.ID,
	})
}

func (s *HTTPServer) handleSeedAgents(w http.ResponseWriter, r *http.Request) {
	var body seedRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}
	created, err := s.service.SeedCritics(r.Context(), body.Count)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        fmt.Sprintf("%d seed agents created! Arena ready.", created),
		"agents_created": created,
	})
}

func (s *HTTPServer) handleIssueChallenges(w http.ResponseWriter, r *http.Request) {
	var body issueChallengesRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}
	result, err := s.service.IssueChallenges(r.Context(), body.ChallengerID, body.JudgmentID, body.TargetAgentIDs)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenges_issued":    result.ChallengesIssued,
		"new_agents_recruited": result.AgentsRecruited,
	})
}

func (s *HTTPServer) handleFeedbackRequest(w http.ResponseWriter, r *http.Request) {
	var body feedbackRequestBody
	if !decodeAndValidate(w, r, &body) {
		return
	}
	result, err := s.service.CreateFeedbackRequest(r.Context(), FeedbackRequestInput{
		UserAgentID:  body.UserAgentID,
		ContentText:  body.ContentText,
		Title:        body.Title,
		Category:     body.Category,
		Duration:     body.Duration,
		DurationUnit: body.DurationUnit,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feedback_request_id": result.Request.ID,
		"estimated_cost":      result.Request.EstimatedCost,
		"cost_breakdown":      result.Breakdown,
		"collection_ends_at":  result.Request.CollectionEndsAt.UTC().Format(time.RFC3339),
		"duration_minutes":    result.DurationMinutes,
		"stream_url":          result.StreamURL,
		"results_url":         result.ResultsURL,
	})
}

func (s *HTTPServer) requireCritic(w http.ResponseWriter, r *http.Request) (store.Critic, bool) {
	critic, err := s.service.AuthenticateCritic(r.Context(), bearerToken(r))
	if err != nil {
		writeMappedError(w, err)
		return store.Critic{}, false
	}
	return critic, true
}

func (s *HTTPServer) streamJudgment(w http.ResponseWriter, r *http.Request, judgmentID string) {
	ctx := r.Context()
	snapshot, err := s.service.JudgmentStreamSnapshot(ctx, judgmentID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	stream, ok := startStream(w)
	if !ok {
		return
	}
	stream.send(StreamEvent{Type: "connected", Data: map[string]any{"judgment_id": judgmentID}})

	var state JudgmentStreamState
	for {
		if err == nil {
			var events []StreamEvent
			events, state = JudgmentTick(snapshot, state)
			stream.send(events...)
			if state.Done {
				return
			}
		} else {
			slog.Error("stream: judgment poll", "judgment_id", judgmentID, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.judgmentInterval):
		}
		snapshot, err = s.service.JudgmentStreamSnapshot(ctx, judgmentID)
	}
}

func (s *HTTPServer) streamFeedback(w http.ResponseWriter, r *http.Request, requestID string) {
	ctx := r.Context()
	snapshot, err := s.service.FeedbackStreamSnapshot(ctx, requestID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	stream, ok := startStream(w)
	if !ok {
		return
	}
	stream.send(StreamEvent{Type: "connected", Data: map[string]any{"feedback_request_id": requestID}})

	var state FeedbackStreamState
	for {
		if err == nil {
			var events []StreamEvent
			events, state = FeedbackTick(snapshot, state)
			stream.send(events...)
			if state.Done {
				if err := s.service.CloseFeedbackStream(ctx, snapshot); err != nil {
					slog.Error("stream: complete feedback request", "feedback_request_id", requestID, "error", err)
				}
				return
			}
		} else {
			if ctx.Err() != nil {
				return
			}
			slog.Error("stream: feedback poll", "feedback_request_id", requestID, "error", err)
			stream.send(StreamEvent{Type: "error", Data: map[string]any{"message": "Error polling feedback"}})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.feedbackInterval):
		}
		snapshot, err = s.service.FeedbackStreamSnapshot(ctx, requestID)
	}
}

type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func startStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "streaming unsupported", nil)
		return nil, false
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher}, true
}

func (e *eventStream) send(events ...StreamEvent) {
	for _, event := range events {
		payload := make(map[string]any, len(event.Data)+1)
		for k, v := range event.Data {
			payload[k] = v
		}
		payload["type"] = event.Type
		encoded, err := json.Marshal(payload)
		if err != nil {
			slog.Error("stream: encode event", "type", event.Type, "error", err)
			continue
		}
		_, _ = fmt.Fprintf(e.w, "data: %s\n\n", encoded)
	}
	e.flusher.Flush()
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		slog.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		slog.Error("http: request failed", "error", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := validateRequest(target); err != nil {
		writeMappedError(w, err)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrVotingClosed) {
		return http.StatusConflict, "VOTING_CLOSED", "voting has closed for this judgment", nil
	}
	if errors.Is(err, store.ErrVotingNotOpen) {
		return http.StatusConflict, "VOTING_NOT_OPEN", "voting has not opened for this judgment", nil
	}
	if errors.Is(err, store.ErrAgentExists) {
		return http.StatusConflict, "AGENT_EXISTS", "a critic with this agent_id is already registered", nil
	}
	if errors.Is(err, auth.ErrInvalidAPIKey) {
		return http.StatusUnauthorized, "UNAUTHORIZED", unauthorizedKeyReason, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
