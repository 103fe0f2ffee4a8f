// Package moltbook is the client for the Moltbook agent social network:
// agent registration, posting content for feedback and polling comments.
package moltbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"claporcrap/api/internal/metrics"
)

const (
	DefaultBaseURL = "https://www.moltbook.com/api/v1"
	DefaultTitle   = "Please critique and give feedback on this content"

	maxPostAttempts = 3
	retryBaseDelay  = 2 * time.Second
	retryMaxDelay   = 10 * time.Second
	submoltCacheTTL = 5 * time.Minute
)

type Agent struct {
	AgentID   string
	AgentName string
	APIKey    string
	ClaimURL  string
}

type Post struct {
	PostID    string
	AgentID   string
	Content   string
	CreatedAt time.Time
}

// Response is one comment left on a post.
type Response struct {
	ResponseID string
	PostID     string
	AgentID    string
	AgentName  string
	Content    string
	CreatedAt  time.Time
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	submolts   *SubmoltCache
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithSleep replaces the wait between posting attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.submolts = NewSubmoltCache(submoltCacheTTL, c.now)
	return c
}

func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// RegisterAgent creates a Moltbook account. It needs no API key.
func (c *Client) RegisterAgent(ctx context.Context, name, description string) (Agent, error) {
	if strings.TrimSpace(description) == "" {
		description = "ClapOrCrap feedback agent: " + name
	}
	status, body, err := c.do(ctx, http.MethodPost, "/agents/register", map[string]string{
		"name":        name,
		"description": description,
	}, false)
	if err != nil {
		metrics.MoltbookRequests.WithLabelValues("register", "error").Inc()
		return Agent{}, &Error{Op: "register agent", Kind: Classify(0, "", err), Err: err}
	}
	if status < 200 || status > 299 {
		metrics.MoltbookRequests.WithLabelValues("register", "error").Inc()
		return Agent{}, &Error{Op: "register agent", Status: status, Body: string(body), Kind: Classify(status, string(body), nil)}
	}

	var payload struct {
		AgentID  string `json:"agent_id"`
		ID       string `json:"id"`
		APIKey   string `json:"api_key"`
		ClaimURL string `json:"claim_url"`
		Agent    *struct {
			ID       string `json:"id"`
			APIKey   string `json:"api_key"`
			ClaimURL string `json:"claim_url"`
		} `json:"agent"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.MoltbookRequests.WithLabelValues("register", "error").Inc()
		return Agent{}, &Error{Op: "register agent", Status: status, Kind: KindPermanent, Err: fmt.Errorf("decode response: %w", err)}
	}
	agent := Agent{
		AgentID:   firstNonEmpty(payload.AgentID, payload.ID),
		AgentName: name,
		APIKey:    payload.APIKey,
		ClaimURL:  payload.ClaimURL,
	}
	if payload.Agent != nil {
		agent.AgentID = firstNonEmpty(agent.AgentID, payload.Agent.ID)
		agent.APIKey = firstNonEmpty(agent.APIKey, payload.Agent.APIKey)
		agent.ClaimURL = firstNonEmpty(agent.ClaimURL, payload.Agent.ClaimURL)
	}
	metrics.MoltbookRequests.WithLabelValues("register", "ok").Inc()
	slog.Info("moltbook: agent registered", "agent_id", agent.AgentID, "name", name)
	return agent, nil
}

// PostContent publishes content for feedback. Transient failures are retried
// up to three times, waiting min(attempt*2s, 10s) between attempts.
func (c *Client) PostContent(ctx context.Context, agentID, content, title, category string) (Post, error) {
	if !c.Configured() {
		return Post{}, ErrNotConfigured
	}
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	submolt := strings.TrimSpace(strings.TrimPrefix(pickSubmolt(c.Submolts(ctx), category), "m/"))
	payload := map[string]string{
		"content":  content,
		"agent_id": agentID,
		"submolt":  submolt,
		"title":    title,
	}

	var lastErr error
	for attempt := 1; attempt <= maxPostAttempts; attempt++ {
		post, err := c.postOnce(ctx, payload)
		if err == nil {
			metrics.MoltbookRequests.WithLabelValues("post", "ok").Inc()
			post.AgentID = agentID
			post.Content = content
			return post, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == maxPostAttempts {
			break
		}
		wait := time.Duration(attempt) * retryBaseDelay
		if wait > retryMaxDelay {
			wait = retryMaxDelay
		}
		slog.Warn("moltbook: transient post failure, retrying", "attempt", attempt, "wait", wait, "error", err)
		if err := c.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}
	metrics.MoltbookRequests.WithLabelValues("post", "error").Inc()
	return Post{}, lastErr
}

func (c *Client) postOnce(ctx context.Context, payload map[string]string) (Post, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/posts", payload, true)
	if err != nil {
		return Post{}, &Error{Op: "post content", Kind: Classify(0, "", err), Err: err}
	}
	if status < 200 || status > 299 {
		return Post{}, &Error{Op: "post content", Status: status, Body: string(body), Kind: Classify(status, string(body), nil)}
	}

	var decoded struct {
		Post *struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
		} `json:"post"`
		PostID    string `json:"post_id"`
		ID        string `json:"id"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Post{}, &Error{Op: "post content", Status: status, Kind: KindPermanent, Err: fmt.Errorf("decode response: %w", err)}
	}
	post := Post{PostID: firstNonEmpty(decoded.PostID, decoded.ID)}
	created := decoded.CreatedAt
	if decoded.Post != nil {
		post.PostID = firstNonEmpty(decoded.Post.ID, post.PostID)
		created = firstNonEmpty(decoded.Post.CreatedAt, created)
	}
	if post.PostID == "" {
		return Post{}, &Error{Op: "post content", Status: status, Body: string(body), Kind: KindPermanent}
	}
	post.CreatedAt = parseTime(created, c.now())
	return post, nil
}

// Submolts returns the channel list, served from the cache when fresh. It
// never fails; the built-in channels stand in for an unreachable API.
func (c *Client) Submolts(ctx context.Context) []Submolt {
	if cached, ok := c.submolts.Get(); ok {
		return cached
	}
	if !c.Configured() {
		return defaultSubmolts[:1]
	}
	status, body, err := c.do(ctx, http.MethodGet, "/submolts", nil, true)
	if err == nil && status == http.StatusOK {
		var decoded struct {
			Success  bool      `json:"success"`
			Submolts []Submolt `json:"submolts"`
		}
		if json.Unmarshal(body, &decoded) == nil && decoded.Success && decoded.Submolts != nil {
			c.submolts.Set(decoded.Submolts)
			return decoded.Submolts
		}
	}
	slog.Warn("moltbook: submolt list unavailable, using defaults", "status", status, "error", err)
	return defaultSubmolts
}

// PollResponses lists the comments on a post. Failures are logged and
// reported as no comments.
func (c *Client) PollResponses(ctx context.Context, postID string) []Response {
	if !c.Configured() {
		slog.Warn("moltbook: api key not configured, skipping poll", "post_id", postID)
		return nil
	}
	status, body, err := c.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(postID)+"/comments", nil, true)
	if err != nil {
		metrics.MoltbookRequests.WithLabelValues("poll", "error").Inc()
		slog.Error("moltbook: poll failed", "post_id", postID, "error", err)
		return nil
	}
	if status != http.StatusOK {
		metrics.MoltbookRequests.WithLabelValues("poll", "error").Inc()
		slog.Error("moltbook: poll rejected", "post_id", postID, "status", status)
		return nil
	}

	comments, err := decodeComments(body)
	if err != nil {
		metrics.MoltbookRequests.WithLabelValues("poll", "error").Inc()
		slog.Error("moltbook: poll response unreadable", "post_id", postID, "error", err)
		return nil
	}
	metrics.MoltbookRequests.WithLabelValues("poll", "ok").Inc()

	now := c.now()
	responses := make([]Response, 0, len(comments))
	for _, comment := range comments {
		responses = append(responses, Response{
			ResponseID: stringField(comment, "comment_id", "id"),
			PostID:     postID,
			AgentID:    firstNonEmpty(stringField(comment, "agent_id"), nestedString(comment, "agent", "id")),
			AgentName: firstNonEmpty(
				stringField(comment, "agent_name"),
				nestedString(comment, "agent", "name"),
				nestedString(comment, "author", "name"),
				"Unknown Agent",
			),
			Content:   stringField(comment, "content", "text", "body", "message"),
			CreatedAt: parseTime(stringField(comment, "created_at", "timestamp"), now),
		})
	}
	return responses
}

func decodeComments(body []byte) ([]map[string]any, error) {
	var wrapped struct {
		Comments []map[string]any `json:"comments"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Comments != nil {
		return wrapped.Comments, nil
	}
	var bare []map[string]any
	if err := json.Unmarshal(body, &bare); err != nil {
		var object map[string]any
		if json.Unmarshal(body, &object) == nil {
			return nil, nil
		}
		return nil, err
	}
	return bare, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, authorized bool) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func nestedString(m map[string]any, parent, key string) string {
	child, ok := m[parent].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(child, key)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseTime(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return parsed
	}
	return fallback
}
