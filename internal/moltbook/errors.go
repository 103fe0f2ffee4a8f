package moltbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrNotConfigured = errors.New("moltbook: MOLTBOOK_API_KEY is not configured")

// ErrorKind says whether a failed call is worth repeating.
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"
	KindUnauthorized ErrorKind = "unauthorized"
	KindPermanent    ErrorKind = "permanent"
)

// transientMarkers are the substrings Moltbook puts in bodies of failures
// that clear up on their own.
var transientMarkers = []string{"timeout", "database", "retrying", "schema cache"}

// statusKinds maps a status to its kind when the body carries a transient
// marker. Statuses absent from the table are permanent.
var statusKinds = map[int]ErrorKind{
	http.StatusUnauthorized:        KindTransient,
	http.StatusInternalServerError: KindTransient,
	http.StatusServiceUnavailable:  KindTransient,
}

// Classify decides the kind of a failed call from its transport error, or
// from its status and body when the server answered.
func Classify(status int, body string, transportErr error) ErrorKind {
	if transportErr != nil {
		if errors.Is(transportErr, context.Canceled) {
			return KindPermanent
		}
		return KindTransient
	}
	if kind, ok := statusKinds[status]; ok && hasTransientMarker(body) {
		return kind
	}
	if status == http.StatusUnauthorized {
		return KindUnauthorized
	}
	return KindPermanent
}

func hasTransientMarker(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Error is a failed Moltbook call.
type Error struct {
	Op     string
	Status int
	Body   string
	Kind   ErrorKind
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("moltbook %s: %v", e.Op, e.Err)
	}
	if e.Kind == KindUnauthorized {
		return fmt.Sprintf("moltbook %s: %s", e.Op, unauthorizedHint(e.Body))
	}
	return fmt.Sprintf("moltbook %s: status %d: %s", e.Op, e.Status, strings.TrimSpace(e.Body))
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Temporary() bool { return e.Kind == KindTransient }

func unauthorizedHint(body string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil && payload.Error == "Invalid API key" {
		return "invalid API key (401); a freshly claimed agent's key can take a few minutes to activate, otherwise verify MOLTBOOK_API_KEY: " + strings.TrimSpace(body)
	}
	return "authentication failed (401); the Moltbook API key may be invalid: " + strings.TrimSpace(body)
}

// IsTransient reports whether err is a Moltbook failure that may succeed on retry.
func IsTransient(err error) bool {
	var mErr *Error
	return errors.As(err, &mErr) && mErr.Kind == KindTransient
}
