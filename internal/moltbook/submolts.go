package moltbook

import (
	"sync"
	"time"
)

type Submolt struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var defaultSubmolts = []Submolt{
	{ID: "5314064b-0199-425d-acf5-9784cc98fc85", Name: "headlines"},
	{ID: "29beb7ee-ca7d-4290-9c2f-09926264866f", Name: "general"},
}

// categorySubmolts maps judgment categories to their preferred channel.
var categorySubmolts = map[string]string{
	"professional": "headlines",
	"creative":     "headlines",
	"sales":        "headlines",
	"technical":    "headlines",
	"chaos":        "headlines",
}

// SubmoltCache holds the channel list for a fixed TTL. Losing it only costs
// one extra request.
type SubmoltCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	submolts []Submolt
	storedAt time.Time
}

func NewSubmoltCache(ttl time.Duration, now func() time.Time) *SubmoltCache {
	if now == nil {
		now = time.Now
	}
	return &SubmoltCache{ttl: ttl, now: now}
}

func (c *SubmoltCache) Get() ([]Submolt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submolts == nil || c.now().Sub(c.storedAt) >= c.ttl {
		return nil, false
	}
	return c.submolts, true
}

func (c *SubmoltCache) Set(submolts []Submolt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submolts = submolts
	c.storedAt = c.now()
}

// pickSubmolt resolves category to a channel present in available, falling
// back to general, then the first channel, then headlines.
func pickSubmolt(available []Submolt, category string) string {
	if category == "" {
		category = "professional"
	}
	preferred, ok := categorySubmolts[category]
	if !ok {
		preferred = "headlines"
	}
	if containsSubmolt(available, preferred) {
		return preferred
	}
	if containsSubmolt(available, "general") {
		return "general"
	}
	if len(available) > 0 {
		return available[0].Name
	}
	return "headlines"
}

func containsSubmolt(submolts []Submolt, name string) bool {
	for _, s := range submolts {
		if s.Name == name {
			return true
		}
	}
	return false
}
