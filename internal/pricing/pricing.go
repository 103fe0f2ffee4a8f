// Package pricing estimates the cost of a feedback collection window.
package pricing

import (
	"fmt"
	"math"
	"strings"
)

type Config struct {
	BaseCost           float64
	PerResponseCost    float64
	ResponsesPerMinute float64
}

func DefaultConfig() Config {
	return Config{BaseCost: 0.10, PerResponseCost: 0.01, ResponsesPerMinute: 2}
}

type Breakdown struct {
	BaseCost           float64 `json:"base_cost"`
	EstimatedResponses int     `json:"estimated_responses"`
	ResponseCost       float64 `json:"response_cost"`
	TotalCost          float64 `json:"total_cost"`
}

// MaxMinutes is the longest collection window that can be priced.
const MaxMinutes = 30 * 24 * 60

var unitMinutes = map[string]int{
	"minutes": 1,
	"hours":   60,
	"days":    60 * 24,
}

// ValidUnit reports whether unit is one of minutes, hours or days.
func ValidUnit(unit string) bool {
	_, ok := unitMinutes[strings.ToLower(strings.TrimSpace(unit))]
	return ok
}

// ConvertToMinutes converts a duration in the given unit; unknown units are taken as minutes.
func ConvertToMinutes(duration int, unit string) int {
	factor, ok := unitMinutes[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		factor = 1
	}
	return duration * factor
}

func (c Config) EstimatedCost(minutes int) float64 {
	responses := float64(minutes) * c.ResponsesPerMinute
	return round2(c.BaseCost + responses*c.PerResponseCost)
}

func (c Config) Breakdown(minutes int) Breakdown {
	responses := int(math.Round(float64(minutes) * c.ResponsesPerMinute))
	responseCost := float64(responses) * c.PerResponseCost
	return Breakdown{
		BaseCost:           c.BaseCost,
		EstimatedResponses: responses,
		ResponseCost:       round2(responseCost),
		TotalCost:          round2(c.BaseCost + responseCost),
	}
}

func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.2f", cost)
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
