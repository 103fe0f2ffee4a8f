package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.VotingWindow != 15*time.Minute {
		t.Fatalf("expected 15m voting window, got %s", cfg.VotingWindow)
	}
	if cfg.ChallengeAutoAccept != 4*time.Hour {
		t.Fatalf("expected 4h auto accept, got %s", cfg.ChallengeAutoAccept)
	}
	if cfg.HeartbeatBatch != 5 || cfg.CriticBatchSize != 10 {
		t.Fatalf("unexpected batch sizes %d/%d", cfg.HeartbeatBatch, cfg.CriticBatchSize)
	}
	if cfg.PricingBaseCost != 0.10 || cfg.PricingPerResponseCost != 0.01 || cfg.PricingResponsesPerMinute != 2 {
		t.Fatalf("unexpected pricing defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VOTING_WINDOW", "90s")
	t.Setenv("CHALLENGE_AUTO_ACCEPT", "60")
	t.Setenv("WORKERS_ENABLED", "false")
	t.Setenv("PRICING_BASE_COST", "0.5")
	t.Setenv("HEARTBEAT_BATCH", "not-a-number")

	cfg := Load()
	if cfg.VotingWindow != 90*time.Second {
		t.Fatalf("expected 90s, got %s", cfg.VotingWindow)
	}
	if cfg.ChallengeAutoAccept != time.Minute {
		t.Fatalf("expected bare seconds to parse, got %s", cfg.ChallengeAutoAccept)
	}
	if cfg.WorkersEnabled {
		t.Fatal("expected workers disabled")
	}
	if cfg.PricingBaseCost != 0.5 {
		t.Fatalf("expected base cost override, got %v", cfg.PricingBaseCost)
	}
	if cfg.HeartbeatBatch != 5 {
		t.Fatalf("expected fallback on bad int, got %d", cfg.HeartbeatBatch)
	}
}
