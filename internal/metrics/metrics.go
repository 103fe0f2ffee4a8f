// Package metrics exposes the Prometheus collectors for the judging arena.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JudgmentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claporcrap_judgments_created_total",
		Help: "Total number of judgments submitted",
	})

	JudgmentsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claporcrap_judgments_finalized_total",
		Help: "Total number of judgments completed, by final verdict",
	}, []string{"final_verdict"})

	VerdictsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claporcrap_verdicts_recorded_total",
		Help: "Total number of verdicts persisted, by source",
	}, []string{"source"})

	VotesCast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claporcrap_votes_cast_total",
		Help: "Total number of votes cast",
	})

	CritiqueRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claporcrap_critique_requests_total",
		Help: "Critique generation attempts, by outcome (ok, fallback)",
	}, []string{"outcome"})

	CritiqueLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "claporcrap_critique_duration_seconds",
		Help:    "Latency of critique generation calls",
		Buckets: prometheus.DefBuckets,
	})

	ChallengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claporcrap_challenges_total",
		Help: "Challenges recorded, by resulting status",
	}, []string{"status"})

	HeartbeatDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claporcrap_heartbeat_dispatched_total",
		Help: "Critic/judgment pairs processed by the heartbeat",
	})

	FeedbackResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claporcrap_feedback_responses_total",
		Help: "Feedback responses collected from Moltbook",
	})

	MoltbookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claporcrap_moltbook_requests_total",
		Help: "Moltbook API calls, by operation and result",
	}, []string{"operation", "result"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claporcrap_sweep_runs_total",
		Help: "Background sweep executions, by sweep and result (ok, error, skipped)",
	}, []string{"sweep", "result"})
)
