package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"claporcrap/api/internal/metrics"
)

const (
	SweepHeartbeat  = "heartbeat"
	SweepFeedback   = "feedback"
	SweepChallenges = "challenges"
	SweepFinalize   = "finalize"

	sweepLeaseTTL = 2 * time.Minute
)

type SweepResult struct {
	Sweep     string
	Processed int
	Finalized int
	Expired   int
	Skipped   bool
}

// RunSweep executes one named sweep. With a lease configured only the
// replica holding the lease runs it; the others report Skipped.
func (s *Service) RunSweep(ctx context.Context, name string) (SweepResult, error) {
	run, ok := s.sweepFunc(name)
	if !ok {
		return SweepResult{}, validationError(fmt.Sprintf("unknown sweep %q", name))
	}

	if s.lease != nil {
		token, acquired, err := s.lease.Acquire(ctx, "sweep:"+name, sweepLeaseTTL)
		if err != nil {
			slog.Warn("sweep: lease unavailable, running locally", "sweep", name, "error", err)
		} else if !acquired {
			metrics.SweepRuns.WithLabelValues(name, "skipped").Inc()
			return SweepResult{Sweep: name, Skipped: true}, nil
		} else {
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.lease.Release(releaseCtx, "sweep:"+name, token); err != nil {
					slog.Warn("sweep: release lease", "sweep", name, "error", err)
				}
			}()
		}
	}

	result, err := run(ctx)
	result.Sweep = name
	if err != nil {
		metrics.SweepRuns.WithLabelValues(name, "error").Inc()
		return result, err
	}
	metrics.SweepRuns.WithLabelValues(name, "ok").Inc()
	return result, nil
}

func (s *Service) sweepFunc(name string) (func(context.Context) (SweepResult, error), bool) {
	switch name {
	case SweepHeartbeat:
		return func(ctx context.Context) (SweepResult, error) {
			hb, err := s.RunHeartbeat(ctx)
			return SweepResult{Processed: hb.Processed, Finalized: hb.Finalized}, err
		}, true
	case SweepFeedback:
		return func(ctx context.Context) (SweepResult, error) {
			processed, err := s.CollectFeedback(ctx)
			if err != nil {
				return SweepResult{}, err
			}
			expired, err := s.ExpireFeedbackRequests(ctx)
			return SweepResult{Processed: processed, Expired: expired}, err
		}, true
	case SweepChallenges:
		return func(ctx context.Context) (SweepResult, error) {
			accepted, err := s.ProcessAutoAcceptChallenges(ctx)
			return SweepResult{Processed: accepted}, err
		}, true
	case SweepFinalize:
		return func(ctx context.Context) (SweepResult, error) {
			finalized, err := s.FinalizeExpired(ctx)
			return SweepResult{Finalized: finalized}, err
		}, true
	}
	return nil, false
}

// RunWorkers runs the periodic sweeps until ctx is cancelled.
func (s *Service) RunWorkers(ctx context.Context) {
	schedule := map[string]time.Duration{
		SweepHeartbeat:  s.cfg.HeartbeatInterval,
		SweepFeedback:   s.cfg.FeedbackInterval,
		SweepChallenges: s.cfg.ChallengeInterval,
	}

	var wg sync.WaitGroup
	for name, interval := range schedule {
		if interval <= 0 {
			slog.Info("workers: sweep disabled", "sweep", name)
			continue
		}
		wg.Add(1)
		go func(name string, interval time.Duration) {
			defer wg.Done()
			s.sweepLoop(ctx, name, interval)
		}(name, interval)
	}
	wg.Wait()
}

func (s *Service) sweepLoop(ctx context.Context, name string, interval time.Duration) {
	slog.Info("workers: sweep started", "sweep", name, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("workers: sweep stopped", "sweep", name)
			return
		case <-time.After(interval):
		}
		started := time.Now()
		result, err := s.RunSweep(ctx, name)
		if err != nil {
			slog.Error("workers: sweep failed", "sweep", name, "error", err)
			continue
		}
		if result.Skipped {
			continue
		}
		slog.Debug("workers: sweep finished",
			"sweep", name,
			"processed", result.Processed,
			"finalized", result.Finalized,
			"expired", result.Expired,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}
