package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

// catchUpGrace is how late a catch-up job may still fire.
const catchUpGrace = 60 * time.Second

// scheduleCatchUp queues one-off posts for intervals each account missed
// while the process was down. Jobs are staggered by CatchUpSpacing and
// the total is capped at MaxCatchUp per account.
func (s *Scheduler) scheduleCatchUp(ctx context.Context, now time.Time) int {
	ids := s.deps.Accounts.IDs()
	if len(ids) == 0 || s.opts.MaxCatchUp <= 0 {
		return 0
	}
	limit := s.opts.MaxCatchUp * len(ids)
	scheduled := 0

	add := func(accountID string) {
		delay := max(s.opts.MinFirstDelay, time.Duration(scheduled)*s.opts.CatchUpSpacing)
		job, err := s.schedule(Job{
			Kind:         KindCatchUp,
			AccountIDs:   []string{accountID},
			RunAt:        now.Add(delay),
			MisfireGrace: catchUpGrace,
		})
		if err != nil {
			s.logger.Error("scheduling catch-up post", "account_id", accountID, "error", err)
			return
		}
		scheduled++
		s.logger.Info("catch-up post scheduled", "account_id", accountID, "job_id", job.ID, "run_at", job.RunAt)
	}

	for _, id := range ids {
		if scheduled >= limit {
			break
		}
		last, err := s.deps.History.LastSuccessfulPost(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if s.opts.NewAccount == NewAccountOnce {
				s.logger.Info("no previous posts for account, scheduling one catch-up", "account_id", id)
				add(id)
			}
			continue
		case err != nil:
			s.logger.Error("reading last post for catch-up", "account_id", id, "error", err)
			continue
		}

		elapsed := now.Sub(last.CreatedAt)
		missed := MissedPosts(elapsed, s.opts.Interval, s.opts.CatchUpGrace, s.opts.MaxCatchUp)
		if missed == 0 {
			s.logger.Debug("no missed posts for account", "account_id", id, "since_last", elapsed.Round(time.Minute).String())
			continue
		}
		s.logger.Info("missed posts detected", "account_id", id, "since_last", elapsed.Round(time.Minute).String(), "catch_up", missed)
		for range missed {
			if scheduled >= limit {
				break
			}
			add(id)
		}
	}

	if scheduled > 0 {
		s.event(ctx, storage.SystemEvent{
			Type: "catch_up_posts_scheduled", Level: storage.LevelInfo,
			Message:  fmt.Sprintf("Scheduled %d catch-up posts due to missed posting windows", scheduled),
			Metadata: map[string]any{"catch_up_count": scheduled, "accounts": ids},
		})
	}
	return scheduled
}
