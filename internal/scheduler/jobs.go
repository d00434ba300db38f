package scheduler

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// JobKind identifies what a job does when it fires.
type JobKind string

const (
	KindInterval    JobKind = "interval"
	KindCatchUp     JobKind = "catch_up"
	KindImmediate   JobKind = "immediate"
	KindHealthCheck JobKind = "health_check"
)

// posting reports whether the job publishes and so must honor the stop switch.
func (k JobKind) posting() bool {
	return k != KindHealthCheck
}

// Job is one pending unit of scheduled work. Recurring jobs (interval and
// health check) advance RunAt after firing; the others are removed.
type Job struct {
	ID           string        `json:"id"`
	Kind         JobKind       `json:"kind"`
	AccountIDs   []string      `json:"account_ids,omitempty"`
	RunAt        time.Time     `json:"run_at"`
	MisfireGrace time.Duration `json:"misfire_grace"`

	period time.Duration
}

func (j Job) recurring() bool { return j.period > 0 }

// jobID builds kind_account_unixnano_suffix. Jobs covering every account
// use "all" in the account position.
func jobID(kind JobKind, accountIDs []string, at time.Time, suffix string) string {
	acct := "all"
	if len(accountIDs) == 1 {
		acct = accountIDs[0]
	}
	return fmt.Sprintf("%s_%s_%s_%s", kind, acct, strconv.FormatInt(at.UnixNano(), 10), suffix)
}

// MissedPosts is how many interval slots passed in elapsed once the grace
// period is discounted, capped at limit.
func MissedPosts(elapsed, interval, grace time.Duration, limit int) int {
	if interval <= 0 || limit <= 0 {
		return 0
	}
	n := int((elapsed - grace) / interval)
	return min(max(n, 0), limit)
}

// misfired reports whether a trigger observed at now for a slot due at
// runAt is too late to fire.
func misfired(runAt, now time.Time, grace time.Duration) bool {
	return now.Sub(runAt) > grace
}

// nextSlot advances runAt by period to the first slot strictly after now.
// Any slots in between are coalesced.
func nextSlot(runAt time.Time, period time.Duration, now time.Time) time.Time {
	if !runAt.After(now) {
		skipped := now.Sub(runAt)/period + 1
		runAt = runAt.Add(skipped * period)
	}
	return runAt
}

func sortJobs(jobs []Job) {
	slices.SortFunc(jobs, func(a, b Job) int {
		if c := a.RunAt.Compare(b.RunAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
