// Package scheduler fires posting attempts on a fixed interval, catches up
// on windows missed while the process was down, and runs a periodic health
// check.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pinchen147/twitter-persona-agents/internal/pipeline"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

var (
	// ErrInvalidTransition is returned when a lifecycle call does not apply
	// to the current state.
	ErrInvalidTransition = errors.New("invalid scheduler state transition")

	// ErrJobConflict is returned when a job id is already taken.
	ErrJobConflict = errors.New("job id conflicts with an existing job")
)

// State is the scheduler lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AccountRunner performs one posting attempt for an account.
type AccountRunner interface {
	RunAccount(ctx context.Context, accountID string) pipeline.Outcome
}

// AccountSource lists the configured accounts.
type AccountSource interface {
	IDs() []string
}

// History is the slice of the post log the scheduler reads and writes.
type History interface {
	LastSuccessfulPost(ctx context.Context, accountID string) (storage.PostRecord, error)
	SuccessRate(ctx context.Context, since time.Time) (float64, int, error)
	LogEvent(ctx context.Context, e storage.SystemEvent) error
}

// StopChecker reports whether the emergency stop is engaged.
type StopChecker interface {
	Engaged() bool
}

// NewAccountPolicy decides catch-up for accounts that never posted.
type NewAccountPolicy string

const (
	NewAccountOnce NewAccountPolicy = "once"
	NewAccountSkip NewAccountPolicy = "skip"
)

type Options struct {
	Interval       time.Duration
	MisfireGrace   time.Duration
	CatchUpEnabled bool
	MaxCatchUp     int
	CatchUpGrace   time.Duration
	CatchUpSpacing time.Duration
	// MinFirstDelay is the earliest a catch-up job may run after Start.
	MinFirstDelay  time.Duration
	NewAccount     NewAccountPolicy
	HealthInterval time.Duration
	ImmediateDelay time.Duration
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 4 * time.Hour
	}
	if o.MisfireGrace <= 0 {
		o.MisfireGrace = time.Hour
	}
	if o.CatchUpSpacing <= 0 {
		o.CatchUpSpacing = 2 * time.Minute
	}
	if o.MinFirstDelay <= 0 {
		o.MinFirstDelay = 60 * time.Second
	}
	if o.NewAccount == "" {
		o.NewAccount = NewAccountOnce
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = time.Hour
	}
	if o.ImmediateDelay <= 0 {
		o.ImmediateDelay = 5 * time.Second
	}
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Runner   AccountRunner
	Accounts AccountSource
	History  History
	Stop     StopChecker
}

// Status is a snapshot for the status command and the control API.
type Status struct {
	State    State         `json:"state"`
	Interval time.Duration `json:"interval"`
	NextRun  time.Time     `json:"next_run,omitzero"`
	Jobs     []Job         `json:"jobs"`
}

// Scheduler owns the job table and the dispatch loop.
type Scheduler struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
	suffix func() string

	mu     sync.Mutex
	state  State
	jobs   map[string]Job
	cancel context.CancelFunc
	wake   chan struct{}

	// runMu serializes posting jobs so two never publish at once.
	runMu sync.Mutex
	wg    sync.WaitGroup
}

// New creates a stopped scheduler.
func New(opts Options, deps Deps) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		opts:   opts,
		deps:   deps,
		logger: slog.Default(),
		suffix: func() string { return uuid.NewString()[:8] },
		jobs:   make(map[string]Job),
		wake:   make(chan struct{}, 1),
	}
}

// Start installs the interval and health-check jobs, schedules catch-up
// posts when enabled, and starts dispatching. Runs use ctx; Stop ends the
// dispatch loop without cancelling runs already in flight.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("start from %s: %w", s.state, ErrInvalidTransition)
	}
	now := time.Now()
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateRunning
	s.mu.Unlock()

	if _, err := s.schedule(Job{
		Kind: KindInterval, RunAt: now.Add(s.opts.Interval),
		MisfireGrace: s.opts.MisfireGrace, period: s.opts.Interval,
	}); err != nil {
		s.logger.Error("scheduling interval job", "error", err)
	}
	if _, err := s.schedule(Job{
		Kind: KindHealthCheck, RunAt: now.Add(s.opts.HealthInterval),
		MisfireGrace: time.Hour, period: s.opts.HealthInterval,
	}); err != nil {
		s.logger.Error("scheduling health check job", "error", err)
	}

	scheduled := 0
	if s.opts.CatchUpEnabled {
		scheduled = s.scheduleCatchUp(ctx, now)
	}

	s.wg.Add(1)
	go s.loop(loopCtx, ctx)

	s.logger.Info("scheduler started",
		"interval", s.opts.Interval.String(), "catch_up_enabled", s.opts.CatchUpEnabled,
		"catch_up_scheduled", scheduled)
	s.event(ctx, storage.SystemEvent{
		Type: "scheduler_started", Level: storage.LevelInfo,
		Message: fmt.Sprintf("Automated posting started (every %s) with catch-up: %t", s.opts.Interval, s.opts.CatchUpEnabled),
	})
	return nil
}

// Pause holds all pending jobs. Jobs that come due while paused fire on
// Resume if they are still within their misfire grace.
func (s *Scheduler) Pause(ctx context.Context) error {
	if err := s.transition(StateRunning, StatePaused); err != nil {
		return err
	}
	s.logger.Info("scheduler paused")
	s.event(ctx, storage.SystemEvent{Type: "scheduler_paused", Level: storage.LevelWarning, Message: "Automated posting paused"})
	return nil
}

// Resume releases a paused scheduler.
func (s *Scheduler) Resume(ctx context.Context) error {
	if err := s.transition(StatePaused, StateRunning); err != nil {
		return err
	}
	s.notify()
	s.logger.Info("scheduler resumed")
	s.event(ctx, storage.SystemEvent{Type: "scheduler_resumed", Level: storage.LevelInfo, Message: "Automated posting resumed"})
	return nil
}

func (s *Scheduler) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("%s from %s: %w", to, s.state, ErrInvalidTransition)
	}
	s.state = to
	return nil
}

// Stop drops every pending job, ends the dispatch loop and waits for any
// run in flight to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("stop from %s: %w", s.state, ErrInvalidTransition)
	}
	s.state = StateStopped
	clear(s.jobs)
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	s.event(ctx, storage.SystemEvent{Type: "scheduler_stopped", Level: storage.LevelInfo, Message: "Automated posting stopped"})
	return nil
}

// TriggerNow schedules a one-off posting job shortly from now. With no
// ids it posts for every account known when it fires.
func (s *Scheduler) TriggerNow(accountIDs ...string) (Job, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateStopped {
		return Job{}, fmt.Errorf("trigger while stopped: %w", ErrInvalidTransition)
	}
	job, err := s.schedule(Job{
		Kind:         KindImmediate,
		AccountIDs:   accountIDs,
		RunAt:        time.Now().Add(s.opts.ImmediateDelay),
		MisfireGrace: 30 * time.Second,
	})
	if err != nil {
		return Job{}, err
	}
	s.logger.Info("immediate post scheduled", "job_id", job.ID, "run_at", job.RunAt)
	return job, nil
}

// Status returns the current state and pending jobs ordered by run time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Interval: s.opts.Interval, Jobs: make([]Job, 0, len(s.jobs))}
	for _, j := range s.jobs {
		st.Jobs = append(st.Jobs, j)
		if j.Kind == KindInterval {
			st.NextRun = j.RunAt
		}
	}
	sortJobs(st.Jobs)
	return st
}

// schedule assigns an id and adds the job. A conflicting id is retried
// once with a fresh suffix.
func (s *Scheduler) schedule(job Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return Job{}, fmt.Errorf("schedule while stopped: %w", ErrInvalidTransition)
	}
	for attempt := range 2 {
		job.ID = jobID(job.Kind, job.AccountIDs, job.RunAt, s.suffix())
		if _, taken := s.jobs[job.ID]; !taken {
			s.jobs[job.ID] = job
			s.notifyLocked()
			return job, nil
		}
		if attempt == 0 {
			s.logger.Warn("job id conflict, retrying with a new id", "job_id", job.ID)
		}
	}
	return Job{}, fmt.Errorf("scheduling %s job: %w", job.Kind, ErrJobConflict)
}

func (s *Scheduler) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyLocked()
}

func (s *Scheduler) notifyLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(loopCtx, runCtx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		timer.Reset(s.dispatchDue(loopCtx, runCtx))
		select {
		case <-loopCtx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// dispatchDue starts every due job and returns how long to sleep until the
// next one. Nothing is dispatched while paused.
func (s *Scheduler) dispatchDue(loopCtx, runCtx context.Context) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := time.Hour
	if s.state != StateRunning || loopCtx.Err() != nil {
		return wait
	}
	now := time.Now()
	for id, job := range s.jobs {
		if job.RunAt.After(now) {
			wait = min(wait, job.RunAt.Sub(now))
			continue
		}
		late := misfired(job.RunAt, now, job.MisfireGrace)
		if job.recurring() {
			next := job
			next.RunAt = nextSlot(job.RunAt, job.period, now)
			s.jobs[id] = next
			wait = min(wait, next.RunAt.Sub(now))
		} else {
			delete(s.jobs, id)
		}
		if late {
			s.logger.Warn("job missed its grace window, skipping",
				"job_id", id, "kind", string(job.Kind), "due", job.RunAt, "late_by", now.Sub(job.RunAt).String())
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(runCtx, job)
		}()
	}
	return wait
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("job panicked", "job_id", job.ID, "panic", p, "stack", string(debug.Stack()))
		}
	}()

	if !job.Kind.posting() {
		s.CheckHealth(ctx)
		return
	}

	if job.Kind == KindInterval {
		if !s.runMu.TryLock() {
			s.logger.Warn("previous posting run still in progress, dropping trigger", "job_id", job.ID)
			return
		}
	} else {
		s.runMu.Lock()
	}
	defer s.runMu.Unlock()

	// The state may have changed while this job waited for runMu. A job
	// caught by a pause goes back into the table and is dispatched again on
	// resume; recurring jobs are still there and only lose this trigger.
	s.mu.Lock()
	state := s.state
	if state == StatePaused && !job.recurring() {
		if _, taken := s.jobs[job.ID]; !taken {
			s.jobs[job.ID] = job
		}
	}
	s.mu.Unlock()
	switch state {
	case StateStopped:
		return
	case StatePaused:
		s.logger.Info("scheduler paused before job ran, deferring", "job_id", job.ID, "kind", string(job.Kind))
		return
	}

	if s.deps.Stop != nil && s.deps.Stop.Engaged() {
		s.logger.Warn("emergency stop engaged, skipping job", "job_id", job.ID, "kind", string(job.Kind))
		s.event(ctx, storage.SystemEvent{
			Type: "scheduled_post_skipped", Level: storage.LevelWarning,
			Message:  "Scheduled post skipped: emergency stop active",
			Metadata: map[string]any{"job_id": job.ID, "kind": string(job.Kind)},
		})
		return
	}

	ids := job.AccountIDs
	if len(ids) == 0 {
		ids = s.deps.Accounts.IDs()
	}
	if len(ids) == 0 {
		s.logger.Warn("no accounts configured, skipping job", "job_id", job.ID)
		s.event(ctx, storage.SystemEvent{Type: "scheduled_post_skipped", Level: storage.LevelWarning, Message: "No accounts configured"})
		return
	}

	s.logger.Info("running posting job", "job_id", job.ID, "kind", string(job.Kind), "accounts", ids)
	var ok, failed int
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		out := s.runOne(ctx, id)
		switch {
		case out.Status.Published():
			ok++
		case !out.Skipped:
			failed++
		}
		if job.Kind == KindCatchUp {
			s.catchUpEvent(ctx, id, out)
		}
	}

	level := storage.LevelInfo
	if failed > 0 {
		level = storage.LevelWarning
	}
	s.logger.Info("posting job complete", "job_id", job.ID, "successful", ok, "failed", failed)
	if job.Kind != KindCatchUp {
		s.event(ctx, storage.SystemEvent{
			Type: "scheduled_multi_post_complete", Level: level,
			Message:  fmt.Sprintf("Multi-account scheduled posting: %d success, %d failed", ok, failed),
			Metadata: map[string]any{"job_id": job.ID, "kind": string(job.Kind), "total_accounts": len(ids), "successful": ok, "failed": failed},
		})
	}
}

// runOne isolates one account's attempt from the rest of the job.
func (s *Scheduler) runOne(ctx context.Context, accountID string) (out pipeline.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("account run panicked", "account_id", accountID, "panic", p)
			out = pipeline.Outcome{AccountID: accountID, Status: storage.StatusFailed, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return s.deps.Runner.RunAccount(ctx, accountID)
}

func (s *Scheduler) catchUpEvent(ctx context.Context, accountID string, out pipeline.Outcome) {
	if out.Skipped {
		return
	}
	e := storage.SystemEvent{
		Type: "catch_up_post_success", Level: storage.LevelInfo, AccountID: accountID,
		Message: "Catch-up post completed for " + accountID,
	}
	if out.Err != nil || out.Status == storage.StatusFailed || out.Status == storage.StatusGenerationFailed || out.Status == storage.StatusFiltered {
		e.Type, e.Level = "catch_up_post_failed", storage.LevelError
		e.Message = fmt.Sprintf("Catch-up post failed for %s: %s", accountID, out.Status)
	}
	s.event(ctx, e)
}

func (s *Scheduler) event(ctx context.Context, e storage.SystemEvent) {
	if s.deps.History == nil {
		return
	}
	if err := s.deps.History.LogEvent(ctx, e); err != nil {
		s.logger.Error("recording scheduler event", "type", e.Type, "error", err)
	}
}
