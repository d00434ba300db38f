// Package control holds the process-wide emergency stop.
package control

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

// EventLog records switch toggles.
type EventLog interface {
	LogEvent(ctx context.Context, e storage.SystemEvent) error
}

// StopSwitch blocks all automated posting while engaged. It is safe for
// concurrent use; Engaged is a single atomic load.
type StopSwitch struct {
	engaged atomic.Bool
	events  EventLog

	mu     sync.Mutex
	reason string
	since  time.Time
}

// NewStopSwitch creates a released switch. events may be nil.
func NewStopSwitch(events EventLog) *StopSwitch {
	return &StopSwitch{events: events}
}

// Engaged reports whether posting is stopped.
func (s *StopSwitch) Engaged() bool {
	return s.engaged.Load()
}

// Reason returns why the switch was engaged and when, or zero values when
// released.
func (s *StopSwitch) Reason() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.since
}

// Engage stops posting. It returns false when the switch was already engaged.
func (s *StopSwitch) Engage(ctx context.Context, reason string) bool {
	if reason == "" {
		reason = "manual emergency stop"
	}
	s.mu.Lock()
	if !s.engaged.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return false
	}
	s.reason, s.since = reason, time.Now().UTC()
	s.mu.Unlock()

	slog.Warn("emergency stop engaged", "reason", reason)
	s.audit(ctx, "emergency_stop", storage.LevelError, "Emergency stop activated: "+reason)
	return true
}

// Release resumes posting. It returns false when the switch was not engaged.
func (s *StopSwitch) Release(ctx context.Context, reason string) bool {
	s.mu.Lock()
	if !s.engaged.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return false
	}
	s.reason, s.since = "", time.Time{}
	s.mu.Unlock()

	if reason == "" {
		reason = "manual release"
	}
	slog.Info("emergency stop released", "reason", reason)
	s.audit(ctx, "emergency_stop_released", storage.LevelInfo, "Emergency stop released: "+reason)
	return true
}

func (s *StopSwitch) audit(ctx context.Context, typ string, level storage.EventLevel, msg string) {
	if s.events == nil {
		return
	}
	if err := s.events.LogEvent(ctx, storage.SystemEvent{Type: typ, Level: level, Message: msg}); err != nil {
		slog.Error("recording emergency stop event", "error", err)
	}
}
