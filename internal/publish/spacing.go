package publish

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Spacer enforces a minimum gap between posts from one poster.
type Spacer struct {
	mu   sync.Mutex
	min  time.Duration
	last time.Time
	now  func() time.Time
}

// NewSpacer creates a Spacer. A non-positive gap disables it.
func NewSpacer(gap time.Duration) *Spacer {
	return &Spacer{min: gap, now: time.Now}
}

// Check returns ErrTooSoon if the previous post was less than the gap ago.
func (s *Spacer) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.min <= 0 || s.last.IsZero() {
		return nil
	}
	if elapsed := s.now().Sub(s.last); elapsed < s.min {
		return fmt.Errorf("%w: wait %s", ErrTooSoon, (s.min - elapsed).Round(time.Second))
	}
	return nil
}

// Mark records a successful post.
func (s *Spacer) Mark() {
	s.mu.Lock()
	s.last = s.now()
	s.mu.Unlock()
}

// GlobalSpacer keeps a best-effort minimum gap between any two posts in the
// process, across accounts and platforms.
type GlobalSpacer struct {
	mu   sync.Mutex
	min  time.Duration
	next time.Time
}

// NewGlobalSpacer creates a GlobalSpacer. A non-positive gap disables it.
func NewGlobalSpacer(gap time.Duration) *GlobalSpacer {
	return &GlobalSpacer{min: gap}
}

// Wait blocks until the caller's slot comes up. Slots are handed out in
// call order.
func (g *GlobalSpacer) Wait(ctx context.Context) error {
	if g == nil || g.min <= 0 {
		return nil
	}
	g.mu.Lock()
	now := time.Now()
	slot := g.next
	if slot.Before(now) {
		slot = now
	}
	g.next = slot.Add(g.min)
	g.mu.Unlock()

	d := time.Until(slot)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
