package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

// minHealthyRate is the 24h success rate below which a warning is raised.
const minHealthyRate = 0.5

// CheckHealth inspects the last 24h of attempts and the stop switch, logs
// a health_check_warning event when something is off, and returns the
// issues found.
func (s *Scheduler) CheckHealth(ctx context.Context) []string {
	var issues []string
	if s.deps.Stop != nil && s.deps.Stop.Engaged() {
		issues = append(issues, "emergency stop engaged")
	}
	if s.deps.History != nil {
		rate, n, err := s.deps.History.SuccessRate(ctx, time.Now().Add(-24*time.Hour))
		switch {
		case err != nil:
			issues = append(issues, "success rate unavailable: "+err.Error())
		case n > 0 && rate < minHealthyRate:
			issues = append(issues, fmt.Sprintf("low success rate: %.0f%% of %d attempts", rate*100, n))
		}
	}

	if len(issues) == 0 {
		s.logger.Debug("health check passed")
		return nil
	}
	s.logger.Warn("health check found issues", "issues", issues)
	s.event(ctx, storage.SystemEvent{
		Type: "health_check_warning", Level: storage.LevelWarning,
		Message:  "Health issues detected: " + strings.Join(issues, ", "),
		Metadata: map[string]any{"issues": issues},
	})
	return issues
}
