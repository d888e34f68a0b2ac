package engine

import (
	"fmt"
	"io"
	"time"
)

// newSummary turns the final run statistics into a RunSummary. Pure
// aggregation: no side effects beyond producing the summary for the
// caller to render and exit on.
func newSummary(runID string, startedAt time.Time, stats RunStats) *RunSummary {
	return &RunSummary{
		RunID:              runID,
		StartedAt:          startedAt,
		Duration:           time.Since(startedAt),
		Applied:            stats.Applied,
		Unchanged:          stats.Unchanged,
		Skipped:            stats.Skipped,
		Failed:             stats.Failed,
		NotificationsFired: stats.NotificationsFired,
		Success:            stats.Failed == 0,
		Failures:           stats.Failures,
	}
}

// Render writes a human-readable run report.
func (s *RunSummary) Render(w io.Writer) {
	fmt.Fprintf(w, "Run %s finished in %s\n", s.RunID, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  applied:       %d\n", s.Applied)
	fmt.Fprintf(w, "  unchanged:     %d\n", s.Unchanged)
	fmt.Fprintf(w, "  skipped:       %d\n", s.Skipped)
	fmt.Fprintf(w, "  failed:        %d\n", s.Failed)
	fmt.Fprintf(w, "  notifications: %d\n", s.NotificationsFired)

	if len(s.Failures) > 0 {
		fmt.Fprintln(w, "Failures:")
		for _, f := range s.Failures {
			fmt.Fprintf(w, "  %s: %s\n", f.Resource, f.Reason)
		}
	}
}

// ExitCode maps the run outcome to the process-level contract: zero iff
// the run succeeded.
func (s *RunSummary) ExitCode() int {
	if s.Success {
		return 0
	}
	return 1
}
