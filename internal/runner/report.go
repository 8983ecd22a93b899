package runner

import (
	"fmt"
	"strings"
)

// defaultReportSteps is how many trailing steps a report includes.
const defaultReportSteps = 8

// buildReportLocked assembles the textual run report from the current state.
// Caller holds r.mu.
func (r *Runner) buildReportLocked() string {
	var b strings.Builder

	b.WriteString("Run report\n")

	task := r.taskText
	if task == "" {
		task = "(no task)"
	}
	fmt.Fprintf(&b, "Task: %s\n", task)
	fmt.Fprintf(&b, "Status: %s\n", r.phase)

	n := r.reportSteps
	steps := r.steps
	if len(steps) > n {
		steps = steps[len(steps)-n:]
	}
	if len(steps) > 0 {
		fmt.Fprintf(&b, "Steps (last %d):\n", len(steps))
		for _, s := range steps {
			fmt.Fprintf(&b, "  %s [%s] %s", s.Timestamp.Format("15:04:05"), s.Status, s.Title)
			if s.Proof != "" {
				fmt.Fprintf(&b, " (proof: %s)", s.Proof)
			}
			b.WriteString("\n")
		}
	}

	if r.errText != "" {
		fmt.Fprintf(&b, "Blocked: %s\n", r.errText)
	}
	if r.nextAction != "" {
		fmt.Fprintf(&b, "Next action: %s\n", r.nextAction)
	}
	if r.artifactPath != "" {
		fmt.Fprintf(&b, "Artifact: %s\n", r.artifactPath)
	}

	return b.String()
}
