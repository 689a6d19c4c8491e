package dispatch

import (
	"fmt"
	"strings"

	"github.com/ent0n29/foreman/internal/runner"
	"github.com/ent0n29/foreman/internal/tasks"
)

func planningPrompt(req tasks.WorkRequest, prev *tasks.PendingPlan, feedback string) string {
	var b strings.Builder
	b.WriteString("Investigate the repository in read-only mode and produce a numbered implementation plan. Do not modify any files.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", req.Task)
	if ctx := strings.TrimSpace(req.Context); ctx != "" {
		fmt.Fprintf(&b, "Context: %s\n", ctx)
	}
	fmt.Fprintf(&b, "Complexity: %s\n", tasks.NormalizeComplexity(req.Complexity))
	if len(req.MemoryContext) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, line := range req.MemoryContext {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if prev != nil {
		b.WriteString("\nPrevious plan:\n")
		b.WriteString(strings.TrimSpace(prev.PlanText))
		b.WriteString("\n\nRequested changes:\n")
		b.WriteString(strings.TrimSpace(feedback))
		b.WriteString("\n\nReturn the full revised plan.")
	}
	return b.String()
}

func executionPrompt(plan tasks.PendingPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", plan.Task)
	if ctx := strings.TrimSpace(plan.Context); ctx != "" {
		fmt.Fprintf(&b, "Context: %s\n", ctx)
	}
	b.WriteString("\nApproved plan:\n")
	b.WriteString(strings.TrimSpace(plan.PlanText))
	b.WriteString("\n\nImplement the approved plan. Commit your changes when done and finish with a short summary.\n")
	fmt.Fprintf(&b, "If the service must be restarted for the change to take effect, include %s in the summary.", runner.RestartMarker)
	return b.String()
}

func resumePrompt(rec tasks.ActiveTaskRecord) string {
	return fmt.Sprintf("The previous run of this task was interrupted by a restart. Inspect what was already done, finish the remaining work, commit, and summarize.\n\nTask: %s", rec.Task)
}
