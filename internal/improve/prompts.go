package improve

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	fullHistoryIterations = 3
	maxSummaryChars       = 160
)

var planItemPattern = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.+)$`)

func batchPlanningPrompt(st State, count int) string {
	var b strings.Builder
	b.WriteString("Investigate the repository in read-only mode. Do not modify any files.\n\n")
	fmt.Fprintf(&b, "Improvement direction: %s\n\n", st.Direction)
	fmt.Fprintf(&b, "Propose exactly %d prioritized improvements that do not conflict with each other and can each be completed and committed in one pass. ", count)
	b.WriteString("Answer with a numbered list, one item per line.\n")
	if hist := compactHistory(st.History); hist != "" {
		b.WriteString("\nPrevious iterations:\n")
		b.WriteString(hist)
	}
	return b.String()
}

func iterationPrompt(st State, iteration int, item string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Improvement iteration %d of %d.\n", iteration, st.TotalIterations)
	fmt.Fprintf(&b, "Direction: %s\n", st.Direction)
	if item != "" {
		fmt.Fprintf(&b, "\nAssigned improvement:\n%s\n", item)
	} else {
		b.WriteString("\nPick the single most valuable improvement in this direction that previous iterations have not covered.\n")
	}
	if hist := compactHistory(st.History); hist != "" {
		b.WriteString("\nPrevious iterations:\n")
		b.WriteString(hist)
	}
	b.WriteString("\nMake the change, run the relevant checks, and commit it before you finish. End with a one-line summary of what changed.")
	return b.String()
}

// compactHistory renders the last few iterations in full and everything older as one-line
// markers, so the prompt stays bounded however long the loop runs.
func compactHistory(history []IterationRecord) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	cut := len(history) - fullHistoryIterations
	for i, rec := range history {
		if i < cut {
			fmt.Fprintf(&b, "- #%d %s\n", rec.Iteration, outcomeWord(rec.Success))
			continue
		}
		fmt.Fprintf(&b, "- #%d %s in %s, $%.2f: %s\n",
			rec.Iteration, outcomeWord(rec.Success), formatDuration(rec.DurationMs), rec.CostUSD, rec.Summary)
	}
	return b.String()
}

// parsePlanItems extracts up to limit numbered items from a strategic plan.
func parsePlanItems(text string, limit int) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		m := planItemPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		items = append(items, strings.TrimSpace(m[2]))
		if limit > 0 && len(items) == limit {
			break
		}
	}
	return items
}

// summarize keeps the last non-empty line of runner output, which is where the summary is
// asked for, truncated to maxSummaryChars runes.
func summarize(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	summary := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			summary = s
			break
		}
	}
	summary = strings.Join(strings.Fields(summary), " ")
	if runes := []rune(summary); len(runes) > maxSummaryChars {
		summary = string(runes[:maxSummaryChars-3]) + "..."
	}
	return summary
}

func outcomeWord(success bool) string {
	if success {
		return "ok"
	}
	return "failed"
}

func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}
