// Package intent turns free-form chat text into the small set of intents the dispatcher acts on.
package intent

import (
	"regexp"
	"strings"

	"github.com/ent0n29/foreman/internal/tasks"
)

type Kind string

const (
	KindWorkRequest Kind = "work_request"
	KindApprovePlan Kind = "approve_plan"
	KindRevisePlan  Kind = "revise_plan"
	KindCancelPlan  Kind = "cancel_plan"
)

type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// Intent is the classified form of one inbound message.
type Intent struct {
	Kind       Kind             `json:"kind"`
	Task       string           `json:"task,omitempty"`
	Context    string           `json:"context,omitempty"`
	Complexity tasks.Complexity `json:"complexity,omitempty"`
	Urgency    Urgency          `json:"urgency,omitempty"`
	Feedback   string           `json:"feedback,omitempty"`
	RawMessage string           `json:"raw_message,omitempty"`
	Blocked    bool             `json:"blocked,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// Classifier is the seam for swapping the rule-based default.
type Classifier interface {
	Classify(text string, planPending bool) Intent
}

type RuleClassifier struct{}

func NewRuleClassifier() RuleClassifier { return RuleClassifier{} }

var (
	blockedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$)`),
		regexp.MustCompile(`(?i)\b(sudo\s+)?cat\s+.*(?:id_rsa|id_ed25519|\.env|auth\.json)`),
		regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|token|password|secret)\b`),
	}
	approvePattern = regexp.MustCompile(`(?i)^\s*(/approve|approve[d]?|yes|yep|y|ok(ay)?|lgtm|go( ahead)?|ship it|do it|proceed|sounds good)\s*[.!]*\s*$`)
	cancelPattern  = regexp.MustCompile(`(?i)^\s*(/cancel|cancel( (it|that|the plan))?|no|nope|n|stop|abort|never ?mind|forget it|discard)\s*[.!]*\s*$`)
	revisePattern  = regexp.MustCompile(`(?i)^\s*(/revise\b|revise\b|change\b|instead\b|but\b|also\b|don'?t\b|rather\b|modify\b|update the plan\b|actually\b|what about\b)`)

	complexKeywords = []string{
		"refactor", "migrate", "migration", "architecture", "redesign", "rewrite",
		"deploy", "drop", "truncate", "delete", "remove", "schema", "across the codebase",
	}
	trivialKeywords = []string{
		"typo", "rename", "bump", "comment", "format", "lint", "spelling", "readme",
	}
	urgentKeywords = []string{
		"urgent", "asap", "immediately", "right now", "critical", "hotfix", "prod is down", "outage",
	}
)

func (RuleClassifier) Classify(text string, planPending bool) Intent {
	raw := strings.TrimSpace(text)
	if planPending {
		switch {
		case approvePattern.MatchString(raw):
			return Intent{Kind: KindApprovePlan, RawMessage: raw}
		case cancelPattern.MatchString(raw):
			return Intent{Kind: KindCancelPlan, RawMessage: raw}
		case revisePattern.MatchString(raw):
			feedback := strings.TrimSpace(strings.TrimPrefix(raw, "/revise"))
			return Intent{Kind: KindRevisePlan, Feedback: feedback, RawMessage: raw}
		}
	}
	return ClassifyWork(raw)
}

// ClassifyWork builds a work request from text without considering plan decisions.
func ClassifyWork(raw string) Intent {
	in := strings.ToLower(raw)
	task, context := splitTask(raw)
	out := Intent{
		Kind:       KindWorkRequest,
		Task:       task,
		Context:    context,
		Complexity: estimateComplexity(in),
		Urgency:    UrgencyNormal,
		RawMessage: raw,
	}
	for _, re := range blockedPatterns {
		if re.MatchString(in) {
			out.Blocked = true
			out.Reason = "Request appears to include destructive or secret-exfiltration behavior."
			return out
		}
	}
	if containsAny(in, urgentKeywords) {
		out.Urgency = UrgencyHigh
	}
	return out
}

func estimateComplexity(in string) tasks.Complexity {
	words := len(strings.Fields(in))
	switch {
	case containsAny(in, complexKeywords) || words > 80:
		return tasks.ComplexityComplex
	case words <= 12 && containsAny(in, trivialKeywords):
		return tasks.ComplexityTrivial
	default:
		return tasks.ComplexityModerate
	}
}

// splitTask uses the first line as the task and the remainder as context.
func splitTask(raw string) (task, context string) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '\n'); i >= 0 {
		return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:])
	}
	return raw, ""
}

func containsAny(in string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(in, kw) {
			return true
		}
	}
	return false
}
