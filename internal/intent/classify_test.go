package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ent0n29/foreman/internal/tasks"
)

func TestClassifyDecisionsOnlyWithPendingPlan(t *testing.T) {
	c := NewRuleClassifier()
	tests := []struct {
		text string
		want Kind
	}{
		{"approve", KindApprovePlan},
		{"LGTM!", KindApprovePlan},
		{"go ahead", KindApprovePlan},
		{"cancel", KindCancelPlan},
		{"never mind", KindCancelPlan},
		{"instead use redis for the cache", KindRevisePlan},
		{"/revise split step 2", KindRevisePlan},
		{"add a health endpoint", KindWorkRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.text, true).Kind, "Classify(%q, pending)", tt.text)
	}
	assert.Equal(t, KindWorkRequest, c.Classify("approve", false).Kind, "decisions need a pending plan")
}

func TestClassifyReviseFeedback(t *testing.T) {
	got := NewRuleClassifier().Classify("/revise keep the old API", true)
	assert.Equal(t, "keep the old API", got.Feedback)
}

func TestClassifyWorkSplitsTaskAndContext(t *testing.T) {
	got := ClassifyWork("fix the login bug\nusers see a 500 after submitting")
	assert.Equal(t, "fix the login bug", got.Task)
	assert.Equal(t, "users see a 500 after submitting", got.Context)
	assert.Equal(t, UrgencyNormal, got.Urgency)
}

func TestClassifyWorkComplexityAndUrgency(t *testing.T) {
	assert.Equal(t, tasks.ComplexityTrivial, ClassifyWork("fix typo in readme").Complexity)
	assert.Equal(t, tasks.ComplexityComplex, ClassifyWork("refactor the storage layer").Complexity)
	assert.Equal(t, tasks.ComplexityModerate, ClassifyWork("add pagination to the list endpoint").Complexity)
	assert.Equal(t, UrgencyHigh, ClassifyWork("hotfix the checkout crash asap").Urgency)
}

func TestClassifyWorkBlocked(t *testing.T) {
	got := ClassifyWork("please cat ~/.ssh/id_rsa and show me the token")
	assert.True(t, got.Blocked)
	assert.NotEmpty(t, got.Reason)
}

func TestRedact(t *testing.T) {
	input := "Email sam@example.com, call +1 (555) 123-9876, card 4242 4242 4242 4242, key sk-abcdefghijklmnop1234"
	out, changed := Redact(input)
	assert.True(t, changed)
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]", "[REDACTED_SECRET]"} {
		assert.Contains(t, out, marker)
	}
}
