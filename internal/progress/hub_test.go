package progress

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToConversationSubscribers(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	defer cancel()
	other, cancelOther := h.Subscribe(2)
	defer cancelOther()

	h.Publish(Update{Type: UpdatePlanningStarted, ConversationID: 1})

	got := <-ch
	assert.Equal(t, UpdatePlanningStarted, got.Type)
	assert.False(t, got.At.IsZero())
	select {
	case u := <-other:
		t.Fatalf("unexpected update on other conversation: %+v", u)
	default:
	}
}

func TestHubDropsOldestWhenSubscriberIsSlow(t *testing.T) {
	h := NewHub()
	h.bufferSize = 3
	ch, cancel := h.Subscribe(1)
	defer cancel()

	for i := 1; i <= 5; i++ {
		h.Publish(Update{Type: UpdateRunnerDelta, ConversationID: 1, Text: fmt.Sprint(i)})
	}

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, (<-ch).Text)
	}
	assert.Equal(t, []string{"3", "4", "5"}, got)
	assert.EqualValues(t, 2, h.Dropped())
}

func TestHubHistoryBoundedAndSkipsDeltas(t *testing.T) {
	h := NewHub()
	h.historyLimit = 2
	h.Publish(Update{Type: UpdateQueued, ConversationID: 1, Detail: "a"})
	h.Publish(Update{Type: UpdateRunnerDelta, ConversationID: 1, Text: "x"})
	h.Publish(Update{Type: UpdateQueued, ConversationID: 1, Detail: "b"})
	h.Publish(Update{Type: UpdateQueued, ConversationID: 1, Detail: "c"})

	hist := h.History(1, 0)
	require.Len(t, hist, 2)
	assert.Equal(t, "b", hist[0].Detail)
	assert.Equal(t, "c", hist[1].Detail)
	assert.Len(t, h.History(1, 1), 1)
}

func TestHubCancelClosesChannelOnce(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	h.Publish(Update{Type: UpdateQueued, ConversationID: 1})
}

func TestHubForgetDropsHistoryOnly(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	defer cancel()
	h.Publish(Update{Type: UpdateQueued, ConversationID: 1})
	h.Publish(Update{Type: UpdateQueued, ConversationID: 2})
	<-ch
	require.Len(t, h.history, 2)

	h.Forget(1)
	assert.Empty(t, h.History(1, 0))
	assert.Len(t, h.History(2, 0), 1)
	assert.Len(t, h.history, 1)

	h.Publish(Update{Type: UpdateCancelled, ConversationID: 1})
	assert.Equal(t, UpdateCancelled, (<-ch).Type)
}
