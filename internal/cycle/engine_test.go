package cycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twinloop/internal/config"
	"twinloop/internal/store"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return f.response, f.err
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.response, f.err
}

func newTestEngine(t *testing.T, client *fakeLLM) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var llmClient *fakeLLM
	if client != nil {
		llmClient = client
	}
	cfg := config.DefaultConfig().Cycle
	if llmClient == nil {
		return NewEngine(st, nil, cfg), st
	}
	return NewEngine(st, llmClient, cfg), st
}

func hoursPtr(h float64) *float64 { return &h }

func TestClassifyBoundaries(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	tests := []struct {
		name    string
		signals Signals
		want    store.ActivityLevel
	}{
		{"eight entries no contact", Signals{EntriesLast24h: 8}, store.ActivityHigh},
		{"recent contact", Signals{EntriesLast24h: 0, HoursSinceLastContact: hoursPtr(3.5)}, store.ActivityHigh},
		{"no entries long idle", Signals{EntriesLast24h: 0, HoursSinceLastContact: hoursPtr(49)}, store.ActivityLow},
		{"no entries never contacted", Signals{EntriesLast24h: 1}, store.ActivityLow},
		{"moderate", Signals{EntriesLast24h: 3, HoursSinceLastContact: hoursPtr(10)}, store.ActivityMedium},
		{"exactly idle threshold", Signals{EntriesLast24h: 0, HoursSinceLastContact: hoursPtr(48)}, store.ActivityMedium},
		{"seven entries mid contact", Signals{EntriesLast24h: 7, HoursSinceLastContact: hoursPtr(12)}, store.ActivityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.classify(tt.signals))
		})
	}
}

func TestSleepMapping(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	assert.Equal(t, 5, engine.sleepFor(store.ActivityHigh))
	assert.Equal(t, 10, engine.sleepFor(store.ActivityMedium))
	assert.Equal(t, 30, engine.sleepFor(store.ActivityLow))
}

func TestDecidePendingReviewsQueuesFeedbackRequest(t *testing.T) {
	engine, st := newTestEngine(t, nil)
	userID := "u1"

	for i := 0; i < 2; i++ {
		seedPendingReview(t, st, userID)
	}

	decision, err := engine.Decide(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionMessage, decision.Action)
	assert.Equal(t, store.MessageFeedbackRequest, decision.MessageType)
	assert.Equal(t, "pending_reviews", decision.Reason)

	pending, err := st.CountPendingMessages(userID)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDecidePendingMessagesSuppressFeedbackRequest(t *testing.T) {
	engine, st := newTestEngine(t, nil)
	userID := "u1"
	seedPendingReview(t, st, userID)
	require.NoError(t, st.InsertMessage(&store.Message{
		ID: uuid.NewString(), UserID: userID,
		Type: store.MessageFeedbackRequest, Content: "earlier",
	}))

	decision, err := engine.Decide(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionMaintenance, decision.Action)
	assert.Equal(t, "messages_pending", decision.Reason)

	pending, err := st.CountPendingMessages(userID)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDecideIdleQueuesProactiveFallback(t *testing.T) {
	engine, st := newTestEngine(t, nil)
	userID := "u1"

	decision, err := engine.Decide(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, ActionMessage, decision.Action)
	assert.Equal(t, store.MessageProactiveQuestion, decision.MessageType)
	assert.Equal(t, "idle_contact", decision.Reason)
	assert.Equal(t, store.ActivityLow, decision.ActivityLevel)

	pending, err := st.CountPendingMessages(userID)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestProactiveContentFallsBackOnLLMError(t *testing.T) {
	engine, st := newTestEngine(t, &fakeLLM{err: errors.New("provider down")})
	userID := "u1"
	require.NoError(t, st.InsertEntry(&store.Entry{
		ID: uuid.NewString(), UserID: userID, Content: "thinking about the move",
		CreatedAt: time.Now().Add(-72 * time.Hour),
	}))

	content := engine.proactiveContent(context.Background(), userID)
	assert.Equal(t, FallbackCheckIn, content)
}

func TestProactiveContentFallsBackWithoutEntries(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeLLM{response: "should not be used"})
	content := engine.proactiveContent(context.Background(), "u1")
	assert.Equal(t, FallbackCheckIn, content)
}

func TestProactiveContentTruncated(t *testing.T) {
	long := strings.Repeat("x", 500)
	engine, st := newTestEngine(t, &fakeLLM{response: long})
	userID := "u1"
	require.NoError(t, st.InsertEntry(&store.Entry{
		ID: uuid.NewString(), UserID: userID, Content: "entry",
		CreatedAt: time.Now().Add(-72 * time.Hour),
	}))

	content := engine.proactiveContent(context.Background(), userID)
	assert.Len(t, content, 280)
}

func TestDecidePersistsCycleState(t *testing.T) {
	engine, st := newTestEngine(t, nil)
	userID := "u1"

	_, err := engine.Decide(context.Background(), userID)
	require.NoError(t, err)
	_, err = engine.Decide(context.Background(), userID)
	require.NoError(t, err)

	cs, err := st.GetCycleState(userID)
	require.NoError(t, err)
	assert.Equal(t, 2, cs.CycleCount)
	assert.Equal(t, store.ActivityLow, cs.ActivityLevel)
	assert.Equal(t, 30, cs.SleepMinutes)
	assert.True(t, cs.NextCycleAt.After(cs.LastCycleAt))
}

func TestDecideRecentEntryMakesHigh(t *testing.T) {
	engine, st := newTestEngine(t, nil)
	userID := "u1"
	require.NoError(t, st.InsertEntry(&store.Entry{
		ID: uuid.NewString(), UserID: userID, Content: "just now",
		CreatedAt: time.Now().Add(-10 * time.Minute),
	}))

	decision, err := engine.Decide(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, store.ActivityHigh, decision.ActivityLevel)
	assert.Equal(t, 5, decision.SleepMinutes)
	assert.Equal(t, ActionMaintenance, decision.Action)
}

func TestDecideEmptyUserID(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	_, err := engine.Decide(context.Background(), "")
	require.Error(t, err)
}

func seedPendingReview(t *testing.T, st *store.Store, userID string) {
	t.Helper()
	require.NoError(t, st.InsertEvaluation(&store.Evaluation{
		ID:     uuid.NewString(),
		UserID: userID,
		Prompt: "p", GeneratedResponse: "r", Section: "values",
		Axes:              store.AxisScores{ValuesAlignment: 0.6, ModelUsage: 0.6, HeuristicFollowing: 0.6, StyleMatch: 0.6},
		OverallConfidence: 0.6,
		Routing:           store.RoutingAuthorReview,
	}))
}
