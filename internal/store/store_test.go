package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenInitializesSchema(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{
		"cycle_state", "documents", "document_active", "gap_scores",
		"evaluations", "synthetic_validations", "maturity_records",
		"training_pairs", "training_exports", "twins", "messages",
		"entries", "user_settings", "activity_log",
	} {
		var name string
		err := s.db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, "table %s missing", table)
	}
}

func TestCycleStateUpsertIncrementsCount(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	cs := &CycleState{
		UserID:        "u1",
		ActivityLevel: ActivityMedium,
		SleepMinutes:  10,
		LastCycleAt:   now,
		NextCycleAt:   now.Add(10 * time.Minute),
		LastAction:    "maintenance",
		LastReason:    "no_signals",
	}
	require.NoError(t, s.UpsertCycleState(cs))
	require.NoError(t, s.UpsertCycleState(cs))

	got, err := s.GetCycleState("u1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CycleCount)
	assert.Equal(t, ActivityMedium, got.ActivityLevel)
	assert.Nil(t, got.LastContactAt)
}

func TestEntryCountsAndRecency(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for i, age := range []time.Duration{time.Hour, 2 * time.Hour, 30 * time.Hour} {
		require.NoError(t, s.InsertEntry(&Entry{
			ID:        uuid.NewString(),
			UserID:    "u1",
			Content:   "entry",
			Source:    "journal",
			CreatedAt: now.Add(-age),
		}))
		_ = i
	}

	n, err := s.CountEntriesSince("u1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	last, err := s.LastEntryAt("u1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, now.Add(-time.Hour), *last, time.Second)

	none, err := s.LastEntryAt("nobody")
	require.NoError(t, err)
	assert.Nil(t, none)

	recent, err := s.RecentEntries("u1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].CreatedAt.After(recent[1].CreatedAt))
}

func TestMessageLifecycle(t *testing.T) {
	s := newTestStore(t)

	m := &Message{ID: uuid.NewString(), UserID: "u1", Type: MessageProactiveQuestion, Content: "hello"}
	require.NoError(t, s.InsertMessage(m))

	n, err := s.CountPendingMessages("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.MarkMessageDelivered(m.ID))
	n, err = s.CountPendingMessages("u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Second delivery attempt finds nothing
	assert.Error(t, s.MarkMessageDelivered(m.ID))

	delivered, err := s.RecentDeliveredMessages("u1", 5)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.True(t, delivered[0].Delivered)
}

func TestTwinUpsert(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertTwin(&Twin{UserID: "u1", ModelID: "m1", Status: TwinTraining, TrainingJobID: "j1"}))
	require.NoError(t, s.UpsertTwin(&Twin{UserID: "u1", ModelID: "m2", Status: TwinActive, TrainingJobID: "j2"}))

	tw, err := s.GetTwin("u1")
	require.NoError(t, err)
	assert.Equal(t, "m2", tw.ModelID)
	assert.Equal(t, TwinActive, tw.Status)
}

func TestSettingsDefault(t *testing.T) {
	s := newTestStore(t)

	us, err := s.GetSettings("fresh")
	require.NoError(t, err)
	assert.False(t, us.AgentsPaused)
	assert.Equal(t, "standard", us.TrainingProfile)

	require.NoError(t, s.UpsertSettings(&UserSettings{UserID: "fresh", AgentsPaused: true, TrainingProfile: "conservative"}))
	us, err = s.GetSettings("fresh")
	require.NoError(t, err)
	assert.True(t, us.AgentsPaused)
	assert.Equal(t, "conservative", us.TrainingProfile)

	ids, err := s.ListUserIDs(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids)
}

func TestActivityLogAppendOnly(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendActivity("u1", "cycle_decision", "maintenance"))
	require.NoError(t, s.AppendActivity("u1", "training_skipped", "cooldown"))

	recs, err := s.RecentActivity("u1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "training_skipped", recs[0].EventType) // newest first
}
