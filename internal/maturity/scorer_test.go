package maturity

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twinloop/internal/store"
)

func newTestScorer(t *testing.T) (*Scorer, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewScorer(st), st
}

func seedEval(t *testing.T, st *store.Store, userID, section string, confidence float64) {
	t.Helper()
	require.NoError(t, st.InsertEvaluation(&store.Evaluation{
		ID: uuid.NewString(), UserID: userID,
		Prompt: "p", GeneratedResponse: "r", Section: section,
		OverallConfidence: confidence,
		Routing:           store.RoutingAutoApproved,
	}))
}

func TestRecomputeEmptyUser(t *testing.T) {
	scorer, _ := newTestScorer(t)
	record, err := scorer.Recompute("u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, record.OverallScore)
	assert.Equal(t, 0, record.EvaluationCount)
	for _, domain := range store.Domains() {
		assert.Equal(t, 0.0, record.DomainScores[domain])
	}
}

func TestRecomputeDomainMeans(t *testing.T) {
	scorer, st := newTestScorer(t)
	userID := "u1"
	seedEval(t, st, userID, "values", 0.8)
	seedEval(t, st, userID, "values", 0.6)
	seedEval(t, st, userID, "mental_models", 0.9)
	seedEval(t, st, userID, "heuristics", 0.5)

	record, err := scorer.Recompute(userID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, record.DomainScores[store.DomainValues], 0.001)
	// mental_models and heuristics share the models domain
	assert.InDelta(t, 0.7, record.DomainScores[store.DomainModels], 0.001)
	assert.Equal(t, 0.0, record.DomainScores[store.DomainWorldview])
	assert.Equal(t, 4, record.EvaluationCount)
}

func TestRecomputeEmptyDomainWeighting(t *testing.T) {
	scorer, st := newTestScorer(t)
	userID := "u1"
	seedEval(t, st, userID, "values", 0.8)

	record, err := scorer.Recompute(userID)
	require.NoError(t, err)
	// one populated domain (w=1, score 0.8), four empty (w=0.25, score 0)
	want := 0.8 / (1 + 4*0.25)
	assert.InDelta(t, want, record.OverallScore, 0.0001)
}

func TestRecomputeVoiceMapsToIdentity(t *testing.T) {
	scorer, st := newTestScorer(t)
	userID := "u1"
	seedEval(t, st, userID, "voice", 0.6)
	seedEval(t, st, userID, "identity", 0.8)

	record, err := scorer.Recompute(userID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, record.DomainScores[store.DomainIdentity], 0.001)
}

func TestRecomputeDeterministic(t *testing.T) {
	scorer, st := newTestScorer(t)
	userID := "u1"
	seedEval(t, st, userID, "values", 0.8)
	seedEval(t, st, userID, "worldview", 0.4)
	seedEval(t, st, userID, "shadows", 0.55)

	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	scorer.now = func() time.Time { return fixed }

	first, err := scorer.Recompute(userID)
	require.NoError(t, err)
	second, err := scorer.Recompute(userID)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("recompute not deterministic (-first +second):\n%s", diff)
	}

	stored, err := st.GetMaturity(userID)
	require.NoError(t, err)
	assert.InDelta(t, first.OverallScore, stored.OverallScore, 1e-9)
}

func TestRecomputeCountsPairs(t *testing.T) {
	scorer, st := newTestScorer(t)
	userID := "u1"
	for i := 0; i < 3; i++ {
		require.NoError(t, st.InsertTrainingPair(&store.TrainingPair{
			ID: uuid.NewString(), UserID: userID,
			Content: `{"messages":[]}`, QualityScore: 0.7,
		}))
	}

	record, err := scorer.Recompute(userID)
	require.NoError(t, err)
	assert.Equal(t, 3, record.TrainingPairCount)
}
