package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twinloop/internal/errs"
)

func seedEvaluation(t *testing.T, s *Store, userID, id string, routing Routing, confidence float64, createdAt time.Time) {
	t.Helper()
	require.NoError(t, s.InsertEvaluation(&Evaluation{
		ID:                id,
		UserID:            userID,
		Prompt:            "how do you handle conflict?",
		GeneratedResponse: "directly but kindly",
		Section:           "values",
		Axes:              AxisScores{ValuesAlignment: confidence, ModelUsage: confidence, HeuristicFollowing: confidence, StyleMatch: confidence},
		OverallConfidence: confidence,
		Routing:           routing,
		CreatedAt:         createdAt,
	}))
}

func TestInsertEvaluationRejectsInvalidRouting(t *testing.T) {
	s := newTestStore(t)
	err := s.InsertEvaluation(&Evaluation{ID: "e1", UserID: "u1", Routing: Routing("whatever")})
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestSetVerdictOverwrites(t *testing.T) {
	s := newTestStore(t)
	seedEvaluation(t, s, "u1", "e1", RoutingAuthorReview, 0.6, time.Now().UTC())

	require.NoError(t, s.SetVerdict("u1", "e1", VerdictRejected, "", "off-base"))
	e, err := s.GetEvaluation("u1", "e1")
	require.NoError(t, err)
	require.NotNil(t, e.AuthorVerdict)
	assert.Equal(t, VerdictRejected, *e.AuthorVerdict)
	assert.NotNil(t, e.ReviewedAt)

	// Second submission overwrites the first
	require.NoError(t, s.SetVerdict("u1", "e1", VerdictEdited, "a better answer", ""))
	e, err = s.GetEvaluation("u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, VerdictEdited, *e.AuthorVerdict)
	assert.Equal(t, "a better answer", e.GeneratedResponse)
}

func TestSetVerdictValidation(t *testing.T) {
	s := newTestStore(t)
	seedEvaluation(t, s, "u1", "e1", RoutingAuthorReview, 0.6, time.Now().UTC())

	assert.True(t, errs.Is(s.SetVerdict("u1", "e1", Verdict("maybe"), "", ""), errs.Validation))
	assert.True(t, errs.Is(s.SetVerdict("u1", "missing", VerdictApproved, "", ""), errs.NotFound))
	assert.True(t, errs.Is(s.SetVerdict("other-user", "e1", VerdictApproved, "", ""), errs.NotFound))
}

func TestCountPendingReviews(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seedEvaluation(t, s, "u1", "e1", RoutingAuthorReview, 0.6, now)
	seedEvaluation(t, s, "u1", "e2", RoutingAuthorReview, 0.7, now)
	seedEvaluation(t, s, "u1", "e3", RoutingAutoApproved, 0.9, now)
	seedEvaluation(t, s, "u1", "e4", RoutingFlagged, 0.2, now)

	n, err := s.CountPendingReviews("u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.SetVerdict("u1", "e1", VerdictApproved, "", ""))
	n, err = s.CountPendingReviews("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBulkApproveOldestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		seedEvaluation(t, s, "u1", fmt.Sprintf("e%d", i), RoutingAuthorReview, 0.6, base.Add(time.Duration(i)*time.Minute))
	}
	seedEvaluation(t, s, "u1", "flagged", RoutingFlagged, 0.2, base)

	n, err := s.BulkApproveOldest("u1", 3, false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Oldest three approved, newest two still pending, flagged untouched
	for _, id := range []string{"e0", "e1", "e2"} {
		e, err := s.GetEvaluation("u1", id)
		require.NoError(t, err)
		require.NotNil(t, e.AuthorVerdict, id)
		assert.Equal(t, VerdictApproved, *e.AuthorVerdict)
	}
	for _, id := range []string{"e3", "e4", "flagged"} {
		e, err := s.GetEvaluation("u1", id)
		require.NoError(t, err)
		assert.Nil(t, e.AuthorVerdict, id)
	}

	n, err = s.BulkApproveOldest("u1", 10, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n) // e3, e4 and the flagged one
}

func TestSectionConfidences(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seedEvaluation(t, s, "u1", "e1", RoutingAutoApproved, 0.8, now)
	seedEvaluation(t, s, "u1", "e2", RoutingAutoApproved, 0.6, now)

	agg, err := s.SectionConfidences("u1")
	require.NoError(t, err)
	require.Contains(t, agg, "values")
	assert.Equal(t, 2, agg["values"].Count)
	assert.InDelta(t, 0.7, agg["values"].MeanConfidence, 1e-9)
}

func TestSyntheticValidationRules(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seedEvaluation(t, s, "u1", "auto", RoutingAutoApproved, 0.9, now)
	seedEvaluation(t, s, "u1", "review", RoutingAuthorReview, 0.6, now)

	require.NoError(t, s.InsertSyntheticValidation(&SyntheticValidation{
		ID: "v1", RatingID: "auto", UserID: "u1", Agreed: true,
	}))

	// Only auto-approved ratings can be validated
	err := s.InsertSyntheticValidation(&SyntheticValidation{ID: "v2", RatingID: "review", UserID: "u1", Agreed: true})
	assert.True(t, errs.Is(err, errs.Validation))

	err = s.InsertSyntheticValidation(&SyntheticValidation{ID: "v3", RatingID: "missing", UserID: "u1", Agreed: true})
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestFeedbackStats(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seedEvaluation(t, s, "u1", "a1", RoutingAutoApproved, 0.9, now)
	seedEvaluation(t, s, "u1", "a2", RoutingAutoApproved, 0.85, now)
	seedEvaluation(t, s, "u1", "r1", RoutingAuthorReview, 0.6, now)
	seedEvaluation(t, s, "u1", "f1", RoutingFlagged, 0.3, now)

	require.NoError(t, s.InsertSyntheticValidation(&SyntheticValidation{ID: "v1", RatingID: "a1", UserID: "u1", Agreed: true}))
	require.NoError(t, s.InsertSyntheticValidation(&SyntheticValidation{ID: "v2", RatingID: "a2", UserID: "u1", Agreed: false}))

	fc, err := s.FeedbackStats("u1")
	require.NoError(t, err)
	assert.Equal(t, 4, fc.TotalSynthetic)
	assert.Equal(t, 2, fc.AutoApproved)
	assert.Equal(t, 1, fc.QueuedReview)
	assert.Equal(t, 2, fc.AuthorValidated)
	assert.Equal(t, 1, fc.AgreedCount)
	assert.Equal(t, 2, fc.HighConfidence)
	assert.Equal(t, 1, fc.MedConfidence)
	assert.Equal(t, 1, fc.LowConfidence)
}
