// Package maturity computes the per-domain and overall readiness score of a
// user's twin from accumulated evaluation confidence.
package maturity

import (
	"fmt"
	"time"

	"twinloop/internal/errs"
	"twinloop/internal/logging"
	"twinloop/internal/store"
)

// emptyDomainWeight keeps domains with no evidence depressing the overall
// score, but less than a populated domain with a poor mean.
const emptyDomainWeight = 0.25

// sectionDomain maps document sections into the five fixed maturity domains.
var sectionDomain = map[string]string{
	"worldview":     store.DomainWorldview,
	"relationships": store.DomainWorldview,
	"values":        store.DomainValues,
	"mental_models": store.DomainModels,
	"heuristics":    store.DomainModels,
	"identity":      store.DomainIdentity,
	"voice":         store.DomainIdentity,
	"shadows":       store.DomainShadows,
}

// Scorer recomputes maturity records.
type Scorer struct {
	store *store.Store
	now   func() time.Time
}

// NewScorer creates a maturity scorer.
func NewScorer(st *store.Store) *Scorer {
	return &Scorer{store: st, now: time.Now}
}

// Recompute rebuilds the maturity record from the full evaluation set and
// pair count. Pure and idempotent given a fixed evaluation set.
func (s *Scorer) Recompute(userID string) (*store.MaturityRecord, error) {
	if userID == "" {
		return nil, errs.New(errs.Validation, "userID is required")
	}

	evals, err := s.store.EvaluationsForUser(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load evaluations: %w", err)
	}

	sums := make(map[string]float64, 5)
	counts := make(map[string]int, 5)
	for _, e := range evals {
		domain, ok := sectionDomain[e.Section]
		if !ok {
			continue
		}
		sums[domain] += e.OverallConfidence
		counts[domain]++
	}

	domainScores := make(map[string]float64, 5)
	var weightedSum, weightTotal float64
	for _, domain := range store.Domains() {
		score := 0.0
		weight := emptyDomainWeight
		if counts[domain] > 0 {
			score = sums[domain] / float64(counts[domain])
			weight = 1.0
		}
		domainScores[domain] = score
		weightedSum += score * weight
		weightTotal += weight
	}

	pairCount, err := s.store.CountTrainingPairs(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count training pairs: %w", err)
	}

	record := &store.MaturityRecord{
		UserID:            userID,
		OverallScore:      weightedSum / weightTotal,
		DomainScores:      domainScores,
		TrainingPairCount: pairCount,
		EvaluationCount:   len(evals),
		UpdatedAt:         s.now().UTC(),
	}
	if err := s.store.UpsertMaturity(record); err != nil {
		return nil, err
	}

	logging.Maturity("recomputed user=%s overall=%.3f evals=%d pairs=%d",
		userID, record.OverallScore, record.EvaluationCount, record.TrainingPairCount)
	logging.AuditSuccess(logging.AuditMaturityRecompute, userID,
		fmt.Sprintf("overall=%.3f", record.OverallScore))
	return record, nil
}
