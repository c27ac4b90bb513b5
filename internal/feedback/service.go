// Package feedback implements the synthetic feedback generator and router:
// gap-biased candidate generation, confidence-gated routing, author verdict
// ingestion, and the recompute cascade behind verdicts.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"twinloop/internal/config"
	"twinloop/internal/document"
	"twinloop/internal/errs"
	"twinloop/internal/finetune"
	"twinloop/internal/llm"
	"twinloop/internal/logging"
	"twinloop/internal/store"
)

// GenerateResult reports partial counts for one generation batch. Per-item
// failures are excluded, never escalated.
type GenerateResult struct {
	Generated       int `json:"generated"`
	AutoApproved    int `json:"auto_approved"`
	QueuedForReview int `json:"queued_for_review"`
	Flagged         int `json:"flagged"`
	Failed          int `json:"failed"`
}

// Stats is the aggregate feedback view.
type Stats struct {
	TotalSynthetic  int     `json:"total_synthetic"`
	AutoApproved    int     `json:"auto_approved"`
	QueuedReview    int     `json:"queued_review"`
	AuthorValidated int     `json:"author_validated"`
	AgreementRate   float64 `json:"agreement_rate"`
	ByConfidence    struct {
		High   int `json:"high"`
		Medium int `json:"medium"`
		Low    int `json:"low"`
	} `json:"by_confidence"`
}

// Service implements the feedback operations.
type Service struct {
	store      *store.Store
	llm        llm.Client
	docs       *document.Manager
	recomputer *Recomputer
	routing    config.RoutingConfig
}

// NewService creates a feedback service.
func NewService(st *store.Store, client llm.Client, docs *document.Manager, recomputer *Recomputer, routing config.RoutingConfig) *Service {
	return &Service{
		store:      st,
		llm:        client,
		docs:       docs,
		recomputer: recomputer,
		routing:    routing,
	}
}

// candidate is the JSON shape the LLM returns per generated item.
type candidate struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
	Scores   struct {
		ValuesAlignment    float64 `json:"values_alignment"`
		ModelUsage         float64 `json:"model_usage"`
		HeuristicFollowing float64 `json:"heuristic_following"`
		StyleMatch         float64 `json:"style_match"`
	} `json:"scores"`
}

const generateSystemPrompt = `You generate synthetic training feedback for a personal language model.
Given a profile section, invent one question a real person might ask, answer it exactly as the
profiled person would, then score your own answer on four axes in [0,1]:
values_alignment, model_usage, heuristic_following, style_match.
Respond with a single JSON object:
{"prompt": "...", "response": "...", "scores": {"values_alignment": 0.0, "model_usage": 0.0, "heuristic_following": 0.0, "style_match": 0.0}}.
JSON only, no prose.`

// Generate produces up to maxPrompts synthetic evaluations biased toward the
// highest-priority open gaps. Per-item failures are caught and excluded; the
// batch never aborts on one failure.
func (s *Service) Generate(ctx context.Context, userID string, maxPrompts int) (*GenerateResult, error) {
	if userID == "" {
		return nil, errs.New(errs.Validation, "userID is required")
	}
	if maxPrompts <= 0 {
		return nil, errs.New(errs.Validation, "maxPrompts must be positive")
	}
	if s.llm == nil {
		return nil, errs.New(errs.Validation, "generation requires an LLM client")
	}

	doc, err := s.store.ActiveDocument(userID)
	if err != nil {
		return nil, err
	}

	targets, err := s.gapOrderedSections(userID)
	if err != nil {
		return nil, err
	}

	result := &GenerateResult{}
	for i := 0; i < maxPrompts; i++ {
		section := targets[i%len(targets)]
		eval, err := s.generateOne(ctx, userID, doc, section)
		if err != nil {
			logging.FeedbackDebug("generation failed user=%s section=%s: %v", userID, section, err)
			result.Failed++
			continue
		}
		result.Generated++
		switch eval.Routing {
		case store.RoutingAutoApproved:
			result.AutoApproved++
		case store.RoutingAuthorReview:
			result.QueuedForReview++
		default:
			result.Flagged++
		}
	}

	logging.Feedback("generated user=%s ok=%d auto=%d review=%d flagged=%d failed=%d",
		userID, result.Generated, result.AutoApproved, result.QueuedForReview, result.Flagged, result.Failed)
	logging.AuditSuccess(logging.AuditFeedbackGenerated, userID,
		fmt.Sprintf("generated=%d auto=%d review=%d", result.Generated, result.AutoApproved, result.QueuedForReview))
	return result, nil
}

// gapOrderedSections returns the fixed sections ordered by gap priority,
// high first. Without persisted gap scores it recomputes them first.
func (s *Service) gapOrderedSections(userID string) ([]string, error) {
	gaps, err := s.store.GapScores(userID)
	if err != nil {
		return nil, err
	}
	if len(gaps) == 0 {
		gaps, err = s.docs.RecomputeGaps(userID)
		if err != nil {
			return nil, err
		}
	}

	rank := func(p store.Priority) int {
		switch p {
		case store.PriorityHigh:
			return 0
		case store.PriorityMedium:
			return 1
		default:
			return 2
		}
	}

	byPriority := make(map[int][]string)
	for _, g := range gaps {
		r := rank(g.Priority)
		byPriority[r] = append(byPriority[r], g.Section)
	}

	var ordered []string
	for r := 0; r <= 2; r++ {
		ordered = append(ordered, byPriority[r]...)
	}
	if len(ordered) == 0 {
		ordered = document.SectionNames()
	}
	return ordered, nil
}

func (s *Service) generateOne(ctx context.Context, userID string, doc *store.Document, section string) (*store.Evaluation, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Section: %s\n", section)
	if content := doc.Sections[section]; content != "" {
		fmt.Fprintf(&b, "Section content:\n%s\n", content)
	} else {
		b.WriteString("This section is still empty; probe for material that would fill it.\n")
	}
	if voice := doc.Sections["voice"]; voice != "" && section != "voice" {
		fmt.Fprintf(&b, "Writing voice:\n%s\n", voice)
	}

	raw, err := s.llm.CompleteWithSystem(ctx, generateSystemPrompt, b.String())
	if err != nil {
		return nil, errs.Wrap(err, errs.ExternalService, "candidate generation failed")
	}

	var c candidate
	if err := json.Unmarshal([]byte(extractJSON(raw)), &c); err != nil {
		return nil, errs.Wrap(err, errs.ExternalService, "candidate is not valid JSON")
	}
	if strings.TrimSpace(c.Prompt) == "" || strings.TrimSpace(c.Response) == "" {
		return nil, errs.New(errs.ExternalService, "candidate missing prompt or response")
	}

	axes := store.AxisScores{
		ValuesAlignment:    clamp01(c.Scores.ValuesAlignment),
		ModelUsage:         clamp01(c.Scores.ModelUsage),
		HeuristicFollowing: clamp01(c.Scores.HeuristicFollowing),
		StyleMatch:         clamp01(c.Scores.StyleMatch),
	}
	confidence := axes.Mean()

	eval := &store.Evaluation{
		ID:                uuid.NewString(),
		UserID:            userID,
		Prompt:            c.Prompt,
		GeneratedResponse: c.Response,
		Section:           section,
		Axes:              axes,
		OverallConfidence: confidence,
		Routing:           s.route(confidence),
	}
	if err := s.store.InsertEvaluation(eval); err != nil {
		return nil, err
	}

	// Auto-approved items feed training directly.
	if eval.Routing == store.RoutingAutoApproved {
		if err := s.insertPair(userID, c.Prompt, c.Response, confidence); err != nil {
			logging.FeedbackDebug("pair insert failed user=%s eval=%s: %v", userID, eval.ID, err)
		}
	}
	return eval, nil
}

// route assigns routing from confidence. Fixed at creation, never
// re-evaluated.
func (s *Service) route(confidence float64) store.Routing {
	switch {
	case confidence >= s.routing.AutoApproveThreshold:
		return store.RoutingAutoApproved
	case confidence >= s.routing.ReviewThreshold:
		return store.RoutingAuthorReview
	default:
		return store.RoutingFlagged
	}
}

func (s *Service) insertPair(userID, prompt, response string, quality float64) error {
	content, err := finetune.BuildPairContent(prompt, response)
	if err != nil {
		return err
	}
	return s.store.InsertTrainingPair(&store.TrainingPair{
		ID:           uuid.NewString(),
		UserID:       userID,
		Content:      content,
		QualityScore: quality,
	})
}

// ReviewVerdict records the author's resolution of one evaluation. A repeat
// submission overwrites the previous verdict. Approved and edited items feed
// training; every verdict schedules the recompute cascade.
func (s *Service) ReviewVerdict(userID, evaluationID string, verdict store.Verdict, editedResponse, comment string) error {
	if !verdict.IsValid() {
		return errs.Newf(errs.Validation, "invalid verdict %q", verdict)
	}
	if verdict == store.VerdictEdited && strings.TrimSpace(editedResponse) == "" {
		return errs.New(errs.Validation, "edited verdict requires an edited response")
	}

	if err := s.store.SetVerdict(userID, evaluationID, verdict, editedResponse, comment); err != nil {
		return err
	}

	if verdict == store.VerdictApproved || verdict == store.VerdictEdited {
		if eval, err := s.store.GetEvaluation(userID, evaluationID); err == nil {
			if err := s.insertPair(userID, eval.Prompt, eval.GeneratedResponse, eval.OverallConfidence); err != nil {
				logging.FeedbackDebug("pair insert failed user=%s eval=%s: %v", userID, evaluationID, err)
			}
		}
	}

	logging.AuditSuccess(logging.AuditVerdictRecorded, userID,
		fmt.Sprintf("eval=%s verdict=%s", evaluationID, verdict))

	s.recomputer.Schedule(userID)
	s.recomputer.Run()
	return nil
}

// BulkApprove approves the oldest unresolved items in one write and runs the
// recompute cascade once for the whole batch.
func (s *Service) BulkApprove(userID string, limit int, includeFlagged bool) (int, error) {
	if limit <= 0 {
		return 0, errs.New(errs.Validation, "limit must be positive")
	}

	approved, err := s.store.BulkApproveOldest(userID, limit, includeFlagged)
	if err != nil {
		return 0, err
	}

	logging.Feedback("bulk approved user=%s count=%d flagged=%t", userID, approved, includeFlagged)
	logging.AuditSuccess(logging.AuditBulkApprove, userID, fmt.Sprintf("count=%d", approved))

	if approved > 0 {
		s.recomputer.Schedule(userID)
		s.recomputer.Run()
	}
	return approved, nil
}

// ValidateSyntheticRating records agreement with a previously auto-approved
// rating. Only feeds the agreement-rate statistic.
func (s *Service) ValidateSyntheticRating(ratingID, userID string, agreed bool, comment string) error {
	if ratingID == "" || userID == "" {
		return errs.New(errs.Validation, "ratingID and userID are required")
	}

	err := s.store.InsertSyntheticValidation(&store.SyntheticValidation{
		ID:       uuid.NewString(),
		RatingID: ratingID,
		UserID:   userID,
		Agreed:   agreed,
		Comment:  comment,
	})
	if err != nil {
		return err
	}
	logging.AuditSuccess(logging.AuditRatingValidated, userID,
		fmt.Sprintf("rating=%s agreed=%t", ratingID, agreed))
	return nil
}

// GetStats aggregates the feedback counters for one user.
func (s *Service) GetStats(userID string) (*Stats, error) {
	counts, err := s.store.FeedbackStats(userID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalSynthetic:  counts.TotalSynthetic,
		AutoApproved:    counts.AutoApproved,
		QueuedReview:    counts.QueuedReview,
		AuthorValidated: counts.AuthorValidated,
	}
	stats.ByConfidence.High = counts.HighConfidence
	stats.ByConfidence.Medium = counts.MedConfidence
	stats.ByConfidence.Low = counts.LowConfidence
	if counts.AuthorValidated > 0 {
		stats.AgreementRate = float64(counts.AgreedCount) / float64(counts.AuthorValidated)
	}
	return stats, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
