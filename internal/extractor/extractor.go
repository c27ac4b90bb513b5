// Package extractor turns raw user text into structured facts used for
// document bootstrap and training-pair quality.
package extractor

import (
	"context"
	"encoding/json"
	"strings"

	"twinloop/internal/errs"
	"twinloop/internal/llm"
)

// Structured is the result of structuring one text.
type Structured struct {
	Facts      []string `json:"facts"`
	Entities   []string `json:"entities"`
	Importance float64  `json:"importance"`
}

// Extractor structures freeform text into facts and entities.
type Extractor interface {
	Structure(ctx context.Context, text string) (Structured, error)
}

// LLMExtractor implements Extractor using an LLM provider.
type LLMExtractor struct {
	client llm.Client
}

// NewLLMExtractor creates an extractor backed by the given LLM client.
func NewLLMExtractor(client llm.Client) *LLMExtractor {
	return &LLMExtractor{client: client}
}

const structureSystemPrompt = `You extract structured information from personal journal text.
Respond with a single JSON object: {"facts": [...], "entities": [...], "importance": 0.0-1.0}.
Facts are short declarative statements about the author. Entities are named people, places,
or concepts. Importance reflects how much the text reveals about the author's values or style.
Respond with JSON only, no prose.`

// Structure extracts facts, entities and an importance score from text.
func (e *LLMExtractor) Structure(ctx context.Context, text string) (Structured, error) {
	if strings.TrimSpace(text) == "" {
		return Structured{}, errs.New(errs.Validation, "text is empty")
	}

	raw, err := e.client.CompleteWithSystem(ctx, structureSystemPrompt, text)
	if err != nil {
		return Structured{}, errs.Wrap(err, errs.ExternalService, "structure extraction failed")
	}

	var result Structured
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		return Structured{}, errs.Wrap(err, errs.ExternalService, "extractor returned malformed JSON")
	}
	if result.Importance < 0 {
		result.Importance = 0
	}
	if result.Importance > 1 {
		result.Importance = 1
	}
	return result, nil
}

// extractJSON strips markdown fences and surrounding prose that models
// sometimes wrap around JSON output.
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
