// Package document manages the versioned per-user knowledge document: the
// section-structured description of a user's values, style, and worldview,
// plus the derived gap scores that steer feedback generation.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"twinloop/internal/errs"
	"twinloop/internal/extractor"
	"twinloop/internal/llm"
	"twinloop/internal/logging"
	"twinloop/internal/store"
)

// SectionNames is the fixed section set. Every document version carries a
// subset of these; coverage and gap scoring run over the full set.
func SectionNames() []string {
	return []string{
		"worldview",
		"values",
		"mental_models",
		"identity",
		"shadows",
		"voice",
		"relationships",
		"heuristics",
	}
}

// IsSection reports whether name is in the fixed section set.
func IsSection(name string) bool {
	for _, s := range SectionNames() {
		if s == name {
			return true
		}
	}
	return false
}

// PatchOp is the kind of mutation a patch applies to one section.
type PatchOp string

const (
	OpAdd    PatchOp = "add"
	OpUpdate PatchOp = "update"
	OpRemove PatchOp = "remove"
)

// BootstrapResult reports the outcome of an initial document build.
type BootstrapResult struct {
	UserID   string  `json:"user_id"`
	Version  int     `json:"version"`
	Coverage float64 `json:"coverage"`
	Filled   int     `json:"sections_filled"`
	Total    int     `json:"sections_total"`
}

// GapSummary is the per-section priority view.
type GapSummary struct {
	UserID     string           `json:"user_id"`
	Scores     []store.GapScore `json:"scores"`
	Recomputed bool             `json:"recomputed"`
}

// Manager implements the knowledge document operations.
type Manager struct {
	store     *store.Store
	llm       llm.Client
	extractor extractor.Extractor
	now       func() time.Time
}

// NewManager creates a document manager. The LLM client and extractor are
// only needed for Bootstrap.
func NewManager(st *store.Store, client llm.Client, ext extractor.Extractor) *Manager {
	return &Manager{
		store:     st,
		llm:       client,
		extractor: ext,
		now:       time.Now,
	}
}

const bootstrapSystemPrompt = `You build a structured personal profile from journal entries.
Respond with a single JSON object whose keys are section names and whose values are
prose descriptions grounded only in the provided material. Use exactly these keys:
worldview, values, mental_models, identity, shadows, voice, relationships, heuristics.
Leave a section as an empty string when the material does not support it.
Respond with JSON only, no prose.`

// Bootstrap builds version 1 of a user's document from their source entries.
// Fails with Conflict if an active document already exists.
func (m *Manager) Bootstrap(ctx context.Context, userID string, sourceLimit int) (*BootstrapResult, error) {
	if userID == "" {
		return nil, errs.New(errs.Validation, "userID is required")
	}
	if m.llm == nil {
		return nil, errs.New(errs.Validation, "bootstrap requires an LLM client")
	}
	if sourceLimit <= 0 {
		sourceLimit = 50
	}

	if _, err := m.store.ActiveDocument(userID); err == nil {
		return nil, errs.New(errs.Conflict, "an active document already exists; use patch or restore")
	} else if !errs.Is(err, errs.NotFound) {
		return nil, err
	}

	entries, err := m.store.RecentEntries(userID, sourceLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, errs.New(errs.Validation, "no source entries to bootstrap from")
	}

	var material strings.Builder
	for _, entry := range entries {
		material.WriteString(entry.Content)
		material.WriteString("\n---\n")
	}

	// Structured facts sharpen the draft but are optional.
	if m.extractor != nil {
		if structured, err := m.extractor.Structure(ctx, material.String()); err == nil && len(structured.Facts) > 0 {
			material.WriteString("\nExtracted facts:\n")
			for _, fact := range structured.Facts {
				fmt.Fprintf(&material, "- %s\n", fact)
			}
		}
	}

	raw, err := m.llm.CompleteWithSystem(ctx, bootstrapSystemPrompt, material.String())
	if err != nil {
		return nil, errs.Wrap(err, errs.ExternalService, "document draft generation failed")
	}

	var drafted map[string]string
	if err := json.Unmarshal([]byte(stripFences(raw)), &drafted); err != nil {
		return nil, errs.Wrap(err, errs.ExternalService, "document draft is not valid JSON")
	}

	sections := make(map[string]string)
	filled := 0
	for _, name := range SectionNames() {
		content := strings.TrimSpace(drafted[name])
		if content != "" {
			sections[name] = content
			filled++
		}
	}
	if filled == 0 {
		return nil, errs.New(errs.ExternalService, "document draft filled no sections")
	}

	version, err := m.store.InsertDocumentVersion(userID, sections, "bootstrap")
	if err != nil {
		return nil, err
	}

	total := len(SectionNames())
	result := &BootstrapResult{
		UserID:   userID,
		Version:  version,
		Coverage: float64(filled) / float64(total),
		Filled:   filled,
		Total:    total,
	}
	logging.Document("bootstrapped user=%s version=%d coverage=%.2f", userID, version, result.Coverage)
	logging.AuditSuccess(logging.AuditDocumentBootstrap, userID,
		fmt.Sprintf("version=%d coverage=%.2f", version, result.Coverage))
	return result, nil
}

// PatchSection applies one section mutation as a brand-new version built from
// the prior active content. The whole patch is rejected before any write when
// it would violate the section rules.
func (m *Manager) PatchSection(userID, section string, op PatchOp, data, changeSummary string) (int, error) {
	if userID == "" {
		return 0, errs.New(errs.Validation, "userID is required")
	}
	if !IsSection(section) {
		return 0, errs.Newf(errs.Validation, "unknown section %q", section)
	}

	active, err := m.store.ActiveDocument(userID)
	if err != nil {
		return 0, err
	}

	sections := make(map[string]string, len(active.Sections))
	for k, v := range active.Sections {
		sections[k] = v
	}

	switch op {
	case OpAdd:
		if _, exists := sections[section]; exists {
			return 0, errs.Newf(errs.Consistency, "section %q already exists; use update", section)
		}
		if strings.TrimSpace(data) == "" {
			return 0, errs.New(errs.Validation, "add requires non-empty data")
		}
		sections[section] = data
	case OpUpdate:
		if _, exists := sections[section]; !exists {
			return 0, errs.Newf(errs.Consistency, "section %q does not exist; use add", section)
		}
		if strings.TrimSpace(data) == "" {
			return 0, errs.New(errs.Validation, "update requires non-empty data")
		}
		sections[section] = data
	case OpRemove:
		if _, exists := sections[section]; !exists {
			return 0, errs.Newf(errs.Consistency, "section %q does not exist", section)
		}
		delete(sections, section)
	default:
		return 0, errs.Newf(errs.Validation, "unknown patch op %q", op)
	}

	if changeSummary == "" {
		changeSummary = fmt.Sprintf("%s %s", op, section)
	}
	version, err := m.store.InsertDocumentVersion(userID, sections, changeSummary)
	if err != nil {
		return 0, err
	}

	logging.Document("patched user=%s section=%s op=%s version=%d", userID, section, op, version)
	logging.AuditSuccess(logging.AuditDocumentPatch, userID,
		fmt.Sprintf("section=%s op=%s version=%d", section, op, version))
	return version, nil
}

// RestoreVersion copies a historical version's content into a brand-new
// active version. It never rewinds in place.
func (m *Manager) RestoreVersion(userID string, version int) (int, error) {
	if userID == "" {
		return 0, errs.New(errs.Validation, "userID is required")
	}

	historic, err := m.store.DocumentVersion(userID, version)
	if err != nil {
		return 0, err
	}

	newVersion, err := m.store.InsertDocumentVersion(userID, historic.Sections,
		fmt.Sprintf("restore of version %d", version))
	if err != nil {
		return 0, err
	}

	logging.Document("restored user=%s from=%d to=%d", userID, version, newVersion)
	logging.AuditSuccess(logging.AuditDocumentRestore, userID,
		fmt.Sprintf("from=%d to=%d", version, newVersion))
	return newVersion, nil
}

// History returns all versions newest-first.
func (m *Manager) History(userID string) ([]store.Document, error) {
	return m.store.DocumentHistory(userID)
}

// Active returns the currently active version.
func (m *Manager) Active(userID string) (*store.Document, error) {
	return m.store.ActiveDocument(userID)
}

// GetGapSummary returns per-section gap priorities. With recompute false it
// reads the persisted scores without side effects; with recompute true it
// rescores from document content and evaluation evidence and persists.
func (m *Manager) GetGapSummary(userID string, recompute bool) (*GapSummary, error) {
	if userID == "" {
		return nil, errs.New(errs.Validation, "userID is required")
	}

	if !recompute {
		scores, err := m.store.GapScores(userID)
		if err != nil {
			return nil, err
		}
		return &GapSummary{UserID: userID, Scores: scores, Recomputed: false}, nil
	}

	scores, err := m.RecomputeGaps(userID)
	if err != nil {
		return nil, err
	}
	return &GapSummary{UserID: userID, Scores: scores, Recomputed: true}, nil
}

// RecomputeGaps rescores every fixed section and persists the result.
// A section with no content is always high priority. A populated section
// drops to medium once it has evaluation evidence, and to low once the
// evidence is both dense (5+ evaluations) and confident (mean ≥ 0.6).
func (m *Manager) RecomputeGaps(userID string) ([]store.GapScore, error) {
	var sections map[string]string
	if active, err := m.store.ActiveDocument(userID); err == nil {
		sections = active.Sections
	} else if !errs.Is(err, errs.NotFound) {
		return nil, err
	}

	confidences, err := m.store.SectionConfidences(userID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	scores := make([]store.GapScore, 0, len(SectionNames()))
	for _, name := range SectionNames() {
		scores = append(scores, store.GapScore{
			UserID:     userID,
			Section:    name,
			Priority:   gapPriority(sections[name], confidences[name]),
			ComputedAt: now,
		})
	}

	if err := m.store.ReplaceGapScores(userID, scores); err != nil {
		return nil, err
	}
	logging.DocumentDebug("recomputed gaps user=%s", userID)
	logging.AuditSuccess(logging.AuditGapRecompute, userID, fmt.Sprintf("sections=%d", len(scores)))
	return scores, nil
}

func gapPriority(content string, evidence store.SectionConfidence) store.Priority {
	if strings.TrimSpace(content) == "" {
		return store.PriorityHigh
	}
	if evidence.Count == 0 {
		return store.PriorityHigh
	}
	if evidence.Count >= 5 && evidence.MeanConfidence >= 0.6 {
		return store.PriorityLow
	}
	return store.PriorityMedium
}

func stripFences(raw string) string {
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
