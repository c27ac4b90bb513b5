// Package cycle implements the per-user cycle decision engine: it collects
// activity signals, classifies the user's activity level, picks one action
// (queue a message or do maintenance), and schedules the next cycle.
package cycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"twinloop/internal/config"
	"twinloop/internal/errs"
	"twinloop/internal/llm"
	"twinloop/internal/logging"
	"twinloop/internal/store"
)

// Action is what the engine decided to do this cycle.
type Action string

const (
	ActionMessage     Action = "message"
	ActionMaintenance Action = "maintenance"
)

// Decision is the structured result of one cycle for one user.
type Decision struct {
	UserID        string              `json:"user_id"`
	ActivityLevel store.ActivityLevel `json:"activity_level"`
	Action        Action              `json:"action"`
	MessageType   store.MessageType   `json:"message_type,omitempty"`
	Reason        string              `json:"reason"`
	SleepMinutes  int                 `json:"sleep_minutes"`
	NextCycleAt   time.Time           `json:"next_cycle_at"`
}

// Signals are the per-call inputs to classification and action selection.
type Signals struct {
	EntriesLast24h        int
	PendingMessages       int
	PendingReviews        int
	HoursSinceLastContact *float64
	LastContactAt         *time.Time
}

// FallbackCheckIn is queued when proactive content generation fails or there
// is nothing to ground it on.
const FallbackCheckIn = "Hey, it's been a while. What's been on your mind lately?"

// Engine decides and applies one cycle per call.
type Engine struct {
	store *store.Store
	llm   llm.Client
	cfg   config.CycleConfig
	now   func() time.Time
}

// NewEngine creates a cycle engine. The LLM client may be nil; proactive
// questions then always use the fallback string.
func NewEngine(st *store.Store, client llm.Client, cfg config.CycleConfig) *Engine {
	return &Engine{
		store: st,
		llm:   client,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Decide runs one cycle for the user: collect signals, classify, act,
// persist cycle state, audit.
func (e *Engine) Decide(ctx context.Context, userID string) (*Decision, error) {
	if userID == "" {
		return nil, errs.New(errs.Validation, "userID is required")
	}

	timer := logging.StartTimer(logging.CategoryCycle, "decide")
	defer timer.Stop()

	signals, err := e.collectSignals(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to collect signals: %w", err)
	}

	level := e.classify(signals)
	decision := &Decision{
		UserID:        userID,
		ActivityLevel: level,
		SleepMinutes:  e.sleepFor(level),
	}

	switch {
	case signals.PendingReviews > 0 && signals.PendingMessages == 0:
		decision.Action = ActionMessage
		decision.MessageType = store.MessageFeedbackRequest
		decision.Reason = "pending_reviews"
		content := fmt.Sprintf("You have %d feedback items waiting for review.", signals.PendingReviews)
		if err := e.queueMessage(userID, store.MessageFeedbackRequest, content); err != nil {
			return nil, err
		}
	case e.isIdle(signals) && signals.PendingMessages == 0:
		decision.Action = ActionMessage
		decision.MessageType = store.MessageProactiveQuestion
		decision.Reason = "idle_contact"
		content := e.proactiveContent(ctx, userID)
		if err := e.queueMessage(userID, store.MessageProactiveQuestion, content); err != nil {
			return nil, err
		}
	default:
		decision.Action = ActionMaintenance
		if signals.PendingMessages > 0 {
			decision.Reason = "messages_pending"
		} else {
			decision.Reason = "no_action_needed"
		}
	}

	now := e.now()
	decision.NextCycleAt = now.Add(time.Duration(decision.SleepMinutes) * time.Minute)

	if err := e.persistState(userID, signals, decision, now); err != nil {
		return nil, err
	}

	logging.Cycle("user=%s level=%s action=%s reason=%s sleep=%dm",
		userID, level, decision.Action, decision.Reason, decision.SleepMinutes)
	logging.AuditSuccess(logging.AuditCycleDecision, userID,
		fmt.Sprintf("level=%s action=%s reason=%s", level, decision.Action, decision.Reason))

	return decision, nil
}

func (e *Engine) collectSignals(userID string) (Signals, error) {
	var s Signals

	since := e.now().Add(-24 * time.Hour)
	entries, err := e.store.CountEntriesSince(userID, since)
	if err != nil {
		return s, err
	}
	s.EntriesLast24h = entries

	pending, err := e.store.CountPendingMessages(userID)
	if err != nil {
		return s, err
	}
	s.PendingMessages = pending

	reviews, err := e.store.CountPendingReviews(userID)
	if err != nil {
		return s, err
	}
	s.PendingReviews = reviews

	lastEntry, err := e.store.LastEntryAt(userID)
	if err != nil {
		return s, err
	}
	if lastEntry != nil {
		hours := e.now().Sub(*lastEntry).Hours()
		s.HoursSinceLastContact = &hours
		s.LastContactAt = lastEntry
	}
	return s, nil
}

// classify applies the priority-ordered activity rules; first match wins.
func (e *Engine) classify(s Signals) store.ActivityLevel {
	if s.EntriesLast24h >= e.cfg.HighEntryThreshold ||
		(s.HoursSinceLastContact != nil && *s.HoursSinceLastContact < float64(e.cfg.HighContactHours)) {
		return store.ActivityHigh
	}
	if s.EntriesLast24h <= 1 &&
		(s.HoursSinceLastContact == nil || *s.HoursSinceLastContact > float64(e.cfg.IdleHours)) {
		return store.ActivityLow
	}
	return store.ActivityMedium
}

func (e *Engine) isIdle(s Signals) bool {
	return s.HoursSinceLastContact == nil || *s.HoursSinceLastContact > float64(e.cfg.IdleHours)
}

func (e *Engine) sleepFor(level store.ActivityLevel) int {
	switch level {
	case store.ActivityHigh:
		return e.cfg.SleepHighMinutes
	case store.ActivityMedium:
		return e.cfg.SleepMediumMinutes
	default:
		return e.cfg.SleepLowMinutes
	}
}

// proactiveContent builds a short check-in question from recent context.
// Generation failures never abort the cycle; the fallback string is used.
func (e *Engine) proactiveContent(ctx context.Context, userID string) string {
	if e.llm == nil {
		return FallbackCheckIn
	}

	entries, err := e.store.RecentEntries(userID, e.cfg.ProactiveContextSize)
	if err != nil || len(entries) == 0 {
		return FallbackCheckIn
	}
	messages, err := e.store.RecentDeliveredMessages(userID, e.cfg.ProactiveContextSize)
	if err != nil {
		messages = nil
	}

	var b strings.Builder
	b.WriteString("Recent entries from the user:\n")
	for _, entry := range entries {
		fmt.Fprintf(&b, "- %s\n", entry.Content)
	}
	if len(messages) > 0 {
		b.WriteString("Messages we already sent:\n")
		for _, msg := range messages {
			fmt.Fprintf(&b, "- %s\n", msg.Content)
		}
	}
	fmt.Fprintf(&b, "Write one short, warm check-in question (max %d characters) that picks up a thread from the entries. Question only, no preamble.", e.cfg.ProactiveMaxLen)

	text, err := e.llm.CompleteWithSystem(ctx,
		"You write brief personal check-in questions in a warm, natural tone.",
		b.String())
	if err != nil {
		logging.CycleDebug("proactive generation failed for user=%s: %v", userID, err)
		return FallbackCheckIn
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return FallbackCheckIn
	}
	if len(text) > e.cfg.ProactiveMaxLen {
		text = text[:e.cfg.ProactiveMaxLen]
	}
	return text
}

func (e *Engine) queueMessage(userID string, msgType store.MessageType, content string) error {
	msg := &store.Message{
		ID:      uuid.NewString(),
		UserID:  userID,
		Type:    msgType,
		Content: content,
	}
	if err := e.store.InsertMessage(msg); err != nil {
		return fmt.Errorf("failed to queue message: %w", err)
	}
	logging.AuditSuccess(logging.AuditMessageQueued, userID, string(msgType))
	return nil
}

func (e *Engine) persistState(userID string, signals Signals, decision *Decision, now time.Time) error {
	cs := &store.CycleState{
		UserID:        userID,
		ActivityLevel: decision.ActivityLevel,
		SleepMinutes:  decision.SleepMinutes,
		LastCycleAt:   now,
		NextCycleAt:   decision.NextCycleAt,
		LastContactAt: signals.LastContactAt,
		LastAction:    string(decision.Action),
		LastReason:    decision.Reason,
	}
	if err := e.store.UpsertCycleState(cs); err != nil {
		return fmt.Errorf("failed to persist cycle state: %w", err)
	}
	return nil
}
