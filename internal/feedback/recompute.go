package feedback

import (
	"sync"

	"twinloop/internal/document"
	"twinloop/internal/logging"
	"twinloop/internal/maturity"
)

// Recomputer is the small internal queue behind the verdict cascade. A
// committed verdict schedules the user; Run performs the gap recompute and
// then the maturity recompute. A user whose recompute fails stays scheduled,
// so the cascade is retryable without re-issuing the verdict.
type Recomputer struct {
	docs   *document.Manager
	scorer *maturity.Scorer

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewRecomputer creates a recompute queue.
func NewRecomputer(docs *document.Manager, scorer *maturity.Scorer) *Recomputer {
	return &Recomputer{
		docs:    docs,
		scorer:  scorer,
		pending: make(map[string]struct{}),
	}
}

// Schedule marks a user for recompute. Idempotent.
func (r *Recomputer) Schedule(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[userID] = struct{}{}
}

// Pending returns the number of users awaiting recompute.
func (r *Recomputer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run processes every scheduled user: gap recompute first, then maturity.
// Failed users remain scheduled for the next Run. Returns the number of
// users fully recomputed.
func (r *Recomputer) Run() int {
	r.mu.Lock()
	users := make([]string, 0, len(r.pending))
	for userID := range r.pending {
		users = append(users, userID)
	}
	r.mu.Unlock()

	done := 0
	for _, userID := range users {
		if _, err := r.docs.RecomputeGaps(userID); err != nil {
			logging.Feedback("gap recompute failed for user=%s, will retry: %v", userID, err)
			continue
		}
		if _, err := r.scorer.Recompute(userID); err != nil {
			logging.Feedback("maturity recompute failed for user=%s, will retry: %v", userID, err)
			continue
		}
		r.mu.Lock()
		delete(r.pending, userID)
		r.mu.Unlock()
		done++
	}
	return done
}
