// Package loop runs one full pass of the self-improvement loop across all
// users: per user it runs the cycle decision, the gap refresh, and the
// training orchestrator concurrently, tolerating per-user failure.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	"twinloop/internal/config"
	"twinloop/internal/cycle"
	"twinloop/internal/document"
	"twinloop/internal/logging"
	"twinloop/internal/store"
	"twinloop/internal/training"
)

// UserResult is the outcome of one user's pass.
type UserResult struct {
	UserID  string `json:"user_id"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Summary aggregates one full pass.
type Summary struct {
	Users     int          `json:"users"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Elapsed   string       `json:"elapsed"`
	Results   []UserResult `json:"results,omitempty"`
}

// Runner fans the loop out across users.
type Runner struct {
	store    *store.Store
	cycle    *cycle.Engine
	docs     *document.Manager
	training *training.Orchestrator

	cfgMu sync.RWMutex
	cfg   config.LoopConfig

	// userLocks excludes overlapping passes for the same user within this
	// process; the store-side conditional claim covers the rest.
	userLocks sync.Map
}

// NewRunner creates a loop runner.
func NewRunner(st *store.Store, cycleEngine *cycle.Engine, docs *document.Manager, orch *training.Orchestrator, cfg config.LoopConfig) *Runner {
	return &Runner{
		store:    st,
		cycle:    cycleEngine,
		docs:     docs,
		training: orch,
		cfg:      cfg,
	}
}

// UpdateConfig swaps the loop configuration; the next pass picks it up.
func (r *Runner) UpdateConfig(cfg config.LoopConfig) {
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
}

func (r *Runner) config() config.LoopConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// RunOnce processes up to MaxUsers users with bounded concurrency. Per-user
// failures never abort the batch.
func (r *Runner) RunOnce(ctx context.Context) (*Summary, error) {
	start := time.Now()
	cfg := r.config()
	userIDs, err := r.store.ListUserIDs(cfg.MaxUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	perUserTimeout := config.ParseTimeout(cfg.PerUserTimeout, 5*time.Minute)

	var mu sync.Mutex
	summary := &Summary{Users: len(userIDs)}

	p := pool.New().WithMaxGoroutines(cfg.MaxConcurrent)
	for _, userID := range userIDs {
		userID := userID
		p.Go(func() {
			result := r.runUser(ctx, userID, perUserTimeout)
			mu.Lock()
			defer mu.Unlock()
			summary.Results = append(summary.Results, result)
			switch {
			case result.Skipped:
				summary.Skipped++
			case result.Error != "":
				summary.Failed++
			default:
				summary.Succeeded++
			}
		})
	}
	p.Wait()

	summary.Elapsed = time.Since(start).String()
	logging.Loop("pass done users=%d ok=%d failed=%d skipped=%d elapsed=%s",
		summary.Users, summary.Succeeded, summary.Failed, summary.Skipped, summary.Elapsed)
	logging.AuditSuccess(logging.AuditLoopPass, "",
		fmt.Sprintf("users=%d ok=%d failed=%d", summary.Users, summary.Succeeded, summary.Failed))
	return summary, nil
}

const (
	minPassSleep = 30 * time.Second
	maxPassSleep = 30 * time.Minute
)

// Run loops RunOnce until the context is cancelled, sleeping until the
// earliest scheduled next cycle between passes. Pass failures are logged and
// the loop keeps going.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			logging.Loop("pass failed: %v", err)
		}

		sleep := r.nextSleep()
		logging.Loop("sleeping %s until next pass", sleep)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// nextSleep picks the wait before the next pass from the soonest scheduled
// cycle, clamped to [minPassSleep, maxPassSleep].
func (r *Runner) nextSleep() time.Duration {
	next, err := r.store.EarliestNextCycle()
	if err != nil || next == nil {
		return minPassSleep
	}
	sleep := time.Until(*next)
	if sleep < minPassSleep {
		return minPassSleep
	}
	if sleep > maxPassSleep {
		return maxPassSleep
	}
	return sleep
}

// runUser runs the sibling operations for one user concurrently and
// aggregates their failures.
func (r *Runner) runUser(ctx context.Context, userID string, timeout time.Duration) UserResult {
	lockAny, _ := r.userLocks.LoadOrStore(userID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	if !lock.TryLock() {
		logging.Loop("user=%s already being processed, skipping", userID)
		return UserResult{UserID: userID, Skipped: true}
	}
	defer lock.Unlock()

	userCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(userCtx)
	g.Go(func() error {
		if _, err := r.cycle.Decide(gctx, userID); err != nil {
			return fmt.Errorf("cycle: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := r.docs.RecomputeGaps(userID); err != nil {
			return fmt.Errorf("gaps: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := r.training.RunPass(gctx, userID); err != nil {
			return fmt.Errorf("training: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logging.Loop("user=%s pass failed: %v", userID, err)
		return UserResult{UserID: userID, Error: err.Error()}
	}
	return UserResult{UserID: userID}
}
