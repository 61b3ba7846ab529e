// Package flow is the Step Registry: it serves immutable snapshots of the active flow
// definition, loads definitions from YAML and expands message placeholders.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/store"
)

// DefaultRefreshInterval bounds how stale a cached active flow may be.
const DefaultRefreshInterval = 5 * time.Second

// Opts holds configuration options for the Registry.
type Opts struct {
	RefreshInterval time.Duration
}

// Option defines a configuration option for the Registry.
type Option func(*Opts)

// WithRefreshInterval overrides how long an active flow snapshot is reused.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *Opts) { o.RefreshInterval = d }
}

// Registry hands out versioned snapshots of the active flow. Each orchestration
// call receives its own copy, so a concurrent publish or rename never changes a
// flow in the middle of a turn.
type Registry struct {
	repo    store.FlowRepo
	refresh time.Duration

	mu       sync.RWMutex
	cached   *models.Flow
	loadedAt time.Time
	now      func() time.Time
}

// NewRegistry creates a Registry backed by repo.
func NewRegistry(repo store.FlowRepo, opts ...Option) *Registry {
	cfg := Opts{RefreshInterval: DefaultRefreshInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{repo: repo, refresh: cfg.RefreshInterval, now: time.Now}
}

// Active returns a private snapshot of the active flow, or ErrNoActiveFlow.
func (r *Registry) Active(ctx context.Context) (*models.Flow, error) {
	r.mu.RLock()
	if r.cached != nil && r.now().Sub(r.loadedAt) < r.refresh {
		f := r.cached.Clone()
		r.mu.RUnlock()
		return f, nil
	}
	r.mu.RUnlock()

	f, err := r.repo.GetActiveFlow(ctx)
	if err != nil {
		return nil, &models.PersistenceError{Op: "load active flow", Err: err}
	}
	if f == nil {
		return nil, models.ErrNoActiveFlow
	}

	r.mu.Lock()
	if r.cached == nil || r.cached.ID != f.ID || r.cached.Version != f.Version {
		slog.Info("Registry.Active: loaded flow", "flowID", f.ID, "version", f.Version, "steps", len(f.Steps))
		if dangling := f.DanglingTransitions(); len(dangling) > 0 {
			slog.Warn("Registry.Active: flow has unresolved transitions", "flowID", f.ID, "edges", dangling)
		}
	}
	r.cached = f
	r.loadedAt = r.now()
	r.mu.Unlock()
	return f.Clone(), nil
}

// Invalidate drops the cached snapshot so the next Active call reloads.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// Publish stores f as the active flow and returns its new version.
func (r *Registry) Publish(ctx context.Context, f *models.Flow) (int, error) {
	f.Active = true
	version, err := r.repo.SaveFlow(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("publish flow %s: %w", f.ID, err)
	}
	r.Invalidate()
	return version, nil
}

// RenameStep renames a step in flowID and cascades the new id to every edge and
// conversation in a single store transaction.
func (r *Registry) RenameStep(ctx context.Context, flowID, oldID, newID string) error {
	if err := r.repo.RenameStep(ctx, flowID, oldID, newID); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}
