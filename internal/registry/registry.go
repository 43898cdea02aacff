// Package registry owns the in-memory state of the running service: one
// graph and engine per family, loaded on first use, and one add-relative
// workflow per editing session.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/kinship/internal/metrics"
	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/tree"
	"github.com/dukerupert/kinship/internal/workflow"
)

// People loads family snapshots and persists engine deltas.
type People interface {
	Snapshot(ctx context.Context, familyID int64) ([]model.Person, error)
	ForFamily(familyID int64) tree.Persister
}

// EventsFunc builds the event sink for one session's workflow.
type EventsFunc func(familyID int64, session string) workflow.EventFunc

type Option func(*Registry)

func WithUploader(u workflow.Uploader) Option {
	return func(r *Registry) { r.uploader = u }
}

func WithEvents(f EventsFunc) Option {
	return func(r *Registry) { r.events = f }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type family struct {
	mu       sync.Mutex
	engine   *tree.Engine
	repaired []tree.Violation
}

type sessionKey struct {
	familyID int64
	session  string
	canEdit  bool
}

type session struct {
	wf       *workflow.Workflow
	lastUsed time.Time
}

type Registry struct {
	people   People
	uploader workflow.Uploader
	events   EventsFunc
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	families map[int64]*family
	sessions map[sessionKey]*session
}

func New(people People, opts ...Option) *Registry {
	r := &Registry{
		people:   people,
		logger:   slog.Default(),
		now:      time.Now,
		families: make(map[int64]*family),
		sessions: make(map[sessionKey]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) family(familyID int64) *family {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[familyID]
	if !ok {
		f = &family{}
		r.families[familyID] = f
	}
	return f
}

// Engine returns the engine for familyID, loading its snapshot on first
// use. A failed load is retried on the next call.
func (r *Registry) Engine(ctx context.Context, familyID int64) (*tree.Engine, error) {
	f := r.family(familyID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.engine != nil {
		return f.engine, nil
	}

	people, err := r.people.Snapshot(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("load family %d: %w", familyID, err)
	}
	logger := r.logger.With("family_id", familyID)
	g, violations := tree.Load(people, logger)
	for _, v := range violations {
		r.metrics.Violation(string(v.Rule))
	}
	f.engine = tree.NewEngine(g,
		tree.WithPersister(r.people.ForFamily(familyID)),
		tree.WithMetrics(r.metrics),
		tree.WithLogger(logger),
	)
	f.repaired = violations
	logger.Info("family graph loaded", "people", g.Len(), "repaired", len(violations))
	return f.engine, nil
}

// Graph implements linkage.Graphs.
func (r *Registry) Graph(ctx context.Context, familyID int64) (*tree.Graph, error) {
	e, err := r.Engine(ctx, familyID)
	if err != nil {
		return nil, err
	}
	return e.Graph(), nil
}

// Repaired returns the violations dropped when familyID was loaded.
func (r *Registry) Repaired(ctx context.Context, familyID int64) ([]tree.Violation, error) {
	if _, err := r.Engine(ctx, familyID); err != nil {
		return nil, err
	}
	f := r.family(familyID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tree.Violation(nil), f.repaired...), nil
}

// Invalidate drops the cached graph of familyID and cancels its workflows.
// The next call reloads the family from storage.
func (r *Registry) Invalidate(familyID int64) {
	f := r.family(familyID)
	f.mu.Lock()
	f.engine = nil
	f.repaired = nil
	f.mu.Unlock()

	var stale []*workflow.Workflow
	r.mu.Lock()
	for key, s := range r.sessions {
		if key.familyID == familyID {
			stale = append(stale, s.wf)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for _, wf := range stale {
		wf.Cancel()
	}
	r.logger.Warn("family graph invalidated", "family_id", familyID, "workflows", len(stale))
}

// Workflow returns the workflow for one editing session, creating it on
// first use. Capabilities are part of the key so a role change gets a
// fresh workflow.
func (r *Registry) Workflow(ctx context.Context, familyID int64, sessionID string, canEdit bool) (*workflow.Workflow, error) {
	engine, err := r.Engine(ctx, familyID)
	if err != nil {
		return nil, err
	}

	key := sessionKey{familyID: familyID, session: sessionID, canEdit: canEdit}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		s.lastUsed = r.now()
		return s.wf, nil
	}

	opts := []workflow.Option{
		workflow.WithMetrics(r.metrics),
		workflow.WithLogger(r.logger.With("family_id", familyID, "session", sessionID)),
	}
	if r.uploader != nil {
		opts = append(opts, workflow.WithUploader(r.uploader))
	}
	if r.events != nil {
		opts = append(opts, workflow.WithEvents(r.events(familyID, sessionID)))
	}
	wf := workflow.New(engine, workflow.Capabilities{CanEdit: canEdit}, opts...)
	r.sessions[key] = &session{wf: wf, lastUsed: r.now()}
	return wf, nil
}

// Sweep cancels and drops workflows idle for longer than maxIdle. It
// returns the number removed.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)
	var stale []*workflow.Workflow

	r.mu.Lock()
	for key, s := range r.sessions {
		if s.lastUsed.Before(cutoff) {
			stale = append(stale, s.wf)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for _, wf := range stale {
		wf.Cancel()
	}
	return len(stale)
}
