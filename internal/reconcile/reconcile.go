// Package reconcile merges fetched snapshots into the entity store.
package reconcile

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"cogentcore.org/core/math32"

	"github.com/trafficsim/viewer/internal/store"
	"github.com/trafficsim/viewer/pkg/core"
)

// Snapshot is one category's records as returned by a single request.
// Seq is assigned when the request was issued and only grows.
type Snapshot struct {
	Category core.Category
	Seq      uint64
	Records  []core.Record
}

// Outcome summarizes one Apply call.
type Outcome struct {
	Created int
	Updated int
	Stale   bool
}

// StaleObserver is told about every discarded snapshot.
type StaleObserver interface {
	ObserveStale(cat core.Category)
}

// Engine applies snapshots to the store. It must only be called from the
// goroutine that renders frames.
type Engine struct {
	store    *store.EntityStore
	interval time.Duration
	pick     func() int
	observer StaleObserver
	logger   *slog.Logger

	lastSeq map[core.Category]uint64
	applied map[core.Category]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithModelPicker replaces the random building variant source. The function
// must return 1 or 2.
func WithModelPicker(pick func() int) Option {
	return func(e *Engine) {
		e.pick = pick
	}
}

// WithStaleObserver reports discarded snapshots.
func WithStaleObserver(o StaleObserver) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine writing to s. interval is stamped on every agent as
// its interpolation window.
func New(s *store.EntityStore, interval time.Duration, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		interval: interval,
		pick:     func() int { return 1 + rand.IntN(2) },
		logger:   slog.Default(),
		lastSeq:  make(map[core.Category]uint64),
		applied:  make(map[core.Category]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LastSeq returns the sequence of the newest snapshot applied for cat.
func (e *Engine) LastSeq(cat core.Category) (uint64, bool) {
	return e.lastSeq[cat], e.applied[cat]
}

// Apply merges snap into the store at time now. Snapshots older than the
// last applied one for the same category are discarded untouched.
func (e *Engine) Apply(now time.Time, snap Snapshot) Outcome {
	if e.applied[snap.Category] && snap.Seq < e.lastSeq[snap.Category] {
		e.logger.Debug("Discarding stale snapshot",
			"category", snap.Category.String(),
			"seq", snap.Seq,
			"lastApplied", e.lastSeq[snap.Category])
		if e.observer != nil {
			e.observer.ObserveStale(snap.Category)
		}
		return Outcome{Stale: true}
	}
	e.lastSeq[snap.Category] = snap.Seq
	e.applied[snap.Category] = true

	var out Outcome
	for _, rec := range snap.Records {
		var created bool
		switch snap.Category {
		case core.CategoryAgent:
			created = e.applyAgent(now, rec)
		case core.CategoryTrafficLight:
			_, created = e.store.Upsert(snap.Category, rec.ID, store.FieldsFromRecord(rec))
		default:
			created = e.applyStatic(snap.Category, rec)
		}
		if created {
			out.Created++
		} else {
			out.Updated++
		}
	}
	return out
}

func (e *Engine) applyAgent(now time.Time, rec core.Record) bool {
	target := rec.Position
	ent, created := e.store.Upsert(core.CategoryAgent, rec.ID, store.Fields{Position: &target})
	a := ent.Agent
	if !created {
		// Start from where the agent was last drawn, not from the old target.
		a.PreviousPosition = a.CurrentPosition
		a.TargetPosition = target
	}
	a.LastUpdate = now
	a.UpdateInterval = e.interval
	return created
}

// applyStatic creates buildings, roads and destinations once. Later
// snapshots of a known id leave the entity as it is.
func (e *Engine) applyStatic(cat core.Category, rec core.Record) bool {
	if _, ok := e.store.Get(cat, rec.ID); ok {
		return false
	}
	f := store.FieldsFromRecord(rec)
	if cat == core.CategoryBuilding {
		f.ModelIndex = e.pick()
	}
	if cat == core.CategoryRoad {
		ent, created := e.store.Upsert(cat, rec.ID, f)
		if ent.Road.Horizontal() {
			ent.Rotation.Y = 0
		} else {
			ent.Rotation.Y = math32.Pi / 2
		}
		return created
	}
	_, created := e.store.Upsert(cat, rec.ID, f)
	return created
}
