package store

import (
	"sync"

	"cogentcore.org/core/math32"

	"github.com/trafficsim/viewer/pkg/core"
)

// Fields are the values carried by one incoming record. Nil pointers are
// left untouched on an existing entity.
type Fields struct {
	Position  *math32.Vector3
	State     *core.LightState
	Direction *[2]int

	// ModelIndex applies only when a building is created.
	ModelIndex int
}

// FieldsFromRecord maps a parsed record onto store fields.
func FieldsFromRecord(rec core.Record) Fields {
	pos := rec.Position
	return Fields{
		Position:  &pos,
		State:     rec.State,
		Direction: rec.Direction,
	}
}

type bucket struct {
	index    map[core.ID]int
	entities []*core.Entity
}

func newBucket() *bucket {
	return &bucket{index: make(map[core.ID]int)}
}

// EntityStore maps stable ids to entities, per category, in insertion order.
// Entities are never removed once created.
//
// The lock guards the maps only. Entity fields are written by the frame loop
// alone, so callers on other goroutines should stick to Len and Counts.
type EntityStore struct {
	mu      sync.RWMutex
	buckets map[core.Category]*bucket
}

// New creates an empty store.
func New() *EntityStore {
	s := &EntityStore{buckets: make(map[core.Category]*bucket, len(core.Categories))}
	for _, cat := range core.Categories {
		s.buckets[cat] = newBucket()
	}
	return s
}

// Upsert creates the entity on first sight, otherwise writes only the fields
// present. Render-derived agent fields are never touched here.
// The boolean reports whether the entity was created.
func (s *EntityStore) Upsert(cat core.Category, id core.ID, f Fields) (*core.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucketLocked(cat)
	if i, ok := b.index[id]; ok {
		e := b.entities[i]
		apply(e, f)
		return e, false
	}

	var pos math32.Vector3
	if f.Position != nil {
		pos = *f.Position
	}
	e := core.NewEntity(cat, id, pos)
	apply(e, f)
	if e.Building != nil && (f.ModelIndex == 1 || f.ModelIndex == 2) {
		e.Building.ModelIndex = f.ModelIndex
	}

	b.index[id] = len(b.entities)
	b.entities = append(b.entities, e)
	return e, true
}

func apply(e *core.Entity, f Fields) {
	if f.Position != nil {
		e.Position = *f.Position
	}
	if f.State != nil && e.Light != nil {
		e.Light.State = *f.State
	}
	if f.Direction != nil && e.Road != nil {
		e.Road.Direction = *f.Direction
	}
}

// Get returns the entity with the given id.
func (s *EntityStore) Get(cat core.Category, id core.ID) (*core.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[cat]
	if !ok {
		return nil, false
	}
	i, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return b.entities[i], true
}

// All returns the entities of a category in insertion order.
// The slice is a copy; the entities are shared.
func (s *EntityStore) All(cat core.Category) []*core.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[cat]
	if !ok {
		return nil
	}
	out := make([]*core.Entity, len(b.entities))
	copy(out, b.entities)
	return out
}

// Len returns the number of entities in a category.
func (s *EntityStore) Len(cat core.Category) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.buckets[cat]; ok {
		return len(b.entities)
	}
	return 0
}

// Counts returns the entity count of every category.
func (s *EntityStore) Counts() map[core.Category]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[core.Category]int, len(s.buckets))
	for cat, b := range s.buckets {
		out[cat] = len(b.entities)
	}
	return out
}

func (s *EntityStore) bucketLocked(cat core.Category) *bucket {
	b, ok := s.buckets[cat]
	if !ok {
		b = newBucket()
		s.buckets[cat] = b
	}
	return b
}
