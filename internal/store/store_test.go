package store

import (
	"sync"
	"testing"

	"cogentcore.org/core/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficsim/viewer/pkg/core"
)

func pos(x, y, z float32) *math32.Vector3 {
	v := math32.Vec3(x, y, z)
	return &v
}

func TestNew_EmptyCategories(t *testing.T) {
	s := New()
	require.NotNil(t, s)
	for _, cat := range core.Categories {
		assert.Equal(t, 0, s.Len(cat), cat.String())
		assert.Empty(t, s.All(cat))
	}
}

func TestUpsert_CreatesWithDefaults(t *testing.T) {
	s := New()

	e, created := s.Upsert(core.CategoryAgent, "1", Fields{Position: pos(1, 0.7, 2)})
	require.True(t, created)
	require.NotNil(t, e.Agent)
	assert.Equal(t, math32.Vec3(1, 0.7, 2), e.Position)
	assert.Equal(t, math32.Vec3(1, 0.7, 2), e.Agent.PreviousPosition)
	assert.Equal(t, math32.Vec3(1, 0.7, 2), e.Agent.TargetPosition)
	assert.Equal(t, math32.Vec3(1, 0.7, 2), e.Agent.CurrentPosition)
	assert.Equal(t, math32.Vec3(1, 1, 1), e.Scale)

	light, created := s.Upsert(core.CategoryTrafficLight, "tl_1", Fields{Position: pos(0, 2, 0)})
	require.True(t, created)
	require.NotNil(t, light.Light)
	assert.Equal(t, core.LightStop, light.Light.State)
	assert.Equal(t, math32.Vec3(0.5, 0.5, 0.5), light.Scale)

	dest, _ := s.Upsert(core.CategoryDestination, "d_1", Fields{Position: pos(5, 1, 5)})
	assert.Nil(t, dest.Agent)
	assert.Nil(t, dest.Light)
	assert.Nil(t, dest.Road)
	assert.Nil(t, dest.Building)
}

func TestUpsert_UpdatesOnlyPresentFields(t *testing.T) {
	s := New()
	goState := core.LightGo

	s.Upsert(core.CategoryTrafficLight, "tl_1", Fields{Position: pos(1, 2, 3), State: &goState})

	e, created := s.Upsert(core.CategoryTrafficLight, "tl_1", Fields{Position: pos(4, 2, 3)})
	require.False(t, created)
	assert.Equal(t, math32.Vec3(4, 2, 3), e.Position)
	assert.Equal(t, core.LightGo, e.Light.State, "state must survive an update without state")

	stop := core.LightStop
	e, _ = s.Upsert(core.CategoryTrafficLight, "tl_1", Fields{State: &stop})
	assert.Equal(t, math32.Vec3(4, 2, 3), e.Position, "position must survive an update without position")
	assert.Equal(t, core.LightStop, e.Light.State)
}

func TestUpsert_PreservesRenderDerivedAgentFields(t *testing.T) {
	s := New()
	e, _ := s.Upsert(core.CategoryAgent, "7", Fields{Position: pos(0, 0, 0)})
	e.Agent.CurrentPosition = math32.Vec3(3, 0, 0)
	e.Agent.Heading = 1.25
	e.Agent.AtDestination = true

	e, _ = s.Upsert(core.CategoryAgent, "7", Fields{Position: pos(9, 0, 0)})
	assert.Equal(t, math32.Vec3(3, 0, 0), e.Agent.CurrentPosition)
	assert.Equal(t, float32(1.25), e.Agent.Heading)
	assert.True(t, e.Agent.AtDestination)
}

func TestUpsert_BuildingModelIndex(t *testing.T) {
	s := New()
	b, _ := s.Upsert(core.CategoryBuilding, "b_1", Fields{Position: pos(0, 1, 0), ModelIndex: 2})
	assert.Equal(t, 2, b.Building.ModelIndex)

	b, _ = s.Upsert(core.CategoryBuilding, "b_1", Fields{ModelIndex: 1})
	assert.Equal(t, 2, b.Building.ModelIndex, "model index is fixed at creation")

	other, _ := s.Upsert(core.CategoryBuilding, "b_2", Fields{ModelIndex: 9})
	assert.Equal(t, 1, other.Building.ModelIndex, "out of range index falls back to the default")
}

func TestUpsert_RoadDirection(t *testing.T) {
	s := New()
	dir := [2]int{0, -1}
	r, _ := s.Upsert(core.CategoryRoad, "r_1", Fields{Position: pos(0, 0.6, 0), Direction: &dir})
	assert.Equal(t, [2]int{0, -1}, r.Road.Direction)
	assert.False(t, r.Road.Horizontal())
}

func TestAll_InsertionOrder(t *testing.T) {
	s := New()
	for _, id := range []core.ID{"c", "a", "b"} {
		s.Upsert(core.CategoryBuilding, id, Fields{})
	}
	s.Upsert(core.CategoryBuilding, "a", Fields{Position: pos(1, 1, 1)})

	all := s.All(core.CategoryBuilding)
	require.Len(t, all, 3)
	assert.Equal(t, core.ID("c"), all[0].ID)
	assert.Equal(t, core.ID("a"), all[1].ID)
	assert.Equal(t, core.ID("b"), all[2].ID)
}

func TestGet(t *testing.T) {
	s := New()
	s.Upsert(core.CategoryRoad, "r_1", Fields{})

	_, ok := s.Get(core.CategoryRoad, "r_1")
	assert.True(t, ok)
	_, ok = s.Get(core.CategoryRoad, "r_2")
	assert.False(t, ok)
	_, ok = s.Get(core.CategoryAgent, "r_1")
	assert.False(t, ok, "ids are scoped to their category")
}

func TestCounts(t *testing.T) {
	s := New()
	s.Upsert(core.CategoryAgent, "1", Fields{})
	s.Upsert(core.CategoryAgent, "2", Fields{})
	s.Upsert(core.CategoryDestination, "d", Fields{})

	counts := s.Counts()
	assert.Equal(t, 2, counts[core.CategoryAgent])
	assert.Equal(t, 1, counts[core.CategoryDestination])
	assert.Equal(t, 0, counts[core.CategoryRoad])
}

func TestConcurrentReadersDuringUpserts(t *testing.T) {
	s := New()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.Upsert(core.CategoryBuilding, core.ID(rune('a'+i%26)), Fields{})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = s.Counts()
				_ = s.Len(core.CategoryBuilding)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 26, s.Len(core.CategoryBuilding))
}
