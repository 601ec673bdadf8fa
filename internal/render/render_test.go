package render

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"cogentcore.org/core/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficsim/viewer/internal/lights"
	"github.com/trafficsim/viewer/internal/store"
	"github.com/trafficsim/viewer/pkg/core"
)

func ptr[T any](v T) *T { return &v }

func populatedStore(t *testing.T) *store.EntityStore {
	t.Helper()
	s := store.New()

	moving, _ := s.Upsert(core.CategoryAgent, "1", store.Fields{Position: ptr(math32.Vec3(0, 0.7, 0))})
	moving.Agent.CurrentPosition = math32.Vec3(2, 0.7, 3)
	moving.Agent.Heading = 1.5

	parked, _ := s.Upsert(core.CategoryAgent, "2", store.Fields{Position: ptr(math32.Vec3(5, 0.7, 5))})
	parked.Agent.AtDestination = true

	s.Upsert(core.CategoryTrafficLight, "tl_1", store.Fields{Position: ptr(math32.Vec3(1, 2, 1)), State: ptr(core.LightGo)})
	s.Upsert(core.CategoryBuilding, "b_1", store.Fields{Position: ptr(math32.Vec3(4, 1, 4)), ModelIndex: 2})
	s.Upsert(core.CategoryRoad, "r_1", store.Fields{Position: ptr(math32.Vec3(0, 0.6, 0)), Direction: ptr([2]int{1, 0})})
	s.Upsert(core.CategoryDestination, "d_1", store.Fields{Position: ptr(math32.Vec3(5, 1, 5))})
	return s
}

func TestNewCamera(t *testing.T) {
	cam := NewCamera(DefaultCameraOffset, 10, 20)
	assert.Equal(t, [3]float32{5, 9, 19}, cam.Position)
	assert.Equal(t, [3]float32{5, 0, 10}, cam.Target)
}

func TestBuildInstances(t *testing.T) {
	f := &Frame{}
	BuildInstances(f, populatedStore(t))

	require.Len(t, f.Instances, 5, "parked agent is not drawn")

	car := f.Instances[0]
	assert.Equal(t, "1", car.ID)
	assert.Equal(t, MeshCar, car.Mesh)
	assert.Equal(t, [3]float32{2, 0.7, 3}, car.Position, "agents are drawn at their interpolated position")
	assert.Equal(t, float32(1.5), car.Rotation[1])
	assert.Equal(t, [3]float32{1, 1, 1}, car.Scale)

	light := f.Instances[1]
	assert.Equal(t, MeshTrafficLight, light.Mesh)
	require.NotNil(t, light.Color)
	assert.Equal(t, lights.ColorGo, *light.Color)

	assert.Equal(t, MeshBuilding2, f.Instances[2].Mesh)
	assert.Equal(t, MeshRoad, f.Instances[3].Mesh)
	assert.Equal(t, MeshDestination, f.Instances[4].Mesh)
	assert.Nil(t, f.Instances[4].Color)
}

func TestBuildInstances_ReusesSlice(t *testing.T) {
	s := populatedStore(t)
	f := &Frame{}
	BuildInstances(f, s)
	first := len(f.Instances)
	BuildInstances(f, s)
	assert.Len(t, f.Instances, first)
}

func TestMeshDescriptorsCoverEveryMesh(t *testing.T) {
	descs := MeshDescriptors(DefaultMeshes())
	keys := map[string]bool{}
	for _, d := range descs {
		keys[d.Key] = true
	}
	for _, k := range []string{MeshCar, MeshTrafficLight, MeshBuilding1, MeshBuilding2, MeshRoad, MeshDestination} {
		assert.True(t, keys[k], k)
	}
	for _, d := range descs {
		assert.NotEmpty(t, d.Path, "mesh %s has no model file", d.Key)
	}
}

func TestFramePayload_TrimsLightsToCount(t *testing.T) {
	p := lights.New(4)
	s := populatedStore(t)
	p.Pack(s.All(core.CategoryTrafficLight))

	f := &Frame{Number: 3, Time: time.Unix(10, 0), Lights: p.Uniforms()}
	payload := f.Payload()

	assert.Equal(t, uint64(3), payload.Frame)
	assert.Equal(t, 1, payload.Lights.Count)
	assert.Len(t, payload.Lights.Positions, 3)
	assert.Len(t, payload.Lights.Colors, 4)
	assert.Len(t, payload.Lights.Cutoffs, 1)

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"count":1`)
}

func TestHeadless(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := NewHeadless(logger, 2)

	handles, err := h.CreateSceneResources(context.Background(), MeshDescriptors(DefaultMeshes()))
	require.NoError(t, err)
	assert.Len(t, handles, 6)

	f := &Frame{}
	BuildInstances(f, populatedStore(t))
	for i := 1; i <= 4; i++ {
		f.Number = uint64(i)
		require.NoError(t, h.RenderFrame(context.Background(), handles, f))
	}

	assert.Equal(t, uint64(4), h.Frames())
	assert.Equal(t, 5, h.LastInstances())
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("Frame summary")))
	assert.NoError(t, h.Close())
}

func TestHeadless_UnknownMesh(t *testing.T) {
	h := NewHeadless(slog.Default(), 0)
	handles, err := h.CreateSceneResources(context.Background(), MeshDescriptors(DefaultMeshes())[:1])
	require.NoError(t, err)

	f := &Frame{}
	BuildInstances(f, populatedStore(t))
	err = h.RenderFrame(context.Background(), handles, f)
	assert.ErrorIs(t, err, ErrUnknownMesh)
}

func TestHeadless_DuplicateMesh(t *testing.T) {
	h := NewHeadless(slog.Default(), 0)
	descs := MeshDescriptors(DefaultMeshes())
	_, err := h.CreateSceneResources(context.Background(), append(descs, descs[0]))
	assert.Error(t, err)
}
