// Package render turns the mirrored entity state into draw-ready frames and
// hands them to a Renderer.
package render

import (
	"context"
	"errors"
	"time"

	"cogentcore.org/core/math32"

	"github.com/trafficsim/viewer/internal/lights"
	"github.com/trafficsim/viewer/internal/store"
	"github.com/trafficsim/viewer/pkg/core"
	"github.com/trafficsim/viewer/pkg/streaming"
)

// ErrUnknownMesh is returned when a frame references a mesh that was never
// created.
var ErrUnknownMesh = errors.New("unknown mesh")

// Mesh keys.
const (
	MeshCar          = "car"
	MeshTrafficLight = "traffic_light"
	MeshBuilding1    = "building_1"
	MeshBuilding2    = "building_2"
	MeshRoad         = "road"
	MeshDestination  = "destination"
)

// Handles maps mesh keys to renderer-side resource handles.
type Handles map[string]uint32

// Renderer is the graphics collaborator. Scene resources are created once;
// frames are drawn many times against them.
type Renderer interface {
	CreateSceneResources(ctx context.Context, meshes []streaming.MeshDescriptor) (Handles, error)
	RenderFrame(ctx context.Context, handles Handles, frame *Frame) error
	Close() error
}

// Meshes holds model file paths per visual.
type Meshes struct {
	Car          string
	TrafficLight string
	Building1    string
	Building2    string
	Road         string
	Destination  string
}

// DefaultMeshes returns the model files shipped with the browser page.
func DefaultMeshes() Meshes {
	return Meshes{
		Car:          "./Figures/coche.obj",
		TrafficLight: "./Figures/Semaforo.obj",
		Building1:    "./Figures/Building.obj",
		Building2:    "./Figures/Building2.obj",
		Road:         "./Figures/Road.obj",
		Destination:  "./Figures/Road.obj", // tinted road tile, there is no dedicated model
	}
}

// MeshDescriptors lists every mesh a scene needs. The car model is authored
// at a much larger unit scale than the rest.
func MeshDescriptors(m Meshes) []streaming.MeshDescriptor {
	return []streaming.MeshDescriptor{
		{Key: MeshCar, Category: core.CategoryAgent.String(), Path: m.Car, Color: [4]float32{1, 0.5, 0, 1}, Scale: 0.01},
		{Key: MeshTrafficLight, Category: core.CategoryTrafficLight.String(), Path: m.TrafficLight, Color: [4]float32{1, 0, 0.5, 1}, Scale: 0.5},
		{Key: MeshBuilding1, Category: core.CategoryBuilding.String(), Path: m.Building1, Color: [4]float32{0, 0.5, 0.5, 1}, Scale: 0.5, Variant: 1},
		{Key: MeshBuilding2, Category: core.CategoryBuilding.String(), Path: m.Building2, Color: [4]float32{0, 0.5, 0.5, 1}, Scale: 0.5, Variant: 2},
		{Key: MeshRoad, Category: core.CategoryRoad.String(), Path: m.Road, Color: [4]float32{1, 1, 1, 1}, Scale: 0.5},
		{Key: MeshDestination, Category: core.CategoryDestination.String(), Path: m.Destination, Color: [4]float32{0.2, 0.4, 1, 1}, Scale: 0.5},
	}
}

// DefaultCameraOffset is added to the grid centre to place the camera.
var DefaultCameraOffset = math32.Vec3(0, 9, 9)

// NewCamera looks at the centre of a width by height grid from offset above
// and behind it.
func NewCamera(offset math32.Vector3, width, height int) streaming.Camera {
	cx, cz := float32(width)/2, float32(height)/2
	return streaming.Camera{
		Position: [3]float32{offset.X + cx, offset.Y, offset.Z + cz},
		Target:   [3]float32{cx, 0, cz},
	}
}

// Frame is one draw call's worth of state.
type Frame struct {
	Number    uint64
	Time      time.Time
	Camera    streaming.Camera
	Instances []streaming.Instance
	Lights    *lights.Uniforms
	Stats     core.Stats
}

// Payload converts the frame to its wire form. Light slices are shared with
// the packer, so the payload must be encoded before the next frame.
func (f *Frame) Payload() streaming.FramePayload {
	p := streaming.FramePayload{
		Frame:     f.Number,
		Time:      f.Time,
		Camera:    f.Camera,
		Instances: f.Instances,
		Stats:     f.Stats,
	}
	if f.Lights != nil {
		n := f.Lights.Count
		p.Lights = streaming.LightUniforms{
			Count:      n,
			Positions:  f.Lights.Positions[:3*n],
			Colors:     f.Lights.Colors[:4*n],
			Directions: f.Lights.Directions[:3*n],
			Cutoffs:    f.Lights.Cutoffs[:n],
		}
	}
	return p
}

// BuildInstances refills f.Instances from the store in category order.
// Agents at their destination are not drawn.
func BuildInstances(f *Frame, s *store.EntityStore) {
	f.Instances = f.Instances[:0]
	for _, cat := range core.Categories {
		for _, e := range s.All(cat) {
			if inst, ok := instanceOf(e); ok {
				f.Instances = append(f.Instances, inst)
			}
		}
	}
}

// MeshFor returns the mesh key used to draw e.
func MeshFor(e *core.Entity) string {
	switch e.Category {
	case core.CategoryAgent:
		return MeshCar
	case core.CategoryTrafficLight:
		return MeshTrafficLight
	case core.CategoryBuilding:
		if e.Building != nil && e.Building.ModelIndex == 2 {
			return MeshBuilding2
		}
		return MeshBuilding1
	case core.CategoryRoad:
		return MeshRoad
	default:
		return MeshDestination
	}
}

func instanceOf(e *core.Entity) (streaming.Instance, bool) {
	inst := streaming.Instance{
		ID:       string(e.ID),
		Mesh:     MeshFor(e),
		Position: vec(e.Position),
		Rotation: vec(e.Rotation),
		Scale:    vec(e.Scale),
	}
	switch {
	case e.Agent != nil:
		if e.Agent.AtDestination {
			return inst, false
		}
		inst.Position = vec(e.Agent.CurrentPosition)
		inst.Rotation[1] = e.Agent.Heading
	case e.Light != nil:
		c := lights.StateColor(e.Light.State)
		inst.Color = &c
	}
	return inst, true
}

func vec(v math32.Vector3) [3]float32 {
	return [3]float32{v.X, v.Y, v.Z}
}
