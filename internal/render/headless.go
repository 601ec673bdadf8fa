package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/trafficsim/viewer/pkg/streaming"
)

// Headless is a Renderer that draws nothing. It validates frames against the
// scene, counts them and logs a summary every summaryEvery frames.
type Headless struct {
	mu           sync.Mutex
	logger       *slog.Logger
	summaryEvery uint64

	frames    uint64
	instances int
	lights    int
}

// NewHeadless creates a headless renderer. summaryEvery of 0 disables the
// periodic summary.
func NewHeadless(logger *slog.Logger, summaryEvery uint64) *Headless {
	return &Headless{logger: logger, summaryEvery: summaryEvery}
}

// CreateSceneResources assigns one handle per mesh in order.
func (h *Headless) CreateSceneResources(_ context.Context, meshes []streaming.MeshDescriptor) (Handles, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	handles := make(Handles, len(meshes))
	for i, m := range meshes {
		if _, dup := handles[m.Key]; dup {
			return nil, fmt.Errorf("duplicate mesh %q", m.Key)
		}
		handles[m.Key] = uint32(i + 1)
	}
	h.logger.Info("Scene resources created", "meshes", len(meshes))
	return handles, nil
}

// RenderFrame checks every instance has a mesh and records the frame.
func (h *Headless) RenderFrame(_ context.Context, handles Handles, frame *Frame) error {
	for _, inst := range frame.Instances {
		if _, ok := handles[inst.Mesh]; !ok {
			return fmt.Errorf("%w: %s (instance %s)", ErrUnknownMesh, inst.Mesh, inst.ID)
		}
	}

	h.mu.Lock()
	h.frames++
	h.instances = len(frame.Instances)
	if frame.Lights != nil {
		h.lights = frame.Lights.Count
	}
	frames, instances, lightCount := h.frames, h.instances, h.lights
	h.mu.Unlock()

	if h.summaryEvery > 0 && frames%h.summaryEvery == 0 {
		h.logger.Info("Frame summary",
			"frame", frame.Number,
			"instances", instances,
			"lights", lightCount,
			"inGrid", frame.Stats.InGrid,
			"reachedDestination", frame.Stats.ReachedDestination)
	}
	return nil
}

// Frames returns the number of frames rendered.
func (h *Headless) Frames() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames
}

// LastInstances returns the instance count of the most recent frame.
func (h *Headless) LastInstances() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instances
}

// Close is a no-op.
func (h *Headless) Close() error {
	return nil
}
