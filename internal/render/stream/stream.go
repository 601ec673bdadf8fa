// Package stream is a Renderer that forwards scenes and frames to a browser
// page over WebSocket. The page owns all GPU work.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/trafficsim/viewer/internal/render"
	"github.com/trafficsim/viewer/pkg/streaming"
)

// Config holds render stream configuration.
type Config struct {
	URL   string
	Token string
}

// Renderer streams frames to a remote page.
type Renderer struct {
	conn *connection
	cfg  Config
}

// New creates a stream renderer. Call Connect before use.
func New(cfg Config, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		conn: newConnection(logger),
		cfg:  cfg,
	}
}

// Connect dials the page.
func (r *Renderer) Connect() error {
	return r.conn.dial(r.cfg.URL, r.cfg.Token)
}

// Close disconnects from the page.
func (r *Renderer) Close() error {
	return r.conn.close()
}

// Dropped returns the number of frames dropped because the page fell behind.
func (r *Renderer) Dropped() uint64 {
	return r.conn.dropped.Load()
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env := streaming.Envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// CreateSceneResources sends the mesh set and waits for the page to ack it.
// The scene is cached and replayed after a reconnect.
func (r *Renderer) CreateSceneResources(_ context.Context, meshes []streaming.MeshDescriptor) (render.Handles, error) {
	data, err := marshalEnvelope(streaming.TypeScene, streaming.ScenePayload{Meshes: meshes})
	if err != nil {
		return nil, err
	}

	if err := r.conn.sendScene(data, ackTimeout); err != nil {
		return nil, err
	}

	handles := make(render.Handles, len(meshes))
	for i, m := range meshes {
		handles[m.Key] = uint32(i + 1)
	}
	return handles, nil
}

// RenderFrame encodes the frame and queues it without blocking. Frames are
// dropped while the page is disconnected or behind.
func (r *Renderer) RenderFrame(_ context.Context, handles render.Handles, frame *render.Frame) error {
	for _, inst := range frame.Instances {
		if _, ok := handles[inst.Mesh]; !ok {
			return fmt.Errorf("%w: %s (instance %s)", render.ErrUnknownMesh, inst.Mesh, inst.ID)
		}
	}
	if !r.conn.connected() {
		r.conn.dropped.Add(1)
		return nil
	}
	data, err := marshalEnvelope(streaming.TypeFrame, frame.Payload())
	if err != nil {
		return err
	}
	r.conn.sendFrame(data)
	return nil
}
