package streaming

import (
	"encoding/json"
	"time"

	"github.com/trafficsim/viewer/pkg/core"
)

// Message type constants matching the render stream protocol.
const (
	TypeScene = "scene"
	TypeFrame = "frame"
	TypeAck   = "ack"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the page's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// MeshDescriptor names one model the renderer must load before the first frame.
type MeshDescriptor struct {
	Key      string     `json:"key"`
	Category string     `json:"category"`
	Path     string     `json:"path"`
	Color    [4]float32 `json:"color"`   // flat vertex color
	Scale    float32    `json:"scale"`   // applied to raw vertices on load
	Variant  int        `json:"variant"` // building model index, 0 otherwise
}

// Instance is one drawable entity in a frame.
type Instance struct {
	ID       string      `json:"id"`
	Mesh     string      `json:"mesh"`
	Position [3]float32  `json:"position"`
	Rotation [3]float32  `json:"rotation"`
	Scale    [3]float32  `json:"scale"`
	Color    *[4]float32 `json:"color,omitempty"`
}

// Camera is the look-at pair for the frame.
type Camera struct {
	Position [3]float32 `json:"position"`
	Target   [3]float32 `json:"target"`
}

// LightUniforms are the spotlight arrays. Only the first Count entries are
// meaningful.
type LightUniforms struct {
	Count      int       `json:"count"`
	Positions  []float32 `json:"positions"`
	Colors     []float32 `json:"colors"`
	Directions []float32 `json:"directions"`
	Cutoffs    []float32 `json:"cutoffs"`
}

// ScenePayload carries the mesh set.
type ScenePayload struct {
	Meshes []MeshDescriptor `json:"meshes"`
}

// FramePayload carries everything needed to draw one frame.
type FramePayload struct {
	Frame     uint64        `json:"frame"`
	Time      time.Time     `json:"time"`
	Camera    Camera        `json:"camera"`
	Instances []Instance    `json:"instances"`
	Lights    LightUniforms `json:"lights"`
	Stats     core.Stats    `json:"stats"`
}
