// pkg/core/entity.go
package core

import (
	"fmt"
	"time"

	"cogentcore.org/core/math32"
)

// Category identifies the kind of entity mirrored from the simulation server.
type Category int

const (
	CategoryAgent Category = iota
	CategoryTrafficLight
	CategoryBuilding
	CategoryRoad
	CategoryDestination
)

// Categories lists every category in render order.
var Categories = []Category{
	CategoryAgent,
	CategoryTrafficLight,
	CategoryBuilding,
	CategoryRoad,
	CategoryDestination,
}

func (c Category) String() string {
	switch c {
	case CategoryAgent:
		return "agent"
	case CategoryTrafficLight:
		return "traffic_light"
	case CategoryBuilding:
		return "building"
	case CategoryRoad:
		return "road"
	case CategoryDestination:
		return "destination"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// DefaultScale returns the scale a freshly created entity of this category gets.
func (c Category) DefaultScale() math32.Vector3 {
	if c == CategoryAgent {
		return math32.Vec3(1, 1, 1)
	}
	return math32.Vec3(0.5, 0.5, 0.5)
}

// Entity is a tagged variant over every mirrored entity kind.
// Exactly one payload pointer is set, matching Category; destinations have none.
type Entity struct {
	Category Category
	ID       ID
	Position math32.Vector3
	Rotation math32.Vector3
	Scale    math32.Vector3

	Agent    *AgentState
	Light    *LightStatus
	Road     *RoadInfo
	Building *BuildingInfo
}

// AgentState holds the interpolation endpoints and render-derived fields of a vehicle.
type AgentState struct {
	PreviousPosition math32.Vector3
	TargetPosition   math32.Vector3
	CurrentPosition  math32.Vector3 // last rendered position

	Heading        float32 // radians about the vertical axis
	LastUpdate     time.Time
	UpdateInterval time.Duration
	AtDestination  bool
}

// LightStatus is the server-owned state of a traffic light.
type LightStatus struct {
	State LightState
}

// RoadInfo carries the discrete travel direction of a road cell.
type RoadInfo struct {
	Direction [2]int
}

// Horizontal reports whether traffic on the road runs along the x axis.
func (r RoadInfo) Horizontal() bool {
	return r.Direction[0] != 0
}

// BuildingInfo holds the visual variant picked at creation.
type BuildingInfo struct {
	ModelIndex int // 1 or 2
}

// NewEntity builds a category-appropriate record with declared defaults.
func NewEntity(cat Category, id ID, pos math32.Vector3) *Entity {
	e := &Entity{
		Category: cat,
		ID:       id,
		Position: pos,
		Scale:    cat.DefaultScale(),
	}
	switch cat {
	case CategoryAgent:
		e.Agent = &AgentState{
			PreviousPosition: pos,
			TargetPosition:   pos,
			CurrentPosition:  pos,
		}
	case CategoryTrafficLight:
		e.Light = &LightStatus{State: LightStop}
	case CategoryRoad:
		e.Road = &RoadInfo{}
	case CategoryBuilding:
		e.Building = &BuildingInfo{ModelIndex: 1}
	}
	return e
}
