// Package interp turns the last two server positions of every agent into a
// smooth per-frame position and heading.
package interp

import (
	"time"

	"cogentcore.org/core/math32"

	"github.com/trafficsim/viewer/internal/geo"
	"github.com/trafficsim/viewer/pkg/core"
)

// HeadingEpsilon is the smallest ground-plane movement that updates heading.
const HeadingEpsilon = 0.01

// Fraction returns how far through its update window the agent is at now,
// clamped to [0, 1]. A zero window means the target is reached immediately.
func Fraction(a *core.AgentState, now time.Time) float32 {
	if a.UpdateInterval <= 0 {
		return 1
	}
	t := float32(now.Sub(a.LastUpdate).Seconds() / a.UpdateInterval.Seconds())
	return math32.Clamp(t, 0, 1)
}

// Lerp interpolates component-wise between a and b.
func Lerp(a, b math32.Vector3, t float32) math32.Vector3 {
	return math32.Vec3(
		math32.Lerp(a.X, b.X, t),
		math32.Lerp(a.Y, b.Y, t),
		math32.Lerp(a.Z, b.Z, t),
	)
}

// Heading returns the travel angle about the vertical axis for the movement
// from prev to target. ok is false when the ground-plane movement is too
// small to define a direction; height changes never count.
func Heading(prev, target math32.Vector3) (heading float32, ok bool) {
	dx := target.X - prev.X
	dz := target.Z - prev.Z
	if math32.Abs(dx) <= HeadingEpsilon && math32.Abs(dz) <= HeadingEpsilon {
		return 0, false
	}
	return math32.Atan2(-dz, dx), true
}

// Step advances one agent to now. Agents already at their destination are
// left alone.
func Step(a *core.AgentState, now time.Time) {
	if a.AtDestination {
		return
	}
	a.CurrentPosition = Lerp(a.PreviousPosition, a.TargetPosition, Fraction(a, now))
	if h, ok := Heading(a.PreviousPosition, a.TargetPosition); ok {
		a.Heading = h
	}
}

// Result counts what one frame did.
type Result struct {
	Moving  int
	Arrived int // agents that reached a destination during this frame
	Parked  int // agents at a destination, including Arrived
}

// Engine interpolates every agent and flags arrivals.
type Engine struct {
	tolerance float32
	index     *geo.DestinationIndex
}

// New creates an engine with the given arrival tolerance.
func New(tolerance float32) *Engine {
	return &Engine{tolerance: tolerance}
}

// Frame advances every agent to now. destinations is the current destination
// set; the index is rebuilt only when its size changes, since destinations are
// never mutated once created.
func (e *Engine) Frame(now time.Time, agents, destinations []*core.Entity) Result {
	if e.index == nil || e.index.Len() != len(destinations) {
		positions := make([]math32.Vector3, 0, len(destinations))
		for _, d := range destinations {
			positions = append(positions, d.Position)
		}
		e.index = geo.NewDestinationIndex(positions, e.tolerance)
	}

	var res Result
	for _, ent := range agents {
		a := ent.Agent
		if a == nil {
			continue
		}
		if a.AtDestination {
			res.Parked++
			continue
		}
		Step(a, now)
		if e.index.Near(a.CurrentPosition) {
			a.AtDestination = true
			res.Arrived++
			res.Parked++
			continue
		}
		res.Moving++
	}
	return res
}
